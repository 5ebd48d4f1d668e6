// Package dispatcher implements the fan-out stage (§4.F): it watches the
// change-history log for newly committed records and pushes them into every
// live session's bounded inbound queue, enforcing per-session back-pressure
// and reporting the slot-advancement floor back to the WAL ingestor.
//
// The session registry and broadcast-with-timeout shape are grounded on the
// teacher's metrics websocket Hub: a mutex-guarded client set, a periodic
// poll loop, and a per-recipient write that never blocks the others.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/history"
	"github.com/vibestack/syncd/internal/session"
	"github.com/vibestack/syncd/internal/walstream"
	"github.com/vibestack/syncd/pkg/lsn"
)

// Config bundles the dispatcher-scoped tunables (§6).
type Config struct {
	PollIdle   time.Duration
	PollActive time.Duration
	PageSize   int
	StallAfter time.Duration
}

// feedBacklog bounds how many fan-out pages can queue up behind a session's
// own forwarding goroutine before the dispatcher starts dropping pages for
// that session rather than letting the backlog grow without bound.
const feedBacklog = 8

// registeredSession is a live session plus the bookkeeping its dedicated
// forwarding goroutine uses to detect and act on a stalled delivery.
// stallSince is only ever touched by that one goroutine, so it needs no
// lock of its own.
type registeredSession struct {
	sess       *session.Session
	stallSince time.Time
	feed       chan []walstream.Record
	done       chan struct{}
}

// Dispatcher owns the fan-out cursor and the registry of sessions currently
// eligible to receive live changes.
type Dispatcher struct {
	history *history.Store
	cursors *session.CursorStore
	cfg     Config
	logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*registeredSession
	cursor   lsn.LSN
}

// New creates a Dispatcher seeded at startCursor (typically the ingestor's
// current max committed LSN at startup, so replay is never duplicated by
// the fan-out path itself — sessions behind startCursor get there through
// their own catchup phase).
func New(hist *history.Store, cursors *session.CursorStore, startCursor lsn.LSN, cfg Config, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		history:  hist,
		cursors:  cursors,
		cfg:      cfg,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		sessions: make(map[string]*registeredSession),
		cursor:   startCursor,
	}
}

// Register adds a session to the fan-out set and starts its own forwarding
// goroutine, so a stall on this session's delivery can never hold up fan-out
// to any other session (§4.F, §8 S4). Only sessions in the live state should
// be registered; the caller (the connection handler) is responsible for
// calling Register once a session's catchup phase has finished. ctx governs
// the lifetime of the forwarding goroutine.
func (d *Dispatcher) Register(ctx context.Context, sess *session.Session) {
	d.mu.Lock()
	if _, exists := d.sessions[sess.ClientID]; exists {
		d.mu.Unlock()
		return
	}
	rs := &registeredSession{
		sess: sess,
		feed: make(chan []walstream.Record, feedBacklog),
		done: make(chan struct{}),
	}
	d.sessions[sess.ClientID] = rs
	n := len(d.sessions)
	d.mu.Unlock()

	stallAfter := d.cfg.StallAfter
	if stallAfter <= 0 {
		stallAfter = 30 * time.Second
	}
	go d.forward(ctx, rs, stallAfter)

	d.logger.Debug().Str("client_id", sess.ClientID).Int("sessions", n).Msg("session registered for fan-out")
}

// Unregister removes a session, e.g. once it has moved to draining or
// closed, and signals its forwarding goroutine to stop.
func (d *Dispatcher) Unregister(clientID string) {
	d.mu.Lock()
	rs, ok := d.sessions[clientID]
	delete(d.sessions, clientID)
	d.mu.Unlock()
	if ok {
		close(rs.done)
	}
}

// Cursor returns the highest LSN the dispatcher has fanned out so far.
func (d *Dispatcher) Cursor() lsn.LSN {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor
}

// MinDurableCursor reports the minimum acknowledged, durable cursor across
// all subscribers, which the ingestor uses as the floor for replication
// slot advancement (§4.F, §8 S6). It reads the client_cursor rows marked
// durable; sessions still in catchup don't participate, since their row is
// absent or marked non-durable until they go live.
func (d *Dispatcher) MinDurableCursor(ctx context.Context) (lsn.LSN, error) {
	return d.cursors.MinDurableCursor(ctx)
}

// Run polls the change-history log for records past the fan-out cursor and
// pushes them to every registered session. It blocks until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	idle := d.cfg.PollIdle
	if idle <= 0 {
		idle = 250 * time.Millisecond
	}
	active := d.cfg.PollActive
	if active <= 0 {
		active = 10 * time.Millisecond
	}
	pageSize := d.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	interval := idle
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		n, err := d.tick(ctx, pageSize)
		if err != nil {
			d.logger.Error().Err(err).Msg("fan-out tick failed")
			interval = idle
		} else if n > 0 {
			interval = active
		} else {
			interval = idle
		}
		timer.Reset(interval)
	}
}

// tick fetches one page of history past the current cursor and fans it out,
// returning the number of records delivered.
func (d *Dispatcher) tick(ctx context.Context, pageSize int) (int, error) {
	cursor := d.Cursor()

	page, err := d.history.ByLSNRange(ctx, cursor, lsn.Zero, pageSize)
	if err != nil {
		return 0, err
	}
	if len(page) == 0 {
		return 0, nil
	}

	d.fanOut(ctx, page)

	d.mu.Lock()
	d.cursor = page[len(page)-1].LSN
	d.mu.Unlock()

	return len(page), nil
}

// fanOut queues records onto every registered session's own feed channel.
// This is a pure hand-off: it never waits on a session's delivery, so one
// session stuck behind a stalled transport can never hold up the shared
// poll loop's delivery to the others (§4.F, §8 S4). If a session's
// forwarding goroutine is still working through a backlog when its feed
// channel fills up, that page is dropped for that session only; the
// forwarder's own stall timer will force-drain it shortly after.
func (d *Dispatcher) fanOut(ctx context.Context, records []walstream.Record) {
	d.mu.Lock()
	targets := make([]*registeredSession, 0, len(d.sessions))
	for _, rs := range d.sessions {
		targets = append(targets, rs)
	}
	d.mu.Unlock()

	for _, rs := range targets {
		select {
		case rs.feed <- records:
		default:
			d.logger.Warn().Str("client_id", rs.sess.ClientID).Msg("session fan-out backlog full, dropping page for session")
		}
	}
}

// forward is a session's dedicated delivery goroutine: it drains that
// session's feed channel and pushes records into its inbound queue,
// independently of the dispatcher's poll tick and of every other session's
// forwarder.
func (d *Dispatcher) forward(ctx context.Context, rs *registeredSession, stallAfter time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rs.done:
			return
		case records := <-rs.feed:
			if d.deliverOne(ctx, rs, records, stallAfter) {
				return
			}
		}
	}
}

// deliverOne pushes records into rs's inbound queue in order, blocking for
// at most stallAfter once the queue is full. It reports whether the session
// was force drained, in which case the caller must stop delivering to it.
func (d *Dispatcher) deliverOne(ctx context.Context, rs *registeredSession, records []walstream.Record, stallAfter time.Duration) bool {
	inbound := rs.sess.Inbound()
	for _, rec := range records {
		select {
		case inbound <- rec:
			rs.stallSince = time.Time{}
			continue
		default:
		}

		if rs.stallSince.IsZero() {
			rs.stallSince = time.Now()
		}

		timer := time.NewTimer(stallAfter)
		select {
		case inbound <- rec:
			timer.Stop()
			rs.stallSince = time.Time{}
		case <-timer.C:
			d.logger.Warn().Str("client_id", rs.sess.ClientID).Msg("session stalled past threshold, forcing drain")
			rs.sess.ForceDrain(ctx, session.CodeBackpressure, "inbound queue stalled")
			d.Unregister(rs.sess.ClientID)
			return true
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
	return false
}
