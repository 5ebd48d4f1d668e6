package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/errkind"
	"github.com/vibestack/syncd/internal/history"
	"github.com/vibestack/syncd/internal/walstream"
	"github.com/vibestack/syncd/pkg/lsn"
)

// Conn is the minimal duplex the session needs from the transport layer
// (§4.G): ordered framed messages in and out, and a close that can carry a
// reason code to the client.
type Conn interface {
	Send(ctx context.Context, v any) error
	Recv(ctx context.Context) ([]byte, error)
	Close(code ErrorCode, reason string) error
}

// Config bundles the session-scoped tunables carried in the process
// configuration (§6).
type Config struct {
	BatchMaxRecords int
	BatchMaxBytes   int
	QueueDepth      int
	StallTimeout    time.Duration
	HeartbeatIdle   time.Duration

	// OnDelivered, if set, is called after every batch successfully sent to
	// the client (catchup or live), letting a caller-owned metrics sink
	// observe throughput without this package depending on one.
	OnDelivered func(clientID string, lastLSN lsn.LSN, records, bytes int)
}

const catchupPageSize = 5000

// errHeartbeatTimeout marks a live session that went quiet past its idle
// window (§4.E, §7); it is distinct from errkind's Kind taxonomy because no
// Kind there is specific to "client stopped talking".
var errHeartbeatTimeout = errors.New("no heartbeat within idle window")

// Session drives one client's state machine end to end: catchup replay,
// live fan-out, heartbeats, and graceful draining (§4.E).
type Session struct {
	ClientID string

	conn    Conn
	history *history.Store
	cursors *CursorStore
	logger  zerolog.Logger
	cfg     Config

	mu    sync.Mutex
	state State

	lastAckLSN atomic.Uint64 // lsn.LSN is a uint64 under the hood
	inbound    chan walstream.Record

	msgSeq atomic.Uint64
}

// New creates a Session for clientID over conn, with history/cursors as the
// durable backing stores.
func New(clientID string, conn Conn, hist *history.Store, cursors *CursorStore, cfg Config, logger zerolog.Logger) *Session {
	s := &Session{
		ClientID: clientID,
		conn:     conn,
		history:  hist,
		cursors:  cursors,
		cfg:      cfg,
		logger:   logger.With().Str("component", "session").Str("client_id", clientID).Logger(),
		state:    StateConnecting,
		inbound:  make(chan walstream.Record, cfg.QueueDepth),
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.state, to) {
		return fmt.Errorf("illegal session transition %s -> %s", s.state, to)
	}
	s.state = to
	return nil
}

func (s *Session) LastAckLSN() lsn.LSN {
	return lsn.LSN(s.lastAckLSN.Load())
}

func (s *Session) setLastAckLSN(l lsn.LSN) {
	s.lastAckLSN.Store(uint64(l))
}

// Inbound exposes the bounded queue the dispatcher fans new records into.
// The dispatcher owns back-pressure policy (§4.F): it attempts a blocking
// send here, and if it stalls past the configured threshold, forces this
// session into draining via ForceDrain.
func (s *Session) Inbound() chan<- walstream.Record {
	return s.inbound
}

// ForceDrain is called by the dispatcher when this session's queue has
// stalled past the threshold (§4.F, §8 S4). It is idempotent.
func (s *Session) ForceDrain(ctx context.Context, code ErrorCode, reason string) {
	if err := s.transition(StateDraining); err != nil {
		return // already draining or closed
	}
	_ = s.conn.Send(ctx, SrvError{
		Envelope: newEnvelope(TypeSrvError, s.ClientID, s.nextMessageID()),
		Code:     string(code),
		Message:  reason,
	})
	s.persistCursor(ctx, false)
}

func (s *Session) nextMessageID() string {
	return fmt.Sprintf("%s-%d", s.ClientID, s.msgSeq.Add(1))
}

func (s *Session) persistCursor(ctx context.Context, durable bool) {
	if err := s.cursors.Save(ctx, s.ClientID, s.LastAckLSN(), durable); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist session cursor")
	}
}

// Run drives the session to completion: handshake was already performed by
// the caller (identity verified, transport accepted), which hands us
// startLSN. cmd/syncd passes the client's persisted cursor (lsn.Zero for a
// client never seen before); no client-supplied lsn query parameter is read.
func (s *Session) Run(ctx context.Context, startLSN lsn.LSN) error {
	if err := s.transition(StateAuthenticated); err != nil {
		return err
	}
	s.setLastAckLSN(startLSN)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeats := make(chan struct{}, 1)
	catchupAcks := make(chan CltCatchupReceived, 1)
	changeAcks := make(chan CltChangesAck, 16)
	readErrs := make(chan error, 1)

	go s.readLoop(ctx, heartbeats, catchupAcks, changeAcks, readErrs)

	maxLSN, err := s.history.MaxLSN(ctx)
	if err != nil {
		return err
	}

	if lsn.IsAfter(maxLSN, startLSN) {
		if err := s.transition(StateCatchup); err != nil {
			return err
		}
		finalLSN, changeCount, err := s.runCatchup(ctx, startLSN, catchupAcks)
		if err != nil {
			return s.failSession(ctx, err)
		}
		if err := s.conn.Send(ctx, SrvCatchupCompleted{
			Envelope:    newEnvelope(TypeSrvCatchupCompleted, s.ClientID, s.nextMessageID()),
			Success:     true,
			ChangeCount: changeCount,
			StartLSN:    startLSN.String(),
			FinalLSN:    finalLSN.String(),
		}); err != nil {
			return s.failSession(ctx, err)
		}
		s.setLastAckLSN(finalLSN)
	}

	if err := s.transition(StateLive); err != nil {
		return err
	}
	s.persistCursor(ctx, true)

	if err := s.runLive(ctx, heartbeats, changeAcks, readErrs); err != nil {
		return s.failSession(ctx, err)
	}
	return s.closeSession(ctx, nil)
}

func (s *Session) failSession(ctx context.Context, cause error) error {
	code := CodeProtocol
	switch {
	case errors.Is(cause, errHeartbeatTimeout):
		code = CodeTimeout
	case errkind.Is(cause, errkind.BackPressure):
		code = CodeBackpressure
	}
	_ = s.conn.Send(ctx, SrvError{
		Envelope: newEnvelope(TypeSrvError, s.ClientID, s.nextMessageID()),
		Code:     string(code),
		Message:  cause.Error(),
	})
	return s.closeSession(ctx, cause)
}

func (s *Session) closeSession(ctx context.Context, cause error) error {
	_ = s.transition(StateDraining)
	s.persistCursor(ctx, false)
	_ = s.transition(StateClosed)
	if cause != nil {
		_ = s.conn.Close(CodeProtocol, cause.Error())
		return cause
	}
	_ = s.conn.Close(CodeServerShutdown, "session ended")
	return nil
}

func (s *Session) readLoop(ctx context.Context, heartbeats chan<- struct{}, catchupAcks chan<- CltCatchupReceived, changeAcks chan<- CltChangesAck, errs chan<- error) {
	for {
		data, err := s.conn.Recv(ctx)
		if err != nil {
			select {
			case errs <- err:
			default:
			}
			return
		}
		msg, err := DecodeInbound(data)
		if err != nil {
			select {
			case errs <- err:
			default:
			}
			return
		}
		switch m := msg.(type) {
		case CltHeartbeat:
			select {
			case heartbeats <- struct{}{}:
			default:
			}
		case CltCatchupReceived:
			select {
			case catchupAcks <- m:
			case <-ctx.Done():
				return
			}
		case CltChangesAck:
			select {
			case changeAcks <- m:
			case <-ctx.Done():
				return
			}
		}
	}
}

// runCatchup replays history strictly after startLSN in LSN order, sending
// bounded, transaction-preserving chunks with a sliding ack window of one
// (§4.E catchup protocol).
func (s *Session) runCatchup(ctx context.Context, startLSN lsn.LSN, acks <-chan CltCatchupReceived) (lsn.LSN, int, error) {
	cursor := startLSN
	changeCount := 0

	for {
		page, err := s.history.ByLSNRange(ctx, cursor, lsn.Zero, catchupPageSize)
		if err != nil {
			return cursor, changeCount, err
		}
		if len(page) == 0 {
			break
		}

		chunks := chunk(page, s.cfg.BatchMaxRecords, s.cfg.BatchMaxBytes)
		for i, c := range chunks {
			lastLSN := c[len(c)-1].LSN
			msg := SrvCatchupChanges{
				Envelope: newEnvelope(TypeSrvCatchupChanges, s.ClientID, s.nextMessageID()),
				Changes:  toWireSlice(c),
				Sequence: Sequence{Chunk: i + 1, Total: len(chunks)},
				LastLSN:  lastLSN.String(),
			}
			if err := s.conn.Send(ctx, msg); err != nil {
				return cursor, changeCount, errkind.Wrap(errkind.Transient, "send catchup chunk", err)
			}
			if err := s.waitCatchupAck(ctx, acks, i+1); err != nil {
				return cursor, changeCount, err
			}
			if s.cfg.OnDelivered != nil {
				s.cfg.OnDelivered(s.ClientID, lastLSN, len(c), groupBytes(c))
			}
			cursor = lastLSN
			changeCount += len(c)
		}

		if len(page) < catchupPageSize {
			break
		}
	}
	return cursor, changeCount, nil
}

func (s *Session) waitCatchupAck(ctx context.Context, acks <-chan CltCatchupReceived, chunkNum int) error {
	timer := time.NewTimer(s.cfg.StallTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errkind.New(errkind.BackPressure, "catchup ack wait timed out")
	case ack := <-acks:
		if ack.Chunk != chunkNum {
			return errkind.New(errkind.Protocol, "catchup ack chunk mismatch")
		}
		return nil
	}
}

// runLive flushes records fanned into the inbound queue as srv_live_changes
// batches, in strict LSN order, never splitting a transaction. The cursor
// only advances once the client acks (§4.E live protocol).
func (s *Session) runLive(ctx context.Context, heartbeats <-chan struct{}, changeAcks <-chan CltChangesAck, readErrs <-chan error) error {
	idleTimer := time.NewTimer(s.cfg.HeartbeatIdle)
	defer idleTimer.Stop()

	pending := make([]walstream.Record, 0, s.cfg.BatchMaxRecords)
	flushTimer := time.NewTimer(10 * time.Millisecond)
	defer flushTimer.Stop()

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		chunks := chunk(pending, s.cfg.BatchMaxRecords, s.cfg.BatchMaxBytes)
		for i, c := range chunks {
			lastLSN := c[len(c)-1].LSN
			if err := s.conn.Send(ctx, SrvLiveChanges{
				Envelope: newEnvelope(TypeSrvLiveChanges, s.ClientID, s.nextMessageID()),
				Changes:  toWireSlice(c),
				Sequence: &Sequence{Chunk: i + 1, Total: len(chunks)},
				LastLSN:  lastLSN.String(),
			}); err != nil {
				return errkind.Wrap(errkind.Transient, "send live batch", err)
			}
			if s.cfg.OnDelivered != nil {
				s.cfg.OnDelivered(s.ClientID, lastLSN, len(c), groupBytes(c))
			}
		}
		pending = pending[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrs:
			return err

		case <-heartbeats:
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(s.cfg.HeartbeatIdle)

		case <-idleTimer.C:
			return errHeartbeatTimeout

		case ack := <-changeAcks:
			acked, err := lsn.Parse(ack.LastLSN)
			if err == nil {
				s.setLastAckLSN(acked)
				s.persistCursor(ctx, true)
			}

		case rec, ok := <-s.inbound:
			if !ok {
				if err := flush(); err != nil {
					return err
				}
				return nil
			}
			pending = append(pending, rec)
			if len(pending) >= s.cfg.BatchMaxRecords {
				if err := flush(); err != nil {
					return err
				}
			}

		case <-flushTimer.C:
			if err := flush(); err != nil {
				return err
			}
			flushTimer.Reset(10 * time.Millisecond)
		}
	}
}
