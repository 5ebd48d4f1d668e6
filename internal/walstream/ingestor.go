package walstream

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/errkind"
	"github.com/vibestack/syncd/pkg/lsn"
)

// defaultMaxBatchRecords bounds how many records a single poll requests, per §4.B
// ("up to N change records").
const defaultMaxBatchRecords = 500

// BatchHandler is invoked with every non-empty decoded batch. It must
// append the batch to the change-history log and publish it to the
// dispatcher atomically; the Ingestor will not advance the slot's
// confirmed-flush position until it returns nil.
type BatchHandler func(ctx context.Context, batch []Record) error

// MinCursorFunc reports the minimum last-acknowledged LSN across currently
// declared durable subscribers (§4.F slot advancement, §8.4).
type MinCursorFunc func() lsn.LSN

// Ingestor polls a named logical replication slot using wal2json output,
// decodes each batch, and hands it to a BatchHandler before advancing the
// slot's confirmed-flush position. It is the sole owner of the replication
// slot and the sole writer of the change-history log (§3 Ownership).
type Ingestor struct {
	pool         *pgxpool.Pool
	logger       zerolog.Logger
	slotName     string
	outputPlugin string
	maxBatch     int

	idleInterval   time.Duration
	activeInterval time.Duration
}

// NewIngestor creates an Ingestor polling the given slot over pool.
func NewIngestor(pool *pgxpool.Pool, slotName, outputPlugin string, idleInterval, activeInterval time.Duration, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		pool:           pool,
		logger:         logger.With().Str("component", "ingestor").Logger(),
		slotName:       slotName,
		outputPlugin:   outputPlugin,
		maxBatch:       defaultMaxBatchRecords,
		idleInterval:   idleInterval,
		activeInterval: activeInterval,
	}
}

// EnsureSlot creates the logical replication slot if it does not already
// exist, and returns the slot's current confirmed-flush LSN. It is
// idempotent, matching the admin /replication/init contract (§4.H).
func (i *Ingestor) EnsureSlot(ctx context.Context) (lsn.LSN, error) {
	var exists bool
	err := i.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)`, i.slotName,
	).Scan(&exists)
	if err != nil {
		return 0, errkind.Wrap(errkind.Transient, "check replication slot", err)
	}

	if !exists {
		var slotLSN string
		err := i.pool.QueryRow(ctx,
			`SELECT lsn FROM pg_create_logical_replication_slot($1, $2)`, i.slotName, i.outputPlugin,
		).Scan(&slotLSN)
		if err != nil {
			return 0, classifySlotError(err)
		}
		parsed, err := lsn.Parse(slotLSN)
		if err != nil {
			return 0, errkind.Wrap(errkind.Malformed, "parse new slot lsn", err)
		}
		i.logger.Info().Str("slot", i.slotName).Stringer("lsn", parsed).Msg("created replication slot")
		return parsed, nil
	}

	var confirmed string
	err = i.pool.QueryRow(ctx,
		`SELECT confirmed_flush_lsn FROM pg_replication_slots WHERE slot_name = $1`, i.slotName,
	).Scan(&confirmed)
	if err != nil {
		return 0, errkind.Wrap(errkind.Transient, "read confirmed_flush_lsn", err)
	}
	return lsn.Parse(confirmed)
}

// SlotStatus is the projection of pg_replication_slots exposed by the admin
// surface (§4.H GET /replication/slots).
type SlotStatus struct {
	SlotName      string `json:"slot_name"`
	Active        bool   `json:"active"`
	Plugin        string `json:"plugin"`
	RestartLSN    string `json:"restart_lsn"`
	ConfirmedFlush string `json:"confirmed_flush"`
}

// Slots lists all logical replication slots visible to the connection.
func (i *Ingestor) Slots(ctx context.Context) ([]SlotStatus, error) {
	rows, err := i.pool.Query(ctx,
		`SELECT slot_name, active, plugin, restart_lsn::text, confirmed_flush_lsn::text
		 FROM pg_replication_slots`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, "list replication slots", err)
	}
	defer rows.Close()

	var out []SlotStatus
	for rows.Next() {
		var s SlotStatus
		if err := rows.Scan(&s.SlotName, &s.Active, &s.Plugin, &s.RestartLSN, &s.ConfirmedFlush); err != nil {
			return nil, errkind.Wrap(errkind.Transient, "scan slot row", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CurrentLSN returns the server's current WAL insert position.
func (i *Ingestor) CurrentLSN(ctx context.Context) (lsn.LSN, error) {
	var s string
	err := i.pool.QueryRow(ctx, `SELECT pg_current_wal_lsn()::text`).Scan(&s)
	if err != nil {
		return 0, errkind.Wrap(errkind.Transient, "read current wal lsn", err)
	}
	return lsn.Parse(s)
}

// Run drives the adaptive poll loop until ctx is cancelled. It blocks.
func (i *Ingestor) Run(ctx context.Context, handle BatchHandler, minCursor MinCursorFunc) error {
	backoff := newBackoff(100*time.Millisecond, 5*time.Second)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch, err := i.poll(ctx)
		if err != nil {
			var ek *errkind.Error
			if errors.As(err, &ek) && ek.Kind == errkind.Fatal {
				i.logger.Error().Err(err).Msg("fatal ingestor error, stopping")
				return err
			}
			i.logger.Warn().Err(err).Msg("poll failed, backing off")
			if !sleepCtx(ctx, backoff.next()) {
				return ctx.Err()
			}
			continue
		}
		backoff.reset()

		if len(batch) == 0 {
			if !sleepCtx(ctx, i.idleInterval) {
				return ctx.Err()
			}
			continue
		}

		if err := handle(ctx, batch); err != nil {
			i.logger.Error().Err(err).Msg("batch handler failed, will retry same window")
			if !sleepCtx(ctx, backoff.next()) {
				return ctx.Err()
			}
			continue
		}

		if err := i.advance(ctx, minCursor()); err != nil {
			i.logger.Error().Err(err).Msg("failed to advance slot")
		}

		interval := i.idleInterval
		if len(batch) >= i.maxBatch {
			interval = i.activeInterval
		}
		if !sleepCtx(ctx, interval) {
			return ctx.Err()
		}
	}
}

func (i *Ingestor) poll(ctx context.Context) ([]Record, error) {
	rows, err := i.pool.Query(ctx,
		`SELECT lsn::text, xid::text, data
		 FROM pg_logical_slot_peek_changes($1, NULL, $2,
		      'format-version', '2', 'include-xids', '1', 'include-lsn', '1')`,
		i.slotName, i.maxBatch)
	if err != nil {
		return nil, classifySlotError(err)
	}
	defer rows.Close()

	var slotRows []slotRow
	for rows.Next() {
		var r slotRow
		if err := rows.Scan(&r.LSN, &r.XID, &r.Data); err != nil {
			return nil, errkind.Wrap(errkind.Transient, "scan peek row", err)
		}
		slotRows = append(slotRows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Transient, "iterate peek rows", err)
	}

	if len(slotRows) == 0 {
		return nil, nil
	}
	return DecodeBatch(slotRows)
}

// advance moves the slot's confirmed-flush position to at most target,
// which the caller computes as the minimum cursor across durable
// subscribers (§4.B step 3, §8.4: never advance past that minimum).
func (i *Ingestor) advance(ctx context.Context, target lsn.LSN) error {
	if target == lsn.Zero {
		return nil
	}
	_, err := i.pool.Exec(ctx, `SELECT pg_replication_slot_advance($1, $2::pg_lsn)`, i.slotName, target.String())
	if err != nil {
		return errkind.Wrap(errkind.Transient, "advance replication slot", err)
	}
	return nil
}

func classifySlotError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55000": // object_not_in_prerequisite_state: slot busy
			return errkind.Wrap(errkind.Conflict, "replication slot busy", err)
		case "42704": // undefined_object: slot or plugin does not exist
			return errkind.Wrap(errkind.Fatal, "replication slot or plugin not found", err)
		}
	}
	return errkind.Wrap(errkind.Transient, "replication slot query", err)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoff implements jittered capped exponential backoff (§4.B: 100ms → 5s).
type backoff struct {
	min, max, cur time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	return &backoff{min: min, max: max, cur: min}
}

func (b *backoff) next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

func (b *backoff) reset() {
	b.cur = b.min
}
