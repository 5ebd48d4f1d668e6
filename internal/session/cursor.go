package session

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vibestack/syncd/internal/errkind"
	"github.com/vibestack/syncd/pkg/lsn"
)

// CursorStore persists the client_cursor(client_id, last_acked_lsn,
// durable, updated_at) table, and computes the minimum cursor
// across durable subscribers that the dispatcher reports to the ingestor
// for slot advancement (§4.F, §8.4).
type CursorStore struct {
	pool *pgxpool.Pool
}

// NewCursorStore creates a CursorStore backed by pool.
func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// Load returns the persisted cursor for clientID, or (0, false, nil) if the
// client has never connected before.
func (c *CursorStore) Load(ctx context.Context, clientID string) (lsn.LSN, bool, error) {
	var s string
	err := c.pool.QueryRow(ctx,
		`SELECT last_acked_lsn::text FROM client_cursor WHERE client_id = $1`, clientID,
	).Scan(&s)
	if err != nil {
		if err == pgx.ErrNoRows {
			return lsn.Zero, false, nil
		}
		return 0, false, errkind.Wrap(errkind.Transient, "load client cursor", err)
	}
	parsed, err := lsn.Parse(s)
	if err != nil {
		return 0, false, errkind.Wrap(errkind.Malformed, "parse persisted cursor", err)
	}
	return parsed, true, nil
}

// Save upserts the cursor for clientID. durable marks whether this client
// counts toward the dispatcher's slot-advancement floor (§4.F): a session
// saves durable=true on going live and on each live ack, and durable=false
// when it is force-drained or closes.
func (c *CursorStore) Save(ctx context.Context, clientID string, cursor lsn.LSN, durable bool) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO client_cursor (client_id, last_acked_lsn, durable, updated_at)
		 VALUES ($1, $2::pg_lsn, $3, now())
		 ON CONFLICT (client_id) DO UPDATE
		   SET last_acked_lsn = EXCLUDED.last_acked_lsn,
		       durable = EXCLUDED.durable,
		       updated_at = now()`,
		clientID, cursor.String(), durable)
	if err != nil {
		return errkind.Wrap(errkind.Transient, "save client cursor", err)
	}
	return nil
}

// MinDurableCursor returns the minimum last_acked_lsn across clients
// currently marked durable, or lsn.Zero if there are none (§8.4, §8 S6).
func (c *CursorStore) MinDurableCursor(ctx context.Context) (lsn.LSN, error) {
	var s *string
	err := c.pool.QueryRow(ctx,
		`SELECT MIN(last_acked_lsn)::text FROM client_cursor WHERE durable`,
	).Scan(&s)
	if err != nil {
		return 0, errkind.Wrap(errkind.Transient, "query min durable cursor", err)
	}
	if s == nil {
		return lsn.Zero, nil
	}
	return lsn.Parse(*s)
}
