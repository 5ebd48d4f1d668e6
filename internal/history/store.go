// Package history implements the durable, append-only change-history log
// (§3 Change-history entry, §4.C): a single Postgres table keyed by an
// auto-increment id with a unique index on lsn, written exclusively by the
// WAL ingestor and read by many consistent-snapshot readers (sessions
// replaying catchup, the admin debug endpoint).
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vibestack/syncd/internal/errkind"
	"github.com/vibestack/syncd/internal/walstream"
	"github.com/vibestack/syncd/pkg/lsn"
)

// Store is the single-writer, many-reader change-history log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Append persists a batch of records in one transaction. Duplicates at the
// lsn boundary are suppressed by the unique index rather than treated as an
// error, giving the at-least-once ingestor idempotence promised by §8.6.
func (s *Store) Append(ctx context.Context, records []walstream.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errkind.Wrap(errkind.Transient, "begin history append tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, r := range records {
		data, err := json.Marshal(r.Data)
		if err != nil {
			return errkind.Wrap(errkind.Malformed, "marshal record data", err)
		}
		batch.Queue(
			`INSERT INTO change_history (lsn, xid, table_name, operation, row_data, committed_at)
			 VALUES ($1::pg_lsn, $2, $3, $4, $5, $6)
			 ON CONFLICT (lsn) DO NOTHING`,
			r.LSN.String(), r.XID, r.Table, r.Operation.String(), data, r.Ts)
	}

	br := tx.SendBatch(ctx, batch)
	for range records {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return errkind.Wrap(errkind.Transient, "append history row", err)
		}
	}
	if err := br.Close(); err != nil {
		return errkind.Wrap(errkind.Transient, "close history batch", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return errkind.Wrap(errkind.Transient, "commit history append", err)
	}
	return nil
}

// ByLSNRange returns records with lsn in (startExclusive, endInclusive],
// ordered by lsn ascending, capped at limit (§4.C).
func (s *Store) ByLSNRange(ctx context.Context, startExclusive, endInclusive lsn.LSN, limit int) ([]walstream.Record, error) {
	var endClause string
	args := []any{startExclusive.String()}
	if endInclusive != lsn.Zero {
		endClause = "AND lsn <= $2::pg_lsn"
		args = append(args, endInclusive.String())
	}
	args = append(args, limit)
	limitPos := len(args)

	query := fmt.Sprintf(
		`SELECT lsn::text, xid, table_name, operation, row_data, committed_at
		 FROM change_history
		 WHERE lsn > $1::pg_lsn %s
		 ORDER BY lsn ASC
		 LIMIT $%d`, endClause, limitPos)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, "query history range", err)
	}
	defer rows.Close()

	var out []walstream.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MaxLSN returns the highest lsn currently in the history log.
func (s *Store) MaxLSN(ctx context.Context) (lsn.LSN, error) {
	var s1 *string
	err := s.pool.QueryRow(ctx, `SELECT MAX(lsn)::text FROM change_history`).Scan(&s1)
	if err != nil {
		return 0, errkind.Wrap(errkind.Transient, "query max lsn", err)
	}
	if s1 == nil {
		return lsn.Zero, nil
	}
	return lsn.Parse(*s1)
}

// Purge deletes entries whose LSN is below the global minimum confirmed
// cursor and whose committed_at is older than the retention window
// (§4.C). It holds no lock the writer
// needs: it is a plain DELETE under MVCC.
func (s *Store) Purge(ctx context.Context, globalMinCursor lsn.LSN, retention time.Duration) (int64, error) {
	cutoffTime := time.Now().Add(-retention)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM change_history WHERE lsn < $1::pg_lsn AND committed_at < $2`,
		globalMinCursor.String(), cutoffTime)
	if err != nil {
		return 0, errkind.Wrap(errkind.Transient, "purge history", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(rows rowScanner) (walstream.Record, error) {
	var (
		lsnText string
		xid     string
		table   string
		opText  string
		raw     []byte
		ts      time.Time
	)
	if err := rows.Scan(&lsnText, &xid, &table, &opText, &raw, &ts); err != nil {
		return walstream.Record{}, errkind.Wrap(errkind.Transient, "scan history row", err)
	}
	parsedLSN, err := lsn.Parse(lsnText)
	if err != nil {
		return walstream.Record{}, errkind.Wrap(errkind.Malformed, "parse history row lsn", err)
	}
	op, ok := walstream.ParseOperation(opText)
	if !ok {
		return walstream.Record{}, errkind.New(errkind.Malformed, "unknown stored operation "+opText)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return walstream.Record{}, errkind.Wrap(errkind.Malformed, "unmarshal history row_data", err)
	}
	return walstream.Record{
		LSN:       parsedLSN,
		XID:       xid,
		Table:     table,
		Operation: op,
		Data:      data,
		Ts:        ts,
	}, nil
}
