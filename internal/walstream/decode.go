package walstream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vibestack/syncd/internal/errkind"
	"github.com/vibestack/syncd/pkg/lsn"
)

// slotRow is one row returned by pg_logical_slot_peek_changes /
// pg_logical_slot_get_changes: (lsn, xid, data).
type slotRow struct {
	LSN  string
	XID  string
	Data []byte
}

// decodeRow turns one wal2json slot row into a Record. A malformed row
// yields an *errkind.Error tagged Malformed so the ingestor can decide
// whether the whole poll batch must be rejected.
func decodeRow(row slotRow) (Record, error) {
	parsedLSN, err := lsn.Parse(row.LSN)
	if err != nil {
		return Record{}, errkind.Wrap(errkind.Malformed, "parse slot row lsn", err)
	}

	var change wal2jsonChange
	if err := json.Unmarshal(row.Data, &change); err != nil {
		return Record{}, errkind.Wrap(errkind.Malformed, "decode wal2json payload", err)
	}

	op, ok := ParseOperation(change.Action)
	if !ok {
		return Record{}, errkind.New(errkind.Malformed, fmt.Sprintf("unknown wal2json action %q", change.Action))
	}

	var data map[string]any
	switch op {
	case OpDelete:
		if len(change.Identity) == 0 {
			return Record{}, errkind.New(errkind.Malformed, "delete record missing identity columns")
		}
		data = columnsToMap(change.Identity)
	default:
		if len(change.Columns) == 0 {
			return Record{}, errkind.New(errkind.Malformed, "insert/update record missing columns")
		}
		data = columnsToMap(change.Columns)
	}

	ts := time.Now().UTC()
	if change.Timestamp != "" {
		if parsed, err := time.Parse("2006-01-02 15:04:05.999999-07", change.Timestamp); err == nil {
			ts = parsed
		}
	}

	return Record{
		LSN:       parsedLSN,
		XID:       row.XID,
		Table:     CanonicalTableName(change.Table),
		Operation: op,
		Data:      data,
		Ts:        ts,
	}, nil
}

// DecodeBatch decodes every row in a poll result. If any row fails to
// decode, the whole batch is rejected (§4.B: "a partial decode of a batch
// is rejected whole; no torn batches enter history") and the first error
// is returned.
func DecodeBatch(rows []slotRow) ([]Record, error) {
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
