package walstream

import (
	"strconv"
	"strings"
	"time"

	"github.com/vibestack/syncd/pkg/lsn"
)

// Operation is the DML operation type carried by a Record.
type Operation int

const (
	OpInsert Operation = iota
	OpUpdate
	OpDelete
)

// String returns the wire-format operation name (§3, §6).
func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseOperation converts a wal2json action code or wire operation name
// into an Operation.
func ParseOperation(s string) (Operation, bool) {
	switch s {
	case "insert", "I":
		return OpInsert, true
	case "update", "U":
		return OpUpdate, true
	case "delete", "D":
		return OpDelete, true
	default:
		return 0, false
	}
}

// Record is the immutable unit flowing through the pipeline (§3 Change
// record). It is produced by the Ingestor's WAL decode, persisted verbatim
// to the change-history log, and fanned out to sessions unchanged.
type Record struct {
	LSN       lsn.LSN        `json:"-"`
	XID       string         `json:"xid,omitempty"`
	Table     string         `json:"table"`
	Operation Operation      `json:"-"`
	Data      map[string]any `json:"data"`
	Ts        time.Time      `json:"updated_at"`
	// Origin carries the replication origin name the change was tagged
	// with, if any, so a future bidirectional write path can avoid
	// re-applying a change back to where it came from. Nothing in this
	// repository sets or reads it: the wal2json decoder leaves it empty
	// and no stage filters on it.
	Origin string `json:"-"`
}

// IntentionalDuplicateKey is the data-field marker a producer sets to
// indicate a duplicate key record is intentional and must never be
// coalesced (§9 Open Question 2, resolved: always delivered).
const IntentionalDuplicateKey = "__intentionalDuplicate"

// IsIntentionalDuplicate reports whether the record was explicitly marked
// as an intentional duplicate by its producer.
func (r *Record) IsIntentionalDuplicate() bool {
	v, ok := r.Data[IntentionalDuplicateKey]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// PrimaryKey extracts the primary key value for the given column names from
// the record's data image. For deletes the data image is the old row's
// identity columns; for insert/update it is the new row. Only the
// caller-designated key columns are used in either case.
func (r *Record) PrimaryKey(keyColumns []string) string {
	var sb strings.Builder
	for i, col := range keyColumns {
		if i > 0 {
			sb.WriteByte('\x1f')
		}
		if v, ok := r.Data[col]; ok {
			sb.WriteString(toKeyString(v))
		}
	}
	return sb.String()
}

func toKeyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return stringifyAny(t)
	}
}

// stringifyAny gives a stable textual form for non-string JSON scalars
// (numbers, bools) without pulling in a JSON encoder for this hot path.
func stringifyAny(v any) string {
	switch t := v.(type) {
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return ""
	}
}
