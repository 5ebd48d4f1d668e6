// Package lsn parses, compares, and formats PostgreSQL log sequence numbers.
package lsn

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
)

// LSN is a PostgreSQL log sequence number: a 64-bit value formatted on the
// wire as two hex halves joined by '/' (e.g. "16/B374D848"). It is backed by
// pglogrepl.LSN so it round-trips exactly through the replication protocol.
type LSN pglogrepl.LSN

// Zero is the sentinel value used by a client that has never connected.
const Zero LSN = 0

// ErrMalformed is returned by Parse when the input is not a valid "H/L" pair.
type ErrMalformed struct {
	Input string
	Cause error
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("malformed lsn %q: %v", e.Input, e.Cause)
}

func (e *ErrMalformed) Unwrap() error { return e.Cause }

// Parse converts a "H/L" hex-pair string into an LSN. It is case-insensitive
// on read. Any other syntax yields an *ErrMalformed.
func Parse(s string) (LSN, error) {
	v, err := pglogrepl.ParseLSN(s)
	if err != nil {
		return 0, &ErrMalformed{Input: s, Cause: err}
	}
	return LSN(v), nil
}

// String formats the LSN as lowercase "h/l" by lowercasing pglogrepl's
// formatting, which is uppercase like PostgreSQL's own; the wire format
// of this system is lowercase.
func (l LSN) String() string {
	return strings.ToLower(pglogrepl.LSN(l).String())
}

// Compare returns -1, 0, or 1 as a is before, equal to, or after b.
func Compare(a, b LSN) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IsAfter reports whether a is strictly greater than b.
func IsAfter(a, b LSN) bool { return a > b }

// IsBefore reports whether a is strictly less than b.
func IsBefore(a, b LSN) bool { return a < b }

// Min returns the smaller of a and b.
func Min(a, b LSN) LSN {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b LSN) LSN {
	if a > b {
		return a
	}
	return b
}

// Lag calculates the byte distance between two LSN positions.
func Lag(current, latest LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag returns a human-friendly representation of replication lag.
func FormatLag(bytes uint64, latency time.Duration) string {
	var size string
	switch {
	case bytes >= 1<<30:
		size = fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		size = fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		size = fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		size = fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%s (latency: %s)", size, latency.Truncate(time.Millisecond))
}
