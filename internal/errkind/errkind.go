// Package errkind classifies pipeline errors so callers can decide whether
// to retry silently, surface a srv_error to the client, or halt the process,
// per the error handling table in the system's design notes.
package errkind

import "errors"

// Kind categorizes an error by the recovery policy it implies.
type Kind int

const (
	// Transient errors (db timeout, transport write error) are retried
	// silently with backoff and never reach the client.
	Transient Kind = iota
	// Malformed data (bad LSN, undecodable WAL entry) is logged and the
	// offending record skipped, unless that would stall the ingestor.
	Malformed
	// Protocol violations (unexpected client message for the current state)
	// always surface to the client as srv_error.
	Protocol
	// BackPressure is raised when a session's queue stalls past the
	// configured threshold; the session is force-drained.
	BackPressure
	// Conflict covers contention such as a replication slot already in use.
	Conflict
	// NotFound covers admin lookups against unknown resources.
	NotFound
	// Fatal errors (missing table or permission) halt the ingestor.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Malformed:
		return "malformed"
	case Protocol:
		return "protocol"
	case BackPressure:
		return "backpressure"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with an underlying cause so callers can type-switch on
// policy without parsing message strings.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a Kind-tagged error with no underlying cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap tags err with a Kind, preserving it as the error chain's cause.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Cause: err}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Of extracts the Kind from err, returning ok=false if err was never tagged.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
