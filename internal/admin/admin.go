// Package admin implements the operator-facing HTTP surface (§4.H, §6):
// replication slot initialization and status, and a history debug query.
// Every response uses the {ok, data} / {ok:false, error:{type, message}}
// envelope described in §6.
//
// Grounded on the teacher's internal/server handlers: plain net/http
// mux.HandleFunc routes, a small writeJSON helper, and
// internal/daemon.JobManager's mutex-guarded single-job idempotent-start
// pattern for the slot init endpoint (initializing twice is a no-op, not
// an error).
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/errkind"
	"github.com/vibestack/syncd/internal/history"
	"github.com/vibestack/syncd/internal/walstream"
	"github.com/vibestack/syncd/pkg/lsn"
)

// ErrorType is the small fixed vocabulary of admin error categories (§6).
type ErrorType string

const (
	ErrInternal     ErrorType = "INTERNAL"
	ErrNotFound     ErrorType = "NOT_FOUND"
	ErrValidation   ErrorType = "VALIDATION"
	ErrUnauthorized ErrorType = "UNAUTHORIZED"
	ErrForbidden    ErrorType = "FORBIDDEN"
)

type envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *errEnvelope `json:"error,omitempty"`
}

type errEnvelope struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
}

func writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(envelope{OK: true, Data: data}) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, typ ErrorType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{OK: false, Error: &errEnvelope{Type: typ, Message: msg}}) //nolint:errcheck
}

func writeKindError(w http.ResponseWriter, err error) {
	kind, ok := errkind.Of(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	switch kind {
	case errkind.NotFound:
		writeError(w, http.StatusNotFound, ErrNotFound, err.Error())
	case errkind.Malformed:
		writeError(w, http.StatusBadRequest, ErrValidation, err.Error())
	case errkind.Conflict:
		writeError(w, http.StatusConflict, ErrValidation, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrInternal, err.Error())
	}
}

// Ingestor is the subset of walstream.Ingestor the admin surface needs.
type Ingestor interface {
	EnsureSlot(ctx context.Context) (lsn.LSN, error)
	CurrentLSN(ctx context.Context) (lsn.LSN, error)
	Slots(ctx context.Context) ([]walstream.SlotStatus, error)
}

// Handlers implements the admin HTTP routes.
type Handlers struct {
	ingestor Ingestor
	history  *history.Store
	logger   zerolog.Logger

	mu          sync.Mutex
	initialized bool
}

// New creates the admin Handlers.
func New(ingestor Ingestor, hist *history.Store, logger zerolog.Logger) *Handlers {
	return &Handlers{
		ingestor: ingestor,
		history:  hist,
		logger:   logger.With().Str("component", "admin").Logger(),
	}
}

// Register wires the admin routes onto mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /replication/init", h.initReplication)
	mux.HandleFunc("GET /replication/lsn", h.currentLSN)
	mux.HandleFunc("GET /replication/slots", h.slots)
	mux.HandleFunc("GET /history", h.historyRange)
}

// initReplication ensures the replication slot exists. Calling it again
// after a successful init is a no-op (§4.H), mirroring the teacher's
// single-job idempotent start.
func (h *Handlers) initReplication(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.initialized {
		writeOK(w, map[string]bool{"alreadyInitialized": true})
		return
	}

	slotLSN, err := h.ingestor.EnsureSlot(r.Context())
	if err != nil {
		writeKindError(w, err)
		return
	}
	h.initialized = true

	writeOK(w, map[string]any{"alreadyInitialized": false, "slotLsn": slotLSN.String()})
}

func (h *Handlers) currentLSN(w http.ResponseWriter, r *http.Request) {
	l, err := h.ingestor.CurrentLSN(r.Context())
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeOK(w, map[string]string{"lsn": l.String()})
}

func (h *Handlers) slots(w http.ResponseWriter, r *http.Request) {
	slots, err := h.ingestor.Slots(r.Context())
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeOK(w, slots)
}

// historyRange serves a debug query over the change-history log, bounded
// by fromLsn/toLsn/limit query parameters (§4.H, §4.C).
func (h *Handlers) historyRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from := lsn.Zero
	if v := q.Get("fromLsn"); v != "" {
		parsed, err := lsn.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrValidation, "invalid fromLsn: "+err.Error())
			return
		}
		from = parsed
	}

	to := lsn.Zero
	if v := q.Get("toLsn"); v != "" {
		parsed, err := lsn.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrValidation, "invalid toLsn: "+err.Error())
			return
		}
		to = parsed
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, ErrValidation, "invalid limit")
			return
		}
		limit = parsed
	}

	records, err := h.history.ByLSNRange(r.Context(), from, to, limit)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeOK(w, records)
}
