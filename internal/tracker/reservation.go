package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// reservation is one entry in the short-lived (entity_type, id) -> intent
// map (§4.D.4).
type reservation struct {
	intent    string
	expiresAt time.Time
}

func reservationKey(entityType, id string) string {
	return entityType + "\x1f" + id
}

// ReservationRegistry hands out short-lived claims on (entityType, id) pairs
// so concurrent producers don't race to mint the same identifier. Expired
// entries are dropped by a background sweeper, mirroring the pending-map
// idiom of a round-trip coordinator.
type ReservationRegistry struct {
	logger zerolog.Logger

	mu       sync.Mutex
	reserved map[string]reservation
	nextID   uint64
}

// NewReservationRegistry creates an empty registry.
func NewReservationRegistry(logger zerolog.Logger) *ReservationRegistry {
	return &ReservationRegistry{
		logger:   logger.With().Str("component", "reservation").Logger(),
		reserved: make(map[string]reservation),
	}
}

// Reserve claims id (or mints one if id is empty) for entityType with the
// given intent, held until ttl elapses. Returns an error if id is already
// reserved by an unexpired entry.
func (r *ReservationRegistry) Reserve(entityType, id, intent string, ttl time.Duration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if id == "" {
		r.nextID++
		id = fmt.Sprintf("%s-%d", entityType, r.nextID)
	}

	key := reservationKey(entityType, id)
	if existing, ok := r.reserved[key]; ok && existing.expiresAt.After(now) {
		return "", fmt.Errorf("id %q already reserved for %s (intent %q)", id, entityType, existing.intent)
	}

	exp := time.Time{}
	if ttl > 0 {
		exp = now.Add(ttl)
	} else {
		exp = now.Add(100 * 365 * 24 * time.Hour) // caller-supplied TTL default: none (§8.2 timeouts)
	}
	r.reserved[key] = reservation{intent: intent, expiresAt: exp}
	return id, nil
}

// IsReserved reports whether (entityType, id) currently holds an unexpired
// reservation.
func (r *ReservationRegistry) IsReserved(entityType, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reserved[reservationKey(entityType, id)]
	if !ok {
		return false
	}
	return res.expiresAt.After(time.Now())
}

// Release immediately drops a reservation, regardless of TTL.
func (r *ReservationRegistry) Release(entityType, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, reservationKey(entityType, id))
}

// Sweep drops every expired reservation and returns how many were removed.
func (r *ReservationRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	n := 0
	for key, res := range r.reserved {
		if !res.expiresAt.After(now) {
			delete(r.reserved, key)
			n++
		}
	}
	return n
}

// RunSweeper runs Sweep on interval until ctx is cancelled. It blocks; call
// it in its own goroutine.
func (r *ReservationRegistry) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug().Int("count", n).Msg("swept expired reservations")
			}
		}
	}
}
