package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/pkg/lsn"
)

// SessionState mirrors session.State as a string for the metrics/TUI
// surface, which does not import internal/session; cmd/syncd feeds session
// progress in through the session's OnDelivered hook.
type SessionState string

const (
	SessionConnecting   SessionState = "connecting"
	SessionAuthenticated SessionState = "authenticated"
	SessionCatchup       SessionState = "catchup"
	SessionLive          SessionState = "live"
	SessionDraining      SessionState = "draining"
	SessionClosed        SessionState = "closed"
)

// SessionProgress tracks one connected client's replay/live position, the
// status-endpoint analogue of the teacher's per-table copy progress.
type SessionProgress struct {
	ClientID         string       `json:"client_id"`
	State            SessionState `json:"state"`
	LastAckLSN       string       `json:"last_ack_lsn"`
	ChangesDelivered int64        `json:"changes_delivered"`
	ConnectedAt      time.Time    `json:"connected_at"`
	ElapsedSec       float64      `json:"elapsed_sec"`
}

// Snapshot is the complete metrics state at a point in time.
type Snapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	Phase      string    `json:"phase"`
	ElapsedSec float64   `json:"elapsed_sec"`

	// Replication slot / ingestor tracking.
	CurrentLSN  string `json:"current_lsn"`
	DispatchLSN string `json:"dispatch_lsn"`
	LagBytes    uint64 `json:"lag_bytes"`
	LagFormatted string `json:"lag_formatted"`

	// Session tracking.
	SessionsTotal int               `json:"sessions_total"`
	SessionsLive  int               `json:"sessions_live"`
	Sessions      []SessionProgress `json:"sessions"`

	// Throughput.
	ChangesPerSec float64 `json:"changes_per_sec"`
	BytesPerSec   float64 `json:"bytes_per_sec"`
	TotalChanges  int64   `json:"total_changes"`
	TotalBytes    int64   `json:"total_bytes"`

	// Errors.
	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
}

// LogEntry represents a log line captured for the UI.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Collector aggregates syncd's replication metrics and provides snapshots
// for consumption by the admin HTTP surface and the status TUI.
type Collector struct {
	logger zerolog.Logger

	mu           sync.RWMutex
	phase        string
	startedAt    time.Time
	sessions     map[string]*SessionProgress // key: client id
	sessionOrder []string                    // insertion-order keys

	currentLSN  lsn.LSN
	dispatchLSN lsn.LSN

	totalChanges atomic.Int64
	totalBytes   atomic.Int64

	errorCount atomic.Int64
	lastError  atomic.Value // string

	// Throughput tracking (sliding window).
	changeWindow *slidingWindow
	byteWindow   *slidingWindow

	// Subscribers for push-based updates.
	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	// Log ring buffer.
	logMu  sync.Mutex
	logs   []LogEntry
	logCap int

	done chan struct{}
}

// NewCollector creates a new Collector.
func NewCollector(logger zerolog.Logger) *Collector {
	c := &Collector{
		logger:      logger.With().Str("component", "metrics").Logger(),
		sessions:    make(map[string]*SessionProgress),
		subscribers: make(map[chan Snapshot]struct{}),
		changeWindow: newSlidingWindow(60 * time.Second),
		byteWindow:   newSlidingWindow(60 * time.Second),
		logs:        make([]LogEntry, 0, 500),
		logCap:      500,
		done:        make(chan struct{}),
	}
	go c.broadcastLoop()
	return c
}

// SetPhase updates the current process phase ("ingesting", "serving", ...).
func (c *Collector) SetPhase(phase string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = phase
	if c.startedAt.IsZero() {
		c.startedAt = time.Now()
	}
}

// SessionConnected registers a newly accepted client session.
func (c *Collector) SessionConnected(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[clientID]; ok {
		return
	}
	c.sessions[clientID] = &SessionProgress{
		ClientID:    clientID,
		State:       SessionConnecting,
		ConnectedAt: time.Now(),
	}
	c.sessionOrder = append(c.sessionOrder, clientID)
}

// SessionStateChanged updates a tracked session's state machine position.
func (c *Collector) SessionStateChanged(clientID string, state SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sp, ok := c.sessions[clientID]; ok {
		sp.State = state
	}
}

// SessionProgressed records a delivered change for clientID, advancing its
// acknowledged LSN and throughput counters.
func (c *Collector) SessionProgressed(clientID string, lastAck lsn.LSN, changes int64, bytes int64) {
	c.mu.Lock()
	if sp, ok := c.sessions[clientID]; ok {
		sp.LastAckLSN = lastAck.String()
		sp.ChangesDelivered += changes
		if !sp.ConnectedAt.IsZero() {
			sp.ElapsedSec = time.Since(sp.ConnectedAt).Seconds()
		}
	}
	c.mu.Unlock()

	c.totalChanges.Add(changes)
	c.totalBytes.Add(bytes)
	now := time.Now()
	c.changeWindow.Add(now, float64(changes))
	c.byteWindow.Add(now, float64(bytes))
}

// SessionDisconnected removes a session from tracking once it closes.
func (c *Collector) SessionDisconnected(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, clientID)
	for i, id := range c.sessionOrder {
		if id == clientID {
			c.sessionOrder = append(c.sessionOrder[:i], c.sessionOrder[i+1:]...)
			break
		}
	}
}

// RecordCurrentLSN updates the ingestor's last-seen server WAL position.
func (c *Collector) RecordCurrentLSN(l lsn.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentLSN = l
}

// RecordDispatchLSN updates the dispatcher's fan-out cursor.
func (c *Collector) RecordDispatchLSN(l lsn.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatchLSN = l
}

// LoadSnapshot overwrites the collector's externally-visible state from a
// remote Snapshot, letting `syncd tui --api-addr` drive the local dashboard
// off a polled status response instead of live instrumentation calls.
func (c *Collector) LoadSnapshot(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = snap.Phase
	if c.startedAt.IsZero() {
		c.startedAt = time.Now().Add(-time.Duration(snap.ElapsedSec * float64(time.Second)))
	}
	if l, err := lsn.Parse(snap.CurrentLSN); err == nil {
		c.currentLSN = l
	}
	if l, err := lsn.Parse(snap.DispatchLSN); err == nil {
		c.dispatchLSN = l
	}
	c.sessions = make(map[string]*SessionProgress, len(snap.Sessions))
	c.sessionOrder = c.sessionOrder[:0]
	for i := range snap.Sessions {
		sp := snap.Sessions[i]
		c.sessions[sp.ClientID] = &sp
		c.sessionOrder = append(c.sessionOrder, sp.ClientID)
	}
	c.totalChanges.Store(snap.TotalChanges)
	c.totalBytes.Store(snap.TotalBytes)
	c.errorCount.Store(int64(snap.ErrorCount))
	if snap.LastError != "" {
		c.lastError.Store(snap.LastError)
	}
}

// RecordError increments the error count and stores the last error message.
func (c *Collector) RecordError(err error) {
	c.errorCount.Add(1)
	if err != nil {
		c.lastError.Store(err.Error())
	}
}

// AddLog appends a log entry to the ring buffer.
func (c *Collector) AddLog(entry LogEntry) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if len(c.logs) >= c.logCap {
		// Shift buffer: drop oldest quarter.
		n := c.logCap / 4
		copy(c.logs, c.logs[n:])
		c.logs = c.logs[:len(c.logs)-n]
	}
	c.logs = append(c.logs, entry)
}

// Logs returns a copy of recent log entries.
func (c *Collector) Logs() []LogEntry {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	out := make([]LogEntry, len(c.logs))
	copy(out, c.logs)
	return out
}

// Snapshot returns the current metrics state (thread-safe).
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	var elapsed float64
	if !c.startedAt.IsZero() {
		elapsed = now.Sub(c.startedAt).Seconds()
	}

	lagBytes := lsn.Lag(c.dispatchLSN, c.currentLSN)

	sessions := make([]SessionProgress, 0, len(c.sessionOrder))
	live := 0
	for _, key := range c.sessionOrder {
		sp := *c.sessions[key]
		sessions = append(sessions, sp)
		if sp.State == SessionLive {
			live++
		}
	}

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	return Snapshot{
		Timestamp:     now,
		Phase:         c.phase,
		ElapsedSec:    elapsed,
		CurrentLSN:    c.currentLSN.String(),
		DispatchLSN:   c.dispatchLSN.String(),
		LagBytes:      lagBytes,
		LagFormatted:  lsn.FormatLag(lagBytes, 0),
		SessionsTotal: len(c.sessionOrder),
		SessionsLive:  live,
		Sessions:      sessions,
		ChangesPerSec: c.changeWindow.Rate(),
		BytesPerSec:   c.byteWindow.Rate(),
		TotalChanges:  c.totalChanges.Load(),
		TotalBytes:    c.totalBytes.Load(),
		ErrorCount:    int(c.errorCount.Load()),
		LastError:     lastErr,
	}
}

// Subscribe returns a channel that receives periodic Snapshot updates.
func (c *Collector) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (c *Collector) Unsubscribe(ch chan Snapshot) {
	c.subMu.Lock()
	delete(c.subscribers, ch)
	c.subMu.Unlock()
}

// Close stops the broadcast loop.
func (c *Collector) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Collector) broadcastLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			snap := c.Snapshot()
			c.subMu.Lock()
			for ch := range c.subscribers {
				select {
				case ch <- snap:
				default:
					// Subscriber too slow, skip.
				}
			}
			c.subMu.Unlock()
		}
	}
}

// --- Sliding window for throughput calculation ---

type windowEntry struct {
	time  time.Time
	value float64
}

type slidingWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	window  time.Duration
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{
		entries: make([]windowEntry, 0, 128),
		window:  d,
	}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{time: t, value: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evict(now)
	if len(w.entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	elapsed := now.Sub(w.entries[0].time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return total / elapsed
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		copy(w.entries, w.entries[i:])
		w.entries = w.entries[:len(w.entries)-i]
	}
}
