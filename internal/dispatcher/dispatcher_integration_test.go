//go:build integration

package dispatcher_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/db"
	"github.com/vibestack/syncd/internal/dispatcher"
	"github.com/vibestack/syncd/internal/history"
	"github.com/vibestack/syncd/internal/session"
	"github.com/vibestack/syncd/internal/testutil"
	"github.com/vibestack/syncd/internal/walstream"
	"github.com/vibestack/syncd/pkg/lsn"
)

func TestMain(m *testing.M) {
	rt := testutil.ContainerRuntime()
	if rt == "" {
		fmt.Fprintln(os.Stderr, "SKIP: no container runtime found (docker or podman)")
		os.Exit(0)
	}
	if !testutil.TryPing(testutil.DSN()) {
		fmt.Fprintln(os.Stderr, "SKIP: database not reachable at", testutil.DSN())
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// recordingConn is a session.Conn that records every outbound message and
// can optionally gate sends on a channel, to simulate a client whose
// transport has stopped draining.
type recordingConn struct {
	mu    sync.Mutex
	sent  []any
	gate  chan struct{} // if non-nil, Send blocks until this is closed
	inbox chan []byte
}

func newRecordingConn() *recordingConn {
	return &recordingConn{inbox: make(chan []byte, 8)}
}

func (c *recordingConn) Send(ctx context.Context, v any) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, v)
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.inbox:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *recordingConn) Close(code session.ErrorCode, reason string) error { return nil }

func (c *recordingConn) liveChangeIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, v := range c.sent {
		if m, ok := v.(session.SrvLiveChanges); ok {
			for _, ch := range m.Changes {
				if id, ok := ch.Data["id"].(string); ok {
					ids = append(ids, id)
				}
			}
		}
	}
	return ids
}

func (c *recordingConn) hasSrvError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.sent {
		if _, ok := v.(session.SrvError); ok {
			return true
		}
	}
	return false
}

func openStores(t *testing.T) (*history.Store, *session.CursorStore) {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
	database, err := db.Open(context.Background(), testutil.DSN(), logger)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(database.Close)
	t.Cleanup(func() {
		database.Pool.Exec(context.Background(), "TRUNCATE change_history, client_cursor")
	})
	return history.NewStore(database.Pool), session.NewCursorStore(database.Pool)
}

func rec(l, xid, table, id string) walstream.Record {
	parsed, err := lsn.Parse(l)
	if err != nil {
		panic(err)
	}
	return walstream.Record{
		LSN:       parsed,
		XID:       xid,
		Table:     table,
		Operation: walstream.OpInsert,
		Data:      map[string]any{"id": id},
		Ts:        time.Now().UTC(),
	}
}

func waitForLive(t *testing.T, sess *session.Session) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for sess.State() != session.StateLive {
		select {
		case <-deadline:
			t.Fatalf("session %s never reached live state (stuck at %s)", sess.ClientID, sess.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestDispatcher_FansNewRecordsIntoLiveSession covers S3: a live insert is
// appended to history and reaches a registered session's transport as a
// srv_live_changes message.
func TestDispatcher_FansNewRecordsIntoLiveSession(t *testing.T) {
	hist, cursors := openStores(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newRecordingConn()
	sess := session.New("client-live", conn, hist, cursors, session.Config{
		BatchMaxRecords: 500,
		BatchMaxBytes:   1 << 20,
		QueueDepth:      16,
		StallTimeout:    time.Second,
		HeartbeatIdle:   time.Minute,
	}, zerolog.New(zerolog.NewTestWriter(t)))

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run(ctx, lsn.Zero) }()
	waitForLive(t, sess)

	d := dispatcher.New(hist, cursors, lsn.Zero, dispatcher.Config{
		PollIdle:   20 * time.Millisecond,
		PollActive: 5 * time.Millisecond,
		PageSize:   100,
		StallAfter: time.Second,
	}, zerolog.New(zerolog.NewTestWriter(t)))
	d.Register(ctx, sess)
	dispatcherDone := make(chan error, 1)
	go func() { dispatcherDone <- d.Run(ctx) }()

	if err := hist.Append(ctx, []walstream.Record{rec("0/100", "1", "tasks", "a")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		found := false
		for _, id := range conn.liveChangeIDs() {
			if id == "a" {
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatal("dispatcher never fanned the new record through to the session's transport")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-runDone
	<-dispatcherDone
}

// TestDispatcher_StalledSessionIsForceDrainedWithoutBlockingOthers covers
// S4: a session whose transport has stopped draining is forced into
// draining after the stall threshold, while a healthy session keeps
// receiving records in the same fan-out round.
func TestDispatcher_StalledSessionIsForceDrainedWithoutBlockingOthers(t *testing.T) {
	hist, cursors := openStores(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slowConn := newRecordingConn()
	slowConn.gate = make(chan struct{}) // never closed: Send blocks forever
	slow := session.New("client-slow", slowConn, hist, cursors, session.Config{
		BatchMaxRecords: 1,
		BatchMaxBytes:   1 << 20,
		QueueDepth:      1,
		StallTimeout:    time.Second,
		HeartbeatIdle:   time.Minute,
	}, zerolog.New(zerolog.NewTestWriter(t)))

	fastConn := newRecordingConn()
	fast := session.New("client-fast", fastConn, hist, cursors, session.Config{
		BatchMaxRecords: 500,
		BatchMaxBytes:   1 << 20,
		QueueDepth:      64,
		StallTimeout:    time.Second,
		HeartbeatIdle:   time.Minute,
	}, zerolog.New(zerolog.NewTestWriter(t)))

	slowDone := make(chan error, 1)
	go func() { slowDone <- slow.Run(ctx, lsn.Zero) }()
	waitForLive(t, slow)

	fastDone := make(chan error, 1)
	go func() { fastDone <- fast.Run(ctx, lsn.Zero) }()
	waitForLive(t, fast)

	d := dispatcher.New(hist, cursors, lsn.Zero, dispatcher.Config{
		PollIdle:   20 * time.Millisecond,
		PollActive: 5 * time.Millisecond,
		PageSize:   100,
		StallAfter: 150 * time.Millisecond,
	}, zerolog.New(zerolog.NewTestWriter(t)))
	d.Register(ctx, slow)
	d.Register(ctx, fast)
	dispatcherDone := make(chan error, 1)
	go func() { dispatcherDone <- d.Run(ctx) }()

	records := make([]walstream.Record, 0, 10)
	for i := 0; i < 10; i++ {
		records = append(records, rec(fmt.Sprintf("0/%d", 100+i), fmt.Sprintf("%d", i), "tasks", fmt.Sprintf("r%d", i)))
	}
	if err := hist.Append(ctx, records); err != nil {
		t.Fatalf("append: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		ids := fastConn.liveChangeIDs()
		if len(ids) >= 10 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("fast session only received %d/10 records before timeout", len(ids))
		case <-time.After(20 * time.Millisecond):
		}
	}

	if slow.State() != session.StateDraining && slow.State() != session.StateClosed {
		t.Errorf("slow session state = %s, want draining or closed after stalling", slow.State())
	}

	cancel()
	<-slowDone
	<-fastDone
	<-dispatcherDone
}
