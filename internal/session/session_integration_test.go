//go:build integration

package session_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/db"
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

// fakeConn is an in-memory session.Conn: it feeds a scripted inbound queue
// back to the session and records everything the session sends.
type fakeConn struct {
	mu      sync.Mutex
	sent    []any
	inbound chan []byte
	closed  chan struct{}
	autoAck bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	c.sent = append(c.sent, v)
	autoAck := c.autoAck
	c.mu.Unlock()

	if autoAck {
		if m, ok := v.(session.SrvCatchupChanges); ok {
			ack := fmt.Sprintf(`{"type":"clt_catchup_received","clientId":%q,"chunk":%d,"lsn":%q}`,
				m.ClientID, m.Sequence.Chunk, m.LastLSN)
			select {
			case c.inbound <- []byte(ack):
			default:
			}
		}
	}
	return nil
}

func (c *fakeConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-c.inbound:
		if !ok {
			return nil, context.Canceled
		}
		return b, nil
	case <-c.closed:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close(code session.ErrorCode, reason string) error {
	close(c.closed)
	return nil
}

func (c *fakeConn) sentOf(want string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, v := range c.sent {
		switch m := v.(type) {
		case session.SrvCatchupChanges:
			if m.Type == session.MessageType(want) {
				out = append(out, m)
			}
		case session.SrvCatchupCompleted:
			if m.Type == session.MessageType(want) {
				out = append(out, m)
			}
		case session.SrvLiveChanges:
			if m.Type == session.MessageType(want) {
				out = append(out, m)
			}
		case session.SrvError:
			if m.Type == session.MessageType(want) {
				out = append(out, m)
			}
		}
	}
	return out
}

func testConfig() session.Config {
	return session.Config{
		BatchMaxRecords: 500,
		BatchMaxBytes:   512 * 1024,
		QueueDepth:      1024,
		StallTimeout:    2 * time.Second,
		HeartbeatIdle:   2 * time.Second,
	}
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

// TestSession_FreshClientCatchesUpThenGoesLive covers S1: a client with no
// prior cursor replays all of history before the session declares live.
func TestSession_FreshClientCatchesUpThenGoesLive(t *testing.T) {
	hist, cursors := openStores(t)
	ctx := context.Background()

	if err := hist.Append(ctx, []walstream.Record{
		rec("0/10", "1", "tasks", "a"),
		rec("0/20", "2", "tasks", "b"),
	}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	conn := newFakeConn()
	conn.autoAck = true
	logger := zerolog.New(zerolog.NewTestWriter(t))
	sess := session.New("client-1", conn, hist, cursors, testConfig(), logger)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sess.Run(runCtx, lsn.Zero) }()

	deadline := time.After(5 * time.Second)
	for {
		if len(conn.sentOf(string(session.TypeSrvCatchupCompleted))) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for srv_catchup_completed")
		case <-time.After(20 * time.Millisecond):
		}
	}

	completed := conn.sentOf(string(session.TypeSrvCatchupCompleted))[0].(session.SrvCatchupCompleted)
	if completed.ChangeCount != 2 {
		t.Errorf("ChangeCount = %d, want 2", completed.ChangeCount)
	}
	if completed.FinalLSN != "0/20" {
		t.Errorf("FinalLSN = %s, want 0/20", completed.FinalLSN)
	}

	if sess.State() != session.StateLive {
		t.Errorf("state = %s, want live", sess.State())
	}

	cancel()
	<-done
}

// TestSession_AckGatedCatchupChunking covers the sliding-window-of-one
// catchup protocol: the session must not send chunk 2 until chunk 1 is
// acked.
func TestSession_AckGatedCatchupChunking(t *testing.T) {
	hist, cursors := openStores(t)
	ctx := context.Background()

	records := make([]walstream.Record, 0, 3)
	for i, l := range []string{"0/10", "0/20", "0/30"} {
		records = append(records, rec(l, fmt.Sprintf("%d", i+1), "tasks", l))
	}
	if err := hist.Append(ctx, records); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	conn := newFakeConn()
	cfg := testConfig()
	cfg.BatchMaxRecords = 1 // force one record per chunk
	logger := zerolog.New(zerolog.NewTestWriter(t))
	sess := session.New("client-2", conn, hist, cursors, cfg, logger)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sess.Run(runCtx, lsn.Zero) }()

	// Only the first chunk should show up before we ack it.
	time.Sleep(50 * time.Millisecond)
	if got := len(conn.sentOf(string(session.TypeSrvCatchupChanges))); got != 1 {
		t.Fatalf("before any ack: got %d catchup chunks sent, want 1", got)
	}

	ackChunk := func(n int, lsnStr string) {
		conn.inbound <- []byte(fmt.Sprintf(
			`{"type":"clt_catchup_received","clientId":"client-2","chunk":%d,"lsn":%q}`, n, lsnStr))
	}

	ackChunk(1, "0/10")
	time.Sleep(50 * time.Millisecond)
	if got := len(conn.sentOf(string(session.TypeSrvCatchupChanges))); got != 2 {
		t.Fatalf("after acking chunk 1: got %d catchup chunks sent, want 2", got)
	}

	ackChunk(2, "0/20")
	time.Sleep(50 * time.Millisecond)
	if got := len(conn.sentOf(string(session.TypeSrvCatchupChanges))); got != 3 {
		t.Fatalf("after acking chunk 2: got %d catchup chunks sent, want 3", got)
	}
	ackChunk(3, "0/30")

	deadline := time.After(5 * time.Second)
loop:
	for {
		if len(conn.sentOf(string(session.TypeSrvCatchupCompleted))) > 0 {
			break loop
		}
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("timed out waiting for srv_catchup_completed")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

// TestSession_HeartbeatTimeoutClosesLiveSession covers the idle-window
// close path during the live phase.
func TestSession_HeartbeatTimeoutClosesLiveSession(t *testing.T) {
	hist, cursors := openStores(t)
	conn := newFakeConn()
	cfg := testConfig()
	cfg.HeartbeatIdle = 100 * time.Millisecond
	logger := zerolog.New(zerolog.NewTestWriter(t))
	sess := session.New("client-3", conn, hist, cursors, cfg, logger)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background(), lsn.Zero) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Run to return an error on heartbeat timeout")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not close after missing heartbeats")
	}

	if got := len(conn.sentOf(string(session.TypeSrvError))); got == 0 {
		t.Error("expected an srv_error to be sent on heartbeat timeout")
	}
	if sess.State() != session.StateClosed {
		t.Errorf("state = %s, want closed", sess.State())
	}
}
