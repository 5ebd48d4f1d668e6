// Package transport implements the WebSocket binding of the client
// protocol (§4.G): connection acceptance, framing, and a 5s write timeout
// per message, handed to the session package through the session.Conn
// interface.
//
// Grounded on the teacher's metrics websocket Hub (internal/server):
// coder/websocket for accept/read/write, a per-write deadline so one slow
// client can never block the writer goroutine indefinitely.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/errkind"
	"github.com/vibestack/syncd/internal/session"
)

const writeTimeout = 5 * time.Second

// wsConn adapts a coder/websocket connection to session.Conn.
type wsConn struct {
	conn   *websocket.Conn
	logger zerolog.Logger
}

// NewConn wraps an accepted websocket connection as a session.Conn.
func NewConn(conn *websocket.Conn, logger zerolog.Logger) session.Conn {
	return &wsConn{conn: conn, logger: logger}
}

func (c *wsConn) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errkind.Wrap(errkind.Malformed, "marshal outbound message", err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(wctx, websocket.MessageText, data); err != nil {
		return errkind.Wrap(errkind.Transient, "write websocket message", err)
	}
	return nil
}

func (c *wsConn) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, "read websocket message", err)
	}
	return data, nil
}

func (c *wsConn) Close(code session.ErrorCode, reason string) error {
	status := websocket.StatusNormalClosure
	if code != session.CodeServerShutdown {
		status = websocket.StatusPolicyViolation
	}
	return c.conn.Close(status, reason)
}

// Handler accepts WebSocket upgrades and starts a session for each one. The
// caller supplies newSession, which resolves the client's starting LSN
// (from the persisted cursor), constructs the session.Session, launches its
// Run loop in a goroutine, and registers it with the dispatcher once live.
// Handler itself owns no session state; it is purely the accept/upgrade
// boundary.
type Handler struct {
	logger     zerolog.Logger
	newSession func(clientID string, conn session.Conn) (*session.Session, error)
}

// NewHandler creates a Handler. newSession is called once per accepted
// connection with the resolved client id.
func NewHandler(logger zerolog.Logger, newSession func(clientID string, conn session.Conn) (*session.Session, error)) *Handler {
	return &Handler{
		logger:     logger.With().Str("component", "transport").Logger(),
		newSession: newSession,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		http.Error(w, "missing clientId query parameter", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // dev/local use; production deploys terminate TLS upstream.
	})
	if err != nil {
		h.logger.Err(err).Msg("websocket accept")
		return
	}

	wc := NewConn(conn, h.logger)
	if _, err := h.newSession(clientID, wc); err != nil {
		_ = wc.Close(session.CodeProtocol, fmt.Sprintf("session setup failed: %v", err))
		return
	}

	h.logger.Info().Str("client_id", clientID).Msg("client connected")
}
