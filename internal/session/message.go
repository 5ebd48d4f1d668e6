// Package session implements the client session state machine (§4.E): the
// catchup/live replay protocol, wire message types, heartbeats, and
// back-pressure-driven draining.
package session

import (
	"time"

	"github.com/vibestack/syncd/internal/walstream"
)

// MessageType is a fixed wire string identifying a message's shape (§6).
type MessageType string

const (
	TypeCltHeartbeat       MessageType = "clt_heartbeat"
	TypeCltCatchupReceived MessageType = "clt_catchup_received"
	TypeCltChangesAck      MessageType = "clt_changes_ack"

	TypeSrvCatchupChanges   MessageType = "srv_catchup_changes"
	TypeSrvCatchupCompleted MessageType = "srv_catchup_completed"
	TypeSrvLiveChanges      MessageType = "srv_live_changes"
	TypeSrvLSNUpdate        MessageType = "srv_lsn_update"
	TypeSrvError            MessageType = "srv_error"
)

// Envelope carries the fields every wire message shares.
type Envelope struct {
	Type      MessageType `json:"type"`
	ClientID  string      `json:"clientId"`
	Timestamp time.Time   `json:"timestamp"`
	MessageID string      `json:"messageId"`
}

// Sequence marks a message's position within a split logical delivery.
type Sequence struct {
	Chunk int `json:"chunk"`
	Total int `json:"total"`
}

// ChangeWire is the on-the-wire projection of a walstream.Record (§6).
type ChangeWire struct {
	Table     string         `json:"table"`
	Operation string         `json:"operation"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
	LSN       string         `json:"lsn"`
	XID       string         `json:"xid,omitempty"`
}

func toWire(rec walstream.Record) ChangeWire {
	return ChangeWire{
		Table:     rec.Table,
		Operation: rec.Operation.String(),
		Data:      rec.Data,
		UpdatedAt: rec.Ts,
		LSN:       rec.LSN.String(),
		XID:       rec.XID,
	}
}

func toWireSlice(recs []walstream.Record) []ChangeWire {
	out := make([]ChangeWire, len(recs))
	for i, r := range recs {
		out[i] = toWire(r)
	}
	return out
}

// --- Client -> Server ---

type CltHeartbeat struct {
	Envelope
}

type CltCatchupReceived struct {
	Envelope
	Chunk int    `json:"chunk"`
	LSN   string `json:"lsn"`
}

type CltChangesAck struct {
	Envelope
	LastLSN string `json:"lastLSN"`
}

// --- Server -> Client ---

type SrvCatchupChanges struct {
	Envelope
	Changes  []ChangeWire `json:"changes"`
	Sequence Sequence     `json:"sequence"`
	LastLSN  string       `json:"lastLSN"`
}

type SrvCatchupCompleted struct {
	Envelope
	Success     bool   `json:"success"`
	ChangeCount int    `json:"changeCount"`
	StartLSN    string `json:"startLSN"`
	FinalLSN    string `json:"finalLSN"`
}

type SrvLiveChanges struct {
	Envelope
	Changes  []ChangeWire `json:"changes"`
	Sequence *Sequence    `json:"sequence,omitempty"`
	LastLSN  string       `json:"lastLSN"`
}

type SrvLSNUpdate struct {
	Envelope
	LSN string `json:"lsn"`
}

// ErrorCode is one of the small fixed set of session close codes (§7).
type ErrorCode string

const (
	CodeTimeout        ErrorCode = "timeout"
	CodeProtocol       ErrorCode = "protocol"
	CodeBackpressure   ErrorCode = "backpressure"
	CodeServerShutdown ErrorCode = "server_shutdown"
)

type SrvError struct {
	Envelope
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newEnvelope(typ MessageType, clientID, messageID string) Envelope {
	return Envelope{Type: typ, ClientID: clientID, Timestamp: time.Now().UTC(), MessageID: messageID}
}
