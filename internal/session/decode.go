package session

import (
	"encoding/json"

	"github.com/vibestack/syncd/internal/errkind"
)

// DecodeInbound peeks a client message's "type" field and unmarshals it
// into the matching Clt* struct. Unknown types are a Protocol error, since
// the session state machine has no transition for them (§7).
func DecodeInbound(data []byte) (any, error) {
	var peek struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, errkind.Wrap(errkind.Malformed, "decode inbound envelope", err)
	}

	switch peek.Type {
	case TypeCltHeartbeat:
		var m CltHeartbeat
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errkind.Wrap(errkind.Malformed, "decode clt_heartbeat", err)
		}
		return m, nil
	case TypeCltCatchupReceived:
		var m CltCatchupReceived
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errkind.Wrap(errkind.Malformed, "decode clt_catchup_received", err)
		}
		return m, nil
	case TypeCltChangesAck:
		var m CltChangesAck
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errkind.Wrap(errkind.Malformed, "decode clt_changes_ack", err)
		}
		return m, nil
	default:
		return nil, errkind.New(errkind.Protocol, "unknown message type "+string(peek.Type))
	}
}
