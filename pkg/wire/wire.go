// Package wire defines the typed JSON frames exchanged between the router
// and agent clients. Every frame is a single JSON object with msg_type,
// agent_id, payload, and msg_id; agent_message payloads carry a fully
// serialized envelope.
package wire

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/troupelabs/troupe/pkg/envelope"
)

// MsgType identifies the kind of a wire frame.
type MsgType string

const (
	// Registration and management.
	MsgTypeRegister    MsgType = "register"
	MsgTypeRegisterAck MsgType = "register_ack"

	// State management.
	MsgTypeGetState    MsgType = "get_state"
	MsgTypeStateUpdate MsgType = "state_update"
	MsgTypeDumpState   MsgType = "dump_state"

	// Agent messaging. agent_message flows agent -> router,
	// router_message flows router -> agent.
	MsgTypeAgentMessage  MsgType = "agent_message"
	MsgTypeRouterMessage MsgType = "router_message"

	// Team management.
	MsgTypeTeamInfo MsgType = "team_info"

	// Status tracking.
	MsgTypeStatusUpdate MsgType = "status_update"

	// Control signals.
	MsgTypeStop         MsgType = "stop"
	MsgTypeStopAck      MsgType = "stop_ack"
	MsgTypeHeartbeat    MsgType = "heartbeat"
	MsgTypeHeartbeatAck MsgType = "heartbeat_ack"
)

// Frame is the base wire message.
type Frame struct {
	MsgType MsgType         `json:"msg_type"`
	AgentID string          `json:"agent_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	MsgID   string          `json:"msg_id"`
}

// NewFrame creates a frame with a fresh msg_id and the payload marshaled to
// JSON. A nil payload produces a payload-less frame.
func NewFrame(msgType MsgType, agentID string, payload any) (*Frame, error) {
	f := &Frame{
		MsgType: msgType,
		AgentID: agentID,
		MsgID:   uuid.NewString(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = data
	}
	return f, nil
}

// ParsePayload unmarshals the frame payload into v. A nil payload is a no-op.
func (f *Frame) ParsePayload(v any) error {
	if f.Payload == nil {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// MessagePayload wraps an envelope for agent_message and router_message
// frames.
type MessagePayload struct {
	Message *envelope.Envelope `json:"message"`
}

// StatePayload carries a serialized agent state snapshot.
type StatePayload struct {
	State json.RawMessage `json:"state"`
}

// StatusPayload carries an agent status transition.
type StatusPayload struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// TeamInfoPayload carries the team description sent after registration.
type TeamInfoPayload struct {
	TeamInfo *envelope.TeamInfo `json:"team_info"`
}

// RegisterAckPayload reports the outcome of a register frame.
type RegisterAckPayload struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
