// Package agent defines the agent programming model: the Agent interface a
// behavior implements, the serializable State the runtime carries for it, and
// the passive loop that drives it against the router.
package agent

import (
	"context"
	"encoding/json"

	"github.com/troupelabs/troupe/pkg/envelope"
)

// Agent is a behavior hosted by the runtime. Implementations are passive:
// they never poll the router themselves, the loop hands them one message at a
// time and forwards whatever they return.
type Agent interface {
	// InitState builds the starting state for a fresh agent instance.
	InitState() *State

	// Respond handles a single message and returns the envelopes to emit.
	// The view is the conversation history the agent's selector built around
	// the message. Returned envelopes with an internal event type are
	// recorded in the agent's own memory instead of being sent.
	Respond(ctx context.Context, rc *RunContext, state *State, view []*envelope.Envelope, msg *envelope.Envelope) ([]*envelope.Envelope, error)
}

// State is the serializable memory of an agent instance. It survives process
// restarts via router snapshots and runner checkpoints.
type State struct {
	// Processed holds the ids of messages already handled, so redelivery
	// after a restart does not double-process.
	Processed map[string]bool `json:"processed"`

	// InternalEvents are envelopes the agent kept for itself (thoughts,
	// action and observation records). They merge into views on request but
	// are never routed.
	InternalEvents []*envelope.Envelope `json:"internal_events,omitempty"`

	// Data is free-form agent-defined state.
	Data map[string]any `json:"data,omitempty"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		Processed: make(map[string]bool),
		Data:      make(map[string]any),
	}
}

// MarkProcessed records a message id as handled.
func (s *State) MarkProcessed(messageID string) {
	if s.Processed == nil {
		s.Processed = make(map[string]bool)
	}
	s.Processed[messageID] = true
}

// IsProcessed reports whether a message id was already handled.
func (s *State) IsProcessed(messageID string) bool {
	return s.Processed[messageID]
}

// AddInternalEvent records an envelope in the agent's own memory.
func (s *State) AddInternalEvent(env *envelope.Envelope) {
	env.EnsureID()
	env.EventType = envelope.EventTypeInternal
	s.InternalEvents = append(s.InternalEvents, env)
	s.MarkProcessed(env.MessageID)
}

// Marshal serializes the state for snapshots and checkpoints.
func (s *State) Marshal() (json.RawMessage, error) {
	return json.Marshal(s)
}

// UnmarshalState restores a state from a snapshot. A nil or empty snapshot
// yields a fresh state.
func UnmarshalState(data json.RawMessage) (*State, error) {
	if len(data) == 0 {
		return NewState(), nil
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Processed == nil {
		s.Processed = make(map[string]bool)
	}
	if s.Data == nil {
		s.Data = make(map[string]any)
	}
	return &s, nil
}

// AsyncOrigin remembers where an asynchronously dispatched action came from,
// so its late observation can be answered to the right place.
type AsyncOrigin struct {
	OriginalSource  string `json:"original_source"`
	OriginalChannel string `json:"original_channel,omitempty"`
	ToolUseID       string `json:"tool_use_id,omitempty"`
}

// RunContext is the per-instance execution context handed to Respond. It is
// built by the host from the spawn spec and the router's team_info.
type RunContext struct {
	AgentID     string
	Instruction string
	TeamInfo    *envelope.TeamInfo
	View        ViewSelector

	// IgnoreSources lists sender ids whose messages are consumed without a
	// response.
	IgnoreSources map[string]bool

	// AsyncOrigins maps async execution ids to the context their action was
	// issued from. Agents record an origin when they dispatch an async
	// action; the loop forwards the late observation there and drops the
	// entry.
	AsyncOrigins map[string]AsyncOrigin
}

// NewRunContext builds a context with the global view and empty maps.
func NewRunContext(agentID string) *RunContext {
	return &RunContext{
		AgentID:       agentID,
		View:          ViewSelector{Kind: ViewGlobal},
		IgnoreSources: make(map[string]bool),
		AsyncOrigins:  make(map[string]AsyncOrigin),
	}
}
