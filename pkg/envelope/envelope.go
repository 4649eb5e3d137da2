// Package envelope defines the message contract shared by the router, the
// agent clients, and external collaborators (language-model clients, tool
// executors, prompt formatters). An Envelope is the single unit of transport;
// everything an agent sends or receives is one.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// EventType governs visibility and routing of an envelope.
type EventType string

const (
	// EventTypeMessage is a regular agent-to-agent message.
	EventTypeMessage EventType = "message"
	// EventTypeInternal marks an event an agent keeps in its own memory
	// (thoughts, action/observation pairs) without broadcasting it.
	EventTypeInternal EventType = "internal_event"
	// EventTypeTeamService addresses an in-team auxiliary service.
	EventTypeTeamService EventType = "team_service"
	// EventTypeNotification carries runtime notices (queue positions,
	// collaboration results) rather than conversational content.
	EventTypeNotification EventType = "notification"
)

// Action is a tool invocation requested inside an envelope.
type Action struct {
	ToolName         string         `json:"tool_name"`
	ActionName       string         `json:"action_name,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	ToolUseID        string         `json:"tool_use_id,omitempty"`
	AsyncExecutionID string         `json:"async_execution_id,omitempty"`
}

// Observation is a tool result reported inside an envelope. ToolUseID echoes
// the matching Action; AsyncExecutionID correlates an unsolicited observation
// back to the action that was dispatched asynchronously.
type Observation struct {
	Data               any    `json:"data"`
	ToolUseID          string `json:"tool_use_id,omitempty"`
	IsAsyncObservation bool   `json:"is_async_observation,omitempty"`
	AsyncExecutionID   string `json:"async_execution_id,omitempty"`
}

// Envelope is the single unit of transport between agents.
//
// MessageID is assigned on first send if absent and is stable thereafter.
// Once an envelope is appended to the router log it is immutable.
type Envelope struct {
	MessageID         string         `json:"message_id,omitempty"`
	EventType         EventType      `json:"event_type,omitempty"`
	Source            string         `json:"source,omitempty"`
	Destination       string         `json:"destination,omitempty"`
	Channel           string         `json:"channel,omitempty"`
	Timestamp         int64          `json:"timestamp,omitempty"`
	Content           string         `json:"content,omitempty"`
	Actions           []Action       `json:"actions,omitempty"`
	Observations      []Observation  `json:"observations,omitempty"`
	StructuredContent map[string]any `json:"structured_content,omitempty"`
	Artifacts         map[string]any `json:"artifacts,omitempty"`
}

// New creates a message envelope with a fresh id and timestamp.
func New(source, destination, content string) *Envelope {
	return &Envelope{
		MessageID:   uuid.NewString(),
		EventType:   EventTypeMessage,
		Source:      source,
		Destination: destination,
		Content:     content,
		Timestamp:   time.Now().Unix(),
	}
}

// Type returns the event type, defaulting empty to EventTypeMessage so
// envelopes built by external collaborators need not set it.
func (e *Envelope) Type() EventType {
	if e.EventType == "" {
		return EventTypeMessage
	}
	return e.EventType
}

// EnsureID assigns a message id and timestamp if they are unset. The router
// calls this on first send; ids never change afterwards.
func (e *Envelope) EnsureID() {
	if e.MessageID == "" {
		e.MessageID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
}

// IsDirect reports whether the envelope addresses a single agent rather than
// a channel.
func (e *Envelope) IsDirect() bool {
	return e.Channel == "" && e.Destination != ""
}

// Clone returns a copy of the envelope with a cleared id and a fresh
// timestamp, ready to be re-sent as a new message.
func (e *Envelope) Clone() *Envelope {
	dup := *e
	dup.MessageID = ""
	dup.Timestamp = time.Now().Unix()
	dup.Actions = append([]Action(nil), e.Actions...)
	dup.Observations = append([]Observation(nil), e.Observations...)
	return &dup
}

// Matches reports whether the envelope matches the given filter fields.
// Empty filter fields match anything.
func (e *Envelope) Matches(source, destination, channel string) bool {
	if source != "" && e.Source != source {
		return false
	}
	if destination != "" && e.Destination != destination {
		return false
	}
	if channel != "" && e.Channel != channel {
		return false
	}
	return true
}
