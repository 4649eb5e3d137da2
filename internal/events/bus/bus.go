// Package bus provides the lifecycle event bus for the Troupe runtime.
// Router, runner, and debug inspector exchange runtime notices (agent
// registered, process exited, checkpoint written) over it; agent-to-agent
// messages never travel here.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known subjects published by the runtime.
const (
	SubjectAgentRegistered    = "troupe.agent.registered"
	SubjectAgentDisconnected  = "troupe.agent.disconnected"
	SubjectAgentStatusChanged = "troupe.agent.status"
	SubjectProcessStarted     = "troupe.runner.process.started"
	SubjectProcessExited      = "troupe.runner.process.exited"
	SubjectRunnerStopped      = "troupe.runner.stopped"
	SubjectCheckpointSaved    = "troupe.runner.checkpoint.saved"
	SubjectMessageRouted      = "troupe.router.message.routed"
)

// Event represents a message on the event bus
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"` // Component that produced the event
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request sends a request and waits for a response (with timeout)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
