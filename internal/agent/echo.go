package agent

import (
	"context"
	"encoding/json"

	"github.com/troupelabs/troupe/pkg/envelope"
)

// EchoAgent is the built-in smoke-test behavior: it answers every message
// with its own content, optionally prefixed. Useful for wiring checks and
// workspace scaffolds.
type EchoAgent struct {
	Prefix string `json:"prefix"`
}

func init() {
	Register("echo", func(initArgs json.RawMessage) (Agent, error) {
		var a EchoAgent
		if len(initArgs) > 0 {
			if err := json.Unmarshal(initArgs, &a); err != nil {
				return nil, err
			}
		}
		return &a, nil
	})
}

// InitState returns a fresh empty state.
func (a *EchoAgent) InitState() *State {
	return NewState()
}

// Respond echoes the message content back to its sender on the same channel.
func (a *EchoAgent) Respond(ctx context.Context, rc *RunContext, state *State, view []*envelope.Envelope, msg *envelope.Envelope) ([]*envelope.Envelope, error) {
	if msg.Type() != envelope.EventTypeMessage {
		return nil, nil
	}

	reply := &envelope.Envelope{
		EventType:   envelope.EventTypeMessage,
		Source:      rc.AgentID,
		Destination: msg.Source,
		Channel:     msg.Channel,
		Content:     a.Prefix + msg.Content,
	}
	return []*envelope.Envelope{reply}, nil
}
