package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/troupelabs/troupe/internal/client"
	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/internal/router"
	"github.com/troupelabs/troupe/pkg/envelope"
)

// Loop drives a passive agent against the router: one unprocessed message per
// iteration, oldest first. The agent never sees a message twice, even across
// process restarts, because the processed set travels with the state.
type Loop struct {
	agent  Agent
	client *client.Client
	rc     *RunContext
	state  *State
	logger *logger.Logger
}

// NewLoop wires an agent behavior to its router client.
func NewLoop(a Agent, c *client.Client, rc *RunContext, state *State, log *logger.Logger) *Loop {
	if state == nil {
		state = a.InitState()
	}
	return &Loop{
		agent:  a,
		client: c,
		rc:     rc,
		state:  state,
		logger: log.WithFields(zap.String("component", "agent_loop"), zap.String("agent_id", rc.AgentID)),
	}
}

// State returns the loop's live state, for snapshots.
func (l *Loop) State() *State {
	return l.state
}

// Iterate processes at most one message: the oldest delivered message that is
// addressed to the agent (directly or via a channel) and not yet handled.
// Messages from ignored sources, the agent itself, or other agents' internal
// events are consumed silently. The agent answers with the selector's view
// around the chosen message as its history. Returns true when a message was
// actually handled.
func (l *Loop) Iterate(ctx context.Context) (bool, error) {
	all := l.client.AllMessages()

	for _, msg := range all {
		if l.state.IsProcessed(msg.MessageID) {
			continue
		}
		if l.shouldSkip(msg) {
			l.state.MarkProcessed(msg.MessageID)
			continue
		}

		if obs, ok := asyncObservation(msg); ok {
			l.deliverAsyncObservation(msg, obs)
			return true, nil
		}

		view := l.rc.View.Select(all, l.state.InternalEvents, msg)
		return true, l.respond(ctx, view, msg)
	}
	return false, nil
}

// Run iterates until the context is cancelled or the router stops the agent.
func (l *Loop) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.client.Stopped() {
				return nil
			}
			if _, err := l.Iterate(ctx); err != nil {
				return err
			}
		}
	}
}

func (l *Loop) shouldSkip(msg *envelope.Envelope) bool {
	// Never respond to yourself.
	if msg.Source == l.rc.AgentID {
		return true
	}
	// Neither addressed to us nor channel traffic: not ours to answer.
	if msg.Destination != l.rc.AgentID && msg.Channel == "" {
		return true
	}
	if l.rc.IgnoreSources[msg.Source] {
		return true
	}
	// Other agents' internal events are memory, not conversation.
	if msg.Type() == envelope.EventTypeInternal {
		return true
	}
	return false
}

// asyncObservation extracts the late result of an asynchronously dispatched
// action, if the envelope carries one.
func asyncObservation(msg *envelope.Envelope) (envelope.Observation, bool) {
	for _, obs := range msg.Observations {
		if obs.IsAsyncObservation && obs.AsyncExecutionID != "" {
			return obs, true
		}
	}
	return envelope.Observation{}, false
}

// deliverAsyncObservation routes a late async result to wherever its action
// was originally issued from, instead of handing it to Respond. The result is
// kept as an internal observation either way; the origin entry is dropped
// once answered.
func (l *Loop) deliverAsyncObservation(msg *envelope.Envelope, obs envelope.Observation) {
	l.state.MarkProcessed(msg.MessageID)
	l.state.AddInternalEvent(&envelope.Envelope{
		Source:       l.rc.AgentID,
		Content:      "async result from " + msg.Source,
		Observations: []envelope.Observation{obs},
	})

	origin, ok := l.rc.AsyncOrigins[obs.AsyncExecutionID]
	if !ok {
		l.logger.Debug("Async observation with no recorded origin",
			zap.String("execution_id", obs.AsyncExecutionID))
		return
	}
	delete(l.rc.AsyncOrigins, obs.AsyncExecutionID)

	if origin.OriginalSource == "" || origin.OriginalSource == l.rc.AgentID {
		return
	}
	obs.ToolUseID = origin.ToolUseID
	reply := &envelope.Envelope{
		EventType:    envelope.EventTypeMessage,
		Source:       l.rc.AgentID,
		Destination:  origin.OriginalSource,
		Channel:      origin.OriginalChannel,
		Observations: []envelope.Observation{obs},
	}
	if err := l.client.SendMessage(reply); err != nil {
		l.logger.Error("Failed to forward async observation",
			zap.String("execution_id", obs.AsyncExecutionID),
			zap.Error(err))
	}
}

func (l *Loop) respond(ctx context.Context, view []*envelope.Envelope, msg *envelope.Envelope) error {
	if err := l.client.PushStatus(router.StatusBusy); err != nil {
		l.logger.Warn("Failed to push busy status", zap.Error(err))
	}
	defer func() {
		if err := l.client.PushStatus(router.StatusIdle); err != nil {
			l.logger.Warn("Failed to push idle status", zap.Error(err))
		}
	}()

	responses, err := l.agent.Respond(ctx, l.rc, l.state, view, msg)
	// Mark processed regardless: a poison message must not wedge the loop.
	l.state.MarkProcessed(msg.MessageID)
	if err != nil {
		return err
	}

	for _, resp := range responses {
		if resp == nil {
			continue
		}
		if resp.Type() == envelope.EventTypeInternal {
			l.state.AddInternalEvent(resp)
			continue
		}
		if resp.Source == "" {
			resp.Source = l.rc.AgentID
		}
		if err := l.client.SendMessage(resp); err != nil {
			return err
		}
	}

	l.logger.Debug("Message handled",
		zap.String("message_id", msg.MessageID),
		zap.String("source", msg.Source),
		zap.Int("responses", len(responses)))
	return nil
}
