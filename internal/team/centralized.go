package team

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/pkg/envelope"
)

// CentralizedCollaboration funnels every request through a single coordinator
// agent. One task is in flight at a time; the rest wait in a FIFO queue and
// their requesters are told their position.
type CentralizedCollaboration struct {
	teamID        string
	coordinatorID string

	mu      sync.Mutex
	current *envelope.Envelope   // request being worked on, nil when idle
	queue   []*envelope.Envelope // pending requests, FIFO

	logger *logger.Logger
}

// NewCentralized creates the strategy. The coordinator must be a team member.
func NewCentralized(teamID, coordinatorID string, log *logger.Logger) *CentralizedCollaboration {
	return &CentralizedCollaboration{
		teamID:        teamID,
		coordinatorID: coordinatorID,
		logger:        log.WithFields(zap.String("component", "centralized"), zap.String("coordinator", coordinatorID)),
	}
}

// Name identifies the strategy in team_info.
func (c *CentralizedCollaboration) Name() string {
	return "centralized"
}

// ProcessMessage implements the task state machine.
//
// A message from the coordinator is the answer to the current task: it is
// forwarded to the requester as coming from the team, and the next queued
// task (if any) is handed to the coordinator. Any other message is a new
// request: worked on immediately when idle, queued with a position notice
// when busy.
func (c *CentralizedCollaboration) ProcessMessage(ctx context.Context, msg *envelope.Envelope) ([]*envelope.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Source == c.coordinatorID {
		return c.finishCurrent(msg), nil
	}
	return c.acceptRequest(msg), nil
}

// Tick has no periodic work in the centralized strategy.
func (c *CentralizedCollaboration) Tick(ctx context.Context, now time.Time) []*envelope.Envelope {
	return nil
}

func (c *CentralizedCollaboration) finishCurrent(result *envelope.Envelope) []*envelope.Envelope {
	if c.current == nil {
		c.logger.Warn("Coordinator reply with no task in flight",
			zap.String("message_id", result.MessageID))
		return nil
	}

	// Answer the requester as the team.
	out := []*envelope.Envelope{{
		EventType:         envelope.EventTypeMessage,
		Source:            c.teamID,
		Destination:       c.current.Source,
		Content:           result.Content,
		Actions:           result.Actions,
		Observations:      result.Observations,
		StructuredContent: result.StructuredContent,
		Artifacts:         result.Artifacts,
	}}
	c.logger.Info("Task completed",
		zap.String("requester", c.current.Source),
		zap.Int("queued", len(c.queue)))
	c.current = nil

	// Promote the next queued task.
	if len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.current = next
		out = append(out, c.forwardToCoordinator(next))
	}
	return out
}

func (c *CentralizedCollaboration) acceptRequest(msg *envelope.Envelope) []*envelope.Envelope {
	if c.current == nil {
		c.current = msg
		c.logger.Info("Task started", zap.String("requester", msg.Source))
		return []*envelope.Envelope{c.forwardToCoordinator(msg)}
	}

	c.queue = append(c.queue, msg)
	position := len(c.queue)
	c.logger.Info("Task queued",
		zap.String("requester", msg.Source),
		zap.Int("position", position))
	return []*envelope.Envelope{{
		EventType:   envelope.EventTypeNotification,
		Source:      c.teamID,
		Destination: msg.Source,
		Content:     fmt.Sprintf("Task queued, position %d", position),
		StructuredContent: map[string]any{
			"queued":   true,
			"position": position,
		},
	}}
}

// forwardToCoordinator rewrites a request so the coordinator works on it as a
// message from the team. The original requester stays out of the forward; the
// strategy remembers them and answers on the coordinator's behalf.
func (c *CentralizedCollaboration) forwardToCoordinator(msg *envelope.Envelope) *envelope.Envelope {
	return &envelope.Envelope{
		EventType:   envelope.EventTypeMessage,
		Source:      c.teamID,
		Destination: c.coordinatorID,
		Content:     msg.Content,
		Actions:     msg.Actions,
		Artifacts:   msg.Artifacts,
	}
}
