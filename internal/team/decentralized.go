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

// DefaultCheckInterval is how often the strategy polls for a decision.
const DefaultCheckInterval = 3 * time.Second

// DefaultTimeLimit bounds how long members have to reach a decision.
const DefaultTimeLimit = 2 * time.Minute

// DecentralizedCollaboration fans a request out to every member and lets the
// team decide through the voting service. The strategy polls for a decision
// on a fixed interval and answers the requester with the winning option, or a
// timeout notice when the time limit passes.
type DecentralizedCollaboration struct {
	teamID        string
	memberIDs     []string
	voting        *VotingService
	checkInterval time.Duration
	timeLimit     time.Duration

	mu        sync.Mutex
	session   *decisionSession
	queue     []*envelope.Envelope
	lastCheck time.Time

	logger *logger.Logger
}

// decisionSession tracks one request awaiting a team decision. Proposals
// opened before the session are not its decision.
type decisionSession struct {
	requester   string
	content     string
	started     time.Time
	deadline    time.Time
	preexisting map[string]bool // proposal ids open before the session
}

// NewDecentralized creates the strategy. Zero durations select the defaults.
func NewDecentralized(teamID string, memberIDs []string, voting *VotingService, checkInterval, timeLimit time.Duration, log *logger.Logger) *DecentralizedCollaboration {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	if timeLimit <= 0 {
		timeLimit = DefaultTimeLimit
	}
	return &DecentralizedCollaboration{
		teamID:        teamID,
		memberIDs:     memberIDs,
		voting:        voting,
		checkInterval: checkInterval,
		timeLimit:     timeLimit,
		logger:        log.WithFields(zap.String("component", "decentralized")),
	}
}

// Name identifies the strategy in team_info.
func (d *DecentralizedCollaboration) Name() string {
	return "decentralized"
}

// ProcessMessage starts a decision session for the request, or queues it when
// one is already running. The request is forwarded to every member; members
// are expected to propose and vote through the voting service.
func (d *DecentralizedCollaboration) ProcessMessage(ctx context.Context, msg *envelope.Envelope) ([]*envelope.Envelope, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil {
		d.queue = append(d.queue, msg)
		position := len(d.queue)
		return []*envelope.Envelope{{
			EventType:   envelope.EventTypeNotification,
			Source:      d.teamID,
			Destination: msg.Source,
			Content:     fmt.Sprintf("Task queued, position %d", position),
			StructuredContent: map[string]any{
				"queued":   true,
				"position": position,
			},
		}}, nil
	}

	return d.startSession(msg), nil
}

// Tick polls the voting service on the check interval and resolves the
// session on decision or deadline.
func (d *DecentralizedCollaboration) Tick(ctx context.Context, now time.Time) []*envelope.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == nil {
		return nil
	}
	if now.Sub(d.lastCheck) < d.checkInterval {
		return nil
	}
	d.lastCheck = now

	// Only proposals opened during the session can be its decision.
	if decision, proposalID, ok := d.voting.GetDecision(d.session.preexisting); ok {
		d.logger.Info("Team decision reached",
			zap.String("proposal_id", proposalID),
			zap.String("decision", decision))
		return d.resolve(&envelope.Envelope{
			EventType:   envelope.EventTypeMessage,
			Source:      d.teamID,
			Destination: d.session.requester,
			Content:     decision,
			StructuredContent: map[string]any{
				"decision":    decision,
				"proposal_id": proposalID,
			},
		}, fmt.Sprintf("Decision reached: %s", decision))
	}

	if now.After(d.session.deadline) {
		d.logger.Warn("Decision time limit exceeded",
			zap.String("requester", d.session.requester))
		return d.resolve(&envelope.Envelope{
			EventType:   envelope.EventTypeNotification,
			Source:      d.teamID,
			Destination: d.session.requester,
			Content:     "No decision reached within the time limit",
			StructuredContent: map[string]any{
				"timeout": true,
			},
		}, "Collaboration ended")
	}
	return nil
}

// startSession begins a session and fans the request out. Caller holds the
// lock.
func (d *DecentralizedCollaboration) startSession(msg *envelope.Envelope) []*envelope.Envelope {
	now := time.Now()
	session := &decisionSession{
		requester:   msg.Source,
		content:     msg.Content,
		started:     now,
		deadline:    now.Add(d.timeLimit),
		preexisting: make(map[string]bool),
	}
	// Proposals that predate the session do not belong to it.
	for _, p := range d.voting.Proposals() {
		session.preexisting[p.ID] = true
	}
	d.session = session
	d.lastCheck = time.Time{}

	d.logger.Info("Decision session started",
		zap.String("requester", msg.Source),
		zap.Int("members", len(d.memberIDs)))

	out := make([]*envelope.Envelope, 0, len(d.memberIDs))
	for _, member := range d.memberIDs {
		out = append(out, &envelope.Envelope{
			EventType:   envelope.EventTypeMessage,
			Source:      d.teamID,
			Destination: member,
			Content:     msg.Content,
			Actions:     msg.Actions,
			Artifacts:   msg.Artifacts,
			StructuredContent: map[string]any{
				"requester": msg.Source,
			},
		})
	}
	return out
}

// resolve ends the session: the result goes to the requester, every member
// hears how it ended, and the next queued request starts with the remaining
// requesters told their new position. Caller holds the lock.
func (d *DecentralizedCollaboration) resolve(result *envelope.Envelope, memberNotice string) []*envelope.Envelope {
	d.session = nil
	out := []*envelope.Envelope{result}
	for _, member := range d.memberIDs {
		out = append(out, &envelope.Envelope{
			EventType:   envelope.EventTypeNotification,
			Source:      d.teamID,
			Destination: member,
			Content:     memberNotice,
		})
	}
	if len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		for i, waiting := range d.queue {
			out = append(out, &envelope.Envelope{
				EventType:   envelope.EventTypeNotification,
				Source:      d.teamID,
				Destination: waiting.Source,
				Content:     fmt.Sprintf("Task queued, position %d", i+1),
				StructuredContent: map[string]any{
					"queued":   true,
					"position": i + 1,
				},
			})
		}
		out = append(out, d.startSession(next)...)
	}
	return out
}
