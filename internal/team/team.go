// Package team implements agent teams: a team is itself an addressable agent
// ("team:<name>") that mediates work between its members through a
// collaboration strategy and offers auxiliary services (voting, scratchpad,
// storage, toolbox) over team_service envelopes.
package team

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/troupelabs/troupe/internal/agent"
	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/pkg/envelope"
)

// Collaboration decides how a team turns incoming requests into member work.
type Collaboration interface {
	// Name identifies the strategy in team_info.
	Name() string

	// ProcessMessage handles one envelope addressed to the team and returns
	// the envelopes to emit.
	ProcessMessage(ctx context.Context, msg *envelope.Envelope) ([]*envelope.Envelope, error)

	// Tick runs periodic work (deadline checks, decision polls) and returns
	// any envelopes to emit.
	Tick(ctx context.Context, now time.Time) []*envelope.Envelope
}

// Service handles one tool exposed to team members. The action's tool name
// selects the service, the action name selects the operation.
type Service interface {
	Name() string
	Handle(ctx context.Context, action envelope.Action, msg *envelope.Envelope) (any, error)
}

// Ticker is implemented by services with periodic work, such as async tool
// completions.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) []*envelope.Envelope
}

// Team is the agent behavior behind a team id. It satisfies agent.Agent so
// the ordinary host loop can drive it.
type Team struct {
	info     *envelope.TeamInfo
	collab   Collaboration
	services map[string]Service
	logger   *logger.Logger
}

// New assembles a team from its members, strategy, and services.
func New(name string, agentIDs []string, collab Collaboration, services []Service, log *logger.Logger) *Team {
	svcMap := make(map[string]Service, len(services))
	names := make([]string, 0, len(services))
	for _, svc := range services {
		svcMap[svc.Name()] = svc
		names = append(names, svc.Name())
	}

	collabName := ""
	if collab != nil {
		collabName = collab.Name()
	}

	t := &Team{
		info: &envelope.TeamInfo{
			Name:              name,
			AgentIDs:          agentIDs,
			CollaborationName: collabName,
			ServiceNames:      names,
		},
		collab:   collab,
		services: svcMap,
		logger:   log.WithFields(zap.String("component", "team"), zap.String("team", name)),
	}
	return t
}

// Info returns the team description broadcast to members.
func (t *Team) Info() *envelope.TeamInfo {
	return t.info
}

// ID returns the team's agent id.
func (t *Team) ID() string {
	return t.info.Identifier()
}

// InitState returns a fresh state for the team agent.
func (t *Team) InitState() *agent.State {
	return agent.NewState()
}

// Respond dispatches one envelope: team_service envelopes go to the named
// service, everything else goes to the collaboration. A team without a
// collaboration serves tools only and ignores other traffic.
func (t *Team) Respond(ctx context.Context, rc *agent.RunContext, state *agent.State, view []*envelope.Envelope, msg *envelope.Envelope) ([]*envelope.Envelope, error) {
	if msg.Type() == envelope.EventTypeTeamService {
		return t.handleService(ctx, msg), nil
	}
	if t.collab == nil {
		t.logger.Debug("No collaboration configured, message ignored",
			zap.String("from", msg.Source))
		return nil, nil
	}
	return t.collab.ProcessMessage(ctx, msg)
}

// Tick runs the collaboration's and services' periodic work.
func (t *Team) Tick(ctx context.Context, now time.Time) []*envelope.Envelope {
	var out []*envelope.Envelope
	if t.collab != nil {
		out = t.collab.Tick(ctx, now)
	}
	for _, svc := range t.services {
		if ticker, ok := svc.(Ticker); ok {
			out = append(out, ticker.Tick(ctx, now)...)
		}
	}
	return out
}

// handleService executes every action in the envelope and answers the sender
// with one observation per action. Unknown tools produce error observations;
// the sender always hears back.
func (t *Team) handleService(ctx context.Context, msg *envelope.Envelope) []*envelope.Envelope {
	reply := &envelope.Envelope{
		EventType:   envelope.EventTypeTeamService,
		Source:      t.ID(),
		Destination: msg.Source,
	}

	for _, action := range msg.Actions {
		svc, ok := t.services[action.ToolName]
		if !ok {
			t.logger.Warn("Request for unknown team service",
				zap.String("tool", action.ToolName),
				zap.String("from", msg.Source))
			reply.Observations = append(reply.Observations, envelope.Observation{
				Data:      map[string]any{"error": "unknown team service: " + action.ToolName},
				ToolUseID: action.ToolUseID,
			})
			continue
		}

		result, err := svc.Handle(ctx, action, msg)
		if err != nil {
			t.logger.Warn("Team service action failed",
				zap.String("tool", action.ToolName),
				zap.String("action", action.ActionName),
				zap.Error(err))
			reply.Observations = append(reply.Observations, envelope.Observation{
				Data:      map[string]any{"error": err.Error()},
				ToolUseID: action.ToolUseID,
			})
			continue
		}

		// Async executions answer later; acknowledge the dispatch now.
		if action.AsyncExecutionID != "" {
			reply.Observations = append(reply.Observations, envelope.Observation{
				Data:             map[string]any{"dispatched": true},
				ToolUseID:        action.ToolUseID,
				AsyncExecutionID: action.AsyncExecutionID,
			})
			continue
		}

		reply.Observations = append(reply.Observations, envelope.Observation{
			Data:      result,
			ToolUseID: action.ToolUseID,
		})
	}

	if len(reply.Observations) == 0 {
		return nil
	}
	return []*envelope.Envelope{reply}
}
