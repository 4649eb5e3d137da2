package team

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/pkg/envelope"
)

// Tool is a named function the toolbox can execute on behalf of members.
type Tool struct {
	Name        string
	Description string
	Run         func(ctx context.Context, params map[string]any) (any, error)
}

// ToolboxService executes shared tools for team members. Synchronous calls
// answer in the observation of the reply; asynchronous calls (actions with an
// async execution id) run in the background and answer in a later envelope
// delivered on the next tick.
type ToolboxService struct {
	logger *logger.Logger
	teamID string

	mu      sync.Mutex
	tools   map[string]Tool
	pending []*envelope.Envelope // completed async results awaiting delivery
	running int
}

// NewToolboxService creates an empty toolbox for the team.
func NewToolboxService(teamID string, log *logger.Logger) *ToolboxService {
	return &ToolboxService{
		logger: log.WithFields(zap.String("component", "team_toolbox")),
		teamID: teamID,
		tools:  make(map[string]Tool),
	}
}

// Name returns the tool name members address.
func (t *ToolboxService) Name() string {
	return "toolbox"
}

// RegisterTool adds a tool. Re-registering a name replaces it.
func (t *ToolboxService) RegisterTool(tool Tool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools[tool.Name] = tool
}

// Handle dispatches a toolbox action from a team_service envelope.
func (t *ToolboxService) Handle(ctx context.Context, action envelope.Action, msg *envelope.Envelope) (any, error) {
	switch action.ActionName {
	case "list_tools":
		return t.listTools(), nil

	case "execute_tool":
		name := stringParam(action.Parameters, "tool")
		t.mu.Lock()
		tool, ok := t.tools[name]
		t.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}

		params, _ := action.Parameters["arguments"].(map[string]any)

		if action.AsyncExecutionID != "" {
			t.runAsync(tool, params, action, msg.Source)
			return map[string]any{"dispatched": true}, nil
		}

		result, err := tool.Run(ctx, params)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tool": name, "result": result}, nil

	default:
		return nil, fmt.Errorf("unknown toolbox action %q", action.ActionName)
	}
}

// Tick drains completed async results as envelopes to their requesters.
func (t *ToolboxService) Tick(ctx context.Context, now time.Time) []*envelope.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.pending
	t.pending = nil
	return out
}

// runAsync executes the tool in the background; the observation is delivered
// to the requester with the async execution id on a later tick.
func (t *ToolboxService) runAsync(tool Tool, params map[string]any, action envelope.Action, requester string) {
	t.mu.Lock()
	t.running++
	t.mu.Unlock()

	go func() {
		result, err := tool.Run(context.Background(), params)

		obs := envelope.Observation{
			ToolUseID:          action.ToolUseID,
			IsAsyncObservation: true,
			AsyncExecutionID:   action.AsyncExecutionID,
		}
		if err != nil {
			obs.Data = map[string]any{"error": err.Error()}
		} else {
			obs.Data = map[string]any{"tool": tool.Name, "result": result}
		}

		reply := &envelope.Envelope{
			EventType:    envelope.EventTypeTeamService,
			Source:       t.teamID,
			Destination:  requester,
			Observations: []envelope.Observation{obs},
		}

		t.mu.Lock()
		t.pending = append(t.pending, reply)
		t.running--
		t.mu.Unlock()

		t.logger.Debug("Async tool finished",
			zap.String("tool", tool.Name),
			zap.String("async_execution_id", action.AsyncExecutionID),
			zap.Bool("failed", err != nil))
	}()
}

func (t *ToolboxService) listTools() []map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.tools))
	for name := range t.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]string, 0, len(names))
	for _, name := range names {
		out = append(out, map[string]string{
			"name":        name,
			"description": t.tools[name].Description,
		})
	}
	return out
}
