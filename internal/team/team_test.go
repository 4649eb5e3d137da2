package team

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupelabs/troupe/pkg/envelope"
)

func TestTeamInfoAndIdentifier(t *testing.T) {
	log := testLogger(t)
	tm := New("crew", []string{"alice", "bob"}, NewCentralized("team:crew", "alice", log),
		[]Service{NewScratchpadService(log)}, log)

	assert.Equal(t, "team:crew", tm.ID())

	info := tm.Info()
	assert.Equal(t, "crew", info.Name)
	assert.Equal(t, []string{"alice", "bob"}, info.AgentIDs)
	assert.Equal(t, "centralized", info.CollaborationName)
	assert.Equal(t, []string{"scratchpad"}, info.ServiceNames)
}

func TestTeamDispatchesServiceActions(t *testing.T) {
	log := testLogger(t)
	tm := New("crew", []string{"alice", "bob"}, nil, []Service{NewScratchpadService(log)}, log)

	msg := &envelope.Envelope{
		EventType:   envelope.EventTypeTeamService,
		Source:      "alice",
		Destination: tm.ID(),
		Actions: []envelope.Action{
			{ToolName: "scratchpad", ActionName: "create", ToolUseID: "u1",
				Parameters: map[string]any{"name": "notes", "content": "hi"}},
			{ToolName: "nope", ActionName: "anything", ToolUseID: "u2"},
		},
	}

	out, err := tm.Respond(context.Background(), nil, tm.InitState(), nil, msg)
	require.NoError(t, err)
	require.Len(t, out, 1)

	reply := out[0]
	assert.Equal(t, envelope.EventTypeTeamService, reply.Type())
	assert.Equal(t, "alice", reply.Destination)
	require.Len(t, reply.Observations, 2)

	ok := reply.Observations[0]
	assert.Equal(t, "u1", ok.ToolUseID)
	assert.Equal(t, true, ok.Data.(map[string]any)["created"])

	failed := reply.Observations[1]
	assert.Equal(t, "u2", failed.ToolUseID)
	assert.Contains(t, failed.Data.(map[string]any)["error"], "unknown team service")
}

func TestTeamServiceErrorBecomesObservation(t *testing.T) {
	log := testLogger(t)
	tm := New("crew", []string{"alice"}, nil, []Service{NewScratchpadService(log)}, log)

	msg := &envelope.Envelope{
		EventType: envelope.EventTypeTeamService,
		Source:    "alice",
		Actions: []envelope.Action{
			{ToolName: "scratchpad", ActionName: "get", ToolUseID: "u1",
				Parameters: map[string]any{"name": "missing"}},
		},
	}

	out, err := tm.Respond(context.Background(), nil, tm.InitState(), nil, msg)
	require.NoError(t, err, "service failures answer the caller, they do not crash the team")
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Observations[0].Data.(map[string]any)["error"], "does not exist")
}

func TestTeamWithoutCollaborationIgnoresChat(t *testing.T) {
	tm := New("crew", []string{"alice"}, nil, nil, testLogger(t))

	out, err := tm.Respond(context.Background(), nil, tm.InitState(), nil, &envelope.Envelope{
		Source:  "alice",
		Content: "hello?",
	})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, tm.Tick(context.Background(), time.Now()))
}

func TestTeamTickAggregatesServices(t *testing.T) {
	log := testLogger(t)
	tb := NewToolboxService("team:crew", log)
	tb.RegisterTool(Tool{Name: "noop", Run: func(ctx context.Context, params map[string]any) (any, error) {
		return "done", nil
	}})
	tm := New("crew", []string{"alice"}, nil, []Service{tb}, log)

	_, err := tb.Handle(context.Background(), envelope.Action{
		ToolName:         "toolbox",
		ActionName:       "execute_tool",
		AsyncExecutionID: "exec-1",
		Parameters:       map[string]any{"tool": "noop"},
	}, envFrom("alice"))
	require.NoError(t, err)

	var out []*envelope.Envelope
	deadline := time.Now().Add(2 * time.Second)
	for len(out) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		out = tm.Tick(context.Background(), time.Now())
	}
	require.Len(t, out, 1)
	assert.Equal(t, "alice", out[0].Destination)
}
