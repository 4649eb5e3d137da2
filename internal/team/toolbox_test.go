package team

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupelabs/troupe/pkg/envelope"
)

func newToolbox(t *testing.T) *ToolboxService {
	t.Helper()
	tb := NewToolboxService("team:crew", testLogger(t))
	tb.RegisterTool(Tool{
		Name:        "adder",
		Description: "adds a and b",
		Run: func(ctx context.Context, params map[string]any) (any, error) {
			a, _ := params["a"].(float64)
			b, _ := params["b"].(float64)
			return a + b, nil
		},
	})
	tb.RegisterTool(Tool{
		Name:        "boom",
		Description: "always fails",
		Run: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, fmt.Errorf("boom")
		},
	})
	return tb
}

func TestToolboxListTools(t *testing.T) {
	tb := newToolbox(t)

	result, err := tb.Handle(context.Background(), action("toolbox", "list_tools", nil), envFrom("alice"))
	require.NoError(t, err)

	tools := result.([]map[string]string)
	require.Len(t, tools, 2)
	assert.Equal(t, "adder", tools[0]["name"])
	assert.Equal(t, "adds a and b", tools[0]["description"])
	assert.Equal(t, "boom", tools[1]["name"])
}

func TestToolboxExecuteSync(t *testing.T) {
	tb := newToolbox(t)
	ctx := context.Background()

	result, err := tb.Handle(ctx, action("toolbox", "execute_tool", map[string]any{
		"tool":      "adder",
		"arguments": map[string]any{"a": float64(2), "b": float64(3)},
	}), envFrom("alice"))
	require.NoError(t, err)
	assert.Equal(t, float64(5), result.(map[string]any)["result"])

	_, err = tb.Handle(ctx, action("toolbox", "execute_tool", map[string]any{"tool": "boom"}), envFrom("alice"))
	assert.Error(t, err)

	_, err = tb.Handle(ctx, action("toolbox", "execute_tool", map[string]any{"tool": "missing"}), envFrom("alice"))
	assert.Error(t, err)
}

func TestToolboxExecuteAsync(t *testing.T) {
	tb := newToolbox(t)
	ctx := context.Background()

	result, err := tb.Handle(ctx, envelope.Action{
		ToolName:         "toolbox",
		ActionName:       "execute_tool",
		ToolUseID:        "use-1",
		AsyncExecutionID: "exec-1",
		Parameters: map[string]any{
			"tool":      "adder",
			"arguments": map[string]any{"a": float64(1), "b": float64(2)},
		},
	}, envFrom("alice"))
	require.NoError(t, err)
	assert.Equal(t, true, result.(map[string]any)["dispatched"])

	// The result lands on a later tick, addressed to the requester.
	var out []*envelope.Envelope
	deadline := time.Now().Add(2 * time.Second)
	for len(out) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		out = tb.Tick(ctx, time.Now())
	}
	require.Len(t, out, 1)

	reply := out[0]
	assert.Equal(t, envelope.EventTypeTeamService, reply.Type())
	assert.Equal(t, "alice", reply.Destination)
	require.Len(t, reply.Observations, 1)

	obs := reply.Observations[0]
	assert.True(t, obs.IsAsyncObservation)
	assert.Equal(t, "exec-1", obs.AsyncExecutionID)
	assert.Equal(t, "use-1", obs.ToolUseID)
	assert.Equal(t, float64(3), obs.Data.(map[string]any)["result"])

	// Drained: nothing pending on the next tick.
	assert.Empty(t, tb.Tick(ctx, time.Now()))
}
