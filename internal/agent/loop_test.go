package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupelabs/troupe/internal/client"
	"github.com/troupelabs/troupe/internal/common/config"
	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/internal/router"
	"github.com/troupelabs/troupe/pkg/envelope"
)

const waitTimeout = 5 * time.Second

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func startRouter(t *testing.T) *router.Router {
	t.Helper()
	cfg := config.RouterConfig{
		Host:             "127.0.0.1",
		Port:             0,
		PortRetries:      0,
		HeartbeatSeconds: 1,
		MaxMissedBeats:   3,
	}
	rt := router.NewRouter(cfg, nil, testLogger(t))
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

func connect(t *testing.T, rt *router.Router, agentID string) *client.Client {
	t.Helper()
	cl := client.New(agentID, rt.URL(), testLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, cl.Connect(ctx))
	t.Cleanup(cl.Close)
	return cl
}

// failingAgent always errors, for poison-message handling.
type failingAgent struct{}

func (failingAgent) InitState() *State { return NewState() }
func (failingAgent) Respond(ctx context.Context, rc *RunContext, state *State, view []*envelope.Envelope, msg *envelope.Envelope) ([]*envelope.Envelope, error) {
	return nil, fmt.Errorf("cannot handle %q", msg.Content)
}

// rememberingAgent keeps every message as an internal event instead of
// answering it.
type rememberingAgent struct{}

func (rememberingAgent) InitState() *State { return NewState() }
func (rememberingAgent) Respond(ctx context.Context, rc *RunContext, state *State, view []*envelope.Envelope, msg *envelope.Envelope) ([]*envelope.Envelope, error) {
	return []*envelope.Envelope{{
		EventType: envelope.EventTypeInternal,
		Content:   "noted: " + msg.Content,
	}}, nil
}

// viewCapturingAgent records the history it was handed.
type viewCapturingAgent struct {
	views [][]*envelope.Envelope
}

func (a *viewCapturingAgent) InitState() *State { return NewState() }
func (a *viewCapturingAgent) Respond(ctx context.Context, rc *RunContext, state *State, view []*envelope.Envelope, msg *envelope.Envelope) ([]*envelope.Envelope, error) {
	a.views = append(a.views, view)
	return nil, nil
}

func waitForView(t *testing.T, cl *client.Client, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(cl.AllMessages()) >= n
	}, waitTimeout, 10*time.Millisecond)
}

func TestLoopRespondsOncePerMessage(t *testing.T) {
	rt := startRouter(t)
	driver := connect(t, rt, "driver")
	echoCl := connect(t, rt, "echo1")

	behavior, err := New("echo", []byte(`{"prefix":"echo: "}`))
	require.NoError(t, err)
	loop := NewLoop(behavior, echoCl, NewRunContext("echo1"), nil, testLogger(t))

	require.NoError(t, driver.SendMessage(envelope.New("driver", "echo1", "hi")))
	waitForView(t, echoCl, 1)

	ctx := context.Background()
	processed, err := loop.Iterate(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	reply := driver.WaitForResponse(ctx, "echo1", "", "", waitTimeout)
	require.NotNil(t, reply)
	assert.Equal(t, "echo: hi", reply.Content)

	// Already processed: the next iteration is a no-op.
	processed, err = loop.Iterate(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestLoopSkipsIgnoredSources(t *testing.T) {
	rt := startRouter(t)
	driver := connect(t, rt, "driver")
	echoCl := connect(t, rt, "echo1")

	behavior, err := New("echo", nil)
	require.NoError(t, err)

	rc := NewRunContext("echo1")
	rc.IgnoreSources["driver"] = true
	loop := NewLoop(behavior, echoCl, rc, nil, testLogger(t))

	require.NoError(t, driver.SendMessage(envelope.New("driver", "echo1", "hi")))
	waitForView(t, echoCl, 1)

	processed, err := loop.Iterate(context.Background())
	require.NoError(t, err)
	assert.False(t, processed, "ignored sources are consumed silently")

	// Consumed: the message id is marked so it never resurfaces.
	msgID := echoCl.AllMessages()[0].MessageID
	assert.True(t, loop.State().IsProcessed(msgID))
}

func TestLoopMarksPoisonMessagesProcessed(t *testing.T) {
	rt := startRouter(t)
	driver := connect(t, rt, "driver")
	cl := connect(t, rt, "victim")

	loop := NewLoop(failingAgent{}, cl, NewRunContext("victim"), nil, testLogger(t))

	require.NoError(t, driver.SendMessage(envelope.New("driver", "victim", "poison")))
	waitForView(t, cl, 1)

	ctx := context.Background()
	processed, err := loop.Iterate(ctx)
	assert.True(t, processed)
	require.Error(t, err)

	// The poison message must not wedge the loop on retry.
	processed, err = loop.Iterate(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestLoopKeepsInternalResponsesPrivate(t *testing.T) {
	rt := startRouter(t)
	driver := connect(t, rt, "driver")
	cl := connect(t, rt, "thinker")

	loop := NewLoop(rememberingAgent{}, cl, NewRunContext("thinker"), nil, testLogger(t))

	require.NoError(t, driver.SendMessage(envelope.New("driver", "thinker", "secret")))
	waitForView(t, cl, 1)

	processed, err := loop.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	require.Len(t, loop.State().InternalEvents, 1)
	assert.Equal(t, "noted: secret", loop.State().InternalEvents[0].Content)

	// Internal events never reach the router log.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rt.Log().Snapshot(), 1)
}

func TestLoopHandsAgentTheViewAroundTheMessage(t *testing.T) {
	rt := startRouter(t)
	driver := connect(t, rt, "driver")
	other := connect(t, rt, "other")
	cl := connect(t, rt, "watcher")

	behavior := &viewCapturingAgent{}
	rc := NewRunContext("watcher")
	rc.View = ViewSelector{Kind: ViewDirect}
	loop := NewLoop(behavior, cl, rc, nil, testLogger(t))

	require.NoError(t, driver.SendMessage(envelope.New("driver", "watcher", "from driver")))
	waitForView(t, cl, 1)
	require.NoError(t, other.SendMessage(envelope.New("other", "watcher", "from other")))
	waitForView(t, cl, 2)

	ctx := context.Background()
	processed, err := loop.Iterate(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	// The first message's direct view holds only the driver exchange.
	require.Len(t, behavior.views, 1)
	require.Len(t, behavior.views[0], 1)
	assert.Equal(t, "from driver", behavior.views[0][0].Content)
}

func TestLoopForwardsAsyncObservationToOrigin(t *testing.T) {
	rt := startRouter(t)
	human := connect(t, rt, "human")
	teamCl := connect(t, rt, "team:crew")
	cl := connect(t, rt, "worker")

	rc := NewRunContext("worker")
	rc.AsyncOrigins["exec-1"] = AsyncOrigin{OriginalSource: "human", ToolUseID: "use-1"}
	loop := NewLoop(&viewCapturingAgent{}, cl, rc, nil, testLogger(t))

	// The team answers a long-running tool call after the fact.
	require.NoError(t, teamCl.SendMessage(&envelope.Envelope{
		EventType:   envelope.EventTypeTeamService,
		Source:      "team:crew",
		Destination: "worker",
		Observations: []envelope.Observation{{
			Data:               map[string]any{"tool": "search", "result": "42"},
			IsAsyncObservation: true,
			AsyncExecutionID:   "exec-1",
		}},
	}))
	waitForView(t, cl, 1)

	ctx := context.Background()
	processed, err := loop.Iterate(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	// The result reaches whoever asked for the tool in the first place,
	// tagged with their tool use id, and the origin entry is dropped.
	require.Eventually(t, func() bool {
		return len(human.FilterMessages("worker", "human", "")) == 1
	}, waitTimeout, 10*time.Millisecond)
	fwd := human.FilterMessages("worker", "human", "")[0]
	require.Len(t, fwd.Observations, 1)
	assert.Equal(t, "use-1", fwd.Observations[0].ToolUseID)
	assert.True(t, fwd.Observations[0].IsAsyncObservation)
	assert.NotContains(t, rc.AsyncOrigins, "exec-1")

	// The agent also keeps the result as its own memory.
	require.Len(t, loop.State().InternalEvents, 1)

	// The observation never goes through Respond a second time.
	processed, err = loop.Iterate(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestLoopProcessedSetSurvivesRestart(t *testing.T) {
	rt := startRouter(t)
	driver := connect(t, rt, "driver")
	cl := connect(t, rt, "echo1")

	behavior, err := New("echo", nil)
	require.NoError(t, err)
	loop := NewLoop(behavior, cl, NewRunContext("echo1"), nil, testLogger(t))

	require.NoError(t, driver.SendMessage(envelope.New("driver", "echo1", "hi")))
	waitForView(t, cl, 1)

	_, err = loop.Iterate(context.Background())
	require.NoError(t, err)

	// Simulate a restart: serialize state, rebuild the loop with it.
	data, err := loop.State().Marshal()
	require.NoError(t, err)
	restored, err := UnmarshalState(data)
	require.NoError(t, err)

	loop2 := NewLoop(behavior, cl, NewRunContext("echo1"), restored, testLogger(t))
	processed, err := loop2.Iterate(context.Background())
	require.NoError(t, err)
	assert.False(t, processed, "redelivered history must not be double-processed")
}
