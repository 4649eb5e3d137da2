package runner_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupelabs/troupe/internal/agent"
	"github.com/troupelabs/troupe/internal/client"
	"github.com/troupelabs/troupe/internal/common/config"
	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/internal/host"
	"github.com/troupelabs/troupe/internal/runner"
	"github.com/troupelabs/troupe/pkg/envelope"
)

// TestMain doubles as the agent-host entrypoint: the runner re-execs its own
// binary to spawn agents, and during tests that binary is the test binary.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == "agent-host" {
		var specPath string
		for i, arg := range os.Args {
			if arg == "--spec" && i+1 < len(os.Args) {
				specPath = os.Args[i+1]
			}
		}
		log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		host.Main(specPath, log)
		return
	}
	os.Exit(m.Run())
}

// flakyAgent echoes messages back, but fails once on the configured content.
// The sentinel file records that the failure already happened, so the
// respawned process answers normally.
type flakyAgent struct {
	CrashOn  string `json:"crash_on"`
	Sentinel string `json:"sentinel"`
}

func init() {
	agent.Register("flaky", func(initArgs json.RawMessage) (agent.Agent, error) {
		var a flakyAgent
		if len(initArgs) > 0 {
			if err := json.Unmarshal(initArgs, &a); err != nil {
				return nil, err
			}
		}
		return &a, nil
	})
}

func (a *flakyAgent) InitState() *agent.State { return agent.NewState() }

func (a *flakyAgent) Respond(ctx context.Context, rc *agent.RunContext, state *agent.State, view []*envelope.Envelope, msg *envelope.Envelope) ([]*envelope.Envelope, error) {
	if msg.Type() != envelope.EventTypeMessage {
		return nil, nil
	}
	if msg.Content == a.CrashOn {
		if _, err := os.Stat(a.Sentinel); os.IsNotExist(err) {
			if err := os.WriteFile(a.Sentinel, []byte(msg.MessageID), 0o600); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("induced failure on %q", msg.Content)
		}
	}
	reply := &envelope.Envelope{
		EventType:   envelope.EventTypeMessage,
		Source:      rc.AgentID,
		Destination: msg.Source,
		Channel:     msg.Channel,
		Content:     "ok: " + msg.Content,
	}
	return []*envelope.Envelope{reply}, nil
}

func e2eLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func TestCrashedAgentRespawnsAndResumesInOrder(t *testing.T) {
	cfg := &config.Config{
		Router: config.RouterConfig{Host: "127.0.0.1", Port: 0, HeartbeatSeconds: 1, MaxMissedBeats: 3},
		Runner: config.RunnerConfig{IterateIntervalMs: 20, StartTimeoutSeconds: 10, GraceSeconds: 1},
	}
	r := runner.New(cfg, nil, e2eLogger(t))

	sentinel := filepath.Join(t.TempDir(), "crashed-once")
	initArgs, err := json.Marshal(map[string]string{"crash_on": "three", "sentinel": sentinel})
	require.NoError(t, err)
	r.AddAgent(&runner.SpawnSpec{AgentID: "worker", Kind: "flaky", InitArgs: initArgs})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()

	human := client.New("human", r.Router().URL(), e2eLogger(t))
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer connectCancel()
	require.NoError(t, human.Connect(connectCtx))
	defer human.Close()

	contents := []string{"one", "two", "three", "four", "five"}
	for _, content := range contents {
		require.NoError(t, human.SendMessage(envelope.New("human", "worker", content)))
	}

	// The worker dies on "three", is respawned from its last state snapshot,
	// and works through the remaining messages in order.
	require.Eventually(t, func() bool {
		return len(r.Router().Log().Filter("worker", "human", "")) >= len(contents)
	}, 30*time.Second, 50*time.Millisecond)

	replies := r.Router().Log().Filter("worker", "human", "")
	require.Len(t, replies, len(contents))
	for i, content := range contents {
		assert.Equal(t, "ok: "+content, replies[i].Content)
	}

	_, err = os.Stat(sentinel)
	assert.NoError(t, err, "the worker failed exactly once")

	cancel()
	require.NoError(t, <-runDone)
}
