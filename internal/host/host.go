// Package host is the child-process side of the runner: it loads a spawn
// spec, builds the agent behavior, connects to the router, and drives the
// passive loop until the router or a signal stops it.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/troupelabs/troupe/internal/agent"
	"github.com/troupelabs/troupe/internal/client"
	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/internal/runner"
	"github.com/troupelabs/troupe/internal/team"
)

// teamInfoWait bounds how long a fresh agent waits for its team description.
// Agents outside a team never receive one, so this stays short.
const teamInfoWait = 2 * time.Second

// Run hosts one agent for the lifetime of the process. It returns nil on a
// clean stop; any error means the agent failed and the process should exit
// non-zero.
func Run(specPath string, log *logger.Logger) error {
	spec, err := runner.ReadSpawnSpec(specPath)
	if err != nil {
		return err
	}
	log = log.WithFields(zap.String("component", "host"), zap.String("agent_id", spec.AgentID))

	behavior, err := agent.New(spec.Kind, spec.InitArgs)
	if err != nil {
		return fmt.Errorf("failed to build agent: %w", err)
	}

	state, err := agent.UnmarshalState(spec.InitialState)
	if err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	if spec.InitialState == nil {
		state = behavior.InitState()
	}

	// The state provider runs on the client's read goroutine; the loop
	// mutates state on ours. One mutex covers both.
	var stateMu sync.Mutex

	cl := client.New(spec.AgentID, spec.RouterURL, log)
	cl.SetStateProvider(func() json.RawMessage {
		stateMu.Lock()
		defer stateMu.Unlock()
		data, err := state.Marshal()
		if err != nil {
			log.Error("Failed to marshal state", zap.Error(err))
			return nil
		}
		return data
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cl.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to router: %w", err)
	}
	defer cl.Close()

	rc := agent.NewRunContext(spec.AgentID)
	rc.Instruction = spec.Instruction
	rc.View = spec.View
	for _, src := range spec.IgnoreSources {
		rc.IgnoreSources[src] = true
	}
	if info, ok := cl.WaitForTeamInfo(teamInfoWait); ok {
		rc.TeamInfo = info
	}

	loop := agent.NewLoop(behavior, cl, rc, state, log)
	ticker, _ := behavior.(team.Ticker)

	interval := time.Duration(spec.IterateIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	log.Info("Agent host running",
		zap.String("kind", spec.Kind),
		zap.Duration("interval", interval))

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			// Finish cleanly on signal: final state, then acknowledge.
			return shutdown(cl, loop, &stateMu, log)

		case <-tick.C:
			if cl.Stopped() {
				return shutdown(cl, loop, &stateMu, log)
			}

			stateMu.Lock()
			processed, err := loop.Iterate(ctx)
			stateMu.Unlock()
			if err != nil {
				log.Error("Agent failed to respond", zap.Error(err))
				return fmt.Errorf("agent %s failed: %w", spec.AgentID, err)
			}
			if processed {
				pushState(cl, loop, &stateMu, log)
			}

			if ticker != nil {
				for _, env := range ticker.Tick(ctx, time.Now()) {
					if err := cl.SendMessage(env); err != nil {
						log.Error("Failed to send tick message", zap.Error(err))
					}
				}
			}
		}
	}
}

func pushState(cl *client.Client, loop *agent.Loop, stateMu *sync.Mutex, log *logger.Logger) {
	stateMu.Lock()
	data, err := loop.State().Marshal()
	stateMu.Unlock()
	if err != nil {
		log.Error("Failed to marshal state", zap.Error(err))
		return
	}
	if err := cl.PushState(data); err != nil {
		log.Warn("Failed to push state snapshot", zap.Error(err))
	}
}

func shutdown(cl *client.Client, loop *agent.Loop, stateMu *sync.Mutex, log *logger.Logger) error {
	pushState(cl, loop, stateMu, log)
	if err := cl.AcknowledgeStop(); err != nil {
		log.Warn("Failed to acknowledge stop", zap.Error(err))
	}
	log.Info("Agent host stopped")
	return nil
}

// Exit codes for the agent-host subcommand.
const (
	ExitOK     = 0
	ExitFailed = 1
)

// Main is the process entrypoint for agent-host mode: it runs the host and
// exits with a diagnostic on failure.
func Main(specPath string, log *logger.Logger) {
	if err := Run(specPath, log); err != nil {
		log.Error("Agent host failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "agent host failed:", err)
		os.Exit(ExitFailed)
	}
	os.Exit(ExitOK)
}
