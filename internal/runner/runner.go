// Package runner owns the lifecycle of a run: it starts the router, spawns
// one OS process per agent, hosts team agents in-process, respawns crashed
// agents from their last state snapshot, polls stop conditions, and writes
// checkpoints.
package runner

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/troupelabs/troupe/internal/agent"
	"github.com/troupelabs/troupe/internal/client"
	"github.com/troupelabs/troupe/internal/common/config"
	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/internal/events/bus"
	"github.com/troupelabs/troupe/internal/router"
	"github.com/troupelabs/troupe/internal/team"
	"github.com/troupelabs/troupe/pkg/envelope"
)

// Runner drives one run end to end.
type Runner struct {
	cfg    *config.Config
	rt     *router.Router
	events bus.EventBus
	logger *logger.Logger

	specDir string
	exited  chan exitEvent

	mu         sync.Mutex
	specs      map[string]*SpawnSpec
	procs      map[string]*agentProcess
	teams      []*team.Team
	conditions []StopCondition
	stopping   bool

	checkpointPath string
	teamCancel     context.CancelFunc
	teamGroup      *errgroup.Group
	teamClients    []*client.Client
}

// New creates a runner over a fresh router.
func New(cfg *config.Config, events bus.EventBus, log *logger.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		rt:     router.NewRouter(cfg.Router, events, log),
		events: events,
		logger: log.WithFields(zap.String("component", "runner")),
		exited: make(chan exitEvent, 16),
		specs:  make(map[string]*SpawnSpec),
		procs:  make(map[string]*agentProcess),
	}
}

// Router exposes the underlying router, mainly for the debug inspector.
func (r *Runner) Router() *router.Router {
	return r.rt
}

// AddAgent registers an agent to spawn. RouterURL is filled in at start.
func (r *Runner) AddAgent(spec *SpawnSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.AgentID] = spec
}

// AddTeam registers a team to host in the runner process.
func (r *Runner) AddTeam(t *team.Team) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teams = append(r.teams, t)
}

// AddStopCondition adds a condition polled during Run.
func (r *Runner) AddStopCondition(c StopCondition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conditions = append(r.conditions, c)
}

// SetCheckpointPath enables a final checkpoint on stop.
func (r *Runner) SetCheckpointPath(path string) {
	r.checkpointPath = path
}

// RegisterChannel forwards a channel definition to the router.
func (r *Runner) RegisterChannel(ch *envelope.Channel) {
	r.rt.RegisterChannel(ch)
}

// Kickoff injects an envelope into the run, as if sent by an external user.
func (r *Runner) Kickoff(env *envelope.Envelope) {
	r.rt.Route(env)
}

// RestoreCheckpoint primes the registered agents with checkpointed state.
// Snapshots for unknown agent ids are added as new agents.
func (r *Runner) RestoreCheckpoint(cp *Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, snap := range cp.Agents {
		spec, ok := r.specs[snap.AgentID]
		if !ok {
			spec = &SpawnSpec{
				AgentID:       snap.AgentID,
				Kind:          snap.Kind,
				InitArgs:      snap.InitArgs,
				Instruction:   snap.Instruction,
				View:          snap.View,
				IgnoreSources: snap.IgnoreSources,
			}
			r.specs[snap.AgentID] = spec
		}
		spec.InitialState = snap.State
	}
}

// Start brings the run up: router first, then teams, then one process per
// agent. It returns once every agent has registered, or fails after the
// start timeout.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}

	dir, err := os.MkdirTemp("", "troupe-run-")
	if err != nil {
		return fmt.Errorf("failed to create run dir: %w", err)
	}
	r.specDir = dir

	r.mu.Lock()
	teams := append([]*team.Team(nil), r.teams...)
	specs := make([]*SpawnSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	r.mu.Unlock()

	for _, t := range teams {
		r.rt.RegisterTeam(t.Info())
	}
	if err := r.startTeamHosts(ctx, teams); err != nil {
		return err
	}

	for _, spec := range specs {
		if err := r.spawn(spec); err != nil {
			return err
		}
	}

	return r.awaitRegistrations(ctx, specs, teams)
}

// Run blocks until a stop condition fires, the context is cancelled, or Stop
// is called from elsewhere. Crashed agents are respawned from their last
// state snapshot.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Run cancelled")
			return r.Stop(context.Background())

		case ev := <-r.exited:
			if r.isStopping() {
				continue
			}
			r.logger.Warn("Agent process exited, respawning",
				zap.String("agent_id", ev.agentID),
				zap.Error(ev.err))
			r.publishProcessExited(ev)
			if err := r.respawn(ev.agentID); err != nil {
				r.logger.Error("Respawn failed",
					zap.String("agent_id", ev.agentID),
					zap.Error(err))
			}

		case <-ticker.C:
			if cond := r.metCondition(); cond != "" {
				r.logger.Info("Stop condition met", zap.String("condition", cond))
				return r.Stop(context.Background())
			}
		}
	}
}

// Stop shuts the run down: stop frames to every agent, a grace period for
// voluntary exit, SIGKILL for stragglers, then checkpoint and router
// teardown. Safe to call more than once.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return nil
	}
	r.stopping = true
	procs := make([]*agentProcess, 0, len(r.procs))
	for _, p := range r.procs {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	if r.checkpointPath != "" {
		if err := r.writeCheckpoint(); err != nil {
			r.logger.Error("Checkpoint failed", zap.Error(err))
		}
	}

	r.rt.StopAll()

	grace := r.cfg.Runner.GracePeriod()
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !anyRunning(procs) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	for _, p := range procs {
		if p.running() {
			p.terminate(grace)
		}
	}

	if r.teamCancel != nil {
		r.teamCancel()
		_ = r.teamGroup.Wait()
	}
	for _, c := range r.teamClients {
		c.Close()
	}

	if r.specDir != "" {
		_ = os.RemoveAll(r.specDir)
	}

	r.publish(bus.SubjectRunnerStopped, "runner.stopped", nil)
	r.logger.Info("Run stopped")
	return r.rt.Shutdown(ctx)
}

// Checkpoint captures the current state of every spawned agent. Agents are
// asked for a fresh dump first; the router's last snapshot is used for any
// agent that does not answer in time.
func (r *Runner) Checkpoint() *Checkpoint {
	r.mu.Lock()
	specs := make([]*SpawnSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	r.mu.Unlock()

	for _, spec := range specs {
		if err := r.rt.RequestStateDump(spec.AgentID); err != nil {
			r.logger.Warn("State dump request failed",
				zap.String("agent_id", spec.AgentID),
				zap.Error(err))
		}
	}
	// Give agents a moment to answer the dump request.
	time.Sleep(500 * time.Millisecond)

	cp := &Checkpoint{CreatedAt: time.Now().UTC()}
	for _, spec := range specs {
		snap := AgentSnapshot{
			AgentID:       spec.AgentID,
			Kind:          spec.Kind,
			InitArgs:      spec.InitArgs,
			Instruction:   spec.Instruction,
			View:          spec.View,
			IgnoreSources: spec.IgnoreSources,
		}
		if state, ok := r.rt.StoredState(spec.AgentID); ok {
			snap.State = state
		}
		cp.Agents = append(cp.Agents, snap)
	}
	return cp
}

func (r *Runner) writeCheckpoint() error {
	cp := r.Checkpoint()
	if err := SaveCheckpoint(r.checkpointPath, cp); err != nil {
		return err
	}
	r.publish(bus.SubjectCheckpointSaved, "checkpoint.saved", map[string]interface{}{
		"path":   r.checkpointPath,
		"agents": len(cp.Agents),
	})
	r.logger.Info("Checkpoint written",
		zap.String("path", r.checkpointPath),
		zap.Int("agents", len(cp.Agents)))
	return nil
}

func (r *Runner) spawn(spec *SpawnSpec) error {
	spec.RouterURL = r.rt.URL()
	if spec.IterateIntervalMs == 0 {
		spec.IterateIntervalMs = r.cfg.Runner.IterateIntervalMs
	}

	path, err := WriteSpawnSpec(r.specDir, spec)
	if err != nil {
		return err
	}

	proc := newAgentProcess(spec.AgentID, path, r.exited, r.logger)
	if err := proc.start(); err != nil {
		return fmt.Errorf("failed to spawn %s: %w", spec.AgentID, err)
	}

	r.mu.Lock()
	r.procs[spec.AgentID] = proc
	r.mu.Unlock()

	r.publish(bus.SubjectProcessStarted, "process.started", map[string]interface{}{
		"agent_id": spec.AgentID,
		"kind":     spec.Kind,
	})
	return nil
}

// respawn restarts a crashed agent from the router's last state snapshot, so
// it resumes where it left off rather than reprocessing history.
func (r *Runner) respawn(agentID string) error {
	r.mu.Lock()
	spec, ok := r.specs[agentID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no spawn spec for %s", agentID)
	}

	if state, found := r.rt.StoredState(agentID); found {
		spec.InitialState = state
	}
	return r.spawn(spec)
}

// startTeamHosts runs each team agent inside the runner process: a router
// client, the ordinary passive loop, and a tick pump for periodic work.
func (r *Runner) startTeamHosts(ctx context.Context, teams []*team.Team) error {
	if len(teams) == 0 {
		return nil
	}

	hostCtx, cancel := context.WithCancel(context.Background())
	g, hostCtx := errgroup.WithContext(hostCtx)
	r.teamCancel = cancel
	r.teamGroup = g

	interval := r.cfg.Runner.IterateInterval()

	for _, t := range teams {
		t := t
		cl := client.New(t.ID(), r.rt.URL(), r.logger)
		if err := cl.Connect(ctx); err != nil {
			cancel()
			return fmt.Errorf("failed to connect team %s: %w", t.ID(), err)
		}
		r.teamClients = append(r.teamClients, cl)

		rc := agent.NewRunContext(t.ID())
		rc.TeamInfo = t.Info()
		loop := agent.NewLoop(t, cl, rc, t.InitState(), r.logger)

		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-hostCtx.Done():
					return nil
				case <-ticker.C:
					if cl.Stopped() {
						return nil
					}
					if _, err := loop.Iterate(hostCtx); err != nil {
						r.logger.Error("Team iterate failed",
							zap.String("team", t.ID()),
							zap.Error(err))
					}
					for _, env := range t.Tick(hostCtx, time.Now()) {
						if err := cl.SendMessage(env); err != nil {
							r.logger.Error("Team tick send failed",
								zap.String("team", t.ID()),
								zap.Error(err))
						}
					}
				}
			}
		})
	}
	return nil
}

// awaitRegistrations blocks until every agent and team has registered.
func (r *Runner) awaitRegistrations(ctx context.Context, specs []*SpawnSpec, teams []*team.Team) error {
	want := make([]string, 0, len(specs)+len(teams))
	for _, spec := range specs {
		want = append(want, spec.AgentID)
	}
	for _, t := range teams {
		want = append(want, t.ID())
	}

	deadline := time.Now().Add(r.cfg.Runner.StartTimeout())
	for {
		missing := 0
		for _, id := range want {
			status, ok := r.rt.AgentStatus(id)
			if !ok || status == router.StatusDisconnected {
				missing++
			}
		}
		if missing == 0 {
			r.logger.Info("All agents registered", zap.Int("count", len(want)))
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%d of %d agents failed to register within %v", missing, len(want), r.cfg.Runner.StartTimeout())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (r *Runner) metCondition() string {
	r.mu.Lock()
	conditions := append([]StopCondition(nil), r.conditions...)
	r.mu.Unlock()

	agents := r.rt.Agents()
	for _, cond := range conditions {
		if cond.Met(agents, r.rt.Log()) {
			return cond.Name()
		}
	}
	return ""
}

func (r *Runner) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

func anyRunning(procs []*agentProcess) bool {
	for _, p := range procs {
		if p.running() {
			return true
		}
	}
	return false
}

func (r *Runner) publishProcessExited(ev exitEvent) {
	data := map[string]interface{}{"agent_id": ev.agentID}
	if ev.err != nil {
		data["error"] = ev.err.Error()
	}
	r.publish(bus.SubjectProcessExited, "process.exited", data)
}

func (r *Runner) publish(subject, eventType string, data map[string]interface{}) {
	if r.events == nil {
		return
	}
	event := bus.NewEvent(eventType, "runner", data)
	if err := r.events.Publish(context.Background(), subject, event); err != nil {
		r.logger.Warn("Failed to publish runtime event", zap.String("subject", subject), zap.Error(err))
	}
}
