package runner

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/troupelabs/troupe/internal/common/logger"
)

// agentProcess is one hosted OS process. The runner re-execs its own binary
// in agent-host mode with the spawn spec path as the only argument.
type agentProcess struct {
	agentID  string
	specPath string
	logger   *logger.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	started time.Time
	exited  chan exitEvent
}

type exitEvent struct {
	agentID string
	err     error
}

func newAgentProcess(agentID, specPath string, exited chan exitEvent, log *logger.Logger) *agentProcess {
	return &agentProcess{
		agentID:  agentID,
		specPath: specPath,
		exited:   exited,
		logger:   log.WithFields(zap.String("component", "agent_process"), zap.String("agent_id", agentID)),
	}
}

// start spawns the host process in its own process group so stop can kill
// the whole subtree.
func (p *agentProcess) start() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve own binary: %w", err)
	}

	cmd := exec.Command(self, "agent-host", "--spec", p.specPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent host: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.started = time.Now()
	p.mu.Unlock()

	p.logger.Info("Agent process started", zap.Int("pid", cmd.Process.Pid))

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.cmd = nil
		p.mu.Unlock()
		p.exited <- exitEvent{agentID: p.agentID, err: err}
	}()
	return nil
}

// running reports whether the OS process is alive.
func (p *agentProcess) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil
}

// terminate sends SIGTERM to the process group, escalating to SIGKILL after
// the grace period. The agent is expected to have received a stop frame
// already; the signal is the backstop.
func (p *agentProcess) terminate(grace time.Duration) {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	// Negative pid signals the whole group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		p.logger.Warn("SIGTERM failed", zap.Error(err))
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !p.running() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	p.logger.Warn("Grace period expired, sending SIGKILL")
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		p.logger.Warn("SIGKILL failed", zap.Error(err))
	}
}
