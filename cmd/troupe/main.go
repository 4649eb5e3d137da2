package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/troupelabs/troupe/internal/common/config"
	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/internal/debug"
	"github.com/troupelabs/troupe/internal/events/bus"
	"github.com/troupelabs/troupe/internal/host"
	"github.com/troupelabs/troupe/internal/runner"
	"github.com/troupelabs/troupe/internal/workspace"
)

// Exit codes used by the CLI.
const (
	exitOK           = 0
	exitNotFound     = 1
	exitConfigError  = 2
	exitRuntimeError = 3
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfigError)
	}

	switch os.Args[1] {
	case "create":
		os.Exit(runCreate(os.Args[2:]))
	case "run":
		os.Exit(runRun(os.Args[2:]))
	case "agent-host":
		// Internal: the runner re-execs this binary in agent-host mode.
		runAgentHost(os.Args[2:])
	default:
		usage()
		os.Exit(exitConfigError)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  troupe create -w NAME            scaffold a new workspace
  troupe run -w NAME [flags]       run a workspace

run flags:
  -i INPUT         kickoff message content (overrides the manifest)
  --restore PATH   resume agents from a checkpoint file
  --debug          enable the HTTP inspector
  --debug-port N   inspector port (default from config)`)
}

func runCreate(args []string) int {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("w", "", "workspace name")
	_ = fs.Parse(args)

	if *name == "" {
		fmt.Fprintln(os.Stderr, "create: -w NAME is required")
		return exitConfigError
	}

	dir, err := workspace.Create(".", *name)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create:", err)
		return exitConfigError
	}
	fmt.Printf("Created workspace %s\n", dir)
	return exitOK
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	name := fs.String("w", "", "workspace name")
	input := fs.String("i", "", "kickoff message content")
	restore := fs.String("restore", "", "checkpoint file to resume from")
	debugEnabled := fs.Bool("debug", false, "enable the HTTP inspector")
	debugPort := fs.Int("debug-port", 0, "inspector port")
	_ = fs.Parse(args)

	if *name == "" {
		fmt.Fprintln(os.Stderr, "run: -w NAME is required")
		return exitConfigError
	}

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitConfigError
	}
	if *debugEnabled {
		cfg.Debug.Enabled = true
	}
	if *debugPort > 0 {
		cfg.Debug.Port = *debugPort
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitConfigError
	}
	defer log.Sync()
	logger.SetDefault(log)

	// 3. Load the workspace manifest
	manifest, err := workspace.Load(*name)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Workspace not found: %s\n", *name)
			return exitNotFound
		}
		fmt.Fprintf(os.Stderr, "Invalid workspace: %v\n", err)
		return exitConfigError
	}
	log.Info("Loaded workspace", zap.String("name", manifest.Name))

	// 4. Connect the event bus (in-memory unless a NATS URL is configured)
	eventBus, err := bus.New(cfg.Events, log)
	if err != nil {
		log.Error("Failed to connect event bus", zap.Error(err))
		return exitRuntimeError
	}
	defer eventBus.Close()

	// 5. Assemble the runner from the manifest
	r, err := workspace.Build(manifest, *name, cfg, eventBus, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid workspace: %v\n", err)
		return exitConfigError
	}

	// 6. Restore from checkpoint when asked
	if *restore != "" {
		cp, err := runner.LoadCheckpoint(*restore)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load checkpoint: %v\n", err)
			return exitConfigError
		}
		r.RestoreCheckpoint(cp)
		log.Info("Restored checkpoint",
			zap.String("path", *restore),
			zap.Int("agents", len(cp.Agents)))
	}

	// 7. Create context cancelled on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 8. Start the run: router, teams, one process per agent
	if err := r.Start(ctx); err != nil {
		log.Error("Failed to start run", zap.Error(err))
		_ = r.Stop(context.Background())
		return exitRuntimeError
	}

	// 9. Start the debug inspector when enabled
	if cfg.Debug.Enabled {
		inspector := debug.NewServer(cfg.Debug, r.Router(), eventBus, log)
		if err := inspector.Start(); err != nil {
			log.Error("Failed to start debug inspector", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := inspector.Shutdown(shutdownCtx); err != nil {
					log.Warn("Inspector shutdown error", zap.Error(err))
				}
			}()
		}
	}

	// 10. Inject the kickoff message
	if env := manifest.KickoffEnvelope(*input); env != nil {
		r.Kickoff(env)
	}

	// 11. Block until a stop condition fires or a signal arrives
	if err := r.Run(ctx); err != nil {
		log.Error("Run failed", zap.Error(err))
		return exitRuntimeError
	}
	return exitOK
}

func runAgentHost(args []string) {
	fs := flag.NewFlagSet("agent-host", flag.ExitOnError)
	specPath := fs.String("spec", "", "spawn spec file")
	_ = fs.Parse(args)

	if *specPath == "" {
		fmt.Fprintln(os.Stderr, "agent-host: --spec is required")
		os.Exit(host.ExitFailed)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "info", Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(host.ExitFailed)
	}
	defer log.Sync()
	logger.SetDefault(log)

	host.Main(*specPath, log)
}
