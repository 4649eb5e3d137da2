package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/troupelabs/troupe/internal/agent"
	"github.com/troupelabs/troupe/internal/common/config"
	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/internal/events/bus"
	"github.com/troupelabs/troupe/internal/runner"
	"github.com/troupelabs/troupe/internal/team"
	"github.com/troupelabs/troupe/pkg/envelope"
)

// manifestTemplate is the troupe.yaml written by Create. It describes a
// two-agent echo pair that runs end to end with no further setup.
const manifestTemplate = `name: %s

agents:
  - name: alice
    kind: echo
    init:
      prefix: "alice heard: "
    view:
      kind: global
  - name: bob
    kind: echo
    init:
      prefix: "bob heard: "
    view:
      kind: global

channels:
  - name: general
    members: [alice, bob]

kickoff:
  channel: general
  content: "hello"

stop:
  no_activity_seconds: 10
`

// Create scaffolds a new workspace directory with a template manifest. It
// fails if the directory already contains a manifest.
func Create(baseDir, name string) (string, error) {
	dir := filepath.Join(baseDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace dir: %w", err)
	}

	path := filepath.Join(dir, ManifestName)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("workspace %s already has a %s", name, ManifestName)
	}

	content := fmt.Sprintf(manifestTemplate, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	return dir, nil
}

// Build assembles a runner from the manifest: spawn specs for every agent,
// channels, teams with their collaborations and services, stop conditions,
// and the checkpoint path. Paths in the manifest resolve relative to dir.
func Build(m *Manifest, dir string, cfg *config.Config, events bus.EventBus, log *logger.Logger) (*runner.Runner, error) {
	r := runner.New(cfg, events, log)

	for _, decl := range m.Agents {
		spec, err := toSpawnSpec(decl)
		if err != nil {
			return nil, err
		}
		r.AddAgent(spec)
	}

	for _, decl := range m.Channels {
		r.RegisterChannel(&envelope.Channel{Name: decl.Name, Members: decl.Members})
	}

	for _, decl := range m.Teams {
		t, err := buildTeam(decl, log)
		if err != nil {
			return nil, err
		}
		r.AddTeam(t)
	}

	if m.Stop != nil {
		if m.Stop.NoActivitySeconds > 0 {
			window := time.Duration(m.Stop.NoActivitySeconds) * time.Second
			r.AddStopCondition(runner.NewNoActivityCondition(window))
		}
		if mm := m.Stop.MessageMatch; mm != nil {
			r.AddStopCondition(&runner.MessageMatchCondition{
				Source:      mm.Source,
				Destination: mm.Destination,
				Channel:     mm.Channel,
				Contains:    mm.Contains,
			})
		}
	}

	if m.Checkpoint != "" {
		path := m.Checkpoint
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		r.SetCheckpointPath(path)
	}

	return r, nil
}

// KickoffEnvelope builds the run's opening message. The input argument, when
// non-empty, overrides the manifest's kickoff content.
func (m *Manifest) KickoffEnvelope(input string) *envelope.Envelope {
	decl := m.Kickoff
	if decl == nil {
		if input == "" {
			return nil
		}
		decl = &KickoffDecl{Destination: m.Agents[0].Name}
	}

	content := decl.Content
	if input != "" {
		content = input
	}

	env := envelope.New("user", decl.Destination, content)
	env.Channel = decl.Channel
	return env
}

func toSpawnSpec(decl AgentDecl) (*runner.SpawnSpec, error) {
	spec := &runner.SpawnSpec{
		AgentID:       decl.Name,
		Kind:          decl.Kind,
		Instruction:   decl.Instruction,
		IgnoreSources: decl.IgnoreSources,
		View:          agent.ViewSelector{Kind: agent.ViewGlobal},
	}

	if decl.Init != nil {
		raw, err := json.Marshal(decl.Init)
		if err != nil {
			return nil, fmt.Errorf("manifest: agent %q init args: %w", decl.Name, err)
		}
		spec.InitArgs = raw
	}

	if v := decl.View; v != nil {
		spec.View = agent.ViewSelector{
			Kind:                  agent.ViewKind(v.Kind),
			IncludeInternalEvents: v.IncludeInternalEvents,
		}
		switch spec.View.Kind {
		case agent.ViewDirect, agent.ViewChannel, agent.ViewGlobal:
		default:
			return nil, fmt.Errorf("manifest: agent %q has unknown view kind %q", decl.Name, v.Kind)
		}
	}

	return spec, nil
}

func buildTeam(decl TeamDecl, log *logger.Logger) (*team.Team, error) {
	teamID := "team:" + decl.Name

	var voting *team.VotingService
	var services []team.Service
	for _, name := range decl.Services {
		switch name {
		case "voting":
			svc, err := team.NewVotingService(teamID, decl.Members, team.VotingStrategy(decl.VotingStrategy), 0, log)
			if err != nil {
				return nil, fmt.Errorf("manifest: team %q voting: %w", decl.Name, err)
			}
			voting = svc
			services = append(services, voting)
		case "scratchpad":
			services = append(services, team.NewScratchpadService(log))
		case "storage":
			svc, err := team.NewStorageService(decl.Name, log)
			if err != nil {
				return nil, fmt.Errorf("manifest: team %q storage: %w", decl.Name, err)
			}
			services = append(services, svc)
		case "toolbox":
			services = append(services, team.NewToolboxService(teamID, log))
		}
	}

	var collab team.Collaboration
	if c := decl.Collaboration; c != nil {
		switch c.Type {
		case "centralized":
			collab = team.NewCentralized(teamID, c.Coordinator, log)
		case "decentralized":
			checkInterval := team.DefaultCheckInterval
			if c.CheckIntervalSeconds > 0 {
				checkInterval = time.Duration(c.CheckIntervalSeconds) * time.Second
			}
			timeLimit := team.DefaultTimeLimit
			if c.TimeLimitSeconds > 0 {
				timeLimit = time.Duration(c.TimeLimitSeconds) * time.Second
			}
			collab = team.NewDecentralized(teamID, decl.Members, voting, checkInterval, timeLimit, log)
		}
	}

	return team.New(decl.Name, decl.Members, collab, services, log), nil
}
