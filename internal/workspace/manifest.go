// Package workspace loads troupe.yaml manifests and turns them into a
// configured runner, plus the `create` scaffolding for new workspaces.
package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestName is the file every workspace directory must contain.
const ManifestName = "troupe.yaml"

// ErrNotFound means the workspace directory or its manifest does not exist.
var ErrNotFound = errors.New("workspace not found")

// Manifest is the parsed troupe.yaml.
type Manifest struct {
	Name     string          `yaml:"name"`
	Agents   []AgentDecl     `yaml:"agents"`
	Channels []ChannelDecl   `yaml:"channels,omitempty"`
	Teams    []TeamDecl      `yaml:"teams,omitempty"`
	Kickoff  *KickoffDecl    `yaml:"kickoff,omitempty"`
	Stop     *StopDecl       `yaml:"stop,omitempty"`

	// Checkpoint enables a final state capture on stop, written to this
	// path relative to the workspace directory.
	Checkpoint string `yaml:"checkpoint,omitempty"`
}

// AgentDecl declares one spawned agent.
type AgentDecl struct {
	Name          string         `yaml:"name"`
	Kind          string         `yaml:"kind"`
	Init          map[string]any `yaml:"init,omitempty"`
	Instruction   string         `yaml:"instruction,omitempty"`
	View          *ViewDecl      `yaml:"view,omitempty"`
	IgnoreSources []string       `yaml:"ignore_sources,omitempty"`
}

// ViewDecl selects how the agent's conversation history is scoped around
// each message it answers.
type ViewDecl struct {
	Kind                  string `yaml:"kind"`
	IncludeInternalEvents bool   `yaml:"include_internal_events,omitempty"`
}

// ChannelDecl declares a named multi-member channel.
type ChannelDecl struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

// TeamDecl declares a team hosted by the runner. VotingStrategy configures
// the voting service; it defaults to MAJORITY_VOTE.
type TeamDecl struct {
	Name           string             `yaml:"name"`
	Members        []string           `yaml:"members"`
	Collaboration  *CollaborationDecl `yaml:"collaboration,omitempty"`
	Services       []string           `yaml:"services,omitempty"`
	VotingStrategy string             `yaml:"voting_strategy,omitempty"`
}

// CollaborationDecl configures how the team coordinates its members.
type CollaborationDecl struct {
	Type                 string `yaml:"type"`
	Coordinator          string `yaml:"coordinator,omitempty"`
	CheckIntervalSeconds int    `yaml:"check_interval_seconds,omitempty"`
	TimeLimitSeconds     int    `yaml:"time_limit_seconds,omitempty"`
}

// KickoffDecl is the message injected when the run starts. The CLI's -i
// flag overrides Content.
type KickoffDecl struct {
	Destination string `yaml:"destination,omitempty"`
	Channel     string `yaml:"channel,omitempty"`
	Content     string `yaml:"content,omitempty"`
}

// StopDecl declares when the run is considered finished.
type StopDecl struct {
	NoActivitySeconds int               `yaml:"no_activity_seconds,omitempty"`
	MessageMatch      *MessageMatchDecl `yaml:"message_match,omitempty"`
}

// MessageMatchDecl stops the run when a matching message is logged.
type MessageMatchDecl struct {
	Source      string `yaml:"source,omitempty"`
	Destination string `yaml:"destination,omitempty"`
	Channel     string `yaml:"channel,omitempty"`
	Contains    string `yaml:"contains,omitempty"`
}

// Load reads and validates the manifest of the workspace at dir.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ManifestName, err)
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if len(m.Agents) == 0 {
		return fmt.Errorf("manifest: at least one agent is required")
	}

	agents := make(map[string]bool, len(m.Agents))
	for _, a := range m.Agents {
		if a.Name == "" {
			return fmt.Errorf("manifest: agent with empty name")
		}
		if a.Kind == "" {
			return fmt.Errorf("manifest: agent %q has no kind", a.Name)
		}
		if agents[a.Name] {
			return fmt.Errorf("manifest: duplicate agent %q", a.Name)
		}
		agents[a.Name] = true
	}

	for _, ch := range m.Channels {
		if ch.Name == "" {
			return fmt.Errorf("manifest: channel with empty name")
		}
		if len(ch.Members) == 0 {
			return fmt.Errorf("manifest: channel %q has no members", ch.Name)
		}
		for _, member := range ch.Members {
			if !agents[member] {
				return fmt.Errorf("manifest: channel %q references unknown agent %q", ch.Name, member)
			}
		}
	}

	for _, t := range m.Teams {
		if t.Name == "" {
			return fmt.Errorf("manifest: team with empty name")
		}
		if len(t.Members) == 0 {
			return fmt.Errorf("manifest: team %q has no members", t.Name)
		}
		for _, member := range t.Members {
			if !agents[member] {
				return fmt.Errorf("manifest: team %q references unknown agent %q", t.Name, member)
			}
		}
		if err := t.validateCollaboration(); err != nil {
			return err
		}
		for _, svc := range t.Services {
			switch svc {
			case "voting", "scratchpad", "storage", "toolbox":
			default:
				return fmt.Errorf("manifest: team %q has unknown service %q", t.Name, svc)
			}
		}
		switch t.VotingStrategy {
		case "", "FIRST_COME_FIRST_SERVE", "MAJORITY_VOTE", "PLURALITY_VOTE":
		default:
			return fmt.Errorf("manifest: team %q has unknown voting strategy %q", t.Name, t.VotingStrategy)
		}
	}

	if m.Kickoff != nil {
		if m.Kickoff.Destination == "" && m.Kickoff.Channel == "" {
			return fmt.Errorf("manifest: kickoff needs a destination or a channel")
		}
	}
	return nil
}

func (t *TeamDecl) validateCollaboration() error {
	c := t.Collaboration
	if c == nil {
		return nil
	}
	switch c.Type {
	case "centralized":
		if c.Coordinator == "" {
			return fmt.Errorf("manifest: centralized team %q needs a coordinator", t.Name)
		}
		found := false
		for _, member := range t.Members {
			if member == c.Coordinator {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("manifest: team %q coordinator %q is not a member", t.Name, c.Coordinator)
		}
	case "decentralized":
		hasVoting := false
		for _, svc := range t.Services {
			if svc == "voting" {
				hasVoting = true
				break
			}
		}
		if !hasVoting {
			return fmt.Errorf("manifest: decentralized team %q needs the voting service", t.Name)
		}
	default:
		return fmt.Errorf("manifest: team %q has unknown collaboration type %q", t.Name, c.Type)
	}
	return nil
}
