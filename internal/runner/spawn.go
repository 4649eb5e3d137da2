package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/troupelabs/troupe/internal/agent"
)

// SpawnSpec tells an agent-host process everything it needs to run one agent:
// which behavior to build, how to reach the router, and what state to resume
// from. It travels as a JSON file whose path is passed to the child.
type SpawnSpec struct {
	AgentID     string             `json:"agent_id"`
	Kind        string             `json:"kind"`
	InitArgs    json.RawMessage    `json:"init_args,omitempty"`
	Instruction string             `json:"instruction,omitempty"`
	View        agent.ViewSelector `json:"view"`
	// IgnoreSources lists sender ids the agent consumes without responding.
	IgnoreSources []string `json:"ignore_sources,omitempty"`
	RouterURL     string   `json:"router_url"`
	// InitialState, when present, restores the agent instead of starting
	// fresh. Used for respawn after a crash and for checkpoint restore.
	InitialState json.RawMessage `json:"initial_state,omitempty"`
	// IterateIntervalMs overrides the host's iterate cadence when positive.
	IterateIntervalMs int `json:"iterate_interval_ms,omitempty"`
}

// WriteSpawnSpec serializes the spec into dir and returns the file path.
func WriteSpawnSpec(dir string, spec *SpawnSpec) (string, error) {
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal spawn spec: %w", err)
	}
	path := filepath.Join(dir, "spawn-"+spec.AgentID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write spawn spec: %w", err)
	}
	return path, nil
}

// ReadSpawnSpec loads a spec written by WriteSpawnSpec.
func ReadSpawnSpec(path string) (*SpawnSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spawn spec: %w", err)
	}
	var spec SpawnSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse spawn spec: %w", err)
	}
	if spec.AgentID == "" || spec.Kind == "" {
		return nil, fmt.Errorf("spawn spec needs agent_id and kind")
	}
	return &spec, nil
}
