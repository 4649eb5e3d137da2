package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/troupelabs/troupe/internal/agent"
)

// AgentSnapshot captures everything needed to rebuild one agent: the kind
// and init args to reconstruct the behavior, and the serialized state to
// resume from.
type AgentSnapshot struct {
	AgentID       string             `json:"agent_id"`
	Kind          string             `json:"kind"`
	InitArgs      json.RawMessage    `json:"init_args,omitempty"`
	Instruction   string             `json:"instruction,omitempty"`
	View          agent.ViewSelector `json:"view"`
	IgnoreSources []string           `json:"ignore_sources,omitempty"`
	State         json.RawMessage    `json:"state,omitempty"`
}

// Checkpoint is a point-in-time capture of a whole run's agents.
type Checkpoint struct {
	CreatedAt time.Time       `json:"created_at"`
	Agents    []AgentSnapshot `json:"agents"`
}

// SaveCheckpoint writes the checkpoint to a file, atomically via a temp file
// in the same directory.
func SaveCheckpoint(path string, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return &cp, nil
}
