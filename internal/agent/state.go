package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// State is what survives agent restarts: the server-assigned identity and
// whatever sync_config updates the hub has pushed down.
type State struct {
	AgentID       string         `json:"agent_id,omitempty"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
	SyncConfig    map[string]any `json:"sync_config,omitempty"`
}

// LoadState reads the state file. A missing file is a fresh agent, not an
// error.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return &st, nil
}

// Save writes the state atomically via a temp file rename.
func (s *State) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// MergeSyncConfig folds a pushed sync_config payload into the state.
// Reapplying the same payload is a no-op.
func (s *State) MergeSyncConfig(payload map[string]any) {
	if len(payload) == 0 {
		return
	}
	if s.SyncConfig == nil {
		s.SyncConfig = make(map[string]any, len(payload))
	}
	for k, v := range payload {
		s.SyncConfig[k] = v
	}
}
