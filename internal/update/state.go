package update

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// State is the restart handoff record. The coordinator writes it right
// before exiting for an update; the next process run reads it to announce
// the outcome and offer rollback instructions.
type State struct {
	PreviousVersion string     `json:"previousVersion,omitempty"`
	TargetVersion   string     `json:"targetVersion,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	JustUpdated     bool       `json:"justUpdated,omitempty"`
	LastCheckAt     *time.Time `json:"lastCheckAt,omitempty"`
	DeferredUntil   *time.Time `json:"deferredUntil,omitempty"`
}

// loadState reads the state file. A missing file yields an empty state.
func loadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &State{}, nil
	}
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// saveState writes the state atomically (tmp + rename).
func saveState(path string, st *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
