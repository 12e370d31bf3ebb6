package worktree

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// MetadataFileName is the sidecar file written inside each managed worktree.
const MetadataFileName = ".threadline-meta.json"

// Metadata is the per-worktree sidecar document. It is advisory: cleanup
// uses it to age worktrees and tie them to sessions, but a missing or
// corrupt sidecar never blocks session flow.
type Metadata struct {
	RepoRoot       string    `json:"repoRoot"`
	Branch         string    `json:"branch"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	SessionID      string    `json:"sessionId,omitempty"`
}

// WriteMetadata writes the sidecar into the worktree directory.
func WriteMetadata(worktreePath string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(worktreePath, MetadataFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadMetadata loads the sidecar from a worktree directory. A missing file
// returns nil with no error.
func ReadMetadata(worktreePath string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(worktreePath, MetadataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// RemoveMetadata deletes the sidecar. Missing files are fine.
func RemoveMetadata(worktreePath string) error {
	err := os.Remove(filepath.Join(worktreePath, MetadataFileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
