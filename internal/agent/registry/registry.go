// Package registry holds AI CLI launch profiles: which binary to run, how
// its argv is assembled, and which stderr patterns mark a permanent failure.
// The built-in profiles ship embedded; a user file under ~/.threadline/
// overrides or extends them.
package registry

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var embeddedProfiles []byte

// ArgSpec names the flags a profile's CLI understands. Empty entries mean
// the CLI has no such flag and the feature is unavailable for that profile.
type ArgSpec struct {
	// Base is the fixed argv prefix selecting stream-json I/O and verbose.
	Base []string `yaml:"base"`
	// SessionID is the flag carrying the session UUID.
	SessionID string `yaml:"sessionId"`
	// Resume is the flag used on restarts to continue an existing session.
	Resume string `yaml:"resume"`
	// SkipPermissions bypasses interactive tool approval.
	SkipPermissions string `yaml:"skipPermissions"`
	// MCPConfig passes the platform MCP config (path or inline JSON).
	MCPConfig string `yaml:"mcpConfig"`
	// AppendSystemPrompt appends extra system prompt text.
	AppendSystemPrompt string `yaml:"appendSystemPrompt"`
}

// Profile describes one AI CLI.
type Profile struct {
	ID     string  `yaml:"id"`
	Binary string  `yaml:"binary"`
	Args   ArgSpec `yaml:"args"`
	// PermanentFailurePatterns are stderr substrings that mark the child
	// permanently failed (no auto-resume).
	PermanentFailurePatterns []string `yaml:"permanentFailurePatterns"`
}

// BuildArgs assembles the child argv for one launch.
type BuildArgs struct {
	SessionUUID        string
	Resume             bool
	SkipPermissions    bool
	MCPConfig          string
	AppendSystemPrompt string
	ExtraArgs          []string
}

// Argv renders the launch arguments for this profile.
func (p *Profile) Argv(b BuildArgs) []string {
	args := append([]string(nil), p.Args.Base...)
	if p.Args.SessionID != "" && b.SessionUUID != "" {
		if b.Resume && p.Args.Resume != "" {
			args = append(args, p.Args.Resume, b.SessionUUID)
		} else {
			args = append(args, p.Args.SessionID, b.SessionUUID)
		}
	}
	if b.SkipPermissions && p.Args.SkipPermissions != "" {
		args = append(args, p.Args.SkipPermissions)
	}
	if b.MCPConfig != "" && p.Args.MCPConfig != "" {
		args = append(args, p.Args.MCPConfig, b.MCPConfig)
	}
	if b.AppendSystemPrompt != "" && p.Args.AppendSystemPrompt != "" {
		args = append(args, p.Args.AppendSystemPrompt, b.AppendSystemPrompt)
	}
	return append(args, b.ExtraArgs...)
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// Registry is a loaded set of profiles.
type Registry struct {
	profiles map[string]*Profile
}

// Load parses the embedded profiles and merges the user override file when
// it exists. User profiles with an existing ID replace the embedded entry.
func Load(overridePath string) (*Registry, error) {
	reg := &Registry{profiles: map[string]*Profile{}}
	if err := reg.merge(embeddedProfiles); err != nil {
		return nil, fmt.Errorf("embedded profiles: %w", err)
	}
	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		switch {
		case err == nil:
			if err := reg.merge(data); err != nil {
				return nil, fmt.Errorf("profiles %s: %w", overridePath, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read profiles %s: %w", overridePath, err)
		}
	}
	return reg, nil
}

// DefaultOverridePath is where user profile overrides live.
func DefaultOverridePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".threadline", "profiles.yaml")
}

func (r *Registry) merge(data []byte) error {
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	for i := range file.Profiles {
		p := file.Profiles[i]
		if p.ID == "" {
			return fmt.Errorf("profile %d has no id", i)
		}
		if p.Binary == "" {
			return fmt.Errorf("profile %q has no binary", p.ID)
		}
		r.profiles[p.ID] = &p
	}
	return nil
}

// Get returns the profile with the given ID.
func (r *Registry) Get(id string) (*Profile, error) {
	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent profile %q", id)
	}
	return p, nil
}

// IDs lists the loaded profile IDs.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	return ids
}
