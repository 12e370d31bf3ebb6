package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmbedded(t *testing.T) {
	reg, err := Load("")
	require.NoError(t, err)

	p, err := reg.Get("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", p.Binary)
	assert.Contains(t, p.Args.Base, "--verbose")
	assert.Contains(t, p.PermanentFailurePatterns, "Invalid API key")
}

func TestGetUnknown(t *testing.T) {
	reg, err := Load("")
	require.NoError(t, err)

	_, err = reg.Get("codex")
	assert.Error(t, err)
}

func TestArgvFreshStart(t *testing.T) {
	reg, err := Load("")
	require.NoError(t, err)
	p, err := reg.Get("claude")
	require.NoError(t, err)

	args := p.Argv(BuildArgs{
		SessionUUID:     "abc-123",
		SkipPermissions: true,
		MCPConfig:       `{"mcpServers":{}}`,
	})

	assert.Contains(t, args, "--session-id")
	assert.Contains(t, args, "abc-123")
	assert.NotContains(t, args, "--resume")
	assert.Contains(t, args, "--dangerously-skip-permissions")
	assert.Contains(t, args, "--mcp-config")
}

func TestArgvResume(t *testing.T) {
	reg, err := Load("")
	require.NoError(t, err)
	p, err := reg.Get("claude")
	require.NoError(t, err)

	args := p.Argv(BuildArgs{
		SessionUUID:        "abc-123",
		Resume:             true,
		AppendSystemPrompt: "be brief",
		ExtraArgs:          []string{"--model", "opus"},
	})

	assert.Contains(t, args, "--resume")
	assert.NotContains(t, args, "--session-id")
	assert.Contains(t, args, "--append-system-prompt")
	assert.Equal(t, "opus", args[len(args)-1])
}

func TestUserOverride(t *testing.T) {
	dir := t.TempDir()
	override := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(override, []byte(`
profiles:
  - id: claude
    binary: /opt/claude/bin/claude
    args:
      base: ["--output-format", "stream-json"]
  - id: local
    binary: my-agent
`), 0o644))

	reg, err := Load(override)
	require.NoError(t, err)

	p, err := reg.Get("claude")
	require.NoError(t, err)
	assert.Equal(t, "/opt/claude/bin/claude", p.Binary)

	_, err = reg.Get("local")
	assert.NoError(t, err)
}

func TestOverrideMissingFileIgnored(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	_, err = reg.Get("claude")
	assert.NoError(t, err)
}
