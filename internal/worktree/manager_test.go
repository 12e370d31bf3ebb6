package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/common/logger"
)

// fakeRunner scripts git command results keyed by the joined args.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]fakeResult
	calls   []string
}

type fakeResult struct {
	out string
	err error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: map[string]fakeResult{}}
}

func (r *fakeRunner) on(args string, out string, err error) {
	r.results[args] = fakeResult{out: out, err: err}
}

func (r *fakeRunner) Run(_ context.Context, _ string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	r.mu.Lock()
	r.calls = append(r.calls, key)
	r.mu.Unlock()
	if res, ok := r.results[key]; ok {
		return res.out, res.err
	}
	// Prefix match lets tests script "worktree add" without knowing the
	// generated path suffix.
	for k, res := range r.results {
		if strings.HasPrefix(key, k) {
			return res.out, res.err
		}
	}
	return "", nil
}

func (r *fakeRunner) called(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, runner Runner) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), runner, logger.Default())
	require.NoError(t, err)
	return m
}

func TestIsManagedPath(t *testing.T) {
	m := newTestManager(t, newFakeRunner())

	inside := filepath.Join(m.BaseDir(), "repo--main-abcd1234")
	assert.True(t, m.IsManagedPath(inside))
	assert.False(t, m.IsManagedPath(m.BaseDir()))
	assert.False(t, m.IsManagedPath("/home/user/own-worktree"))
	assert.False(t, m.IsManagedPath(filepath.Join(m.BaseDir(), "..", "elsewhere")))
}

func TestCreateNewBranch(t *testing.T) {
	runner := newFakeRunner()
	// rev-parse --verify fails: branch does not exist yet.
	runner.on("rev-parse --verify --quiet refs/heads/feature/x", "", fmt.Errorf("exit 1"))
	m := newTestManager(t, runner)

	info, err := m.Create(context.Background(), "/repo", "feature/x", "mm:t1")
	require.NoError(t, err)
	assert.Equal(t, "/repo", info.RepoRoot)
	assert.Equal(t, "feature/x", info.Branch)
	assert.True(t, strings.HasPrefix(info.WorktreePath, m.BaseDir()))
	assert.Contains(t, filepath.Base(info.WorktreePath), "feature-x")
	assert.True(t, runner.called("worktree add -b feature/x"))
}

func TestCreateExistingBranch(t *testing.T) {
	runner := newFakeRunner()
	// Default fake result is success, so the branch "exists".
	m := newTestManager(t, runner)

	_, err := m.Create(context.Background(), "/repo", "main", "")
	require.NoError(t, err)
	assert.True(t, runner.called("worktree add "+m.BaseDir()))
}

func TestCreateRejectsBadBranch(t *testing.T) {
	m := newTestManager(t, newFakeRunner())
	_, err := m.Create(context.Background(), "/repo", "x..y", "")
	assert.ErrorIs(t, err, ErrInvalidBranchName)
}

func TestCreateWritesSidecar(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, runner)

	info, err := m.Create(context.Background(), "/repo", "main", "mm:t1")
	require.NoError(t, err)

	// The fake runner does not create the directory; make it so the
	// sidecar write can land.
	require.NoError(t, os.MkdirAll(info.WorktreePath, 0o755))
	require.NoError(t, WriteMetadata(info.WorktreePath, &Metadata{
		RepoRoot: "/repo", Branch: "main",
		CreatedAt: time.Now().UTC(), LastActivityAt: time.Now().UTC(),
		SessionID: "mm:t1",
	}))

	meta, err := ReadMetadata(info.WorktreePath)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "mm:t1", meta.SessionID)
	assert.False(t, meta.LastActivityAt.Before(meta.CreatedAt))
}

func TestTouchActivity(t *testing.T) {
	m := newTestManager(t, newFakeRunner())
	dir := filepath.Join(m.BaseDir(), "repo--main-ab12cd34")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	created := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, WriteMetadata(dir, &Metadata{
		RepoRoot: "/repo", Branch: "main",
		CreatedAt: created, LastActivityAt: created,
	}))

	m.TouchActivity(dir, "mm:t9")

	meta, err := ReadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, "mm:t9", meta.SessionID)
	assert.True(t, meta.LastActivityAt.After(created))
}

func TestRemoveRefusesUnmanagedPath(t *testing.T) {
	m := newTestManager(t, newFakeRunner())
	err := m.Remove(context.Background(), &Info{
		RepoRoot:     "/repo",
		WorktreePath: "/home/user/own-worktree",
		Branch:       "main",
	})
	assert.ErrorIs(t, err, ErrNotManaged)
}

func TestRemoveFallbackChain(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(t, runner)
	dir := filepath.Join(m.BaseDir(), "repo--main-ab12cd34")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	runner.on("worktree remove "+dir, "", fmt.Errorf("dirty"))
	runner.on("worktree remove --force "+dir, "", fmt.Errorf("still dirty"))

	err := m.Remove(context.Background(), &Info{RepoRoot: "/repo", WorktreePath: dir, Branch: "main"})
	require.NoError(t, err)
	assert.NoDirExists(t, dir)
	assert.True(t, runner.called("worktree prune"))
}

func TestParsePorcelain(t *testing.T) {
	out := `worktree /repo
HEAD 1111111111111111111111111111111111111111
branch refs/heads/main

worktree /tmp/worktrees/repo--feat-x-ab12cd34
HEAD 2222222222222222222222222222222222222222
branch refs/heads/feat/x

worktree /srv/bare
bare
`
	entries := parsePorcelain(out)
	require.Len(t, entries, 3)
	assert.Equal(t, "main", entries[0].Branch)
	assert.Equal(t, "feat/x", entries[1].Branch)
	assert.True(t, entries[2].Bare)
}

func TestIsBranchMerged(t *testing.T) {
	runner := newFakeRunner()
	runner.on("symbolic-ref refs/remotes/origin/HEAD", "refs/remotes/origin/main", nil)
	m := newTestManager(t, runner)

	merged, err := m.IsBranchMerged(context.Background(), "/repo", "feature/done")
	require.NoError(t, err)
	assert.True(t, merged)

	runner.on("merge-base --is-ancestor feature/open main", "", fmt.Errorf("exit 1"))
	merged, err = m.IsBranchMerged(context.Background(), "/repo", "feature/open")
	require.NoError(t, err)
	assert.False(t, merged)

	// The default branch is trivially merged.
	merged, err = m.IsBranchMerged(context.Background(), "/repo", "main")
	require.NoError(t, err)
	assert.True(t, merged)
}

func TestDefaultBranchFallback(t *testing.T) {
	runner := newFakeRunner()
	runner.on("symbolic-ref refs/remotes/origin/HEAD", "", fmt.Errorf("no origin"))
	runner.on("rev-parse --verify --quiet refs/heads/main", "", fmt.Errorf("missing"))
	m := newTestManager(t, runner)

	assert.Equal(t, "master", m.DefaultBranch(context.Background(), "/repo"))
}

func TestHasUncommittedChanges(t *testing.T) {
	runner := newFakeRunner()
	runner.on("status --porcelain", " M file.go\n?? new.go", nil)
	m := newTestManager(t, runner)

	dirty, err := m.HasUncommittedChanges(context.Background(), "/repo")
	require.NoError(t, err)
	assert.True(t, dirty)

	runner.on("status --porcelain", "", nil)
	dirty, err = m.HasUncommittedChanges(context.Background(), "/repo")
	require.NoError(t, err)
	assert.False(t, dirty)
}
