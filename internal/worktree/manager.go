// Package worktree manages git worktrees for session isolation. All managed
// worktrees live under one central base directory; a sidecar file inside
// each ties it back to its repository, branch, and session so the cleanup
// scheduler can age out orphans.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
)

// ErrNotManaged is returned for destructive operations on paths outside the
// central worktree directory.
var ErrNotManaged = errors.New("path is not a managed worktree")

// Info identifies one worktree binding for a session.
type Info struct {
	RepoRoot     string `json:"repoRoot"`
	WorktreePath string `json:"worktreePath"`
	Branch       string `json:"branch"`
}

// Entry is one row of a `git worktree list` parse.
type Entry struct {
	Path   string
	Head   string
	Branch string
	Bare   bool
}

// Manager creates, lists, and removes managed worktrees.
type Manager struct {
	baseDir string
	runner  Runner
	log     *logger.Logger

	// repoLocks serializes worktree mutations per repository; concurrent
	// `git worktree add` against one repo races on the metadata dir.
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a manager rooted at baseDir, creating it when missing.
func NewManager(baseDir string, runner Runner, log *logger.Logger) (*Manager, error) {
	if runner == nil {
		runner = NewGitRunner()
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve worktree base dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base dir: %w", err)
	}
	return &Manager{
		baseDir:   abs,
		runner:    runner,
		log:       log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// BaseDir returns the central worktree directory.
func (m *Manager) BaseDir() string { return m.baseDir }

func (m *Manager) repoLock(repoRoot string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	lock, ok := m.repoLocks[repoRoot]
	if !ok {
		lock = &sync.Mutex{}
		m.repoLocks[repoRoot] = lock
	}
	return lock
}

// IsManagedPath reports whether path lives under the central worktree
// directory. Destructive operations refuse anything else.
func (m *Manager) IsManagedPath(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(m.baseDir, abs)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// RepoRoot resolves the repository top level for a directory.
func (m *Manager) RepoRoot(ctx context.Context, dir string) (string, error) {
	out, err := m.runner.Run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("not a git repository: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// HasUncommittedChanges reports whether the repo has staged or unstaged
// changes (untracked files included).
func (m *Manager) HasUncommittedChanges(ctx context.Context, repoRoot string) (bool, error) {
	out, err := m.runner.Run(ctx, repoRoot, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Create adds a worktree for branch under the central directory, reusing
// the branch when it already exists and creating it with -b otherwise. The
// sidecar is written before returning; a sidecar write failure is warned
// and swallowed.
func (m *Manager) Create(ctx context.Context, repoRoot, branch, sessionID string) (*Info, error) {
	if err := ValidateBranchName(branch); err != nil {
		return nil, err
	}
	lock := m.repoLock(repoRoot)
	lock.Lock()
	defer lock.Unlock()

	dirName := fmt.Sprintf("%s--%s-%s", encodeRepoPath(repoRoot), sanitizeBranchForDir(branch), uuid.New().String()[:8])
	worktreePath := filepath.Join(m.baseDir, dirName)

	args := []string{"worktree", "add"}
	if m.branchExists(ctx, repoRoot, branch) {
		args = append(args, worktreePath, branch)
	} else {
		args = append(args, "-b", branch, worktreePath)
	}
	if out, err := m.runner.Run(ctx, repoRoot, args...); err != nil {
		return nil, fmt.Errorf("worktree add failed: %w: %s", err, out)
	}

	now := time.Now().UTC()
	meta := &Metadata{
		RepoRoot:       repoRoot,
		Branch:         branch,
		CreatedAt:      now,
		LastActivityAt: now,
		SessionID:      sessionID,
	}
	if err := WriteMetadata(worktreePath, meta); err != nil {
		m.log.Warn("worktree sidecar write failed",
			zap.String("path", worktreePath), zap.Error(err))
	}

	m.log.Info("created worktree",
		zap.String("repo", repoRoot),
		zap.String("branch", branch),
		zap.String("path", worktreePath))

	return &Info{RepoRoot: repoRoot, WorktreePath: worktreePath, Branch: branch}, nil
}

func (m *Manager) branchExists(ctx context.Context, repoRoot, branch string) bool {
	_, err := m.runner.Run(ctx, repoRoot, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// List parses `git worktree list --porcelain` for a repository.
func (m *Manager) List(ctx context.Context, repoRoot string) ([]Entry, error) {
	out, err := m.runner.Run(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

func parsePorcelain(out string) []Entry {
	var entries []Entry
	var cur *Entry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			if cur != nil {
				entries = append(entries, *cur)
				cur = nil
			}
		case strings.HasPrefix(line, "worktree "):
			if cur != nil {
				entries = append(entries, *cur)
			}
			cur = &Entry{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			if cur != nil {
				cur.Head = strings.TrimPrefix(line, "HEAD ")
			}
		case strings.HasPrefix(line, "branch "):
			if cur != nil {
				cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			}
		case line == "bare":
			if cur != nil {
				cur.Bare = true
			}
		}
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	return entries
}

// Remove deletes a managed worktree: clean remove first, force remove next,
// recursive delete as the last resort, then a prune so git forgets the
// registration. Paths outside the central directory are refused.
func (m *Manager) Remove(ctx context.Context, info *Info) error {
	if !m.IsManagedPath(info.WorktreePath) {
		return fmt.Errorf("%w: %s", ErrNotManaged, info.WorktreePath)
	}
	lock := m.repoLock(info.RepoRoot)
	lock.Lock()
	defer lock.Unlock()

	if err := RemoveMetadata(info.WorktreePath); err != nil {
		m.log.Debug("sidecar remove failed", zap.Error(err))
	}

	if _, err := m.runner.Run(ctx, info.RepoRoot, "worktree", "remove", info.WorktreePath); err == nil {
		return nil
	}
	if _, err := m.runner.Run(ctx, info.RepoRoot, "worktree", "remove", "--force", info.WorktreePath); err == nil {
		return nil
	}
	if err := os.RemoveAll(info.WorktreePath); err != nil {
		return fmt.Errorf("remove worktree dir: %w", err)
	}
	if _, err := m.runner.Run(ctx, info.RepoRoot, "worktree", "prune"); err != nil {
		m.log.Debug("worktree prune failed", zap.Error(err))
	}
	return nil
}

// TouchActivity updates the sidecar's lastActivityAt (and sessionID when
// given). Fire-and-forget: failures are warned and swallowed because the
// sidecar is advisory.
func (m *Manager) TouchActivity(worktreePath, sessionID string) {
	meta, err := ReadMetadata(worktreePath)
	if err != nil || meta == nil {
		return
	}
	meta.LastActivityAt = time.Now().UTC()
	if sessionID != "" {
		meta.SessionID = sessionID
	}
	if err := WriteMetadata(worktreePath, meta); err != nil {
		m.log.Warn("worktree activity update failed",
			zap.String("path", worktreePath), zap.Error(err))
	}
}

// DefaultBranch resolves the repository's default branch: origin/HEAD when
// set, then main, then master.
func (m *Manager) DefaultBranch(ctx context.Context, repoRoot string) string {
	if out, err := m.runner.Run(ctx, repoRoot, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		if idx := strings.LastIndex(out, "/"); idx >= 0 {
			return out[idx+1:]
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if m.branchExists(ctx, repoRoot, candidate) {
			return candidate
		}
	}
	return "main"
}

// IsBranchMerged reports whether branch's tip is an ancestor of the repo's
// default branch.
func (m *Manager) IsBranchMerged(ctx context.Context, repoRoot, branch string) (bool, error) {
	def := m.DefaultBranch(ctx, repoRoot)
	if branch == def {
		return true, nil
	}
	_, err := m.runner.Run(ctx, repoRoot, "merge-base", "--is-ancestor", branch, def)
	if err == nil {
		return true, nil
	}
	// Exit 1 means "not an ancestor"; other failures (unknown branch) also
	// land here and read as unmerged, which is the safe default.
	return false, nil
}

// Summary renders one display line per managed worktree, for !worktree list.
func (m *Manager) Summary() []string {
	dirs, err := m.ManagedDirs()
	if err != nil {
		return nil
	}
	var lines []string
	for _, dir := range dirs {
		meta, err := ReadMetadata(dir)
		if err != nil || meta == nil {
			lines = append(lines, fmt.Sprintf("`%s` (no metadata)", dir))
			continue
		}
		last := meta.LastActivityAt
		if last.IsZero() {
			last = meta.CreatedAt
		}
		lines = append(lines, fmt.Sprintf("`%s` → `%s` (last active %s)",
			meta.Branch, dir, last.Format("2006-01-02 15:04")))
	}
	return lines
}

// ManagedDirs lists the entries of the central worktree directory.
func (m *Manager) ManagedDirs() ([]string, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(m.baseDir, e.Name()))
		}
	}
	return dirs, nil
}
