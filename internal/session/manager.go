package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/agent"
	"github.com/threadline/threadline/internal/agent/registry"
	"github.com/threadline/threadline/internal/agent/statusfile"
	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/events"
	"github.com/threadline/threadline/internal/events/bus"
	"github.com/threadline/threadline/internal/platform"
	"github.com/threadline/threadline/internal/session/store"
	"github.com/threadline/threadline/internal/sticky"
	"github.com/threadline/threadline/internal/transcript"
	"github.com/threadline/threadline/internal/worktree"
)

// Idle defaults, used when the config leaves them zero.
const (
	defaultIdleTimeout   = 60 * time.Minute
	defaultIdleWarning   = 5 * time.Minute
	defaultIdleCheck     = time.Minute
	defaultResumeFailMax = 3
)

// ManagerDeps are the shared services the manager hands to every session.
type ManagerDeps struct {
	Store       *store.Store
	Bus         bus.EventBus
	Transcripts *transcript.Store
	Worktrees   *worktree.Manager
	Profiles    *registry.Registry
	// Spawner overrides the exec spawner; tests inject fakes here.
	Spawner agent.Spawner
}

// Manager owns the session lifecycle: start, resume, interrupt, kill, and
// the idle monitor.
type Manager struct {
	cfg      config.Config
	botName  string
	version  string
	deps     ManagerDeps
	profile  *registry.Profile
	registry *Registry
	log      *logger.Logger

	mu     sync.Mutex
	runCtx context.Context
}

// NewManager resolves the agent profile and builds the session manager.
func NewManager(cfg config.Config, botName, version string, deps ManagerDeps, log *logger.Logger) (*Manager, error) {
	profile, err := deps.Profiles.Get(cfg.Agent.Profile)
	if err != nil {
		return nil, fmt.Errorf("resolve agent profile: %w", err)
	}
	return &Manager{
		cfg:      cfg,
		botName:  botName,
		version:  version,
		deps:     deps,
		profile:  profile,
		registry: NewRegistry(deps.Store),
		log:      log.WithFields(zap.String("component", "session-manager")),
	}, nil
}

// Registry exposes the active-session registry to the orchestrator.
func (m *Manager) Registry() *Registry { return m.registry }

// Run drives the idle monitor until the context ends. Sessions spawned
// before or during Run use this context as their lifetime.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	interval := secondsOr(m.cfg.Session.IdleCheckIntervalSeconds, defaultIdleCheck)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.checkIdle()
		}
	}
}

func (m *Manager) ctx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx != nil {
		return m.runCtx
	}
	return context.Background()
}

// StartRequest describes one session start.
type StartRequest struct {
	Adapter   platform.Adapter
	ChannelID string
	ThreadID  string
	Username  string
	Prompt    string

	// WorkingDir overrides the process cwd (stacked !cd).
	WorkingDir string
	// WorktreeBranch skips the prompt and isolates into this branch
	// (stacked !worktree).
	WorktreeBranch string
	// InteractivePermissions turns mutating tool calls into prompts.
	InteractivePermissions bool
	// ThreadMessageCount is the number of prior non-bot messages; two or
	// more triggers the context-inclusion prompt, exactly one is included
	// without asking.
	ThreadMessageCount int
}

// StartSession validates the user, resolves the working directory (directly,
// or via the worktree flow), spawns the AI child, and registers the session.
func (m *Manager) StartSession(ctx context.Context, req StartRequest) (*Session, error) {
	if !req.Adapter.IsUserAllowed(req.Username) {
		return nil, ErrUserNotAllowed
	}
	platformID := req.Adapter.ID()
	if m.registry.Find(platformID, req.ThreadID) != nil {
		return nil, ErrSessionExists
	}

	s := newSession(m.sessionDeps(req.Adapter), m.settings(),
		platformID, req.ChannelID, req.ThreadID, req.Username,
		uuid.NewString(), m.deps.Store.NextSessionNumber())
	s.onExit = m.onSessionExit
	s.interactivePermissions = req.InteractivePermissions
	s.threadMessageCount = req.ThreadMessageCount

	workingDir := req.WorkingDir
	if workingDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			workingDir = cwd
		}
	}
	s.workingDir = workingDir

	if err := m.postHeader(ctx, s); err != nil {
		return nil, fmt.Errorf("post session header: %w", err)
	}
	if !m.registry.Register(s) {
		return nil, ErrSessionExists
	}
	s.persist()
	s.publishSession(events.SessionStarted)
	s.publishStickyRefresh()

	// Worktree flow decides when the child starts; everything below runs
	// before the dispatcher, so direct access is still safe.
	m.beginWork(ctx, s, req)

	go s.run(m.ctx())
	return s, nil
}

// beginWork resolves isolation and sends (or queues) the first prompt.
func (m *Manager) beginWork(ctx context.Context, s *Session, req StartRequest) {
	mode := m.cfg.Worktree.Mode
	repoRoot := ""
	if mode != "off" && m.deps.Worktrees != nil {
		if root, err := m.deps.Worktrees.RepoRoot(ctx, s.workingDir); err == nil {
			repoRoot = root
		}
	}
	s.repoRoot = repoRoot

	switch {
	case repoRoot == "" || mode == "off" || mode == "":
		s.startAndDeliver(ctx, req.Prompt)
	case req.WorktreeBranch != "":
		m.createWorktreeOrFallBack(ctx, s, req.WorktreeBranch)
		s.startAndDeliver(ctx, req.Prompt)
	case mode == "auto":
		branch := fmt.Sprintf("%s/session-%d", s.Username, s.SessionNumber)
		m.createWorktreeOrFallBack(ctx, s, branch)
		s.startAndDeliver(ctx, req.Prompt)
	default: // prompt
		if err := s.postWorktreePrompt(ctx, req.Prompt, worktreeSuggestions(s.Username, s.ThreadID)); err != nil {
			s.log.Warn("worktree prompt failed, starting in repo", zap.Error(err))
			s.startAndDeliver(ctx, req.Prompt)
		}
	}
}

// createWorktreeOrFallBack isolates into a fresh worktree, or stays in the
// repo with a notice when git refuses.
func (m *Manager) createWorktreeOrFallBack(ctx context.Context, s *Session, branch string) {
	info, err := m.deps.Worktrees.Create(ctx, s.repoRoot, branch, s.ID)
	if err != nil {
		s.log.Warn("worktree create failed, working in repo", zap.String("branch", branch), zap.Error(err))
		return
	}
	s.worktreeInfo = info
	s.isWorktreeOwner = true
	s.workingDir = info.WorktreePath
}

// postHeader creates the session anchor post carrying the control reactions.
func (m *Manager) postHeader(ctx context.Context, s *Session) error {
	f := s.deps.Adapter.Formatter()
	text := fmt.Sprintf("%s | session #%d for @%s\n📁 %s\n\nReact %s to end the session, %s to interrupt a turn.",
		f.Bold(fmt.Sprintf("🤖 %s v%s", m.botName, m.version)),
		s.SessionNumber, s.Username,
		f.Code(s.workingDir),
		platform.Colon(platform.EmojiCancel),
		platform.Colon(platform.EmojiInterrupt))
	post, err := s.deps.Adapter.CreateInteractivePost(ctx, s.ChannelID, text,
		[]string{platform.EmojiCancel, platform.EmojiInterrupt}, s.ThreadID)
	if err != nil {
		return err
	}
	s.sessionStartPostID = post.ID
	m.registry.RegisterPost(post.ID, s.ThreadID)
	return nil
}

// Resume rebuilds a session from its snapshot and relaunches the child with
// --resume. Three consecutive failures retire the snapshot.
func (m *Manager) Resume(ctx context.Context, adapter platform.Adapter, snap *store.Snapshot) (*Session, error) {
	if snap == nil {
		return nil, ErrNothingToResume
	}
	if m.registry.Find(snap.PlatformID, snap.ThreadID) != nil {
		return nil, ErrSessionExists
	}

	s := newSession(m.sessionDeps(adapter), m.settings(),
		snap.PlatformID, snap.ChannelID, snap.ThreadID, snap.Username,
		snap.SessionUUID, snap.SessionNumber)
	s.onExit = m.onSessionExit
	s.rehydrate(snap)

	s.client = s.deps.NewClient(s.workingDir, s.SessionUUID, true)
	if err := s.client.Start(ctx); err != nil {
		snap.ResumeFailCount++
		maxFailures := m.settings().MaxResumeFailures
		if snap.ResumeFailCount >= maxFailures {
			m.log.Warn("session retired after repeated resume failures",
				zap.String("session_id", snap.SessionID), zap.Int("failures", snap.ResumeFailCount))
			_ = m.deps.Store.SoftDelete(snap.SessionID)
			_, _ = adapter.CreatePost(ctx, snap.ChannelID,
				fmt.Sprintf("❌ Could not resume this session after %d attempts; it has been retired.", snap.ResumeFailCount),
				snap.ThreadID)
		} else {
			_ = m.deps.Store.Save(snap.SessionID, snap)
		}
		return nil, fmt.Errorf("resume agent: %w", err)
	}

	s.resumeFailCount = 0
	if !m.registry.Register(s) {
		s.client.Kill()
		return nil, ErrSessionExists
	}
	s.setState(StateIdle)
	s.postLifecycleNotice(ctx, "🔄 Session resumed.")
	s.persist()
	s.publishSession(events.SessionResumed)
	s.publishStickyRefresh()

	go s.run(m.ctx())
	return s, nil
}

// Kill stops one session. unpersist soft-deletes the snapshot so the thread
// cannot resume it.
func (m *Manager) Kill(platformID, threadID string, unpersist bool, notice string) error {
	s := m.registry.Find(platformID, threadID)
	if s == nil {
		return ErrNoSession
	}
	s.Kill(false, unpersist, notice)
	return nil
}

// KillAll stops every session, preserving their snapshots for resume, and
// waits until each dispatcher has finished its teardown. Used on shutdown
// and before a self-update restart; sessions already detaching on a
// cancelled run context just get waited for.
func (m *Manager) KillAll(notice string) {
	var wg sync.WaitGroup
	for _, s := range m.registry.All() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Kill(false, false, notice)
			<-s.Stopped()
		}(s)
	}
	wg.Wait()
}

// onSessionExit is every session's exit hook; the dispatcher has already
// persisted or retired the snapshot.
func (m *Manager) onSessionExit(s *Session, status agent.ExitStatus) {
	m.registry.Unregister(s.ID)
	if status.Err != nil {
		m.log.Warn("session ended with error", zap.String("session_id", s.ID), zap.Error(status.Err))
	} else {
		m.log.Info("session ended", zap.String("session_id", s.ID), zap.Int("exit_code", status.Code))
	}
}

// checkIdle warns idle sessions and kills the ones past the timeout. The
// snapshot of a timed-out session stays resumable.
func (m *Manager) checkIdle() {
	timeout := minutesOr(m.cfg.Session.IdleTimeoutMinutes, defaultIdleTimeout)
	warning := minutesOr(m.cfg.Session.IdleWarningMinutes, defaultIdleWarning)
	if warning >= timeout {
		warning = timeout / 2
	}

	for _, s := range m.registry.All() {
		state := s.State()
		if state == StateCancelling || state == StateWorking {
			continue
		}
		idle := time.Since(s.LastActivity())
		switch {
		case idle >= timeout:
			notice := fmt.Sprintf("💤 Session timed out after %d minutes of inactivity. React 🔄 to resume.",
				int(timeout.Minutes()))
			go s.Kill(true, false, notice)
		case idle >= timeout-warning && !s.Warned():
			s.PostTimeoutWarning(timeout - idle)
		}
	}
}

// ActiveRows implements sticky.Provider.
func (m *Manager) ActiveRows(platformID string) []sticky.Row {
	var rows []sticky.Row
	for _, s := range m.registry.ForPlatform(platformID) {
		rows = append(rows, sticky.Row{
			Username:  s.Username,
			ThreadID:  s.ThreadID,
			StartedAt: s.StartedAt,
			State:     s.State(),
		})
	}
	return rows
}

// SessionInfos snapshots every active session, for the ops gateway.
func (m *Manager) SessionInfos() []Info {
	var infos []Info
	for _, s := range m.registry.All() {
		if info, ok := s.Snapshot(); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

// SessionInfo snapshots one active session by its ID.
func (m *Manager) SessionInfo(sessionID string) (Info, bool) {
	for _, s := range m.registry.All() {
		if s.ID == sessionID {
			return s.Snapshot()
		}
	}
	return Info{}, false
}

// sessionDeps assembles the per-session dependency set.
func (m *Manager) sessionDeps(adapter platform.Adapter) Deps {
	return Deps{
		Adapter:     adapter,
		Store:       m.deps.Store,
		Registry:    m.registry,
		Bus:         m.deps.Bus,
		Transcripts: m.deps.Transcripts,
		Worktrees:   m.deps.Worktrees,
		NewClient:   m.newClient,
		Log:         m.log,
	}
}

func (m *Manager) settings() Settings {
	return Settings{
		BotName:           m.botName,
		Version:           m.version,
		SkipPermissions:   m.cfg.Session.SkipPermissions,
		PermissionTimeout: secondsOr(m.cfg.Session.PermissionTimeoutSeconds, 0),
		MaxResumeFailures: intOr(m.cfg.Session.MaxResumeFailures, defaultResumeFailMax),
	}
}

// newClient builds the AI child client for one session run.
func (m *Manager) newClient(workingDir, sessionUUID string, resume bool) *agent.Client {
	cfg := agent.ClientConfig{
		Profile:            m.profile,
		Binary:             m.cfg.Agent.Binary,
		WorkingDir:         workingDir,
		SessionUUID:        sessionUUID,
		Resume:             resume,
		SkipPermissions:    m.cfg.Session.SkipPermissions,
		MCPConfig:          m.cfg.Agent.MCPConfig,
		AppendSystemPrompt: m.cfg.Session.AppendSystemPrompt,
		ExtraArgs:          m.cfg.Agent.ExtraArgs,
		Spawner:            m.deps.Spawner,
	}
	if dir := m.cfg.Agent.StatusDir; dir != "" {
		interval := secondsOr(m.cfg.Agent.StatusFileIntervalSeconds, 30*time.Second)
		writer := statusfile.NewWriter(dir, sessionUUID, interval, m.log)
		cfg.Status = writer
		go writer.Run(m.ctx())
	}
	return agent.NewClient(cfg, m.log)
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func minutesOr(minutes int, fallback time.Duration) time.Duration {
	if minutes <= 0 {
		return fallback
	}
	return time.Duration(minutes) * time.Minute
}

func intOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
