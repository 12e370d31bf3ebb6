package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/agent"
	agentregistry "github.com/threadline/threadline/internal/agent/registry"
	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/platform"
	"github.com/threadline/threadline/internal/platform/platformtest"
	"github.com/threadline/threadline/internal/session/store"
)

// fakeAgentProcess is a scripted AI child: the test feeds stdout lines
// through a pipe and controls the exit. SIGTERM and SIGKILL end the process
// the way the real CLI does.
type fakeAgentProcess struct {
	mu      sync.Mutex
	stdin   bytes.Buffer
	signals []os.Signal
	exited  bool

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderr  io.Reader
	exitCh  chan int
}

func newFakeAgentProcess() *fakeAgentProcess {
	r, w := io.Pipe()
	return &fakeAgentProcess{
		stdoutR: r,
		stdoutW: w,
		stderr:  strings.NewReader(""),
		exitCh:  make(chan int, 1),
	}
}

type stdinWriter struct{ p *fakeAgentProcess }

func (w stdinWriter) Write(b []byte) (int, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.p.stdin.Write(b)
}

func (p *fakeAgentProcess) Stdin() io.Writer  { return stdinWriter{p} }
func (p *fakeAgentProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeAgentProcess) Stderr() io.Reader { return p.stderr }
func (p *fakeAgentProcess) Pid() int          { return 4242 }

func (p *fakeAgentProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		p.exit(143)
	}
	return nil
}

func (p *fakeAgentProcess) Wait() (int, error) { return <-p.exitCh, nil }

// exit closes stdout so the reader drains, then delivers the exit code.
func (p *fakeAgentProcess) exit(code int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.mu.Unlock()
	_ = p.stdoutW.Close()
	p.exitCh <- code
}

// emit writes one stream-json line to the child's stdout.
func (p *fakeAgentProcess) emit(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(p.stdoutW, line+"\n"); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

func (p *fakeAgentProcess) stdinText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.String()
}

func (p *fakeAgentProcess) sentSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeAgentProcess
	specs []agent.SpawnSpec
}

func (s *fakeSpawner) add(p *fakeAgentProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs = append(s.procs, p)
}

func (s *fakeSpawner) Spawn(_ context.Context, spec agent.SpawnSpec) (agent.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil, errors.New("no scripted process")
	}
	s.specs = append(s.specs, spec)
	p := s.procs[0]
	s.procs = s.procs[1:]
	return p, nil
}

func (s *fakeSpawner) spawnArgs(i int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.specs[i].Args...)
}

type managerFixture struct {
	manager *Manager
	adapter *platformtest.Adapter
	spawner *fakeSpawner
	store   *store.Store
}

func newManagerFixture(t *testing.T, mutate func(*config.Config)) *managerFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.json"), logger.Default())
	require.NoError(t, err)
	profiles, err := agentregistry.Load("")
	require.NoError(t, err)

	cfg := config.Config{}
	cfg.Agent.Profile = "claude"
	cfg.Worktree.Mode = "off"
	if mutate != nil {
		mutate(&cfg)
	}

	spawner := &fakeSpawner{}
	m, err := NewManager(cfg, "threadline", "1.2.3", ManagerDeps{
		Store:    st,
		Profiles: profiles,
		Spawner:  spawner,
	}, logger.Default())
	require.NoError(t, err)

	return &managerFixture{
		manager: m,
		adapter: platformtest.New("mm"),
		spawner: spawner,
		store:   st,
	}
}

func (f *managerFixture) start(t *testing.T, prompt string, mutate func(*StartRequest)) (*Session, *fakeAgentProcess) {
	t.Helper()
	proc := newFakeAgentProcess()
	f.spawner.add(proc)
	req := StartRequest{
		Adapter:   f.adapter,
		ChannelID: "chan",
		ThreadID:  "thread-1",
		Username:  "alice",
		Prompt:    prompt,
	}
	if mutate != nil {
		mutate(&req)
	}
	s, err := f.manager.StartSession(context.Background(), req)
	require.NoError(t, err)
	return s, proc
}

func waitStopped(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
}

// lastPostContains polls until the newest thread post carries the substring.
func (f *managerFixture) lastPostContains(t *testing.T, substr string) platform.Post {
	t.Helper()
	var post platform.Post
	require.Eventually(t, func() bool {
		p, ok := f.adapter.LastPost()
		if !ok {
			return false
		}
		post = p
		return strings.Contains(p.Message, substr)
	}, 3*time.Second, 10*time.Millisecond, "no post containing %q", substr)
	return post
}

func TestStartSessionPostsHeaderAndDeliversPrompt(t *testing.T) {
	f := newManagerFixture(t, nil)
	s, proc := f.start(t, "hello there", nil)

	header, ok := f.adapter.Post(s.sessionStartPostID)
	require.True(t, ok)
	assert.Contains(t, header.Message, "session #1 for @alice")
	assert.Contains(t, header.Message, ":x:")
	assert.Equal(t, []string{platform.EmojiCancel, platform.EmojiInterrupt},
		f.adapter.Reactions[header.ID])

	assert.Contains(t, f.spawner.spawnArgs(0), "--session-id")

	stdin := proc.stdinText()
	assert.Contains(t, stdin, `"type":"user"`)
	assert.Contains(t, stdin, "hello there")

	info, ok := s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, StateWorking, info.State)
	assert.Equal(t, 1, info.MessageCount)

	assert.Same(t, s, f.manager.Registry().Find("mm", "thread-1"))
	assert.Same(t, s, f.manager.Registry().FindByPost(header.ID))
	assert.NotNil(t, f.store.FindByThread("mm", "thread-1"))

	s.Kill(false, false, "")
	waitStopped(t, s)
	assert.Nil(t, f.manager.Registry().Find("mm", "thread-1"))
}

func TestStartSessionRejectsDisallowedUser(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.adapter.Allowed = map[string]bool{"alice": true}

	_, err := f.manager.StartSession(context.Background(), StartRequest{
		Adapter:   f.adapter,
		ChannelID: "chan",
		ThreadID:  "thread-1",
		Username:  "mallory",
		Prompt:    "hi",
	})
	assert.ErrorIs(t, err, ErrUserNotAllowed)
}

func TestStartSessionRejectsDuplicateThread(t *testing.T) {
	f := newManagerFixture(t, nil)
	s, _ := f.start(t, "hi", nil)

	_, err := f.manager.StartSession(context.Background(), StartRequest{
		Adapter:   f.adapter,
		ChannelID: "chan",
		ThreadID:  "thread-1",
		Username:  "alice",
		Prompt:    "again",
	})
	assert.ErrorIs(t, err, ErrSessionExists)

	s.Kill(false, false, "")
	waitStopped(t, s)
}

func TestCancelReactionEndsSessionForGood(t *testing.T) {
	f := newManagerFixture(t, nil)
	s, proc := f.start(t, "hi", nil)
	headerID := s.sessionStartPostID

	assert.False(t, s.ApplyReaction(headerID, platform.EmojiCancel, "mallory"),
		"strangers cannot cancel")
	assert.True(t, s.ApplyReaction(headerID, platform.EmojiCancel, "alice"))
	waitStopped(t, s)

	sigs := proc.sentSignals()
	require.NotEmpty(t, sigs)
	assert.Equal(t, syscall.SIGTERM, sigs[len(sigs)-1])

	f.lastPostContains(t, "Session cancelled")
	assert.Nil(t, f.manager.Registry().Find("mm", "thread-1"))
	_, active := f.store.Load()[s.ID]
	assert.False(t, active, "cancelled snapshot is soft-deleted")
	require.NotNil(t, f.store.LoadAll()[s.ID].CleanedAt)
}

func TestInterruptReactionPausesTheTurn(t *testing.T) {
	f := newManagerFixture(t, nil)
	s, proc := f.start(t, "hi", nil)

	assert.True(t, s.ApplyReaction(s.sessionStartPostID, platform.EmojiInterrupt, "alice"))

	info, ok := s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, StateInterrupted, info.State)
	assert.Contains(t, proc.sentSignals(), syscall.SIGINT)

	notice := f.lastPostContains(t, "Interrupted")
	assert.Same(t, s, f.manager.Registry().FindByPost(notice.ID),
		"lifecycle post routes reactions back")

	// The next message clears the pause and goes straight to the child.
	require.True(t, s.FeedUserMessage("alice", "keep going"))
	info, ok = s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, StateWorking, info.State)
	assert.Contains(t, proc.stdinText(), "keep going")

	s.Kill(false, false, "")
	waitStopped(t, s)
}

func TestInviteAndKickGateThreadMessages(t *testing.T) {
	f := newManagerFixture(t, nil)
	s, proc := f.start(t, "hi", nil)

	// Commands are handled in order, so a Snapshot call fences each step.
	require.True(t, s.FeedUserMessage("bob", "not yet"))
	require.True(t, s.InviteUser("bob"))
	info, ok := s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, []string{"bob"}, info.InvitedUsers)

	require.True(t, s.FeedUserMessage("bob", "now allowed"))
	require.True(t, s.KickUser("bob"))
	require.True(t, s.FeedUserMessage("bob", "kicked out"))
	_, ok = s.Snapshot()
	require.True(t, ok)

	stdin := proc.stdinText()
	assert.NotContains(t, stdin, "not yet")
	assert.Contains(t, stdin, "now allowed")
	assert.NotContains(t, stdin, "kicked out")

	s.Kill(false, false, "")
	waitStopped(t, s)
}

func TestApprovalPromptApprove(t *testing.T) {
	f := newManagerFixture(t, nil)
	s, proc := f.start(t, "hi", func(r *StartRequest) { r.InteractivePermissions = true })

	proc.emit(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"rm -rf build"}}]}}`)
	prompt := f.lastPostContains(t, "Permission needed")
	assert.Contains(t, prompt.Message, "rm -rf build")

	assert.True(t, s.ApplyReaction(prompt.ID, platform.EmojiThumbsUp, "alice"))

	stdin := proc.stdinText()
	assert.Contains(t, stdin, `"tool_use_id":"tu_1"`)
	assert.Contains(t, stdin, "User approved.")

	updated, ok := f.adapter.Post(prompt.ID)
	require.True(t, ok)
	assert.Contains(t, updated.Message, "✅ Approved by @alice")

	info, ok := s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, StateWorking, info.State)

	s.Kill(false, false, "")
	waitStopped(t, s)
}

func TestApprovalPromptDeny(t *testing.T) {
	f := newManagerFixture(t, nil)
	s, proc := f.start(t, "hi", func(r *StartRequest) { r.InteractivePermissions = true })

	proc.emit(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"Write","input":{"file_path":"/etc/passwd"}}]}}`)
	prompt := f.lastPostContains(t, "Permission needed")

	assert.True(t, s.ApplyReaction(prompt.ID, platform.EmojiThumbsDown, "alice"))

	stdin := proc.stdinText()
	assert.Contains(t, stdin, "User denied this request.")
	assert.Contains(t, stdin, `"is_error":true`)

	updated, ok := f.adapter.Post(prompt.ID)
	require.True(t, ok)
	assert.Contains(t, updated.Message, "❌ Denied by @alice")

	s.Kill(false, false, "")
	waitStopped(t, s)
}

func TestApprovalPromptAllowRule(t *testing.T) {
	f := newManagerFixture(t, nil)
	s, proc := f.start(t, "hi", func(r *StartRequest) { r.InteractivePermissions = true })

	proc.emit(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"Edit","input":{"file_path":"main.go"}}]}}`)
	prompt := f.lastPostContains(t, "Permission needed")

	assert.True(t, s.ApplyReaction(prompt.ID, platform.EmojiAllowRule, "alice"))

	assert.Contains(t, proc.stdinText(), "User approved.")
	updated, ok := f.adapter.Post(prompt.ID)
	require.True(t, ok)
	assert.Contains(t, updated.Message, "✅ Approved for this session by @alice")

	s.Kill(false, false, "")
	waitStopped(t, s)
}

func TestContextPromptIncludesThreadHistory(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.adapter.History = []platform.ThreadMessage{
		{Username: "alice", Message: "we discussed the parser"},
		{Username: "bob", Message: "and the lexer"},
		{Username: "alice", Message: "fix both"},
	}

	s, proc := f.start(t, "please fix it", func(r *StartRequest) { r.ThreadMessageCount = 3 })

	// The prompt is parked until the user decides; nothing reached the child.
	assert.Empty(t, proc.stdinText())
	prompt := f.lastPostContains(t, "Include earlier messages")

	// Slot one is "Last 3".
	assert.True(t, s.ApplyReaction(prompt.ID, "one", "alice"))

	stdin := proc.stdinText()
	assert.Contains(t, stdin, "Previous conversation in this thread")
	assert.Contains(t, stdin, "and the lexer")
	assert.Contains(t, stdin, "please fix it")

	updated, ok := f.adapter.Post(prompt.ID)
	require.True(t, ok)
	assert.Contains(t, updated.Message, "Including the last 3 thread messages")

	s.Kill(false, false, "")
	waitStopped(t, s)
}

func TestContextPromptSkip(t *testing.T) {
	f := newManagerFixture(t, nil)
	s, proc := f.start(t, "just do it", func(r *StartRequest) { r.ThreadMessageCount = 5 })

	prompt := f.lastPostContains(t, "Include earlier messages")
	assert.True(t, s.ApplyReaction(prompt.ID, platform.EmojiCancel, "alice"))

	stdin := proc.stdinText()
	assert.NotContains(t, stdin, "Previous conversation")
	assert.Contains(t, stdin, "just do it")

	updated, ok := f.adapter.Post(prompt.ID)
	require.True(t, ok)
	assert.Contains(t, updated.Message, "without earlier thread context")

	s.Kill(false, false, "")
	waitStopped(t, s)
}

func TestSingleMessageThreadContextAutoIncluded(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.adapter.History = []platform.ThreadMessage{
		{Username: "bob", Message: "the deploy script is failing"},
	}

	s, proc := f.start(t, "take a look", func(r *StartRequest) { r.ThreadMessageCount = 1 })

	// Nothing to decide with a single earlier message: it rides along with
	// the first prompt and no context prompt is posted.
	stdin := proc.stdinText()
	assert.Contains(t, stdin, "Previous conversation in this thread")
	assert.Contains(t, stdin, "the deploy script is failing")
	assert.Contains(t, stdin, "take a look")

	last, ok := f.adapter.LastPost()
	require.True(t, ok)
	assert.NotContains(t, last.Message, "Include earlier messages")

	s.Kill(false, false, "")
	waitStopped(t, s)
}

func TestIdleWarningPostedAndClearedByActivity(t *testing.T) {
	f := newManagerFixture(t, nil)
	s, proc := f.start(t, "", nil)

	s.obsMu.Lock()
	s.lastActivityAt = time.Now().Add(-56 * time.Minute)
	s.obsMu.Unlock()

	f.manager.checkIdle()
	_, ok := s.Snapshot() // fence: the warn command has been handled
	require.True(t, ok)
	assert.True(t, s.Warned())
	warning := f.lastPostContains(t, "this session ends in")

	// Any message takes the warning down and resets the clock.
	require.True(t, s.FeedUserMessage("alice", "still here"))
	_, ok = s.Snapshot()
	require.True(t, ok)
	assert.False(t, s.Warned())
	assert.Contains(t, f.adapter.Deleted, warning.ID)
	assert.Contains(t, proc.stdinText(), "still here")
	assert.Less(t, time.Since(s.LastActivity()), time.Minute)

	s.Kill(false, false, "")
	waitStopped(t, s)
}

func TestIdleTimeoutKillsButKeepsSnapshot(t *testing.T) {
	f := newManagerFixture(t, nil)
	s, _ := f.start(t, "", nil)

	s.obsMu.Lock()
	s.lastActivityAt = time.Now().Add(-61 * time.Minute)
	s.obsMu.Unlock()

	f.manager.checkIdle()
	waitStopped(t, s)

	notice := f.lastPostContains(t, "timed out")
	snap := f.store.LoadAll()[s.ID]
	require.NotNil(t, snap)
	assert.Nil(t, snap.CleanedAt, "timed-out snapshot stays resumable")
	assert.True(t, snap.TimedOut)
	assert.NotNil(t, f.store.FindByPostID(notice.ID),
		"resume reactions on the notice find the snapshot")
	assert.Nil(t, f.manager.Registry().Find("mm", "thread-1"))
}

func TestIdleCheckSkipsWorkingSessions(t *testing.T) {
	f := newManagerFixture(t, nil)
	s, _ := f.start(t, "busy prompt", nil) // delivering flips to working

	s.obsMu.Lock()
	s.lastActivityAt = time.Now().Add(-61 * time.Minute)
	s.obsMu.Unlock()

	f.manager.checkIdle()
	_, ok := s.Snapshot()
	require.True(t, ok, "session survived the idle sweep")

	s.Kill(false, false, "")
	waitStopped(t, s)
}

func TestResumeRoundTripRestoresPendingApproval(t *testing.T) {
	f := newManagerFixture(t, nil)
	s, proc := f.start(t, "hi", func(r *StartRequest) { r.InteractivePermissions = true })

	proc.emit(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_9","name":"Bash","input":{"command":"make test"}}]}}`)
	prompt := f.lastPostContains(t, "Permission needed")

	s.Kill(false, false, "")
	waitStopped(t, s)

	snap := f.store.FindByThread("mm", "thread-1")
	require.NotNil(t, snap)
	require.NotNil(t, snap.PendingApproval)
	assert.Equal(t, prompt.ID, snap.PendingApproval.PostID)

	proc2 := newFakeAgentProcess()
	f.spawner.add(proc2)
	s2, err := f.manager.Resume(context.Background(), f.adapter, snap)
	require.NoError(t, err)

	assert.Contains(t, f.spawner.spawnArgs(1), "--resume")
	assert.Equal(t, StateIdle, s2.State())
	assert.Equal(t, s.SessionNumber, s2.SessionNumber)
	f.lastPostContains(t, "Session resumed")

	// A second resume for the same thread is refused.
	_, err = f.manager.Resume(context.Background(), f.adapter, snap)
	assert.ErrorIs(t, err, ErrSessionExists)

	// The rehydrated approval still answers reactions on the old post.
	assert.Same(t, s2, f.manager.Registry().FindByPost(prompt.ID))
	assert.True(t, s2.ApplyReaction(prompt.ID, platform.EmojiThumbsUp, "alice"))
	stdin := proc2.stdinText()
	assert.Contains(t, stdin, `"tool_use_id":"tu_9"`)
	assert.Contains(t, stdin, "User approved.")

	s2.Kill(false, false, "")
	waitStopped(t, s2)
}

func TestResumeNilSnapshot(t *testing.T) {
	f := newManagerFixture(t, nil)
	_, err := f.manager.Resume(context.Background(), f.adapter, nil)
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestResumeFailureRetiresSnapshot(t *testing.T) {
	f := newManagerFixture(t, func(cfg *config.Config) {
		cfg.Session.MaxResumeFailures = 1
	})

	snap := &store.Snapshot{
		SessionID:   ID("mm", "thread-9"),
		PlatformID:  "mm",
		ThreadID:    "thread-9",
		ChannelID:   "chan",
		SessionUUID: "uuid-9",
		Username:    "alice",
		WorkingDir:  "/tmp",
	}
	require.NoError(t, f.store.Save(snap.SessionID, snap))

	// No scripted process: the spawn fails.
	_, err := f.manager.Resume(context.Background(), f.adapter, snap)
	require.Error(t, err)

	_, active := f.store.Load()[snap.SessionID]
	assert.False(t, active, "retired after exhausting resume attempts")
	f.lastPostContains(t, "retired")
}

func TestKillAllPreservesSnapshots(t *testing.T) {
	f := newManagerFixture(t, nil)
	s1, _ := f.start(t, "one", nil)
	s2, _ := f.start(t, "two", func(r *StartRequest) { r.ThreadID = "thread-2" })

	f.manager.KillAll("🔄 Restarting for an update.")
	waitStopped(t, s1)
	waitStopped(t, s2)

	assert.Equal(t, 0, f.manager.Registry().Size())
	active := f.store.Load()
	assert.Contains(t, active, s1.ID)
	assert.Contains(t, active, s2.ID)
	f.lastPostContains(t, "Restarting for an update")
}

func TestRunCancellationDetachesSessionsGracefully(t *testing.T) {
	f := newManagerFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- f.manager.Run(ctx) }()
	require.Eventually(t, func() bool {
		return f.manager.ctx() != context.Background()
	}, time.Second, 5*time.Millisecond, "Run has not installed its context")

	s, proc := f.start(t, "long task", nil)

	cancel()
	waitStopped(t, s)

	// The child is asked to stop, not killed outright.
	sigs := proc.sentSignals()
	require.NotEmpty(t, sigs)
	assert.Equal(t, syscall.SIGTERM, sigs[len(sigs)-1])
	assert.NotContains(t, sigs, syscall.SIGKILL)

	f.lastPostContains(t, "Shutting down")
	assert.Contains(t, f.store.Load(), s.ID,
		"snapshot stays resumable across a restart")

	// The shutdown barrier returns once every dispatcher is gone.
	f.manager.KillAll(ShutdownNotice)
	assert.Equal(t, 0, f.manager.Registry().Size())

	require.ErrorIs(t, <-runErr, context.Canceled)
}

func TestManagerActiveRows(t *testing.T) {
	f := newManagerFixture(t, nil)
	s, _ := f.start(t, "hi", nil)

	rows := f.manager.ActiveRows("mm")
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0].Username)
	assert.Equal(t, "thread-1", rows[0].ThreadID)
	assert.Empty(t, f.manager.ActiveRows("slack"))

	s.Kill(false, false, "")
	waitStopped(t, s)
}
