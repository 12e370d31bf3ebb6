// Package session owns the live bridge sessions: one AI CLI child per chat
// thread, a registry of active sessions, and the lifecycle manager that
// starts, resumes, interrupts, and kills them. All mutable session state is
// owned by a per-session dispatcher goroutine; the outside world talks to a
// session only through typed commands.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/agent"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/events"
	"github.com/threadline/threadline/internal/events/bus"
	"github.com/threadline/threadline/internal/interactive"
	"github.com/threadline/threadline/internal/message"
	"github.com/threadline/threadline/internal/platform"
	"github.com/threadline/threadline/internal/session/store"
	"github.com/threadline/threadline/internal/transcript"
	"github.com/threadline/threadline/internal/worktree"
)

// Session states.
const (
	StateStarting    = "starting"
	StateWorking     = "working"
	StateIdle        = "idle"
	StateInterrupted = "interrupted"
	StateCancelling  = "cancelling"
	StateError       = "error"
)

// pulseInterval drives content flushes, prompt deadlines, and the SIGKILL
// escalation inside the dispatcher.
const pulseInterval = time.Second

// typingInterval paces the typing indicator while the AI is working.
const typingInterval = 3 * time.Second

// killGrace is how long a terminating session waits before SIGKILL.
const killGrace = 5 * time.Second

// shutdownGrace bounds the detached teardown a session runs after the
// bridge's run context is cancelled.
const shutdownGrace = 30 * time.Second

// ShutdownNotice is posted into each active thread when the bridge stops;
// the snapshots stay resumable for the next start.
const ShutdownNotice = "🔄 Shutting down. Sessions resume when the bridge is back."

// Deps are the shared collaborators a session needs. The manager fills them
// in once; sessions never mutate them.
type Deps struct {
	Adapter     platform.Adapter
	Store       *store.Store
	Registry    *Registry
	Bus         bus.EventBus
	Transcripts *transcript.Store
	Worktrees   *worktree.Manager
	// NewClient builds the AI child client once the working directory is
	// known; resume relaunches with --resume instead of --session-id.
	NewClient func(workingDir, sessionUUID string, resume bool) *agent.Client
	Log       *logger.Logger
}

// Settings are the per-deployment knobs a session consults.
type Settings struct {
	BotName           string
	Version           string
	SkipPermissions   bool
	PermissionTimeout time.Duration // 0 waits forever
	MaxResumeFailures int
}

// Session is one thread's bridge to an AI CLI child. Exported fields are
// immutable after construction; everything else belongs to the dispatcher
// goroutine except the small observable slice behind obsMu.
type Session struct {
	ID         string
	PlatformID string
	ChannelID  string
	ThreadID   string

	SessionUUID   string
	Username      string
	SessionNumber int
	StartedAt     time.Time

	deps     Deps
	settings Settings
	log      *logger.Logger

	client *agent.Client
	msg    *message.Manager

	commands chan command
	stopped  chan struct{}

	// Observable state, read by the idle monitor and the sticky provider.
	obsMu          sync.Mutex
	state          string
	lastActivityAt time.Time
	warned         bool

	// Dispatcher-owned state.
	workingDir             string
	repoRoot               string
	invitedUsers           []string
	interactivePermissions bool
	allowedTools           map[string]bool
	messageCount           int
	threadMessageCount     int
	planApproved           bool
	resumeFailCount        int
	timedOut               bool
	model                  string
	totalCostUSD           float64

	sessionStartPostID string
	lifecyclePostID    string
	warningPostID      string

	worktreeInfo    *worktree.Info
	isWorktreeOwner bool

	queuedPrompt string

	pendingApproval     *interactive.Approval
	pendingApprovalTool string
	pendingQuestions    *interactive.QuestionFlow
	pendingContext      *interactive.ContextPrompt
	pendingWorktree     *interactive.WorktreePrompt
	pendingMsgApproval  *interactive.MessageApproval
	pendingBugReport    *interactive.BugReport

	finalizing   bool
	unpersist    bool
	exitNotice   string
	killDeadline time.Time

	onExit func(*Session, agent.ExitStatus)
}

// command is one dispatcher instruction. Every external entry point wraps
// its arguments in a command and waits for the dispatcher, never touching
// session state directly.
type command interface{ isCommand() }

type userMessageCmd struct{ username, text string }

type reactionCmd struct {
	postID   string
	emoji    string
	username string
	reply    chan bool
}

type interruptCmd struct{}

type killCmd struct {
	timedOut  bool
	unpersist bool
	notice    string
}

type noticeCmd struct {
	level string
	text  string
	// lifecycle records the post for resume reactions.
	lifecycle bool
}

type rawSendCmd struct{ text string }

type minimizeTasksCmd struct{ minimized bool }

type warnCmd struct{ remaining time.Duration }

type inviteCmd struct{ username string }

type kickCmd struct{ username string }

type permissionsCmd struct{ interactive bool }

type approveCmd struct{ username string }

type infoCmd struct{ reply chan Info }

func (userMessageCmd) isCommand()   {}
func (reactionCmd) isCommand()      {}
func (interruptCmd) isCommand()     {}
func (killCmd) isCommand()          {}
func (noticeCmd) isCommand()        {}
func (rawSendCmd) isCommand()       {}
func (minimizeTasksCmd) isCommand() {}
func (warnCmd) isCommand()          {}
func (inviteCmd) isCommand()        {}
func (kickCmd) isCommand()          {}
func (permissionsCmd) isCommand()   {}
func (approveCmd) isCommand()       {}
func (infoCmd) isCommand()          {}

// Info is a point-in-time summary of a session, for !cost and the gateway.
type Info struct {
	SessionID              string    `json:"sessionId"`
	PlatformID             string    `json:"platformId"`
	ThreadID               string    `json:"threadId"`
	Username               string    `json:"username"`
	State                  string    `json:"state"`
	SessionNumber          int       `json:"sessionNumber"`
	StartedAt              time.Time `json:"startedAt"`
	WorkingDir             string    `json:"workingDir"`
	Model                  string    `json:"model,omitempty"`
	TotalCostUSD           float64   `json:"totalCostUsd,omitempty"`
	MessageCount           int       `json:"messageCount"`
	WorktreeBranch         string    `json:"worktreeBranch,omitempty"`
	WorktreePath           string    `json:"worktreePath,omitempty"`
	WorktreeOwner          bool      `json:"worktreeOwner,omitempty"`
	InvitedUsers           []string  `json:"invitedUsers,omitempty"`
	InteractivePermissions bool      `json:"interactivePermissions"`
}

// newSession wires a session skeleton. The caller finishes setup (header
// post, prompts, child start) before launching the dispatcher, so direct
// field access is still safe at that point.
func newSession(deps Deps, settings Settings, platformID, channelID, threadID, username, uuid string, number int) *Session {
	id := ID(platformID, threadID)
	log := deps.Log.WithFields(zap.String("component", "session"), zap.String("session_id", id))
	s := &Session{
		ID:            id,
		PlatformID:    platformID,
		ChannelID:     channelID,
		ThreadID:      threadID,
		SessionUUID:   uuid,
		Username:      username,
		SessionNumber: number,
		StartedAt:     time.Now(),

		deps:     deps,
		settings: settings,
		log:      log,

		commands:       make(chan command, 16),
		stopped:        make(chan struct{}),
		state:          StateStarting,
		lastActivityAt: time.Now(),
		allowedTools:   make(map[string]bool),
	}
	s.msg = message.NewManager(deps.Adapter, deps.Adapter.Formatter(), deps.Adapter.MessageLimits(), channelID, threadID, log)
	s.msg.SetInteractiveSink(s)
	s.msg.OnStatus = s.onStatus
	s.msg.OnLifecycle = s.onLifecycle
	return s
}

// State returns the current session state.
func (s *Session) State() string {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	return s.state
}

// LastActivity returns when the user or AI last did something.
func (s *Session) LastActivity() time.Time {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	return s.lastActivityAt
}

// Warned reports whether the idle warning post is up.
func (s *Session) Warned() bool {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	return s.warned
}

func (s *Session) setState(state string) {
	s.obsMu.Lock()
	s.state = state
	s.obsMu.Unlock()
}

func (s *Session) setWarned(warned bool) {
	s.obsMu.Lock()
	s.warned = warned
	s.obsMu.Unlock()
}

// send queues a command unless the dispatcher already stopped.
func (s *Session) send(cmd command) bool {
	select {
	case s.commands <- cmd:
		return true
	case <-s.stopped:
		return false
	}
}

// FeedUserMessage routes a thread message from an authorized user into the
// session: prompt replies, question answers, or a new message to the AI.
func (s *Session) FeedUserMessage(username, text string) bool {
	return s.send(userMessageCmd{username: username, text: text})
}

// ApplyReaction offers an emoji reaction to the session's pending prompts
// and control posts. Returns true when the session consumed it.
func (s *Session) ApplyReaction(postID, emoji, username string) bool {
	reply := make(chan bool, 1)
	if !s.send(reactionCmd{postID: postID, emoji: emoji, username: username, reply: reply}) {
		return false
	}
	select {
	case consumed := <-reply:
		return consumed
	case <-s.stopped:
		return false
	}
}

// Interrupt aborts the current AI turn with SIGINT.
func (s *Session) Interrupt() bool {
	return s.send(interruptCmd{})
}

// SendRaw forwards text (slash commands, queued prompts) to the child as-is.
func (s *Session) SendRaw(text string) bool {
	return s.send(rawSendCmd{text: text})
}

// MinimizeTasks collapses or restores the task-list post (!compact).
func (s *Session) MinimizeTasks(minimized bool) bool {
	return s.send(minimizeTasksCmd{minimized: minimized})
}

// PostNotice publishes an out-of-band notice into the thread. lifecycle
// notices also accept resume reactions after the session pauses.
func (s *Session) PostNotice(level, text string, lifecycle bool) bool {
	return s.send(noticeCmd{level: level, text: text, lifecycle: lifecycle})
}

// Kill stops the session and waits for the dispatcher to finish. timedOut
// marks the snapshot resumable; unpersist soft-deletes it instead.
func (s *Session) Kill(timedOut, unpersist bool, notice string) {
	if s.send(killCmd{timedOut: timedOut, unpersist: unpersist, notice: notice}) {
		<-s.stopped
	}
}

// PostTimeoutWarning puts up the idle warning; any activity takes it down.
func (s *Session) PostTimeoutWarning(remaining time.Duration) bool {
	return s.send(warnCmd{remaining: remaining})
}

// InviteUser lets another user drive this session.
func (s *Session) InviteUser(username string) bool {
	return s.send(inviteCmd{username: username})
}

// KickUser revokes an invitation.
func (s *Session) KickUser(username string) bool {
	return s.send(kickCmd{username: username})
}

// SetInteractivePermissions toggles per-tool approval prompts.
func (s *Session) SetInteractivePermissions(on bool) bool {
	return s.send(permissionsCmd{interactive: on})
}

// ApprovePending approves the pending permission request (!approve).
func (s *Session) ApprovePending(username string) bool {
	return s.send(approveCmd{username: username})
}

// Snapshot returns a point-in-time summary without racing the dispatcher.
func (s *Session) Snapshot() (Info, bool) {
	reply := make(chan Info, 1)
	if !s.send(infoCmd{reply: reply}) {
		return Info{}, false
	}
	select {
	case info := <-reply:
		return info, true
	case <-s.stopped:
		return Info{}, false
	}
}

// Stopped is closed when the dispatcher has fully shut down.
func (s *Session) Stopped() <-chan struct{} { return s.stopped }

// WorkingDir returns the directory the AI child runs in.
func (s *Session) WorkingDir() string { return s.workingDir }

// InvitedUsers returns the extra users allowed to drive this session.
func (s *Session) InvitedUsers() []string { return s.invitedUsers }

// allowedUser reports whether a username may drive this session.
func (s *Session) allowedUser(username string) bool {
	if username == s.Username {
		return true
	}
	for _, invited := range s.invitedUsers {
		if invited == username {
			return true
		}
	}
	return false
}

// thread is the interactive-handler view of this session's thread.
func (s *Session) thread() interactive.Thread {
	return interactive.Thread{
		Prompter:  s.deps.Adapter,
		Formatter: s.deps.Adapter.Formatter(),
		ChannelID: s.ChannelID,
		ThreadID:  s.ThreadID,
	}
}

// touchActivity refreshes the idle clock and takes down a standing timeout
// warning.
func (s *Session) touchActivity(ctx context.Context) {
	s.obsMu.Lock()
	s.lastActivityAt = time.Now()
	warned := s.warned
	s.warned = false
	s.obsMu.Unlock()

	if warned && s.warningPostID != "" {
		if err := s.deps.Adapter.DeletePost(ctx, s.warningPostID); err != nil {
			s.log.Debug("timeout warning delete failed", zap.Error(err))
		}
		s.deps.Registry.UnregisterPost(s.warningPostID)
		if s.lifecyclePostID == s.warningPostID {
			s.lifecyclePostID = ""
		}
		s.warningPostID = ""
	}
}

func (s *Session) onStatus(op message.StatusUpdateOp) {
	if op.Model != "" {
		s.model = op.Model
	}
	if op.TotalCostUSD > 0 {
		s.totalCostUSD = op.TotalCostUSD
	}
}

func (s *Session) onLifecycle(op message.LifecycleOp) {
	ctx := context.Background()
	if op.Kind == message.LifecycleError && op.Text != "" {
		s.msg.System().Post(ctx, message.LevelError, op.Text)
	}
	if s.State() == StateWorking {
		s.setState(StateIdle)
	}
	s.recordTranscript(transcript.DirectionOutbound, op.Text)
	s.persist()
	s.publishSession(events.SessionUpdated)
}

func (s *Session) recordTranscript(direction, content string) {
	if s.deps.Transcripts == nil || content == "" {
		return
	}
	entry := &transcript.Entry{
		PlatformID: s.PlatformID,
		ThreadID:   s.ThreadID,
		SessionID:  s.ID,
		Username:   s.Username,
		Direction:  direction,
		Content:    content,
	}
	if err := s.deps.Transcripts.Append(context.Background(), entry); err != nil {
		s.log.Warn("transcript append failed", zap.Error(err))
	}
}
