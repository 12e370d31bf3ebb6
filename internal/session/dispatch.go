package session

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/agent"
	"github.com/threadline/threadline/internal/commands"
	"github.com/threadline/threadline/internal/common/appctx"
	"github.com/threadline/threadline/internal/events"
	"github.com/threadline/threadline/internal/interactive"
	"github.com/threadline/threadline/internal/message"
	"github.com/threadline/threadline/internal/platform"
	"github.com/threadline/threadline/internal/transcript"
)

// run is the dispatcher loop. It is the only goroutine that touches session
// state, so the handlers below need no locking beyond obsMu.
func (s *Session) run(ctx context.Context) {
	pulse := time.NewTicker(pulseInterval)
	typing := time.NewTicker(typingInterval)
	defer pulse.Stop()
	defer typing.Stop()

	done := ctx.Done()
	for {
		// The client appears late for worktree-prompted sessions; pick its
		// channels up fresh each turn.
		var eventsCh <-chan agent.Event
		var doneCh <-chan agent.ExitStatus
		if s.client != nil {
			eventsCh = s.client.Events()
			doneCh = s.client.Done()
		}

		select {
		case <-done:
			// Bridge shutdown. The run context is gone, but the exit notice
			// and the final persist still have to reach the platform, so the
			// remaining turns run on a detached, time-bounded context. The
			// pulse escalation backstops a child that ignores SIGTERM.
			done = nil
			dctx, cancel := appctx.Detached(nil, shutdownGrace)
			defer cancel()
			ctx = dctx
			if s.beginShutdown(ctx) {
				return
			}
		case cmd := <-s.commands:
			if done := s.apply(ctx, cmd); done {
				return
			}
		case evt, ok := <-eventsCh:
			if !ok {
				// Exit status arrives on doneCh; nothing to do here.
				continue
			}
			s.handleEvent(ctx, evt)
		case status := <-doneCh:
			s.handleExit(ctx, status)
			return
		case <-pulse.C:
			if done := s.tickPulse(ctx); done {
				return
			}
		case <-typing.C:
			s.tickTyping(ctx)
		}
	}
}

// apply runs one command. Returns true when the session is finished and the
// loop must exit.
func (s *Session) apply(ctx context.Context, cmd command) bool {
	switch c := cmd.(type) {
	case userMessageCmd:
		s.handleUserMessage(ctx, c.username, c.text)
	case reactionCmd:
		c.reply <- s.handleReaction(ctx, c.postID, c.emoji, c.username)
	case interruptCmd:
		s.handleInterrupt(ctx)
	case killCmd:
		return s.handleKill(ctx, c)
	case noticeCmd:
		s.handleNotice(ctx, c)
	case rawSendCmd:
		s.deliver(ctx, c.text)
	case minimizeTasksCmd:
		s.msg.Tasks().SetMinimized(ctx, c.minimized)
		s.persist()
	case msgApprovalCmd:
		s.handleMsgApproval(ctx, c.text)
	case bugReportCmd:
		s.handleBugReport(ctx, c.title, c.body, c.context)
	case warnCmd:
		s.handleWarn(ctx, c.remaining)
	case inviteCmd:
		s.handleInvite(ctx, c.username)
	case kickCmd:
		s.handleKick(ctx, c.username)
	case permissionsCmd:
		s.interactivePermissions = c.interactive
		mode := "interactive"
		if !c.interactive {
			mode = "automatic"
		}
		s.msg.System().Post(ctx, message.LevelInfo, fmt.Sprintf("🔐 Permissions are now %s.", mode))
		s.persist()
	case approveCmd:
		if s.pendingApproval != nil {
			s.resolveApproval(ctx, interactive.DecisionAllowOnce, c.username)
		} else {
			s.msg.System().Post(ctx, message.LevelWarn, "Nothing is waiting for approval.")
		}
	case infoCmd:
		c.reply <- s.info()
	}
	return false
}

// handleEvent feeds one child stdout event through the transformer and the
// executors.
func (s *Session) handleEvent(ctx context.Context, evt agent.Event) {
	s.touchActivity(ctx)
	tctx := message.TransformContext{
		SkipPermissions:        s.settings.SkipPermissions,
		InteractivePermissions: s.interactivePermissions,
		AllowedTools:           s.allowedTools,
	}
	for _, op := range message.Transform(evt, tctx) {
		if err := s.msg.Dispatch(ctx, op); err != nil {
			s.log.Warn("operation failed", zap.Error(err))
		}
	}
	s.scanAICommands(ctx, evt)
}

// scanAICommands picks the allow-listed !commands off the AI's own text
// output, one per line.
func (s *Session) scanAICommands(ctx context.Context, evt agent.Event) {
	if evt.Type != agent.EventTypeAssistant || evt.Message == nil {
		return
	}
	for _, block := range evt.Message.Content {
		tb, ok := block.(agent.TextBlock)
		if !ok {
			continue
		}
		for _, line := range strings.Split(tb.Text, "\n") {
			if cmd, ok := commands.ParseAIOutput(line); ok {
				s.handleAICommand(ctx, cmd)
			}
		}
	}
}

func (s *Session) handleAICommand(ctx context.Context, cmd *commands.Command) {
	switch cmd.Name {
	case "cd":
		dir := cmd.Args[0]
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			s.msg.System().Post(ctx, message.LevelWarn, fmt.Sprintf("⚠️ `%s` is not a directory.", dir))
			return
		}
		s.workingDir = dir
		s.persist()
		s.msg.System().Post(ctx, message.LevelInfo, fmt.Sprintf("📂 Working directory recorded as `%s`; a resume starts there.", dir))
	case "worktree":
		if s.deps.Worktrees == nil {
			return
		}
		lines := s.deps.Worktrees.Summary()
		if len(lines) == 0 {
			s.msg.System().Post(ctx, message.LevelInfo, "No managed worktrees.")
			return
		}
		s.msg.System().Post(ctx, message.LevelInfo, "🌳 Managed worktrees:\n"+strings.Join(lines, "\n"))
	case "bug":
		title := strings.Join(cmd.Args, " ")
		if title == "" {
			title = fmt.Sprintf("Bug report from session #%d", s.SessionNumber)
		}
		s.handleBugReport(ctx, title, "",
			fmt.Sprintf("session %s, model %s", s.ID, s.model))
	}
}

func (s *Session) handleUserMessage(ctx context.Context, username, text string) {
	if !s.allowedUser(username) {
		return
	}
	s.touchActivity(ctx)

	switch {
	case s.pendingWorktree != nil:
		if choice, ok := s.pendingWorktree.HandleReply(text); ok {
			s.resolveWorktree(ctx, choice)
			return
		}
		// Not a branch answer; keep it as (part of) the queued prompt.
		s.queuePrompt(text)
	case s.pendingQuestions != nil:
		if s.pendingQuestions.HandleReply(text) {
			s.advanceQuestions(ctx)
		}
	case s.pendingContext != nil:
		s.queuePrompt(text)
		s.persist()
	default:
		if s.State() == StateInterrupted {
			s.setState(StateIdle)
		}
		s.deliver(ctx, text)
	}
}

// queuePrompt accumulates messages that arrive while a prompt is pending.
func (s *Session) queuePrompt(text string) {
	if s.queuedPrompt == "" {
		s.queuedPrompt = text
		return
	}
	s.queuedPrompt += "\n\n" + text
}

// deliver sends one message to the AI child and flips the session to
// working.
func (s *Session) deliver(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if s.client == nil || !s.client.Running() {
		s.msg.System().Post(ctx, message.LevelWarn, "The AI is not running; react 🔄 on the session header to resume.")
		return
	}
	if err := s.client.SendMessage(text); err != nil {
		s.log.Error("send to agent failed", zap.Error(err))
		s.msg.System().Post(ctx, message.LevelError, "Could not reach the AI process.")
		return
	}
	s.messageCount++
	s.setState(StateWorking)
	s.recordTranscript(transcript.DirectionInbound, text)
	s.persist()
	s.publishSession(events.SessionUpdated)
}

// handleReaction routes an emoji through the pending prompts in priority
// order; the first consumer wins. Control emojis on the header and lifecycle
// posts come last.
func (s *Session) handleReaction(ctx context.Context, postID, emoji, username string) bool {
	if !s.allowedUser(username) {
		return false
	}
	s.touchActivity(ctx)

	if a := s.pendingApproval; a != nil {
		if decision := a.HandleReaction(postID, emoji); decision != interactive.DecisionNone {
			s.resolveApproval(ctx, decision, username)
			return true
		}
	}
	if q := s.pendingQuestions; q != nil {
		if q.HandleReaction(postID, emoji) {
			s.advanceQuestions(ctx)
			return true
		}
		if postID == q.CurrentPostID && emoji == platform.EmojiCancel {
			s.abortQuestions(ctx)
			return true
		}
	}
	if c := s.pendingContext; c != nil {
		if choice, ok := c.HandleReaction(postID, emoji); ok {
			s.resolveContext(ctx, choice)
			return true
		}
	}
	if w := s.pendingWorktree; w != nil {
		if choice, ok := w.HandleReaction(postID, emoji); ok {
			s.resolveWorktree(ctx, choice)
			return true
		}
	}
	if m := s.pendingMsgApproval; m != nil {
		if send, ok := m.HandleReaction(postID, emoji); ok {
			s.resolveMessageApproval(ctx, send)
			return true
		}
	}
	if b := s.pendingBugReport; b != nil {
		if file, ok := b.HandleReaction(postID, emoji); ok {
			s.resolveBugReport(ctx, file)
			return true
		}
	}

	if postID == s.sessionStartPostID || (s.lifecyclePostID != "" && postID == s.lifecyclePostID) {
		switch emoji {
		case platform.EmojiCancel, platform.EmojiStop:
			s.cancel(ctx)
			return true
		case platform.EmojiInterrupt:
			s.handleInterrupt(ctx)
			return true
		}
	}
	return false
}

func (s *Session) handleInterrupt(ctx context.Context) {
	if s.client == nil || !s.client.Interrupt() {
		return
	}
	s.setState(StateInterrupted)
	s.postLifecycleNotice(ctx, "⏸️ Interrupted. Send a message to continue, or react ❌ to end the session.")
	s.persist()
	s.publishLifecycle("interrupted", "")
}

// cancel ends the session for good: SIGTERM, soft-delete, no resume.
func (s *Session) cancel(ctx context.Context) {
	s.setState(StateCancelling)
	s.finalizing = true
	s.unpersist = true
	s.exitNotice = "🛑 Session cancelled."
	s.publishLifecycle("cancelled", "")
	if s.client == nil || !s.client.Terminate() {
		s.handleExit(ctx, agent.ExitStatus{})
		return
	}
	s.killDeadline = time.Now().Add(killGrace)
}

// beginShutdown detaches the session when the whole bridge stops: SIGTERM
// to the child, snapshot kept so the next start can resume it. Returns true
// when the session finished on the spot.
func (s *Session) beginShutdown(ctx context.Context) bool {
	s.finalizing = true
	if s.exitNotice == "" {
		s.exitNotice = ShutdownNotice
	}
	if s.client == nil || !s.client.Terminate() {
		s.handleExit(ctx, agent.ExitStatus{})
		return true
	}
	s.killDeadline = time.Now().Add(killGrace)
	return false
}

func (s *Session) handleKill(ctx context.Context, c killCmd) bool {
	s.finalizing = true
	s.unpersist = c.unpersist
	s.timedOut = s.timedOut || c.timedOut
	s.exitNotice = c.notice
	if s.client == nil || !s.client.Terminate() {
		s.handleExit(ctx, agent.ExitStatus{})
		return true
	}
	s.killDeadline = time.Now().Add(killGrace)
	// Exit finishes on doneCh or via the pulse escalation.
	return false
}

func (s *Session) handleNotice(ctx context.Context, c noticeCmd) {
	postID := s.msg.System().Post(ctx, c.level, c.text)
	if c.lifecycle && postID != "" {
		s.lifecyclePostID = postID
		s.deps.Registry.RegisterPost(postID, s.ThreadID)
		s.persist()
	}
}

// postLifecycleNotice posts an info notice and records it as the lifecycle
// anchor for resume and control reactions.
func (s *Session) postLifecycleNotice(ctx context.Context, text string) {
	s.handleNotice(ctx, noticeCmd{level: message.LevelInfo, text: text, lifecycle: true})
}

// handleWarn posts the idle-timeout warning once; touchActivity clears it.
func (s *Session) handleWarn(ctx context.Context, remaining time.Duration) {
	if s.Warned() {
		return
	}
	text := fmt.Sprintf("⏰ No activity for a while. This session ends in %d minutes. Any message keeps it alive.",
		int(remaining.Minutes()))
	postID := s.msg.System().Post(ctx, message.LevelWarn, text)
	if postID == "" {
		return
	}
	s.warningPostID = postID
	s.lifecyclePostID = postID
	s.deps.Registry.RegisterPost(postID, s.ThreadID)
	s.setWarned(true)
	s.persist()
	s.publishLifecycle("timeout_warning", "")
}

func (s *Session) handleInvite(ctx context.Context, username string) {
	if username == "" || s.allowedUser(username) {
		return
	}
	s.invitedUsers = append(s.invitedUsers, username)
	s.msg.System().Post(ctx, message.LevelInfo, fmt.Sprintf("👥 @%s can now drive this session.", username))
	s.persist()
}

func (s *Session) handleKick(ctx context.Context, username string) {
	kept := s.invitedUsers[:0]
	removed := false
	for _, invited := range s.invitedUsers {
		if invited == username {
			removed = true
			continue
		}
		kept = append(kept, invited)
	}
	s.invitedUsers = kept
	if removed {
		s.msg.System().Post(ctx, message.LevelInfo, fmt.Sprintf("👥 @%s was removed from this session.", username))
		s.persist()
	}
}

func (s *Session) info() Info {
	info := Info{
		SessionID:              s.ID,
		PlatformID:             s.PlatformID,
		ThreadID:               s.ThreadID,
		Username:               s.Username,
		State:                  s.State(),
		SessionNumber:          s.SessionNumber,
		StartedAt:              s.StartedAt,
		WorkingDir:             s.workingDir,
		Model:                  s.model,
		TotalCostUSD:           s.totalCostUSD,
		MessageCount:           s.messageCount,
		InvitedUsers:           append([]string(nil), s.invitedUsers...),
		InteractivePermissions: s.interactivePermissions,
	}
	if s.worktreeInfo != nil {
		info.WorktreeBranch = s.worktreeInfo.Branch
		info.WorktreePath = s.worktreeInfo.WorktreePath
		info.WorktreeOwner = s.isWorktreeOwner
	}
	return info
}

// tickPulse flushes streamed content, resolves expired prompts, and
// escalates a terminate that the child ignored.
func (s *Session) tickPulse(ctx context.Context) bool {
	if s.finalizing && !s.killDeadline.IsZero() && time.Now().After(s.killDeadline) {
		if s.client != nil && s.client.Running() {
			s.log.Warn("agent ignored SIGTERM, sending SIGKILL")
			s.client.Signal(syscall.SIGKILL)
			s.killDeadline = time.Now().Add(killGrace)
		} else {
			s.handleExit(ctx, agent.ExitStatus{})
			return true
		}
	}

	now := time.Now()
	if a := s.pendingApproval; a != nil && a.Expired(now) {
		s.resolveApproval(ctx, interactive.DecisionDeny, "")
	}
	if c := s.pendingContext; c != nil && c.Expired(now) {
		s.resolveContext(ctx, interactive.ContextChoice{Skip: true})
	}

	if s.msg.Content().Pending() != "" {
		if err := s.msg.Content().Flush(ctx); err != nil {
			s.log.Debug("pulse flush failed", zap.Error(err))
		}
	}
	return false
}

func (s *Session) tickTyping(ctx context.Context) {
	if s.State() != StateWorking {
		return
	}
	if err := s.deps.Adapter.SendTyping(ctx, s.ChannelID, s.ThreadID); err != nil {
		s.log.Debug("typing indicator failed", zap.Error(err))
	}
}

// handleExit finalizes the session after the child is gone (or was never
// started). It posts the exit notice, persists or soft-deletes the snapshot,
// and tells the manager.
func (s *Session) handleExit(ctx context.Context, status agent.ExitStatus) {
	if err := s.msg.Content().Flush(ctx); err != nil {
		s.log.Debug("final flush failed", zap.Error(err))
	}

	switch {
	case s.finalizing:
		if s.exitNotice != "" {
			s.postLifecycleNotice(ctx, s.exitNotice)
		}
	case status.Err != nil && agent.IsPermanentFailure(status.Err):
		s.setState(StateError)
		s.postLifecycleNotice(ctx, fmt.Sprintf("❌ The AI process failed permanently: %s", firstLine(status.Err.Error())))
	case status.Code != 0:
		s.setState(StateError)
		s.postLifecycleNotice(ctx, fmt.Sprintf("⚠️ The AI process exited with code %d. React 🔄 to resume.", status.Code))
	default:
		s.postLifecycleNotice(ctx, "Session ended. React 🔄 to resume.")
	}

	s.finish(status)
}

// finish is the single shutdown path: persistence, events, deregistration.
func (s *Session) finish(status agent.ExitStatus) {
	if s.unpersist {
		if err := s.deps.Store.SoftDelete(s.ID); err != nil {
			s.log.Warn("soft delete failed", zap.Error(err))
		}
	} else {
		s.persist()
	}
	s.publishSession(events.SessionRemoved)
	s.publishStickyRefresh()
	if s.onExit != nil {
		s.onExit(s, status)
	}
	close(s.stopped)
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}
