package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/events"
	"github.com/threadline/threadline/internal/interactive"
	"github.com/threadline/threadline/internal/message"
	"github.com/threadline/threadline/internal/platform"
)

// HandleApproval implements message.InteractiveSink. Called on the
// dispatcher goroutine via Manager.Dispatch.
func (s *Session) HandleApproval(ctx context.Context, op message.ApprovalOp) error {
	if s.pendingApproval != nil {
		// One approval at a time; deny the newcomer so the child unblocks.
		s.sendToolResultError(op.ToolUseID, "Another approval is already pending.")
		return nil
	}
	timeout := s.settings.PermissionTimeout
	if op.Kind == interactive.ApprovalPlan {
		timeout = 0
	}
	a := interactive.NewApproval(op.ToolUseID, op.Kind, op.Text, timeout)
	if err := a.Post(ctx, s.thread()); err != nil {
		return err
	}
	s.pendingApproval = a
	s.pendingApprovalTool = op.Tool
	s.deps.Registry.RegisterPost(a.PostID, s.ThreadID)
	s.persist()
	return nil
}

// HandleQuestions implements message.InteractiveSink.
func (s *Session) HandleQuestions(ctx context.Context, op message.QuestionOp) error {
	if s.pendingQuestions != nil {
		s.sendToolResultError(op.ToolUseID, "Another question set is already pending.")
		return nil
	}
	flow := interactive.NewQuestionFlow(op.ToolUseID, op.Questions)
	if err := flow.PostCurrent(ctx, s.thread()); err != nil {
		return err
	}
	s.pendingQuestions = flow
	s.deps.Registry.RegisterPost(flow.CurrentPostID, s.ThreadID)
	s.persist()
	return nil
}

func (s *Session) resolveApproval(ctx context.Context, decision interactive.ApprovalDecision, username string) {
	a := s.pendingApproval
	tool := s.pendingApprovalTool
	s.pendingApproval = nil
	s.pendingApprovalTool = ""
	s.deps.Registry.UnregisterPost(a.PostID)

	behavior := "deny"
	switch {
	case a.Kind == interactive.ApprovalPlan && decision == interactive.DecisionAllowOnce:
		behavior = "allow"
		s.planApproved = true
		// A stale question set from plan mode would now answer a dead
		// tool_use; drop it.
		s.clearQuestions()
		s.sendToolResult(a.ToolUseID, interactive.PlanApprovedMessage)
		s.setState(StateWorking)
	case a.Kind == interactive.ApprovalPlan:
		s.sendToolResultError(a.ToolUseID, "User rejected the plan. Revise it and ask again.")
	default:
		content, isError := a.ToolResult(decision)
		if decision == interactive.DecisionAllowRule && tool != "" {
			behavior = "allow_always"
			s.allowedTools[tool] = true
		} else if !isError {
			behavior = "allow"
		}
		if isError {
			s.sendToolResultError(a.ToolUseID, content)
		} else {
			s.sendToolResult(a.ToolUseID, content)
			s.setState(StateWorking)
		}
	}

	s.markPromptResolved(ctx, a, decision, username)
	s.persist()
	s.publishPayload(events.ApprovalComplete, events.ApprovalCompletePayload{
		SessionID: s.ID,
		ToolUseID: a.ToolUseID,
		Kind:      a.Kind,
		Behavior:  behavior,
		Username:  username,
	})
}

// markPromptResolved rewrites the prompt post with its outcome so the
// thread shows who decided what. Best effort.
func (s *Session) markPromptResolved(ctx context.Context, a *interactive.Approval, decision interactive.ApprovalDecision, username string) {
	if a.PostID == "" {
		return
	}
	var outcome string
	switch decision {
	case interactive.DecisionAllowOnce:
		outcome = "✅ Approved"
	case interactive.DecisionAllowRule:
		outcome = "✅ Approved for this session"
	default:
		outcome = "❌ Denied"
	}
	if username != "" {
		outcome += " by @" + username
	} else {
		outcome += " (timed out)"
	}
	header := "🔐 Permission"
	if a.Kind == interactive.ApprovalPlan {
		header = "📋 Plan"
	}
	text := fmt.Sprintf("%s\n%s\n\n%s", s.thread().Formatter.Bold(header), a.Text, outcome)
	if err := s.deps.Adapter.UpdatePost(ctx, a.PostID, text); err != nil {
		s.log.Debug("prompt outcome update failed", zap.Error(err))
	}
}

func (s *Session) advanceQuestions(ctx context.Context) {
	flow := s.pendingQuestions
	if flow.Done() {
		s.clearQuestions()
		s.sendToolResult(flow.ToolUseID, flow.ResultPayload())
		s.setState(StateWorking)
		s.persist()
		s.publishPayload(events.QuestionComplete, events.QuestionCompletePayload{
			SessionID: s.ID,
			ToolUseID: flow.ToolUseID,
		})
		return
	}
	// Next question gets its own post; route its reactions here too.
	if err := flow.PostCurrent(ctx, s.thread()); err != nil {
		s.log.Warn("question post failed", zap.Error(err))
		return
	}
	s.deps.Registry.RegisterPost(flow.CurrentPostID, s.ThreadID)
	s.persist()
}

func (s *Session) abortQuestions(ctx context.Context) {
	flow := s.pendingQuestions
	s.clearQuestions()
	s.sendToolResultError(flow.ToolUseID, "User declined to answer.")
	s.setState(StateWorking)
	s.persist()
	_ = ctx
}

func (s *Session) clearQuestions() {
	if s.pendingQuestions == nil {
		return
	}
	s.deps.Registry.UnregisterPost(s.pendingQuestions.CurrentPostID)
	s.pendingQuestions = nil
}

// postContextPrompt asks about prior thread history before the first prompt
// goes out. The prompt to run is queued until the user decides or the
// window expires.
func (s *Session) postContextPrompt(ctx context.Context, queuedPrompt string) error {
	c := interactive.NewContextPrompt(queuedPrompt, s.threadMessageCount)
	if err := c.Post(ctx, s.thread()); err != nil {
		return err
	}
	s.pendingContext = c
	s.queuedPrompt = queuedPrompt
	s.deps.Registry.RegisterPost(c.PostID, s.ThreadID)
	s.persist()
	return nil
}

func (s *Session) resolveContext(ctx context.Context, choice interactive.ContextChoice) {
	c := s.pendingContext
	s.pendingContext = nil
	s.deps.Registry.UnregisterPost(c.PostID)
	prompt := s.queuedPrompt
	s.queuedPrompt = ""

	included := 0
	if !choice.Skip {
		opts := platform.ThreadHistoryOptions{ExcludeBotMessages: true}
		if choice.Count > 0 {
			opts.Limit = choice.Count
		}
		messages, err := s.deps.Adapter.ThreadHistory(ctx, s.ThreadID, opts)
		if err != nil {
			s.log.Warn("thread history fetch failed", zap.Error(err))
		} else if preamble := interactive.BuildPreamble(messages, choice.Count); preamble != "" {
			prompt = preamble + "\n" + prompt
			included = len(messages)
			if choice.Count > 0 && choice.Count < included {
				included = choice.Count
			}
		}
	}

	outcome := "⏭️ Continuing without earlier thread context."
	if included > 0 {
		outcome = fmt.Sprintf("💬 Including the last %d thread messages.", included)
	}
	if err := s.deps.Adapter.UpdatePost(ctx, c.PostID, outcome); err != nil {
		s.log.Debug("context prompt update failed", zap.Error(err))
	}

	s.publishPayload(events.ContextPromptComplete, events.ContextPromptCompletePayload{
		SessionID: s.ID,
		Included:  included,
		Skipped:   choice.Skip,
	})
	s.deliver(ctx, prompt)
	s.persist()
}

// postWorktreePrompt defers the child start until the user picks a branch
// or skips isolation.
func (s *Session) postWorktreePrompt(ctx context.Context, queuedPrompt string, suggestions []string) error {
	w := interactive.NewWorktreePrompt(queuedPrompt, suggestions)
	if err := w.Post(ctx, s.thread()); err != nil {
		return err
	}
	s.pendingWorktree = w
	s.queuedPrompt = queuedPrompt
	s.deps.Registry.RegisterPost(w.PostID, s.ThreadID)
	s.persist()
	return nil
}

func (s *Session) resolveWorktree(ctx context.Context, choice interactive.WorktreeChoice) {
	w := s.pendingWorktree
	s.pendingWorktree = nil
	s.deps.Registry.UnregisterPost(w.PostID)
	retried := w.IsFailure()

	if !choice.Skip {
		info, err := s.deps.Worktrees.Create(ctx, s.repoRoot, choice.Branch, s.ID)
		if err != nil {
			s.log.Warn("worktree create failed", zap.String("branch", choice.Branch), zap.Error(err))
			retry := interactive.NewWorktreeFailurePrompt(s.queuedPrompt, choice.Branch, err.Error(), s.Username, w.BranchSuggestions)
			if postErr := retry.Post(ctx, s.thread()); postErr != nil {
				s.log.Error("worktree failure prompt failed", zap.Error(postErr))
				choice.Skip = true // fall back to the repo itself
			} else {
				s.pendingWorktree = retry
				s.deps.Registry.RegisterPost(retry.PostID, s.ThreadID)
				s.persist()
				return
			}
		} else {
			s.worktreeInfo = info
			s.isWorktreeOwner = true
			s.workingDir = info.WorktreePath
		}
	}

	outcome := "Working directly in the repository."
	if s.worktreeInfo != nil {
		outcome = fmt.Sprintf("🌿 Working in worktree `%s`.", s.worktreeInfo.Branch)
	}
	if err := s.deps.Adapter.UpdatePost(ctx, w.PostID, outcome); err != nil {
		s.log.Debug("worktree prompt update failed", zap.Error(err))
	}

	s.publishPayload(events.WorktreePromptComplete, events.WorktreePromptCompletePayload{
		SessionID: s.ID,
		Branch:    choice.Branch,
		Skipped:   choice.Skip,
		Retried:   retried,
	})

	prompt := s.queuedPrompt
	s.queuedPrompt = ""
	s.startAndDeliver(ctx, prompt)
}

// startAndDeliver starts the child in the resolved working directory and
// sends the first prompt, via the context prompt when the thread has enough
// history to offer. A single earlier message is included without asking.
func (s *Session) startAndDeliver(ctx context.Context, prompt string) {
	if err := s.startChild(ctx); err != nil {
		return
	}
	if s.pendingContext == nil {
		switch {
		case s.threadMessageCount >= 2:
			if err := s.postContextPrompt(ctx, prompt); err == nil {
				return
			}
			s.log.Warn("context prompt failed, sending directly")
		case s.threadMessageCount == 1:
			prompt = s.prependThreadContext(ctx, prompt, 1)
		}
	}
	s.deliver(ctx, prompt)
}

// prependThreadContext fetches the last count non-bot thread messages and
// prefixes the prompt with the rendered preamble. Fetch failures fall back
// to the bare prompt.
func (s *Session) prependThreadContext(ctx context.Context, prompt string, count int) string {
	opts := platform.ThreadHistoryOptions{ExcludeBotMessages: true, Limit: count}
	messages, err := s.deps.Adapter.ThreadHistory(ctx, s.ThreadID, opts)
	if err != nil {
		s.log.Warn("thread history fetch failed", zap.Error(err))
		return prompt
	}
	if preamble := interactive.BuildPreamble(messages, count); preamble != "" {
		return preamble + "\n" + prompt
	}
	return prompt
}

// startChild spawns the AI process for the current working directory.
func (s *Session) startChild(ctx context.Context) error {
	if s.client == nil {
		s.client = s.deps.NewClient(s.workingDir, s.SessionUUID, false)
	}
	if err := s.client.Start(ctx); err != nil {
		s.log.Error("agent start failed", zap.Error(err))
		s.setState(StateError)
		s.msg.System().Post(ctx, message.LevelError, "Could not start the AI process: "+firstLine(err.Error()))
		s.persist()
		return err
	}
	return nil
}

// OfferMessageApproval posts a deferred outbound message for ±1 review.
func (s *Session) OfferMessageApproval(text string) bool {
	return s.send(msgApprovalCmd{text: text})
}

// OfferBugReport posts a drafted bug report for ±1 review.
func (s *Session) OfferBugReport(title, body, contextInfo string) bool {
	return s.send(bugReportCmd{title: title, body: body, context: contextInfo})
}

type msgApprovalCmd struct{ text string }

type bugReportCmd struct{ title, body, context string }

func (msgApprovalCmd) isCommand() {}
func (bugReportCmd) isCommand()   {}

func (s *Session) handleMsgApproval(ctx context.Context, text string) {
	if s.pendingMsgApproval != nil {
		return
	}
	m := interactive.NewMessageApproval(text)
	if err := m.Post(ctx, s.thread()); err != nil {
		s.log.Warn("message approval post failed", zap.Error(err))
		return
	}
	s.pendingMsgApproval = m
	s.deps.Registry.RegisterPost(m.PostID, s.ThreadID)
	s.persist()
}

func (s *Session) resolveMessageApproval(ctx context.Context, sendIt bool) {
	m := s.pendingMsgApproval
	s.pendingMsgApproval = nil
	s.deps.Registry.UnregisterPost(m.PostID)

	if sendIt {
		if _, err := s.deps.Adapter.CreatePost(ctx, s.ChannelID, m.Message, s.ThreadID); err != nil {
			s.log.Warn("approved message post failed", zap.Error(err))
		}
	}
	if err := s.deps.Adapter.DeletePost(ctx, m.PostID); err != nil {
		s.log.Debug("message approval cleanup failed", zap.Error(err))
	}
	s.persist()
	s.publishPayload(events.MessageApprovalComplete, events.MessageApprovalCompletePayload{
		SessionID: s.ID,
		Sent:      sendIt,
	})
}

func (s *Session) handleBugReport(ctx context.Context, title, body, contextInfo string) {
	if s.pendingBugReport != nil {
		return
	}
	b := interactive.NewBugReport(title, body, contextInfo)
	if err := b.Post(ctx, s.thread()); err != nil {
		s.log.Warn("bug report post failed", zap.Error(err))
		return
	}
	s.pendingBugReport = b
	s.deps.Registry.RegisterPost(b.PostID, s.ThreadID)
	s.persist()
}

func (s *Session) resolveBugReport(ctx context.Context, file bool) {
	b := s.pendingBugReport
	s.pendingBugReport = nil
	s.deps.Registry.UnregisterPost(b.PostID)

	outcome := "🗑️ Bug report discarded."
	if file {
		outcome = fmt.Sprintf("🐛 Bug report recorded: %s", b.Title)
		s.log.Info("bug report filed", zap.String("title", b.Title))
	}
	if err := s.deps.Adapter.UpdatePost(ctx, b.PostID, outcome); err != nil {
		s.log.Debug("bug report update failed", zap.Error(err))
	}
	s.persist()
	s.publishPayload(events.BugReportComplete, events.BugReportCompletePayload{
		SessionID: s.ID,
		Title:     b.Title,
		Approved:  file,
	})
}

func (s *Session) sendToolResult(toolUseID, content string) {
	if s.client == nil {
		return
	}
	if err := s.client.SendToolResult(toolUseID, content); err != nil {
		s.log.Warn("tool result send failed", zap.Error(err))
	}
}

func (s *Session) sendToolResultError(toolUseID, content string) {
	if s.client == nil {
		return
	}
	if err := s.client.SendToolResultError(toolUseID, content); err != nil {
		s.log.Warn("tool result send failed", zap.Error(err))
	}
}

// worktreeSuggestions builds branch name candidates for the prompt.
func worktreeSuggestions(username, threadID string) []string {
	short := threadID
	if len(short) > 8 {
		short = short[:8]
	}
	return []string{
		fmt.Sprintf("%s/thread-%s", username, short),
		fmt.Sprintf("feature/%s", short),
	}
}
