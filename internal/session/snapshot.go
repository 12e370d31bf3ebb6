package session

import (
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/interactive"
	"github.com/threadline/threadline/internal/message"
	"github.com/threadline/threadline/internal/session/store"
)

// persist writes the current snapshot to the store. Called after every state
// change the session must survive a restart with.
func (s *Session) persist() {
	if err := s.deps.Store.Save(s.ID, s.snapshot()); err != nil {
		s.log.Warn("session persist failed", zap.Error(err))
	}
}

// snapshot exports every non-transient field.
func (s *Session) snapshot() *store.Snapshot {
	s.obsMu.Lock()
	state := s.state
	lastActivity := s.lastActivityAt
	s.obsMu.Unlock()

	tasks := s.msg.Tasks().State()
	snap := &store.Snapshot{
		SessionID:   s.ID,
		PlatformID:  s.PlatformID,
		ThreadID:    s.ThreadID,
		ChannelID:   s.ChannelID,
		SessionUUID: s.SessionUUID,

		Username:       s.Username,
		StartedAt:      s.StartedAt,
		LastActivityAt: lastActivity,
		SessionNumber:  s.SessionNumber,
		WorkingDir:     s.workingDir,

		InvitedUsers:           append([]string(nil), s.invitedUsers...),
		InteractivePermissions: s.interactivePermissions,

		SessionStartPostID: s.sessionStartPostID,
		LifecyclePostID:    s.lifecyclePostID,

		TasksPostID:      tasks.PostID,
		LastTasksContent: tasks.LastContent,
		TasksCompleted:   tasks.Completed,
		TasksMinimized:   tasks.Minimized,

		Worktree:        s.worktreeInfo,
		IsWorktreeOwner: s.isWorktreeOwner,

		State:           state,
		ResumeFailCount: s.resumeFailCount,
		MessageCount:    s.messageCount,
		PlanApproved:    s.planApproved,
		TimedOut:        s.timedOut,
	}

	if s.pendingApproval != nil {
		snap.PendingApproval = s.pendingApproval.Snapshot()
	}
	if s.pendingQuestions != nil {
		snap.PendingQuestions = s.pendingQuestions.Snapshot()
	}
	if s.pendingContext != nil {
		snap.PendingContextPrompt = s.pendingContext.Snapshot()
	}
	if s.pendingWorktree != nil {
		snap.PendingWorktreePrompt = s.pendingWorktree.Snapshot()
	}
	if s.pendingMsgApproval != nil {
		snap.PendingMessageApproval = s.pendingMsgApproval.Snapshot()
	}
	if s.pendingBugReport != nil {
		snap.PendingBugReport = s.pendingBugReport.Snapshot()
	}
	return snap
}

// rehydrate restores a resumed session from its snapshot. Runs before the
// dispatcher starts, so direct field access is safe.
func (s *Session) rehydrate(snap *store.Snapshot) {
	s.StartedAt = snap.StartedAt
	s.workingDir = snap.WorkingDir
	s.invitedUsers = append([]string(nil), snap.InvitedUsers...)
	s.interactivePermissions = snap.InteractivePermissions
	s.messageCount = snap.MessageCount
	s.planApproved = snap.PlanApproved
	s.resumeFailCount = snap.ResumeFailCount
	s.timedOut = false

	s.sessionStartPostID = snap.SessionStartPostID
	s.lifecyclePostID = snap.LifecyclePostID
	s.worktreeInfo = snap.Worktree
	s.isWorktreeOwner = snap.IsWorktreeOwner

	s.msg.Tasks().Restore(message.TaskListState{
		PostID:      snap.TasksPostID,
		LastContent: snap.LastTasksContent,
		Completed:   snap.TasksCompleted,
		Minimized:   snap.TasksMinimized,
	})

	reg := s.deps.Registry
	reg.RegisterPost(snap.SessionStartPostID, s.ThreadID)
	reg.RegisterPost(snap.LifecyclePostID, s.ThreadID)

	if snap.PendingApproval != nil {
		s.pendingApproval = interactive.ApprovalFromSnapshot(snap.PendingApproval)
		reg.RegisterPost(s.pendingApproval.PostID, s.ThreadID)
	}
	if snap.PendingQuestions != nil {
		s.pendingQuestions = interactive.QuestionFlowFromSnapshot(snap.PendingQuestions)
		reg.RegisterPost(s.pendingQuestions.CurrentPostID, s.ThreadID)
	}
	if snap.PendingContextPrompt != nil {
		s.pendingContext = interactive.ContextPromptFromSnapshot(snap.PendingContextPrompt)
		s.queuedPrompt = s.pendingContext.QueuedPrompt
		reg.RegisterPost(s.pendingContext.PostID, s.ThreadID)
	}
	if snap.PendingWorktreePrompt != nil {
		s.pendingWorktree = interactive.WorktreePromptFromSnapshot(snap.PendingWorktreePrompt)
		s.queuedPrompt = s.pendingWorktree.QueuedPrompt
		reg.RegisterPost(s.pendingWorktree.PostID, s.ThreadID)
	}
	if snap.PendingMessageApproval != nil {
		s.pendingMsgApproval = interactive.MessageApprovalFromSnapshot(snap.PendingMessageApproval)
		reg.RegisterPost(s.pendingMsgApproval.PostID, s.ThreadID)
	}
	if snap.PendingBugReport != nil {
		s.pendingBugReport = interactive.BugReportFromSnapshot(snap.PendingBugReport)
		reg.RegisterPost(s.pendingBugReport.PostID, s.ThreadID)
	}
}
