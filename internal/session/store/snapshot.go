package store

import (
	"time"

	"github.com/threadline/threadline/internal/worktree"
)

// Snapshot is the persisted form of one session: every non-transient field
// plus enough pending-prompt state to rehydrate after a restart.
type Snapshot struct {
	SessionID   string `json:"sessionId"`
	PlatformID  string `json:"platformId"`
	ThreadID    string `json:"threadId"`
	ChannelID   string `json:"channelId"`
	SessionUUID string `json:"sessionUuid"`

	Username      string    `json:"username"`
	StartedAt     time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	SessionNumber int       `json:"sessionNumber"`
	WorkingDir    string    `json:"workingDir"`

	InvitedUsers           []string `json:"invitedUsers,omitempty"`
	InteractivePermissions bool     `json:"interactivePermissions"`

	// SessionStartPostID is the session header post, the anchor for resume
	// and session-control reactions.
	SessionStartPostID string `json:"sessionStartPostId,omitempty"`
	// LifecyclePostID is the last lifecycle notice (timeout warning,
	// interrupt, cancellation); resume reactions are accepted here too.
	LifecyclePostID string `json:"lifecyclePostId,omitempty"`

	TasksPostID      string `json:"tasksPostId,omitempty"`
	LastTasksContent string `json:"lastTasksContent,omitempty"`
	TasksCompleted   bool   `json:"tasksCompleted,omitempty"`
	TasksMinimized   bool   `json:"tasksMinimized,omitempty"`

	Worktree        *worktree.Info `json:"worktreeInfo,omitempty"`
	IsWorktreeOwner bool           `json:"isWorktreeOwner,omitempty"`

	State           string `json:"state"`
	ResumeFailCount int    `json:"resumeFailCount,omitempty"`
	MessageCount    int    `json:"messageCount,omitempty"`
	PlanApproved    bool   `json:"planApproved,omitempty"`
	LastError       string `json:"lastError,omitempty"`

	PendingApproval        *PendingApprovalSnapshot        `json:"pendingApproval,omitempty"`
	PendingQuestions       *PendingQuestionsSnapshot       `json:"pendingQuestions,omitempty"`
	PendingContextPrompt   *PendingContextPromptSnapshot   `json:"pendingContextPrompt,omitempty"`
	PendingWorktreePrompt  *PendingWorktreePromptSnapshot  `json:"pendingWorktreePrompt,omitempty"`
	PendingMessageApproval *PendingMessageApprovalSnapshot `json:"pendingMessageApproval,omitempty"`
	PendingBugReport       *PendingBugReportSnapshot       `json:"pendingBugReport,omitempty"`

	// TimedOut marks a session killed by the idle monitor; it stays
	// resumable and shows in history.
	TimedOut bool `json:"timedOut,omitempty"`
	// CleanedAt soft-deletes the row. Active loads skip it; history keeps
	// it until retention purges it.
	CleanedAt *time.Time `json:"cleanedAt,omitempty"`
}

// PendingApprovalSnapshot persists an outstanding permission/plan/action
// approval.
type PendingApprovalSnapshot struct {
	PostID    string     `json:"postId"`
	ToolUseID string     `json:"toolUseId"`
	Kind      string     `json:"kind"` // permission, plan, action
	Text      string     `json:"text,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`
}

// PendingQuestionsSnapshot persists an in-flight multi-choice question set.
type PendingQuestionsSnapshot struct {
	ToolUseID     string             `json:"toolUseId"`
	Questions     []QuestionSnapshot `json:"questions"`
	CurrentIndex  int                `json:"currentIndex"`
	CurrentPostID string             `json:"currentPostId,omitempty"`
}

// QuestionSnapshot is one question of a pending set.
type QuestionSnapshot struct {
	Header  string   `json:"header,omitempty"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
	// Answer is the 1-based chosen option, 0 while unanswered.
	Answer int `json:"answer,omitempty"`
}

// PendingContextPromptSnapshot persists a context-inclusion prompt.
type PendingContextPromptSnapshot struct {
	PostID             string    `json:"postId"`
	QueuedPrompt       string    `json:"queuedPrompt"`
	ThreadMessageCount int       `json:"threadMessageCount"`
	AvailableOptions   []int     `json:"availableOptions"`
	CreatedAt          time.Time `json:"createdAt"`
	Deadline           time.Time `json:"deadline"`
}

// PendingWorktreePromptSnapshot persists either worktree prompt variant.
type PendingWorktreePromptSnapshot struct {
	PostID            string   `json:"postId"`
	QueuedPrompt      string   `json:"queuedPrompt"`
	BranchSuggestions []string `json:"branchSuggestions,omitempty"`
	// Failure-variant fields.
	FailedBranch string `json:"failedBranch,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Username     string `json:"username,omitempty"`
}

// IsFailure reports whether this is the retry-after-failure variant.
func (p *PendingWorktreePromptSnapshot) IsFailure() bool {
	return p.FailedBranch != ""
}

// PendingMessageApprovalSnapshot persists a deferred outbound message.
type PendingMessageApprovalSnapshot struct {
	PostID  string `json:"postId"`
	Message string `json:"message"`
}

// PendingBugReportSnapshot persists a bug report awaiting approval.
type PendingBugReportSnapshot struct {
	PostID  string `json:"postId"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Context string `json:"context,omitempty"`
}
