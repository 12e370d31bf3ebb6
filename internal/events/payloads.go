package events

import "time"

// SessionPayload describes a session for session.* events.
type SessionPayload struct {
	SessionID     string     `json:"session_id"`
	PlatformID    string     `json:"platform_id"`
	ThreadID      string     `json:"thread_id"`
	Username      string     `json:"username"`
	State         string     `json:"state"`
	SessionNumber int        `json:"session_number"`
	WorkingDir    string     `json:"working_dir,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	LastActivity  time.Time  `json:"last_activity"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// LifecyclePayload carries user-visible lifecycle notices (warning posted,
// interrupted, cancelled, timed out).
type LifecyclePayload struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
}

// ApprovalCompletePayload reports the outcome of a permission, plan, or action
// approval.
type ApprovalCompletePayload struct {
	SessionID string `json:"session_id"`
	ToolUseID string `json:"tool_use_id"`
	Kind      string `json:"kind"`     // permission, plan, action
	Behavior  string `json:"behavior"` // allow, allow_always, deny, timeout
	Username  string `json:"username,omitempty"`
}

// QuestionCompletePayload reports a finished multi-choice question set.
type QuestionCompletePayload struct {
	SessionID string `json:"session_id"`
	ToolUseID string `json:"tool_use_id"`
	Answers   []int  `json:"answers"`
}

// ContextPromptCompletePayload reports the chosen thread-history depth.
// Included is 0 when the user skipped.
type ContextPromptCompletePayload struct {
	SessionID string `json:"session_id"`
	Included  int    `json:"included"`
	Skipped   bool   `json:"skipped"`
}

// WorktreePromptCompletePayload reports the worktree decision for a session.
type WorktreePromptCompletePayload struct {
	SessionID string `json:"session_id"`
	Branch    string `json:"branch,omitempty"`
	Skipped   bool   `json:"skipped"`
	Retried   bool   `json:"retried"`
}

// BugReportCompletePayload reports an approved or discarded bug report.
type BugReportCompletePayload struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	Approved  bool   `json:"approved"`
}

// MessageApprovalCompletePayload reports a sent or discarded deferred message.
type MessageApprovalCompletePayload struct {
	SessionID string `json:"session_id"`
	Sent      bool   `json:"sent"`
}

// UpdatePayload describes auto-update progress.
type UpdatePayload struct {
	CurrentVersion string     `json:"current_version"`
	TargetVersion  string     `json:"target_version"`
	Mode           string     `json:"mode,omitempty"`
	DeferredUntil  *time.Time `json:"deferred_until,omitempty"`
}

// PlatformPayload describes platform connectivity changes.
type PlatformPayload struct {
	PlatformID string `json:"platform_id"`
	Enabled    bool   `json:"enabled"`
	Detail     string `json:"detail,omitempty"`
}
