// Package events provides event types and utilities for the threadline event system.
package events

// Event types for session lifecycle
const (
	SessionStarted   = "session.started"
	SessionResumed   = "session.resumed"
	SessionUpdated   = "session.updated"
	SessionRemoved   = "session.removed"
	SessionLifecycle = "session.lifecycle" // warning, interrupt, cancel notices
)

// Event types for interactive completions
const (
	ApprovalComplete        = "approval.complete"
	QuestionComplete        = "question.complete"
	ContextPromptComplete   = "contextprompt.complete"
	WorktreePromptComplete  = "worktreeprompt.complete"
	BugReportComplete       = "bugreport.complete"
	MessageApprovalComplete = "messageapproval.complete"
)

// Event types for the auto-update coordinator
const (
	UpdateAvailable  = "update.available"
	UpdateInstalling = "update.installing"
	UpdateDeferred   = "update.deferred"
)

// Event types for the sticky channel message
const (
	StickyRefreshRequested = "sticky.refresh"
)

// Event types for platform connectivity
const (
	PlatformConnected    = "platform.connected"
	PlatformDisconnected = "platform.disconnected"
	PlatformToggled      = "platform.toggled"
)

// BuildSessionSubject creates a subject scoped to a specific session.
func BuildSessionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildSessionWildcardSubject creates a wildcard subscription for one event
// type across all sessions.
func BuildSessionWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// AllSessionEventsSubject matches every session.* event for every session.
func AllSessionEventsSubject() string {
	return "session.>"
}

// AllUpdateEventsSubject matches every auto-update event.
func AllUpdateEventsSubject() string {
	return "update.>"
}
