package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/events"
	"github.com/threadline/threadline/internal/events/bus"
)

// publishPayload emits one session-scoped event on the bus. Publishing never
// blocks session work; failures are logged and dropped.
func (s *Session) publishPayload(eventType string, payload any) {
	if s.deps.Bus == nil {
		return
	}
	evt, err := bus.NewPayloadEvent(eventType, "session", payload)
	if err != nil {
		s.log.Warn("event payload encode failed", zap.String("type", eventType), zap.Error(err))
		return
	}
	subject := events.BuildSessionSubject(eventType, s.ID)
	if err := s.deps.Bus.Publish(context.Background(), subject, evt); err != nil {
		s.log.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// publishSession emits a session.* event carrying the full session summary.
func (s *Session) publishSession(eventType string) {
	s.obsMu.Lock()
	state := s.state
	lastActivity := s.lastActivityAt
	s.obsMu.Unlock()

	s.publishPayload(eventType, events.SessionPayload{
		SessionID:     s.ID,
		PlatformID:    s.PlatformID,
		ThreadID:      s.ThreadID,
		Username:      s.Username,
		State:         state,
		SessionNumber: s.SessionNumber,
		WorkingDir:    s.workingDir,
		StartedAt:     s.StartedAt,
		LastActivity:  lastActivity,
	})
}

// publishLifecycle emits a user-visible lifecycle notice event.
func (s *Session) publishLifecycle(kind, detail string) {
	s.publishPayload(events.SessionLifecycle, events.LifecyclePayload{
		SessionID: s.ID,
		Kind:      kind,
		Detail:    detail,
	})
}

// publishStickyRefresh asks the sticky manager to re-render the channel
// summary.
func (s *Session) publishStickyRefresh() {
	if s.deps.Bus == nil {
		return
	}
	evt, err := bus.NewPayloadEvent(events.StickyRefreshRequested, "session", events.PlatformPayload{PlatformID: s.PlatformID})
	if err != nil {
		return
	}
	if err := s.deps.Bus.Publish(context.Background(), events.StickyRefreshRequested, evt); err != nil {
		s.log.Debug("sticky refresh publish failed", zap.Error(err))
	}
}
