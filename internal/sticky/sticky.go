// Package sticky maintains one pinned post per channel summarizing the bot:
// name, version, enabled state, and the active sessions. The post ID lives
// in the session store so restarts pick the same post back up.
package sticky

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/platform"
	"github.com/threadline/threadline/internal/session/store"
)

// Row is one active session on the summary.
type Row struct {
	Username  string
	ThreadID  string
	StartedAt time.Time
	State     string
}

// Provider supplies the live session rows for one platform.
type Provider interface {
	ActiveRows(platformID string) []Row
}

// Manager refreshes the sticky post of one platform's channel.
type Manager struct {
	adapter  platform.Adapter
	store    *store.Store
	provider Provider
	botName  string
	version  string
	log      *logger.Logger
}

// NewManager builds a sticky manager for one platform adapter.
func NewManager(adapter platform.Adapter, st *store.Store, provider Provider, botName, version string, log *logger.Logger) *Manager {
	return &Manager{
		adapter:  adapter,
		store:    st,
		provider: provider,
		botName:  botName,
		version:  version,
		log:      log.WithFields(zap.String("component", "sticky"), zap.String("platformId", adapter.ID())),
	}
}

// Refresh renders the summary and updates (or creates and pins) the sticky
// post. Errors are logged, never propagated; a stale sticky must not block
// session work.
func (m *Manager) Refresh(ctx context.Context, channelID string) {
	content := m.render()
	platformID := m.adapter.ID()

	postID := m.store.StickyPostID(platformID)
	if postID != "" {
		if err := m.adapter.UpdatePost(ctx, postID, content); err == nil {
			m.ensurePinned(ctx, channelID, postID)
			return
		}
		// The post is gone (deleted by an admin, channel purge): start over.
		m.log.Info("sticky post lost, recreating", zap.String("postId", postID))
	}

	post, err := m.adapter.CreatePost(ctx, channelID, content, "")
	if err != nil {
		m.log.Warn("sticky post create failed", zap.Error(err))
		return
	}
	if err := m.adapter.PinPost(ctx, post.ID); err != nil {
		m.log.Warn("sticky post pin failed", zap.String("postId", post.ID), zap.Error(err))
	}
	if err := m.store.SetStickyPostID(platformID, post.ID); err != nil {
		m.log.Warn("sticky post id persist failed", zap.Error(err))
	}
}

// ensurePinned re-pins the sticky when someone unpinned it.
func (m *Manager) ensurePinned(ctx context.Context, channelID, postID string) {
	pinned, err := m.adapter.PinnedPosts(ctx, channelID)
	if err != nil {
		return
	}
	for _, p := range pinned {
		if p.ID == postID {
			return
		}
	}
	if err := m.adapter.PinPost(ctx, postID); err != nil {
		m.log.Warn("sticky re-pin failed", zap.String("postId", postID), zap.Error(err))
	}
}

func (m *Manager) render() string {
	f := m.adapter.Formatter()
	platformID := m.adapter.ID()

	var sb strings.Builder
	sb.WriteString(f.Bold(fmt.Sprintf("🤖 %s v%s", m.botName, m.version)))
	sb.WriteString("\n")
	if m.store.PlatformEnabled(platformID) {
		sb.WriteString(fmt.Sprintf("Mention @%s in a thread to start a session. `!help` lists commands.\n", m.botName))
	} else {
		sb.WriteString("⏸️ Currently disabled on this platform.\n")
	}

	rows := m.provider.ActiveRows(platformID)
	if len(rows) == 0 {
		sb.WriteString("\nNo active sessions.")
		return sb.String()
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].StartedAt.Before(rows[j].StartedAt) })
	table := make([][]string, 0, len(rows))
	for _, row := range rows {
		table = append(table, []string{
			stateEmoji(row.State),
			row.Username,
			shortThread(row.ThreadID),
			age(time.Since(row.StartedAt)),
		})
	}
	sb.WriteString("\n")
	sb.WriteString(f.Bold(fmt.Sprintf("Active sessions (%d)", len(rows))))
	sb.WriteString("\n")
	sb.WriteString(f.Table([]string{"", "User", "Thread", "Age"}, table))
	return sb.String()
}

func stateEmoji(state string) string {
	switch state {
	case "working":
		return "🔄"
	case "interrupted":
		return "⏸️"
	case "error":
		return "❌"
	default:
		return "💬"
	}
}

func shortThread(threadID string) string {
	if len(threadID) <= 8 {
		return threadID
	}
	return threadID[:8]
}

func age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
