package interactive

import (
	"context"
	"fmt"

	"github.com/threadline/threadline/internal/platform"
	"github.com/threadline/threadline/internal/session/store"
)

// MessageApproval holds an outbound message until the user signs it off.
type MessageApproval struct {
	PostID  string
	Message string
}

// NewMessageApproval builds an unposted approval.
func NewMessageApproval(message string) *MessageApproval {
	return &MessageApproval{Message: message}
}

// Post creates the interactive prompt.
func (m *MessageApproval) Post(ctx context.Context, th Thread) error {
	text := fmt.Sprintf("%s\n\n%s\n\n%s send, %s discard",
		th.Formatter.Bold("📨 Send this message?"),
		th.Formatter.Blockquote(m.Message),
		platform.Colon(platform.EmojiThumbsUp),
		platform.Colon(platform.EmojiThumbsDown))
	post, err := th.Prompter.CreateInteractivePost(ctx, th.ChannelID, text,
		[]string{platform.EmojiThumbsUp, platform.EmojiThumbsDown}, th.ThreadID)
	if err != nil {
		return err
	}
	m.PostID = post.ID
	return nil
}

// HandleReaction resolves the approval: send (true) or discard (false).
func (m *MessageApproval) HandleReaction(postID, emoji string) (send bool, consumed bool) {
	if postID != m.PostID {
		return false, false
	}
	switch emoji {
	case platform.EmojiThumbsUp:
		return true, true
	case platform.EmojiThumbsDown:
		return false, true
	default:
		return false, false
	}
}

// Snapshot exports the pending state for persistence.
func (m *MessageApproval) Snapshot() *store.PendingMessageApprovalSnapshot {
	return &store.PendingMessageApprovalSnapshot{PostID: m.PostID, Message: m.Message}
}

// MessageApprovalFromSnapshot rehydrates after a restart.
func MessageApprovalFromSnapshot(snap *store.PendingMessageApprovalSnapshot) *MessageApproval {
	return &MessageApproval{PostID: snap.PostID, Message: snap.Message}
}
