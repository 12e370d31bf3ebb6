package interactive

import (
	"context"
	"fmt"

	"github.com/threadline/threadline/internal/platform"
	"github.com/threadline/threadline/internal/session/store"
)

// BugReport holds a drafted issue until the user approves filing it.
type BugReport struct {
	PostID  string
	Title   string
	Body    string
	Context string
}

// NewBugReport builds an unposted report draft.
func NewBugReport(title, body, contextInfo string) *BugReport {
	return &BugReport{Title: title, Body: body, Context: contextInfo}
}

// Post creates the interactive prompt showing the draft.
func (b *BugReport) Post(ctx context.Context, th Thread) error {
	text := fmt.Sprintf("%s\n%s\n\n%s\n\n%s file it, %s discard",
		th.Formatter.Bold("🐛 Bug report draft"),
		th.Formatter.Bold(b.Title),
		th.Formatter.Markdown(b.Body),
		platform.Colon(platform.EmojiThumbsUp),
		platform.Colon(platform.EmojiThumbsDown))
	post, err := th.Prompter.CreateInteractivePost(ctx, th.ChannelID, text,
		[]string{platform.EmojiThumbsUp, platform.EmojiThumbsDown}, th.ThreadID)
	if err != nil {
		return err
	}
	b.PostID = post.ID
	return nil
}

// HandleReaction resolves the report: file (true) or discard (false).
func (b *BugReport) HandleReaction(postID, emoji string) (file bool, consumed bool) {
	if postID != b.PostID {
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
func (b *BugReport) Snapshot() *store.PendingBugReportSnapshot {
	return &store.PendingBugReportSnapshot{
		PostID:  b.PostID,
		Title:   b.Title,
		Body:    b.Body,
		Context: b.Context,
	}
}

// BugReportFromSnapshot rehydrates after a restart.
func BugReportFromSnapshot(snap *store.PendingBugReportSnapshot) *BugReport {
	return &BugReport{
		PostID:  snap.PostID,
		Title:   snap.Title,
		Body:    snap.Body,
		Context: snap.Context,
	}
}
