package interactive

import (
	"context"
	"fmt"
	"strings"

	"github.com/threadline/threadline/internal/platform"
	"github.com/threadline/threadline/internal/session/store"
	"github.com/threadline/threadline/internal/worktree"
)

// WorktreePrompt asks which branch to create a worktree on. The initial
// variant appears when uncommitted changes are detected in prompt mode; the
// failure variant appears after `git worktree add` fails.
type WorktreePrompt struct {
	PostID            string
	QueuedPrompt      string
	BranchSuggestions []string

	// Failure-variant fields.
	FailedBranch string
	ErrorMessage string
	Username     string
}

// WorktreeChoice is the resolved prompt.
type WorktreeChoice struct {
	// Skip means work directly in the repo without a worktree.
	Skip bool
	// Branch is the chosen branch name when not skipping.
	Branch string
}

// NewWorktreePrompt builds the initial variant.
func NewWorktreePrompt(queuedPrompt string, suggestions []string) *WorktreePrompt {
	return &WorktreePrompt{QueuedPrompt: queuedPrompt, BranchSuggestions: suggestions}
}

// NewWorktreeFailurePrompt builds the retry variant after a failed create.
func NewWorktreeFailurePrompt(queuedPrompt, failedBranch, errorMessage, username string, suggestions []string) *WorktreePrompt {
	return &WorktreePrompt{
		QueuedPrompt:      queuedPrompt,
		BranchSuggestions: suggestions,
		FailedBranch:      failedBranch,
		ErrorMessage:      errorMessage,
		Username:          username,
	}
}

// IsFailure reports whether this is the retry-after-failure variant.
func (w *WorktreePrompt) IsFailure() bool { return w.FailedBranch != "" }

// Post creates the interactive prompt.
func (w *WorktreePrompt) Post(ctx context.Context, th Thread) error {
	var sb strings.Builder
	if w.IsFailure() {
		sb.WriteString(th.Formatter.Bold("🌿 Worktree creation failed"))
		sb.WriteString(fmt.Sprintf("\nBranch %s: %s\n\n", th.Formatter.Code(w.FailedBranch), w.ErrorMessage))
		sb.WriteString("Pick another branch name:\n\n")
	} else {
		sb.WriteString(th.Formatter.Bold("🌿 Uncommitted changes detected"))
		sb.WriteString("\nWork in a separate worktree to keep them safe?\n\n")
	}

	var reactions []string
	for i, branch := range w.BranchSuggestions {
		sb.WriteString(fmt.Sprintf("%s %s\n", platform.DigitColon(i+1), th.Formatter.Code(branch)))
		if name, ok := platform.DigitEmoji(i + 1); ok {
			reactions = append(reactions, name)
		}
	}
	sb.WriteString(fmt.Sprintf("%s Skip (work in the repo directly)\n", platform.Colon(platform.EmojiCancel)))
	sb.WriteString("\nReact, or reply with a branch name.")
	reactions = append(reactions, platform.EmojiCancel)

	post, err := th.Prompter.CreateInteractivePost(ctx, th.ChannelID, sb.String(), reactions, th.ThreadID)
	if err != nil {
		return err
	}
	w.PostID = post.ID
	return nil
}

// HandleReaction resolves the prompt from an emoji.
func (w *WorktreePrompt) HandleReaction(postID, emoji string) (WorktreeChoice, bool) {
	if postID != w.PostID {
		return WorktreeChoice{}, false
	}
	if emoji == platform.EmojiCancel {
		return WorktreeChoice{Skip: true}, true
	}
	if n, ok := platform.DigitFromEmoji(emoji); ok && n >= 1 && n <= len(w.BranchSuggestions) {
		return WorktreeChoice{Branch: w.BranchSuggestions[n-1]}, true
	}
	return WorktreeChoice{}, false
}

// HandleReply resolves the prompt from a free-form branch name. Invalid
// names are not consumed so the reply can fall through as a normal message.
func (w *WorktreePrompt) HandleReply(text string) (WorktreeChoice, bool) {
	branch := strings.TrimSpace(text)
	if branch == "" || strings.ContainsAny(branch, " \t") {
		return WorktreeChoice{}, false
	}
	if err := worktree.ValidateBranchName(branch); err != nil {
		return WorktreeChoice{}, false
	}
	return WorktreeChoice{Branch: branch}, true
}

// Snapshot exports the pending state for persistence.
func (w *WorktreePrompt) Snapshot() *store.PendingWorktreePromptSnapshot {
	return &store.PendingWorktreePromptSnapshot{
		PostID:            w.PostID,
		QueuedPrompt:      w.QueuedPrompt,
		BranchSuggestions: w.BranchSuggestions,
		FailedBranch:      w.FailedBranch,
		ErrorMessage:      w.ErrorMessage,
		Username:          w.Username,
	}
}

// WorktreePromptFromSnapshot rehydrates after a restart.
func WorktreePromptFromSnapshot(snap *store.PendingWorktreePromptSnapshot) *WorktreePrompt {
	return &WorktreePrompt{
		PostID:            snap.PostID,
		QueuedPrompt:      snap.QueuedPrompt,
		BranchSuggestions: snap.BranchSuggestions,
		FailedBranch:      snap.FailedBranch,
		ErrorMessage:      snap.ErrorMessage,
		Username:          snap.Username,
	}
}
