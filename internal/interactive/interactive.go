// Package interactive holds the pending-prompt state machines: permission
// and plan approvals, multi-choice question sets, context-inclusion prompts,
// worktree prompts, message approvals, and bug reports. Handlers are
// passive: the session dispatcher feeds them reactions, replies, and clock
// ticks, and acts on the outcome they return. Every handler round-trips
// through the session store so a restart rehydrates it.
package interactive

import (
	"context"
	"time"

	"github.com/threadline/threadline/internal/platform"
)

// Prompter is the platform slice the handlers post through.
type Prompter interface {
	CreatePost(ctx context.Context, channelID, message, rootID string) (*platform.Post, error)
	CreateInteractivePost(ctx context.Context, channelID, message string, reactions []string, rootID string) (*platform.Post, error)
	UpdatePost(ctx context.Context, postID, message string) error
	DeletePost(ctx context.Context, postID string) error
}

// Thread pins a handler to one platform thread.
type Thread struct {
	Prompter  Prompter
	Formatter platform.Formatter
	ChannelID string
	ThreadID  string
}

// expired is the shared deadline check; a zero deadline never expires.
func expired(deadline time.Time, now time.Time) bool {
	return !deadline.IsZero() && !now.Before(deadline)
}
