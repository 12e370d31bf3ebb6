package interactive

import (
	"context"
	"fmt"
	"time"

	"github.com/threadline/threadline/internal/platform"
	"github.com/threadline/threadline/internal/session/store"
)

// Approval kinds.
const (
	ApprovalPermission = "permission"
	ApprovalPlan       = "plan"
)

// PlanApprovedMessage is sent to the child when the user approves a plan.
const PlanApprovedMessage = "Plan approved! Please proceed with the implementation."

// ApprovalDecision is the user's answer to an approval prompt.
type ApprovalDecision int

const (
	DecisionNone ApprovalDecision = iota
	// DecisionAllowOnce approves this single tool call.
	DecisionAllowOnce
	// DecisionAllowRule approves the tool for the rest of the session.
	DecisionAllowRule
	// DecisionDeny rejects the call (also the timeout outcome).
	DecisionDeny
)

// Approval is a pending permission or plan approval.
type Approval struct {
	PostID    string
	ToolUseID string
	Kind      string
	Text      string
	Deadline  time.Time
}

// NewApproval builds an unposted approval. A zero timeout means no deadline.
func NewApproval(toolUseID, kind, text string, timeout time.Duration) *Approval {
	a := &Approval{ToolUseID: toolUseID, Kind: kind, Text: text}
	if timeout > 0 {
		a.Deadline = time.Now().Add(timeout)
	}
	return a
}

// Post creates the interactive prompt and records its post ID.
func (a *Approval) Post(ctx context.Context, th Thread) error {
	var text string
	var reactions []string
	switch a.Kind {
	case ApprovalPlan:
		text = fmt.Sprintf("%s\n\n%s\n\n%s approve and start, %s reject",
			th.Formatter.Bold("📋 Plan ready for review"),
			th.Formatter.Markdown(a.Text),
			platform.Colon(platform.EmojiThumbsUp),
			platform.Colon(platform.EmojiThumbsDown))
		reactions = []string{platform.EmojiThumbsUp, platform.EmojiThumbsDown}
	default:
		text = fmt.Sprintf("%s\n%s\n\n%s allow once, %s always allow, %s deny",
			th.Formatter.Bold("🔐 Permission needed"),
			a.Text,
			platform.Colon(platform.EmojiThumbsUp),
			platform.Colon(platform.EmojiAllowRule),
			platform.Colon(platform.EmojiThumbsDown))
		reactions = []string{platform.EmojiThumbsUp, platform.EmojiAllowRule, platform.EmojiThumbsDown}
	}
	post, err := th.Prompter.CreateInteractivePost(ctx, th.ChannelID, text, reactions, th.ThreadID)
	if err != nil {
		return err
	}
	a.PostID = post.ID
	return nil
}

// HandleReaction maps an emoji on the approval post to a decision. Returns
// DecisionNone for emojis that do not belong to the prompt.
func (a *Approval) HandleReaction(postID, emoji string) ApprovalDecision {
	if postID != a.PostID {
		return DecisionNone
	}
	switch emoji {
	case platform.EmojiThumbsUp:
		return DecisionAllowOnce
	case platform.EmojiAllowRule:
		if a.Kind == ApprovalPlan {
			return DecisionNone
		}
		return DecisionAllowRule
	case platform.EmojiThumbsDown:
		return DecisionDeny
	default:
		return DecisionNone
	}
}

// Expired reports whether the deadline passed.
func (a *Approval) Expired(now time.Time) bool {
	return expired(a.Deadline, now)
}

// ToolResult returns the tool_result payload for a decision. isError is set
// on denial so the AI treats it as a refusal.
func (a *Approval) ToolResult(d ApprovalDecision) (content string, isError bool) {
	switch d {
	case DecisionAllowOnce, DecisionAllowRule:
		return "User approved.", false
	default:
		return "User denied this request.", true
	}
}

// Snapshot exports the pending state for persistence.
func (a *Approval) Snapshot() *store.PendingApprovalSnapshot {
	snap := &store.PendingApprovalSnapshot{
		PostID:    a.PostID,
		ToolUseID: a.ToolUseID,
		Kind:      a.Kind,
		Text:      a.Text,
	}
	if !a.Deadline.IsZero() {
		d := a.Deadline
		snap.Deadline = &d
	}
	return snap
}

// ApprovalFromSnapshot rehydrates after a restart.
func ApprovalFromSnapshot(snap *store.PendingApprovalSnapshot) *Approval {
	a := &Approval{
		PostID:    snap.PostID,
		ToolUseID: snap.ToolUseID,
		Kind:      snap.Kind,
		Text:      snap.Text,
	}
	if snap.Deadline != nil {
		a.Deadline = *snap.Deadline
	}
	return a
}
