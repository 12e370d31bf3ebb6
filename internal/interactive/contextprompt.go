package interactive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/threadline/threadline/internal/platform"
	"github.com/threadline/threadline/internal/session/store"
)

// ContextPromptTimeout is how long the user gets before the prompt resolves
// to "skip".
const ContextPromptTimeout = 30 * time.Second

// contextMessageTruncateLen caps each quoted thread message in the preamble.
const contextMessageTruncateLen = 500

// contextOptionSteps are the candidate "include last N" choices.
var contextOptionSteps = []int{3, 5, 10}

// ContextPrompt asks whether earlier thread messages should be fed to the AI
// as context when a session starts mid-thread.
type ContextPrompt struct {
	PostID             string
	QueuedPrompt       string
	ThreadMessageCount int
	AvailableOptions   []int
	CreatedAt          time.Time
	Deadline           time.Time
}

// ContextChoice is the resolved prompt.
type ContextChoice struct {
	// Skip means continue without context (also the timeout outcome).
	Skip bool
	// Count is how many prior messages to include; -1 means all.
	Count int
}

// NewContextPrompt builds an unposted prompt for a thread with messageCount
// prior non-bot messages.
func NewContextPrompt(queuedPrompt string, messageCount int) *ContextPrompt {
	now := time.Now()
	return &ContextPrompt{
		QueuedPrompt:       queuedPrompt,
		ThreadMessageCount: messageCount,
		AvailableOptions:   contextOptions(messageCount),
		CreatedAt:          now,
		Deadline:           now.Add(ContextPromptTimeout),
	}
}

// contextOptions filters the steps to those ≤ messageCount.
func contextOptions(messageCount int) []int {
	var opts []int
	for _, step := range contextOptionSteps {
		if step <= messageCount {
			opts = append(opts, step)
		}
	}
	return opts
}

// hasAllOption reports whether an "All N" choice is shown: only when the
// thread holds more messages than the largest step offered.
func (c *ContextPrompt) hasAllOption() bool {
	if len(c.AvailableOptions) == 0 {
		return c.ThreadMessageCount > 0
	}
	return c.ThreadMessageCount > c.AvailableOptions[len(c.AvailableOptions)-1]
}

// Post creates the interactive prompt.
func (c *ContextPrompt) Post(ctx context.Context, th Thread) error {
	var sb strings.Builder
	sb.WriteString(th.Formatter.Bold("💬 Include earlier messages from this thread?"))
	sb.WriteString(fmt.Sprintf("\nThis thread has %d earlier messages.\n\n", c.ThreadMessageCount))

	var reactions []string
	slot := 1
	for _, n := range c.AvailableOptions {
		sb.WriteString(fmt.Sprintf("%s Last %d\n", platform.DigitColon(slot), n))
		if name, ok := platform.DigitEmoji(slot); ok {
			reactions = append(reactions, name)
		}
		slot++
	}
	if c.hasAllOption() {
		sb.WriteString(fmt.Sprintf("%s All %d\n", platform.DigitColon(slot), c.ThreadMessageCount))
		if name, ok := platform.DigitEmoji(slot); ok {
			reactions = append(reactions, name)
		}
	}
	sb.WriteString(fmt.Sprintf("%s Skip\n", platform.Colon(platform.EmojiCancel)))
	reactions = append(reactions, platform.EmojiCancel)

	post, err := th.Prompter.CreateInteractivePost(ctx, th.ChannelID, sb.String(), reactions, th.ThreadID)
	if err != nil {
		return err
	}
	c.PostID = post.ID
	return nil
}

// HandleReaction resolves the prompt from an emoji. The second return is
// whether the reaction was consumed.
func (c *ContextPrompt) HandleReaction(postID, emoji string) (ContextChoice, bool) {
	if postID != c.PostID {
		return ContextChoice{}, false
	}
	if emoji == platform.EmojiCancel {
		return ContextChoice{Skip: true}, true
	}
	slot, ok := platform.DigitFromEmoji(emoji)
	if !ok {
		return ContextChoice{}, false
	}
	if slot >= 1 && slot <= len(c.AvailableOptions) {
		return ContextChoice{Count: c.AvailableOptions[slot-1]}, true
	}
	if c.hasAllOption() && slot == len(c.AvailableOptions)+1 {
		return ContextChoice{Count: -1}, true
	}
	return ContextChoice{}, false
}

// Expired reports whether the 30 s window closed.
func (c *ContextPrompt) Expired(now time.Time) bool {
	return expired(c.Deadline, now)
}

// BuildPreamble renders the chosen messages as a context preamble for the
// queued prompt. Pass count -1 for all.
func BuildPreamble(messages []platform.ThreadMessage, count int) string {
	if count == 0 || len(messages) == 0 {
		return ""
	}
	if count > 0 && len(messages) > count {
		messages = messages[len(messages)-count:]
	}
	var sb strings.Builder
	sb.WriteString("[Previous conversation in this thread:]\n")
	for _, m := range messages {
		text := m.Message
		if len(text) > contextMessageTruncateLen {
			text = text[:contextMessageTruncateLen] + "…"
		}
		sb.WriteString(fmt.Sprintf("@%s: %s\n", m.Username, text))
	}
	return sb.String()
}

// Snapshot exports the pending state for persistence.
func (c *ContextPrompt) Snapshot() *store.PendingContextPromptSnapshot {
	return &store.PendingContextPromptSnapshot{
		PostID:             c.PostID,
		QueuedPrompt:       c.QueuedPrompt,
		ThreadMessageCount: c.ThreadMessageCount,
		AvailableOptions:   c.AvailableOptions,
		CreatedAt:          c.CreatedAt,
		Deadline:           c.Deadline,
	}
}

// ContextPromptFromSnapshot rehydrates after a restart.
func ContextPromptFromSnapshot(snap *store.PendingContextPromptSnapshot) *ContextPrompt {
	return &ContextPrompt{
		PostID:             snap.PostID,
		QueuedPrompt:       snap.QueuedPrompt,
		ThreadMessageCount: snap.ThreadMessageCount,
		AvailableOptions:   snap.AvailableOptions,
		CreatedAt:          snap.CreatedAt,
		Deadline:           snap.Deadline,
	}
}
