package message

import (
	"context"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/platform"
)

// Poster is the platform slice the executors need.
type Poster interface {
	CreatePost(ctx context.Context, channelID, message, rootID string) (*platform.Post, error)
	UpdatePost(ctx context.Context, postID, message string) error
	DeletePost(ctx context.Context, postID string) error
}

// TaskBumper lets the content executor ask the task-list executor to move
// the task post below a freshly created content post.
type TaskBumper interface {
	// RepurposePost hands over the current task post for reuse as a content
	// post; returns "" when there is none.
	RepurposePost() string
	// BumpToBottom recreates the task post at the bottom of the thread.
	BumpToBottom(ctx context.Context)
}

// ContentExecutor streams AI text into thread posts. It appends into the
// current post until the platform cap or the height threshold forces a new
// one, always splitting at a logical breakpoint when it can.
type ContentExecutor struct {
	poster    Poster
	formatter platform.Formatter
	limits    platform.MessageLimits
	channelID string
	threadID  string
	log       *logger.Logger

	bumper TaskBumper

	currentPostID      string
	currentPostContent string
	pendingContent     string
}

// NewContentExecutor builds a content executor bound to one thread.
func NewContentExecutor(poster Poster, formatter platform.Formatter, limits platform.MessageLimits, channelID, threadID string, log *logger.Logger) *ContentExecutor {
	return &ContentExecutor{
		poster:    poster,
		formatter: formatter,
		limits:    limits,
		channelID: channelID,
		threadID:  threadID,
		log:       log,
	}
}

// SetTaskBumper wires the task-list executor in; optional.
func (c *ContentExecutor) SetTaskBumper(b TaskBumper) { c.bumper = b }

// Append buffers text. Nothing hits the platform until Flush.
func (c *ContentExecutor) Append(text string) {
	c.pendingContent += text
}

// Pending returns the not-yet-emitted buffer.
func (c *ContentExecutor) Pending() string { return c.pendingContent }

// CurrentPostID returns the post being appended to, "" when none.
func (c *ContentExecutor) CurrentPostID() string { return c.currentPostID }

// StartNewPost forgets the current post so the next flush creates a fresh
// one. Used after interactive prompts so content never lands above them.
func (c *ContentExecutor) StartNewPost() {
	c.currentPostID = ""
	c.currentPostContent = ""
}

// ShouldFlushEarly reports whether the pending buffer ends at a natural
// boundary worth emitting before more text arrives.
func (c *ContentExecutor) ShouldFlushEarly() bool {
	return ShouldFlushEarly(c.pendingContent)
}

// Flush emits the pending buffer. The buffer is trimmed only of the bytes
// that were actually posted, so text appended while a platform call is in
// flight survives to the next flush.
func (c *ContentExecutor) Flush(ctx context.Context) error {
	for c.pendingContent != "" {
		emitted, err := c.flushOnce(ctx)
		if err != nil {
			return err
		}
		if emitted == 0 {
			return nil
		}
		c.pendingContent = c.pendingContent[emitted:]
	}
	return nil
}

// flushOnce emits at most one post worth of pending content and returns how
// many pending bytes it consumed.
func (c *ContentExecutor) flushOnce(ctx context.Context) (int, error) {
	pending := c.pendingContent
	combined := c.currentPostContent + pending

	// Whole thing fits: update in place (or create on first content).
	if c.currentPostID != "" && len(combined) <= c.limits.MaxLength && !OverHeightThreshold(combined) {
		rendered := c.formatter.Markdown(combined)
		if err := c.poster.UpdatePost(ctx, c.currentPostID, rendered); err != nil {
			// Retry as a new post on the next flush; content is never lost.
			c.log.Warn("content post update failed, will repost",
				zap.String("postId", c.currentPostID), zap.Error(err))
			c.currentPostID = ""
			c.currentPostContent = ""
			return 0, nil
		}
		c.currentPostContent = combined
		return len(pending), nil
	}

	if c.currentPostID == "" {
		return c.emitNewPost(ctx, pending)
	}

	// Current post is full. Top it up to a good break, then roll over.
	room := c.limits.MaxLength - len(c.currentPostContent)
	if room > 0 && !OverHeightThreshold(c.currentPostContent) {
		limit := min(c.limits.MaxLength, heightLimitOffset(combined))
		cut := c.splitPoint(combined, limit)
		if cut > len(c.currentPostContent) {
			topped := combined[:cut]
			if err := c.poster.UpdatePost(ctx, c.currentPostID, c.formatter.Markdown(topped)); err != nil {
				c.log.Warn("content post update failed, will repost",
					zap.String("postId", c.currentPostID), zap.Error(err))
				c.currentPostID = ""
				c.currentPostContent = ""
				return 0, nil
			}
			consumed := cut - len(c.currentPostContent)
			c.currentPostContent = topped
			c.rollOver()
			return consumed, nil
		}
	}
	c.rollOver()
	return c.emitNewPost(ctx, pending)
}

// emitNewPost creates a post from the head of pending, splitting when pending
// alone exceeds the limits.
func (c *ContentExecutor) emitNewPost(ctx context.Context, pending string) (int, error) {
	cut := len(pending)
	if cut > c.limits.MaxLength || OverHeightThreshold(pending) {
		limit := min(c.limits.MaxLength, heightLimitOffset(pending))
		cut = c.splitPoint(pending, limit)
		if cut <= 0 {
			cut = min(len(pending), c.limits.MaxLength)
		}
	}
	head := pending[:cut]

	postID := ""
	if c.bumper != nil {
		postID = c.bumper.RepurposePost()
	}
	rendered := c.formatter.Markdown(head)
	if postID != "" {
		if err := c.poster.UpdatePost(ctx, postID, rendered); err != nil {
			c.log.Warn("repurposed post update failed", zap.String("postId", postID), zap.Error(err))
			postID = ""
		}
	}
	if postID == "" {
		post, err := c.poster.CreatePost(ctx, c.channelID, rendered, c.threadID)
		if err != nil {
			return 0, err
		}
		postID = post.ID
	}
	c.currentPostID = postID
	c.currentPostContent = head
	if c.bumper != nil {
		c.bumper.BumpToBottom(ctx)
	}
	return cut, nil
}

// splitPoint picks where to cut text so the first part stays under limit.
// Prefers the last logical breakpoint; ends-inside-a-fence prefers breaking
// right before the opening fence so the block moves whole to the next post.
func (c *ContentExecutor) splitPoint(text string, limit int) int {
	if limit > len(text) {
		limit = len(text)
	}
	if limit <= 0 {
		return 0
	}
	if InCodeFence(text, limit-1) {
		if open := openFenceBefore(text, limit); open > 0 {
			return open
		}
	}
	if best := BestBreak(text[:limit], limit); best > 0 {
		return best
	}
	// No breakpoint at all: cut at the last newline, else hard at limit.
	for i := limit - 1; i > 0; i-- {
		if text[i] == '\n' {
			return i + 1
		}
	}
	return limit
}

// heightLimitOffset returns the byte offset just past the line where text
// crosses the height threshold, or len(text) when it never does.
func heightLimitOffset(text string) int {
	lines := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines++
			if lines >= softHeightLines {
				return i + 1
			}
		}
	}
	return len(text)
}

// openFenceBefore returns the start of the fence that offset sits inside.
func openFenceBefore(text string, offset int) int {
	for _, span := range fenceSpans(text) {
		if offset > span.Open && offset < span.Close {
			return span.Open
		}
	}
	return -1
}

// rollOver abandons the current post; the next flush starts a new one.
func (c *ContentExecutor) rollOver() {
	c.currentPostID = ""
	c.currentPostContent = ""
}
