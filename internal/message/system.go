package message

import (
	"context"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
)

// System message levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// SystemExecutor posts out-of-band notices with a level emoji prefix.
type SystemExecutor struct {
	poster    Poster
	channelID string
	threadID  string
	log       *logger.Logger
}

// NewSystemExecutor builds a system executor bound to one thread.
func NewSystemExecutor(poster Poster, channelID, threadID string, log *logger.Logger) *SystemExecutor {
	return &SystemExecutor{poster: poster, channelID: channelID, threadID: threadID, log: log}
}

// Post emits one notice. Errors are logged, never propagated; a failed
// notice must not take the session down.
func (s *SystemExecutor) Post(ctx context.Context, level, text string) string {
	prefix := "ℹ️ "
	switch level {
	case LevelWarn:
		prefix = "⚠️ "
	case LevelError:
		prefix = "❌ "
	}
	post, err := s.poster.CreatePost(ctx, s.channelID, prefix+text, s.threadID)
	if err != nil {
		s.log.Warn("system message post failed", zap.String("level", level), zap.Error(err))
		return ""
	}
	return post.ID
}
