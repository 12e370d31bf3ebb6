package message

import (
	"context"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/platform"
)

// SubagentExecutor gives each Task-tool subagent its own post, streamed
// through a nested content executor keyed by the Task's tool_use ID.
type SubagentExecutor struct {
	poster    Poster
	formatter platform.Formatter
	limits    platform.MessageLimits
	channelID string
	threadID  string
	log       *logger.Logger

	active map[string]*ContentExecutor
}

// NewSubagentExecutor builds a subagent executor bound to one thread.
func NewSubagentExecutor(poster Poster, formatter platform.Formatter, limits platform.MessageLimits, channelID, threadID string, log *logger.Logger) *SubagentExecutor {
	return &SubagentExecutor{
		poster:    poster,
		formatter: formatter,
		limits:    limits,
		channelID: channelID,
		threadID:  threadID,
		log:       log,
		active:    map[string]*ContentExecutor{},
	}
}

// Apply routes one subagent operation.
func (s *SubagentExecutor) Apply(ctx context.Context, op SubagentOp) error {
	switch op.Phase {
	case SubagentStart:
		exec := NewContentExecutor(s.poster, s.formatter, s.limits, s.channelID, s.threadID, s.log)
		s.active[op.ToolUseID] = exec
		if op.Text != "" {
			exec.Append("🤖 " + s.formatter.Bold(op.Text) + "\n\n")
		}
		return nil
	case SubagentStream:
		exec := s.executor(op.ToolUseID)
		exec.Append(op.Text)
		if exec.ShouldFlushEarly() {
			return exec.Flush(ctx)
		}
		return nil
	case SubagentDone:
		exec := s.executor(op.ToolUseID)
		if op.Text != "" && exec.Pending() == "" && exec.CurrentPostID() == "" {
			exec.Append(op.Text)
		}
		err := exec.Flush(ctx)
		delete(s.active, op.ToolUseID)
		return err
	default:
		return nil
	}
}

// executor returns the nested executor for a tool_use ID, creating one for a
// stream that arrives before (or without) its start marker.
func (s *SubagentExecutor) executor(toolUseID string) *ContentExecutor {
	if exec, ok := s.active[toolUseID]; ok {
		return exec
	}
	exec := NewContentExecutor(s.poster, s.formatter, s.limits, s.channelID, s.threadID, s.log)
	s.active[toolUseID] = exec
	return exec
}
