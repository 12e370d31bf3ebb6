package message

import (
	"context"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/platform"
)

// InteractiveSink receives the operations that need a user decision. The
// session wires its interactive handlers in; the manager never blocks on
// them.
type InteractiveSink interface {
	HandleQuestions(ctx context.Context, op QuestionOp) error
	HandleApproval(ctx context.Context, op ApprovalOp) error
}

// Manager owns one session's executor set and routes operations to them.
// Dispatch is called only from the session dispatcher goroutine, so the
// executors need no locking of their own.
type Manager struct {
	content  *ContentExecutor
	tasks    *TaskListExecutor
	subagent *SubagentExecutor
	system   *SystemExecutor
	log      *logger.Logger

	interactive InteractiveSink

	// OnStatus and OnLifecycle fire after the matching operation applies.
	OnStatus    func(StatusUpdateOp)
	OnLifecycle func(LifecycleOp)
}

// NewManager builds the executor set for one session thread.
func NewManager(poster Poster, formatter platform.Formatter, limits platform.MessageLimits, channelID, threadID string, log *logger.Logger) *Manager {
	content := NewContentExecutor(poster, formatter, limits, channelID, threadID, log)
	tasks := NewTaskListExecutor(poster, formatter, channelID, threadID, log)
	content.SetTaskBumper(tasks)
	return &Manager{
		content:  content,
		tasks:    tasks,
		subagent: NewSubagentExecutor(poster, formatter, limits, channelID, threadID, log),
		system:   NewSystemExecutor(poster, channelID, threadID, log),
		log:      log,
	}
}

// SetInteractiveSink wires the interactive handlers in.
func (m *Manager) SetInteractiveSink(sink InteractiveSink) { m.interactive = sink }

// Content exposes the content executor (for interactive handlers that need
// to force a fresh post below their prompts).
func (m *Manager) Content() *ContentExecutor { return m.content }

// Tasks exposes the task-list executor (for persistence and !compact).
func (m *Manager) Tasks() *TaskListExecutor { return m.tasks }

// System exposes the system executor.
func (m *Manager) System() *SystemExecutor { return m.system }

// Dispatch applies one operation. Errors from platform calls are logged and
// swallowed except where losing them would lose content.
func (m *Manager) Dispatch(ctx context.Context, op Operation) error {
	switch o := op.(type) {
	case AppendContent:
		m.content.Append(o.Text)
		if m.content.ShouldFlushEarly() {
			return m.content.Flush(ctx)
		}
		return nil
	case Flush:
		return m.content.Flush(ctx)
	case TaskListOp:
		m.tasks.Apply(ctx, o.Tasks)
		return nil
	case QuestionOp:
		if m.interactive == nil {
			m.log.Warn("question op with no interactive sink", zap.String("toolUseId", o.ToolUseID))
			return nil
		}
		// Flush first so the prompt lands below all streamed content, and
		// start a new post so later content lands below the prompt.
		if err := m.content.Flush(ctx); err != nil {
			m.log.Warn("flush before question failed", zap.Error(err))
		}
		m.content.StartNewPost()
		return m.interactive.HandleQuestions(ctx, o)
	case ApprovalOp:
		if m.interactive == nil {
			m.log.Warn("approval op with no interactive sink", zap.String("toolUseId", o.ToolUseID))
			return nil
		}
		if err := m.content.Flush(ctx); err != nil {
			m.log.Warn("flush before approval failed", zap.Error(err))
		}
		m.content.StartNewPost()
		return m.interactive.HandleApproval(ctx, o)
	case SystemMessageOp:
		m.system.Post(ctx, o.Level, o.Text)
		return nil
	case SubagentOp:
		return m.subagent.Apply(ctx, o)
	case StatusUpdateOp:
		if m.OnStatus != nil {
			m.OnStatus(o)
		}
		return nil
	case LifecycleOp:
		if err := m.content.Flush(ctx); err != nil {
			m.log.Warn("flush at turn end failed", zap.Error(err))
		}
		if m.OnLifecycle != nil {
			m.OnLifecycle(o)
		}
		return nil
	default:
		return nil
	}
}
