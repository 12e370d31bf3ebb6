package message

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/platform"
)

// Task statuses as TodoWrite emits them.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
)

// TaskListExecutor keeps one task-list post per session and keeps it at the
// bottom of the thread. Once every task completes (or the user minimizes it)
// the table collapses to a progress bar.
type TaskListExecutor struct {
	poster    Poster
	formatter platform.Formatter
	channelID string
	threadID  string
	log       *logger.Logger

	tasksPostID      string
	lastTasksContent string
	tasks            []Task
	tasksCompleted   bool
	tasksMinimized   bool
}

// NewTaskListExecutor builds a task-list executor bound to one thread.
func NewTaskListExecutor(poster Poster, formatter platform.Formatter, channelID, threadID string, log *logger.Logger) *TaskListExecutor {
	return &TaskListExecutor{
		poster:    poster,
		formatter: formatter,
		channelID: channelID,
		threadID:  threadID,
		log:       log,
	}
}

// TaskListState is the persistable slice of the executor.
type TaskListState struct {
	PostID      string
	LastContent string
	Completed   bool
	Minimized   bool
}

// State exports the persistable fields.
func (t *TaskListExecutor) State() TaskListState {
	return TaskListState{
		PostID:      t.tasksPostID,
		LastContent: t.lastTasksContent,
		Completed:   t.tasksCompleted,
		Minimized:   t.tasksMinimized,
	}
}

// Restore rehydrates after a restart.
func (t *TaskListExecutor) Restore(s TaskListState) {
	t.tasksPostID = s.PostID
	t.lastTasksContent = s.LastContent
	t.tasksCompleted = s.Completed
	t.tasksMinimized = s.Minimized
}

// SetMinimized collapses (or expands) the table rendering.
func (t *TaskListExecutor) SetMinimized(ctx context.Context, minimized bool) {
	if t.tasksMinimized == minimized {
		return
	}
	t.tasksMinimized = minimized
	t.rerender(ctx)
}

// Apply replaces the task list and updates (or creates) the post.
func (t *TaskListExecutor) Apply(ctx context.Context, tasks []Task) {
	t.tasks = tasks
	t.tasksCompleted = len(tasks) > 0 && countCompleted(tasks) == len(tasks)
	t.rerender(ctx)
}

func (t *TaskListExecutor) rerender(ctx context.Context) {
	content := t.render()
	if content == "" || content == t.lastTasksContent {
		return
	}
	if t.tasksPostID == "" {
		post, err := t.poster.CreatePost(ctx, t.channelID, content, t.threadID)
		if err != nil {
			t.log.Warn("task list post failed", zap.Error(err))
			return
		}
		t.tasksPostID = post.ID
		t.lastTasksContent = content
		return
	}
	if err := t.poster.UpdatePost(ctx, t.tasksPostID, content); err != nil {
		t.log.Warn("task list update failed", zap.String("postId", t.tasksPostID), zap.Error(err))
		t.tasksPostID = ""
		t.lastTasksContent = ""
		t.rerender(ctx)
		return
	}
	t.lastTasksContent = content
}

// RepurposePost hands the task post to the content executor and forgets it;
// BumpToBottom recreates it afterwards.
func (t *TaskListExecutor) RepurposePost() string {
	id := t.tasksPostID
	t.tasksPostID = ""
	t.lastTasksContent = ""
	return id
}

// BumpToBottom deletes the task post and recreates it as the newest post in
// the thread.
func (t *TaskListExecutor) BumpToBottom(ctx context.Context) {
	if len(t.tasks) == 0 {
		return
	}
	if t.tasksPostID != "" {
		if err := t.poster.DeletePost(ctx, t.tasksPostID); err != nil {
			t.log.Warn("task list delete failed", zap.String("postId", t.tasksPostID), zap.Error(err))
		}
		t.tasksPostID = ""
		t.lastTasksContent = ""
	}
	t.rerender(ctx)
}

func (t *TaskListExecutor) render() string {
	if len(t.tasks) == 0 {
		return ""
	}
	if t.tasksCompleted || t.tasksMinimized {
		return t.renderProgressBar()
	}
	return t.renderTable()
}

func (t *TaskListExecutor) renderTable() string {
	rows := make([][]string, 0, len(t.tasks))
	for _, task := range t.tasks {
		label := task.Content
		if task.Status == TaskInProgress && task.ActiveForm != "" {
			label = task.ActiveForm
		}
		rows = append(rows, []string{statusEmoji(task.Status), label})
	}
	header := t.formatter.Bold(fmt.Sprintf("Tasks (%d/%d)", countCompleted(t.tasks), len(t.tasks)))
	return header + "\n" + t.formatter.Table([]string{"", "Task"}, rows)
}

func (t *TaskListExecutor) renderProgressBar() string {
	done := countCompleted(t.tasks)
	total := len(t.tasks)
	const width = 10
	filled := 0
	if total > 0 {
		filled = done * width / total
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("%s `%s` %d/%d", t.formatter.Bold("Tasks"), bar, done, total)
}

func statusEmoji(status string) string {
	switch status {
	case TaskCompleted:
		return "✅"
	case TaskInProgress:
		return "🔄"
	default:
		return "⬜"
	}
}

func countCompleted(tasks []Task) int {
	n := 0
	for _, task := range tasks {
		if task.Status == TaskCompleted {
			n++
		}
	}
	return n
}
