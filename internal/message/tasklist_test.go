package message

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/common/logger"
)

func newTestTaskList(poster *fakePoster) *TaskListExecutor {
	return NewTaskListExecutor(poster, plainFormatter{}, "chan1", "thread1", logger.Default())
}

func TestTaskListRendersTable(t *testing.T) {
	poster := newFakePoster()
	tl := newTestTaskList(poster)
	ctx := context.Background()

	tl.Apply(ctx, []Task{
		{Content: "first task", Status: TaskCompleted},
		{Content: "second task", Status: TaskInProgress, ActiveForm: "Working on second"},
		{Content: "third task", Status: TaskPending},
	})

	require.Len(t, poster.order, 1)
	content := poster.posts["post1"]
	assert.Contains(t, content, "Tasks (1/3)")
	assert.Contains(t, content, "first task")
	assert.Contains(t, content, "Working on second", "in-progress rows show the active form")
	assert.NotContains(t, content, "second task")
}

func TestTaskListCollapsesWhenComplete(t *testing.T) {
	poster := newFakePoster()
	tl := newTestTaskList(poster)
	ctx := context.Background()

	tl.Apply(ctx, []Task{{Content: "only", Status: TaskCompleted}})
	content := poster.posts["post1"]
	assert.Contains(t, content, "1/1")
	assert.NotContains(t, content, "| ", "no table once everything is done")
}

func TestTaskListSkipsNoopUpdates(t *testing.T) {
	poster := newFakePoster()
	tl := newTestTaskList(poster)
	ctx := context.Background()

	tasks := []Task{{Content: "same", Status: TaskPending}}
	tl.Apply(ctx, tasks)
	before := poster.posts["post1"]
	tl.Apply(ctx, tasks)
	assert.Equal(t, before, poster.posts["post1"])
	assert.Len(t, poster.order, 1)
}

func TestTaskListBumpToBottom(t *testing.T) {
	poster := newFakePoster()
	tl := newTestTaskList(poster)
	ctx := context.Background()

	tl.Apply(ctx, []Task{{Content: "a task", Status: TaskPending}})
	first := poster.order[0]

	tl.BumpToBottom(ctx)
	assert.Equal(t, []string{first}, poster.deleted)
	require.Len(t, poster.order, 2)
	assert.Contains(t, poster.posts[poster.order[1]], "a task")
}

func TestTaskListStateRoundTrip(t *testing.T) {
	poster := newFakePoster()
	tl := newTestTaskList(poster)
	tl.Apply(context.Background(), []Task{{Content: "x", Status: TaskCompleted}})

	state := tl.State()
	assert.Equal(t, "post1", state.PostID)
	assert.True(t, state.Completed)

	fresh := newTestTaskList(poster)
	fresh.Restore(state)
	assert.Equal(t, state, fresh.State())
}

func TestTaskListMinimized(t *testing.T) {
	poster := newFakePoster()
	tl := newTestTaskList(poster)
	ctx := context.Background()

	tl.Apply(ctx, []Task{
		{Content: "one", Status: TaskCompleted},
		{Content: "two", Status: TaskPending},
	})
	assert.Contains(t, poster.posts["post1"], "| ")

	tl.SetMinimized(ctx, true)
	assert.NotContains(t, poster.posts["post1"], "| ")
	assert.Contains(t, poster.posts["post1"], "1/2")
}
