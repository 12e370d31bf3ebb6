package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/agent"
)

func assistantEvent(blocks ...agent.Block) agent.Event {
	return agent.Event{
		Type:    agent.EventTypeAssistant,
		Message: &agent.Message{Role: "assistant", Content: blocks},
	}
}

func toolUse(name string, input string) agent.ToolUseBlock {
	return agent.ToolUseBlock{ID: "tu_1", Name: name, Input: json.RawMessage(input)}
}

func TestTransformAssistantText(t *testing.T) {
	ops := Transform(assistantEvent(agent.TextBlock{Text: "hello"}), TransformContext{})
	require.Len(t, ops, 2)
	assert.Equal(t, AppendContent{Text: "hello"}, ops[0])
	assert.Equal(t, Flush{}, ops[1])
}

func TestTransformSkipsThinking(t *testing.T) {
	ops := Transform(assistantEvent(agent.ThinkingBlock{Thinking: "hmm"}), TransformContext{})
	assert.Empty(t, ops)
}

func TestTransformTodoWrite(t *testing.T) {
	input := `{"todos":[
		{"content":"write tests","status":"in_progress","activeForm":"Writing tests"},
		{"content":"ship it","status":"pending"}
	]}`
	ops := Transform(assistantEvent(toolUse("TodoWrite", input)), TransformContext{})
	require.Len(t, ops, 2)

	taskOp, ok := ops[0].(TaskListOp)
	require.True(t, ok)
	require.Len(t, taskOp.Tasks, 2)
	assert.Equal(t, Task{Content: "write tests", Status: "in_progress", ActiveForm: "Writing tests"}, taskOp.Tasks[0])
}

func TestTransformAskUserQuestion(t *testing.T) {
	input := `{"questions":[{
		"header":"Approach",
		"question":"Which approach?",
		"options":[{"label":"Fast"},{"label":"Thorough"}]
	}]}`
	ops := Transform(assistantEvent(toolUse("AskUserQuestion", input)), TransformContext{})

	var q *QuestionOp
	for _, op := range ops {
		if qo, ok := op.(QuestionOp); ok {
			q = &qo
		}
	}
	require.NotNil(t, q)
	assert.Equal(t, "tu_1", q.ToolUseID)
	require.Len(t, q.Questions, 1)
	assert.Equal(t, "Which approach?", q.Questions[0].Prompt)
	assert.Equal(t, []string{"Fast", "Thorough"}, q.Questions[0].Options)
}

func TestTransformExitPlanMode(t *testing.T) {
	ops := Transform(assistantEvent(toolUse("ExitPlanMode", `{"plan":"1. do things"}`)), TransformContext{})

	var approval *ApprovalOp
	for _, op := range ops {
		if a, ok := op.(ApprovalOp); ok {
			approval = &a
		}
	}
	require.NotNil(t, approval)
	assert.Equal(t, "plan", approval.Kind)
	assert.Equal(t, "1. do things", approval.Text)
}

func TestTransformInteractivePermission(t *testing.T) {
	tctx := TransformContext{InteractivePermissions: true}
	ops := Transform(assistantEvent(toolUse("Bash", `{"command":"rm -rf build"}`)), tctx)

	var approval *ApprovalOp
	for _, op := range ops {
		if a, ok := op.(ApprovalOp); ok {
			approval = &a
		}
	}
	require.NotNil(t, approval)
	assert.Equal(t, "permission", approval.Kind)
	assert.Contains(t, approval.Text, "rm -rf build")

	// skipPermissions wins over interactive mode.
	tctx.SkipPermissions = true
	for _, op := range Transform(assistantEvent(toolUse("Bash", `{"command":"ls"}`)), tctx) {
		_, isApproval := op.(ApprovalOp)
		assert.False(t, isApproval)
	}
}

func TestTransformReadNeedsNoApproval(t *testing.T) {
	tctx := TransformContext{InteractivePermissions: true}
	for _, op := range Transform(assistantEvent(toolUse("Read", `{"file_path":"/tmp/a.go"}`)), tctx) {
		_, isApproval := op.(ApprovalOp)
		assert.False(t, isApproval)
	}
}

func TestTransformResult(t *testing.T) {
	evt := agent.Event{
		Type:         agent.EventTypeResult,
		Subtype:      agent.ResultSuccess,
		Result:       json.RawMessage(`"all done"`),
		TotalCostUSD: 0.42,
		DurationMS:   1500,
		NumTurns:     3,
		Usage:        &agent.Usage{InputTokens: 100, OutputTokens: 50},
	}
	ops := Transform(evt, TransformContext{})
	require.Len(t, ops, 3)
	assert.Equal(t, Flush{}, ops[0])
	assert.Equal(t, StatusUpdateOp{TotalCostUSD: 0.42, InputTokens: 100, OutputTokens: 50}, ops[1])
	assert.Equal(t, LifecycleOp{Kind: LifecycleResult, Text: "all done", DurationMS: 1500, NumTurns: 3}, ops[2])
}

func TestTransformErrorResult(t *testing.T) {
	evt := agent.Event{
		Type:    agent.EventTypeResult,
		Subtype: agent.ResultErrorDuring,
		IsError: true,
		Result:  json.RawMessage(`"something broke"`),
	}
	ops := Transform(evt, TransformContext{})
	last := ops[len(ops)-1].(LifecycleOp)
	assert.Equal(t, LifecycleError, last.Kind)
	assert.Equal(t, "something broke", last.Text)
}

func TestTransformSystemInit(t *testing.T) {
	evt := agent.Event{Type: agent.EventTypeSystem, Subtype: "init", SessionID: "uuid-1", Model: "opus"}
	ops := Transform(evt, TransformContext{})
	require.Len(t, ops, 1)
	assert.Equal(t, StatusUpdateOp{SessionUUID: "uuid-1", Model: "opus"}, ops[0])
}

func TestTransformSubagentStream(t *testing.T) {
	evt := agent.Event{
		Type:            agent.EventTypeAssistant,
		ParentToolUseID: "task_9",
		Message:         &agent.Message{Content: []agent.Block{agent.TextBlock{Text: "subagent says"}}},
	}
	ops := Transform(evt, TransformContext{})
	require.Len(t, ops, 1)
	assert.Equal(t, SubagentOp{ToolUseID: "task_9", Phase: SubagentStream, Text: "subagent says"}, ops[0])
}

func TestTransformTaskStartsSubagent(t *testing.T) {
	ops := Transform(assistantEvent(toolUse("Task", `{"description":"explore the repo"}`)), TransformContext{})
	var sub *SubagentOp
	for _, op := range ops {
		if s, ok := op.(SubagentOp); ok {
			sub = &s
		}
	}
	require.NotNil(t, sub)
	assert.Equal(t, SubagentStart, sub.Phase)
	assert.Equal(t, "explore the repo", sub.Text)
}

func TestTransformToolResultErrorShown(t *testing.T) {
	evt := agent.Event{
		Type: agent.EventTypeUser,
		Message: &agent.Message{Content: []agent.Block{
			agent.ToolResultBlock{ToolUseID: "tu_1", Content: json.RawMessage(`"boom"`), IsError: true},
			agent.ToolResultBlock{ToolUseID: "tu_2", Content: json.RawMessage(`"fine"`)},
		}},
	}
	ops := Transform(evt, TransformContext{})
	require.Len(t, ops, 1, "successful results stay off the thread")
	appendOp := ops[0].(AppendContent)
	assert.Contains(t, appendOp.Text, "boom")
}
