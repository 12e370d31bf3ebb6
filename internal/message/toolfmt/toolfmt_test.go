package toolfmt

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/threadline/threadline/internal/agent"
)

func block(name, input string) agent.ToolUseBlock {
	return agent.ToolUseBlock{ID: "tu_1", Name: name, Input: json.RawMessage(input)}
}

func TestRenderRead(t *testing.T) {
	line := Render(block("Read", `{"file_path":"/home/user/project/internal/agent/client.go"}`))
	assert.Equal(t, "🔧 Read …/internal/agent/client.go\n", line)
}

func TestRenderBashWithDescription(t *testing.T) {
	line := Render(block("Bash", `{"command":"go test ./...","description":"Run the tests"}`))
	assert.Contains(t, line, "🔧 Bash Run the tests")
	assert.Contains(t, line, "```sh\ngo test ./...\n```")
}

func TestRenderEditShowsDiff(t *testing.T) {
	line := Render(block("Edit", `{"file_path":"main.go","old_string":"a\nb\n","new_string":"a\nc\n"}`))
	assert.Contains(t, line, "🔧 Edit main.go")
	assert.Contains(t, line, "```diff")
	assert.Contains(t, line, "-b")
	assert.Contains(t, line, "+c")
}

func TestRenderTodoWriteEmpty(t *testing.T) {
	assert.Empty(t, Render(block("TodoWrite", `{"todos":[]}`)))
	assert.Empty(t, Render(block("AskUserQuestion", `{}`)))
	assert.Empty(t, Render(block("ExitPlanMode", `{}`)))
}

func TestRenderUnknownToolFallsBack(t *testing.T) {
	line := Render(block("SomeNewTool", `{"path":"/tmp/x"}`))
	assert.Equal(t, "🔧 SomeNewTool /tmp/x\n", line)
}

func TestRenderTruncatesLongSubjects(t *testing.T) {
	long := strings.Repeat("x", 300)
	line := Render(block("WebFetch", `{"url":"`+long+`"}`))
	assert.Less(t, len(line), 200)
	assert.Contains(t, line, "…")
}

func TestRenderResultOnlyErrors(t *testing.T) {
	ok := agent.ToolResultBlock{ToolUseID: "tu_1", Content: json.RawMessage(`"fine"`)}
	assert.Empty(t, RenderResult(ok))

	failed := agent.ToolResultBlock{ToolUseID: "tu_1", Content: json.RawMessage(`"exit status 1"`), IsError: true}
	out := RenderResult(failed)
	assert.Contains(t, out, "⚠️")
	assert.Contains(t, out, "exit status 1")
}

func TestUnifiedDiffTruncates(t *testing.T) {
	var oldSB, newSB strings.Builder
	for i := 0; i < 60; i++ {
		oldSB.WriteString("old line\n")
		newSB.WriteString("new line\n")
	}
	diff := UnifiedDiff(oldSB.String(), newSB.String())
	assert.Contains(t, diff, "diff truncated")
	assert.LessOrEqual(t, strings.Count(diff, "\n"), maxDiffLines+1)
}
