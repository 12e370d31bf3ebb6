package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventDecodeAssistantBlocks(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","model":"claude-sonnet-4",
		"content":[
			{"type":"text","text":"Let me check."},
			{"type":"tool_use","id":"tu_1","name":"Read","input":{"file_path":"/tmp/x"}},
			{"type":"thinking","thinking":"hmm"},
			{"type":"server_tool_use","id":"x"}
		]}}`

	var evt Event
	require.NoError(t, json.Unmarshal([]byte(line), &evt))
	require.NotNil(t, evt.Message)
	require.Len(t, evt.Message.Content, 4)

	text, ok := evt.Message.Content[0].(TextBlock)
	require.True(t, ok)
	assert.Equal(t, "Let me check.", text.Text)

	tool, ok := evt.Message.Content[1].(ToolUseBlock)
	require.True(t, ok)
	assert.Equal(t, "tu_1", tool.ID)
	assert.Equal(t, "Read", tool.Name)
	assert.Equal(t, "/tmp/x", tool.InputMap()["file_path"])

	_, ok = evt.Message.Content[2].(ThinkingBlock)
	assert.True(t, ok)

	unknown, ok := evt.Message.Content[3].(UnknownBlock)
	require.True(t, ok)
	assert.Equal(t, "server_tool_use", unknown.BlockType())
}

func TestEventDecodeToolResult(t *testing.T) {
	cases := []struct {
		name string
		line string
		want string
	}{
		{
			name: "string content",
			line: `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":"done"}]}}`,
			want: "done",
		},
		{
			name: "part list content",
			line: `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]}}`,
			want: "ab",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var evt Event
			require.NoError(t, json.Unmarshal([]byte(tc.line), &evt))
			require.Len(t, evt.Message.Content, 1)
			res, ok := evt.Message.Content[0].(ToolResultBlock)
			require.True(t, ok)
			assert.Equal(t, "tu_1", res.ToolUseID)
			assert.Equal(t, tc.want, res.ContentText())
		})
	}
}

func TestEventDecodeStringUserContent(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":"hello"}}`
	var evt Event
	require.NoError(t, json.Unmarshal([]byte(line), &evt))
	require.Len(t, evt.Message.Content, 1)
	text, ok := evt.Message.Content[0].(TextBlock)
	require.True(t, ok)
	assert.Equal(t, "hello", text.Text)
}

func TestResultText(t *testing.T) {
	var evt Event
	require.NoError(t, json.Unmarshal([]byte(
		`{"type":"result","subtype":"success","result":"All done","total_cost_usd":0.42,"duration_ms":1200}`), &evt))
	assert.True(t, evt.IsTerminal())
	assert.Equal(t, "All done", evt.ResultText())
	assert.Equal(t, 0.42, evt.TotalCostUSD)

	var objEvt Event
	require.NoError(t, json.Unmarshal([]byte(
		`{"type":"result","subtype":"error_max_turns","is_error":true,"result":{"text":"ran out"}}`), &objEvt))
	assert.Equal(t, "ran out", objEvt.ResultText())
	assert.True(t, objEvt.IsError)
}

func TestOutboundFrames(t *testing.T) {
	msg := userMessage{Type: "user", Message: userMessageBody{Role: "user", Content: "hi"}}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":"hi"}}`, string(data))

	result := userMessage{Type: "user", Message: userMessageBody{
		Role:    "user",
		Content: []toolResultContent{{Type: "tool_result", ToolUseID: "tu_9", Content: "ok"}},
	}}
	data, err = json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_9","content":"ok"}]}}`, string(data))
}
