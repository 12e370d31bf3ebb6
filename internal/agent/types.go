// Package agent wraps the external AI CLI child process. It speaks the
// stream-json protocol: one JSON object per line on stdin and stdout, with a
// type discriminator on every event. The wrapper owns the process handle,
// the stdout reader, and permanent-failure detection; everything above it
// consumes the typed Event stream.
package agent

import (
	"encoding/json"
	"fmt"
)

// Event types emitted by the AI CLI on stdout.
const (
	EventTypeSystem    = "system"
	EventTypeAssistant = "assistant"
	EventTypeUser      = "user"
	EventTypeResult    = "result"
)

// Result subtypes on a terminal event.
const (
	ResultSuccess       = "success"
	ResultErrorMaxTurns = "error_max_turns"
	ResultErrorDuring   = "error_during_execution"
)

// Event is one parsed line of the child's stdout.
type Event struct {
	Type    string   `json:"type"`
	Subtype string   `json:"subtype,omitempty"`
	Message *Message `json:"message,omitempty"`

	// System event fields.
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	CWD       string `json:"cwd,omitempty"`

	// Result event fields. Result is a string or an object depending on
	// subtype; keep it raw and let ResultText decide.
	Result       json.RawMessage `json:"result,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	NumTurns     int             `json:"num_turns,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`

	// ParentToolUseID ties subagent stream events to their Task tool_use.
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`
}

// ResultText returns the result payload as display text, whatever shape the
// child used.
func (e *Event) ResultText() string {
	if len(e.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Result, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(e.Result, &obj); err == nil {
		return obj.Text
	}
	return string(e.Result)
}

// IsTerminal reports whether the event ends the AI turn (and the session's
// current exchange).
func (e *Event) IsTerminal() bool {
	return e.Type == EventTypeResult
}

// Usage carries token accounting from system and result events.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// Message is the content container of assistant and user events.
type Message struct {
	Role    string  `json:"role,omitempty"`
	Model   string  `json:"model,omitempty"`
	Content []Block `json:"content,omitempty"`
	Usage   *Usage  `json:"usage,omitempty"`
}

// Block is one content block of a message. The concrete type is decided by
// the "type" field: text, tool_use, tool_result, thinking. Unknown block
// types decode to UnknownBlock so a newer CLI never crashes the bridge.
type Block interface {
	BlockType() string
}

// TextBlock is plain assistant (or user) text.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) BlockType() string { return "text" }

// ToolUseBlock is a tool invocation by the AI.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (ToolUseBlock) BlockType() string { return "tool_use" }

// InputMap decodes the tool input into a generic map. Returns an empty map
// on malformed input; tool rendering degrades, nothing crashes.
func (b ToolUseBlock) InputMap() map[string]any {
	m := map[string]any{}
	if len(b.Input) > 0 {
		_ = json.Unmarshal(b.Input, &m)
	}
	return m
}

// ToolResultBlock is the outcome of a tool invocation, echoed back on user
// events.
type ToolResultBlock struct {
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (ToolResultBlock) BlockType() string { return "tool_result" }

// ContentText flattens the tool result content to text. The CLI sends either
// a plain string or a list of {type:"text", text} parts.
func (b ToolResultBlock) ContentText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &parts); err == nil {
		out := ""
		for _, p := range parts {
			if p.Type == "text" {
				out += p.Text
			}
		}
		return out
	}
	return string(b.Content)
}

// ThinkingBlock is extended-thinking output; rendered collapsed or skipped.
type ThinkingBlock struct {
	Thinking string `json:"thinking"`
}

func (ThinkingBlock) BlockType() string { return "thinking" }

// UnknownBlock preserves a block the bridge does not understand.
type UnknownBlock struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

func (b UnknownBlock) BlockType() string { return b.Type }

// UnmarshalJSON decodes the content array into the tagged block types.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string            `json:"role"`
		Model   string            `json:"model"`
		Content []json.RawMessage `json:"content"`
		Usage   *Usage            `json:"usage"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		// A bare-string user message content is legal on outbound frames;
		// inbound it means an echo of our own message. Keep it as text.
		var alt struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err2 := json.Unmarshal(data, &alt); err2 == nil {
			m.Role = alt.Role
			m.Content = []Block{TextBlock{Text: alt.Content}}
			return nil
		}
		return err
	}
	m.Role = raw.Role
	m.Model = raw.Model
	m.Usage = raw.Usage
	m.Content = make([]Block, 0, len(raw.Content))
	for _, rb := range raw.Content {
		block, err := decodeBlock(rb)
		if err != nil {
			return err
		}
		m.Content = append(m.Content, block)
	}
	return nil
}

func decodeBlock(raw json.RawMessage) (Block, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("content block missing type: %w", err)
	}
	switch head.Type {
	case "text":
		var b TextBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "tool_use":
		var b ToolUseBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "tool_result":
		var b ToolResultBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "thinking":
		var b ThinkingBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return UnknownBlock{Type: head.Type, Raw: raw}, nil
	}
}

// MarshalJSON renders the content blocks back into their wire shape. Only
// needed for tests and transcripts; outbound frames use the dedicated
// structs below.
func (m Message) MarshalJSON() ([]byte, error) {
	blocks := make([]map[string]any, 0, len(m.Content))
	for _, b := range m.Content {
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		entry := map[string]any{}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, err
		}
		entry["type"] = b.BlockType()
		blocks = append(blocks, entry)
	}
	return json.Marshal(map[string]any{
		"role":    m.Role,
		"content": blocks,
	})
}

// userMessage is the outbound frame for a user prompt.
type userMessage struct {
	Type    string          `json:"type"`
	Message userMessageBody `json:"message"`
}

type userMessageBody struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// toolResultContent is the single-element content array of an outbound tool
// result.
type toolResultContent struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}
