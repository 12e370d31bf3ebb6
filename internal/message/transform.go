package message

import (
	"fmt"
	"strings"

	"github.com/threadline/threadline/internal/agent"
	"github.com/threadline/threadline/internal/message/toolfmt"
)

// TransformContext is the per-session state the stateless transformer needs
// to classify events.
type TransformContext struct {
	// SkipPermissions means the child runs unattended; no tool_use ever
	// becomes an approval prompt.
	SkipPermissions bool
	// InteractivePermissions turns mutating tool calls into approval prompts.
	InteractivePermissions bool
	// AllowedTools are tools the user already approved for the whole session;
	// their calls skip the prompt.
	AllowedTools map[string]bool
}

// mutatingTools are the calls that need approval in interactive mode.
var mutatingTools = map[string]bool{
	"Bash":         true,
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// Transform maps one child event to its ordered operations. It holds no
// state of its own; executors do.
func Transform(evt agent.Event, tctx TransformContext) []Operation {
	// Subagent stream events carry a parent tool_use ID; their content goes
	// to the subagent's post, not the main one.
	if evt.ParentToolUseID != "" {
		return transformSubagent(evt)
	}

	switch evt.Type {
	case agent.EventTypeSystem:
		return transformSystem(evt)
	case agent.EventTypeAssistant:
		return transformAssistant(evt, tctx)
	case agent.EventTypeUser:
		return transformUser(evt)
	case agent.EventTypeResult:
		return transformResult(evt)
	default:
		return nil
	}
}

func transformSystem(evt agent.Event) []Operation {
	if evt.Subtype != "init" {
		return nil
	}
	return []Operation{StatusUpdateOp{
		SessionUUID: evt.SessionID,
		Model:       evt.Model,
	}}
}

func transformAssistant(evt agent.Event, tctx TransformContext) []Operation {
	if evt.Message == nil {
		return nil
	}
	var ops []Operation
	for _, block := range evt.Message.Content {
		switch b := block.(type) {
		case agent.TextBlock:
			if b.Text != "" {
				ops = append(ops, AppendContent{Text: b.Text})
			}
		case agent.ThinkingBlock:
			// Thinking stays off the thread.
		case agent.ToolUseBlock:
			ops = append(ops, transformToolUse(b, tctx)...)
		case agent.UnknownBlock:
			// Skip; the reader already logged it.
		}
	}
	if len(ops) > 0 {
		ops = append(ops, Flush{})
	}
	return ops
}

func transformToolUse(b agent.ToolUseBlock, tctx TransformContext) []Operation {
	switch b.Name {
	case "TodoWrite":
		return []Operation{TaskListOp{Tasks: parseTasks(b)}}
	case "AskUserQuestion":
		qs := parseQuestions(b)
		if len(qs) == 0 {
			return nil
		}
		return []Operation{Flush{}, QuestionOp{ToolUseID: b.ID, Questions: qs}}
	case "ExitPlanMode":
		plan, _ := b.InputMap()["plan"].(string)
		return []Operation{Flush{}, ApprovalOp{ToolUseID: b.ID, Kind: "plan", Text: plan}}
	case "Task":
		in := b.InputMap()
		desc, _ := in["description"].(string)
		return []Operation{
			AppendContent{Text: toolfmt.Render(b)},
			SubagentOp{ToolUseID: b.ID, Phase: SubagentStart, Text: desc},
		}
	}

	var ops []Operation
	if rendered := toolfmt.Render(b); rendered != "" {
		ops = append(ops, AppendContent{Text: rendered})
	}
	if !tctx.SkipPermissions && tctx.InteractivePermissions && mutatingTools[b.Name] && !tctx.AllowedTools[b.Name] {
		ops = append(ops, Flush{}, ApprovalOp{
			ToolUseID: b.ID,
			Kind:      "permission",
			Tool:      b.Name,
			Text:      approvalText(b),
		})
	}
	return ops
}

func transformUser(evt agent.Event) []Operation {
	if evt.Message == nil {
		return nil
	}
	var ops []Operation
	for _, block := range evt.Message.Content {
		tr, ok := block.(agent.ToolResultBlock)
		if !ok {
			continue
		}
		if rendered := toolfmt.RenderResult(tr); rendered != "" {
			ops = append(ops, AppendContent{Text: rendered})
		}
	}
	return ops
}

func transformResult(evt agent.Event) []Operation {
	ops := []Operation{Flush{}}
	if evt.Usage != nil || evt.TotalCostUSD > 0 {
		status := StatusUpdateOp{TotalCostUSD: evt.TotalCostUSD}
		if evt.Usage != nil {
			status.InputTokens = evt.Usage.InputTokens
			status.OutputTokens = evt.Usage.OutputTokens
		}
		ops = append(ops, status)
	}
	kind := LifecycleResult
	if evt.IsError {
		kind = LifecycleError
	}
	ops = append(ops, LifecycleOp{
		Kind:       kind,
		Text:       evt.ResultText(),
		DurationMS: evt.DurationMS,
		NumTurns:   evt.NumTurns,
	})
	return ops
}

func transformSubagent(evt agent.Event) []Operation {
	var text strings.Builder
	if evt.Message != nil {
		for _, block := range evt.Message.Content {
			switch b := block.(type) {
			case agent.TextBlock:
				text.WriteString(b.Text)
			case agent.ToolUseBlock:
				text.WriteString(toolfmt.Render(b))
			}
		}
	}
	phase := SubagentStream
	if evt.IsTerminal() {
		phase = SubagentDone
		if text.Len() == 0 {
			text.WriteString(evt.ResultText())
		}
	}
	if text.Len() == 0 && phase == SubagentStream {
		return nil
	}
	return []Operation{SubagentOp{
		ToolUseID: evt.ParentToolUseID,
		Phase:     phase,
		Text:      text.String(),
	}}
}

func parseTasks(b agent.ToolUseBlock) []Task {
	raw, ok := b.InputMap()["todos"].([]any)
	if !ok {
		return nil
	}
	tasks := make([]Task, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		content, _ := m["content"].(string)
		status, _ := m["status"].(string)
		active, _ := m["activeForm"].(string)
		if content == "" {
			continue
		}
		tasks = append(tasks, Task{Content: content, Status: status, ActiveForm: active})
	}
	return tasks
}

func parseQuestions(b agent.ToolUseBlock) []Question {
	raw, ok := b.InputMap()["questions"].([]any)
	if !ok {
		return nil
	}
	questions := make([]Question, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		q := Question{}
		q.Header, _ = m["header"].(string)
		q.Prompt, _ = m["question"].(string)
		q.MultiSelect, _ = m["multiSelect"].(bool)
		if opts, ok := m["options"].([]any); ok {
			for _, o := range opts {
				switch opt := o.(type) {
				case string:
					q.Options = append(q.Options, opt)
				case map[string]any:
					if label, _ := opt["label"].(string); label != "" {
						q.Options = append(q.Options, label)
					}
				}
			}
		}
		if q.Prompt != "" && len(q.Options) > 0 {
			questions = append(questions, q)
		}
	}
	return questions
}

func approvalText(b agent.ToolUseBlock) string {
	in := b.InputMap()
	if b.Name == "Bash" {
		if cmd, _ := in["command"].(string); cmd != "" {
			return fmt.Sprintf("`%s`", cmd)
		}
	}
	if path, _ := in["file_path"].(string); path != "" {
		return fmt.Sprintf("%s %s", b.Name, path)
	}
	return b.Name
}
