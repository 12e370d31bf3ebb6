// Package toolfmt renders tool invocations and their results as compact
// thread lines. One tool call becomes one marker line (icon, verb, subject)
// so a reader can follow what the AI did without wading through raw JSON.
package toolfmt

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/threadline/threadline/internal/agent"
)

const (
	// markerPrefix starts every rendered tool line. The content breaker
	// treats it as a breakpoint so a tool call never straddles two posts.
	markerPrefix = "🔧 "

	maxSubjectLen    = 120
	maxCommandLen    = 200
	maxDiffLines     = 30
	maxResultLen     = 500
	maxResultLines   = 10
	resultIndent     = "> "
	errorPrefix      = "⚠️ "
	subagentPrefix   = "🤖 "
	thinkingEllipsis = "…"
)

// Render returns the thread line(s) for one tool_use block. Always ends with
// a newline.
func Render(b agent.ToolUseBlock) string {
	in := b.InputMap()
	switch b.Name {
	case "Read":
		return markerLine("Read", shortPath(str(in, "file_path")))
	case "Write":
		return markerLine("Write", shortPath(str(in, "file_path")))
	case "Edit", "MultiEdit":
		return renderEdit(b.Name, in)
	case "Bash":
		return renderBash(in)
	case "Grep":
		return markerLine("Grep", quoteSubject(str(in, "pattern")))
	case "Glob":
		return markerLine("Glob", quoteSubject(str(in, "pattern")))
	case "WebFetch":
		return markerLine("WebFetch", str(in, "url"))
	case "WebSearch":
		return markerLine("WebSearch", quoteSubject(str(in, "query")))
	case "Task":
		return subagentPrefix + "Task: " + truncate(str(in, "description"), maxSubjectLen) + "\n"
	case "TodoWrite":
		// The task-list executor owns TodoWrite rendering.
		return ""
	case "AskUserQuestion", "ExitPlanMode":
		// Interactive handlers own these.
		return ""
	default:
		return markerLine(b.Name, defaultSubject(in))
	}
}

// RenderResult returns the thread rendering of a tool_result, or "" when the
// result is not worth showing (successful, large, or empty output).
func RenderResult(b agent.ToolResultBlock) string {
	text := strings.TrimSpace(b.ContentText())
	if !b.IsError {
		return ""
	}
	if text == "" {
		text = "tool failed"
	}
	return errorPrefix + quoteResult(text) + "\n"
}

func markerLine(verb, subject string) string {
	if subject == "" {
		return markerPrefix + verb + "\n"
	}
	return markerPrefix + verb + " " + truncate(subject, maxSubjectLen) + "\n"
}

func renderBash(in map[string]any) string {
	cmd := strings.TrimSpace(str(in, "command"))
	if cmd == "" {
		return markerLine("Bash", "")
	}
	if desc := str(in, "description"); desc != "" {
		return markerPrefix + "Bash " + truncate(desc, maxSubjectLen) + "\n```sh\n" + truncate(cmd, maxCommandLen) + "\n```\n"
	}
	return markerPrefix + "Bash\n```sh\n" + truncate(cmd, maxCommandLen) + "\n```\n"
}

func renderEdit(name string, in map[string]any) string {
	path := shortPath(str(in, "file_path"))
	header := markerLine(name, path)

	oldText := str(in, "old_string")
	newText := str(in, "new_string")
	if name == "MultiEdit" {
		// Show only the edit count; per-edit diffs would flood the thread.
		if edits, ok := in["edits"].([]any); ok {
			return markerLine(name, fmt.Sprintf("%s (%d edits)", path, len(edits)))
		}
		return header
	}
	if oldText == "" && newText == "" {
		return header
	}
	diff := UnifiedDiff(oldText, newText)
	if diff == "" {
		return header
	}
	return header + "```diff\n" + diff + "```\n"
}

// UnifiedDiff renders a line-level diff between two texts, capped at
// maxDiffLines lines. Unchanged runs collapse to a single marker.
func UnifiedDiff(oldText, newText string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	count := 0
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffEqual:
			// Collapse context to keep the diff about the change.
			if n := strings.Count(d.Text, "\n"); n > 2 {
				sb.WriteString("  …\n")
				count++
				continue
			}
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			if count >= maxDiffLines {
				sb.WriteString("  … (diff truncated)\n")
				return sb.String()
			}
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteString("\n")
			count++
		}
	}
	return sb.String()
}

func quoteResult(text string) string {
	lines := strings.Split(truncate(text, maxResultLen), "\n")
	if len(lines) > maxResultLines {
		lines = append(lines[:maxResultLines], "…")
	}
	return strings.Join(lines, "\n"+resultIndent)
}

func defaultSubject(in map[string]any) string {
	for _, key := range []string{"file_path", "path", "url", "query", "pattern", "description", "command"} {
		if v := str(in, key); v != "" {
			return v
		}
	}
	return ""
}

func shortPath(p string) string {
	if p == "" {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(p), "/")
	if len(parts) <= 3 {
		return p
	}
	return "…/" + strings.Join(parts[len(parts)-3:], "/")
}

func quoteSubject(s string) string {
	if s == "" {
		return ""
	}
	return "`" + truncate(s, maxSubjectLen) + "`"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + thinkingEllipsis
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
