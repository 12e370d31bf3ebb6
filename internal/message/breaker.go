package message

import (
	"sort"
	"strings"
)

// BreakpointKind classifies a logical split position in streamed text.
type BreakpointKind int

const (
	BreakParagraph BreakpointKind = iota
	BreakCodeBlockEnd
	BreakHeading
	BreakToolMarker
)

// Breakpoint is a position where splitting the text into two posts keeps
// both halves readable. Index is the byte offset where the second part
// would start.
type Breakpoint struct {
	Index int
	Kind  BreakpointKind
}

// toolMarkerPrefix starts every rendered tool-use line; breaking right
// before one keeps the tool call with its output.
const toolMarkerPrefix = "🔧 "

// FindBreakpoints returns all logical break positions in text, ascending.
func FindBreakpoints(text string) []Breakpoint {
	var points []Breakpoint

	fences := fenceSpans(text)

	// Paragraph boundaries: the position after a blank line.
	idx := 0
	for {
		pos := strings.Index(text[idx:], "\n\n")
		if pos < 0 {
			break
		}
		abs := idx + pos
		after := abs + 2
		for after < len(text) && text[after] == '\n' {
			after++
		}
		if after < len(text) && !insideFence(fences, abs) {
			points = append(points, Breakpoint{Index: after, Kind: BreakParagraph})
		}
		idx = after
		if idx >= len(text) {
			break
		}
	}

	// Line-oriented breakpoints: closing fences, headings, tool markers.
	lineStart := 0
	for lineStart < len(text) {
		lineEnd := strings.IndexByte(text[lineStart:], '\n')
		var next int
		if lineEnd < 0 {
			lineEnd = len(text)
			next = len(text)
		} else {
			lineEnd += lineStart
			next = lineEnd + 1
		}
		line := text[lineStart:lineEnd]
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "```") && insideFence(fences, lineStart):
			// A fence line whose interior is inside a fence span is the
			// closing fence; the break goes after it.
			if next < len(text) {
				points = append(points, Breakpoint{Index: next, Kind: BreakCodeBlockEnd})
			}
		case strings.HasPrefix(trimmed, "#") && !insideFence(fences, lineStart) && lineStart > 0:
			points = append(points, Breakpoint{Index: lineStart, Kind: BreakHeading})
		case strings.HasPrefix(trimmed, toolMarkerPrefix) && !insideFence(fences, lineStart) && lineStart > 0:
			points = append(points, Breakpoint{Index: lineStart, Kind: BreakToolMarker})
		}
		lineStart = next
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Index < points[j].Index })
	return points
}

// fenceSpan is one fenced code block: Open is the offset of the opening
// ``` line, Close the offset just past the closing fence line (or the end
// of text for an unterminated fence).
type fenceSpan struct {
	Open  int
	Close int
}

func fenceSpans(text string) []fenceSpan {
	var spans []fenceSpan
	open := -1
	lineStart := 0
	for lineStart <= len(text) {
		lineEnd := strings.IndexByte(text[lineStart:], '\n')
		var next int
		if lineEnd < 0 {
			lineEnd = len(text)
			next = len(text) + 1
		} else {
			lineEnd += lineStart
			next = lineEnd + 1
		}
		trimmed := strings.TrimSpace(text[lineStart:lineEnd])
		if strings.HasPrefix(trimmed, "```") {
			if open < 0 {
				open = lineStart
			} else {
				spans = append(spans, fenceSpan{Open: open, Close: next})
				open = -1
			}
		}
		lineStart = next
	}
	if open >= 0 {
		spans = append(spans, fenceSpan{Open: open, Close: len(text)})
	}
	return spans
}

// insideFence reports whether offset falls strictly inside a fence span
// (after the opening fence line's start, before the close).
func insideFence(spans []fenceSpan, offset int) bool {
	for _, s := range spans {
		if offset > s.Open && offset < s.Close {
			return true
		}
	}
	return false
}

// InCodeFence reports whether the character at offset sits inside an open
// fenced code block.
func InCodeFence(text string, offset int) bool {
	return insideFence(fenceSpans(text), offset)
}

// EndsInOpenFence reports whether text ends inside an unterminated fenced
// code block. Works by fence-line parity, so a trailing closing fence counts
// as closed even before its newline arrives.
func EndsInOpenFence(text string) bool {
	open := false
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			open = !open
		}
	}
	return open
}

// BestBreak returns the last breakpoint at or below limit, or -1 when none
// qualifies.
func BestBreak(text string, limit int) int {
	best := -1
	for _, bp := range FindBreakpoints(text) {
		if bp.Index <= limit && bp.Index > best {
			best = bp.Index
		}
	}
	return best
}

// softHeightLines is the line count past which a post is split early for
// readability even though the platform would accept more.
const softHeightLines = 40

// OverHeightThreshold reports whether text has grown tall enough to split.
func OverHeightThreshold(text string) bool {
	return strings.Count(text, "\n") >= softHeightLines
}

// ShouldFlushEarly reports whether pending content ends at a natural point
// worth flushing before more arrives: a paragraph boundary or a closed
// fence at the tail.
func ShouldFlushEarly(pending string) bool {
	if pending == "" {
		return false
	}
	if EndsInOpenFence(pending) {
		return false
	}
	return strings.HasSuffix(pending, "\n\n") || strings.HasSuffix(strings.TrimRight(pending, "\n"), "```")
}
