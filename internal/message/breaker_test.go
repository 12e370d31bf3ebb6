package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindBreakpointsParagraph(t *testing.T) {
	text := "para one\n\npara two"
	points := FindBreakpoints(text)
	assert.Equal(t, []Breakpoint{{Index: 10, Kind: BreakParagraph}}, points)
}

func TestFindBreakpointsCodeBlockEnd(t *testing.T) {
	text := "intro\n```go\ncode\n```\nafter"
	points := FindBreakpoints(text)
	var kinds []BreakpointKind
	for _, p := range points {
		kinds = append(kinds, p.Kind)
	}
	assert.Contains(t, kinds, BreakCodeBlockEnd)
	for _, p := range points {
		if p.Kind == BreakCodeBlockEnd {
			assert.Equal(t, "after", text[p.Index:])
		}
	}
}

func TestFindBreakpointsHeadingAndToolMarker(t *testing.T) {
	text := "text\n# Title\nmore\n🔧 Read foo.go\ntail"
	points := FindBreakpoints(text)

	var heading, marker bool
	for _, p := range points {
		switch p.Kind {
		case BreakHeading:
			heading = true
			assert.True(t, strings.HasPrefix(text[p.Index:], "# Title"))
		case BreakToolMarker:
			marker = true
			assert.True(t, strings.HasPrefix(text[p.Index:], "🔧 Read"))
		}
	}
	assert.True(t, heading)
	assert.True(t, marker)
}

func TestNoBreakpointsInsideFence(t *testing.T) {
	text := "```\nfirst\n\nsecond\n# not a heading\n```"
	for _, p := range FindBreakpoints(text) {
		assert.NotEqual(t, BreakParagraph, p.Kind)
		assert.NotEqual(t, BreakHeading, p.Kind)
	}
}

func TestInCodeFence(t *testing.T) {
	text := "before\n```\ninside\n```\nafter"
	assert.False(t, InCodeFence(text, 2))
	assert.True(t, InCodeFence(text, strings.Index(text, "inside")))
	assert.False(t, InCodeFence(text, strings.Index(text, "after")))

	open := "```\nstill open"
	assert.True(t, InCodeFence(open, len(open)-1))
}

func TestBestBreak(t *testing.T) {
	text := "a\n\nb\n\nc"
	assert.Equal(t, 6, BestBreak(text, len(text)))
	assert.Equal(t, 3, BestBreak(text, 5))
	assert.Equal(t, -1, BestBreak("no breaks here", 14))
}

func TestEndsInOpenFence(t *testing.T) {
	assert.True(t, EndsInOpenFence("```go\ncode"))
	assert.False(t, EndsInOpenFence("```go\ncode\n```"))
	assert.False(t, EndsInOpenFence("plain text"))
}

func TestShouldFlushEarly(t *testing.T) {
	assert.True(t, ShouldFlushEarly("a paragraph\n\n"))
	assert.True(t, ShouldFlushEarly("```go\ncode\n```\n"))
	assert.False(t, ShouldFlushEarly("```go\ncode so far"))
	assert.False(t, ShouldFlushEarly("mid-sentence"))
	assert.False(t, ShouldFlushEarly(""))
}

func TestOverHeightThreshold(t *testing.T) {
	assert.False(t, OverHeightThreshold("one\ntwo\nthree"))
	assert.True(t, OverHeightThreshold(strings.Repeat("line\n", softHeightLines)))
}
