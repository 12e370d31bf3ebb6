package format

import (
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/threadline/threadline/internal/platform"
)

func TestSlackInline(t *testing.T) {
	f := NewSlack()

	cases := []struct {
		name string
		got  string
		want string
	}{
		{"bold", f.Bold("hi"), "*hi*"},
		{"italic", f.Italic("hi"), "_hi_"},
		{"strikethrough", f.Strikethrough("hi"), "~hi~"},
		{"code", f.Code("x := 1"), "`x := 1`"},
		{"link", f.Link("docs", "https://example.com"), "<https://example.com|docs>"},
		{"link no text", f.Link("", "https://example.com"), "<https://example.com>"},
		{"heading is bold", f.Heading(2, "Title"), "*Title*"},
		{"list item", f.ListItem("first"), "• first"},
		{"numbered item", f.NumberedListItem(2, "second"), "2. second"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, tc.got, tc.want)
		}
	}
}

func TestSlackLinkLabelEscaping(t *testing.T) {
	f := NewSlack()

	got := f.Link("a|b <c>", "https://example.com")
	want := "<https://example.com|a/b &lt;c&gt;>"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSlackCodeBlockDropsLanguage(t *testing.T) {
	f := NewSlack()

	got := f.CodeBlock("go", "fmt.Println(1)")
	want := "```\nfmt.Println(1)\n```"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSlackEscape(t *testing.T) {
	f := NewSlack()

	got := f.Escape("a & b < c > d")
	want := "a &amp; b &lt; c &gt; d"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSlackKeyValueList(t *testing.T) {
	f := NewSlack()

	got := f.KeyValueList([]platform.KeyValue{
		{Key: "Model", Value: "opus"},
		{Key: "Cost", Value: "$0.42"},
	})
	want := "*Model:* opus\n*Cost:* $0.42"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSlackMarkdown(t *testing.T) {
	f := NewSlack()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "This is **bold** text", "This is *bold* text"},
		{"underscore bold", "This is __bold__ text", "This is *bold* text"},
		{"italic", "This is *italic* text", "This is _italic_ text"},
		{"bold and italic", "**b** and *i*", "*b* and _i_"},
		{"strikethrough", "~~gone~~", "~gone~"},
		{"link", "see [docs](https://x.y/z)", "see <https://x.y/z|docs>"},
		{"heading", "## Section", "*Section*"},
		{"plain", "nothing to do", "nothing to do"},
		{
			name: "fenced code untouched",
			in:   "before **b**\n```\n**not bold**\n```\nafter **b**",
			want: "before *b*\n```\n**not bold**\n```\nafter *b*",
		},
		{
			name: "inline code untouched",
			in:   "run `git log **` now **ok**",
			want: "run `git log **` now *ok*",
		},
	}
	for _, tc := range cases {
		if got := f.Markdown(tc.in); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestSlackTableRoundTrip(t *testing.T) {
	f := NewSlack()

	headers := []string{"Task", "Status"}
	rows := [][]string{
		{"build binary", "done"},
		{"run checks", "pending"},
	}

	rendered := f.Table(headers, rows)
	if !strings.HasPrefix(rendered, "```\n") || !strings.HasSuffix(rendered, "```") {
		t.Fatalf("table not fenced: %q", rendered)
	}

	body := strings.TrimSuffix(strings.TrimPrefix(rendered, "```\n"), "```")
	lines := strings.Split(strings.TrimSuffix(body, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 table lines, got %d: %q", len(lines), lines)
	}

	colSplit := regexp.MustCompile(`\s{2,}`)
	var got []string
	got = append(got, colSplit.Split(lines[0], -1)...)
	for _, line := range lines[2:] {
		got = append(got, colSplit.Split(line, -1)...)
	}

	var want []string
	want = append(want, headers...)
	for _, row := range rows {
		want = append(want, row...)
	}

	sort.Strings(got)
	sort.Strings(want)
	if strings.Join(got, "\x00") != strings.Join(want, "\x00") {
		t.Errorf("cell bag changed:\ngot  %q\nwant %q", got, want)
	}
}
