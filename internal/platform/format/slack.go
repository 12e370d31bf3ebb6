package format

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/threadline/threadline/internal/platform"
)

// Slack renders mrkdwn. No native headings or tables: headings become bold
// lines and tables become aligned text inside a code block.
type Slack struct{}

// NewSlack returns the Slack dialect formatter.
func NewSlack() *Slack { return &Slack{} }

var _ platform.Formatter = (*Slack)(nil)

func (f *Slack) Bold(text string) string          { return "*" + text + "*" }
func (f *Slack) Italic(text string) string        { return "_" + text + "_" }
func (f *Slack) Strikethrough(text string) string { return "~" + text + "~" }
func (f *Slack) Code(text string) string          { return "`" + text + "`" }

func (f *Slack) CodeBlock(language, text string) string {
	// mrkdwn fences carry no language hint
	_ = language
	return "```\n" + strings.TrimSuffix(text, "\n") + "\n```"
}

func (f *Slack) Link(text, url string) string {
	if text == "" {
		return "<" + url + ">"
	}
	return "<" + url + "|" + slackLinkLabel(text) + ">"
}

// slackLinkLabel keeps a label from terminating the <url|label> form.
func slackLinkLabel(s string) string {
	s = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
	return strings.ReplaceAll(s, "|", "/")
}

func (f *Slack) Heading(level int, text string) string {
	_ = level
	return "*" + text + "*"
}

func (f *Slack) Blockquote(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}

func (f *Slack) ListItem(text string) string { return "• " + text }

func (f *Slack) NumberedListItem(n int, text string) string {
	return fmt.Sprintf("%d. %s", n, text)
}

func (f *Slack) HorizontalRule() string { return "──────────" }

func (f *Slack) Table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range rows {
		for i := 0; i < len(headers) && i < len(row); i++ {
			if n := utf8.RuneCountInString(flatCell(row[i])); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var b strings.Builder
	b.WriteString("```\n")
	writeAlignedRow(&b, headers, widths)
	rule := make([]string, len(headers))
	for i, w := range widths {
		rule[i] = strings.Repeat("-", w)
	}
	writeAlignedRow(&b, rule, widths)
	for _, row := range rows {
		cells := make([]string, len(headers))
		for i := range headers {
			if i < len(row) {
				cells[i] = flatCell(row[i])
			}
		}
		writeAlignedRow(&b, cells, widths)
	}
	b.WriteString("```")
	return b.String()
}

func flatCell(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}

func writeAlignedRow(b *strings.Builder, cells []string, widths []int) {
	for i, cell := range cells {
		b.WriteString(cell)
		if i < len(cells)-1 {
			pad := widths[i] - utf8.RuneCountInString(cell)
			b.WriteString(strings.Repeat(" ", pad+2))
		}
	}
	b.WriteString("\n")
}

func (f *Slack) KeyValueList(pairs []platform.KeyValue) string {
	lines := make([]string, 0, len(pairs))
	for _, p := range pairs {
		lines = append(lines, "*"+p.Key+":* "+p.Value)
	}
	return strings.Join(lines, "\n")
}

var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func (f *Slack) Escape(text string) string { return slackEscaper.Replace(text) }

var (
	slackHeadingRe    = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	slackLinkRe       = regexp.MustCompile(`\[([^\]]*)\]\(([^)\s]+)\)`)
	slackBoldRe       = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	slackBoldUnderRe  = regexp.MustCompile(`__([^_]+)__`)
	slackItalicStarRe = regexp.MustCompile(`\*([^*\n]+)\*`)
	slackStrikeRe     = regexp.MustCompile(`~~([^~]+)~~`)
)

// Markdown converts standard markdown to mrkdwn line by line. Fenced code
// blocks and inline code spans pass through untouched.
func (f *Slack) Markdown(text string) string {
	lines := strings.Split(text, "\n")
	inFence := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if m := slackHeadingRe.FindStringSubmatch(line); m != nil {
			lines[i] = "*" + strings.TrimSpace(m[2]) + "*"
			continue
		}
		lines[i] = convertOutsideCode(line, slackInline)
	}
	return strings.Join(lines, "\n")
}

// convertOutsideCode applies convert to the segments of line that are not
// inside inline code spans. Even-indexed segments of a backtick split are
// outside; odd ones are code and pass through.
func convertOutsideCode(line string, convert func(string) string) string {
	parts := strings.Split(line, "`")
	for i := 0; i < len(parts); i += 2 {
		parts[i] = convert(parts[i])
	}
	return strings.Join(parts, "`")
}

func slackInline(s string) string {
	s = slackLinkRe.ReplaceAllString(s, "<$2|$1>")
	// Hide bold behind placeholders so the single-star italic rule cannot
	// eat the markers.
	s = slackBoldRe.ReplaceAllString(s, "\x00$1\x01")
	s = slackBoldUnderRe.ReplaceAllString(s, "\x00$1\x01")
	s = slackItalicStarRe.ReplaceAllString(s, "_$1_")
	s = strings.ReplaceAll(s, "\x00", "*")
	s = strings.ReplaceAll(s, "\x01", "*")
	s = slackStrikeRe.ReplaceAllString(s, "~$1~")
	return s
}
