// Package format implements the Formatter contract for each supported chat
// dialect. Mattermost renders standard markdown natively; Slack speaks
// mrkdwn and needs substitutions for headings, links, and tables.
package format

import (
	"fmt"
	"strings"

	"github.com/threadline/threadline/internal/platform"
)

// Mattermost renders standard markdown.
type Mattermost struct{}

// NewMattermost returns the Mattermost dialect formatter.
func NewMattermost() *Mattermost { return &Mattermost{} }

var _ platform.Formatter = (*Mattermost)(nil)

func (f *Mattermost) Bold(text string) string          { return "**" + text + "**" }
func (f *Mattermost) Italic(text string) string        { return "_" + text + "_" }
func (f *Mattermost) Strikethrough(text string) string { return "~~" + text + "~~" }
func (f *Mattermost) Code(text string) string          { return "`" + text + "`" }

func (f *Mattermost) CodeBlock(language, text string) string {
	return "```" + language + "\n" + strings.TrimSuffix(text, "\n") + "\n```"
}

func (f *Mattermost) Link(text, url string) string {
	if text == "" {
		return url
	}
	return "[" + text + "](" + url + ")"
}

func (f *Mattermost) Heading(level int, text string) string {
	if level < 1 {
		level = 1
	}
	if level > 6 {
		level = 6
	}
	return strings.Repeat("#", level) + " " + text
}

func (f *Mattermost) Blockquote(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}

func (f *Mattermost) ListItem(text string) string { return "- " + text }

func (f *Mattermost) NumberedListItem(n int, text string) string {
	return fmt.Sprintf("%d. %s", n, text)
}

func (f *Mattermost) HorizontalRule() string { return "---" }

func (f *Mattermost) Table(headers []string, rows [][]string) string {
	var b strings.Builder
	b.WriteString("|")
	for _, h := range headers {
		b.WriteString(" " + tableCell(h) + " |")
	}
	b.WriteString("\n|")
	for range headers {
		b.WriteString(" --- |")
	}
	for _, row := range rows {
		b.WriteString("\n|")
		for i := range headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			b.WriteString(" " + tableCell(cell) + " |")
		}
	}
	return b.String()
}

// tableCell keeps a value from breaking the row syntax.
func tableCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}

func (f *Mattermost) KeyValueList(pairs []platform.KeyValue) string {
	lines := make([]string, 0, len(pairs))
	for _, p := range pairs {
		lines = append(lines, "**"+p.Key+":** "+p.Value)
	}
	return strings.Join(lines, "\n")
}

var mattermostEscaper = strings.NewReplacer(
	`\`, `\\`,
	"`", "\\`",
	"*", `\*`,
	"_", `\_`,
	"~", `\~`,
	"|", `\|`,
	"[", `\[`,
	"]", `\]`,
	"#", `\#`,
	">", `\>`,
)

func (f *Mattermost) Escape(text string) string { return mattermostEscaper.Replace(text) }

// Markdown is the identity: the AI already emits standard markdown.
func (f *Mattermost) Markdown(text string) string { return text }
