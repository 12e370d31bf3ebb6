package platform

// KeyValue is one row of a key/value listing.
type KeyValue struct {
	Key   string
	Value string
}

// Formatter renders text elements in one platform's markdown dialect.
// Mattermost speaks standard markdown; Slack speaks mrkdwn with no native
// headings or tables, so its implementation substitutes.
type Formatter interface {
	Bold(text string) string
	Italic(text string) string
	Strikethrough(text string) string
	Code(text string) string
	CodeBlock(language, text string) string
	Link(text, url string) string
	Heading(level int, text string) string
	Blockquote(text string) string
	ListItem(text string) string
	NumberedListItem(n int, text string) string
	HorizontalRule() string
	Table(headers []string, rows [][]string) string
	KeyValueList(pairs []KeyValue) string
	// Escape neutralizes characters the platform would interpret as markup.
	Escape(text string) string
	// Markdown converts standard markdown (as the AI emits it) into the
	// platform dialect. Fenced code blocks and inline code pass through
	// untouched.
	Markdown(text string) string
}
