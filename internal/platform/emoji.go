package platform

import "strconv"

// Emoji names shared by Mattermost and Slack. Reactions are matched by name;
// post text uses the :name: form so each platform renders its own glyph.
const (
	EmojiThumbsUp   = "+1"
	EmojiThumbsDown = "-1"
	EmojiAllowRule  = "white_check_mark"
	EmojiCancel     = "x"
	EmojiStop       = "octagonal_sign"
	EmojiInterrupt  = "double_vertical_bar"
	EmojiBugReport  = "bug"
)

// resumeEmojis are accepted on a paused session's header or lifecycle post
// to bring the session back.
var resumeEmojis = map[string]bool{
	"arrows_counterclockwise": true,
	"arrow_forward":           true,
	"repeat":                  true,
}

// IsResumeEmoji reports whether the emoji name requests a session resume.
func IsResumeEmoji(name string) bool {
	return resumeEmojis[name]
}

// digitEmojis maps answer positions 1..9 to their emoji names.
var digitEmojis = [...]string{
	"one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
}

// DigitEmoji returns the emoji name for a 1-based option number (1..9).
func DigitEmoji(n int) (string, bool) {
	if n < 1 || n > len(digitEmojis) {
		return "", false
	}
	return digitEmojis[n-1], true
}

// DigitFromEmoji returns the 1-based option number for a digit emoji name.
func DigitFromEmoji(name string) (int, bool) {
	for i, candidate := range digitEmojis {
		if candidate == name {
			return i + 1, true
		}
	}
	return 0, false
}

// Colon wraps an emoji name in colons for use inside post text.
func Colon(name string) string {
	return ":" + name + ":"
}

// DigitColon returns the :name: form for a 1-based option number, falling
// back to the plain number above 9.
func DigitColon(n int) string {
	if name, ok := DigitEmoji(n); ok {
		return Colon(name)
	}
	return strconv.Itoa(n)
}
