// Package platformtest provides an in-memory Adapter for tests: posts live
// in a map, inbound events are pushed by the test, and every mutating call
// is recorded.
package platformtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/threadline/threadline/internal/platform"
)

// Adapter is the in-memory test double.
type Adapter struct {
	PlatformID string
	Bot        platform.User
	Allowed    map[string]bool
	Limits     platform.MessageLimits

	mu        sync.Mutex
	nextID    int
	Posts     map[string]*platform.Post
	Order     []string
	Deleted   []string
	Pinned    map[string]bool
	Reactions map[string][]string
	Typing    int
	History   []platform.ThreadMessage

	CreateErr error
	UpdateErr error

	events    chan platform.InboundEvent
	connected bool
}

// New builds an adapter with sane defaults.
func New(platformID string) *Adapter {
	return &Adapter{
		PlatformID: platformID,
		Bot:        platform.User{ID: "bot-id", Username: "threadline", IsBot: true},
		Allowed:    map[string]bool{},
		Limits:     platform.MessageLimits{MaxLength: 16000, HardThreshold: 12000},
		Posts:      map[string]*platform.Post{},
		Pinned:     map[string]bool{},
		Reactions:  map[string][]string{},
		events:     make(chan platform.InboundEvent, 64),
	}
}

func (a *Adapter) ID() string { return a.PlatformID }

func (a *Adapter) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		a.connected = false
		close(a.events)
	}
	return nil
}

func (a *Adapter) Events() <-chan platform.InboundEvent { return a.events }

// Push delivers an inbound event to the engine under test.
func (a *Adapter) Push(evt platform.InboundEvent) { a.events <- evt }

func (a *Adapter) CreatePost(_ context.Context, channelID, message, rootID string) (*platform.Post, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.CreateErr != nil {
		return nil, a.CreateErr
	}
	a.nextID++
	post := &platform.Post{
		ID:        fmt.Sprintf("post%d", a.nextID),
		ChannelID: channelID,
		RootID:    rootID,
		UserID:    a.Bot.ID,
		Username:  a.Bot.Username,
		Message:   message,
		CreateAt:  time.Now(),
	}
	a.Posts[post.ID] = post
	a.Order = append(a.Order, post.ID)
	return post, nil
}

func (a *Adapter) UpdatePost(_ context.Context, postID, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.UpdateErr != nil {
		return a.UpdateErr
	}
	post, ok := a.Posts[postID]
	if !ok {
		return &platform.APIError{StatusCode: 404, Message: "post not found"}
	}
	post.Message = message
	return nil
}

func (a *Adapter) DeletePost(_ context.Context, postID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.Posts, postID)
	a.Deleted = append(a.Deleted, postID)
	return nil
}

func (a *Adapter) CreateInteractivePost(ctx context.Context, channelID, message string, reactions []string, rootID string) (*platform.Post, error) {
	post, err := a.CreatePost(ctx, channelID, message, rootID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.Reactions[post.ID] = append([]string(nil), reactions...)
	a.mu.Unlock()
	return post, nil
}

func (a *Adapter) AddReaction(_ context.Context, postID, emoji string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Reactions[postID] = append(a.Reactions[postID], emoji)
	return nil
}

func (a *Adapter) RemoveReaction(_ context.Context, postID, emoji string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.Reactions[postID][:0]
	for _, e := range a.Reactions[postID] {
		if e != emoji {
			kept = append(kept, e)
		}
	}
	a.Reactions[postID] = kept
	return nil
}

func (a *Adapter) PinPost(_ context.Context, postID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Pinned[postID] = true
	return nil
}

func (a *Adapter) UnpinPost(_ context.Context, postID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.Pinned, postID)
	return nil
}

func (a *Adapter) PinnedPosts(_ context.Context, channelID string) ([]platform.Post, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var pinned []platform.Post
	for id := range a.Pinned {
		if post, ok := a.Posts[id]; ok && post.ChannelID == channelID {
			pinned = append(pinned, *post)
		}
	}
	return pinned, nil
}

func (a *Adapter) ThreadHistory(_ context.Context, rootID string, opts platform.ThreadHistoryOptions) ([]platform.ThreadMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []platform.ThreadMessage
	for _, m := range a.History {
		if opts.ExcludeBotMessages && m.IsBot {
			continue
		}
		out = append(out, m)
	}
	_ = rootID
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

func (a *Adapter) SendTyping(context.Context, string, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Typing++
	return nil
}

func (a *Adapter) BotUser() platform.User { return a.Bot }

func (a *Adapter) UserByUsername(_ context.Context, username string) (*platform.User, error) {
	return &platform.User{ID: "id-" + username, Username: username}, nil
}

func (a *Adapter) IsUserAllowed(username string) bool {
	if len(a.Allowed) == 0 {
		return true
	}
	return a.Allowed[username]
}

func (a *Adapter) IsBotMentioned(message string) bool {
	return strings.Contains(message, "@"+a.Bot.Username)
}

func (a *Adapter) ExtractPrompt(message string) string {
	return strings.TrimSpace(strings.ReplaceAll(message, "@"+a.Bot.Username, ""))
}

func (a *Adapter) Formatter() platform.Formatter { return Formatter{} }

func (a *Adapter) MessageLimits() platform.MessageLimits { return a.Limits }

// Post returns a copy of one post's current state.
func (a *Adapter) Post(postID string) (platform.Post, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	post, ok := a.Posts[postID]
	if !ok {
		return platform.Post{}, false
	}
	return *post, true
}

// LastPost returns the newest post, or false when none exist.
func (a *Adapter) LastPost() (platform.Post, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.Order) - 1; i >= 0; i-- {
		if post, ok := a.Posts[a.Order[i]]; ok {
			return *post, true
		}
	}
	return platform.Post{}, false
}

// Formatter is a plain-markdown formatter for tests.
type Formatter struct{}

func (Formatter) Bold(t string) string            { return "**" + t + "**" }
func (Formatter) Italic(t string) string          { return "*" + t + "*" }
func (Formatter) Strikethrough(t string) string   { return "~~" + t + "~~" }
func (Formatter) Code(t string) string            { return "`" + t + "`" }
func (Formatter) CodeBlock(l, t string) string    { return "```" + l + "\n" + t + "\n```" }
func (Formatter) Link(t, url string) string       { return "[" + t + "](" + url + ")" }
func (Formatter) Heading(n int, t string) string  { return strings.Repeat("#", n) + " " + t }
func (Formatter) Blockquote(t string) string      { return "> " + t }
func (Formatter) ListItem(t string) string        { return "- " + t }
func (Formatter) NumberedListItem(n int, t string) string {
	return fmt.Sprintf("%d. %s", n, t)
}
func (Formatter) HorizontalRule() string { return "---" }
func (Formatter) Table(headers []string, rows [][]string) string {
	var sb strings.Builder
	sb.WriteString("| " + strings.Join(headers, " | ") + " |\n")
	for _, row := range rows {
		sb.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	return sb.String()
}
func (Formatter) KeyValueList(pairs []platform.KeyValue) string {
	var sb strings.Builder
	for _, p := range pairs {
		sb.WriteString("**" + p.Key + "**: " + p.Value + "\n")
	}
	return sb.String()
}
func (Formatter) Escape(t string) string   { return t }
func (Formatter) Markdown(t string) string { return t }
