// Package platform defines the contract between the session engine and a
// chat platform. Transports (Mattermost REST/WebSocket, Slack RTM) live
// outside this module and register themselves as adapter factories; the
// engine only ever sees the Adapter interface, normalized posts, and the
// inbound event stream.
package platform

import (
	"context"
	"time"
)

// Post is a single message in a channel or thread.
type Post struct {
	ID        string
	ChannelID string
	// RootID is the thread root post ID; empty for a channel-level post.
	RootID   string
	UserID   string
	Username string
	Message  string
	CreateAt time.Time
}

// User identifies a platform account.
type User struct {
	ID       string
	Username string
	IsBot    bool
}

// ThreadMessage is one entry of a thread history fetch.
type ThreadMessage struct {
	PostID   string
	UserID   string
	Username string
	Message  string
	IsBot    bool
	CreateAt time.Time
}

// ThreadHistoryOptions narrows a thread history fetch.
type ThreadHistoryOptions struct {
	// Limit caps the number of returned messages, newest kept. 0 = all.
	Limit int
	// ExcludeBotMessages drops the bot's own posts from the result.
	ExcludeBotMessages bool
}

// MessageLimits describes how much text fits in one post.
type MessageLimits struct {
	// MaxLength is the hard platform cap in characters. Posts above it are
	// rejected by the API.
	MaxLength int
	// HardThreshold is where the content pipeline starts hunting for a
	// logical breakpoint so posts stay readable. Always below MaxLength.
	HardThreshold int
}

// Adapter is implemented once per chat platform. All operations are
// normalized: post IDs, channel IDs, and emoji names are platform-native
// strings that the engine treats as opaque.
type Adapter interface {
	// ID returns the configured platform ID (unique per process).
	ID() string

	// Connect establishes the API session and starts the inbound stream.
	Connect(ctx context.Context) error
	// Disconnect tears down the connection. The Events channel is closed.
	Disconnect() error
	// Events streams inbound messages and reactions until Disconnect.
	Events() <-chan InboundEvent

	// CreatePost posts into a channel, or into a thread when rootID is set.
	CreatePost(ctx context.Context, channelID, message, rootID string) (*Post, error)
	// UpdatePost replaces the text of an existing post.
	UpdatePost(ctx context.Context, postID, message string) error
	// DeletePost removes a post.
	DeletePost(ctx context.Context, postID string) error
	// CreateInteractivePost posts and then adds the given reactions in order
	// so users can answer with a single click.
	CreateInteractivePost(ctx context.Context, channelID, message string, reactions []string, rootID string) (*Post, error)

	AddReaction(ctx context.Context, postID, emoji string) error
	RemoveReaction(ctx context.Context, postID, emoji string) error

	PinPost(ctx context.Context, postID string) error
	UnpinPost(ctx context.Context, postID string) error
	// PinnedPosts lists the pinned posts of a channel (for sticky recovery).
	PinnedPosts(ctx context.Context, channelID string) ([]Post, error)

	// ThreadHistory returns the messages of a thread, oldest first.
	ThreadHistory(ctx context.Context, rootID string, opts ThreadHistoryOptions) ([]ThreadMessage, error)

	// SendTyping emits a typing indicator; best effort, errors are advisory.
	SendTyping(ctx context.Context, channelID, rootID string) error

	// BotUser returns the bot's own account.
	BotUser() User
	// UserByUsername resolves a username to an account.
	UserByUsername(ctx context.Context, username string) (*User, error)
	// IsUserAllowed reports whether the username passes the configured
	// allow list.
	IsUserAllowed(username string) bool
	// IsBotMentioned reports whether the message addresses the bot.
	IsBotMentioned(message string) bool
	// ExtractPrompt strips the bot mention and returns the prompt text.
	ExtractPrompt(message string) string

	// Formatter returns the markdown dialect renderer for this platform.
	Formatter() Formatter
	// MessageLimits returns the post size limits for this platform.
	MessageLimits() MessageLimits
}
