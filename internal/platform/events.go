package platform

// EventType discriminates inbound platform events.
type EventType string

const (
	EventTypeMessage  EventType = "message"
	EventTypeReaction EventType = "reaction"
)

// ReactionAction says whether an emoji was added to or removed from a post.
type ReactionAction string

const (
	ReactionAdded   ReactionAction = "added"
	ReactionRemoved ReactionAction = "removed"
)

// InboundEvent is one normalized event off the platform stream. Exactly one
// of Message / Reaction is set, matching Type.
type InboundEvent struct {
	Type     EventType
	Message  *MessageEvent
	Reaction *ReactionEvent
}

// MessageEvent carries a new post and its author.
type MessageEvent struct {
	Post Post
	User User
}

// ReactionEvent carries an emoji change on a post.
type ReactionEvent struct {
	PostID    string
	UserID    string
	Username  string
	EmojiName string
	Action    ReactionAction
}
