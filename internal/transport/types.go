package transport

import "context"

type UpdateKind string

const (
	UpdateMessage    UpdateKind = "message"
	UpdateChatMember UpdateKind = "chat_member"
)

type Update struct {
	Kind       UpdateKind
	Message    *Message
	ChatMember *ChatMemberChange
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// ChatMemberChange reports the bot being added to or removed from a chat.
type ChatMemberChange struct {
	ChatID int64
	Title  string
	Joined bool
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the chat-platform boundary. Send failures are provider errors;
// callers catch and log them per destination.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, imageURL, caption string, opt *SendOptions) (MessageRef, error)
	Reply(ctx context.Context, to Message, text string) error
}
