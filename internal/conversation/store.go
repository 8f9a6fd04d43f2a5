package conversation

import (
	"context"
	"time"
)

// Store persists echoes, conversations and messages. Implementations must
// run CreateConversation and AppendMessage as single transactions, and must
// reject a second conversation for the same (echo, responder) with
// ErrConversationRace.
type Store interface {
	InsertEcho(ctx context.Context, echo Echo) error
	GetEcho(ctx context.Context, id string) (Echo, error)
	ListEchoes(ctx context.Context, q EchoQuery) ([]Echo, error)
	// DeleteEcho cascades to conversations, messages and recordings and
	// returns the blob keys no longer referenced.
	DeleteEcho(ctx context.Context, id string) ([]string, error)
	PurgeEchoesBefore(ctx context.Context, before time.Time) (PurgeResult, error)

	FindConversation(ctx context.Context, echoID, responderID string) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	// CreateConversation inserts conv together with its synthesized opening
	// message.
	CreateConversation(ctx context.Context, conv Conversation, first Message) error
	// AppendMessage locks the conversation, rejects msg with ErrTurnViolation
	// when its sender holds the last turn, and otherwise inserts it with the
	// next Seq and bumps last_message_at.
	AppendMessage(ctx context.Context, msg Message) (Message, Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error)
	ListConversationsForEcho(ctx context.Context, echoID string) ([]Conversation, error)
	MarkLeft(ctx context.Context, conversationID, userID string, at time.Time) (Conversation, error)
	GetRecording(ctx context.Context, id string) (Recording, error)

	Ping(ctx context.Context) error
	Close()
}
