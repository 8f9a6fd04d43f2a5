package conversation

import "time"

// OwnerKind tags which record a Recording belongs to.
type OwnerKind string

const (
	OwnerEcho    OwnerKind = "echo"
	OwnerMessage OwnerKind = "message"
)

// Owner identifies the single Echo or Message a Recording belongs to.
type Owner struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// Recording is an immutable persisted clip. Several recordings may share a
// BlobKey: the first message of a conversation reuses the echo's bytes.
type Recording struct {
	ID          string    `json:"id"`
	Owner       Owner     `json:"owner"`
	BlobKey     string    `json:"-"`
	ContentType string    `json:"content_type"`
	Duration    float64   `json:"duration"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

type Echo struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
	Recording Recording `json:"recording"`
}

// Conversation is the private thread between an echo's author (initiator)
// and one responder.
type Conversation struct {
	ID              string     `json:"id"`
	EchoID          string     `json:"echo_id"`
	InitiatorID     string     `json:"initiator_id"`
	ResponderID     string     `json:"responder_id"`
	LastMessageAt   time.Time  `json:"last_message_at"`
	InitiatorLeftAt *time.Time `json:"initiator_left_at,omitempty"`
	ResponderLeftAt *time.Time `json:"responder_left_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (c Conversation) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.InitiatorID || userID == c.ResponderID)
}

// Other returns the participant who is not userID.
func (c Conversation) Other(userID string) string {
	if userID == c.InitiatorID {
		return c.ResponderID
	}
	return c.InitiatorID
}

// Closed reports whether either participant has left.
func (c Conversation) Closed() bool {
	return c.InitiatorLeftAt != nil || c.ResponderLeftAt != nil
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Seq            int       `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
	Recording      Recording `json:"recording"`
}

// RecordingInput is a decoded upload.
type RecordingInput struct {
	Data        []byte
	ContentType string
	Duration    float64
}

// Admission is the result of a successful submission.
type Admission struct {
	Message      Message
	Conversation Conversation
	// FirstReply is set when this submission opened the conversation; First
	// then holds the synthesized opening message.
	FirstReply bool
	First      *Message
}

// View is one participant's view of a conversation.
type View struct {
	Conversation    Conversation
	Echo            Echo
	Messages        []Message
	WaitingForReply bool
}

// FeedQuery pages the public echo feed. SinceID limits results to echoes
// newer than that echo.
type FeedQuery struct {
	SinceID string
	Limit   int
}

// EchoQuery is the store-level form of FeedQuery.
type EchoQuery struct {
	VisibleAfter time.Time
	NewerThan    time.Time
	Limit        int
}

// PurgeResult reports what a cascade delete removed.
type PurgeResult struct {
	Echoes   int
	BlobKeys []string
}
