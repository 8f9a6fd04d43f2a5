package conversation

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrTurnViolation      = errors.New("turn violation: wait for the other party")
	ErrConversationRace   = errors.New("conversation created concurrently")
	ErrSelfReply          = errors.New("cannot reply to your own echo")
	ErrEchoExpired        = errors.New("echo has expired")
	ErrNotParticipant     = errors.New("not a participant of this conversation")
	ErrNotAuthor          = errors.New("only the author may do this")
	ErrConversationClosed = errors.New("conversation is closed")
	ErrEmptyRecording     = errors.New("recording is empty")
)
