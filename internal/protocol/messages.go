package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/voicetalk/internal/conversation"
)

// MessageType identifies realtime websocket payload variants.
type MessageType string

const (
	TypeMessageCreated MessageType = "message_created"
	TypeClientControl  MessageType = "client_control"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Client control actions.
const (
	ActionPing = "ping"
	ActionAck  = "ack"
)

// System event codes.
const (
	CodeSubscribed = "subscribed"
	CodePong       = "pong"
	CodeLeft       = "participant_left"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// MessagePayload is the public shape of an admitted voice message.
type MessagePayload struct {
	ID          string    `json:"id"`
	Seq         int       `json:"seq"`
	SenderID    string    `json:"sender_id"`
	CreatedAt   time.Time `json:"created_at"`
	RecordingID string    `json:"recording_id"`
	Duration    float64   `json:"duration"`
	ContentType string    `json:"content_type"`
	AudioURL    string    `json:"audio_url"`
}

type MessageCreated struct {
	Type           MessageType    `json:"type"`
	ConversationID string         `json:"conversation_id"`
	Message        MessagePayload `json:"message"`
}

type ClientControl struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Action         string      `json:"action"`
	// Seq is the last message the client has seen, for ack.
	Seq  int   `json:"seq,omitempty"`
	TSMs int64 `json:"ts_ms,omitempty"`
}

type SystemEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	Detail         string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	Retryable      bool        `json:"retryable"`
	Detail         string      `json:"detail"`
}

// AudioPath is the download route for a recording.
func AudioPath(recordingID string) string {
	return "/v1/recordings/" + recordingID + "/audio"
}

// NewMessagePayload builds the public shape of msg. audioURL maps a
// recording id to its download URL; nil uses AudioPath.
func NewMessagePayload(msg conversation.Message, audioURL func(string) string) MessagePayload {
	if audioURL == nil {
		audioURL = AudioPath
	}
	return MessagePayload{
		ID:          msg.ID,
		Seq:         msg.Seq,
		SenderID:    msg.SenderID,
		CreatedAt:   msg.CreatedAt,
		RecordingID: msg.Recording.ID,
		Duration:    msg.Recording.Duration,
		ContentType: msg.Recording.ContentType,
		AudioURL:    audioURL(msg.Recording.ID),
	}
}

func NewMessageCreated(conversationID string, msg MessagePayload) MessageCreated {
	return MessageCreated{Type: TypeMessageCreated, ConversationID: conversationID, Message: msg}
}

func NewSystemEvent(conversationID, code, detail string) SystemEvent {
	return SystemEvent{Type: TypeSystemEvent, ConversationID: conversationID, Code: code, Detail: detail}
}

func NewErrorEvent(conversationID, code, detail string, retryable bool) ErrorEvent {
	return ErrorEvent{Type: TypeErrorEvent, ConversationID: conversationID, Code: code, Detail: detail, Retryable: retryable}
}

// ParseClientMessage decodes a frame sent by a subscriber. Only
// client_control is accepted.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionPing, ActionAck:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// MessageSeq reports the seq of an encoded message_created frame. Other
// frames report false.
func MessageSeq(raw []byte) (int, bool) {
	var frame struct {
		Type    MessageType `json:"type"`
		Message struct {
			Seq int `json:"seq"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return 0, false
	}
	if frame.Type != TypeMessageCreated || frame.Message.Seq <= 0 {
		return 0, false
	}
	return frame.Message.Seq, true
}

// ParseServerMessage decodes a frame pushed by the hub.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeMessageCreated:
		var msg MessageCreated
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" || msg.Message.ID == "" {
			return nil, errors.New("invalid message_created")
		}
		return msg, nil
	case TypeSystemEvent:
		var msg SystemEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeErrorEvent:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
