package httpapi

import (
	"time"

	"github.com/ent0n29/voicetalk/internal/conversation"
	"github.com/ent0n29/voicetalk/internal/protocol"
)

type recordingResponse struct {
	ID          string  `json:"id"`
	Duration    float64 `json:"duration"`
	ContentType string  `json:"content_type"`
	Size        int64   `json:"size"`
	AudioURL    string  `json:"audio_url"`
}

type echoResponse struct {
	ID        string            `json:"id"`
	AuthorID  string            `json:"author_id"`
	CreatedAt time.Time         `json:"created_at"`
	Visible   bool              `json:"visible"`
	Recording recordingResponse `json:"recording"`
}

type conversationResponse struct {
	ID              string     `json:"id"`
	EchoID          string     `json:"echo_id"`
	InitiatorID     string     `json:"initiator_id"`
	ResponderID     string     `json:"responder_id"`
	OtherUserID     string     `json:"other_user_id,omitempty"`
	LastMessageAt   time.Time  `json:"last_message_at"`
	InitiatorLeftAt *time.Time `json:"initiator_left_at,omitempty"`
	ResponderLeftAt *time.Time `json:"responder_left_at,omitempty"`
	Closed          bool       `json:"closed"`
}

type conversationViewResponse struct {
	Conversation    conversationResponse      `json:"conversation"`
	Echo            echoResponse              `json:"echo"`
	Messages        []protocol.MessagePayload `json:"messages"`
	WaitingForReply bool                      `json:"waiting_for_reply"`
}

func (s *Server) recordingJSON(rec conversation.Recording) recordingResponse {
	return recordingResponse{
		ID:          rec.ID,
		Duration:    rec.Duration,
		ContentType: rec.ContentType,
		Size:        rec.Size,
		AudioURL:    protocol.AudioPath(rec.ID),
	}
}

func (s *Server) echoJSON(echo conversation.Echo) echoResponse {
	return echoResponse{
		ID:        echo.ID,
		AuthorID:  echo.AuthorID,
		CreatedAt: echo.CreatedAt,
		Visible:   s.service.Visible(echo),
		Recording: s.recordingJSON(echo.Recording),
	}
}

func (s *Server) messageJSON(msg conversation.Message) protocol.MessagePayload {
	return protocol.NewMessagePayload(msg, nil)
}

func (s *Server) conversationJSON(conv conversation.Conversation, viewer string) conversationResponse {
	out := conversationResponse{
		ID:              conv.ID,
		EchoID:          conv.EchoID,
		InitiatorID:     conv.InitiatorID,
		ResponderID:     conv.ResponderID,
		LastMessageAt:   conv.LastMessageAt,
		InitiatorLeftAt: conv.InitiatorLeftAt,
		ResponderLeftAt: conv.ResponderLeftAt,
		Closed:          conv.Closed(),
	}
	if conv.IsParticipant(viewer) {
		out.OtherUserID = conv.Other(viewer)
	}
	return out
}

func (s *Server) viewJSON(v conversation.View, viewer string) conversationViewResponse {
	msgs := make([]protocol.MessagePayload, 0, len(v.Messages))
	for _, m := range v.Messages {
		msgs = append(msgs, s.messageJSON(m))
	}
	return conversationViewResponse{
		Conversation:    s.conversationJSON(v.Conversation, viewer),
		Echo:            s.echoJSON(v.Echo),
		Messages:        msgs,
		WaitingForReply: v.WaitingForReply,
	}
}
