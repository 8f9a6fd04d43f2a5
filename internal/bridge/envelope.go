package bridge

import (
	"encoding/json"
	"fmt"
)

// Kind distinguishes the direction of an envelope on the wire.
type Kind string

const (
	KindRequest Kind = "request"
	KindReply   Kind = "reply"
	KindEvent   Kind = "event"
)

// Envelope is the single frame shape crossing the host/web boundary in both
// directions. Replies reuse the correlation id of the request they answer.
type Envelope struct {
	Component     string          `json:"component,omitempty"`
	Event         string          `json:"event"`
	CorrelationID string          `json:"correlationId"`
	Kind          Kind            `json:"kind,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	return decodeData(e.Data, v)
}

// Request is an inbound call delivered to a registered Handler.
type Request struct {
	Component     string
	Event         string
	CorrelationID string
	Data          json.RawMessage
}

// Decode unmarshals the request payload into v. An empty payload leaves v
// untouched.
func (r Request) Decode(v any) error {
	return decodeData(r.Data, v)
}

// Reply is the settled result of a Send call.
type Reply struct {
	Event         string
	CorrelationID string
	Data          json.RawMessage
}

func (r Reply) Decode(v any) error {
	return decodeData(r.Data, v)
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("bridge payload decode: %w", err)
	}
	return nil
}

func encodeData(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("bridge payload encode: %w", err)
	}
	return raw, nil
}

type errorPayload struct {
	Error *CallError `json:"error,omitempty"`
}

// replyError extracts a structured error carried in a reply payload.
func replyError(data json.RawMessage) *CallError {
	if len(data) == 0 {
		return nil
	}
	var probe errorPayload
	if err := json.Unmarshal(data, &probe); err != nil || probe.Error == nil || probe.Error.Code == "" {
		return nil
	}
	return probe.Error
}
