package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","conversation_id":"c1","action":"ack","seq":4,"ts_ms":456}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.ConversationID != "c1" || control.Action != ActionAck {
		t.Fatalf("unexpected client control: %+v", control)
	}
	if control.Seq != 4 {
		t.Fatalf("Seq = %d, want %d", control.Seq, 4)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsUnknownAction(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_control","action":"submit"}`))
	if err == nil {
		t.Fatalf("expected error for unknown action")
	}
}

func TestParseClientMessageRejectsBadJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected error for malformed frame")
	}
}

func TestMessageCreatedRoundTrip(t *testing.T) {
	created := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	frame := NewMessageCreated("c1", MessagePayload{ID: "m2", Seq: 2, SenderID: "B", CreatedAt: created, Duration: 1.5})
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	msg, err := ParseServerMessage(raw)
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	got, ok := msg.(MessageCreated)
	if !ok {
		t.Fatalf("message type = %T, want MessageCreated", msg)
	}
	if got.Message.Seq != 2 || got.Message.SenderID != "B" || !got.Message.CreatedAt.Equal(created) {
		t.Fatalf("unexpected message: %+v", got.Message)
	}
}

func TestParseServerMessageRequiresMessageID(t *testing.T) {
	_, err := ParseServerMessage([]byte(`{"type":"message_created","conversation_id":"c1","message":{}}`))
	if err == nil {
		t.Fatalf("expected error for message_created without id")
	}
}

func TestErrorEventShape(t *testing.T) {
	raw, err := json.Marshal(NewErrorEvent("c1", "slow_consumer", "dropped", true))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "error_event" || decoded["retryable"] != true {
		t.Fatalf("unexpected error event: %s", raw)
	}
}

func TestMessageSeq(t *testing.T) {
	raw, err := json.Marshal(NewMessageCreated("c1", MessagePayload{ID: "m3", Seq: 3}))
	if err != nil {
		t.Fatal(err)
	}
	if seq, ok := MessageSeq(raw); !ok || seq != 3 {
		t.Fatalf("MessageSeq() = %d, %v, want 3, true", seq, ok)
	}

	raw, err = json.Marshal(NewSystemEvent("c1", CodeLeft, "B"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := MessageSeq(raw); ok {
		t.Fatalf("system event reported a seq")
	}
	if _, ok := MessageSeq([]byte(`not json`)); ok {
		t.Fatalf("garbage reported a seq")
	}
}
