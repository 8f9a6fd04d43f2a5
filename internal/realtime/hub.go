package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voicetalk/internal/conversation"
	"github.com/ent0n29/voicetalk/internal/logging"
	"github.com/ent0n29/voicetalk/internal/observability"
	"github.com/ent0n29/voicetalk/internal/protocol"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 10 * time.Second
	readTimeout      = 120 * time.Second
	pingInterval     = 30 * time.Second
)

// Fanout carries encoded frames between hub instances. Without one the hub
// only delivers to its own subscribers.
type Fanout interface {
	Publish(ctx context.Context, conversationID string, payload []byte) error
}

// Hub pushes admitted messages to the participants watching a conversation.
// Frames are pre-encoded JSON; a subscriber whose queue is full loses the
// frame rather than stalling the publisher.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[*Subscription]struct{}
	fanout   Fanout
	metrics  *observability.Metrics
	audioURL func(recordingID string) string
	order    *sequencer
	log      zerolog.Logger
}

func NewHub(metrics *observability.Metrics, audioURL func(recordingID string) string) *Hub {
	if audioURL == nil {
		audioURL = protocol.AudioPath
	}
	h := &Hub{
		subs:     make(map[string]map[*Subscription]struct{}),
		metrics:  metrics,
		audioURL: audioURL,
		log:      logging.Component("realtime"),
	}
	h.order = newSequencer(relayHoldTimeout,
		func(conversationID string, payload []byte) { h.Deliver(conversationID, payload) },
		func(status string) { h.observeFrame("relay", status) },
	)
	return h
}

// SetFanout routes publishes through f. Call before serving traffic.
func (h *Hub) SetFanout(f Fanout) {
	h.mu.Lock()
	h.fanout = f
	h.mu.Unlock()
}

// Subscription is one participant's live feed of a conversation.
type Subscription struct {
	ConversationID string
	UserID         string

	out  chan []byte
	once sync.Once
	hub  *Hub
}

// C yields encoded frames until the subscription is cancelled.
func (s *Subscription) C() <-chan []byte { return s.out }

func (s *Subscription) Cancel() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if set, ok := h.subs[s.ConversationID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.ConversationID)
			}
		}
		h.mu.Unlock()
		close(s.out)
		if h.metrics != nil {
			h.metrics.RealtimeClients.Dec()
		}
	})
}

func (h *Hub) Subscribe(conversationID, userID string) *Subscription {
	sub := &Subscription{
		ConversationID: conversationID,
		UserID:         userID,
		out:            make(chan []byte, subscriberBuffer),
		hub:            h,
	}
	h.mu.Lock()
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[conversationID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.RealtimeClients.Inc()
	}
	return sub
}

// Clients reports how many subscribers watch conversationID.
func (h *Hub) Clients(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}

// PublishMessage implements conversation.Publisher.
func (h *Hub) PublishMessage(ctx context.Context, msg conversation.Message) error {
	frame := protocol.NewMessageCreated(msg.ConversationID, protocol.NewMessagePayload(msg, h.audioURL))
	return h.publish(ctx, msg.ConversationID, frame)
}

// PublishSystem broadcasts a system event such as a participant leaving.
func (h *Hub) PublishSystem(ctx context.Context, conversationID, code, detail string) error {
	return h.publish(ctx, conversationID, protocol.NewSystemEvent(conversationID, code, detail))
}

func (h *Hub) publish(ctx context.Context, conversationID string, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	h.mu.RLock()
	fanout := h.fanout
	h.mu.RUnlock()
	if fanout == nil {
		h.Deliver(conversationID, payload)
		return nil
	}
	if err := fanout.Publish(ctx, conversationID, payload); err != nil {
		// Local subscribers still get it.
		h.DeliverOrdered(conversationID, payload)
		return fmt.Errorf("fanout publish: %w", err)
	}
	return nil
}

// DeliverOrdered is Deliver for frames arriving through the fanout. Message
// frames of a conversation are released in seq order; anything else goes out
// immediately.
func (h *Hub) DeliverOrdered(conversationID string, payload []byte) {
	if seq, ok := protocol.MessageSeq(payload); ok {
		h.order.push(conversationID, seq, payload)
		return
	}
	h.Deliver(conversationID, payload)
}

// Deliver hands an encoded frame to every local subscriber of
// conversationID and returns how many accepted it.
func (h *Hub) Deliver(conversationID string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for sub := range h.subs[conversationID] {
		if h.enqueue(sub, payload) {
			delivered++
		}
	}
	return delivered
}

// enqueue must run under h.mu so Cancel cannot close sub.out concurrently.
func (h *Hub) enqueue(sub *Subscription, payload []byte) bool {
	select {
	case sub.out <- payload:
		h.observeFrame("outbound", "queued")
		return true
	default:
		h.observeFrame("outbound", "drop_full")
		h.log.Warn().Str("conversation_id", sub.ConversationID).Str("user_id", sub.UserID).Msg("subscriber queue full, frame dropped")
		return false
	}
}

func (h *Hub) sendTo(sub *Subscription, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, live := h.subs[sub.ConversationID][sub]; live {
		h.enqueue(sub, payload)
	}
}

func (h *Hub) observeFrame(direction, status string) {
	if h.metrics == nil {
		return
	}
	h.metrics.RealtimeFrames.WithLabelValues(direction, status).Inc()
}

// ServeConn runs one websocket subscriber until the client goes away or ctx
// ends. Writes happen only on the writer goroutine.
func (h *Hub) ServeConn(ctx context.Context, conn *websocket.Conn, conversationID, userID string) {
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := h.Subscribe(conversationID, userID)
	defer sub.Cancel()
	h.sendTo(sub, protocol.NewSystemEvent(conversationID, protocol.CodeSubscribed, ""))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-sub.C():
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					h.observeFrame("outbound", "write_error")
					cancel()
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	h.log.Info().Str("conversation_id", conversationID).Str("user_id", userID).Msg("realtime client connected")
	go func() {
		<-ctx.Done()
		// Unblock ReadMessage when the server side shuts down.
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			h.observeFrame("inbound", "invalid")
			h.sendTo(sub, protocol.NewErrorEvent(conversationID, "invalid_client_message", err.Error(), false))
			continue
		}
		h.observeFrame("inbound", "ok")
		control := parsed.(protocol.ClientControl)
		switch control.Action {
		case protocol.ActionPing:
			h.sendTo(sub, protocol.NewSystemEvent(conversationID, protocol.CodePong, ""))
		case protocol.ActionAck:
			h.log.Debug().Str("conversation_id", conversationID).Str("user_id", userID).Int("seq", control.Seq).Msg("client ack")
		}
	}

	cancel()
	sub.Cancel()
	<-writerDone
	h.log.Info().Str("conversation_id", conversationID).Str("user_id", userID).Msg("realtime client disconnected")
}

// Upgrader builds the websocket upgrader used for subscriber connections.
// Browsers must come from the same host unless allowAnyOrigin is set.
func Upgrader(allowAnyOrigin bool) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAnyOrigin {
				return true
			}
			return sameOrigin(r)
		},
	}
}
