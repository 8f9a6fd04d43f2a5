package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const wsWriteTimeout = 5 * time.Second

// WebSocketTransport carries envelopes as JSON text frames.
type WebSocketTransport struct {
	conn    *websocket.Conn
	msgs    chan Envelope
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// NewWebSocketTransport starts the reader goroutine for conn. Frames that do
// not decode as an Envelope are logged and dropped.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	t := &WebSocketTransport{
		conn: conn,
		msgs: make(chan Envelope, 256),
		done: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *WebSocketTransport) readLoop() {
	defer close(t.msgs)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				log.Debug().Err(err).Msg("bridge websocket read ended")
			}
			_ = t.Close()
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			log.Warn().Err(err).Int("bytes", len(data)).Msg("bridge websocket dropped malformed frame")
			continue
		}
		select {
		case t.msgs <- env:
		case <-t.done:
			return
		}
	}
}

func (t *WebSocketTransport) Send(ctx context.Context, env Envelope) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	defer t.conn.SetWriteDeadline(time.Time{})
	return t.conn.WriteJSON(env)
}

func (t *WebSocketTransport) Receive() <-chan Envelope { return t.msgs }

func (t *WebSocketTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
