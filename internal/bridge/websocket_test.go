package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestWebSocketTransportCarriesRouterCalls(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	hostReady := make(chan *Router, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		host := NewRouter(NewWebSocketTransport(conn))
		host.Register("echo", func(ctx context.Context, req Request) (any, error) {
			var in echoPayload
			if err := req.Decode(&in); err != nil {
				return nil, err
			}
			return echoPayload{Value: strings.ToUpper(in.Value)}, nil
		})
		hostReady <- host
		_ = host.Run(context.Background())
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	// A garbage frame must be dropped without tearing the session down.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	client := NewWebSocketTransport(conn)
	defer client.Close()
	web := NewRouter(client, WithCallTimeout(2*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = web.Run(ctx) }()

	select {
	case <-hostReady:
	case <-time.After(2 * time.Second):
		t.Fatal("host router never started")
	}

	reply, err := web.Send(ctx, "echo", "shout", echoPayload{Value: "hello"})
	require.NoError(t, err)
	var out echoPayload
	require.NoError(t, reply.Decode(&out))
	require.Equal(t, "HELLO", out.Value)
}
