package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicetalk/internal/conversation"
	"github.com/ent0n29/voicetalk/internal/observability"
	"github.com/ent0n29/voicetalk/internal/protocol"
)

func newTestHub() (*Hub, *observability.Metrics) {
	m := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	return NewHub(m, nil), m
}

func dialHub(t *testing.T, hub *Hub, conversationID, userID string) *websocket.Conn {
	t.Helper()
	upgrader := Upgrader(false)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.ServeConn(r.Context(), conn, conversationID, userID)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := protocol.ParseServerMessage(data)
	require.NoError(t, err)
	return frame
}

func TestHubPushesAdmittedMessages(t *testing.T) {
	hub, metrics := newTestHub()
	conn := dialHub(t, hub, "c1", "A")

	hello, ok := readFrame(t, conn).(protocol.SystemEvent)
	require.True(t, ok)
	require.Equal(t, protocol.CodeSubscribed, hello.Code)
	require.Equal(t, 1, hub.Clients("c1"))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.RealtimeClients))

	err := hub.PublishMessage(context.Background(), conversation.Message{
		ID:             "m2",
		ConversationID: "c1",
		SenderID:       "B",
		Seq:            2,
		Recording:      conversation.Recording{ID: "r2", Duration: 1.5, ContentType: "audio/mpeg"},
	})
	require.NoError(t, err)

	created, ok := readFrame(t, conn).(protocol.MessageCreated)
	require.True(t, ok)
	require.Equal(t, "c1", created.ConversationID)
	require.Equal(t, 2, created.Message.Seq)
	require.Equal(t, "/v1/recordings/r2/audio", created.Message.AudioURL)

	// Other conversations are not delivered here.
	require.NoError(t, hub.PublishMessage(context.Background(), conversation.Message{ID: "x", ConversationID: "c2", Seq: 1}))
	require.NoError(t, hub.PublishSystem(context.Background(), "c1", protocol.CodeLeft, "B"))
	left, ok := readFrame(t, conn).(protocol.SystemEvent)
	require.True(t, ok)
	require.Equal(t, protocol.CodeLeft, left.Code)
}

func TestHubAnswersClientControl(t *testing.T) {
	hub, _ := newTestHub()
	conn := dialHub(t, hub, "c1", "A")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, ConversationID: "c1", Action: protocol.ActionPing}))
	pong, ok := readFrame(t, conn).(protocol.SystemEvent)
	require.True(t, ok)
	require.Equal(t, protocol.CodePong, pong.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	bad, ok := readFrame(t, conn).(protocol.ErrorEvent)
	require.True(t, ok)
	require.Equal(t, "invalid_client_message", bad.Code)
	require.False(t, bad.Retryable)
}

func TestHubForgetsDisconnectedClients(t *testing.T) {
	hub, metrics := newTestHub()
	conn := dialHub(t, hub, "c1", "A")
	readFrame(t, conn)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients("c1") == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.RealtimeClients))
}

func TestHubDropsFramesForSlowSubscribers(t *testing.T) {
	hub, metrics := newTestHub()
	sub := hub.Subscribe("c1", "A")
	defer sub.Cancel()

	payload, err := json.Marshal(protocol.NewSystemEvent("c1", "tick", ""))
	require.NoError(t, err)
	for i := 0; i < subscriberBuffer; i++ {
		require.Equal(t, 1, hub.Deliver("c1", payload))
	}
	require.Equal(t, 0, hub.Deliver("c1", payload))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.RealtimeFrames.WithLabelValues("outbound", "drop_full")))
}

func encodeMessage(t *testing.T, conversationID string, seq int) []byte {
	t.Helper()
	payload, err := json.Marshal(protocol.NewMessageCreated(conversationID, protocol.MessagePayload{ID: "m" + strconv.Itoa(seq), Seq: seq}))
	require.NoError(t, err)
	return payload
}

func readSeqs(t *testing.T, sub *Subscription, n int) []int {
	t.Helper()
	out := make([]int, 0, n)
	for len(out) < n {
		select {
		case raw := <-sub.C():
			seq, ok := protocol.MessageSeq(raw)
			require.True(t, ok, "unexpected frame %s", raw)
			out = append(out, seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("got seqs %v, want %d frames", out, n)
		}
	}
	return out
}

func requireNothingQueued(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case raw := <-sub.C():
		t.Fatalf("unexpected frame %s", raw)
	default:
	}
}

func TestHubReleasesRelayedMessagesInSeqOrder(t *testing.T) {
	hub, metrics := newTestHub()
	sub := hub.Subscribe("c1", "A")
	defer sub.Cancel()

	hub.DeliverOrdered("c1", encodeMessage(t, "c1", 1))
	hub.DeliverOrdered("c1", encodeMessage(t, "c1", 3))
	require.Equal(t, []int{1}, readSeqs(t, sub, 1))
	requireNothingQueued(t, sub)

	// Non-message frames are not held behind the gap.
	left, err := json.Marshal(protocol.NewSystemEvent("c1", protocol.CodeLeft, "B"))
	require.NoError(t, err)
	hub.DeliverOrdered("c1", left)
	select {
	case raw := <-sub.C():
		frame, err := protocol.ParseServerMessage(raw)
		require.NoError(t, err)
		require.IsType(t, protocol.SystemEvent{}, frame)
	case <-time.After(time.Second):
		t.Fatal("system frame held")
	}

	hub.DeliverOrdered("c1", encodeMessage(t, "c1", 2))
	require.Equal(t, []int{2, 3}, readSeqs(t, sub, 2))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.RealtimeFrames.WithLabelValues("relay", "held")))
}

func TestHubFlushesHeldMessagesWhenGapNeverFills(t *testing.T) {
	hub, metrics := newTestHub()
	hub.order.hold = 20 * time.Millisecond
	sub := hub.Subscribe("c1", "A")
	defer sub.Cancel()

	hub.DeliverOrdered("c1", encodeMessage(t, "c1", 1))
	hub.DeliverOrdered("c1", encodeMessage(t, "c1", 4))
	hub.DeliverOrdered("c1", encodeMessage(t, "c1", 3))
	require.Equal(t, []int{1, 3, 4}, readSeqs(t, sub, 3))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.RealtimeFrames.WithLabelValues("relay", "gap_skipped")))

	// The straggler still reaches subscribers.
	hub.DeliverOrdered("c1", encodeMessage(t, "c1", 2))
	require.Equal(t, []int{2}, readSeqs(t, sub, 1))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.RealtimeFrames.WithLabelValues("relay", "late")))

	hub.DeliverOrdered("c1", encodeMessage(t, "c1", 5))
	require.Equal(t, []int{5}, readSeqs(t, sub, 1))
}

func TestHubHoldsFirstMessageOfUntrackedConversation(t *testing.T) {
	hub, _ := newTestHub()
	hub.order.hold = 20 * time.Millisecond
	sub := hub.Subscribe("c9", "A")
	defer sub.Cancel()

	hub.DeliverOrdered("c9", encodeMessage(t, "c9", 5))
	requireNothingQueued(t, sub)
	require.Equal(t, []int{5}, readSeqs(t, sub, 1))

	hub.DeliverOrdered("c9", encodeMessage(t, "c9", 6))
	require.Equal(t, []int{6}, readSeqs(t, sub, 1))
	require.Equal(t, 1, hub.order.tracked())
}

func TestSequencerForgetsIdleConversations(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	var delivered int
	q := newSequencer(time.Second, func(string, []byte) { delivered++ }, func(string) {})
	q.now = func() time.Time { return now }

	q.push("old", 1, []byte("x"))
	now = now.Add(sequenceIdleTTL + time.Minute)
	for i := 1; i < sequenceSweepN; i++ {
		q.push("busy", i, []byte("x"))
	}
	require.Equal(t, sequenceSweepN, delivered)
	require.Equal(t, 1, q.tracked())
}

type failingFanout struct{ calls int }

func (f *failingFanout) Publish(context.Context, string, []byte) error {
	f.calls++
	return context.DeadlineExceeded
}

func TestHubFallsBackToLocalDeliveryWhenFanoutFails(t *testing.T) {
	hub, _ := newTestHub()
	fan := &failingFanout{}
	hub.SetFanout(fan)
	sub := hub.Subscribe("c1", "A")
	defer sub.Cancel()

	err := hub.PublishMessage(context.Background(), conversation.Message{ID: "m1", ConversationID: "c1", Seq: 1})
	require.Error(t, err)
	require.Equal(t, 1, fan.calls)

	select {
	case raw := <-sub.C():
		frame, err := protocol.ParseServerMessage(raw)
		require.NoError(t, err)
		require.IsType(t, protocol.MessageCreated{}, frame)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered locally")
	}
}

func TestUpgraderRejectsCrossOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://voicetalk.local/v1/conversations/c1/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	up := Upgrader(false)
	require.False(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "http://voicetalk.local")
	require.True(t, up.CheckOrigin(req))

	require.True(t, Upgrader(true).CheckOrigin(req))
}
