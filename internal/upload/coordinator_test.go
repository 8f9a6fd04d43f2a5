package upload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicetalk/internal/audio"
	"github.com/ent0n29/voicetalk/internal/bridge"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	clock  *stepClock
	engine *audio.Engine
	web    *bridge.Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &stepClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	dev := audio.NewSimDevice()
	dev.SetClock(clock.Now)
	dev.SetPlaybackScale(0.02)
	engine := audio.NewEngine(audio.NewHardware(nil), dev, audio.EngineConfig{Now: clock.Now})

	webEnd, hostEnd := bridge.NewPipe()
	web := bridge.NewRouter(webEnd, bridge.WithCallTimeout(time.Second))
	host := bridge.NewRouter(hostEnd)
	audio.Attach(host, engine)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = webEnd.Close()
		engine.Reset()
	})
	go func() { _ = web.Run(ctx) }()
	go func() { _ = host.Run(ctx) }()
	return &harness{clock: clock, engine: engine, web: web}
}

func TestSubmitWithoutCaptureIsArtifactMissing(t *testing.T) {
	h := newHarness(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	c := NewCoordinator(h.web, NewHTTPSubmitter(srv.URL, "tok"), time.Second)
	_, err := c.Submit(context.Background(), Target{EchoID: "e1"})
	require.ErrorIs(t, err, bridge.ErrArtifactMissing)
	require.Zero(t, atomic.LoadInt32(&hits))
}

func TestRecordStopSubmit(t *testing.T) {
	h := newHarness(t)
	var got Payload
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"message":{"id":"m2","seq":2},"conversation":{"id":"c1"},"html":"<li>","first_reply":true}`))
	}))
	defer srv.Close()

	c := NewCoordinator(h.web, NewHTTPSubmitter(srv.URL, "tok"), time.Second)
	ctx := context.Background()
	require.NoError(t, c.Record(ctx))
	h.clock.Advance(3 * time.Second)
	d, err := c.Stop(ctx)
	require.NoError(t, err)
	require.InDelta(t, 3.0, d.Seconds(), 0.2)

	res, err := c.Submit(ctx, Target{EchoID: "e1"})
	require.NoError(t, err)
	require.Equal(t, "Bearer tok", gotAuth)
	require.Equal(t, "/v1/echos/e1/messages", gotPath)
	require.InDelta(t, 3.0, got.Duration, 0.2)
	require.Equal(t, audio.ContentTypeWAV, got.ContentType)
	raw, err := base64.StdEncoding.DecodeString(got.AudioData)
	require.NoError(t, err)
	require.Equal(t, "RIFF", string(raw[:4]))

	require.Equal(t, "m2", res.MessageID)
	require.Equal(t, "c1", res.ConversationID)
	require.Equal(t, 2, res.Seq)
	require.True(t, res.FirstReply)

	// The take is consumed; a second submit needs a new recording.
	_, err = c.Submit(ctx, Target{EchoID: "e1"})
	require.ErrorIs(t, err, bridge.ErrArtifactMissing)
}

func TestTurnViolationIsNotRetried(t *testing.T) {
	h := newHarness(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"waiting for the other party","code":"turn_violation"}`))
	}))
	defer srv.Close()

	c := NewCoordinator(h.web, NewHTTPSubmitter(srv.URL, ""), time.Second)
	ctx := context.Background()
	require.NoError(t, c.Record(ctx))
	h.clock.Advance(time.Second)
	_, err := c.Stop(ctx)
	require.NoError(t, err)

	_, err = c.Submit(ctx, Target{ConversationID: "c1"})
	require.ErrorIs(t, err, ErrTurnViolation)
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	require.False(t, se.Retryable)
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestZeroDurationRejectedBeforeUpload(t *testing.T) {
	h := newHarness(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	c := NewCoordinator(h.web, NewHTTPSubmitter(srv.URL, ""), time.Second)
	ctx := context.Background()
	require.NoError(t, c.Record(ctx))
	_, err := c.Stop(ctx)
	require.NoError(t, err)

	_, err = c.Submit(ctx, Target{NewEcho: true})
	require.ErrorIs(t, err, ErrEmptyRecording)
	require.Zero(t, atomic.LoadInt32(&hits))
}

func TestTogglePlaybackAndFinish(t *testing.T) {
	h := newHarness(t)
	c := NewCoordinator(h.web, NewHTTPSubmitter("http://unused", ""), time.Second)
	finished := make(chan struct{}, 1)
	c.OnPlaybackFinished(func() { finished <- struct{}{} })

	ctx := context.Background()
	require.NoError(t, c.Record(ctx))
	h.clock.Advance(2 * time.Second)
	_, err := c.Stop(ctx)
	require.NoError(t, err)

	state, err := c.TogglePlayback(ctx)
	require.NoError(t, err)
	require.Equal(t, audio.StatePlaying, state)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("playback finished callback not invoked")
	}
	require.Equal(t, audio.StateStopped, h.engine.State())
}

func TestRetryableStatusIsFlagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPSubmitter(srv.URL, "").Submit(context.Background(), Target{NewEcho: true}, Payload{AudioData: "AA==", Duration: 1})
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	require.True(t, se.Retryable)
	require.NotErrorIs(t, err, ErrTurnViolation)
}
