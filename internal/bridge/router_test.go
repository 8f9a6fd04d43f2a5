package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicetalk/internal/observability"
)

type echoPayload struct {
	Value string `json:"value"`
}

// newPair wires a web-side and host-side Router over an in-process pipe.
func newPair(t *testing.T, opts ...Option) (web, host *Router) {
	t.Helper()
	a, b := NewPipe()
	web = NewRouter(a, opts...)
	host = NewRouter(b, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = a.Close()
	})
	go func() { _ = web.Run(ctx) }()
	go func() { _ = host.Run(ctx) }()
	return web, host
}

func TestSendRoundTrip(t *testing.T) {
	web, host := newPair(t)
	host.Register("echo", func(ctx context.Context, req Request) (any, error) {
		var in echoPayload
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		return echoPayload{Value: req.Event + ":" + in.Value}, nil
	})

	reply, err := web.Send(context.Background(), "echo", "say", echoPayload{Value: "hi"})
	require.NoError(t, err)

	var out echoPayload
	require.NoError(t, reply.Decode(&out))
	require.Equal(t, "say:hi", out.Value)
	require.Equal(t, 0, web.Pending())
}

func TestHandlerCallErrorResolvesCall(t *testing.T) {
	web, host := newPair(t)
	host.Register("audio-recorder", func(ctx context.Context, req Request) (any, error) {
		return nil, ErrPermissionDenied
	})

	_, err := web.Send(context.Background(), "audio-recorder", "startRecording", nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrPermissionDenied), "err = %v", err)
	require.False(t, errors.Is(err, ErrDeviceBusy))
}

func TestHandlerPanicBecomesHandlerFault(t *testing.T) {
	web, host := newPair(t)
	host.Register("flaky", func(ctx context.Context, req Request) (any, error) {
		if req.Event == "boom" {
			panic("hardware callback exploded")
		}
		return echoPayload{Value: "fine"}, nil
	})

	_, err := web.Send(context.Background(), "flaky", "boom", nil)
	require.ErrorIs(t, err, ErrHandlerFault)

	reply, err := web.Send(context.Background(), "flaky", "ok", nil)
	require.NoError(t, err)
	var out echoPayload
	require.NoError(t, reply.Decode(&out))
	require.Equal(t, "fine", out.Value)
}

func TestPlainHandlerErrorBecomesHandlerFault(t *testing.T) {
	web, host := newPair(t)
	host.Register("x", func(ctx context.Context, req Request) (any, error) {
		return nil, errors.New("disk full")
	})

	_, err := web.Send(context.Background(), "x", "write", nil)
	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, CodeHandlerFault, cerr.Code)
	require.Contains(t, cerr.Message, "disk full")
}

func TestTimeoutDiscardsLateReply(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(reg, "test")

	a, b := NewPipe()
	web := NewRouter(a, WithCallTimeout(50*time.Millisecond), WithMetrics(metrics))
	host := NewRouter(b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = web.Run(ctx) }()
	go func() { _ = host.Run(ctx) }()

	release := make(chan struct{})
	host.Register("slow", func(ctx context.Context, req Request) (any, error) {
		<-release
		return echoPayload{Value: "late"}, nil
	})

	_, err := web.Send(context.Background(), "slow", "wait", nil)
	require.ErrorIs(t, err, ErrCallTimeout)
	require.Equal(t, 0, web.Pending())

	close(release)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.BridgeLateReplies) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUnknownComponentIsIgnored(t *testing.T) {
	web, _ := newPair(t, WithCallTimeout(40*time.Millisecond))

	_, err := web.Send(context.Background(), "nobody", "hello", nil)
	require.ErrorIs(t, err, ErrCallTimeout)
}

func TestUnknownEventIsIgnored(t *testing.T) {
	web, host := newPair(t, WithCallTimeout(40*time.Millisecond))
	host.Register("audio-recorder", func(ctx context.Context, req Request) (any, error) {
		return nil, ErrUnknownEvent
	})

	_, err := web.Send(context.Background(), "audio-recorder", "teleport", nil)
	require.ErrorIs(t, err, ErrCallTimeout)
}

func TestCallerContextCancellation(t *testing.T) {
	web, host := newPair(t)
	host.Register("slow", func(ctx context.Context, req Request) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := web.Send(ctx, "slow", "wait", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotifyReachesListener(t *testing.T) {
	web, host := newPair(t)
	got := make(chan string, 1)
	web.OnEvent("audio-recorder", "playbackFinished", func(ctx context.Context, env Envelope) {
		got <- env.Event
	})

	require.NoError(t, host.Notify(context.Background(), "audio-recorder", "playbackFinished", nil))
	select {
	case ev := <-got:
		require.Equal(t, "playbackFinished", ev)
	case <-time.After(time.Second):
		t.Fatal("listener was not invoked")
	}
}

func TestConcurrentSendsAreCorrelated(t *testing.T) {
	web, host := newPair(t)
	host.Register("echo", func(ctx context.Context, req Request) (any, error) {
		var in echoPayload
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		return in, nil
	})

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("v%d", i)
			reply, err := web.Send(context.Background(), "echo", "say", echoPayload{Value: want})
			if err != nil {
				errs <- err
				return
			}
			var out echoPayload
			if err := reply.Decode(&out); err != nil {
				errs <- err
				return
			}
			if out.Value != want {
				errs <- fmt.Errorf("reply %q for request %q", out.Value, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestClosedTransportFailsPendingCalls(t *testing.T) {
	a, b := NewPipe()
	web := NewRouter(a)
	host := NewRouter(b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = web.Run(ctx) }()
	go func() { _ = host.Run(ctx) }()

	entered := make(chan struct{})
	host.Register("hang", func(ctx context.Context, req Request) (any, error) {
		close(entered)
		select {}
	})

	done := make(chan error, 1)
	go func() {
		_, err := web.Send(context.Background(), "hang", "forever", nil)
		done <- err
	}()
	<-entered
	require.NoError(t, a.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call was not failed on close")
	}
}
