package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicetalk/internal/audio"
	"github.com/ent0n29/voicetalk/internal/config"
	"github.com/ent0n29/voicetalk/internal/observability"
	"github.com/ent0n29/voicetalk/internal/upload"
)

func testConfig() config.Config {
	return config.Config{
		MetricsNamespace:   "voicetalk_test",
		BlobBackend:        "memory",
		EchoVisibility:     72 * time.Hour,
		EchoRetention:      30 * 24 * time.Hour,
		EchoPurgeSchedule:  "@hourly",
		TurnRaceRetries:    3,
		FFmpegPath:         "off",
		MaxRecordingLength: 10 * time.Second,
		MaxArtifactBytes:   2 << 20,
		BridgeCallTimeout:  5 * time.Second,
	}
}

func buildForTest(t *testing.T) (*BuildResult, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "voicetalk_test")
	res, err := BuildWith(context.Background(), testConfig(), Options{Metrics: metrics})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, res.Cleanup()) })
	return res, metrics
}

func TestBuildWiresInMemoryBackends(t *testing.T) {
	res, _ := buildForTest(t)
	require.Equal(t, "memory", res.Storage.Store)
	require.Equal(t, "memory", res.Storage.Blobs)
	require.Nil(t, res.Relay)
	require.True(t, res.Verifier.DevMode())

	srv := httptest.NewServer(res.API.Router())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBuildRejectsBadPurgeSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.EchoPurgeSchedule = "every now and then"
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "voicetalk_test")
	_, err := BuildWith(context.Background(), cfg, Options{Metrics: metrics})
	require.Error(t, err)
}

func recordTake(t *testing.T, ctx context.Context, c *upload.Coordinator) {
	t.Helper()
	require.NoError(t, c.Record(ctx))
	time.Sleep(60 * time.Millisecond)
	d, err := c.Stop(ctx)
	require.NoError(t, err)
	require.Greater(t, d, time.Duration(0))
}

func TestHostToServerRoundTrip(t *testing.T) {
	res, metrics := buildForTest(t)
	api := httptest.NewServer(res.API.Router())
	defer api.Close()

	host := NewHost(testConfig(), audio.NewSimDevice(), metrics)
	hostSrv := httptest.NewServer(host.Router())
	defer hostSrv.Close()
	bridgeURL := "ws" + strings.TrimPrefix(hostSrv.URL, "http") + BridgePath

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dial := func(user string) *upload.Coordinator {
		client, err := DialBridge(ctx, bridgeURL, testConfig(), metrics)
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })
		return upload.NewCoordinator(client.Router, upload.NewHTTPSubmitter(api.URL, user), time.Second)
	}
	alice := dial("alice")
	bob := dial("bob")

	recordTake(t, ctx, alice)
	echo, err := alice.Submit(ctx, upload.Target{NewEcho: true})
	require.NoError(t, err)
	require.NotEmpty(t, echo.EchoID)

	recordTake(t, ctx, bob)
	first, err := bob.Submit(ctx, upload.Target{EchoID: echo.EchoID})
	require.NoError(t, err)
	require.True(t, first.FirstReply)
	require.Equal(t, 2, first.Seq)
	require.NotEmpty(t, first.ConversationID)

	recordTake(t, ctx, bob)
	_, err = bob.Submit(ctx, upload.Target{ConversationID: first.ConversationID})
	require.True(t, errors.Is(err, upload.ErrTurnViolation), "got %v", err)

	recordTake(t, ctx, alice)
	reply, err := alice.Submit(ctx, upload.Target{ConversationID: first.ConversationID})
	require.NoError(t, err)
	require.Equal(t, 3, reply.Seq)

	require.Eventually(t, func() bool { return host.Peers() == 2 }, time.Second, 10*time.Millisecond)
}
