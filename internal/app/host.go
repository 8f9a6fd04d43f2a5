package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voicetalk/internal/audio"
	"github.com/ent0n29/voicetalk/internal/bridge"
	"github.com/ent0n29/voicetalk/internal/config"
	"github.com/ent0n29/voicetalk/internal/logging"
	"github.com/ent0n29/voicetalk/internal/observability"
	"github.com/ent0n29/voicetalk/internal/realtime"
)

// BridgePath is where the capture host accepts bridge peers.
const BridgePath = "/bridge"

// Host serves the capture bridge. Each peer gets its own Router and Engine;
// all engines share one Hardware, so a new peer's recording preempts an
// older peer's session.
type Host struct {
	cfg      config.Config
	hw       *audio.Hardware
	device   audio.Device
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	log      zerolog.Logger
	peers    atomic.Int64
}

func NewHost(cfg config.Config, device audio.Device, metrics *observability.Metrics) *Host {
	if device == nil {
		device = audio.NewSimDevice()
	}
	return &Host{
		cfg:      cfg,
		hw:       audio.NewHardware(metrics),
		device:   device,
		metrics:  metrics,
		upgrader: realtime.Upgrader(cfg.AllowAnyOrigin),
		log:      logging.Component("host"),
	}
}

func (h *Host) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"ok","peers":%d}`, h.peers.Load())
	})
	r.Handle("/metrics", observability.MetricsHandler())
	r.Get(BridgePath, h.handleBridge)
	return r
}

// Peers reports connected bridge peers.
func (h *Host) Peers() int { return int(h.peers.Load()) }

func (h *Host) handleBridge(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("bridge upgrade failed")
		return
	}
	t := bridge.NewWebSocketTransport(conn)
	defer t.Close()
	if err := h.Serve(r.Context(), t); err != nil && !errors.Is(err, bridge.ErrTransportClosed) && !errors.Is(err, context.Canceled) {
		h.log.Warn().Err(err).Msg("bridge peer ended")
	}
}

// Serve answers audio-recorder calls arriving on t until it closes.
func (h *Host) Serve(ctx context.Context, t bridge.Transport) error {
	h.peers.Add(1)
	defer h.peers.Add(-1)

	router := bridge.NewRouter(t,
		bridge.WithCallTimeout(h.cfg.BridgeCallTimeout),
		bridge.WithMetrics(h.metrics),
		bridge.WithLogger(logging.Component("bridge")),
	)
	engine := audio.NewEngine(h.hw, h.device, audio.EngineConfig{
		MaxDuration:      h.cfg.MaxRecordingLength,
		MaxArtifactBytes: h.cfg.MaxArtifactBytes,
	})
	audio.Attach(router, engine)
	defer engine.Reset()

	h.log.Info().Msg("bridge peer connected")
	defer h.log.Info().Msg("bridge peer disconnected")
	return router.Run(ctx)
}

// BridgeClient is the UI side of a bridge connection to a Host.
type BridgeClient struct {
	Router *bridge.Router
	close  func() error
	done   chan error
}

// DialBridge connects to a Host's bridge endpoint and starts routing.
func DialBridge(ctx context.Context, url string, cfg config.Config, metrics *observability.Metrics) (*BridgeClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", url, err)
	}
	t := bridge.NewWebSocketTransport(conn)
	router := bridge.NewRouter(t,
		bridge.WithCallTimeout(cfg.BridgeCallTimeout),
		bridge.WithMetrics(metrics),
	)
	c := &BridgeClient{Router: router, close: t.Close, done: make(chan error, 1)}
	go func() { c.done <- router.Run(ctx) }()
	return c, nil
}

// Close drops the connection and waits for the router to stop.
func (c *BridgeClient) Close() error {
	err := c.close()
	<-c.done
	return err
}
