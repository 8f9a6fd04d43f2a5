package app

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicetalk/internal/auth"
	"github.com/ent0n29/voicetalk/internal/blobstore"
	"github.com/ent0n29/voicetalk/internal/config"
	"github.com/ent0n29/voicetalk/internal/conversation"
	"github.com/ent0n29/voicetalk/internal/expiry"
	"github.com/ent0n29/voicetalk/internal/httpapi"
	"github.com/ent0n29/voicetalk/internal/observability"
	"github.com/ent0n29/voicetalk/internal/realtime"
	"github.com/ent0n29/voicetalk/internal/transcode"
)

type StorageInfo struct {
	Store string
	Blobs string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Service  *conversation.Service
	Hub      *realtime.Hub
	Relay    *realtime.RedisRelay
	Sweeper  *expiry.Sweeper
	Metrics  *observability.Metrics
	Storage  StorageInfo
	Verifier *auth.Verifier

	// Cleanup should be called on shutdown to release external resources (DB, redis, etc).
	Cleanup func() error
}

// Options lets callers and tests replace pieces of the default wiring.
type Options struct {
	Metrics *observability.Metrics
	Blobs   blobstore.Store
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	return BuildWith(ctx, cfg, Options{})
}

func BuildWith(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	store, err := conversation.NewStore(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("conversation store init failed: %w", err)
	}

	blobs := opts.Blobs
	blobBackend := "custom"
	if blobs == nil {
		blobs, blobBackend, err = buildBlobStore(ctx, cfg)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	hub := realtime.NewHub(metrics, nil)
	var relay *realtime.RedisRelay
	if cfg.RedisAddr != "" {
		relay, err = realtime.NewRedisRelay(ctx, cfg.RedisAddr, hub)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("redis relay init failed: %w", err)
		}
		hub.SetFanout(relay)
	}

	var compressor conversation.Compressor
	if !strings.EqualFold(cfg.FFmpegPath, "off") {
		compressor = transcode.NewFFmpeg(cfg.FFmpegPath, runtime.NumCPU())
	}

	service := conversation.NewService(store, blobs, conversation.Options{
		Compressor:  compressor,
		Publisher:   hub,
		Metrics:     metrics,
		Visibility:  cfg.EchoVisibility,
		RaceRetries: cfg.TurnRaceRetries,
	})

	sweeper, err := expiry.NewSweeper(service, cfg.EchoPurgeSchedule, cfg.EchoRetention)
	if err != nil {
		if relay != nil {
			_ = relay.Close()
		}
		store.Close()
		return nil, err
	}

	verifier := auth.NewVerifier(cfg.AuthJWTSecret)
	api := httpapi.New(cfg, service, blobs, hub, verifier, metrics)

	storage := StorageInfo{
		Store: conversation.BackendName(cfg.DatabaseURL, cfg.SQLitePath),
		Blobs: blobBackend,
	}
	log.Info().Str("store", storage.Store).Str("blobs", storage.Blobs).Bool("redis", relay != nil).Msg("storage ready")

	cleanup := func() error {
		var errs []error
		sweeper.Stop()
		if relay != nil {
			if err := relay.Close(); err != nil {
				errs = append(errs, fmt.Errorf("redis: %w", err))
			}
		}
		store.Close()
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Service:  service,
		Hub:      hub,
		Relay:    relay,
		Sweeper:  sweeper,
		Metrics:  metrics,
		Storage:  storage,
		Verifier: verifier,
		Cleanup:  cleanup,
	}, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (blobstore.Store, string, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.BlobBackend)) {
	case "s3":
		s, err := blobstore.NewS3StoreFromEnv(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3PublicBaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("s3 blob store init failed: %w", err)
		}
		return s, "s3", nil
	case "memory":
		return blobstore.NewMemoryStore(), "memory", nil
	default:
		s, err := blobstore.NewFSStore(cfg.BlobDir)
		if err != nil {
			return nil, "", fmt.Errorf("fs blob store init failed: %w", err)
		}
		return s, "fs", nil
	}
}
