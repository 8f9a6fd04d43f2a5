package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ent0n29/voicetalk/internal/config"
	"github.com/ent0n29/voicetalk/internal/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cliState carries the loaded configuration from the root pre-run hook to
// subcommands.
type cliState struct {
	cfg config.Config
}

func newRootCmd() *cobra.Command {
	st := &cliState{}
	var logLevel string

	root := &cobra.Command{
		Use:   "voicetalk",
		Short: "Turn-based voice conversations started from public echoes",
		Long: `voicetalk runs the conversation API and the capture host.

Commands:
  serve     HTTP API, realtime push and retention sweeper
  migrate   create or upgrade the conversation schema
  host      capture bridge host backed by the simulated device
  record    record a take on a host and submit it to the API
  bench     measure submit-to-push latency against a running API`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			logging.Setup(cfg.LogLevel, cfg.LogFormat)
			st.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL")

	root.AddCommand(
		serveCmd(st),
		migrateCmd(st),
		hostCmd(st),
		recordCmd(st),
		benchCmd(st),
	)
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
