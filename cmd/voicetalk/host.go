package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ent0n29/voicetalk/internal/app"
	"github.com/ent0n29/voicetalk/internal/audio"
	"github.com/ent0n29/voicetalk/internal/observability"
)

func hostCmd(st *cliState) *cobra.Command {
	var (
		addr        string
		denyMic     bool
		silentStart bool
	)
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Serve the capture bridge on a simulated device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := st.cfg
			dev := audio.NewSimDevice()
			if denyMic {
				dev.SetPermission(audio.PermissionDenied)
			}
			dev.SetSilentStartFailure(silentStart)

			host := app.NewHost(cfg, dev, observability.NewMetrics(cfg.MetricsNamespace))
			srv := &http.Server{Addr: addr, Handler: host.Router()}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Str("path", app.BridgePath).Msg("capture host listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			}
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8081", "Listen address")
	cmd.Flags().BoolVar(&denyMic, "deny-mic", false, "Simulate a denied microphone permission")
	cmd.Flags().BoolVar(&silentStart, "silent-start", false, "Simulate a recorder that never starts")
	return cmd
}
