package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voicetalk/internal/app"
	"github.com/ent0n29/voicetalk/internal/auth"
	"github.com/ent0n29/voicetalk/internal/config"
	"github.com/ent0n29/voicetalk/internal/observability"
	"github.com/ent0n29/voicetalk/internal/upload"
)

type recordOptions struct {
	bridgeURL      string
	apiURL         string
	user           string
	token          string
	echoID         string
	conversationID string
	length         time.Duration
	preview        bool
}

func recordCmd(st *cliState) *cobra.Command {
	var opts recordOptions
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a take on a capture host and submit it",
		Long: `Records for --length on the host, optionally plays it back, then submits.

Without --echo or --conversation the take is posted as a new echo.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := recordTarget(opts.echoID, opts.conversationID)
			if err != nil {
				return err
			}
			token, err := resolveToken(st.cfg, opts.user, opts.token)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			client, err := app.DialBridge(ctx, opts.bridgeURL, st.cfg, observability.Discard())
			if err != nil {
				return err
			}
			defer client.Close()

			coord := upload.NewCoordinator(client.Router, upload.NewHTTPSubmitter(opts.apiURL, token), 0)
			if err := coord.Record(ctx); err != nil {
				return err
			}
			select {
			case <-time.After(opts.length):
			case <-ctx.Done():
				return ctx.Err()
			}
			d, err := coord.Stop(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "recorded %.2fs\n", d.Seconds())

			if opts.preview {
				finished := make(chan struct{}, 1)
				coord.OnPlaybackFinished(func() { finished <- struct{}{} })
				if _, err := coord.TogglePlayback(ctx); err != nil {
					return err
				}
				select {
				case <-finished:
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			res, err := coord.Submit(ctx, target)
			if err != nil {
				if errors.Is(err, upload.ErrTurnViolation) {
					return fmt.Errorf("not your turn yet: %w", err)
				}
				return err
			}
			switch {
			case res.EchoID != "":
				fmt.Fprintf(out, "echo %s created\n", res.EchoID)
			case res.FirstReply:
				fmt.Fprintf(out, "conversation %s opened (message %d)\n", res.ConversationID, res.Seq)
			default:
				fmt.Fprintf(out, "message %d sent to conversation %s\n", res.Seq, res.ConversationID)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.bridgeURL, "host", "ws://localhost:8081"+app.BridgePath, "Capture host bridge URL")
	f.StringVar(&opts.apiURL, "api", "http://localhost:8080", "API base URL")
	f.StringVar(&opts.user, "user", "", "User id to sign a token for (needs AUTH_JWT_SECRET, or dev mode)")
	f.StringVar(&opts.token, "token", "", "Bearer token; overrides --user")
	f.StringVar(&opts.echoID, "echo", "", "Reply to this echo")
	f.StringVar(&opts.conversationID, "conversation", "", "Send into this conversation")
	f.DurationVar(&opts.length, "length", 3*time.Second, "Take length")
	f.BoolVar(&opts.preview, "preview", false, "Play the take back before submitting")
	return cmd
}

func recordTarget(echoID, conversationID string) (upload.Target, error) {
	echoID = strings.TrimSpace(echoID)
	conversationID = strings.TrimSpace(conversationID)
	switch {
	case echoID != "" && conversationID != "":
		return upload.Target{}, errors.New("--echo and --conversation are mutually exclusive")
	case echoID != "":
		return upload.Target{EchoID: echoID}, nil
	case conversationID != "":
		return upload.Target{ConversationID: conversationID}, nil
	default:
		return upload.Target{NewEcho: true}, nil
	}
}

// resolveToken signs a short-lived token for user when a secret is set.
// In dev mode the user id itself is the token.
func resolveToken(cfg config.Config, user, token string) (string, error) {
	if token = strings.TrimSpace(token); token != "" {
		return token, nil
	}
	user = strings.TrimSpace(user)
	if user == "" {
		return "", errors.New("--user or --token is required")
	}
	return auth.NewVerifier(cfg.AuthJWTSecret).Issue(user, time.Hour)
}
