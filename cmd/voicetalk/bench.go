package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/voicetalk/internal/audio"
	"github.com/ent0n29/voicetalk/internal/protocol"
	"github.com/ent0n29/voicetalk/internal/upload"
)

type benchOptions struct {
	apiURL      string
	userA       string
	userB       string
	turns       int
	clip        time.Duration
	turnTimeout time.Duration
	verbose     bool
}

func benchCmd(st *cliState) *cobra.Command {
	var opts benchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure submit-to-push latency against a running API",
		Long: `Creates an echo as user A, opens a conversation as user B and then
alternates turns. Each turn is timed from submission until the message frame
arrives on A's realtime socket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.turns <= 0 {
				return fmt.Errorf("--turns must be positive")
			}
			tokenA, err := resolveToken(st.cfg, opts.userA, "")
			if err != nil {
				return err
			}
			tokenB, err := resolveToken(st.cfg, opts.userB, "")
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runBench(ctx, cmd.OutOrStdout(), opts, tokenA, tokenB)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.apiURL, "api", "http://localhost:8080", "API base URL")
	f.StringVar(&opts.userA, "user-a", "bench-a", "Echo author")
	f.StringVar(&opts.userB, "user-b", "bench-b", "Responder")
	f.IntVar(&opts.turns, "turns", 10, "Turns after the first reply")
	f.DurationVar(&opts.clip, "clip", 500*time.Millisecond, "Synthesized clip length")
	f.DurationVar(&opts.turnTimeout, "turn-timeout", 10*time.Second, "Max wait for each pushed frame")
	f.BoolVar(&opts.verbose, "verbose", false, "Print every turn")
	return cmd
}

func runBench(ctx context.Context, out io.Writer, opts benchOptions, tokenA, tokenB string) error {
	wav, err := audio.EncodeWAVPCM16LE(audio.SynthesizeTone(opts.clip, 16000, 440), 16000)
	if err != nil {
		return err
	}
	payload := upload.Payload{
		AudioData:   base64.StdEncoding.EncodeToString(wav),
		Duration:    opts.clip.Seconds(),
		ContentType: audio.ContentTypeWAV,
	}
	a := upload.NewHTTPSubmitter(opts.apiURL, tokenA)
	b := upload.NewHTTPSubmitter(opts.apiURL, tokenB)

	echo, err := a.Submit(ctx, upload.Target{NewEcho: true}, payload)
	if err != nil {
		return fmt.Errorf("create echo: %w", err)
	}
	first, err := b.Submit(ctx, upload.Target{EchoID: echo.EchoID}, payload)
	if err != nil {
		return fmt.Errorf("first reply: %w", err)
	}

	wsURL, err := conversationWSURL(opts.apiURL, first.ConversationID, tokenA)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	seqCh := make(chan int, 32)
	readyCh := make(chan struct{}, 1)
	readErrCh := make(chan error, 1)
	go readFrames(conn, seqCh, readyCh, readErrCh)

	select {
	case <-readyCh:
	case err := <-readErrCh:
		return fmt.Errorf("subscribe: %w", err)
	case <-time.After(opts.turnTimeout):
		return fmt.Errorf("subscribe: no confirmation within %s", opts.turnTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	senders := []*upload.HTTPSubmitter{a, b}
	latencies := make([]time.Duration, 0, opts.turns)
	for i := 0; i < opts.turns; i++ {
		start := time.Now()
		res, err := senders[i%2].Submit(ctx, upload.Target{ConversationID: first.ConversationID}, payload)
		if err != nil {
			return fmt.Errorf("turn %d submit: %w", i+1, err)
		}
		if err := awaitSeq(ctx, seqCh, readErrCh, res.Seq, opts.turnTimeout); err != nil {
			return fmt.Errorf("turn %d await push: %w", i+1, err)
		}
		d := time.Since(start)
		latencies = append(latencies, d)
		if opts.verbose {
			fmt.Fprintf(out, "turn %d seq=%d latency=%s\n", i+1, res.Seq, d)
		}
	}

	p50, p95, worst := summarize(latencies)
	fmt.Fprintf(out, "conversation=%s turns=%d p50=%s p95=%s max=%s\n", first.ConversationID, len(latencies), p50, p95, worst)
	return nil
}

func conversationWSURL(baseURL, conversationID, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported api scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("api host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/conversations/" + conversationID + "/ws"
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readFrames(conn *websocket.Conn, seqCh chan<- int, readyCh chan<- struct{}, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case protocol.MessageCreated:
			select {
			case seqCh <- m.Message.Seq:
			default:
			}
		case protocol.SystemEvent:
			if m.Code == protocol.CodeSubscribed {
				select {
				case readyCh <- struct{}{}:
				default:
				}
			}
		case protocol.ErrorEvent:
			raw, _ := json.Marshal(m)
			select {
			case readErrCh <- fmt.Errorf("error event: %s", raw):
			default:
			}
		}
	}
}

func awaitSeq(ctx context.Context, seqCh <-chan int, readErrCh <-chan error, want int, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case got := <-seqCh:
			if got >= want {
				return nil
			}
		case err := <-readErrCh:
			return err
		case <-timer.C:
			return fmt.Errorf("timed out waiting for seq %d", want)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func summarize(ds []time.Duration) (p50, p95, worst time.Duration) {
	if len(ds) == 0 {
		return 0, 0, 0
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(q float64) time.Duration {
		idx := int(q*float64(len(sorted))+0.5) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return at(0.50), at(0.95), sorted[len(sorted)-1]
}
