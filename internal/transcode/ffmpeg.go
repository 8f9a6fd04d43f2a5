package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const ContentTypeMP3 = "audio/mpeg"

// FFmpeg re-encodes uploads as mono 64 kbps MP3 by piping through an ffmpeg
// binary.
type FFmpeg struct {
	path    string
	timeout time.Duration
	sem     chan struct{}
}

// NewFFmpeg resolves bin on PATH. A missing binary is not an error here;
// Compress will fail and callers keep the original bytes.
func NewFFmpeg(bin string, maxParallel int) *FFmpeg {
	if strings.TrimSpace(bin) == "" {
		bin = "ffmpeg"
	}
	if resolved, err := exec.LookPath(bin); err == nil {
		bin = resolved
	} else {
		log.Warn().Str("ffmpeg", bin).Msg("ffmpeg not found, uploads will be stored uncompressed")
	}
	if maxParallel <= 0 {
		maxParallel = 2
	}
	return &FFmpeg{path: bin, timeout: 30 * time.Second, sem: make(chan struct{}, maxParallel)}
}

func (f *FFmpeg) Compress(ctx context.Context, data []byte, contentType string) ([]byte, string, error) {
	if len(data) == 0 {
		return nil, "", errors.New("nothing to compress")
	}
	select {
	case f.sem <- struct{}{}:
		defer func() { <-f.sem }()
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, f.path,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-ac", "1",
		"-b:a", "64k",
		"-f", "mp3",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, "", fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	out := stdout.Bytes()
	if len(out) == 0 {
		return nil, "", errors.New("ffmpeg produced no output")
	}

	log.Debug().
		Str("input_type", contentType).
		Int("input_size", len(data)).
		Int("output_size", len(out)).
		Dur("took", time.Since(start)).
		Msg("audio compressed")
	return out, ContentTypeMP3, nil
}
