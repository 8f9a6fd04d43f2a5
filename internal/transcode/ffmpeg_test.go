package transcode

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressMissingBinaryFails(t *testing.T) {
	f := NewFFmpeg(filepath.Join(t.TempDir(), "no-such-ffmpeg"), 1)
	_, _, err := f.Compress(context.Background(), []byte("RIFF...."), "audio/wav")
	require.Error(t, err)
}

func TestCompressPipesThroughBinary(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "fake-ffmpeg")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\ncat\n"), 0o755))

	f := NewFFmpeg(bin, 1)
	out, ct, err := f.Compress(context.Background(), []byte("pcm bytes"), "audio/wav")
	require.NoError(t, err)
	require.Equal(t, ContentTypeMP3, ct)
	require.Equal(t, "pcm bytes", string(out))
}

func TestCompressFailingBinaryReportsStderr(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "fake-ffmpeg")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\necho 'invalid data found' >&2\nexit 1\n"), 0o755))

	_, _, err := NewFFmpeg(bin, 1).Compress(context.Background(), []byte("x"), "audio/wav")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid data found")
}

func TestCompressRejectsEmptyInput(t *testing.T) {
	_, _, err := NewFFmpeg("ffmpeg", 1).Compress(context.Background(), nil, "audio/wav")
	require.Error(t, err)
}
