package audio

import (
	"testing"
	"time"
)

func TestWAVDurationMatchesEncodedPCM(t *testing.T) {
	pcm := SynthesizeTone(1500*time.Millisecond, 16000, 440)
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len(wav) = %d, want %d", len(wav), 44+len(pcm))
	}
	d, err := WAVDuration(wav)
	if err != nil {
		t.Fatalf("WAVDuration() error = %v", err)
	}
	if d != 1500*time.Millisecond {
		t.Fatalf("WAVDuration() = %v, want 1.5s", d)
	}
}

func TestWAVDurationRejectsGarbage(t *testing.T) {
	if _, err := WAVDuration([]byte("definitely not audio")); err == nil {
		t.Fatalf("WAVDuration() expected error")
	}
}
