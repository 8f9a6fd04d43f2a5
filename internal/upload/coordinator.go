package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicetalk/internal/audio"
	"github.com/ent0n29/voicetalk/internal/bridge"
)

// ErrEmptyRecording rejects clips with zero duration before upload.
var ErrEmptyRecording = errors.New("recording has zero duration")

const DefaultFetchTimeout = 10 * time.Second

// Coordinator drives the capture bridge on behalf of the UI and hands the
// finished clip to a Submitter. It issues at most one bridge call per action.
type Coordinator struct {
	router       *bridge.Router
	submitter    Submitter
	fetchTimeout time.Duration

	mu       sync.Mutex
	captured bool
	duration time.Duration
	playing  bool
	onFinish []func()
}

func NewCoordinator(router *bridge.Router, submitter Submitter, fetchTimeout time.Duration) *Coordinator {
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	c := &Coordinator{router: router, submitter: submitter, fetchTimeout: fetchTimeout}
	router.OnEvent(audio.ComponentName, audio.EventPlaybackFinished, c.handlePlaybackFinished)
	router.OnEvent(audio.ComponentName, audio.EventRecordingStopped, c.handleRecordingStopped)
	return c
}

// OnPlaybackFinished registers fn for natural end-of-clip.
func (c *Coordinator) OnPlaybackFinished(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFinish = append(c.onFinish, fn)
}

// Record starts a new take. Any previous take is forgotten.
func (c *Coordinator) Record(ctx context.Context) error {
	c.mu.Lock()
	c.captured = false
	c.duration = 0
	c.playing = false
	c.mu.Unlock()

	if _, err := c.router.Send(ctx, audio.ComponentName, audio.EventStartRecording, nil); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	return nil
}

// Stop finalizes the take and returns its duration.
func (c *Coordinator) Stop(ctx context.Context) (time.Duration, error) {
	reply, err := c.router.Send(ctx, audio.ComponentName, audio.EventStopRecording, nil)
	if err != nil {
		return 0, fmt.Errorf("stop recording: %w", err)
	}
	var sr audio.StopReply
	if err := reply.Decode(&sr); err != nil {
		return 0, err
	}
	d := time.Duration(sr.Duration * float64(time.Second))
	c.mu.Lock()
	c.captured = true
	c.duration = d
	c.mu.Unlock()
	return d, nil
}

// Captured reports whether a take is ready to submit, and its length.
func (c *Coordinator) Captured() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration, c.captured
}

// TogglePlayback plays the take, or pauses it while playing.
func (c *Coordinator) TogglePlayback(ctx context.Context) (audio.State, error) {
	c.mu.Lock()
	playing := c.playing
	c.mu.Unlock()

	event := audio.EventPlayAudio
	if playing {
		event = audio.EventPauseAudio
	}
	reply, err := c.router.Send(ctx, audio.ComponentName, event, nil)
	if err != nil {
		return audio.StateIdle, fmt.Errorf("%s: %w", event, err)
	}
	var sr audio.StateReply
	if err := reply.Decode(&sr); err != nil {
		return audio.StateIdle, err
	}
	state := parseState(sr.State)
	c.mu.Lock()
	c.playing = state == audio.StatePlaying
	c.mu.Unlock()
	return state, nil
}

// Submit fetches the take from the host and posts it once. Failures are
// returned to the caller; nothing is retried.
func (c *Coordinator) Submit(ctx context.Context, target Target) (Result, error) {
	c.mu.Lock()
	captured := c.captured
	c.mu.Unlock()
	if !captured {
		return Result{}, bridge.ErrArtifactMissing
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	reply, err := c.router.Send(fetchCtx, audio.ComponentName, audio.EventGetAudioData, nil)
	cancel()
	if err != nil {
		if errors.Is(err, bridge.ErrNoRecording) {
			return Result{}, bridge.ErrArtifactMissing
		}
		return Result{}, fmt.Errorf("fetch audio: %w", err)
	}
	var data audio.AudioDataReply
	if err := reply.Decode(&data); err != nil {
		return Result{}, err
	}
	if data.AudioData == "" {
		return Result{}, bridge.ErrArtifactMissing
	}
	if data.Duration <= 0 {
		return Result{}, ErrEmptyRecording
	}

	res, err := c.submitter.Submit(ctx, target, Payload{
		AudioData:   data.AudioData,
		Duration:    data.Duration,
		ContentType: data.ContentType,
	})
	if err != nil {
		log.Info().Err(err).Msg("submission rejected")
		return Result{}, err
	}
	c.mu.Lock()
	c.captured = false
	c.mu.Unlock()
	return res, nil
}

func (c *Coordinator) handlePlaybackFinished(ctx context.Context, env bridge.Envelope) {
	c.mu.Lock()
	c.playing = false
	fns := append([]func(){}, c.onFinish...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Coordinator) handleRecordingStopped(ctx context.Context, env bridge.Envelope) {
	var sr audio.StopReply
	if err := env.Decode(&sr); err != nil {
		log.Warn().Err(err).Msg("bad recordingStopped payload")
		return
	}
	c.mu.Lock()
	c.captured = true
	c.duration = time.Duration(sr.Duration * float64(time.Second))
	c.mu.Unlock()
}

func parseState(s string) audio.State {
	for _, st := range []audio.State{audio.StateIdle, audio.StateRecording, audio.StateStopped, audio.StatePlaying, audio.StatePaused} {
		if st.String() == s {
			return st
		}
	}
	return audio.StateIdle
}
