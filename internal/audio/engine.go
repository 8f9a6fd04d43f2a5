package audio

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicetalk/internal/bridge"
)

// State is the engine's single current state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopped
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

const (
	DefaultMaxDuration      = 10 * time.Second
	DefaultMaxArtifactBytes = 2 << 20
)

// EngineConfig tunes an Engine. Zero values take defaults.
type EngineConfig struct {
	MaxDuration      time.Duration
	MaxArtifactBytes int
	Now              func() time.Time
}

// Encoded is the transport-safe form of the artifact.
type Encoded struct {
	AudioData   string
	ContentType string
	Duration    time.Duration
}

// Engine owns one recording/playback session on a shared Hardware. Public
// methods are serialized; device callbacks only touch state under mu and
// never wait for an operation to finish.
type Engine struct {
	hw     *Hardware
	dev    Device
	cfg    EngineConfig
	opMu   sync.Mutex
	mu     sync.Mutex
	state  State
	lease  *Lease
	gen    uint64
	rec    Recorder
	player Player
	timer  *time.Timer

	startedAt time.Time
	artifact  *Artifact

	onPlaybackFinished func()
	onAutoStop         func(time.Duration)
}

func NewEngine(hw *Hardware, dev Device, cfg EngineConfig) *Engine {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.MaxArtifactBytes <= 0 {
		cfg.MaxArtifactBytes = DefaultMaxArtifactBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{hw: hw, dev: dev, cfg: cfg}
}

// OnPlaybackFinished registers fn for natural end-of-clip. fn runs on the
// device's goroutine after the engine has returned to Stopped.
func (e *Engine) OnPlaybackFinished(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPlaybackFinished = fn
}

// OnAutoStop registers fn for recordings finalized by the duration ceiling.
func (e *Engine) OnAutoStop(fn func(time.Duration)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onAutoStop = fn
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ArtifactDuration returns the duration of the captured clip, if any.
func (e *Engine) ArtifactDuration() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.artifact == nil {
		return 0, false
	}
	return e.artifact.Duration, true
}

// StartRecording returns once the device verifiably records. A call while
// already recording returns the current state without a second session.
func (e *Engine) StartRecording(ctx context.Context) (State, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state == StateRecording {
		return state, nil
	}

	switch e.dev.Permission() {
	case PermissionDenied:
		return state, bridge.ErrPermissionDenied
	case PermissionUndetermined:
		granted, err := e.dev.RequestPermission(ctx)
		if err != nil {
			return state, err
		}
		if !granted {
			return state, bridge.ErrPermissionDenied
		}
	}

	// A new take discards whatever was captured or playing before.
	e.mu.Lock()
	e.teardownLocked()
	e.artifact = nil
	e.state = StateIdle
	e.mu.Unlock()

	lease := e.hw.Acquire(SessionRecord, e.preempted)
	rec, err := e.dev.OpenRecorder()
	if err != nil {
		lease.Release()
		return StateIdle, bridge.NewCallError(bridge.CodeDeviceBusy, "open recorder: %v", err)
	}
	if err := rec.Start(); err != nil {
		_ = rec.Close()
		lease.Release()
		return StateIdle, bridge.NewCallError(bridge.CodeDeviceBusy, "start recorder: %v", err)
	}
	if !rec.IsRecording() {
		_ = rec.Close()
		lease.Release()
		return StateIdle, bridge.NewCallError(bridge.CodeDeviceBusy, "recorder accepted start but is not recording")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !lease.Active() {
		_ = rec.Close()
		return StateIdle, bridge.NewCallError(bridge.CodeDeviceBusy, "hardware taken during start")
	}
	e.gen++
	gen := e.gen
	e.lease = lease
	e.rec = rec
	e.state = StateRecording
	e.startedAt = e.cfg.Now()
	e.timer = time.AfterFunc(e.cfg.MaxDuration, func() { e.autoStop(gen) })
	log.Debug().Dur("max", e.cfg.MaxDuration).Msg("recording started")
	return StateRecording, nil
}

// StopRecording finalizes the take. Duration is wall-clock time since start,
// never the encoder's. Stopping an already stopped take returns its duration.
func (e *Engine) StopRecording() (time.Duration, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRecording {
		if err := e.finalizeLocked(); err != nil {
			return 0, err
		}
	}
	if e.artifact == nil {
		return 0, bridge.ErrNoRecording
	}
	return e.artifact.Duration, nil
}

func (e *Engine) autoStop(gen uint64) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	if e.gen != gen || e.state != StateRecording {
		e.mu.Unlock()
		return
	}
	err := e.finalizeLocked()
	var d time.Duration
	if e.artifact != nil {
		d = e.artifact.Duration
	}
	fn := e.onAutoStop
	e.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("recording ceiling stop failed")
		return
	}
	log.Debug().Dur("duration", d).Msg("recording stopped at ceiling")
	if fn != nil {
		fn(d)
	}
}

// finalizeLocked closes the recorder and releases the hardware on every
// path.
func (e *Engine) finalizeLocked() error {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	elapsed := e.cfg.Now().Sub(e.startedAt)
	if elapsed > e.cfg.MaxDuration {
		elapsed = e.cfg.MaxDuration
	}
	if elapsed < 0 {
		elapsed = 0
	}
	data, contentType, err := e.rec.Stop()
	_ = e.rec.Close()
	e.rec = nil
	e.lease.Release()
	e.lease = nil
	e.gen++
	if err != nil {
		e.state = StateIdle
		e.artifact = nil
		return bridge.NewCallError(bridge.CodeDeviceBusy, "finalize recording: %v", err)
	}
	if contentType == "" {
		contentType = ContentTypeWAV
	}
	e.artifact = &Artifact{Data: data, ContentType: contentType, Duration: elapsed}
	e.state = StateStopped
	return nil
}

// PlayAudio starts or resumes playback. Completion is reported through
// OnPlaybackFinished, never through the return value.
func (e *Engine) PlayAudio() (State, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.state == StateRecording {
		if err := e.finalizeLocked(); err != nil {
			e.mu.Unlock()
			return e.state, err
		}
	}
	switch {
	case e.state == StatePlaying:
		e.mu.Unlock()
		return StatePlaying, nil
	case e.artifact == nil:
		state := e.state
		e.mu.Unlock()
		return state, bridge.ErrNoRecording
	case e.state == StatePaused:
		defer e.mu.Unlock()
		if err := e.player.Start(); err != nil {
			e.teardownLocked()
			return e.state, bridge.NewCallError(bridge.CodeDeviceBusy, "resume playback: %v", err)
		}
		e.state = StatePlaying
		return StatePlaying, nil
	}
	artifact := *e.artifact
	e.mu.Unlock()

	lease := e.hw.Acquire(SessionPlayback, e.preempted)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	gen := e.gen
	player, err := e.dev.OpenPlayer(artifact, func() { e.playbackEnded(gen) })
	if err != nil {
		lease.Release()
		return e.state, bridge.NewCallError(bridge.CodeDeviceBusy, "open player: %v", err)
	}
	if !lease.Active() {
		_ = player.Close()
		return e.state, bridge.NewCallError(bridge.CodeDeviceBusy, "hardware taken during playback start")
	}
	if err := player.Start(); err != nil {
		_ = player.Close()
		lease.Release()
		return e.state, bridge.NewCallError(bridge.CodeDeviceBusy, "start playback: %v", err)
	}
	e.lease = lease
	e.player = player
	e.state = StatePlaying
	return StatePlaying, nil
}

func (e *Engine) playbackEnded(gen uint64) {
	e.mu.Lock()
	if e.gen != gen || e.state != StatePlaying {
		e.mu.Unlock()
		return
	}
	e.teardownLocked()
	fn := e.onPlaybackFinished
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// PauseAudio pauses playback. Pausing when not playing is a no-op. A clip
// that reached its end while the pause was in flight is finished instead:
// the engine returns to Stopped and OnPlaybackFinished fires.
func (e *Engine) PauseAudio() (State, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()

	if e.artifact == nil {
		state := e.state
		e.mu.Unlock()
		return state, bridge.ErrNoRecording
	}
	if e.state != StatePlaying {
		state := e.state
		e.mu.Unlock()
		return state, nil
	}
	ended, err := e.player.Pause()
	if err != nil {
		e.teardownLocked()
		state := e.state
		e.mu.Unlock()
		return state, bridge.NewCallError(bridge.CodeDeviceBusy, "pause playback: %v", err)
	}
	if !ended {
		e.state = StatePaused
		e.mu.Unlock()
		return StatePaused, nil
	}

	e.teardownLocked()
	state := e.state
	fn := e.onPlaybackFinished
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
	return state, nil
}

// StopAudio halts playback and rewinds. The artifact is kept.
func (e *Engine) StopAudio() (State, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.artifact == nil {
		return e.state, bridge.ErrNoRecording
	}
	if e.state == StatePlaying || e.state == StatePaused {
		e.teardownLocked()
	}
	return e.state, nil
}

// GetAudioData returns the artifact as standard base64.
func (e *Engine) GetAudioData() (Encoded, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.artifact == nil {
		return Encoded{}, bridge.ErrNoRecording
	}
	if len(e.artifact.Data) > e.cfg.MaxArtifactBytes {
		return Encoded{}, bridge.NewCallError(bridge.CodeHandlerFault,
			"artifact is %d bytes, limit %d", len(e.artifact.Data), e.cfg.MaxArtifactBytes)
	}
	return Encoded{
		AudioData:   base64.StdEncoding.EncodeToString(e.artifact.Data),
		ContentType: e.artifact.ContentType,
		Duration:    e.artifact.Duration,
	}, nil
}

// Reset releases the hardware and drops the artifact.
func (e *Engine) Reset() {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
	e.artifact = nil
	e.state = StateIdle
}

// teardownLocked closes any open session and releases the hardware. A
// recording in progress is abandoned, not finalized.
func (e *Engine) teardownLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.rec != nil {
		_ = e.rec.Close()
		e.rec = nil
	}
	if e.player != nil {
		_ = e.player.Stop()
		_ = e.player.Close()
		e.player = nil
	}
	e.lease.Release()
	e.lease = nil
	e.gen++
	switch {
	case e.artifact != nil:
		e.state = StateStopped
	default:
		e.state = StateIdle
	}
}

// preempted runs when another owner takes the hardware. A recording is
// finalized so the take survives; playback is stopped.
func (e *Engine) preempted(l *Lease) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lease != l {
		return
	}
	if e.state == StateRecording {
		if err := e.finalizeLocked(); err != nil {
			log.Warn().Err(err).Msg("finalize on preemption failed")
		}
		return
	}
	e.teardownLocked()
}
