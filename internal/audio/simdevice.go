package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SimDevice is an in-process Device that records a synthetic tone and plays
// clips back on timers. Failure modes are switchable for tests and the
// headless host.
type SimDevice struct {
	mu sync.Mutex

	permission    Permission
	grantOnPrompt bool
	failOpen      bool
	silentStart   bool
	encoderSkew   time.Duration
	playbackScale float64
	sampleRate    int
	openRecorders int
	openPlayers   int
	now           func() time.Time
}

func NewSimDevice() *SimDevice {
	return &SimDevice{
		permission:    PermissionGranted,
		grantOnPrompt: true,
		playbackScale: 1,
		sampleRate:    16000,
		now:           time.Now,
	}
}

func (d *SimDevice) SetPermission(p Permission) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permission = p
}

// SetGrantOnPrompt decides the answer to an undetermined permission prompt.
func (d *SimDevice) SetGrantOnPrompt(grant bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grantOnPrompt = grant
}

// SetOpenFailure makes OpenRecorder and OpenPlayer fail.
func (d *SimDevice) SetOpenFailure(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOpen = fail
}

// SetSilentStartFailure makes Recorder.Start succeed without recording.
func (d *SimDevice) SetSilentStartFailure(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silentStart = fail
}

// SetEncoderSkew pads every encoded clip, so the container length disagrees
// with wall-clock time.
func (d *SimDevice) SetEncoderSkew(skew time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.encoderSkew = skew
}

// SetPlaybackScale speeds up (<1) or slows down (>1) simulated playback.
func (d *SimDevice) SetPlaybackScale(scale float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if scale > 0 {
		d.playbackScale = scale
	}
}

// SetClock replaces the clock used to size recorded clips.
func (d *SimDevice) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// OpenSessions reports recorders and players not yet closed.
func (d *SimDevice) OpenSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openRecorders + d.openPlayers
}

func (d *SimDevice) Permission() Permission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permission
}

func (d *SimDevice) RequestPermission(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.permission == PermissionUndetermined {
		if d.grantOnPrompt {
			d.permission = PermissionGranted
		} else {
			d.permission = PermissionDenied
		}
	}
	return d.permission == PermissionGranted, nil
}

var errSimOpen = errors.New("simulated device unavailable")

func (d *SimDevice) OpenRecorder() (Recorder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOpen {
		return nil, errSimOpen
	}
	d.openRecorders++
	return &simRecorder{dev: d}, nil
}

func (d *SimDevice) OpenPlayer(a Artifact, onFinish func()) (Player, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOpen {
		return nil, errSimOpen
	}
	length, err := WAVDuration(a.Data)
	if err != nil {
		length = a.Duration
	}
	d.openPlayers++
	return &simPlayer{
		dev:       d,
		length:    time.Duration(float64(length) * d.playbackScale),
		remaining: time.Duration(float64(length) * d.playbackScale),
		onFinish:  onFinish,
	}, nil
}

type simRecorder struct {
	dev       *SimDevice
	mu        sync.Mutex
	recording bool
	startedAt time.Time
	closed    bool
}

func (r *simRecorder) Start() error {
	r.dev.mu.Lock()
	silent, now := r.dev.silentStart, r.dev.now
	r.dev.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if silent {
		return nil
	}
	r.recording = true
	r.startedAt = now()
	return nil
}

func (r *simRecorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *simRecorder) Stop() ([]byte, string, error) {
	r.dev.mu.Lock()
	now, skew, rate := r.dev.now, r.dev.encoderSkew, r.dev.sampleRate
	r.dev.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return nil, "", errors.New("simulated recorder not started")
	}
	r.recording = false
	elapsed := now().Sub(r.startedAt) + skew
	wav, err := EncodeWAVPCM16LE(SynthesizeTone(elapsed, rate, 440), rate)
	if err != nil {
		return nil, "", err
	}
	return wav, ContentTypeWAV, nil
}

func (r *simRecorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.recording = false
	r.mu.Unlock()

	r.dev.mu.Lock()
	r.dev.openRecorders--
	r.dev.mu.Unlock()
	return nil
}

type simPlayer struct {
	dev      *SimDevice
	onFinish func()

	mu        sync.Mutex
	length    time.Duration
	remaining time.Duration
	resumedAt time.Time
	timer     *time.Timer
	ended     bool
	closed    bool
}

func (p *simPlayer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("simulated player closed")
	}
	if p.timer != nil {
		return nil
	}
	p.ended = false
	p.resumedAt = time.Now()
	p.timer = time.AfterFunc(p.remaining, p.finish)
	return nil
}

func (p *simPlayer) finish() {
	p.mu.Lock()
	if p.closed || p.timer == nil {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.remaining = p.length
	p.ended = true
	fn := p.onFinish
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *simPlayer) Pause() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer == nil {
		return p.ended, nil
	}
	if !p.timer.Stop() {
		// The clip ended but finish has not run yet; it will see no timer
		// and stay quiet, so the caller owns the completion.
		p.timer = nil
		p.remaining = p.length
		p.ended = true
		return true, nil
	}
	p.remaining -= time.Since(p.resumedAt)
	if p.remaining < 0 {
		p.remaining = 0
	}
	p.timer = nil
	return false, nil
}

func (p *simPlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.remaining = p.length
	p.ended = false
	return nil
}

func (p *simPlayer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	p.dev.mu.Lock()
	p.dev.openPlayers--
	p.dev.mu.Unlock()
	return nil
}
