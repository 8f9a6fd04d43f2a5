package audio

import (
	"context"
	"time"
)

// Permission is the microphone capability state reported by a Device.
type Permission int

const (
	PermissionUndetermined Permission = iota
	PermissionGranted
	PermissionDenied
)

// Artifact is a finalized recording.
type Artifact struct {
	Data        []byte
	ContentType string
	Duration    time.Duration
}

// Device abstracts the platform recorder and player.
type Device interface {
	Permission() Permission
	// RequestPermission prompts the user. It reports whether access was
	// granted.
	RequestPermission(ctx context.Context) (bool, error)
	OpenRecorder() (Recorder, error)
	// OpenPlayer prepares playback of a. onFinish is invoked, possibly from
	// another goroutine, when the clip plays to its natural end.
	OpenPlayer(a Artifact, onFinish func()) (Player, error)
}

// Recorder is one hardware recording session. Start may return nil without
// actually starting; IsRecording reports the truth.
type Recorder interface {
	Start() error
	IsRecording() bool
	Stop() (data []byte, contentType string, err error)
	Close() error
}

type Player interface {
	Start() error
	// Pause holds the position. ended reports that the clip had already
	// played to its end, in which case onFinish is not invoked for it.
	Pause() (ended bool, err error)
	// Stop halts playback and rewinds to the beginning.
	Stop() error
	Close() error
}
