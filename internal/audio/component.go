package audio

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicetalk/internal/bridge"
)

// ComponentName is the bridge component the engine answers to.
const ComponentName = "audio-recorder"

const (
	EventStartRecording   = "startRecording"
	EventStopRecording    = "stopRecording"
	EventPlayAudio        = "playAudio"
	EventPauseAudio       = "pauseAudio"
	EventStopAudio        = "stopAudio"
	EventGetAudioData     = "getAudioData"
	EventPlaybackFinished = "playbackFinished"
	EventRecordingStopped = "recordingStopped"
)

// StateReply answers start, play, pause and stop-audio calls.
type StateReply struct {
	State string `json:"state"`
}

// StopReply answers stopRecording and the ceiling notification.
type StopReply struct {
	Duration float64 `json:"duration"`
	State    string  `json:"state"`
}

// AudioDataReply carries the artifact across the bridge.
type AudioDataReply struct {
	AudioData   string  `json:"audioData"`
	ContentType string  `json:"contentType"`
	Duration    float64 `json:"duration"`
}

const notifyTimeout = 5 * time.Second

// Component exposes an Engine on a Router.
type Component struct {
	engine *Engine
	router *bridge.Router
}

// Attach registers engine under ComponentName and forwards its asynchronous
// completions as bridge events.
func Attach(router *bridge.Router, engine *Engine) *Component {
	c := &Component{engine: engine, router: router}
	router.Register(ComponentName, c.Handle)
	engine.OnPlaybackFinished(func() {
		c.notify(EventPlaybackFinished, StateReply{State: StateStopped.String()})
	})
	engine.OnAutoStop(func(d time.Duration) {
		c.notify(EventRecordingStopped, StopReply{Duration: d.Seconds(), State: StateStopped.String()})
	})
	return c
}

func (c *Component) Handle(ctx context.Context, req bridge.Request) (any, error) {
	switch req.Event {
	case EventStartRecording:
		state, err := c.engine.StartRecording(ctx)
		if err != nil {
			return nil, err
		}
		return StateReply{State: state.String()}, nil
	case EventStopRecording:
		d, err := c.engine.StopRecording()
		if err != nil {
			return nil, err
		}
		return StopReply{Duration: d.Seconds(), State: c.engine.State().String()}, nil
	case EventPlayAudio:
		return stateReply(c.engine.PlayAudio())
	case EventPauseAudio:
		return stateReply(c.engine.PauseAudio())
	case EventStopAudio:
		return stateReply(c.engine.StopAudio())
	case EventGetAudioData:
		enc, err := c.engine.GetAudioData()
		if err != nil {
			return nil, err
		}
		return AudioDataReply{
			AudioData:   enc.AudioData,
			ContentType: enc.ContentType,
			Duration:    enc.Duration.Seconds(),
		}, nil
	default:
		return nil, bridge.ErrUnknownEvent
	}
}

func stateReply(state State, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return StateReply{State: state.String()}, nil
}

func (c *Component) notify(event string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := c.router.Notify(ctx, ComponentName, event, payload); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("audio notification not delivered")
	}
}
