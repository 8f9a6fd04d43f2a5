package audio

import (
	"sync"

	"github.com/ent0n29/voicetalk/internal/observability"
)

// SessionKind names what a hardware lease is used for.
type SessionKind string

const (
	SessionRecord   SessionKind = "record"
	SessionPlayback SessionKind = "playback"
)

// Hardware is the process-wide recorder/player. At most one Lease is active;
// acquiring a new one preempts the current holder before returning.
type Hardware struct {
	acquireMu sync.Mutex

	mu       sync.Mutex
	holder   *Lease
	acquired int
	released int

	metrics *observability.Metrics
}

func NewHardware(metrics *observability.Metrics) *Hardware {
	return &Hardware{metrics: metrics}
}

// Lease is one exclusive hold on the Hardware.
type Lease struct {
	hw        *Hardware
	kind      SessionKind
	onPreempt func(*Lease)
	once      sync.Once
}

// Acquire takes the hardware for kind. If another lease is active its
// onPreempt callback runs, and its hold is released, before Acquire returns.
// Callers must not hold locks that onPreempt of another owner may need.
func (h *Hardware) Acquire(kind SessionKind, onPreempt func(*Lease)) *Lease {
	h.acquireMu.Lock()
	defer h.acquireMu.Unlock()

	h.mu.Lock()
	prev := h.holder
	h.mu.Unlock()
	if prev != nil {
		if prev.onPreempt != nil {
			prev.onPreempt(prev)
		}
		prev.release("preempt")
	}

	l := &Lease{hw: h, kind: kind, onPreempt: onPreempt}
	h.mu.Lock()
	h.holder = l
	h.acquired++
	h.mu.Unlock()
	h.observe(kind, "acquire")
	return l
}

// Release gives the hardware back. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.release("release")
}

func (l *Lease) release(action string) {
	l.once.Do(func() {
		h := l.hw
		h.mu.Lock()
		if h.holder == l {
			h.holder = nil
		}
		h.released++
		h.mu.Unlock()
		h.observe(l.kind, action)
	})
}

// Active reports whether l still holds the hardware.
func (l *Lease) Active() bool {
	if l == nil {
		return false
	}
	l.hw.mu.Lock()
	defer l.hw.mu.Unlock()
	return l.hw.holder == l
}

func (l *Lease) Kind() SessionKind { return l.kind }

// HardwareStats counts lease lifecycle events since construction.
type HardwareStats struct {
	Held     bool
	Acquired int
	Released int
}

func (h *Hardware) Stats() HardwareStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HardwareStats{Held: h.holder != nil, Acquired: h.acquired, Released: h.released}
}

func (h *Hardware) observe(kind SessionKind, action string) {
	if h.metrics == nil {
		return
	}
	h.metrics.HardwareSessions.WithLabelValues(string(kind), action).Inc()
}
