package realtime

import (
	"sort"
	"sync"
	"time"
)

const (
	relayHoldTimeout = time.Second
	sequenceIdleTTL  = 30 * time.Minute
	sequenceSweepN   = 256
)

// sequencer releases message frames for each conversation in seq order.
// Instances publish independently, so a frame can reach the relay ahead of
// its predecessor; it is held until the gap fills or hold passes, and then
// the held frames go out in order. A conversation this hub has not tracked
// yet starts with an unknown position, so its first frame past seq 1 waits
// out the hold as well.
type sequencer struct {
	hold    time.Duration
	deliver func(conversationID string, payload []byte)
	observe func(status string)
	now     func() time.Time

	mu     sync.Mutex
	convs  map[string]*seqState
	pushes int
}

type seqState struct {
	last    int
	pending map[int][]byte
	timer   *time.Timer
	seen    time.Time
}

func newSequencer(hold time.Duration, deliver func(string, []byte), observe func(string)) *sequencer {
	return &sequencer{
		hold:    hold,
		deliver: deliver,
		observe: observe,
		now:     time.Now,
		convs:   make(map[string]*seqState),
	}
}

func (q *sequencer) push(conversationID string, seq int, payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.sweepLocked(now)
	st, ok := q.convs[conversationID]
	if !ok {
		st = &seqState{pending: make(map[int][]byte)}
		q.convs[conversationID] = st
	}
	st.seen = now

	switch {
	case st.last > 0 && seq <= st.last:
		// Its gap already timed out, or it is a redelivery. Late beats lost.
		q.observe("late")
		q.deliver(conversationID, payload)
	case seq == st.last+1:
		q.releaseLocked(conversationID, st, seq, payload)
	default:
		st.pending[seq] = payload
		q.observe("held")
		if st.timer == nil {
			st.timer = time.AfterFunc(q.hold, func() { q.expire(conversationID, st) })
		}
	}
}

func (q *sequencer) releaseLocked(conversationID string, st *seqState, seq int, payload []byte) {
	q.deliver(conversationID, payload)
	st.last = seq
	for {
		next, ok := st.pending[st.last+1]
		if !ok {
			break
		}
		delete(st.pending, st.last+1)
		st.last++
		q.deliver(conversationID, next)
	}
	if len(st.pending) == 0 && st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

// expire gives up on the gap and flushes whatever is held, lowest seq first.
func (q *sequencer) expire(conversationID string, st *seqState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.convs[conversationID] != st || st.timer == nil {
		return
	}
	st.timer = nil
	seqs := make([]int, 0, len(st.pending))
	for seq := range st.pending {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	for _, seq := range seqs {
		if seq > st.last {
			st.last = seq
		}
		q.deliver(conversationID, st.pending[seq])
		delete(st.pending, seq)
	}
	if len(seqs) > 0 {
		q.observe("gap_skipped")
	}
}

func (q *sequencer) sweepLocked(now time.Time) {
	q.pushes++
	if q.pushes < sequenceSweepN {
		return
	}
	q.pushes = 0
	for id, st := range q.convs {
		if len(st.pending) == 0 && now.Sub(st.seen) > sequenceIdleTTL {
			delete(q.convs, id)
		}
	}
}

func (q *sequencer) tracked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.convs)
}
