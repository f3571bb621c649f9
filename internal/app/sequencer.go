package app

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	sequencerStripes = 64
	// tick is the store's timestamp precision.
	tick = time.Microsecond
)

// sequencer serializes message mutations per channel inside one process, so the
// order events are published in matches the order rows were written. Channels
// are hashed onto a fixed set of stripes; unrelated channels rarely contend.
//
// Each stripe also hands out strictly increasing timestamps. A watermark taken
// with observe is therefore never equal to the created_at of a later message.
type sequencer struct {
	stripes [sequencerStripes]sequencerStripe
}

type sequencerStripe struct {
	mu   sync.Mutex
	last time.Time
}

func (q *sequencer) stripe(channelID string) *sequencerStripe {
	return &q.stripes[xxhash.Sum64String(channelID)%sequencerStripes]
}

// run calls fn holding the channel's stripe with the next timestamp.
func (q *sequencer) run(channelID string, now time.Time, fn func(at time.Time) error) error {
	st := q.stripe(channelID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !now.After(st.last) {
		now = st.last.Add(tick)
	}
	st.last = now
	return fn(now)
}

// observe returns a timestamp at or after everything handed out on the stripe.
func (q *sequencer) observe(channelID string, now time.Time) time.Time {
	st := q.stripe(channelID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if now.Before(st.last) {
		now = st.last
	}
	st.last = now
	return now
}
