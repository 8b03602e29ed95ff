// Package humanize produces the randomized pacing that keeps bulk sends from
// looking machine-generated.
package humanize

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

type Helper struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New returns a Helper seeded from the runtime's random source.
func New() *Helper {
	return &Helper{rnd: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeeded returns a deterministic Helper.
func NewSeeded(seed uint64) *Helper {
	return &Helper{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Delay picks a uniformly random duration between minMs and maxMs
// milliseconds, inclusive. Swapped bounds are tolerated.
func (h *Helper) Delay(minMs, maxMs int) time.Duration {
	if minMs < 0 {
		minMs = 0
	}
	if maxMs < minMs {
		minMs, maxMs = maxMs, minMs
		if minMs < 0 {
			minMs = 0
		}
	}
	if maxMs == minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	h.mu.Lock()
	n := h.rnd.IntN(maxMs - minMs + 1)
	h.mu.Unlock()
	return time.Duration(minMs+n) * time.Millisecond
}

// Shuffle returns a shuffled copy of recipients.
func (h *Helper) Shuffle(recipients []*model.Recipient) []*model.Recipient {
	out := make([]*model.Recipient, len(recipients))
	copy(out, recipients)
	h.mu.Lock()
	h.rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	h.mu.Unlock()
	return out
}

// EstimateRemaining projects the time left to send count messages.
func (h *Helper) EstimateRemaining(count int, avgDelay time.Duration) time.Duration {
	if count <= 0 || avgDelay <= 0 {
		return 0
	}
	return time.Duration(count) * avgDelay
}
