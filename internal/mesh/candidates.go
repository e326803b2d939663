package mesh

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateBuffer holds remote ICE candidates that arrived before the remote
// description was set. Candidates are applied in arrival order, each at most
// once.
type candidateBuffer struct {
	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	discarded bool
}

// enqueue reports false if the buffer was discarded.
func (b *candidateBuffer) enqueue(c webrtc.ICECandidateInit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.discarded {
		return false
	}
	b.pending = append(b.pending, c)
	return true
}

// drainInto empties the buffer and passes every candidate to apply in FIFO
// order. A failing candidate does not stop the rest. Returns how many
// candidates were handed to apply.
func (b *candidateBuffer) drainInto(apply func(webrtc.ICECandidateInit) error) (int, error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	var errs []error
	for i, c := range pending {
		if err := apply(c); err != nil {
			errs = append(errs, fmt.Errorf("buffered candidate %d: %w", i, err))
		}
	}
	return len(pending), errors.Join(errs...)
}

func (b *candidateBuffer) discard() {
	b.mu.Lock()
	b.pending = nil
	b.discarded = true
	b.mu.Unlock()
}

func (b *candidateBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
