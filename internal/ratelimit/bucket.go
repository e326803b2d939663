package ratelimit

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Bucket admits perSecond events on average with bursts of up to burst
// events. It tracks the time at which the bucket would be full again instead
// of a token count, so refills need no arithmetic on elapsed time.
type Bucket struct {
	clock    Clock
	interval time.Duration // cost of one event
	window   time.Duration // interval * burst

	mu     sync.Mutex
	fullAt time.Time
}

// NewBucket starts full. perSecond must be > 0; burst < 1 is treated as 1.
func NewBucket(clock Clock, perSecond, burst int64) *Bucket {
	if clock == nil {
		clock = RealClock{}
	}
	if perSecond < 1 {
		perSecond = 1
	}
	if burst < 1 {
		burst = 1
	}
	interval := time.Second / time.Duration(perSecond)
	if interval <= 0 {
		interval = time.Nanosecond
	}
	return &Bucket{
		clock:    clock,
		interval: interval,
		window:   interval * time.Duration(burst),
		fullAt:   clock.Now(),
	}
}

func (b *Bucket) Allow() bool {
	return b.AllowN(1)
}

// AllowN takes n events at once or none of them. n <= 0 always succeeds.
func (b *Bucket) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := b.interval * time.Duration(n)
	if cost > b.window {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	fullAt := b.fullAt
	if fullAt.Before(now) {
		fullAt = now
	}
	next := fullAt.Add(cost)
	if next.Sub(now) > b.window {
		return false
	}
	b.fullAt = next
	return true
}
