package ratelimit

import (
	"container/list"
	"sync"
)

const defaultMaxKeys = 4096

// KeyedLimiter keeps one Bucket per key, for example one per meeting
// participant. Buckets are evicted least-recently-used once MaxKeys is
// reached; an evicted key starts again with a full bucket.
type KeyedLimiter struct {
	clock    Clock
	rate     int64
	burst    int64
	maxKeys  int
	onEvict  func(key string)
	disabled bool

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	order   *list.List
}

type keyedEntry struct {
	bucket *Bucket
	elem   *list.Element
}

type KeyedLimiterConfig struct {
	Clock Clock
	// PerSecond <= 0 disables limiting.
	PerSecond int64
	// Burst defaults to PerSecond.
	Burst   int64
	MaxKeys int
	// OnEvict runs outside the limiter's lock.
	OnEvict func(key string)
}

func NewKeyedLimiter(cfg KeyedLimiterConfig) *KeyedLimiter {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.PerSecond
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = defaultMaxKeys
	}
	return &KeyedLimiter{
		clock:    cfg.Clock,
		rate:     cfg.PerSecond,
		burst:    cfg.Burst,
		maxKeys:  cfg.MaxKeys,
		onEvict:  cfg.OnEvict,
		disabled: cfg.PerSecond <= 0,
		buckets:  make(map[string]*keyedEntry),
		order:    list.New(),
	}
}

// Allow takes one event from key's bucket.
func (l *KeyedLimiter) Allow(key string) bool {
	if l.disabled {
		return true
	}
	return l.bucket(key).Allow()
}

// Forget drops key's bucket, e.g. when a participant leaves.
func (l *KeyedLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.buckets[key]; ok {
		l.order.Remove(entry.elem)
		delete(l.buckets, key)
	}
}

func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedLimiter) bucket(key string) *Bucket {
	var evicted string

	l.mu.Lock()
	if entry, ok := l.buckets[key]; ok {
		l.order.MoveToFront(entry.elem)
		l.mu.Unlock()
		return entry.bucket
	}

	if len(l.buckets) >= l.maxKeys {
		if elem := l.order.Back(); elem != nil {
			evicted = elem.Value.(string)
			l.order.Remove(elem)
			delete(l.buckets, evicted)
		}
	}

	b := NewBucket(l.clock, l.rate, l.burst)
	l.buckets[key] = &keyedEntry{bucket: b, elem: l.order.PushFront(key)}
	l.mu.Unlock()

	if evicted != "" && l.onEvict != nil {
		l.onEvict(evicted)
	}
	return b
}
