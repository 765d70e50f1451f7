// Package ratelimit provides per-connection token bucket limiting.
package ratelimit

import (
	"sync"
	"time"
)

// Config sets the bucket size and the number of denials tolerated before a
// key is reported as exceeded.
type Config struct {
	MaxPerMinute       int
	ViolationThreshold int
}

func DefaultConfig() Config {
	return Config{
		MaxPerMinute:       120,
		ViolationThreshold: 3,
	}
}

// Bucket is a token bucket refilled lazily from elapsed wall-clock time.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	violations int
	now        func() time.Time
}

func NewBucket(cfg Config, now func() time.Time) *Bucket {
	capacity := float64(cfg.MaxPerMinute)
	return &Bucket{
		tokens:     capacity,
		maxTokens:  capacity,
		refillRate: capacity / 60,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available. A denial counts as a violation.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}

	b.violations++
	return false
}

func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
}

func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

func (b *Bucket) Violations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.violations
}

// Limiter keeps one bucket per key. Keys must be registered with Add; an
// unknown key is always denied. It only reports state; callers decide what to
// do with a key that has exceeded its violation threshold.
type Limiter struct {
	mu      sync.RWMutex
	cfg     Config
	buckets map[string]*Bucket
	now     func() time.Time
}

func NewLimiter(cfg Config) *Limiter {
	return newLimiterWithClock(cfg, time.Now)
}

func newLimiterWithClock(cfg Config, now func() time.Time) *Limiter {
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*Bucket),
		now:     now,
	}
}

// Add registers a full bucket for key. Adding an existing key keeps its bucket.
func (l *Limiter) Add(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.buckets[key]; !ok {
		l.buckets[key] = NewBucket(l.cfg, l.now)
	}
}

// Allow takes a token from key's bucket. It never creates a bucket, so a key
// removed concurrently stays removed.
func (l *Limiter) Allow(key string) bool {
	b, ok := l.bucket(key)
	if !ok {
		return false
	}

	return b.Allow()
}

// Known reports whether key has a bucket.
func (l *Limiter) Known(key string) bool {
	_, ok := l.bucket(key)
	return ok
}

func (l *Limiter) Violations(key string) int {
	b, ok := l.bucket(key)
	if !ok {
		return 0
	}

	return b.Violations()
}

// Exceeded reports whether key has been denied at least ViolationThreshold times.
func (l *Limiter) Exceeded(key string) bool {
	if l.cfg.ViolationThreshold <= 0 {
		return false
	}

	return l.Violations(key) >= l.cfg.ViolationThreshold
}

func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

func (l *Limiter) bucket(key string) (*Bucket, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.buckets[key]
	return b, ok
}
