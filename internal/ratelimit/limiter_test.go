package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestBucketAllow(t *testing.T) {
	clock := newFakeClock()
	b := NewBucket(Config{MaxPerMinute: 120, ViolationThreshold: 3}, clock.Now)

	for i := 0; i < 120; i++ {
		assert.True(t, b.Allow(), "expected request %d to be allowed", i)
	}
	assert.False(t, b.Allow(), "expected request beyond capacity to be denied")
	assert.Equal(t, 1, b.Violations())

	clock.Advance(time.Second)
	assert.True(t, b.Allow(), "expected refill of two tokens after one second")
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())
	assert.Equal(t, 2, b.Violations())
}

func TestBucketCapsAtMax(t *testing.T) {
	clock := newFakeClock()
	b := NewBucket(Config{MaxPerMinute: 60}, clock.Now)

	clock.Advance(time.Hour)
	assert.InDelta(t, 60.0, b.Tokens(), 0.0001, "expected tokens to be capped at capacity")
}

func TestLimiterWindowBound(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{MaxPerMinute: 120, ViolationThreshold: 3}
	l := newLimiterWithClock(cfg, clock.Now)
	l.Add("conn")

	allowed := 0
	// one attempt every 50ms for a minute, well above the configured rate
	for i := 0; i < 1200; i++ {
		if l.Allow("conn") {
			allowed++
		}
		clock.Advance(50 * time.Millisecond)
	}

	assert.LessOrEqual(t, allowed, 2*cfg.MaxPerMinute, "allowed sends must not exceed capacity plus initial burst")
	assert.GreaterOrEqual(t, allowed, cfg.MaxPerMinute, "expected at least the initial burst to be allowed")
}

func TestLimiterExceeded(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterWithClock(Config{MaxPerMinute: 1, ViolationThreshold: 3}, clock.Now)
	l.Add("a")

	assert.True(t, l.Allow("a"))
	for i := 0; i < 2; i++ {
		assert.False(t, l.Allow("a"))
		assert.False(t, l.Exceeded("a"), "expected threshold not reached after %d violations", i+1)
	}

	assert.False(t, l.Allow("a"))
	assert.True(t, l.Exceeded("a"), "expected threshold reached after three violations")
	assert.False(t, l.Exceeded("b"), "expected untouched key not to be exceeded")
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterWithClock(Config{MaxPerMinute: 1}, clock.Now)
	l.Add("a")
	l.Add("b")

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	l.Add("a")
	assert.False(t, l.Allow("a"), "expected Add to keep an existing bucket")
	assert.True(t, l.Allow("b"), "expected separate bucket per key")
	assert.Equal(t, 2, l.Len())

	l.Remove("a")
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 0, l.Violations("a"), "expected removed key to have no violations")
	l.Add("a")
	assert.True(t, l.Allow("a"), "expected fresh bucket after removal")
}

func TestLimiterUnknownKey(t *testing.T) {
	l := NewLimiter(Config{MaxPerMinute: 10, ViolationThreshold: 1})

	assert.False(t, l.Allow("gone"), "expected unknown key to be denied")
	assert.False(t, l.Known("gone"))
	assert.False(t, l.Exceeded("gone"), "expected denial of an unknown key not to count as a violation")
	assert.Equal(t, 0, l.Len(), "expected Allow not to create a bucket")

	l.Add("gone")
	assert.True(t, l.Known("gone"))
	l.Remove("gone")
	assert.False(t, l.Allow("gone"))
	assert.Equal(t, 0, l.Len())
}

func TestLimiterConcurrentAllow(t *testing.T) {
	l := NewLimiter(Config{MaxPerMinute: 100})
	l.Add("shared")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if l.Allow("shared") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, allowed, 101, "expected concurrent callers to share one bucket")
}
