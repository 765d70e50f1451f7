// Package queue buffers frames for users without a live connection.
package queue

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/npezzotti/go-realtime/internal/events"
)

const defaultShards = 32

type Config struct {
	MaxSize   int
	Retention time.Duration
	Shards    int
}

func DefaultConfig() Config {
	return Config{
		MaxSize:   100,
		Retention: 24 * time.Hour,
		Shards:    defaultShards,
	}
}

// QueuedMessage is a rendered frame waiting for its user to come back online.
// The frame keeps its message id so a replay can be recognized by the client.
type QueuedMessage struct {
	Frame      *events.Frame
	EnqueuedAt time.Time
}

// Queue is a per-user FIFO bounded by size and age. Users are spread over
// shards so unrelated users do not contend on one lock.
type Queue struct {
	cfg    Config
	shards []*shard
	now    func() time.Time
}

type shard struct {
	mu    sync.Mutex
	users map[string][]QueuedMessage
}

func New(cfg Config) *Queue {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) *Queue {
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}

	q := &Queue{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
		now:    now,
	}
	for i := range q.shards {
		q.shards[i] = &shard{users: make(map[string][]QueuedMessage)}
	}

	return q
}

func (q *Queue) shardFor(userId string) *shard {
	return q.shards[xxhash.Sum64String(userId)%uint64(len(q.shards))]
}

// Enqueue appends f to the user's queue and trims it. It returns the number
// of entries dropped by the trim.
func (q *Queue) Enqueue(userId string, f *events.Frame) int {
	s := q.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.users[userId], QueuedMessage{Frame: f, EnqueuedAt: q.now()})
	msgs, dropped := q.trim(msgs)
	s.users[userId] = msgs
	return dropped
}

// DrainAndClear atomically returns the user's queued messages in enqueue
// order and empties the queue.
func (q *Queue) DrainAndClear(userId string) []QueuedMessage {
	s := q.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, _ := q.trim(s.users[userId])
	delete(s.users, userId)
	return msgs
}

// Restore puts undelivered messages back at the head of the user's queue.
func (q *Queue) Restore(userId string, msgs []QueuedMessage) {
	if len(msgs) == 0 {
		return
	}

	s := q.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := make([]QueuedMessage, 0, len(msgs)+len(s.users[userId]))
	restored = append(restored, msgs...)
	restored = append(restored, s.users[userId]...)
	restored, _ = q.trim(restored)
	if len(restored) > 0 {
		s.users[userId] = restored
	}
}

func (q *Queue) Len(userId string) int {
	s := q.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users[userId])
}

func (q *Queue) Total() int {
	total := 0
	for _, s := range q.shards {
		s.mu.Lock()
		for _, msgs := range s.users {
			total += len(msgs)
		}
		s.mu.Unlock()
	}

	return total
}

// Sweep drops expired entries across all users and returns how many were removed.
func (q *Queue) Sweep() int {
	removed := 0
	for _, s := range q.shards {
		s.mu.Lock()
		for userId, msgs := range s.users {
			kept, dropped := q.trim(msgs)
			removed += dropped
			if len(kept) == 0 {
				delete(s.users, userId)
				continue
			}
			s.users[userId] = kept
		}
		s.mu.Unlock()
	}

	return removed
}

// trim removes entries older than the retention window, then the oldest
// entries beyond MaxSize.
func (q *Queue) trim(msgs []QueuedMessage) ([]QueuedMessage, int) {
	before := len(msgs)

	if q.cfg.Retention > 0 {
		cutoff := q.now().Add(-q.cfg.Retention)
		i := 0
		for i < len(msgs) && msgs[i].EnqueuedAt.Before(cutoff) {
			i++
		}
		msgs = msgs[i:]
	}

	if q.cfg.MaxSize > 0 && len(msgs) > q.cfg.MaxSize {
		msgs = msgs[len(msgs)-q.cfg.MaxSize:]
	}

	return msgs, before - len(msgs)
}
