package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-realtime/internal/events"
	"github.com/stretchr/testify/assert"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func frame(id string) *events.Frame {
	return &events.Frame{Type: events.FrameJobUpdate, MessageId: id}
}

func ids(msgs []QueuedMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Frame.MessageId)
	}
	return out
}

func newTestQueue(maxSize int, retention time.Duration) (*Queue, *testClock) {
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newWithClock(Config{MaxSize: maxSize, Retention: retention, Shards: 4}, clock.Now), clock
}

func TestEnqueueAndDrain(t *testing.T) {
	q, _ := newTestQueue(10, time.Hour)

	q.Enqueue("U2", frame("1"))
	q.Enqueue("U2", frame("2"))
	q.Enqueue("U2", frame("3"))
	q.Enqueue("other", frame("x"))

	assert.Equal(t, 3, q.Len("U2"))
	assert.Equal(t, 4, q.Total())

	drained := q.DrainAndClear("U2")
	assert.Equal(t, []string{"1", "2", "3"}, ids(drained), "expected enqueue order")
	assert.Equal(t, 0, q.Len("U2"), "expected queue to be empty after drain")
	assert.Empty(t, q.DrainAndClear("U2"), "expected second drain to return nothing")
	assert.Equal(t, 1, q.Total())
}

func TestEnqueueTrimsToMaxSize(t *testing.T) {
	q, _ := newTestQueue(3, time.Hour)

	var dropped int
	for i := 1; i <= 5; i++ {
		dropped += q.Enqueue("U1", frame(fmt.Sprint(i)))
	}

	assert.Equal(t, 2, dropped)
	assert.Equal(t, []string{"3", "4", "5"}, ids(q.DrainAndClear("U1")), "expected oldest entries to be dropped first")
}

func TestEnqueueTrimsExpired(t *testing.T) {
	q, clock := newTestQueue(10, time.Hour)

	q.Enqueue("U1", frame("old"))
	clock.Advance(2 * time.Hour)
	dropped := q.Enqueue("U1", frame("new"))

	assert.Equal(t, 1, dropped, "expected expired entry to be trimmed on append")
	assert.Equal(t, []string{"new"}, ids(q.DrainAndClear("U1")))
}

func TestDrainSkipsExpired(t *testing.T) {
	q, clock := newTestQueue(10, time.Hour)

	q.Enqueue("U1", frame("old"))
	clock.Advance(61 * time.Minute)

	assert.Empty(t, q.DrainAndClear("U1"), "expected expired entries never to be replayed")
}

func TestSweep(t *testing.T) {
	q, clock := newTestQueue(10, time.Hour)

	q.Enqueue("a", frame("a1"))
	q.Enqueue("b", frame("b1"))
	clock.Advance(30 * time.Minute)
	q.Enqueue("b", frame("b2"))
	clock.Advance(31 * time.Minute)

	removed := q.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, q.Len("a"))
	assert.Equal(t, []string{"b2"}, ids(q.DrainAndClear("b")))
	assert.Equal(t, 0, q.Total())
}

func TestRestore(t *testing.T) {
	q, _ := newTestQueue(10, time.Hour)

	q.Enqueue("U1", frame("1"))
	q.Enqueue("U1", frame("2"))
	drained := q.DrainAndClear("U1")

	q.Enqueue("U1", frame("3"))
	q.Restore("U1", drained[1:])

	assert.Equal(t, []string{"2", "3"}, ids(q.DrainAndClear("U1")), "expected restored entries ahead of newer ones")

	q.Restore("U1", nil)
	assert.Equal(t, 0, q.Len("U1"))
}

func TestQueueBoundUnderLoad(t *testing.T) {
	q, _ := newTestQueue(50, time.Hour)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Enqueue("U1", frame(fmt.Sprintf("%d-%d", w, i)))
				assert.LessOrEqual(t, q.Len("U1"), 50)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 50, q.Len("U1"))
}
