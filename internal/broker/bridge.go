package broker

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-realtime/internal/events"
	"github.com/rs/zerolog"
)

var ErrListenerClosed = errors.New("listener notification channel closed")

// Sink accepts decoded events without blocking.
type Sink interface {
	Submit(ev events.Event) bool
}

// Bridge moves notifications from the listener's goroutine into the sink.
// Decoding happens here so the dispatch loop only sees valid events.
type Bridge struct {
	log          zerolog.Logger
	l            Listener
	sink         Sink
	pingInterval time.Duration
}

func NewBridge(logger zerolog.Logger, l Listener, sink Sink, pingInterval time.Duration) *Bridge {
	if pingInterval <= 0 {
		pingInterval = DefaultConfig().PingInterval
	}

	return &Bridge{
		log:          logger,
		l:            l,
		sink:         sink,
		pingInterval: pingInterval,
	}
}

// Run consumes notifications until ctx is done or the listener is closed.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("bridge stopping")
			return b.l.Close()
		case n, ok := <-b.l.NotificationChannel():
			if !ok {
				return ErrListenerClosed
			}
			// nil is sent after a reconnect; notifications may have been missed
			if n == nil {
				b.log.Warn().Msg("listener reconnected, notifications may have been lost")
				continue
			}
			b.handle(n)
		case <-ticker.C:
			if err := b.l.Ping(); err != nil {
				b.log.Warn().Err(err).Msg("listener ping failed")
			}
		}
	}
}

func (b *Bridge) handle(n *pq.Notification) {
	ev, err := events.Decode([]byte(n.Extra))
	if err != nil {
		b.log.Warn().Err(err).Str("channel", n.Channel).Msg("discarding bus message")
		return
	}

	if !b.sink.Submit(ev) {
		b.log.Warn().Str("event_type", string(ev.Type)).Msg("event dropped by router")
		return
	}

	b.log.Debug().Str("event_type", string(ev.Type)).Int("pid", n.BePid).Msg("event received")
}
