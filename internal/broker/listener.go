// Package broker carries events between processes over Postgres LISTEN/NOTIFY.
package broker

import (
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

type Config struct {
	Channel      string
	MinReconnect time.Duration
	MaxReconnect time.Duration
	PingInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Channel:      "events",
		MinReconnect: 10 * time.Second,
		MaxReconnect: time.Minute,
		PingInterval: 90 * time.Second,
	}
}

// Listener is the subset of *pq.Listener the bridge consumes.
type Listener interface {
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// NewListener opens a reconnecting listener subscribed to cfg.Channel.
func NewListener(dsn string, cfg Config, logger zerolog.Logger) (*pq.Listener, error) {
	l := pq.NewListener(dsn, cfg.MinReconnect, cfg.MaxReconnect, listenerEvents(logger))

	if err := l.Listen(cfg.Channel); err != nil {
		l.Close()
		return nil, fmt.Errorf("listen on %q: %w", cfg.Channel, err)
	}

	logger.Info().Str("channel", cfg.Channel).Msg("listening for events")
	return l, nil
}

func listenerEvents(logger zerolog.Logger) pq.EventCallbackType {
	return func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			logger.Debug().Msg("listener connected")
		case pq.ListenerEventDisconnected:
			logger.Warn().Err(err).Msg("listener disconnected")
		case pq.ListenerEventReconnected:
			logger.Info().Msg("listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Error().Err(err).Msg("listener connection attempt failed")
		}
	}
}
