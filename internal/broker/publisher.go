package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/go-realtime/internal/events"
)

// Postgres rejects NOTIFY payloads of 8000 bytes or more.
const maxPayloadSize = 8000

var ErrPayloadTooLarge = errors.New("event payload too large for notify")

// Notifier sends a payload on a channel; database.Repository implements it.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Publisher lets producers in other processes emit events onto the bus.
type Publisher struct {
	n       Notifier
	channel string
}

func NewPublisher(n Notifier, channel string) *Publisher {
	return &Publisher{n: n, channel: channel}
}

func (p *Publisher) Publish(ctx context.Context, eventType string, target events.Target, payload map[string]any) error {
	t, err := events.ParseType(eventType)
	if err != nil {
		return err
	}

	return p.PublishEvent(ctx, events.New(t, target, payload))
}

func (p *Publisher) PublishEvent(ctx context.Context, ev events.Event) error {
	raw, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if len(raw) >= maxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(raw))
	}

	if err := p.n.Notify(ctx, p.channel, string(raw)); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}

	return nil
}
