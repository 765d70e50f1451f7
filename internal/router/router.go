// Package router turns published events into frames and hands them to the
// connection manager from a single dispatch goroutine.
package router

import (
	"context"

	"github.com/npezzotti/go-realtime/internal/events"
	"github.com/npezzotti/go-realtime/internal/server"
	"github.com/npezzotti/go-realtime/internal/stats"
	"github.com/rs/zerolog"
)

// Deliverer is the part of the connection manager the router drives.
type Deliverer interface {
	SendToUser(userId string, f *events.Frame) server.SendResult
	Broadcast(f *events.Frame, exclude ...string) int
	BroadcastToRole(f *events.Frame, role string) int
}

type Config struct {
	// MirrorRole receives a copy of interview and application events sent to
	// a user, tagged with that user as candidate_id. Empty disables mirroring.
	MirrorRole string
	Buffer     int
}

func DefaultConfig() Config {
	return Config{
		MirrorRole: "recruiter",
		Buffer:     1024,
	}
}

type Router struct {
	log    zerolog.Logger
	d      Deliverer
	cfg    Config
	stats  stats.StatsProvider
	events chan events.Event
}

func New(logger zerolog.Logger, d Deliverer, cfg Config, su stats.StatsProvider) *Router {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}

	su.RegisterMetric(stats.EventsPublished)
	su.RegisterMetric(stats.EventsDropped)

	return &Router{
		log:    logger,
		d:      d,
		cfg:    cfg,
		stats:  su,
		events: make(chan events.Event, cfg.Buffer),
	}
}

// Publish is the entry point for producers. It never blocks: unknown event
// types and events arriving while the buffer is full are logged and dropped.
func (r *Router) Publish(eventType string, target events.Target, payload map[string]any) {
	t, err := events.ParseType(eventType)
	if err != nil {
		r.log.Warn().Err(err).Str("event_type", eventType).Msg("discarding event")
		r.stats.Incr(stats.EventsDropped)
		return
	}

	r.Submit(events.New(t, target, payload))
}

// Submit queues an already validated event for dispatch. It reports false if
// the event was dropped.
func (r *Router) Submit(ev events.Event) bool {
	select {
	case r.events <- ev:
		return true
	default:
		r.log.Warn().Str("event_type", string(ev.Type)).Msg("dispatch buffer full, dropping event")
		r.stats.Incr(stats.EventsDropped)
		return false
	}
}

// PublishEvents submits a batch, such as the records recovered by a poll tick.
func (r *Router) PublishEvents(evs []events.Event) {
	for _, ev := range evs {
		r.Submit(ev)
	}
}

// Run dispatches events until ctx is done, then drains what is already buffered.
func (r *Router) Run(ctx context.Context) {
	r.log.Info().Msg("event router started")

	for {
		select {
		case ev := <-r.events:
			r.dispatch(ev)
		case <-ctx.Done():
			r.drain()
			r.log.Info().Msg("event router stopped")
			return
		}
	}
}

func (r *Router) drain() {
	for {
		select {
		case ev := <-r.events:
			r.dispatch(ev)
		default:
			return
		}
	}
}

func (r *Router) dispatch(ev events.Event) {
	if !ev.Type.Valid() {
		r.log.Warn().Str("event_type", string(ev.Type)).Msg("discarding event with unknown type")
		r.stats.Incr(stats.EventsDropped)
		return
	}

	f := events.NewFrame(ev)
	log := r.log.With().
		Str("event_type", string(ev.Type)).
		Str("message_id", f.MessageId).
		Logger()

	switch {
	case ev.Target.Role != "":
		n := r.d.BroadcastToRole(f, ev.Target.Role)
		log.Debug().Str("role", ev.Target.Role).Int("delivered", n).Msg("routed to role")
	case ev.Target.UserId != "":
		res := r.d.SendToUser(ev.Target.UserId, f)
		log.Debug().Str("user_id", ev.Target.UserId).Stringer("result", res).Msg("routed to user")
		r.mirror(ev, f)
	default:
		n := r.d.Broadcast(f)
		log.Debug().Int("delivered", n).Msg("broadcast")
	}

	r.stats.Incr(stats.EventsPublished)
}

func (r *Router) mirror(ev events.Event, f *events.Frame) {
	if r.cfg.MirrorRole == "" {
		return
	}

	switch ev.Type.Category() {
	case events.CategoryInterview, events.CategoryApplication:
		r.d.BroadcastToRole(f.Mirror(ev.Target.UserId), r.cfg.MirrorRole)
	case events.CategoryJob, events.CategorySystem, events.CategoryConnection:
	}
}
