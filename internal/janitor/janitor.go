// Package janitor runs the periodic sweeps that keep in-memory state bounded.
package janitor

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SweepFunc removes stale entries and reports how many it removed.
type SweepFunc func() (int, error)

type Janitor struct {
	log  zerolog.Logger
	cron *cron.Cron
}

func New(logger zerolog.Logger) *Janitor {
	l := cronLogger{log: logger}
	return &Janitor{
		log: logger,
		cron: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
	}
}

// Add schedules fn under a cron spec such as "@every 5m".
func (j *Janitor) Add(name, spec string, fn SweepFunc) error {
	_, err := j.cron.AddFunc(spec, func() {
		removed, err := fn()
		if err != nil {
			j.log.Error().Err(err).Str("job", name).Msg("sweep failed")
			return
		}
		if removed > 0 {
			j.log.Info().Str("job", name).Int("removed", removed).Msg("sweep complete")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	return nil
}

// Count adapts a sweep that cannot fail.
func Count(fn func() int) SweepFunc {
	return func() (int, error) {
		return fn(), nil
	}
}

func (j *Janitor) Start() {
	j.cron.Start()
	j.log.Info().Int("jobs", len(j.cron.Entries())).Msg("janitor started")
}

// Stop prevents new runs and waits for running sweeps until ctx is done.
func (j *Janitor) Stop(ctx context.Context) error {
	select {
	case <-j.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
