// Package polling re-derives a user's update stream from the system of record
// while they have no usable live connection.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/go-realtime/internal/database"
	"github.com/npezzotti/go-realtime/internal/events"
	"github.com/rs/zerolog"
)

var (
	ErrUnsupportedKind = errors.New("unsupported poll kind")
	ErrShuttingDown    = errors.New("polling service is shutting down")
)

// Source is the system of record; database.Repository satisfies it.
type Source interface {
	FetchUpdates(ctx context.Context, kind events.Category, userId string, afterId int64, limit int) ([]database.UpdateRecord, error)
	LatestUpdateId(ctx context.Context, kind events.Category, userId string) (int64, error)
}

// Callback receives each non-empty batch of recovered events, oldest first.
type Callback = func([]events.Event)

type Config struct {
	Intervals map[events.Category]time.Duration
	MaxAge    time.Duration
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Intervals: map[events.Category]time.Duration{
			events.CategoryInterview:   5 * time.Second,
			events.CategoryApplication: 30 * time.Second,
			events.CategoryJob:         time.Minute,
			events.CategorySystem:      5 * time.Minute,
		},
		MaxAge:    24 * time.Hour,
		BatchSize: 100,
	}
}

type session struct {
	id        string
	userId    string
	kind      events.Category
	interval  time.Duration
	startedAt time.Time
	watermark atomic.Int64
	cb        Callback
	cancel    context.CancelFunc
}

// Service runs one goroutine per polling session. At most one session is
// active per user and kind.
type Service struct {
	log   zerolog.Logger
	src   Source
	marks Watermarks
	cfg   Config

	mu         sync.Mutex
	sessions   map[string]*session
	byUserKind map[string]*session
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewService creates a polling service. marks may be nil, in which case every
// session starts from the source's latest record.
func NewService(logger zerolog.Logger, src Source, marks Watermarks, cfg Config) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		log:        logger,
		src:        src,
		marks:      marks,
		cfg:        cfg,
		sessions:   make(map[string]*session),
		byUserKind: make(map[string]*session),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
}

func userKindKey(userId string, kind events.Category) string {
	return string(kind) + ":" + userId
}

// StartPolling starts a session for the user and kind and returns its id. If
// one is already running its id is returned instead. The starting watermark
// is loaded by the session itself, so the caller never waits on the source.
func (s *Service) StartPolling(userId string, kind events.Category, cb Callback) (string, error) {
	interval, ok := s.cfg.Intervals[kind]
	if !ok || interval <= 0 {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}

	key := userKindKey(userId, kind)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrShuttingDown
	}
	if existing, ok := s.byUserKind[key]; ok {
		return existing.id, nil
	}

	now := s.now()
	ctx, cancel := context.WithCancel(s.ctx)
	sess := &session{
		id:        fmt.Sprintf("poll_%s_%s_%d", userId, kind, now.Unix()),
		userId:    userId,
		kind:      kind,
		interval:  interval,
		startedAt: now,
		cb:        cb,
		cancel:    cancel,
	}
	s.sessions[sess.id] = sess
	s.byUserKind[key] = sess

	s.wg.Add(1)
	go s.run(ctx, sess)

	s.log.Info().
		Str("session_id", sess.id).
		Str("user_id", userId).
		Str("kind", string(kind)).
		Msg("started polling")

	return sess.id, nil
}

func (s *Service) initialWatermark(ctx context.Context, userId string, kind events.Category) (int64, error) {
	if s.marks != nil {
		id, ok, err := s.marks.Get(userId, kind)
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", userId).Msg("watermark lookup failed")
		} else if ok {
			return id, nil
		}
	}

	id, err := s.src.LatestUpdateId(ctx, kind, userId)
	if err != nil {
		return 0, fmt.Errorf("load %s watermark: %w", kind, err)
	}

	return id, nil
}

// StopPolling ends a session. It reports whether the session was running.
func (s *Service) StopPolling(sessionId string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[sessionId]
	if ok {
		s.removeLocked(sess)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	sess.cancel()
	s.log.Info().Str("session_id", sessionId).Msg("stopped polling")
	return true
}

// StopUser ends every session belonging to the user and returns how many ran.
func (s *Service) StopUser(userId string) int {
	s.mu.Lock()
	var stopped []*session
	for _, sess := range s.sessions {
		if sess.userId == userId {
			s.removeLocked(sess)
			stopped = append(stopped, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range stopped {
		sess.cancel()
		s.log.Info().Str("session_id", sess.id).Msg("stopped polling")
	}

	return len(stopped)
}

func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// removeLocked requires s.mu to be held.
func (s *Service) removeLocked(sess *session) {
	if s.sessions[sess.id] != sess {
		return
	}

	delete(s.sessions, sess.id)
	delete(s.byUserKind, userKindKey(sess.userId, sess.kind))
}

func (s *Service) run(ctx context.Context, sess *session) {
	log := s.log.With().Str("session_id", sess.id).Logger()

	defer func() {
		s.mu.Lock()
		s.removeLocked(sess)
		s.mu.Unlock()
		sess.cancel()
		log.Debug().Msg("poll loop exiting")
		s.wg.Done()
	}()

	watermark, err := s.initialWatermark(ctx, sess.userId, sess.kind)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("cannot start polling")
		}
		return
	}
	sess.watermark.Store(watermark)
	log.Debug().Int64("watermark", watermark).Msg("polling from watermark")

	ticker := time.NewTicker(sess.interval)
	defer ticker.Stop()

	for {
		s.tick(ctx, sess, log)

		if s.cfg.MaxAge > 0 && s.now().Sub(sess.startedAt) >= s.cfg.MaxAge {
			log.Info().Msg("polling session reached max age")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) tick(ctx context.Context, sess *session, log zerolog.Logger) {
	if ctx.Err() != nil {
		return
	}

	after := sess.watermark.Load()
	recs, err := s.src.FetchUpdates(ctx, sess.kind, sess.userId, after, s.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("fetch updates")
		}
		return
	}

	evs, last := Collect(sess.kind, sess.userId, after, recs)

	if len(evs) > 0 && ctx.Err() == nil {
		sess.cb(evs)
		log.Debug().Int("events", len(evs)).Int64("watermark", last).Msg("delivered polled updates")
	}

	if last == after {
		return
	}

	sess.watermark.Store(last)
	if s.marks != nil {
		if err := s.marks.Set(sess.userId, sess.kind, last); err != nil {
			log.Warn().Err(err).Msg("persist watermark")
		}
	}
}

// Shutdown stops every session and waits for their loops to exit.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
