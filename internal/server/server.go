package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-realtime/internal/events"
	"github.com/npezzotti/go-realtime/internal/queue"
	"github.com/npezzotti/go-realtime/internal/ratelimit"
	"github.com/npezzotti/go-realtime/internal/stats"
	"github.com/npezzotti/go-realtime/internal/types"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidToken    = errors.New("invalid reconnect token")
	ErrSessionNotFound = errors.New("session not found")
	ErrShuttingDown    = errors.New("connection manager is shutting down")

	ErrConnectionNotFound = errors.New("connection not found")
)

// SendResult is the outcome of a single send attempt. Lower values are better.
type SendResult int

const (
	Delivered SendResult = iota
	Queued
	Dropped
)

func (r SendResult) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	default:
		return "dropped"
	}
}

// Poller starts fallback polling for users whose connection failed.
type Poller interface {
	StartPolling(userId string, kind events.Category, cb func([]events.Event)) (string, error)
	StopUser(userId string) int
	ActiveSessions() int
}

// InboundHandler receives user_message frames.
type InboundHandler func(connectionId, userId string, raw json.RawMessage)

type Config struct {
	HeartbeatInterval time.Duration
	HealthWindow      time.Duration
	ReconnectWindow   time.Duration
	RateLimit         ratelimit.Config
	TokenCost         int
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		HealthWindow:      60 * time.Second,
		ReconnectWindow:   24 * time.Hour,
		RateLimit:         ratelimit.DefaultConfig(),
		TokenCost:         10,
	}
}

// Manager owns every live connection and the indexes over them. All index
// mutations happen under mu; fan-out works on a snapshot taken under the read lock.
type Manager struct {
	log     zerolog.Logger
	cfg     Config
	queue   *queue.Queue
	poller  Poller
	stats   stats.StatsProvider
	tokens  *tokenStore
	limiter *ratelimit.Limiter

	mu       sync.RWMutex
	clients  map[string]*Client
	userMap  map[string]map[string]*Client
	roleMap  map[string]map[string]*Client
	sessions map[string]types.SessionState
	closed   bool

	handlerMu      sync.RWMutex
	pollHandler    func([]events.Event)
	inboundHandler InboundHandler

	wg  sync.WaitGroup
	now func() time.Time
}

// NewManager creates a connection manager. poller may be nil, in which case
// failed deliveries are only queued.
func NewManager(logger zerolog.Logger, cfg Config, q *queue.Queue, poller Poller, su stats.StatsProvider) *Manager {
	m := &Manager{
		log:      logger,
		cfg:      cfg,
		queue:    q,
		poller:   poller,
		stats:    su,
		tokens:   newTokenStore(cfg.TokenCost),
		limiter:  ratelimit.NewLimiter(cfg.RateLimit),
		clients:  make(map[string]*Client),
		userMap:  make(map[string]map[string]*Client),
		roleMap:  make(map[string]map[string]*Client),
		sessions: make(map[string]types.SessionState),
		now:      time.Now,
	}

	su.RegisterMetric(stats.ActiveConnections)
	su.RegisterMetric(stats.RateLimitedSends)
	su.RegisterMetric(stats.ForcedDisconnects)
	su.RegisterGaugeFunc(stats.QueuedMessages, func() float64 {
		return float64(q.Total())
	})
	if poller != nil {
		su.RegisterGaugeFunc(stats.PollingSessions, func() float64 {
			return float64(poller.ActiveSessions())
		})
	}

	return m
}

// SetPollHandler sets where events recovered by fallback polling are sent.
func (m *Manager) SetPollHandler(fn func([]events.Event)) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.pollHandler = fn
}

func (m *Manager) SetInboundHandler(fn InboundHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.inboundHandler = fn
}

// Connect registers a new connection, replays the user's queued messages in
// order and finally sends the welcome frame carrying a new reconnect token.
// The token replaces the user's previous one only once the welcome has been
// written. Frames sent to the connection meanwhile wait in its send buffer.
func (m *Manager) Connect(conn Transport, userId, role string) (string, error) {
	c, err := newClient(m, conn, userId, role)
	if err != nil {
		conn.Close()
		return "", err
	}

	var (
		token string
		hash  []byte
	)
	if userId != "" {
		token, hash, err = m.tokens.Generate()
		if err != nil {
			conn.Close()
			return "", err
		}
	}

	c.writeMu.Lock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.writeMu.Unlock()
		conn.Close()
		return "", ErrShuttingDown
	}
	m.limiter.Add(c.id)
	m.clients[c.id] = c
	addIndex(m.userMap, userId, c)
	addIndex(m.roleMap, role, c)
	var pending []queue.QueuedMessage
	if userId != "" {
		pending = m.queue.DrainAndClear(userId)
	}
	m.wg.Add(2)
	m.mu.Unlock()

	m.stats.Incr(stats.ActiveConnections)

	if userId != "" && m.poller != nil {
		if n := m.poller.StopUser(userId); n > 0 {
			c.log.Debug().Int("sessions", n).Msg("stopped fallback polling")
		}
	}

	for i, qm := range pending {
		if err := c.writeLocked(qm.Frame); err != nil {
			m.queue.Restore(userId, pending[i:])
			c.writeMu.Unlock()
			m.wg.Add(-2)
			m.Disconnect(c.id)
			return "", fmt.Errorf("replay queued messages: %w", err)
		}
	}

	err = c.writeLocked(ConnectionEstablished(c.id, token))
	c.writeMu.Unlock()
	if err != nil {
		m.wg.Add(-2)
		m.Disconnect(c.id)
		return "", fmt.Errorf("send welcome: %w", err)
	}

	if hash != nil {
		m.tokens.Commit(userId, hash)
	}

	go c.Write(m.cfg.HeartbeatInterval)
	go c.Read()

	c.log.Info().Str("role", role).Int("replayed", len(pending)).Msg("connection established")
	return c.id, nil
}

// Disconnect removes the connection from every index and closes it. It is idempotent.
func (m *Manager) Disconnect(connectionId string) {
	m.teardown(connectionId, nil)
}

// teardown removes the connection and closes it. failed holds frames whose
// write did not succeed; they and anything left in the send buffer are queued
// when the user has no other live connection. It reports whether this call
// removed the connection and the outcome for the unsent frames.
func (m *Manager) teardown(connectionId string, failed []*events.Frame) (bool, SendResult) {
	m.mu.Lock()
	c, ok := m.clients[connectionId]
	if !ok {
		m.mu.Unlock()
		return false, Dropped
	}

	delete(m.clients, connectionId)
	removeIndex(m.userMap, c.userId, connectionId)
	removeIndex(m.roleMap, c.role, connectionId)

	if c.userId != "" {
		last := c.lastSent.Load()
		if len(failed) > 0 {
			last = failed[0]
		}
		m.sessions[c.userId] = types.SessionState{
			UserId:         c.userId,
			Role:           c.role,
			LastMessage:    last,
			DisconnectedAt: m.now().UTC(),
		}
	}
	m.mu.Unlock()

	// the bucket goes after stop is closed, so a deliver that finds no bucket
	// also finds the client stopped
	c.close()
	m.limiter.Remove(connectionId)
	m.stats.Decr(stats.ActiveConnections)
	c.log.Info().Msg("connection closed")

	return true, m.requeue(c, append(failed, c.drainSend()...))
}

// Send delivers f to one connection, subject to its rate limit. A transport
// failure tears the connection down, starts fallback polling for its user and
// queues f when the user has no other live connection.
func (m *Manager) Send(connectionId string, f *events.Frame) SendResult {
	m.mu.RLock()
	c, ok := m.clients[connectionId]
	m.mu.RUnlock()
	if !ok {
		return Dropped
	}

	return m.deliver(c, f.Stamp())
}

// SendToUser fans f out to every live connection of the user, or queues it
// when there are none.
func (m *Manager) SendToUser(userId string, f *events.Frame) SendResult {
	if userId == "" {
		return Dropped
	}
	f.Stamp()

	// the queue decision is made under the read lock so it cannot interleave
	// with Connect draining the same user's queue
	m.mu.RLock()
	targets := snapshot(m.userMap[userId])
	if len(targets) == 0 {
		if dropped := m.queue.Enqueue(userId, f); dropped > 0 {
			m.log.Debug().Str("user_id", userId).Int("dropped", dropped).Msg("queue trimmed")
		}
		m.mu.RUnlock()
		return Queued
	}
	m.mu.RUnlock()

	result := Dropped
	for _, c := range targets {
		if r := m.deliver(c, f); r < result {
			result = r
		}
	}

	return result
}

// Broadcast sends f to every live connection not listed in exclude and
// returns how many received it.
func (m *Manager) Broadcast(f *events.Frame, exclude ...string) int {
	f.Stamp()

	m.mu.RLock()
	targets := make([]*Client, 0, len(m.clients))
	for id, c := range m.clients {
		if !slices.Contains(exclude, id) {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	return m.fanOut(targets, f)
}

func (m *Manager) BroadcastToRole(f *events.Frame, role string) int {
	if role == "" {
		return 0
	}
	f.Stamp()

	m.mu.RLock()
	targets := snapshot(m.roleMap[role])
	m.mu.RUnlock()

	return m.fanOut(targets, f)
}

func (m *Manager) fanOut(targets []*Client, f *events.Frame) int {
	delivered := 0
	for _, c := range targets {
		if m.deliver(c, f) == Delivered {
			delivered++
		}
	}

	return delivered
}

// deliver hands f to the connection's Write pump. It never waits on the
// transport, so a stalled connection cannot hold up other connections.
func (m *Manager) deliver(c *Client, f *events.Frame) SendResult {
	if !m.limiter.Allow(c.id) {
		if !m.limiter.Known(c.id) {
			// torn down since the caller's snapshot
			return m.requeue(c, []*events.Frame{f})
		}

		m.stats.Incr(stats.RateLimitedSends)
		c.log.Warn().Int("violations", m.limiter.Violations(c.id)).Msg("rate limit exceeded, dropping message")

		if m.limiter.Exceeded(c.id) {
			m.stats.Incr(stats.ForcedDisconnects)
			c.log.Warn().Msg("too many rate limit violations, disconnecting")
			m.Disconnect(c.id)
		}
		return Dropped
	}

	if !c.queueMessage(f) {
		if c.stopped() {
			return m.requeue(c, []*events.Frame{f})
		}
		return m.handleSendFailure(c, errSendBufferFull, f)
	}

	return Delivered
}

// handleSendFailure tears the connection down and starts fallback polling
// for its user. The unsent frames are queued when the user has no other live
// connection; the result is Queued only in that case.
func (m *Manager) handleSendFailure(c *Client, err error, failed ...*events.Frame) SendResult {
	ev := c.log.Warn().Err(err)
	if len(failed) > 0 {
		ev = ev.Str("message_id", failed[0].MessageId)
	}
	ev.Msg("send failed")

	if c.userId != "" && len(failed) > 0 {
		m.startFallback(c.userId, failed[0])
	}

	removed, result := m.teardown(c.id, failed)
	if !removed {
		return m.requeue(c, failed)
	}

	return result
}

// requeue queues frames for c's user if the user has no live connection left.
func (m *Manager) requeue(c *Client, frames []*events.Frame) SendResult {
	if c.userId == "" || len(frames) == 0 {
		return Dropped
	}

	// held across the enqueue so it cannot interleave with Connect draining the queue
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.userMap[c.userId]) > 0 {
		return Dropped
	}

	for _, f := range frames {
		m.queue.Enqueue(c.userId, f)
	}
	return Queued
}

func (m *Manager) startFallback(userId string, f *events.Frame) {
	if m.poller == nil {
		return
	}

	kind, ok := f.Category()
	if !ok {
		return
	}

	sessionId, err := m.poller.StartPolling(userId, kind, m.handlePollUpdates)
	if err != nil {
		m.log.Error().Err(err).Str("user_id", userId).Str("kind", string(kind)).Msg("start fallback polling")
		return
	}

	m.log.Info().Str("user_id", userId).Str("session_id", sessionId).Msg("fallback polling active")
}

func (m *Manager) handlePollUpdates(evs []events.Event) {
	m.handlerMu.RLock()
	fn := m.pollHandler
	m.handlerMu.RUnlock()

	if fn == nil {
		m.log.Warn().Int("events", len(evs)).Msg("no poll handler set, discarding polled updates")
		return
	}

	fn(evs)
}

func (m *Manager) inbound(connectionId, userId string, raw json.RawMessage) {
	m.handlerMu.RLock()
	fn := m.inboundHandler
	m.handlerMu.RUnlock()

	if fn == nil {
		m.log.Debug().Str("connection_id", connectionId).RawJSON("frame", raw).Msg("user message received")
		return
	}

	fn(connectionId, userId, raw)
}

// HandlePong records the round trip latency for a ping sent at pingTimestamp
// (unix seconds).
func (m *Manager) HandlePong(connectionId string, pingTimestamp float64) {
	if pingTimestamp <= 0 {
		return
	}

	m.mu.RLock()
	c, ok := m.clients[connectionId]
	m.mu.RUnlock()
	if !ok {
		return
	}

	latency := (unixSeconds(m.now()) - pingTimestamp) * 1000
	if latency < 0 {
		latency = 0
	}
	c.recordLatency(latency)
}

// Reconnect checks the user's reconnect token and returns the session
// captured at their last disconnect.
func (m *Manager) Reconnect(userId, token string) (types.SessionState, error) {
	if !m.tokens.Verify(userId, token) {
		return types.SessionState{}, ErrInvalidToken
	}

	m.mu.RLock()
	s, ok := m.sessions[userId]
	m.mu.RUnlock()

	if !ok || m.now().Sub(s.DisconnectedAt) > m.cfg.ReconnectWindow {
		return types.SessionState{}, ErrSessionNotFound
	}

	return s, nil
}

// ExpireSessions drops session states and tokens of offline users that are
// past the reconnect window.
func (m *Manager) ExpireSessions() int {
	cutoff := m.now().Add(-m.cfg.ReconnectWindow)

	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for userId, s := range m.sessions {
		if s.DisconnectedAt.Before(cutoff) && len(m.userMap[userId]) == 0 {
			delete(m.sessions, userId)
			m.tokens.Revoke(userId)
			expired++
		}
	}

	return expired
}

func (m *Manager) Health(connectionId string) (types.ConnectionHealth, error) {
	m.mu.RLock()
	c, ok := m.clients[connectionId]
	m.mu.RUnlock()
	if !ok {
		return types.ConnectionHealth{}, ErrConnectionNotFound
	}

	return c.Health(), nil
}

func (m *Manager) Status() types.Status {
	now := m.now()

	m.mu.RLock()
	st := types.Status{
		TotalConnections: len(m.clients),
		UniqueUsers:      len(m.userMap),
		UserConnections:  make(map[string]int, len(m.userMap)),
	}
	for userId, conns := range m.userMap {
		st.UserConnections[userId] = len(conns)
	}
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		if c.healthy(now, m.cfg.HealthWindow) {
			st.HealthyConnections++
		}
	}

	st.QueuedMessages = m.queue.Total()
	if m.poller != nil {
		st.PollingSessions = m.poller.ActiveSessions()
	}

	return st
}

// Shutdown closes every connection and waits for their goroutines to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.log.Info().Int("connections", len(ids)).Msg("closing connections")
	for _, id := range ids {
		m.Disconnect(id)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func addIndex(idx map[string]map[string]*Client, key string, c *Client) {
	if key == "" {
		return
	}

	set, ok := idx[key]
	if !ok {
		set = make(map[string]*Client)
		idx[key] = set
	}
	set[c.id] = c
}

func removeIndex(idx map[string]map[string]*Client, key, connectionId string) {
	set, ok := idx[key]
	if !ok {
		return
	}

	delete(set, connectionId)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func snapshot(set map[string]*Client) []*Client {
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}
