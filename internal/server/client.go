package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/go-realtime/internal/events"
	"github.com/npezzotti/go-realtime/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

const (
	latencyWindow = 10
	sendBuffer    = 256
)

var errSendBufferFull = errors.New("send buffer full")

// Client is one live connection. Outbound frames go through the send buffer
// to the Write pump, which also sends heartbeats; the receive loop runs in
// its own goroutine. Writes are serialized by writeMu.
type Client struct {
	id          string
	userId      string
	role        string
	conn        Transport
	m           *Manager
	log         zerolog.Logger
	connectedAt time.Time

	send     chan *events.Frame
	writeMu  sync.Mutex
	lastSent atomic.Pointer[events.Frame]

	healthMu sync.Mutex
	health   types.ConnectionHealth

	stop     chan struct{}
	stopOnce sync.Once
}

func newConnectionId() (string, error) {
	id, err := shortid.Generate()
	if err != nil {
		return "", fmt.Errorf("generate connection id: %w", err)
	}

	return "ws_" + id, nil
}

func newClient(m *Manager, conn Transport, userId, role string) (*Client, error) {
	id, err := newConnectionId()
	if err != nil {
		return nil, err
	}

	now := m.now()
	return &Client{
		id:          id,
		userId:      userId,
		role:        role,
		conn:        conn,
		m:           m,
		log:         m.log.With().Str("connection_id", id).Str("user_id", userId).Logger(),
		connectedAt: now,
		health: types.ConnectionHealth{
			ConnectedAt: now,
			LastPingAt:  now,
		},
		send: make(chan *events.Frame, sendBuffer),
		stop: make(chan struct{}),
	}, nil
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) write(f *events.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(f)
}

// writeLocked requires writeMu to be held.
func (c *Client) writeLocked(f *events.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("serialize frame: %w", err)
	}

	if err := c.conn.WriteMessage(data); err != nil {
		return err
	}

	if f.Type != string(events.Ping) {
		c.lastSent.Store(f)
	}
	return nil
}

// Read runs the receive loop until the transport fails or the client is stopped.
func (c *Client) Read() {
	defer func() {
		c.m.Disconnect(c.id)
		c.log.Debug().Msg("read exiting")
		c.m.wg.Done()
	}()

	for {
		raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stop:
			default:
				if isExpectedClose(err) {
					c.log.Debug().Err(err).Msg("connection closed")
				} else {
					c.log.Warn().Err(err).Msg("read failed")
				}
			}
			return
		}

		msg, ok := parseClientMessage(raw)
		if !ok {
			c.log.Debug().Msg("discarding malformed frame")
			continue
		}

		switch msg.Type {
		case clientPong:
			c.m.HandlePong(c.id, msg.PingTimestamp)
		case clientUserMessage:
			c.m.inbound(c.id, c.userId, msg.Raw)
		}
	}
}

// queueMessage hands f to the Write pump without blocking. It fails when the
// client is stopped or its buffer is full.
func (c *Client) queueMessage(f *events.Frame) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- f:
		return true
	default:
		c.log.Warn().Str("message_id", f.MessageId).Msg("send buffer full")
		return false
	}
}

// drainSend empties the send buffer and returns the frames that were never written.
func (c *Client) drainSend() []*events.Frame {
	var frames []*events.Frame
	for {
		select {
		case f := <-c.send:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

// Write drains the send buffer onto the transport and sends a ping every
// interval. A failed write hands the frame back to the manager.
func (c *Client) Write(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.log.Debug().Msg("write exiting")
		c.m.wg.Done()
	}()

	for {
		select {
		case <-c.stop:
			return
		case f := <-c.send:
			if c.stopped() {
				c.m.requeue(c, append([]*events.Frame{f}, c.drainSend()...))
				return
			}
			if err := c.write(f); err != nil {
				c.m.handleSendFailure(c, err, f)
				return
			}
		case <-ticker.C:
			now := c.m.now()
			if err := c.write(Ping(now)); err != nil {
				c.log.Warn().Err(err).Msg("heartbeat failed")
				c.m.handleSendFailure(c, err)
				return
			}
			c.recordPing(now)
		}
	}
}

func (c *Client) recordPing(at time.Time) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.health.LastPingAt = at
	c.health.PingCount++
}

func (c *Client) recordLatency(ms float64) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()

	c.health.LatenciesMs = append(c.health.LatenciesMs, math.Round(ms*100)/100)
	if n := len(c.health.LatenciesMs); n > latencyWindow {
		c.health.LatenciesMs = append([]float64(nil), c.health.LatenciesMs[n-latencyWindow:]...)
	}
}

func (c *Client) Health() types.ConnectionHealth {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()

	h := c.health
	h.LatenciesMs = append([]float64(nil), c.health.LatenciesMs...)
	return h
}

func (c *Client) healthy(now time.Time, window time.Duration) bool {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	return now.Sub(c.health.LastPingAt) < window
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// close stops the Write pump and closes the transport. Safe to call repeatedly.
func (c *Client) close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		if err := c.conn.Close(); err != nil {
			c.log.Debug().Err(err).Msg("close transport")
		}
	})
}
