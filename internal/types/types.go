package types

import (
	"time"

	"github.com/npezzotti/go-realtime/internal/events"
)

// SessionState is captured when a user's connection goes away and answers
// whether that user may resume.
type SessionState struct {
	UserId         string        `json:"user_id"`
	Role           string        `json:"role"`
	LastMessage    *events.Frame `json:"last_message"`
	DisconnectedAt time.Time     `json:"disconnected_at"`
}

type Status struct {
	TotalConnections   int            `json:"total_connections"`
	UniqueUsers        int            `json:"unique_users"`
	UserConnections    map[string]int `json:"user_connections"`
	HealthyConnections int            `json:"healthy_connections"`
	PollingSessions    int            `json:"polling_sessions"`
	QueuedMessages     int            `json:"queued_messages"`
}

type ConnectionHealth struct {
	ConnectedAt time.Time `json:"connected_at"`
	LastPingAt  time.Time `json:"last_ping_at"`
	PingCount   int       `json:"ping_count"`
	LatenciesMs []float64 `json:"latencies_ms"`
}

type ReconnectRequest struct {
	UserId         string `json:"user_id"`
	ReconnectToken string `json:"reconnect_token"`
	Role           string `json:"role,omitempty"`
}

type ReconnectResponse struct {
	Status         string        `json:"status"`
	UserId         string        `json:"user_id"`
	Role           string        `json:"role"`
	LastMessage    *events.Frame `json:"last_message"`
	DisconnectedAt time.Time     `json:"disconnected_at"`
}

// PollResponse carries the updates a client missed, with the watermark to
// send back as after on the next poll of each kind.
type PollResponse struct {
	Updates    []*events.Frame  `json:"updates"`
	Watermarks map[string]int64 `json:"watermarks"`
}
