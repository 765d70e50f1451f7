package server

import (
	"encoding/json"
	"time"

	"github.com/npezzotti/go-realtime/internal/events"
)

const (
	clientPong        = "pong"
	clientUserMessage = "user_message"
)

// ClientMessage is an inbound frame. Only the fields the server acts on are
// decoded; the raw frame is kept for user messages.
type ClientMessage struct {
	Type          string          `json:"type"`
	PingTimestamp float64         `json:"ping_timestamp,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

func parseClientMessage(raw []byte) (*ClientMessage, bool) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, false
	}

	switch msg.Type {
	case clientPong, clientUserMessage:
		msg.Raw = raw
		return &msg, true
	}

	return nil, false
}

func ConnectionEstablished(connectionId, reconnectToken string) *events.Frame {
	f := &events.Frame{
		Type:           string(events.ConnectionEstablished),
		ConnectionId:   connectionId,
		ReconnectToken: reconnectToken,
		Message:        "connected to real-time updates",
	}
	return f.Stamp()
}

// Ping carries the send time as unix seconds so the client can echo it back.
func Ping(now time.Time) *events.Frame {
	f := &events.Frame{
		Type:          string(events.Ping),
		Timestamp:     now.UTC().Round(time.Millisecond),
		PingTimestamp: unixSeconds(now),
	}
	return f.Stamp()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
