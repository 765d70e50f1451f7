package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Target addresses an event. Role takes precedence over UserId when both are
// set; an empty Target is a global broadcast.
type Target struct {
	UserId string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
}

func (t Target) IsBroadcast() bool {
	return t.UserId == "" && t.Role == ""
}

// Event is an immutable notification. Construct with New or Decode.
type Event struct {
	Type      Type           `json:"event_type"`
	JobId     string         `json:"job_id,omitempty"`
	Target    Target         `json:"target"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"timestamp"`
}

func New(t Type, target Target, payload map[string]any) Event {
	ev := Event{
		Type:      t,
		Target:    target,
		Payload:   payload,
		CreatedAt: Now(),
	}

	if jobId, ok := payload["job_id"].(string); ok {
		ev.JobId = jobId
	}

	return ev
}

// wireEvent is the shape published on the cross-process bus.
type wireEvent struct {
	EventType string         `json:"event_type"`
	JobId     string         `json:"job_id,omitempty"`
	Target    Target         `json:"target"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Decode parses a bus message and rejects unknown event types.
func Decode(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}

	t, err := ParseType(w.EventType)
	if err != nil {
		return Event{}, err
	}

	ev := Event{
		Type:      t,
		JobId:     w.JobId,
		Target:    w.Target,
		Payload:   w.Payload,
		CreatedAt: w.Timestamp,
	}
	if ev.JobId == "" {
		if jobId, ok := w.Payload["job_id"].(string); ok {
			ev.JobId = jobId
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = Now()
	}

	return ev, nil
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(wireEvent{
		EventType: string(e.Type),
		JobId:     e.JobId,
		Target:    e.Target,
		Payload:   e.Payload,
		Timestamp: e.CreatedAt,
	})
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
