package polling

import (
	"github.com/npezzotti/go-realtime/internal/database"
	"github.com/npezzotti/go-realtime/internal/events"
)

// formatRecord renders a polled record as the event the live path would have
// published for it.
func formatRecord(kind events.Category, userId string, rec database.UpdateRecord) (events.Event, bool) {
	var (
		t       events.Type
		payload map[string]any
	)

	switch kind {
	case events.CategoryInterview:
		t = events.InterviewCompleted
		if rec.Status == "ready" {
			t = events.InterviewQuestionsReady
		}
		payload = map[string]any{
			"session_id": rec.RefId,
			"job_id":     rec.JobId,
			"status":     rec.Status,
			"questions":  field(rec.Data, "questions", []any{}),
			"scores":     field(rec.Data, "scores", map[string]any{}),
		}
	case events.CategoryApplication:
		t = events.ApplicationStatusChanged
		payload = map[string]any{
			"application_id": rec.RefId,
			"job_id":         rec.JobId,
			"status":         rec.Status,
			"score":          field(rec.Data, "score", nil),
			"feedback":       field(rec.Data, "feedback", nil),
		}
	case events.CategoryJob:
		t = events.JobUpdated
		payload = map[string]any{
			"job_id":       rec.JobId,
			"status":       rec.Status,
			"title":        field(rec.Data, "title", ""),
			"applications": field(rec.Data, "application_count", 0),
		}
	case events.CategorySystem:
		t = events.SystemAnnouncement
		severity := rec.Status
		if severity == "" {
			severity = "info"
		}
		payload = map[string]any{
			"severity":        severity,
			"title":           field(rec.Data, "title", nil),
			"content":         field(rec.Data, "content", nil),
			"action_required": field(rec.Data, "action_required", false),
		}
		if title, ok := rec.Data["title"].(string); ok {
			payload["message"] = title
		}
	case events.CategoryConnection:
		return events.Event{}, false
	default:
		return events.Event{}, false
	}

	payload["record_id"] = rec.Id

	ev := events.New(t, events.Target{UserId: userId}, payload)
	if !rec.UpdatedAt.IsZero() {
		ev.CreatedAt = rec.UpdatedAt.UTC()
	}

	return ev, true
}

// Collect formats the records newer than after and returns them with the
// highest record id seen, which becomes the next watermark.
func Collect(kind events.Category, userId string, after int64, recs []database.UpdateRecord) ([]events.Event, int64) {
	last := after
	evs := make([]events.Event, 0, len(recs))
	for _, rec := range recs {
		if rec.Id <= after {
			continue
		}
		if ev, ok := formatRecord(kind, userId, rec); ok {
			evs = append(evs, ev)
		}
		if rec.Id > last {
			last = rec.Id
		}
	}
	return evs, last
}

func field(data map[string]any, key string, fallback any) any {
	if v, ok := data[key]; ok && v != nil {
		return v
	}
	return fallback
}
