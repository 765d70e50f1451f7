package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outbound frame types for category updates.
const (
	FrameInterviewUpdate   = "interview_update"
	FrameApplicationUpdate = "application_update"
	FrameJobUpdate         = "job_update"
)

// Frame is a server to client message as written on the wire.
type Frame struct {
	Type      string    `json:"type"`
	MessageId string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`

	EventType   Type           `json:"event_type,omitempty"`
	JobId       string         `json:"job_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	CandidateId string         `json:"candidate_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`

	ConnectionId   string  `json:"connection_id,omitempty"`
	ReconnectToken string  `json:"reconnect_token,omitempty"`
	Message        string  `json:"message,omitempty"`
	PingTimestamp  float64 `json:"ping_timestamp,omitempty"`
}

// Stamp fills in the message id and timestamp when absent.
func (f *Frame) Stamp() *Frame {
	if f.MessageId == "" {
		f.MessageId = uuid.NewString()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = Now()
	}

	return f
}

// Category reports which stream a frame belongs to, falling back to the
// frame type prefix for frames not rendered from an Event.
func (f *Frame) Category() (Category, bool) {
	if c := f.EventType.Category(); c != "" {
		return c, true
	}

	for _, c := range PollCategories {
		if strings.HasPrefix(f.Type, string(c)+"_") {
			return c, true
		}
	}

	return "", false
}

// NewFrame renders an event into its outbound frame. The returned frame is stamped.
func NewFrame(ev Event) *Frame {
	f := &Frame{
		EventType: ev.Type,
		JobId:     ev.JobId,
		Data:      ev.Payload,
	}

	switch ev.Type.Category() {
	case CategoryInterview:
		f.Type = FrameInterviewUpdate
		f.Status = interviewStatus(ev.Type)
	case CategoryApplication:
		f.Type = FrameApplicationUpdate
		if status, ok := ev.Payload["status"].(string); ok && status != "" {
			f.Status = status
		} else {
			f.Status = strings.TrimPrefix(string(ev.Type), "application_")
		}
	case CategoryJob:
		f.Type = FrameJobUpdate
		f.Status = jobStatus(ev.Type)
	case CategorySystem, CategoryConnection:
		f.Type = string(ev.Type)
		if msg, ok := ev.Payload["message"].(string); ok {
			f.Message = msg
		}
	default:
		f.Type = string(ev.Type)
	}

	if f.JobId == "" {
		if jobId, ok := ev.Payload["job_id"].(string); ok {
			f.JobId = jobId
		}
	}

	return f.Stamp()
}

func interviewStatus(t Type) string {
	switch t {
	case InterviewQuestionsReady:
		return "questions_ready"
	case InterviewResponseEvaluated:
		return "response_evaluated"
	case InterviewCompleted:
		return "completed"
	}

	return strings.TrimPrefix(string(t), "interview_")
}

func jobStatus(t Type) string {
	switch t {
	case JobMatchingCompleted:
		return "matching_completed"
	case CandidateScored:
		return "scoring_completed"
	}

	return string(t)
}

// Mirror copies f for delivery to a staff role, tagging the candidate it concerns.
func (f *Frame) Mirror(candidateId string) *Frame {
	m := *f
	m.MessageId = ""
	m.CandidateId = candidateId
	return m.Stamp()
}
