package events

import (
	"errors"
	"fmt"
)

var ErrUnknownEventType = errors.New("unknown event type")

// Type identifies an event. The set of valid types is closed; see registry.
type Type string

// Category groups event types by the audience-facing stream they belong to.
type Category string

const (
	CategoryConnection  Category = "connection"
	CategoryInterview   Category = "interview"
	CategoryApplication Category = "application"
	CategoryJob         Category = "job"
	CategorySystem      Category = "system"
)

const (
	ConnectionEstablished Type = "connection_established"
	ConnectionError       Type = "connection_error"
	ReconnectAttempt      Type = "reconnect_attempt"
	Ping                  Type = "ping"
	Pong                  Type = "pong"

	InterviewQuestionsReady    Type = "interview_questions_ready"
	InterviewStarted           Type = "interview_started"
	InterviewQuestionTimer     Type = "interview_question_timer"
	InterviewResponseEvaluated Type = "interview_response_evaluated"
	InterviewCompleted         Type = "interview_completed"
	InterviewError             Type = "interview_error"

	ApplicationSubmitted     Type = "application_submitted"
	ApplicationStatusChanged Type = "application_status_changed"
	ApplicationScored        Type = "application_scored"
	ApplicationFeedback      Type = "application_feedback"

	JobPosted                 Type = "job_posted"
	JobUpdated                Type = "job_updated"
	JobClosed                 Type = "job_closed"
	JobMatched                Type = "job_matched"
	ResumeProcessingStarted   Type = "resume_processing_started"
	ResumeProcessingCompleted Type = "resume_processing_completed"
	ResumeProcessed           Type = "resume_processed"
	VideoProcessingStarted    Type = "video_processing_started"
	VideoProcessingCompleted  Type = "video_processing_completed"
	VideoProcessed            Type = "video_processed"
	JobMatchingCompleted      Type = "job_matching_completed"
	CandidateScored           Type = "candidate_scored"

	SystemAnnouncement Type = "system_announcement"
	SystemError        Type = "system_error"
	SystemMaintenance  Type = "system_maintenance"
	SystemStatus       Type = "system_status"
)

var registry = map[Type]Category{
	ConnectionEstablished: CategoryConnection,
	ConnectionError:       CategoryConnection,
	ReconnectAttempt:      CategoryConnection,
	Ping:                  CategoryConnection,
	Pong:                  CategoryConnection,

	InterviewQuestionsReady:    CategoryInterview,
	InterviewStarted:           CategoryInterview,
	InterviewQuestionTimer:     CategoryInterview,
	InterviewResponseEvaluated: CategoryInterview,
	InterviewCompleted:         CategoryInterview,
	InterviewError:             CategoryInterview,

	ApplicationSubmitted:     CategoryApplication,
	ApplicationStatusChanged: CategoryApplication,
	ApplicationScored:        CategoryApplication,
	ApplicationFeedback:      CategoryApplication,

	JobPosted:                 CategoryJob,
	JobUpdated:                CategoryJob,
	JobClosed:                 CategoryJob,
	JobMatched:                CategoryJob,
	ResumeProcessingStarted:   CategoryJob,
	ResumeProcessingCompleted: CategoryJob,
	ResumeProcessed:           CategoryJob,
	VideoProcessingStarted:    CategoryJob,
	VideoProcessingCompleted:  CategoryJob,
	VideoProcessed:            CategoryJob,
	JobMatchingCompleted:      CategoryJob,
	CandidateScored:           CategoryJob,

	SystemAnnouncement: CategorySystem,
	SystemError:        CategorySystem,
	SystemMaintenance:  CategorySystem,
	SystemStatus:       CategorySystem,
}

// ParseType validates s against the closed set of event types.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, ok := registry[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}

	return t, nil
}

func (t Type) Valid() bool {
	_, ok := registry[t]
	return ok
}

// Category returns the category of t, or the empty Category for an unknown type.
func (t Type) Category() Category {
	return registry[t]
}

// PollCategories lists the categories that can be re-derived from the system of record.
var PollCategories = []Category{
	CategoryInterview,
	CategoryApplication,
	CategoryJob,
	CategorySystem,
}

func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryConnection, CategoryInterview, CategoryApplication, CategoryJob, CategorySystem:
		return c, nil
	}

	return "", fmt.Errorf("unknown category %q", s)
}
