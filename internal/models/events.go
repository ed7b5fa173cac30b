package models

import (
	"encoding/json"
	"time"
)

// Event names pushed over the realtime channel.
const (
	EventHello        = "hello"
	EventAuthError    = "auth_error"
	EventJobUpdate    = "job-update"
	EventPDFCompleted = "pdf-completed"
	EventPDFError     = "pdf-error"
	EventPong         = "pong"
)

// Event is one frame sent to a realtime client.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// JobUpdate is the payload of a job-update event.
type JobUpdate struct {
	JobID     string    `json:"jobId"`
	Progress  int       `json:"progress"`
	Status    JobStatus `json:"status"`
	Message   string    `json:"message,omitempty"`
	Type      JobType   `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

// PDFCompleted carries the finished job's result inline.
type PDFCompleted struct {
	JobID     string          `json:"jobId"`
	Result    json.RawMessage `json:"result"`
	Timestamp int64           `json:"timestamp"`
}

// PDFError reports a failed job.
type PDFError struct {
	JobID     string `json:"jobId"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// Hello acknowledges a successful realtime handshake.
type Hello struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	Timestamp    int64  `json:"timestamp"`
}

// AuthError is sent right before a rejected connection is closed.
type AuthError struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	ShouldReconnect bool   `json:"shouldReconnect"`
}

// NewJobUpdateEvent summarizes the job's current state.
func NewJobUpdateEvent(job Job, message string, now time.Time) Event {
	return Event{Name: EventJobUpdate, Data: JobUpdate{
		JobID:     job.IDString(),
		Progress:  job.Progress,
		Status:    job.Status,
		Message:   message,
		Type:      job.Type,
		Timestamp: now.UnixMilli(),
	}}
}

// ProgressEvent picks the event a freshly applied update should produce:
// completion with a result is delivered inline, failures carry the message,
// everything else is a plain job-update.
func ProgressEvent(job Job, outcome Outcome, message string, result json.RawMessage, now time.Time) Event {
	switch {
	case outcome == OutcomeCompleted && len(result) > 0:
		return Event{Name: EventPDFCompleted, Data: PDFCompleted{
			JobID:     job.IDString(),
			Result:    result,
			Timestamp: now.UnixMilli(),
		}}
	case outcome == OutcomeFailed:
		msg := message
		if msg == "" && job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		return Event{Name: EventPDFError, Data: PDFError{
			JobID:     job.IDString(),
			Error:     msg,
			Timestamp: now.UnixMilli(),
		}}
	default:
		return NewJobUpdateEvent(job, message, now)
	}
}
