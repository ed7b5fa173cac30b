package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// JobType enumerates the kinds of asynchronous work a school can request.
type JobType string

const (
	JobTypePDFGeneration         JobType = "PDF_GENERATION"
	JobTypeSingleSimulation      JobType = "SINGLE_SIMULATION"
	JobTypeGroupSimulation       JobType = "GROUP_SIMULATION"
	JobTypeDireksiyonTakipSingle JobType = "DIREKSIYON_TAKIP_SINGLE"
	JobTypeDireksiyonTakipGroup  JobType = "DIREKSIYON_TAKIP_GROUP"
)

// JobTypes lists every supported job type.
var JobTypes = []JobType{
	JobTypePDFGeneration,
	JobTypeSingleSimulation,
	JobTypeGroupSimulation,
	JobTypeDireksiyonTakipSingle,
	JobTypeDireksiyonTakipGroup,
}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// JobStatus enumerates lifecycle states persisted for a job.
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no worker will move the job any further.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a tracked unit of asynchronous work. Timestamps are epoch seconds.
type Job struct {
	ID           int64           `json:"id"`
	Type         JobType         `json:"type"`
	Status       JobStatus       `json:"status"`
	SchoolID     int64           `json:"school_id"`
	UserID       int64           `json:"user_id"`
	Progress     int             `json:"progress_percentage"`
	Payload      json.RawMessage `json:"payload"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	LastSequence int64           `json:"-"`
	CreatedAt    int64           `json:"created_at"`
	UpdatedAt    int64           `json:"updated_at"`
	CompletedAt  *int64          `json:"completed_at,omitempty"`
}

// IDString renders the id the way it travels on the wire.
func (j Job) IDString() string {
	return strconv.FormatInt(j.ID, 10)
}

// Outcome is the discriminant of a progress update.
type Outcome string

const (
	OutcomeProgress  Outcome = "progress"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeProgress, OutcomeCompleted, OutcomeFailed:
		return true
	}
	return false
}

// OutcomeFromProgress infers the outcome from the raw integer a worker sent:
// exactly 100 means completed, a negative value is the failure sentinel and
// anything else, including values above 100, is still in progress.
func OutcomeFromProgress(progress int) Outcome {
	switch {
	case progress == 100:
		return OutcomeCompleted
	case progress < 0:
		return OutcomeFailed
	default:
		return OutcomeProgress
	}
}

// ProgressUpdate is one normalized report from a worker.
type ProgressUpdate struct {
	Outcome  Outcome
	Progress int
	Message  string
	Result   json.RawMessage
	// Sequence is optional; zero means the sender does not number its updates.
	Sequence int64
}

// ClampProgress bounds a raw progress value to [0,100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ErrStaleUpdate is returned by Apply when a numbered update is not newer than the last one applied.
type ErrStaleUpdate struct {
	JobID    int64
	Sequence int64
	Last     int64
}

func (e *ErrStaleUpdate) Error() string {
	return fmt.Sprintf("job %d: stale progress sequence %d (last applied %d)", e.JobID, e.Sequence, e.Last)
}

// Apply mutates the job according to the update. The resulting status depends only on
// the update's outcome; completed_at is stamped on the first completion and kept afterwards.
// When enforceSequence is set, a numbered update with a sequence not greater than the last
// applied one is rejected.
func (j *Job) Apply(u ProgressUpdate, now time.Time, enforceSequence bool) error {
	if enforceSequence && u.Sequence > 0 && u.Sequence <= j.LastSequence {
		return &ErrStaleUpdate{JobID: j.ID, Sequence: u.Sequence, Last: j.LastSequence}
	}
	outcome := u.Outcome
	if !outcome.Valid() {
		outcome = OutcomeFromProgress(u.Progress)
	}
	ts := now.Unix()

	switch outcome {
	case OutcomeCompleted:
		j.Status = StatusCompleted
		j.Progress = 100
		if j.CompletedAt == nil {
			j.CompletedAt = &ts
		}
		if len(u.Result) > 0 {
			j.Result = u.Result
		}
	case OutcomeFailed:
		j.Status = StatusFailed
		j.Progress = ClampProgress(u.Progress)
		msg := u.Message
		if msg == "" {
			msg = "job failed"
		}
		j.ErrorMessage = &msg
	default:
		j.Status = StatusProcessing
		j.Progress = ClampProgress(u.Progress)
	}

	if u.Sequence > j.LastSequence {
		j.LastSequence = u.Sequence
	}
	j.UpdatedAt = ts
	return nil
}
