package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"driving-school-jobs/internal/models"
)

// Envelope is the unified progress report. Outcome is explicit; the legacy shapes
// are converted into it before anything is persisted.
type Envelope struct {
	Outcome  models.Outcome  `json:"outcome"`
	Progress int             `json:"progress"`
	Message  string          `json:"message,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Sequence int64           `json:"sequence,omitempty"`
}

// Validate checks the outcome, sequence and result shape.
func (e Envelope) Validate() error {
	var problems []string
	if !e.Outcome.Valid() {
		problems = append(problems, fmt.Sprintf("unknown outcome %q", e.Outcome))
	}
	if e.Sequence < 0 {
		problems = append(problems, "sequence must not be negative")
	}
	if err := models.CheckResult(e.Result); err != nil {
		problems = append(problems, "result must be a JSON object")
	}
	if len(problems) > 0 {
		return &models.ValidationError{Problems: problems}
	}
	return nil
}

// Update converts the envelope into a store update.
func (e Envelope) Update() models.ProgressUpdate {
	var result json.RawMessage
	if trimmed := bytes.TrimSpace(e.Result); len(trimmed) > 0 && string(trimmed) != "null" {
		result = e.Result
	}
	return models.ProgressUpdate{
		Outcome:  e.Outcome,
		Progress: e.Progress,
		Message:  e.Message,
		Result:   result,
		Sequence: e.Sequence,
	}
}

// JobRef is a job id sent either as a JSON string or a number.
type JobRef string

func (r *JobRef) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = JobRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("jobId must be a string or a number")
	}
	*r = JobRef(n.String())
	return nil
}

// ID parses the reference as a job id.
func (r JobRef) ID() (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(string(r)), 10, 64)
	if err != nil || id <= 0 {
		return 0, &models.ValidationError{Problems: []string{fmt.Sprintf("invalid jobId %q", string(r))}}
	}
	return id, nil
}

// SchoolCallback is the tenant-scoped progress shape.
type SchoolCallback struct {
	UserID int64              `json:"userId"`
	Tag    string             `json:"tag"`
	Data   SchoolCallbackData `json:"data"`
}

type SchoolCallbackData struct {
	JobID         JobRef          `json:"jobId"`
	Progress      int             `json:"progress"`
	Message       string          `json:"message"`
	Timestamp     int64           `json:"timestamp"`
	ResultPayload json.RawMessage `json:"resultPayload,omitempty"`
	Sequence      int64           `json:"sequence,omitempty"`
}

// Envelope infers the outcome from the progress value.
func (c SchoolCallback) Envelope() (int64, Envelope, error) {
	id, err := c.Data.JobID.ID()
	if err != nil {
		return 0, Envelope{}, err
	}
	return id, Envelope{
		Outcome:  models.OutcomeFromProgress(c.Data.Progress),
		Progress: c.Data.Progress,
		Message:  c.Data.Message,
		Result:   c.Data.ResultPayload,
		Sequence: c.Data.Sequence,
	}, nil
}

// GenericCallback is the untenanted progress shape.
type GenericCallback struct {
	JobID    JobRef          `json:"jobId"`
	Progress int             `json:"progress"`
	Status   string          `json:"status,omitempty"`
	Message  string          `json:"message,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Sequence int64           `json:"sequence,omitempty"`
}

// Envelope honors an explicit status and falls back to the progress value.
func (c GenericCallback) Envelope() (int64, Envelope, error) {
	id, err := c.JobID.ID()
	if err != nil {
		return 0, Envelope{}, err
	}
	outcome, err := outcomeFromStatus(c.Status, c.Progress)
	if err != nil {
		return 0, Envelope{}, err
	}
	return id, Envelope{
		Outcome:  outcome,
		Progress: c.Progress,
		Message:  c.Message,
		Result:   c.Result,
		Sequence: c.Sequence,
	}, nil
}

func outcomeFromStatus(status string, progress int) (models.Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "":
		return models.OutcomeFromProgress(progress), nil
	case "completed", "complete", "done":
		return models.OutcomeCompleted, nil
	case "failed", "error":
		return models.OutcomeFailed, nil
	case "processing", "progress", "pending":
		return models.OutcomeProgress, nil
	}
	return "", &models.ValidationError{Problems: []string{fmt.Sprintf("unknown status %q", status)}}
}
