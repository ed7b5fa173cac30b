package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Mode tells a worker whether a message targets one student or a group.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeGroup  Mode = "group"
)

const defaultTemplate = "default"

var validate = validator.New()

// ValidationError describes a rejected submission.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, ", ")
}

func newValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

// JobPayload is the typed body of a job, one variant per job type.
type JobPayload interface {
	Kind() JobType
	Mode() Mode
	Students() []int64
}

// SubmitRequest is the client-facing submission body.
type SubmitRequest struct {
	JobType    JobType         `json:"jobType"`
	StudentID  int64           `json:"studentId,omitempty"`
	StudentIDs []int64         `json:"studentIds,omitempty"`
	Template   string          `json:"template,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// PDFGenerationPayload renders a report for one student or a group of students.
type PDFGenerationPayload struct {
	StudentID  int64           `json:"studentId,omitempty" validate:"required_without=StudentIDs,excluded_with=StudentIDs,gte=0"`
	StudentIDs []int64         `json:"studentIds,omitempty" validate:"omitempty,min=1,max=500,unique,dive,gt=0"`
	Template   string          `json:"template" validate:"required,max=64"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func (p PDFGenerationPayload) Kind() JobType { return JobTypePDFGeneration }

func (p PDFGenerationPayload) Mode() Mode {
	if len(p.StudentIDs) > 0 {
		return ModeGroup
	}
	return ModeSingle
}

func (p PDFGenerationPayload) Students() []int64 {
	if len(p.StudentIDs) > 0 {
		return p.StudentIDs
	}
	return []int64{p.StudentID}
}

// SinglePayload targets exactly one student (simulation or direksiyon takip).
type SinglePayload struct {
	Type      JobType         `json:"-"`
	StudentID int64           `json:"studentId" validate:"required,gt=0"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (p SinglePayload) Kind() JobType     { return p.Type }
func (p SinglePayload) Mode() Mode        { return ModeSingle }
func (p SinglePayload) Students() []int64 { return []int64{p.StudentID} }

// GroupPayload targets a list of students (simulation or direksiyon takip).
type GroupPayload struct {
	Type       JobType         `json:"-"`
	StudentIDs []int64         `json:"studentIds" validate:"required,min=1,max=500,unique,dive,gt=0"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func (p GroupPayload) Kind() JobType     { return p.Type }
func (p GroupPayload) Mode() Mode        { return ModeGroup }
func (p GroupPayload) Students() []int64 { return p.StudentIDs }

// NewPayload builds and validates the payload variant for a submission.
func NewPayload(req SubmitRequest) (JobPayload, error) {
	if !req.JobType.Valid() {
		return nil, newValidationError(fmt.Sprintf("unknown jobType %q", req.JobType))
	}
	if err := checkDataObject(req.Data); err != nil {
		return nil, err
	}

	var payload JobPayload
	switch req.JobType {
	case JobTypePDFGeneration:
		tmpl := req.Template
		if tmpl == "" {
			tmpl = defaultTemplate
		}
		payload = PDFGenerationPayload{StudentID: req.StudentID, StudentIDs: req.StudentIDs, Template: tmpl, Data: req.Data}
	case JobTypeSingleSimulation, JobTypeDireksiyonTakipSingle:
		payload = SinglePayload{Type: req.JobType, StudentID: req.StudentID, Data: req.Data}
	case JobTypeGroupSimulation, JobTypeDireksiyonTakipGroup:
		payload = GroupPayload{Type: req.JobType, StudentIDs: req.StudentIDs, Data: req.Data}
	}
	if err := validate.Struct(payload); err != nil {
		return nil, fromValidator(err)
	}
	return payload, nil
}

// DecodePayload restores the typed variant stored for a job.
func DecodePayload(t JobType, raw json.RawMessage) (JobPayload, error) {
	switch t {
	case JobTypePDFGeneration:
		var p PDFGenerationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case JobTypeSingleSimulation, JobTypeDireksiyonTakipSingle:
		p := SinglePayload{Type: t}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case JobTypeGroupSimulation, JobTypeDireksiyonTakipGroup:
		p := GroupPayload{Type: t}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown job type %q", t)
}

// CheckResult accepts an absent result or a JSON object.
func CheckResult(raw json.RawMessage) error {
	return checkObject("result", raw)
}

func checkDataObject(raw json.RawMessage) error {
	return checkObject("data", raw)
}

func checkObject(field string, raw json.RawMessage) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return newValidationError(fmt.Sprintf("%s must be a JSON object", field))
	}
	return nil
}

func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return newValidationError(err.Error())
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("Field '%s' failed on the '%s' tag", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s (value: %s)", msg, fe.Param())
		}
		problems = append(problems, msg)
	}
	return &ValidationError{Problems: problems}
}
