package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"driving-school-jobs/internal/models"
)

// Task is one decoded queue message.
type Task struct {
	JobID  string
	Queue  string
	Mode   models.Mode
	UserID int64
	Data   models.MessageData
}

func newTask(queue string, msg models.QueueMessage) (Task, error) {
	task := Task{JobID: msg.ID, Queue: queue, Mode: msg.Mode, UserID: msg.UserID}
	if msg.ID == "" {
		return task, errors.New("message has no job id")
	}
	data, err := msg.DecodeData()
	if err != nil {
		return task, fmt.Errorf("decode message data: %w", err)
	}
	task.Data = data
	return task, nil
}

// Students lists the students the task covers, single or group.
func (t Task) Students() []int64 {
	if len(t.Data.StudentIDs) > 0 {
		return t.Data.StudentIDs
	}
	if t.Data.StudentID != 0 {
		return []int64{t.Data.StudentID}
	}
	return nil
}

// ProgressFunc reports intermediate progress in percent.
type ProgressFunc func(ctx context.Context, progress int, message string) error

// Handler executes a task and returns the result payload for the completion event.
type Handler func(ctx context.Context, task Task, progress ProgressFunc) (json.RawMessage, error)

// SimulatedHandler walks the students one step at a time and stores a JSON report
// manifest as the artifact. It stands in for the renderers during development.
type SimulatedHandler struct {
	uploader  Uploader
	stepDelay time.Duration
	now       func() time.Time
}

func NewSimulatedHandler(uploader Uploader, stepDelay time.Duration) *SimulatedHandler {
	return &SimulatedHandler{uploader: uploader, stepDelay: stepDelay, now: time.Now}
}

type reportManifest struct {
	JobID       string         `json:"jobId"`
	JobType     models.JobType `json:"jobType"`
	Mode        models.Mode    `json:"mode"`
	SchoolID    int64          `json:"schoolId"`
	RequestedBy int64          `json:"requestedBy"`
	Students    []int64        `json:"students"`
	Template    string         `json:"template,omitempty"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

type taskResult struct {
	Artifact string `json:"artifact"`
	Students int    `json:"students"`
}

func (h *SimulatedHandler) Handle(ctx context.Context, task Task, progress ProgressFunc) (json.RawMessage, error) {
	if failRequested(task.Data.Data) {
		return nil, errors.New("simulated failure requested by data.shouldFail")
	}

	students := task.Students()
	steps := len(students)
	if steps == 0 {
		steps = 1
	}
	for i := 0; i < steps; i++ {
		if err := sleepCtx(ctx, h.stepDelay); err != nil {
			return nil, err
		}
		msg := fmt.Sprintf("step %d/%d", i+1, steps)
		if i < len(students) {
			msg = fmt.Sprintf("student %d processed (%d/%d)", students[i], i+1, steps)
		}
		if err := progress(ctx, (i+1)*90/steps, msg); err != nil {
			return nil, err
		}
	}

	body, err := json.MarshalIndent(reportManifest{
		JobID:       task.JobID,
		JobType:     task.Data.JobType,
		Mode:        task.Mode,
		SchoolID:    task.Data.SchoolID,
		RequestedBy: task.UserID,
		Students:    students,
		Template:    task.Data.Template,
		GeneratedAt: h.now().UTC(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	key := fmt.Sprintf("%s/%d/%s.json", strings.ToLower(string(task.Data.JobType)), task.Data.SchoolID, task.JobID)
	location, err := h.uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		return nil, fmt.Errorf("upload artifact: %w", err)
	}
	return json.Marshal(taskResult{Artifact: location, Students: len(students)})
}

func failRequested(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var opts struct {
		ShouldFail bool `json:"shouldFail"`
	}
	return json.Unmarshal(raw, &opts) == nil && opts.ShouldFail
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
