package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"driving-school-jobs/internal/models"
	"driving-school-jobs/internal/queue"
	"driving-school-jobs/internal/store"
	"driving-school-jobs/internal/telemetry"
)

// ErrEnqueueFailed marks a submission whose row was stored but never reached the broker.
var ErrEnqueueFailed = errors.New("enqueue failed")

// Callback shapes, used as a metrics label.
const (
	ShapeSchool   = "school"
	ShapeGeneric  = "generic"
	ShapeEnvelope = "envelope"
	shapeInternal = "internal"
)

// Notifier pushes an event to every live connection of a user and reports how many got it.
type Notifier interface {
	SendToUser(userID int64, ev models.Event) int
}

// Submission is the accepted job plus a rough completion estimate.
type Submission struct {
	Job              models.Job
	EstimatedSeconds int
}

// Service ties the job store, the queue and the realtime notifier together.
type Service struct {
	jobs        store.JobStore
	publisher   queue.Publisher
	notifier    Notifier
	queuePrefix string
	now         func() time.Time
}

func NewService(jobs store.JobStore, publisher queue.Publisher, notifier Notifier, queuePrefix string) *Service {
	return &Service{
		jobs:        jobs,
		publisher:   publisher,
		notifier:    notifier,
		queuePrefix: queuePrefix,
		now:         time.Now,
	}
}

// EstimateSeconds is 15 seconds plus 10 per student.
func EstimateSeconds(students int) int {
	return 15 + 10*students
}

// Submit validates the request, stores a PENDING job and only then publishes it.
// When publishing fails the stored job is marked FAILED and ErrEnqueueFailed is returned.
func (s *Service) Submit(ctx context.Context, schoolID, userID int64, req models.SubmitRequest) (Submission, error) {
	payload, err := models.NewPayload(req)
	if err != nil {
		return Submission{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Submission{}, fmt.Errorf("marshal payload: %w", err)
	}

	job, err := s.jobs.CreateJob(ctx, store.CreateJobParams{
		Type:     payload.Kind(),
		SchoolID: schoolID,
		UserID:   userID,
		Payload:  raw,
	})
	if err != nil {
		return Submission{}, fmt.Errorf("create job: %w", err)
	}

	msg, err := models.NewQueueMessage(job, payload)
	if err != nil {
		return Submission{}, fmt.Errorf("build queue message: %w", err)
	}
	name := queue.Name(s.queuePrefix, job.Type)
	if err := s.publisher.Publish(ctx, name, msg); err != nil {
		telemetry.PublishFailures.Inc()
		log.Error().Err(err).Int64("job_id", job.ID).Str("queue", name).Msg("Failed to publish job")
		failed, applyErr := s.ApplyProgress(ctx, job.ID, Envelope{
			Outcome: models.OutcomeFailed,
			Message: "enqueue failed: " + err.Error(),
		}, shapeInternal)
		if applyErr == nil {
			job = failed
		}
		return Submission{Job: job}, errors.Join(ErrEnqueueFailed, err)
	}

	telemetry.JobsSubmitted.WithLabelValues(string(job.Type)).Inc()
	log.Info().
		Int64("job_id", job.ID).
		Str("type", string(job.Type)).
		Int64("school_id", schoolID).
		Str("queue", name).
		Msg("Job submitted")
	return Submission{Job: job, EstimatedSeconds: EstimateSeconds(len(payload.Students()))}, nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id int64) (models.Job, error) {
	return s.jobs.GetJob(ctx, id)
}

// List returns one page of jobs.
func (s *Service) List(ctx context.Context, f store.JobFilter) (store.JobPage, error) {
	return s.jobs.ListJobs(ctx, f)
}

// ApplyProgress persists the update and pushes the matching event to the job owner.
// Delivery is best effort; the stored job is the source of truth.
func (s *Service) ApplyProgress(ctx context.Context, jobID int64, env Envelope, shape string) (models.Job, error) {
	if err := env.Validate(); err != nil {
		return models.Job{}, err
	}
	u := env.Update()
	job, err := s.jobs.ApplyProgress(ctx, jobID, u)
	if err != nil {
		if errors.Is(err, store.ErrStaleProgress) {
			telemetry.StaleRejections.Inc()
		}
		return job, err
	}
	telemetry.ProgressCallbacks.WithLabelValues(shape, string(u.Outcome)).Inc()

	if s.notifier != nil {
		ev := models.ProgressEvent(job, u.Outcome, env.Message, u.Result, s.now())
		n := s.notifier.SendToUser(job.UserID, ev)
		log.Debug().
			Int64("job_id", job.ID).
			Int64("user_id", job.UserID).
			Str("event", ev.Name).
			Int("connections", n).
			Msg("Progress pushed")
	}
	return job, nil
}

// ApplySchoolCallback handles the tenant-scoped shape. The path school and the claimed
// user are compared with the stored job only for logging; the job owner gets the push.
func (s *Service) ApplySchoolCallback(ctx context.Context, schoolID int64, cb SchoolCallback) (models.Job, error) {
	id, env, err := cb.Envelope()
	if err != nil {
		return models.Job{}, err
	}
	job, err := s.ApplyProgress(ctx, id, env, ShapeSchool)
	if err != nil {
		return job, err
	}
	if job.SchoolID != schoolID || (cb.UserID != 0 && cb.UserID != job.UserID) {
		log.Warn().
			Int64("job_id", job.ID).
			Int64("path_school_id", schoolID).
			Int64("job_school_id", job.SchoolID).
			Int64("claimed_user_id", cb.UserID).
			Int64("job_user_id", job.UserID).
			Str("tag", cb.Tag).
			Msg("Progress callback does not match job owner")
	}
	return job, nil
}

// ApplyGenericCallback handles the untenanted shape.
func (s *Service) ApplyGenericCallback(ctx context.Context, cb GenericCallback) (models.Job, error) {
	id, env, err := cb.Envelope()
	if err != nil {
		return models.Job{}, err
	}
	return s.ApplyProgress(ctx, id, env, ShapeGeneric)
}
