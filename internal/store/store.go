package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"driving-school-jobs/internal/models"
)

// Sentinel errors shared by every store driver.
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrStaleProgress   = errors.New("stale progress update")
	ErrUnavailable     = errors.New("store unavailable")
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type     models.JobType
	SchoolID int64
	UserID   int64
	Payload  json.RawMessage
}

// JobFilter narrows a job listing. A nil SchoolID means every school.
type JobFilter struct {
	Status   models.JobStatus
	Type     models.JobType
	SchoolID *int64
	UserID   *int64
	Page     int
	Limit    int
}

// Normalize applies pagination defaults and bounds.
func (f JobFilter) Normalize() JobFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	return f
}

func (f JobFilter) offset() int {
	return (f.Page - 1) * f.Limit
}

// JobPage is one page of a listing, newest first.
type JobPage struct {
	Items []models.Job `json:"items"`
	Total int64        `json:"total"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
}

// JobStore persists jobs and applies their state machine.
type JobStore interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id int64) (models.Job, error)
	ApplyProgress(ctx context.Context, id int64, u models.ProgressUpdate) (models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) (JobPage, error)
	// ListProcessing returns every PROCESSING job, or only the user's when userID is set.
	ListProcessing(ctx context.Context, userID *int64) ([]models.Job, error)
}

// SessionStore persists bearer-token sessions.
type SessionStore interface {
	// GetSession returns the session for the token owned by userID. Expired sessions are
	// returned together with ErrSessionExpired so callers can tell both cases apart.
	GetSession(ctx context.Context, token string, userID int64) (models.Session, error)
	TouchSession(ctx context.Context, token string, at time.Time) error
	// ReplaceSessions deletes every session of (UserID, UserType) and inserts s.
	ReplaceSessions(ctx context.Context, s models.Session) error
	DeleteSession(ctx context.Context, token string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Option configures store behaviour shared by drivers.
type Option func(*options)

type options struct {
	enforceSequence bool
	now             func() time.Time
	firstJobID      int64
}

// WithSequenceGuard rejects numbered progress updates that are not newer than the last one.
func WithSequenceGuard(enabled bool) Option {
	return func(o *options) { o.enforceSequence = enabled }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithFirstJobID sets the first id handed out by the memory driver.
func WithFirstJobID(id int64) Option {
	return func(o *options) { o.firstJobID = id }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, firstJobID: 1}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func applyUpdate(job *models.Job, u models.ProgressUpdate, o options) error {
	if err := job.Apply(u, o.now(), o.enforceSequence); err != nil {
		var stale *models.ErrStaleUpdate
		if errors.As(err, &stale) {
			return errors.Join(ErrStaleProgress, err)
		}
		return err
	}
	return nil
}
