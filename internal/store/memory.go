package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"driving-school-jobs/internal/models"
)

// MemoryStore keeps jobs and sessions in process memory. It backs local development
// (STORE_DRIVER=memory) and tests, and mirrors the Postgres driver's semantics.
type MemoryStore struct {
	mu       sync.Mutex
	opts     options
	nextID   int64
	jobs     map[int64]models.Job
	sessions map[string]models.Session
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		opts:     o,
		nextID:   o.firstJobID,
		jobs:     make(map[int64]models.Job),
		sessions: make(map[string]models.Session),
	}
}

func (m *MemoryStore) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now().Unix()
	job := models.Job{
		ID:        m.nextID,
		Type:      p.Type,
		Status:    models.StatusPending,
		SchoolID:  p.SchoolID,
		UserID:    p.UserID,
		Payload:   cloneRaw(p.Payload),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.nextID++
	m.jobs[job.ID] = job
	return job, nil
}

func (m *MemoryStore) GetJob(_ context.Context, id int64) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	return job, nil
}

func (m *MemoryStore) ApplyProgress(_ context.Context, id int64, u models.ProgressUpdate) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	if err := applyUpdate(&job, u, m.opts); err != nil {
		return job, err
	}
	m.jobs[id] = job
	return job, nil
}

func (m *MemoryStore) ListJobs(_ context.Context, f JobFilter) (JobPage, error) {
	f = f.Normalize()
	m.mu.Lock()
	matched := make([]models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.Type != "" && job.Type != f.Type {
			continue
		}
		if f.SchoolID != nil && job.SchoolID != *f.SchoolID {
			continue
		}
		if f.UserID != nil && job.UserID != *f.UserID {
			continue
		}
		matched = append(matched, job)
	}
	m.mu.Unlock()

	sortNewestFirst(matched)
	page := JobPage{Items: []models.Job{}, Total: int64(len(matched)), Page: f.Page, Limit: f.Limit}
	start := f.offset()
	if start < len(matched) {
		end := start + f.Limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Items = matched[start:end]
	}
	return page, nil
}

func (m *MemoryStore) ListProcessing(_ context.Context, userID *int64) ([]models.Job, error) {
	m.mu.Lock()
	out := make([]models.Job, 0)
	for _, job := range m.jobs {
		if job.Status != models.StatusProcessing {
			continue
		}
		if userID != nil && job.UserID != *userID {
			continue
		}
		out = append(out, job)
	}
	m.mu.Unlock()
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) GetSession(_ context.Context, token string, userID int64) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok || s.UserID != userID {
		return models.Session{}, ErrSessionNotFound
	}
	if s.IsExpired(m.opts.now()) {
		return s, ErrSessionExpired
	}
	return s, nil
}

func (m *MemoryStore) TouchSession(_ context.Context, token string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return ErrSessionNotFound
	}
	s.LastActivity = at
	m.sessions[token] = s
	return nil
}

func (m *MemoryStore) ReplaceSessions(_ context.Context, s models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, existing := range m.sessions {
		if existing.UserID == s.UserID && existing.UserType == s.UserType {
			delete(m.sessions, token)
		}
	}
	m.sessions[s.Token] = s
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[token]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, token)
	return nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for token, s := range m.sessions {
		if s.IsExpired(now) {
			delete(m.sessions, token)
			n++
		}
	}
	return n, nil
}

// SessionCount reports how many sessions exist for an identity.
func (m *MemoryStore) SessionCount(userID int64, userType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID && s.UserType == userType {
			n++
		}
	}
	return n
}

func sortNewestFirst(jobs []models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt != jobs[j].CreatedAt {
			return jobs[i].CreatedAt > jobs[j].CreatedAt
		}
		return jobs[i].ID > jobs[j].ID
	})
}

func cloneRaw(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}
