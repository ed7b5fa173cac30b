package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"driving-school-jobs/internal/models"
)

// Store wraps pgxpool for Postgres persistence of jobs and sessions.
type Store struct {
	pool *pgxpool.Pool
	opts options
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", mapPostgresError(err))
	}
	return &Store{pool: pool, opts: buildOptions(opts)}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, type, status, school_id, user_id, progress_percentage, payload, result, error_message, last_sequence, created_at, updated_at, completed_at`

// CreateJob inserts a PENDING row with progress 0 and returns it with its allocated id.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	now := s.opts.now().Unix()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (type, status, school_id, user_id, progress_percentage, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
		RETURNING `+jobColumns,
		p.Type, models.StatusPending, p.SchoolID, p.UserID, []byte(payload), now)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", mapPostgresError(err))
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %d: %w", id, ErrJobNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", mapPostgresError(err))
	}
	return job, nil
}

// ApplyProgress reads the job, applies the update and writes it back. There is no
// row lock: concurrent callbacks for the same job are last-writer-wins.
func (s *Store) ApplyProgress(ctx context.Context, id int64, u models.ProgressUpdate) (models.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if err := applyUpdate(&job, u, s.opts); err != nil {
		return job, err
	}

	var result []byte
	if len(job.Result) > 0 {
		result = job.Result
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, progress_percentage = $3, result = $4, error_message = $5,
		    last_sequence = $6, updated_at = $7, completed_at = $8
		WHERE id = $1
	`, job.ID, job.Status, job.Progress, result, job.ErrorMessage, job.LastSequence, job.UpdatedAt, job.CompletedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("update job progress: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	return job, nil
}

// ListJobs returns one page of jobs ordered newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) (JobPage, error) {
	f = f.Normalize()
	where, args := jobFilterClause(f)

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return JobPage{}, fmt.Errorf("count jobs: %w", mapPostgresError(err))
	}

	args = append(args, f.Limit, f.offset())
	query := fmt.Sprintf(`SELECT %s FROM jobs%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return JobPage{}, fmt.Errorf("list jobs: %w", mapPostgresError(err))
	}
	items, err := collectJobs(rows)
	if err != nil {
		return JobPage{}, err
	}
	return JobPage{Items: items, Total: total, Page: f.Page, Limit: f.Limit}, nil
}

// ListProcessing returns in-flight jobs, optionally only those owned by userID.
func (s *Store) ListProcessing(ctx context.Context, userID *int64) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1`
	args := []any{models.StatusProcessing}
	if userID != nil {
		query += ` AND user_id = $2`
		args = append(args, *userID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list processing jobs: %w", mapPostgresError(err))
	}
	return collectJobs(rows)
}

func jobFilterClause(f JobFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.SchoolID != nil {
		add("school_id = $%d", *f.SchoolID)
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	out := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", mapPostgresError(err))
	}
	return out, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payload, result []byte
	var errMsg pgtype.Text
	var completedAt pgtype.Int8

	if err := row.Scan(&job.ID, &job.Type, &job.Status, &job.SchoolID, &job.UserID, &job.Progress,
		&payload, &result, &errMsg, &job.LastSequence, &job.CreatedAt, &job.UpdatedAt, &completedAt); err != nil {
		return models.Job{}, err
	}
	job.Payload = payload
	if len(result) > 0 {
		job.Result = result
	}
	job.ErrorMessage = textPtr(errMsg)
	if completedAt.Valid {
		v := completedAt.Int64
		job.CompletedAt = &v
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
