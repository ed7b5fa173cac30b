package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"driving-school-jobs/internal/jobs"
	"driving-school-jobs/internal/models"
)

// ErrStaleReport means the API already holds a newer update for the job.
var ErrStaleReport = errors.New("progress report superseded")

// Reporter delivers progress envelopes to the API and reads back stored jobs.
type Reporter interface {
	Report(ctx context.Context, jobID string, env jobs.Envelope) error
	Lookup(ctx context.Context, jobID string) (models.Job, error)
}

// StatusError is a non-retryable API response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api rejected request: status %d: %s", e.Code, e.Body)
}

// ReporterConfig controls the callback target and its retry policy.
type ReporterConfig struct {
	BaseURL         string
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Timeout         time.Duration
}

// HTTPReporter posts envelopes to /internal/jobs/{id}/progress, retrying
// transport errors, 429 and 5xx with jittered exponential backoff.
type HTTPReporter struct {
	cfg    ReporterConfig
	client *http.Client
}

func NewHTTPReporter(cfg ReporterConfig) *HTTPReporter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPReporter{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (r *HTTPReporter) Report(ctx context.Context, jobID string, env jobs.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	target := r.jobURL(jobID) + "/progress"
	_, err = r.retry(ctx, jobID, func() ([]byte, error) {
		return r.do(ctx, http.MethodPost, target, body)
	})
	return err
}

// Lookup fetches the stored job from /internal/jobs/{id}.
func (r *HTTPReporter) Lookup(ctx context.Context, jobID string) (models.Job, error) {
	target := r.jobURL(jobID)
	raw, err := r.retry(ctx, jobID, func() ([]byte, error) {
		return r.do(ctx, http.MethodGet, target, nil)
	})
	if err != nil {
		return models.Job{}, err
	}
	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func (r *HTTPReporter) jobURL(jobID string) string {
	return fmt.Sprintf("%s/internal/jobs/%s", r.cfg.BaseURL, url.PathEscape(jobID))
}

func (r *HTTPReporter) retry(ctx context.Context, jobID string, op func() ([]byte, error)) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialInterval
	policy.MaxInterval = r.cfg.MaxInterval

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Str("job_id", jobID).Dur("retry_in", next).Msg("API call failed")
		}),
	)
}

func (r *HTTPReporter) do(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()
	msg, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode < http.StatusMultipleChoices:
		return msg, nil
	case resp.StatusCode == http.StatusConflict:
		return nil, backoff.Permanent(ErrStaleReport)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%s %s: status %d", method, target, resp.StatusCode)
	default:
		return nil, backoff.Permanent(&StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))})
	}
}
