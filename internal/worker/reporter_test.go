package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driving-school-jobs/internal/jobs"
	"driving-school-jobs/internal/models"
)

func newTestReporter(t *testing.T, statuses ...int) (*HTTPReporter, *atomic.Int32, chan jobs.Envelope) {
	t.Helper()
	var hits atomic.Int32
	received := make(chan jobs.Envelope, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		assert.Equal(t, "/internal/jobs/42/progress", r.URL.Path)
		var env jobs.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err == nil {
			received <- env
		}
		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":"error","message":"nope"}`))
	}))
	t.Cleanup(srv.Close)
	rep := NewHTTPReporter(ReporterConfig{
		BaseURL:         srv.URL + "/",
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	})
	return rep, &hits, received
}

func TestHTTPReporterRetriesTransientFailures(t *testing.T) {
	rep, hits, received := newTestReporter(t, http.StatusServiceUnavailable, http.StatusOK)

	env := jobs.Envelope{Outcome: models.OutcomeProgress, Progress: 40, Message: "halfway", Sequence: 9}
	require.NoError(t, rep.Report(context.Background(), "42", env))
	require.Equal(t, int32(2), hits.Load())

	got := <-received
	require.Equal(t, env.Outcome, got.Outcome)
	require.Equal(t, 40, got.Progress)
	require.Equal(t, int64(9), got.Sequence)
}

func TestHTTPReporterGivesUpAfterMaxAttempts(t *testing.T) {
	rep, hits, _ := newTestReporter(t, http.StatusInternalServerError)

	err := rep.Report(context.Background(), "42", jobs.Envelope{Outcome: models.OutcomeCompleted, Progress: 100})
	require.Error(t, err)
	require.Equal(t, int32(3), hits.Load())
}

func TestHTTPReporterStaleIsPermanent(t *testing.T) {
	rep, hits, _ := newTestReporter(t, http.StatusConflict)

	err := rep.Report(context.Background(), "42", jobs.Envelope{Outcome: models.OutcomeProgress, Progress: 10, Sequence: 1})
	require.ErrorIs(t, err, ErrStaleReport)
	require.Equal(t, int32(1), hits.Load())
}

func TestHTTPReporterClientErrorIsPermanent(t *testing.T) {
	rep, hits, _ := newTestReporter(t, http.StatusBadRequest)

	err := rep.Report(context.Background(), "42", jobs.Envelope{Outcome: "bogus"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.Code)
	require.Contains(t, statusErr.Body, "nope")
	require.Equal(t, int32(1), hits.Load())
}

func TestHTTPReporterLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		if r.URL.Path != "/internal/jobs/42" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(models.Job{ID: 42, Status: models.StatusCompleted, Progress: 100})
	}))
	t.Cleanup(srv.Close)
	rep := NewHTTPReporter(ReporterConfig{BaseURL: srv.URL, MaxAttempts: 2, InitialInterval: time.Millisecond})

	job, err := rep.Lookup(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, job.Status)
	require.True(t, job.Status.Terminal())

	_, err = rep.Lookup(context.Background(), "43")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.Code)
}
