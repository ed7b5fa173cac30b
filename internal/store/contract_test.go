package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driving-school-jobs/internal/models"
)

// runJobStoreContract exercises behaviour every JobStore driver must share.
func runJobStoreContract(t *testing.T, st JobStore) {
	ctx := context.Background()

	t.Run("create pending", func(t *testing.T) {
		job, err := st.CreateJob(ctx, CreateJobParams{Type: models.JobTypePDFGeneration, SchoolID: 1, UserID: 10, Payload: json.RawMessage(`{"studentId":5}`)})
		require.NoError(t, err)
		require.NotZero(t, job.ID)
		require.Equal(t, models.StatusPending, job.Status)
		require.Equal(t, 0, job.Progress)

		got, err := st.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.JSONEq(t, `{"studentId":5}`, string(got.Payload))
	})

	t.Run("progress lifecycle", func(t *testing.T) {
		job, err := st.CreateJob(ctx, CreateJobParams{Type: models.JobTypeGroupSimulation, SchoolID: 1, UserID: 10})
		require.NoError(t, err)

		job, err = st.ApplyProgress(ctx, job.ID, models.ProgressUpdate{Progress: 25})
		require.NoError(t, err)
		require.Equal(t, models.StatusProcessing, job.Status)
		require.Equal(t, 25, job.Progress)

		job, err = st.ApplyProgress(ctx, job.ID, models.ProgressUpdate{Progress: 100, Result: json.RawMessage(`{"file":"a.pdf"}`)})
		require.NoError(t, err)
		require.Equal(t, models.StatusCompleted, job.Status)
		require.NotNil(t, job.CompletedAt)
		completedAt := *job.CompletedAt

		// Last writer wins for status, completed_at stays.
		job, err = st.ApplyProgress(ctx, job.ID, models.ProgressUpdate{Progress: 30})
		require.NoError(t, err)
		require.Equal(t, models.StatusProcessing, job.Status)

		stored, err := st.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, completedAt, *stored.CompletedAt)
		require.JSONEq(t, `{"file":"a.pdf"}`, string(stored.Result))
	})

	t.Run("failure", func(t *testing.T) {
		job, err := st.CreateJob(ctx, CreateJobParams{Type: models.JobTypePDFGeneration, SchoolID: 2, UserID: 20})
		require.NoError(t, err)
		job, err = st.ApplyProgress(ctx, job.ID, models.ProgressUpdate{Progress: -1, Message: "x"})
		require.NoError(t, err)
		require.Equal(t, models.StatusFailed, job.Status)
		require.Equal(t, 0, job.Progress)

		stored, err := st.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, "x", *stored.ErrorMessage)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := st.ApplyProgress(ctx, 987654321, models.ProgressUpdate{Progress: 10})
		require.ErrorIs(t, err, ErrJobNotFound)
		_, err = st.GetJob(ctx, 987654321)
		require.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("list and processing", func(t *testing.T) {
		school := int64(77)
		var ids []int64
		for i := 0; i < 3; i++ {
			job, err := st.CreateJob(ctx, CreateJobParams{Type: models.JobTypeSingleSimulation, SchoolID: school, UserID: 700 + int64(i)})
			require.NoError(t, err)
			ids = append(ids, job.ID)
		}
		_, err := st.ApplyProgress(ctx, ids[1], models.ProgressUpdate{Progress: 50})
		require.NoError(t, err)

		page, err := st.ListJobs(ctx, JobFilter{SchoolID: &school, Limit: 2})
		require.NoError(t, err)
		require.Equal(t, int64(3), page.Total)
		require.Len(t, page.Items, 2)
		require.Equal(t, ids[2], page.Items[0].ID)

		page, err = st.ListJobs(ctx, JobFilter{SchoolID: &school, Status: models.StatusProcessing})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		require.Equal(t, ids[1], page.Items[0].ID)

		owner := int64(701)
		mine, err := st.ListProcessing(ctx, &owner)
		require.NoError(t, err)
		require.Len(t, mine, 1)

		other := int64(700)
		none, err := st.ListProcessing(ctx, &other)
		require.NoError(t, err)
		require.Empty(t, none)
	})
}

func runSessionStoreContract(t *testing.T, st SessionStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	first := models.Session{Token: "tok-1", UserID: 5, UserType: models.UserTypeOwner, SchoolID: 3,
		ExpiresAt: now.Add(time.Hour), LastActivity: now, LastLogin: now}
	require.NoError(t, st.ReplaceSessions(ctx, first))

	got, err := st.GetSession(ctx, "tok-1", 5)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.SchoolID)

	_, err = st.GetSession(ctx, "tok-1", 6)
	require.ErrorIs(t, err, ErrSessionNotFound)

	second := first
	second.Token = "tok-2"
	require.NoError(t, st.ReplaceSessions(ctx, second))
	_, err = st.GetSession(ctx, "tok-1", 5)
	require.ErrorIs(t, err, ErrSessionNotFound)

	// Another role of the same user id keeps its own session.
	admin := first
	admin.Token = "tok-admin"
	admin.UserType = models.UserTypeAdmin
	require.NoError(t, st.ReplaceSessions(ctx, admin))
	_, err = st.GetSession(ctx, "tok-2", 5)
	require.NoError(t, err)

	require.NoError(t, st.TouchSession(ctx, "tok-2", now.Add(time.Minute)))
	require.ErrorIs(t, st.TouchSession(ctx, "missing", now), ErrSessionNotFound)

	expired := models.Session{Token: "tok-old", UserID: 9, UserType: models.UserTypeManager,
		ExpiresAt: now.Add(-time.Minute), LastActivity: now, LastLogin: now}
	require.NoError(t, st.ReplaceSessions(ctx, expired))
	_, err = st.GetSession(ctx, "tok-old", 9)
	require.True(t, errors.Is(err, ErrSessionExpired))

	n, err := st.DeleteExpired(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, st.DeleteSession(ctx, "tok-2"))
	require.ErrorIs(t, st.DeleteSession(ctx, "tok-2"), ErrSessionNotFound)
}
