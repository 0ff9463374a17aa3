package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/adgen/config"
	"github.com/upb/adgen/models"
	"github.com/upb/adgen/repositories"
)

var columns = []string{
	"id", "user_id", "job_type", "status", "progress", "total_steps", "current_step",
	"payload", "result", "error_message", "created_at", "updated_at", "completed_at",
}

// sqlmock does not export its option type, so ping monitoring is passed as a flag.
func newMockRepo(t *testing.T, monitorPings ...bool) (*JobRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(len(monitorPings) > 0 && monitorPings[0]))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewJobRepository(New(db, config.DriverPostgres, zap.NewNop()), zap.NewNop()), mock
}

func TestJobRepository_Save(t *testing.T) {
	repo, mock := newMockRepo(t)
	job := models.NewJob("user-1", models.JobTypeAdContent, 3, []byte(`{"prompt":"tea"}`))

	mock.ExpectExec("INSERT INTO generation_jobs .* ON CONFLICT \\(id\\) DO UPDATE").
		WithArgs(job.ID, "user-1", "AD_CONTENT_GENERATION", "PENDING", 0, 3, "Queued",
			`{"prompt":"tea"}`, nil, "", sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Save(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepository_SaveError(t *testing.T) {
	repo, mock := newMockRepo(t)
	job := models.NewJob("user-1", models.JobTypeImage, 1, nil)

	mock.ExpectExec("INSERT INTO generation_jobs").WillReturnError(errors.New("connection reset"))

	err := repo.Save(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save job")
}

func TestJobRepository_Load(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	done := now.Add(time.Minute)

	t.Run("found", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		rows := sqlmock.NewRows(columns).AddRow(
			"job-1", "user-1", "AD_CONTENT_GENERATION", "COMPLETED", 100, 3, "Completed",
			`{"prompt":"tea"}`, `{"variations":[]}`, "", now, done, done,
		)
		mock.ExpectQuery("SELECT .* FROM generation_jobs WHERE id = \\$1").
			WithArgs("job-1").
			WillReturnRows(rows)

		job, err := repo.Load(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, job.Status)
		assert.Equal(t, models.JobTypeAdContent, job.Type)
		assert.Equal(t, 100, job.Progress)
		assert.JSONEq(t, `{"variations":[]}`, string(job.Result))
		require.NotNil(t, job.CompletedAt)
		assert.True(t, done.Equal(*job.CompletedAt))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT .* FROM generation_jobs").WillReturnError(sql.ErrNoRows)

		_, err := repo.Load(context.Background(), "nope")
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})

	t.Run("null columns", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		rows := sqlmock.NewRows(columns).AddRow(
			"job-2", "user-1", "IMAGE_GENERATION", "PENDING", 0, 1, "Queued",
			nil, nil, "", now, now, nil,
		)
		mock.ExpectQuery("SELECT .* FROM generation_jobs").WillReturnRows(rows)

		job, err := repo.Load(context.Background(), "job-2")
		require.NoError(t, err)
		assert.Nil(t, job.Payload)
		assert.Nil(t, job.Result)
		assert.Nil(t, job.CompletedAt)
	})
}

func TestJobRepository_ListByUser(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows(columns).
		AddRow("b", "user-1", "AD_CONTENT_GENERATION", "RUNNING", 50, 2, "Generating", nil, nil, "", now, now, nil).
		AddRow("a", "user-1", "IMAGE_GENERATION", "FAILED", 0, 1, "Failed", nil, nil, "boom", now.Add(-time.Hour), now, now)

	mock.ExpectQuery("WHERE user_id = \\$1\\s+ORDER BY created_at DESC").
		WithArgs("user-1").
		WillReturnRows(rows)

	jobs, err := repo.ListByUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[0].ID)
	assert.Equal(t, "boom", jobs[1].ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepository_ListByStatus(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("WHERE status IN \\(\\$1, \\$2\\)").
		WithArgs("PENDING", "RUNNING").
		WillReturnRows(sqlmock.NewRows(columns))

	jobs, err := repo.ListByStatus(context.Background(), models.ActiveJobStatuses...)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.NoError(t, mock.ExpectationsWereMet())

	none, err := repo.ListByStatus(context.Background())
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestJobRepository_DeleteTerminalBefore(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := time.Now().Add(-7 * 24 * time.Hour)

	mock.ExpectExec("DELETE FROM generation_jobs\\s+WHERE status IN \\(\\$1, \\$2, \\$3\\) .* completed_at < \\$4").
		WithArgs("COMPLETED", "FAILED", "CANCELLED", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.DeleteTerminalBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepository_HealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		repo, mock := newMockRepo(t, true)
		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

		assert.NoError(t, repo.HealthCheck(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ping fails", func(t *testing.T) {
		repo, mock := newMockRepo(t, true)
		mock.ExpectPing().WillReturnError(errors.New("down"))

		err := repo.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database health check failed")
	})
}
