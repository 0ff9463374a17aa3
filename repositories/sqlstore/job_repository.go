package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/adgen/models"
	"github.com/upb/adgen/repositories"
)

const jobColumns = `id, user_id, job_type, status, progress, total_steps, current_step,
	payload, result, error_message, created_at, updated_at, completed_at`

// JobRepository implements repositories.JobRepository
type JobRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB, logger *zap.Logger) *JobRepository {
	return &JobRepository{
		db:     db,
		logger: logger,
	}
}

// Save upserts the job
func (r *JobRepository) Save(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO generation_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			total_steps = excluded.total_steps,
			current_step = excluded.current_step,
			payload = excluded.payload,
			result = excluded.result,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`

	_, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.UserID,
		string(job.Type),
		string(job.Status),
		job.Progress,
		job.TotalSteps,
		job.CurrentStep,
		nullableJSON(job.Payload),
		nullableJSON(job.Result),
		job.ErrorMessage,
		job.CreatedAt,
		job.UpdatedAt,
		nullableTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	r.logger.Debug("job saved", zap.String("id", job.ID), zap.String("status", string(job.Status)))
	return nil
}

// Load retrieves a job by ID
func (r *JobRepository) Load(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = $1`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return job, nil
}

// ListByUser retrieves the jobs of a user, newest first
func (r *JobRepository) ListByUser(ctx context.Context, userID string) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM generation_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	return r.query(ctx, query, userID)
}

// ListByStatus retrieves jobs in any of statuses, oldest first
func (r *JobRepository) ListByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	in, args := statusArgs(statuses, 1)
	query := `
		SELECT ` + jobColumns + `
		FROM generation_jobs
		WHERE status IN (` + in + `)
		ORDER BY created_at ASC
	`
	return r.query(ctx, query, args...)
}

// DeleteTerminalBefore removes terminal jobs completed before cutoff
func (r *JobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	terminal := []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled}
	in, args := statusArgs(terminal, 1)
	query := fmt.Sprintf(`
		DELETE FROM generation_jobs
		WHERE status IN (%s) AND completed_at IS NOT NULL AND completed_at < $%d
	`, in, len(args)+1)
	args = append(args, cutoff)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged jobs: %w", err)
	}
	return n, nil
}

// HealthCheck pings the underlying database
func (r *JobRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

func (r *JobRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job         models.Job
		jobType     string
		status      string
		payload     sql.NullString
		result      sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&jobType,
		&status,
		&job.Progress,
		&job.TotalSteps,
		&job.CurrentStep,
		&payload,
		&result,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	if payload.Valid {
		job.Payload = []byte(payload.String)
	}
	if result.Valid {
		job.Result = []byte(result.String)
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

// statusArgs renders "$n, $n+1, ..." placeholders for statuses starting at n
func statusArgs(statuses []models.JobStatus, n int) (string, []interface{}) {
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", n+i)
		args[i] = string(s)
	}
	return strings.Join(placeholders, ", "), args
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

var _ repositories.JobRepository = (*JobRepository)(nil)
