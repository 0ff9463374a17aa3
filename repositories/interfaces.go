package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/upb/adgen/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// JobRepository persists async generation jobs
type JobRepository interface {
	// Save inserts or replaces the job (last write wins)
	Save(ctx context.Context, job *models.Job) error

	// Load retrieves a job by ID, ErrNotFound when missing
	Load(ctx context.Context, id string) (*models.Job, error)

	// ListByUser returns the jobs of a user, newest first
	ListByUser(ctx context.Context, userID string) ([]*models.Job, error)

	// ListByStatus returns every job in one of statuses, oldest first
	ListByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error)

	// DeleteTerminalBefore removes terminal jobs completed before cutoff
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// HealthChecker is implemented by stores that can be pinged
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
