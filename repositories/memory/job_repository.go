// Package memory provides an in-process JobRepository for tests and
// single-node deployments without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/upb/adgen/models"
	"github.com/upb/adgen/repositories"
)

// JobRepository keeps jobs in a map guarded by a RWMutex
type JobRepository struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
}

// NewJobRepository creates an empty repository
func NewJobRepository() *JobRepository {
	return &JobRepository{jobs: make(map[string]*models.Job)}
}

// Save stores a copy of job
func (r *JobRepository) Save(ctx context.Context, job *models.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job.Clone()
	return nil
}

// Load returns a copy of the job with id
func (r *JobRepository) Load(ctx context.Context, id string) (*models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return job.Clone(), nil
}

// ListByUser returns the jobs of userID, newest first
func (r *JobRepository) ListByUser(ctx context.Context, userID string) ([]*models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Job
	for _, job := range r.jobs {
		if job.UserID == userID {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListByStatus returns jobs in any of statuses, oldest first
func (r *JobRepository) ListByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	want := make(map[models.JobStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Job
	for _, job := range r.jobs {
		if want[job.Status] {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteTerminalBefore removes terminal jobs completed before cutoff
func (r *JobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, job := range r.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

// HealthCheck always succeeds
func (r *JobRepository) HealthCheck(ctx context.Context) error {
	return nil
}

var _ repositories.JobRepository = (*JobRepository)(nil)
