package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/adgen/models"
	"github.com/upb/adgen/repositories"
	"github.com/upb/adgen/repositories/memory"
	"github.com/upb/adgen/services"
)

func testConfig() Config {
	return Config{
		Workers:          2,
		QueueSize:        10,
		MaxActivePerUser: 5,
		JobTimeout:       5 * time.Second,
		Retention:        7 * 24 * time.Hour,
		PurgeInterval:    time.Hour,
		StoreTimeout:     time.Second,
	}
}

func newEngine(t *testing.T, cfg Config, repo repositories.JobRepository) *Engine {
	t.Helper()
	if repo == nil {
		repo = memory.NewJobRepository()
	}
	e := NewEngine(repo, cfg, zap.NewNop())
	t.Cleanup(func() { _ = e.Stop(2 * time.Second) })
	return e
}

func startedEngine(t *testing.T, cfg Config, repo repositories.JobRepository) *Engine {
	t.Helper()
	e := newEngine(t, cfg, repo)
	require.NoError(t, e.Start(context.Background()))
	return e
}

func waitTerminal(t *testing.T, e *Engine, jobID, userID string) *models.Job {
	t.Helper()
	job, err := e.Wait(context.Background(), jobID, userID, 3*time.Second)
	require.NoError(t, err)
	require.True(t, job.Status.IsTerminal(), "job still %s", job.Status)
	return job
}

// blockingWork runs until its context is done and reports how it ended
func blockingWork(started chan<- struct{}, exited *atomic.Bool) WorkFunc {
	return func(ctx context.Context, _ Progress) (interface{}, error) {
		close(started)
		<-ctx.Done()
		exited.Store(true)
		return nil, ctx.Err()
	}
}

func TestEngine_RunCompletes(t *testing.T) {
	repo := memory.NewJobRepository()
	e := startedEngine(t, testConfig(), repo)
	ctx := context.Background()

	id, err := e.CreateJob(ctx, "user-1", models.JobTypeAdContent, 2, json.RawMessage(`{"prompt":"tea"}`))
	require.NoError(t, err)

	job, err := e.GetStatus(ctx, id, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	require.NoError(t, e.Run(id, func(ctx context.Context, p Progress) (interface{}, error) {
		p.Step(1, "Halfway")
		return map[string]string{"headline": "Fresh tea"}, nil
	}))

	job = waitTerminal(t, e, id, "user-1")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.NotNil(t, job.CompletedAt)

	result, err := e.GetResult(ctx, id, "user-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"headline":"Fresh tea"}`, string(result))

	stored, err := repo.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
}

func TestEngine_RunFailures(t *testing.T) {
	tests := []struct {
		name    string
		work    WorkFunc
		message string
	}{
		{
			name: "error",
			work: func(context.Context, Progress) (interface{}, error) {
				return nil, errors.New("provider exploded")
			},
			message: "provider exploded",
		},
		{
			name: "panic",
			work: func(context.Context, Progress) (interface{}, error) {
				panic("nil map")
			},
			message: "job panicked: nil map",
		},
		{
			name: "unencodable result",
			work: func(context.Context, Progress) (interface{}, error) {
				return make(chan int), nil
			},
			message: "failed to encode job result",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := startedEngine(t, testConfig(), nil)
			id, err := e.CreateJob(context.Background(), "user-1", models.JobTypeImage, 1, nil)
			require.NoError(t, err)
			require.NoError(t, e.Run(id, tt.work))

			job := waitTerminal(t, e, id, "user-1")
			assert.Equal(t, models.JobStatusFailed, job.Status)
			assert.Contains(t, job.ErrorMessage, tt.message)

			_, err = e.GetResult(context.Background(), id, "user-1")
			assert.True(t, services.IsInvalidStateError(err))
		})
	}
}

func TestEngine_ActiveJobLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActivePerUser = 2
	e := newEngine(t, cfg, nil)
	ctx := context.Background()

	first, err := e.CreateJob(ctx, "user-1", models.JobTypeImage, 1, nil)
	require.NoError(t, err)
	_, err = e.CreateJob(ctx, "user-1", models.JobTypeImage, 1, nil)
	require.NoError(t, err)

	_, err = e.CreateJob(ctx, "user-1", models.JobTypeImage, 1, nil)
	require.Error(t, err)
	assert.True(t, services.IsCapacityError(err))
	assert.Equal(t, 2, services.GetErrorDetails(err)["limit"])

	// other users are unaffected
	_, err = e.CreateJob(ctx, "user-2", models.JobTypeImage, 1, nil)
	require.NoError(t, err)

	// terminal jobs free a slot
	_, err = e.Cancel(ctx, first, "user-1")
	require.NoError(t, err)
	_, err = e.CreateJob(ctx, "user-1", models.JobTypeImage, 1, nil)
	assert.NoError(t, err)
}

func TestEngine_CreateJobRequiresUser(t *testing.T) {
	e := newEngine(t, testConfig(), nil)
	_, err := e.CreateJob(context.Background(), " ", models.JobTypeImage, 1, nil)
	assert.True(t, services.IsValidationError(err))
}

func TestEngine_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	// not started, so nothing drains the queue
	e := newEngine(t, cfg, nil)
	ctx := context.Background()
	noop := func(context.Context, Progress) (interface{}, error) { return nil, nil }

	first, err := e.CreateJob(ctx, "user-1", models.JobTypeImage, 1, nil)
	require.NoError(t, err)
	require.NoError(t, e.Run(first, noop))

	second, err := e.CreateJob(ctx, "user-1", models.JobTypeImage, 1, nil)
	require.NoError(t, err)
	err = e.Run(second, noop)
	require.Error(t, err)
	assert.True(t, services.IsCapacityError(err))

	job, err := e.GetStatus(ctx, second, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "job queue is full", job.ErrorMessage)
}

func TestEngine_RunUnknownJob(t *testing.T) {
	e := newEngine(t, testConfig(), nil)
	err := e.Run("missing", func(context.Context, Progress) (interface{}, error) { return nil, nil })
	assert.True(t, services.IsNotFoundError(err))
}

func TestEngine_CancelPending(t *testing.T) {
	e := newEngine(t, testConfig(), nil)
	ctx := context.Background()
	var calls atomic.Int32

	id, err := e.CreateJob(ctx, "user-1", models.JobTypeImage, 1, nil)
	require.NoError(t, err)
	require.NoError(t, e.Run(id, func(context.Context, Progress) (interface{}, error) {
		calls.Add(1)
		return nil, nil
	}))

	job, err := e.Cancel(ctx, id, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)

	require.NoError(t, e.Start(ctx))
	assert.Never(t, func() bool { return calls.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	job, err = e.GetStatus(ctx, id, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
}

func TestEngine_CancelRunning(t *testing.T) {
	e := startedEngine(t, testConfig(), nil)
	ctx := context.Background()
	started := make(chan struct{})
	var exited atomic.Bool

	id, err := e.CreateJob(ctx, "user-1", models.JobTypeAdContent, 2, nil)
	require.NoError(t, err)
	require.NoError(t, e.Run(id, blockingWork(started, &exited)))
	<-started

	job, err := e.Cancel(ctx, id, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)

	require.Eventually(t, exited.Load, time.Second, 5*time.Millisecond)

	// the context error returned by the work must not overwrite CANCELLED
	assert.Never(t, func() bool {
		j, _ := e.GetStatus(ctx, id, "user-1")
		return j.Status != models.JobStatusCancelled
	}, 50*time.Millisecond, 5*time.Millisecond)

	_, err = e.Cancel(ctx, id, "user-1")
	assert.True(t, services.IsInvalidStateError(err))
}

func TestEngine_Ownership(t *testing.T) {
	e := newEngine(t, testConfig(), nil)
	ctx := context.Background()

	id, err := e.CreateJob(ctx, "user-1", models.JobTypeImage, 1, nil)
	require.NoError(t, err)

	_, err = e.GetStatus(ctx, id, "user-2")
	assert.True(t, services.IsNotFoundError(err))

	_, err = e.Cancel(ctx, id, "user-2")
	assert.True(t, services.IsNotFoundError(err))

	_, err = e.GetStatus(ctx, "missing", "user-1")
	assert.True(t, services.IsNotFoundError(err))

	_, err = e.GetResult(ctx, id, "user-1")
	assert.True(t, services.IsInvalidStateError(err))
}

func TestEngine_JobTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	e := startedEngine(t, cfg, nil)
	started := make(chan struct{})
	var exited atomic.Bool

	id, err := e.CreateJob(context.Background(), "user-1", models.JobTypeImage, 1, nil)
	require.NoError(t, err)
	require.NoError(t, e.Run(id, blockingWork(started, &exited)))

	job := waitTerminal(t, e, id, "user-1")
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "timed out")
}

func TestEngine_Submit(t *testing.T) {
	e := startedEngine(t, testConfig(), nil)
	ctx := context.Background()

	e.RegisterHandler(models.JobTypeImage, func(ctx context.Context, job *models.Job, p Progress) (interface{}, error) {
		assert.Equal(t, models.JobStatusRunning, job.Status)
		return json.RawMessage(job.Payload), nil
	})

	job, err := e.Submit(ctx, "user-1", models.JobTypeImage, 1, json.RawMessage(`{"url":"/media/a.png"}`))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	done := waitTerminal(t, e, job.ID, "user-1")
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.JSONEq(t, `{"url":"/media/a.png"}`, string(done.Result))

	_, err = e.Submit(ctx, "user-1", models.JobTypeAdContent, 1, nil)
	assert.True(t, services.IsValidationError(err))
}

func TestEngine_ListByUser(t *testing.T) {
	repo := memory.NewJobRepository()
	old := models.NewJob("user-1", models.JobTypeImage, 1, nil)
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	old.MarkAsFailed("earlier run")
	require.NoError(t, repo.Save(context.Background(), old))

	e := newEngine(t, testConfig(), repo)
	ctx := context.Background()

	a, err := e.CreateJob(ctx, "user-1", models.JobTypeImage, 1, nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := e.CreateJob(ctx, "user-1", models.JobTypeImage, 1, nil)
	require.NoError(t, err)
	_, err = e.CreateJob(ctx, "user-2", models.JobTypeImage, 1, nil)
	require.NoError(t, err)

	jobs, err := e.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, b, jobs[0].ID)
	assert.Equal(t, a, jobs[1].ID)
	assert.Equal(t, old.ID, jobs[2].ID)
}

func TestEngine_WaitTimeout(t *testing.T) {
	e := startedEngine(t, testConfig(), nil)
	started := make(chan struct{})
	var exited atomic.Bool

	id, err := e.CreateJob(context.Background(), "user-1", models.JobTypeImage, 1, nil)
	require.NoError(t, err)
	require.NoError(t, e.Run(id, blockingWork(started, &exited)))
	<-started

	job, err := e.Wait(context.Background(), id, "user-1", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Wait(ctx, id, "user-1", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_StartReconciles(t *testing.T) {
	repo := memory.NewJobRepository()
	ctx := context.Background()

	running := models.NewJob("user-1", models.JobTypeAdContent, 2, nil)
	running.MarkAsRunning("Generating text content")
	pending := models.NewJob("user-1", models.JobTypeImage, 1, json.RawMessage(`{"n":1}`))
	orphan := models.NewJob("user-1", models.JobType("VIDEO_GENERATION"), 1, nil)
	for _, j := range []*models.Job{running, pending, orphan} {
		require.NoError(t, repo.Save(ctx, j))
	}

	e := newEngine(t, testConfig(), repo)
	e.RegisterHandler(models.JobTypeImage, func(ctx context.Context, job *models.Job, p Progress) (interface{}, error) {
		return json.RawMessage(job.Payload), nil
	})
	require.NoError(t, e.Start(ctx))

	job, err := e.GetStatus(ctx, running.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "interrupted by restart", job.ErrorMessage)

	job = waitTerminal(t, e, pending.ID, "user-1")
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	job, err = e.GetStatus(ctx, orphan.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "no handler registered")

	assert.Error(t, e.Start(ctx), "second start")
}

func TestEngine_StopInterruptsRunningJobs(t *testing.T) {
	repo := memory.NewJobRepository()
	e := NewEngine(repo, testConfig(), zap.NewNop())
	require.NoError(t, e.Start(context.Background()))
	started := make(chan struct{})
	var exited atomic.Bool

	id, err := e.CreateJob(context.Background(), "user-1", models.JobTypeImage, 1, nil)
	require.NoError(t, err)
	require.NoError(t, e.Run(id, blockingWork(started, &exited)))
	<-started

	require.NoError(t, e.Stop(2*time.Second))
	assert.True(t, exited.Load())
	// second stop is a no-op
	assert.NoError(t, e.Stop(time.Second))

	stored, err := repo.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, "interrupted by shutdown", stored.ErrorMessage)
}

func TestEngine_Purge(t *testing.T) {
	repo := memory.NewJobRepository()
	e := startedEngine(t, testConfig(), repo)
	ctx := context.Background()

	id, err := e.CreateJob(ctx, "user-1", models.JobTypeImage, 1, nil)
	require.NoError(t, err)
	require.NoError(t, e.Run(id, func(context.Context, Progress) (interface{}, error) { return "ok", nil }))
	waitTerminal(t, e, id, "user-1")

	n, err := e.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.now = func() time.Time { return time.Now().UTC().Add(8 * 24 * time.Hour) }
	n, err = e.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = e.GetStatus(ctx, id, "user-1")
	assert.True(t, services.IsNotFoundError(err))
}

func TestEngine_TransitionGuard(t *testing.T) {
	e := newEngine(t, testConfig(), nil)
	id, err := e.CreateJob(context.Background(), "user-1", models.JobTypeImage, 1, nil)
	require.NoError(t, err)
	ent, ok := e.lookup(id)
	require.True(t, ok)

	assert.False(t, e.transition(ent, models.JobStatusCompleted, func(j *models.Job) { j.MarkAsCompleted(nil) }))
	assert.True(t, e.fail(ent, "first"))
	assert.False(t, e.fail(ent, "second"))
	assert.False(t, e.transition(ent, models.JobStatusRunning, func(j *models.Job) { j.MarkAsRunning("again") }))

	job := ent.snapshot()
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "first", job.ErrorMessage)
}

func TestReporter_Monotonic(t *testing.T) {
	e := startedEngine(t, testConfig(), nil)
	observed := make(chan int, 1)

	id, err := e.CreateJob(context.Background(), "user-1", models.JobTypeAdContent, 4, nil)
	require.NoError(t, err)
	require.NoError(t, e.Run(id, func(ctx context.Context, p Progress) (interface{}, error) {
		p.Step(3, "Almost")
		p.Step(1, "Back")
		ent, _ := e.lookup(id)
		observed <- ent.snapshot().Progress
		return nil, nil
	}))

	waitTerminal(t, e, id, "user-1")
	assert.Equal(t, 75, <-observed)
}

// failingRepository fails every write
type failingRepository struct {
	mock.Mock
}

func (m *failingRepository) Save(ctx context.Context, job *models.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *failingRepository) Load(ctx context.Context, id string) (*models.Job, error) {
	return nil, repositories.ErrNotFound
}

func (m *failingRepository) ListByUser(ctx context.Context, userID string) ([]*models.Job, error) {
	return nil, errors.New("db unavailable")
}

func (m *failingRepository) ListByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	return nil, nil
}

func (m *failingRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, errors.New("db unavailable")
}

func TestEngine_StoreFailureDoesNotAbortJob(t *testing.T) {
	repo := new(failingRepository)
	repo.On("Save", mock.Anything, mock.AnythingOfType("*models.Job")).Return(errors.New("db unavailable"))

	e := startedEngine(t, testConfig(), repo)
	ctx := context.Background()

	id, err := e.CreateJob(ctx, "user-1", models.JobTypeImage, 1, nil)
	require.NoError(t, err)
	require.NoError(t, e.Run(id, func(context.Context, Progress) (interface{}, error) { return "ok", nil }))

	job := waitTerminal(t, e, id, "user-1")
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	jobs, err := e.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, err = e.Purge(ctx)
	assert.Error(t, err)
	repo.AssertCalled(t, "Save", mock.Anything, mock.Anything)
}

// slowRepository delays the writes of one user's jobs
type slowRepository struct {
	*memory.JobRepository
	user  string
	delay time.Duration
}

func (r *slowRepository) Save(ctx context.Context, job *models.Job) error {
	if job.UserID == r.user {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.JobRepository.Save(ctx, job)
}

func TestEngine_SlowStoreWriteDoesNotBlockOtherUsers(t *testing.T) {
	repo := &slowRepository{JobRepository: memory.NewJobRepository(), user: "alice", delay: 500 * time.Millisecond}
	e := startedEngine(t, testConfig(), repo)
	ctx := context.Background()

	aliceJob, err := e.CreateJob(ctx, "alice", models.JobTypeAdContent, 4, nil)
	require.NoError(t, err)

	stepping := make(chan struct{})
	require.NoError(t, e.Run(aliceJob, func(ctx context.Context, p Progress) (interface{}, error) {
		close(stepping)
		p.Step(1, "Writing copy")
		return "ok", nil
	}))
	<-stepping
	// let the progress write start
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	bobJob, err := e.CreateJob(ctx, "bob", models.JobTypeAdContent, 1, nil)
	require.NoError(t, err)
	_, err = e.GetStatus(ctx, aliceJob, "alice")
	require.NoError(t, err)
	_, err = e.GetStatus(ctx, bobJob, "bob")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	job := waitTerminal(t, e, aliceJob, "alice")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestEngine_PersistSkipsStaleSnapshots(t *testing.T) {
	repo := memory.NewJobRepository()
	e := newEngine(t, testConfig(), repo)
	ctx := context.Background()

	id, err := e.CreateJob(ctx, "user-1", models.JobTypeAdContent, 4, nil)
	require.NoError(t, err)
	ent, ok := e.lookup(id)
	require.True(t, ok)

	ent.mu.Lock()
	stale, staleSeq := ent.stageLocked()
	ent.job.SetProgress(2, "Fresh")
	fresh, freshSeq := ent.stageLocked()
	ent.mu.Unlock()

	// the newer write lands first, the older one must not overwrite it
	e.persist(ent, fresh, freshSeq)
	e.persist(ent, stale, staleSeq)

	stored, err := repo.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 50, stored.Progress)
	assert.Equal(t, "Fresh", stored.CurrentStep)
}

func TestEngine_ActiveCountRestoredByReconcile(t *testing.T) {
	repo := memory.NewJobRepository()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, repo.Save(ctx, models.NewJob("user-1", models.JobTypeImage, 1, nil)))
	}

	cfg := testConfig()
	cfg.MaxActivePerUser = 2
	e := newEngine(t, cfg, repo)
	e.RegisterHandler(models.JobTypeImage, func(ctx context.Context, job *models.Job, p Progress) (interface{}, error) {
		return "ok", nil
	})
	// not started, so the resumed jobs stay queued
	require.NoError(t, e.reconcile(ctx))

	_, err := e.CreateJob(ctx, "user-1", models.JobTypeImage, 1, nil)
	assert.True(t, services.IsCapacityError(err))
}
