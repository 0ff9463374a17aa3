package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/adgen/models"
	"github.com/upb/adgen/repositories"
	"github.com/upb/adgen/services"
)

// Config holds configuration for the job engine
type Config struct {
	Workers          int           // concurrent job workers
	QueueSize        int           // buffered jobs waiting for a worker
	MaxActivePerUser int           // non-terminal jobs a user may hold
	JobTimeout       time.Duration // hard limit for one job
	Retention        time.Duration // how long terminal jobs are kept
	PurgeInterval    time.Duration
	StoreTimeout     time.Duration // limit for one job store write
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		QueueSize:        100,
		MaxActivePerUser: 5,
		JobTimeout:       5 * time.Minute,
		Retention:        7 * 24 * time.Hour,
		PurgeInterval:    time.Hour,
		StoreTimeout:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxActivePerUser <= 0 {
		c.MaxActivePerUser = d.MaxActivePerUser
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = d.PurgeInterval
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	return c
}

// WorkFunc is the body of a job. Its return value is stored as the JSON result.
type WorkFunc func(ctx context.Context, progress Progress) (interface{}, error)

// Handler runs a job of a registered type from its persisted payload
type Handler func(ctx context.Context, job *models.Job, progress Progress) (interface{}, error)

// entry is the live state of one job. mu guards job, cancel and seq.
// saveMu orders the job's store writes and guards saved; it is never
// taken while mu is held.
type entry struct {
	mu     sync.Mutex
	job    *models.Job
	cancel context.CancelFunc
	done   chan struct{} // closed on the terminal transition
	seq    uint64        // bumped by every change that needs writing

	saveMu sync.Mutex
	saved  uint64 // seq of the newest write issued
}

func newEntry(job *models.Job) *entry {
	return &entry{job: job, done: make(chan struct{})}
}

func (en *entry) snapshot() *models.Job {
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.job.Clone()
}

// stageLocked numbers the current state for writing; en.mu must be held
func (en *entry) stageLocked() (*models.Job, uint64) {
	en.seq++
	return en.job.Clone(), en.seq
}

type task struct {
	entry *entry
	work  WorkFunc
}

// Engine runs generation work as tracked, cancellable background jobs.
// The in-memory table is authoritative for live jobs; every transition is
// also written to the repository so jobs survive a restart.
type Engine struct {
	repo   repositories.JobRepository
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	entries  map[string]*entry
	handlers map[models.JobType]Handler

	// activeMu is a leaf lock; it may be taken while holding mu or an entry's mu
	activeMu sync.Mutex
	active   map[string]int // non-terminal jobs per user

	queue  chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lifecycle sync.Mutex
	started   bool
	stopped   bool
}

// NewEngine creates a job engine. Call Start to launch the workers.
func NewEngine(repo repositories.JobRepository, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		repo:     repo,
		config:   config,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		entries:  make(map[string]*entry),
		handlers: make(map[models.JobType]Handler),
		active:   make(map[string]int),
		queue:    make(chan task, config.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler binds a handler to a job type for Submit and restart recovery
func (e *Engine) RegisterHandler(jobType models.JobType, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[jobType] = handler
}

func (e *Engine) handler(jobType models.JobType) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[jobType]
	return h, ok
}

// Start reconciles unfinished jobs from a previous process, then starts the
// workers and the retention purge loop
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.started {
		return fmt.Errorf("job engine already started")
	}

	if err := e.reconcile(ctx); err != nil {
		return err
	}

	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.wg.Add(1)
	go e.purgeLoop()

	e.started = true
	e.logger.Info("started job engine",
		zap.Int("worker_count", e.config.Workers),
		zap.Int("queue_size", e.config.QueueSize))
	return nil
}

// Stop cancels running jobs and waits for the workers to exit.
// Queued jobs stay PENDING and are resumed by the next Start.
func (e *Engine) Stop(timeout time.Duration) error {
	e.lifecycle.Lock()
	if !e.started || e.stopped {
		e.lifecycle.Unlock()
		return nil
	}
	e.stopped = true
	e.lifecycle.Unlock()

	e.logger.Info("stopping job engine", zap.Int("queued_jobs", len(e.queue)))
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("job engine stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("job engine stop timeout after %v", timeout)
	}
}

func (e *Engine) reconcile(ctx context.Context) error {
	unfinished, err := e.repo.ListByStatus(ctx, models.JobStatusRunning, models.JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to load unfinished jobs: %w", err)
	}

	var resumed, failed int
	for _, job := range unfinished {
		e.mu.Lock()
		if _, live := e.entries[job.ID]; live {
			e.mu.Unlock()
			continue
		}
		ent := newEntry(job)
		e.entries[job.ID] = ent
		e.mu.Unlock()
		e.activeMu.Lock()
		e.active[job.UserID]++
		e.activeMu.Unlock()

		if job.Status == models.JobStatusRunning {
			e.fail(ent, "interrupted by restart")
			failed++
			continue
		}

		h, ok := e.handler(job.Type)
		if !ok {
			e.fail(ent, fmt.Sprintf("no handler registered for job type %s", job.Type))
			failed++
			continue
		}
		if err := e.enqueue(ent, e.bind(h, ent)); err != nil {
			failed++
			continue
		}
		resumed++
	}

	if len(unfinished) > 0 {
		e.logger.Info("reconciled unfinished jobs",
			zap.Int("resumed", resumed),
			zap.Int("failed", failed))
	}
	return nil
}

// CreateJob persists a PENDING job for userID and returns its id
func (e *Engine) CreateJob(ctx context.Context, userID string, jobType models.JobType, totalSteps int, payload json.RawMessage) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", services.NewDomainError(services.ErrorTypeValidation, "user id is required", nil)
	}

	job := models.NewJob(userID, jobType, totalSteps, payload)
	ent := newEntry(job)

	if active, ok := e.reserve(userID); !ok {
		return "", copyOf(services.ErrTooManyActiveJobs).
			WithDetail("active", active).
			WithDetail("limit", e.config.MaxActivePerUser)
	}

	ent.mu.Lock()
	snap, seq := ent.stageLocked()
	ent.mu.Unlock()

	e.mu.Lock()
	e.entries[job.ID] = ent
	e.mu.Unlock()

	e.persist(ent, snap, seq)

	e.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(jobType)),
		zap.String("user_id", userID))
	return job.ID, nil
}

// reserve takes an active-job slot for userID. When the user is at the
// limit it returns the current count and false.
func (e *Engine) reserve(userID string) (int, bool) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()

	n := e.active[userID]
	if n >= e.config.MaxActivePerUser {
		return n, false
	}
	e.active[userID] = n + 1
	return n + 1, true
}

func (e *Engine) release(userID string) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()

	if e.active[userID] <= 1 {
		delete(e.active, userID)
		return
	}
	e.active[userID]--
}

// Run schedules work for a job created with CreateJob.
// A full queue fails the job with CAPACITY_EXCEEDED instead of blocking.
func (e *Engine) Run(jobID string, work WorkFunc) error {
	ent, ok := e.lookup(jobID)
	if !ok {
		return notFound(jobID)
	}
	return e.enqueue(ent, work)
}

// Submit creates a job and schedules the handler registered for its type
func (e *Engine) Submit(ctx context.Context, userID string, jobType models.JobType, totalSteps int, payload json.RawMessage) (*models.Job, error) {
	h, ok := e.handler(jobType)
	if !ok {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("no handler registered for job type %s", jobType), nil)
	}

	id, err := e.CreateJob(ctx, userID, jobType, totalSteps, payload)
	if err != nil {
		return nil, err
	}
	ent, _ := e.lookup(id)
	if err := e.enqueue(ent, e.bind(h, ent)); err != nil {
		return ent.snapshot(), err
	}
	return ent.snapshot(), nil
}

func (e *Engine) bind(h Handler, ent *entry) WorkFunc {
	return func(ctx context.Context, progress Progress) (interface{}, error) {
		return h(ctx, ent.snapshot(), progress)
	}
}

func (e *Engine) enqueue(ent *entry, work WorkFunc) error {
	select {
	case e.queue <- task{entry: ent, work: work}:
		return nil
	default:
	}

	id := ent.snapshot().ID
	e.logger.Warn("job queue full, rejecting job",
		zap.String("job_id", id),
		zap.Int("queue_size", e.config.QueueSize))
	e.fail(ent, services.ErrQueueFull.Message)
	return copyOf(services.ErrQueueFull).WithDetail("job_id", id)
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case t := <-e.queue:
			e.execute(t)
		}
	}
}

func (e *Engine) execute(t task) {
	// leave the job PENDING for the next Start
	if e.ctx.Err() != nil {
		return
	}
	ent := t.entry

	jobCtx, cancel := context.WithTimeout(e.ctx, e.config.JobTimeout)
	defer cancel()

	ent.mu.Lock()
	ent.cancel = cancel
	ent.mu.Unlock()

	if !e.transition(ent, models.JobStatusRunning, func(j *models.Job) { j.MarkAsRunning("Starting") }) {
		// cancelled while queued
		return
	}

	job := ent.snapshot()
	logger := e.logger.With(zap.String("job_id", job.ID), zap.String("job_type", string(job.Type)))
	logger.Info("job started")
	start := time.Now()

	result, err := e.invoke(jobCtx, t.work, &reporter{engine: e, entry: ent}, logger)
	if err == nil {
		var data []byte
		if data, err = encodeResult(result); err == nil {
			if e.transition(ent, models.JobStatusCompleted, func(j *models.Job) { j.MarkAsCompleted(data) }) {
				logger.Info("job completed", zap.Duration("duration", time.Since(start)))
			}
			return
		}
	}

	msg := e.failureMessage(jobCtx, err)
	if e.fail(ent, msg) {
		logger.Warn("job failed", zap.String("reason", msg), zap.Duration("duration", time.Since(start)))
	} else {
		logger.Debug("job body returned after the job reached a terminal state", zap.Error(err))
	}
}

// invoke runs work, turning a panic into an error
func (e *Engine) invoke(ctx context.Context, work WorkFunc, progress Progress, logger *zap.Logger) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return work(ctx, progress)
}

func (e *Engine) failureMessage(jobCtx context.Context, err error) string {
	switch {
	case e.ctx.Err() != nil:
		return "interrupted by shutdown"
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("job timed out after %v", e.config.JobTimeout)
	case err == nil:
		return "job failed"
	}
	return err.Error()
}

func encodeResult(result interface{}) ([]byte, error) {
	if raw, ok := result.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("job result is not valid JSON")
		}
		return raw, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job result: %w", err)
	}
	return data, nil
}

// transition is the single place a job changes status. Moves the state
// machine does not allow, including any move out of a terminal state, are
// refused and reported as false.
func (e *Engine) transition(ent *entry, to models.JobStatus, apply func(*models.Job)) bool {
	ent.mu.Lock()
	if !ent.job.Status.CanTransitionTo(to) {
		ent.mu.Unlock()
		return false
	}
	apply(ent.job)
	ent.job.Status = to

	if to.IsTerminal() {
		if ent.cancel != nil {
			ent.cancel()
		}
		close(ent.done)
		e.release(ent.job.UserID)
	}
	snap, seq := ent.stageLocked()
	ent.mu.Unlock()

	e.persist(ent, snap, seq)
	return true
}

func (e *Engine) fail(ent *entry, message string) bool {
	return e.transition(ent, models.JobStatusFailed, func(j *models.Job) { j.MarkAsFailed(message) })
}

// persist writes a staged snapshot of the job to the repository without
// holding ent.mu. A snapshot older than one already written is skipped.
// Store failures are logged and never abort the job.
func (e *Engine) persist(ent *entry, job *models.Job, seq uint64) {
	ent.saveMu.Lock()
	defer ent.saveMu.Unlock()

	if seq <= ent.saved {
		return
	}
	ent.saved = seq

	ctx, cancel := context.WithTimeout(context.Background(), e.config.StoreTimeout)
	defer cancel()

	if err := e.repo.Save(ctx, job); err != nil {
		e.logger.Error("failed to persist job",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.String("error_type", string(services.ErrorTypeStorageFailure)),
			zap.Error(err))
	}
}

func (e *Engine) lookup(jobID string) (*entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entries[jobID]
	return ent, ok
}

// GetStatus returns the job if it exists and belongs to userID
func (e *Engine) GetStatus(ctx context.Context, jobID, userID string) (*models.Job, error) {
	if ent, ok := e.lookup(jobID); ok {
		job := ent.snapshot()
		if job.UserID != userID {
			return nil, notFound(jobID)
		}
		return job, nil
	}

	job, err := e.repo.Load(ctx, jobID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, notFound(jobID)
		}
		return nil, services.NewDomainError(services.ErrorTypeStorageFailure, "failed to load job", err)
	}
	if job.UserID != userID {
		return nil, notFound(jobID)
	}
	return job, nil
}

// GetResult returns the stored result of a COMPLETED job
func (e *Engine) GetResult(ctx context.Context, jobID, userID string) (json.RawMessage, error) {
	job, err := e.GetStatus(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusCompleted {
		return nil, copyOf(services.ErrResultNotReady).WithDetail("status", job.Status)
	}
	return job.Result, nil
}

// Cancel moves a PENDING or RUNNING job to CANCELLED and cancels its context
func (e *Engine) Cancel(ctx context.Context, jobID, userID string) (*models.Job, error) {
	ent, ok := e.lookup(jobID)
	if !ok {
		job, err := e.GetStatus(ctx, jobID, userID)
		if err != nil {
			return nil, err
		}
		return nil, copyOf(services.ErrJobTerminal).WithDetail("status", job.Status)
	}

	if ent.snapshot().UserID != userID {
		return nil, notFound(jobID)
	}
	if !e.transition(ent, models.JobStatusCancelled, func(j *models.Job) { j.MarkAsCancelled() }) {
		return nil, copyOf(services.ErrJobTerminal).WithDetail("status", ent.snapshot().Status)
	}

	e.logger.Info("job cancelled", zap.String("job_id", jobID), zap.String("user_id", userID))
	return ent.snapshot(), nil
}

// ListByUser returns the jobs of userID, newest first
func (e *Engine) ListByUser(ctx context.Context, userID string) ([]*models.Job, error) {
	byID := make(map[string]*models.Job)

	stored, err := e.repo.ListByUser(ctx, userID)
	if err != nil {
		e.logger.Error("failed to list stored jobs, returning live jobs only",
			zap.String("user_id", userID),
			zap.String("error_type", string(services.ErrorTypeStorageFailure)),
			zap.Error(err))
	}
	for _, job := range stored {
		byID[job.ID] = job
	}

	e.mu.RLock()
	for id, ent := range e.entries {
		if job := ent.snapshot(); job.UserID == userID {
			byID[id] = job
		}
	}
	e.mu.RUnlock()

	out := make([]*models.Job, 0, len(byID))
	for _, job := range byID {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Wait blocks until the job is terminal, timeout elapses or ctx is done,
// and returns the latest snapshot
func (e *Engine) Wait(ctx context.Context, jobID, userID string, timeout time.Duration) (*models.Job, error) {
	job, err := e.GetStatus(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	ent, ok := e.lookup(jobID)
	if job.Status.IsTerminal() || !ok || timeout <= 0 {
		return job, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ent.done:
	case <-timer.C:
	case <-ctx.Done():
		return ent.snapshot(), ctx.Err()
	}
	return ent.snapshot(), nil
}

func (e *Engine) purgeLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			_, _ = e.Purge(e.ctx)
		}
	}
}

// Purge drops terminal jobs completed more than Retention ago
func (e *Engine) Purge(ctx context.Context) (int64, error) {
	cutoff := e.now().Add(-e.config.Retention)

	e.mu.Lock()
	evicted := 0
	for id, ent := range e.entries {
		ent.mu.Lock()
		j := ent.job
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(e.entries, id)
			evicted++
		}
		ent.mu.Unlock()
	}
	e.mu.Unlock()

	n, err := e.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		e.logger.Error("failed to purge expired jobs",
			zap.String("error_type", string(services.ErrorTypeStorageFailure)),
			zap.Error(err))
		return 0, err
	}
	if n > 0 || evicted > 0 {
		e.logger.Info("purged expired jobs",
			zap.Int64("deleted", n),
			zap.Int("evicted", evicted),
			zap.Time("cutoff", cutoff))
	}
	return n, nil
}

func notFound(jobID string) error {
	return copyOf(services.ErrJobNotFound).WithDetail("job_id", jobID)
}

// copyOf returns a fresh error of the sentinel's type so details can be attached
func copyOf(sentinel *services.DomainError) *services.DomainError {
	return services.NewDomainError(sentinel.Type, sentinel.Message, nil)
}
