package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/qualys/intelengine/internal/models"
)

// Job represents a scheduled job
type Job struct {
	ID          string            `json:"id" db:"id"`
	Name        string            `json:"name" db:"name"`
	Description string            `json:"description" db:"description"`
	Schedule    string            `json:"schedule" db:"schedule"` // Cron expression
	JobType     JobType           `json:"job_type" db:"job_type"`
	Config      map[string]string `json:"config" db:"config"`
	Enabled     bool              `json:"enabled" db:"enabled"`
	LastRun     *time.Time        `json:"last_run,omitempty" db:"last_run"`
	NextRun     *time.Time        `json:"next_run,omitempty" db:"next_run"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

type JobType string

const (
	JobTypeSynthesize      JobType = "synthesis"
	JobTypeThresholdReport JobType = "threshold_report"
	JobTypeReapStale       JobType = "reap_stale"
)

// JobExecution tracks job execution history
type JobExecution struct {
	ID        string          `json:"id" db:"id"`
	JobID     string          `json:"job_id" db:"job_id"`
	Status    ExecutionStatus `json:"status" db:"status"`
	StartedAt time.Time       `json:"started_at" db:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	Error     string          `json:"error,omitempty" db:"error"`
	Output    string          `json:"output,omitempty" db:"output"`
}

type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped"
)

// JobHandler executes a job and returns a short human-readable summary of
// what it did.
type JobHandler func(ctx context.Context, job *Job) (string, error)

// Store defines the interface for job persistence. GetJob returns an error
// matching models.ErrNotFound for unknown ids.
type Store interface {
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, id string) error
	UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error
	CreateExecution(ctx context.Context, exec *JobExecution) error
	UpdateExecution(ctx context.Context, exec *JobExecution) error
	GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error)
}

// Scheduler runs stored jobs on their cron schedules. A job never overlaps
// with itself: a tick that lands while the previous run is still going is
// recorded as skipped.
type Scheduler struct {
	cron     *cron.Cron
	store    Store
	handlers map[JobType]JobHandler
	entries  map[string]cron.EntryID
	running  map[string]bool
	timeout  time.Duration
	mu       sync.RWMutex
	logger   *slog.Logger
}

type Option func(*Scheduler)

// WithJobTimeout bounds a single run. Defaults to 10 minutes.
func WithJobTimeout(d time.Duration) Option { return func(s *Scheduler) { s.timeout = d } }

func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func NewScheduler(store Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		store:    store,
		handlers: make(map[JobType]JobHandler),
		entries:  make(map[string]cron.EntryID),
		running:  make(map[string]bool),
		timeout:  10 * time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) RegisterHandler(jobType JobType, handler JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = handler
}

// Start schedules every enabled stored job and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	scheduled := 0
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		if err := s.scheduleJob(job); err != nil {
			s.logger.Error("failed to schedule job",
				"job_id", job.ID,
				"job_name", job.Name,
				"error", err)
			continue
		}
		scheduled++
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs_count", len(jobs), "scheduled", scheduled)
	return nil
}

// Stop stops the cron loop. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Validate reports whether schedule parses.
func Validate(schedule string) error {
	_, err := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	).Parse(schedule)
	if err != nil {
		return fmt.Errorf("%w: invalid cron expression %q: %v", models.ErrValidation, schedule, err)
	}
	return nil
}

func (s *Scheduler) AddJob(ctx context.Context, job *Job) error {
	if err := Validate(job.Schedule); err != nil {
		return err
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return err
	}
	if job.Enabled {
		return s.scheduleJob(job)
	}
	return nil
}

// EnsureJob creates job if its id is unknown, otherwise it refreshes the
// stored schedule, type and config while keeping run history. Used to seed
// the built-in jobs from configuration on every start.
func (s *Scheduler) EnsureJob(ctx context.Context, job *Job) error {
	existing, err := s.store.GetJob(ctx, job.ID)
	if errors.Is(err, models.ErrNotFound) {
		if err := Validate(job.Schedule); err != nil {
			return err
		}
		return s.store.CreateJob(ctx, job)
	}
	if err != nil {
		return err
	}
	existing.Name = job.Name
	existing.Description = job.Description
	existing.Schedule = job.Schedule
	existing.JobType = job.JobType
	existing.Config = job.Config
	existing.Enabled = job.Enabled
	if err := Validate(existing.Schedule); err != nil {
		return err
	}
	return s.store.UpdateJob(ctx, existing)
}

func (s *Scheduler) UpdateJob(ctx context.Context, job *Job) error {
	if err := Validate(job.Schedule); err != nil {
		return err
	}
	s.unscheduleJob(job.ID)

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	if job.Enabled {
		return s.scheduleJob(job)
	}
	return nil
}

func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	s.unscheduleJob(id)
	return s.store.DeleteJob(ctx, id)
}

func (s *Scheduler) EnableJob(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	job.Enabled = true
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	return s.scheduleJob(job)
}

func (s *Scheduler) DisableJob(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	job.Enabled = false
	s.unscheduleJob(id)
	return s.store.UpdateJob(ctx, job)
}

// RunJobNow runs a job immediately in the background.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	go s.executeJob(job)
	return nil
}

// GetNextRuns returns the next count runs of a scheduled job.
func (s *Scheduler) GetNextRuns(id string, count int) []time.Time {
	s.mu.RLock()
	entryID, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return nil
	}

	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}

	next := entry.Next
	if next.IsZero() {
		// Not started yet.
		next = entry.Schedule.Next(time.Now())
	}
	runs := make([]time.Time, 0, count)
	for i := 0; i < count; i++ {
		runs = append(runs, next)
		next = entry.Schedule.Next(next)
	}
	return runs
}

func (s *Scheduler) Jobs(ctx context.Context) ([]*Job, error) {
	return s.store.ListJobs(ctx)
}

func (s *Scheduler) Job(ctx context.Context, id string) (*Job, error) {
	return s.store.GetJob(ctx, id)
}

// Executions returns the most recent runs of a job, newest first.
func (s *Scheduler) Executions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.GetJobExecutions(ctx, jobID, limit)
}

func (s *Scheduler) scheduleJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[job.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, job.ID)
	}

	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.executeJob(job)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	s.entries[job.ID] = entryID

	entry := s.cron.Entry(entryID)
	nextRun := entry.Schedule.Next(time.Now())
	job.NextRun = &nextRun

	s.logger.Info("scheduled job",
		"job_id", job.ID,
		"job_name", job.Name,
		"schedule", job.Schedule,
		"next_run", nextRun)
	return nil
}

func (s *Scheduler) unscheduleJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

func (s *Scheduler) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return false
	}
	s.running[id] = true
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *Scheduler) executeJob(job *Job) *JobExecution {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	startTime := time.Now()

	exec := &JobExecution{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		Status:    StatusRunning,
		StartedAt: startTime,
	}

	if !s.acquire(job.ID) {
		exec.Status = StatusSkipped
		exec.Output = "previous run still in progress"
		exec.EndedAt = &startTime
		if err := s.store.CreateExecution(ctx, exec); err != nil {
			s.logger.Error("failed to create execution record", "error", err)
		}
		s.logger.Warn("skipping overlapping job run", "job_id", job.ID, "job_name", job.Name)
		return exec
	}
	defer s.release(job.ID)

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.logger.Error("failed to create execution record", "error", err)
	}

	s.logger.Info("executing job",
		"job_id", job.ID,
		"job_name", job.Name,
		"execution_id", exec.ID)

	s.mu.RLock()
	handler, ok := s.handlers[job.JobType]
	s.mu.RUnlock()

	if !ok {
		exec.Status = StatusFailed
		exec.Error = fmt.Sprintf("no handler registered for job type: %s", job.JobType)
		endTime := time.Now()
		exec.EndedAt = &endTime
		_ = s.store.UpdateExecution(ctx, exec)
		return exec
	}

	output, err := handler(ctx, job)
	endTime := time.Now()
	exec.EndedAt = &endTime
	exec.Output = output

	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
		s.logger.Error("job execution failed",
			"job_id", job.ID,
			"job_name", job.Name,
			"error", err,
			"duration", endTime.Sub(startTime))
	} else {
		exec.Status = StatusCompleted
		s.logger.Info("job execution completed",
			"job_id", job.ID,
			"job_name", job.Name,
			"output", output,
			"duration", endTime.Sub(startTime))
	}

	_ = s.store.UpdateExecution(ctx, exec)
	_ = s.store.UpdateLastRun(ctx, job.ID, startTime)
	return exec
}
