// Package queue holds ingestion jobs between Ingest and the worker pool.
// Jobs carry only the id of an already stored RawData record.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/qualys/intelengine/internal/models"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("queue: closed")

type Job struct {
	ID        string    `json:"id"`
	RawID     string    `json:"raw_id"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
}

// Progress is the externally visible state of a job.
type Progress struct {
	JobID        string     `json:"job_id"`
	RawID        string     `json:"raw_id"`
	Status       Status     `json:"status"`
	Attempts     int        `json:"attempts"`
	Observations int        `json:"observations"`
	Intelligence int        `json:"intelligence"`
	Entities     int        `json:"entities"`
	Findings     int        `json:"findings"`
	Indicators   int        `json:"indicators"`
	Warnings     []string   `json:"warnings,omitempty"`
	Errors       []string   `json:"errors,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	WorkerID     string     `json:"worker_id,omitempty"`
}

// Queue is a priority queue of ingestion jobs with per-job status.
// Dequeue returns (nil, nil) when no job is due.
type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	Dequeue(ctx context.Context, workerID string) (*Job, error)
	// Complete moves a dequeued job to a terminal status.
	Complete(ctx context.Context, job *Job, status Status, reason string) error
	// Fail requeues a dequeued job with backoff, or fails it for good once
	// it has used MaxAttempts.
	Fail(ctx context.Context, job *Job, reason string) error
	// Cancel removes a pending job. It reports false when the job is not
	// pending.
	Cancel(ctx context.Context, jobID string) (bool, error)
	Status(ctx context.Context, jobID string) (*Progress, error)
	UpdateProgress(ctx context.Context, p *Progress) error
	Stats(ctx context.Context) (map[string]int64, error)
	Close() error
}

// Notifier is implemented by queues that can signal new work instead of
// being polled.
type Notifier interface {
	Notify() <-chan struct{}
}

// Reaper is implemented by queues that can requeue jobs whose worker went away.
type Reaper interface {
	ReapStale(ctx context.Context, timeout time.Duration) (int, error)
}

type Options struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	StatusTTL    time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:  3,
		RetryBackoff: 30 * time.Second,
		StatusTTL:    24 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = def.RetryBackoff
	}
	if o.StatusTTL <= 0 {
		o.StatusTTL = def.StatusTTL
	}
	return o
}

// score orders jobs by due time, with each priority point worth a thousand
// seconds of waiting.
func score(due time.Time, priority int) float64 {
	return float64(due.UnixMilli()) - float64(priority)*1e6
}

func notFound(jobID string) error {
	return models.NewNotFoundError("job", jobID)
}
