package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/intelengine/internal/metrics"
	"github.com/qualys/intelengine/internal/models"
)

// Handler processes one job. Returning an error that matches
// models.ErrValidation fails the job without retrying it.
type Handler func(ctx context.Context, job *Job) error

// Heartbeater is implemented by queues that track live workers.
type Heartbeater interface {
	Heartbeat(ctx context.Context, workerID string) error
}

type WorkerConfig struct {
	Queue       Queue
	Handler     Handler
	Concurrency int
	// JobTimeout bounds a single Handler call. Zero means no limit.
	JobTimeout   time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Worker runs Concurrency goroutines that dequeue and handle jobs.
type Worker struct {
	id  string
	cfg WorkerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex

	jobsMu    sync.Mutex
	active    map[string]context.CancelFunc
	cancelled map[string]bool
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	id := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	return &Worker{
		id:        id,
		cfg:       cfg,
		active:    make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.cfg.Logger.Info("worker starting", "worker_id", w.id, "concurrency", w.cfg.Concurrency)

	if hb, ok := w.cfg.Queue.(Heartbeater); ok {
		w.wg.Add(1)
		go w.heartbeatLoop(hb)
	}
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop()
	}
	return nil
}

// Stop cancels running jobs and waits for every goroutine to exit. Jobs
// interrupted by Stop are requeued.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cfg.Logger.Info("worker stopping", "worker_id", w.id)
	w.cancel()
	w.wg.Wait()
	w.cfg.Logger.Info("worker stopped", "worker_id", w.id)
}

// Cancel interrupts a job this worker is running. It reports false when the
// job is not running here.
func (w *Worker) Cancel(jobID string) bool {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	cancel, ok := w.active[jobID]
	if !ok {
		return false
	}
	w.cancelled[jobID] = true
	cancel()
	return true
}

// Running reports the ids of jobs currently being handled.
func (w *Worker) Running() []string {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	ids := make([]string, 0, len(w.active))
	for id := range w.active {
		ids = append(ids, id)
	}
	return ids
}

func (w *Worker) heartbeatLoop(hb Heartbeater) {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := hb.Heartbeat(w.ctx, w.id); err != nil {
				w.cfg.Logger.Warn("worker heartbeat failed", "worker_id", w.id, "error", err)
			}
		}
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	var wake <-chan struct{}
	if n, ok := w.cfg.Queue.(Notifier); ok {
		wake = n.Notify()
	}

	for {
		if w.ctx.Err() != nil {
			return
		}
		job, err := w.cfg.Queue.Dequeue(w.ctx, w.id)
		if err != nil {
			if errors.Is(err, ErrClosed) || w.ctx.Err() != nil {
				return
			}
			w.cfg.Logger.Error("dequeuing job failed", "worker_id", w.id, "error", err)
			w.sleep(5*w.cfg.PollInterval, nil)
			continue
		}
		if job == nil {
			w.sleep(w.cfg.PollInterval, wake)
			continue
		}
		w.run(job)
	}
}

func (w *Worker) sleep(d time.Duration, wake <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.ctx.Done():
	case <-timer.C:
	case <-wake:
	}
}

func (w *Worker) run(job *Job) {
	var ctx context.Context
	var cancel context.CancelFunc
	if w.cfg.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(w.ctx, w.cfg.JobTimeout)
	} else {
		ctx, cancel = context.WithCancel(w.ctx)
	}
	w.jobsMu.Lock()
	w.active[job.ID] = cancel
	w.jobsMu.Unlock()

	start := time.Now()
	w.cfg.Logger.Info("processing job", "worker_id", w.id, "job_id", job.ID, "raw_id", job.RawID, "attempt", job.Attempts+1)
	err := w.handle(ctx, job)
	cancel()

	w.jobsMu.Lock()
	delete(w.active, job.ID)
	cancelled := w.cancelled[job.ID]
	delete(w.cancelled, job.ID)
	w.jobsMu.Unlock()

	// The worker context may already be gone; finish bookkeeping regardless.
	bookCtx, bookCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer bookCancel()

	var status Status
	switch {
	case err == nil:
		status = StatusCompleted
		err = w.cfg.Queue.Complete(bookCtx, job, StatusCompleted, "")
	case cancelled:
		status = StatusCancelled
		err = w.cfg.Queue.Complete(bookCtx, job, StatusCancelled, "cancelled")
	case errors.Is(err, models.ErrValidation):
		status = StatusFailed
		w.cfg.Logger.Warn("job rejected", "job_id", job.ID, "error", err)
		err = w.cfg.Queue.Complete(bookCtx, job, StatusFailed, err.Error())
	default:
		status = StatusFailed
		if w.ctx.Err() != nil {
			status = StatusPending
		}
		w.cfg.Logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		err = w.cfg.Queue.Fail(bookCtx, job, err.Error())
	}
	metrics.JobDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
	if err != nil {
		w.cfg.Logger.Error("recording job outcome failed", "job_id", job.ID, "error", err)
		return
	}
	w.cfg.Logger.Info("job finished", "job_id", job.ID, "status", status, "duration", time.Since(start))
}

// handle runs the handler, turning a panic into an error.
func (w *Worker) handle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return w.cfg.Handler(ctx, job)
}
