// Package pipeline turns ingested RawData into observations, intelligence,
// graph entities and synthesized findings. Ingest persists the raw record and
// queues a job; a worker pool runs the job through every stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/qualys/intelengine/internal/assessor"
	"github.com/qualys/intelengine/internal/correlation"
	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/extraction"
	"github.com/qualys/intelengine/internal/metrics"
	"github.com/qualys/intelengine/internal/models"
	"github.com/qualys/intelengine/internal/queue"
	"github.com/qualys/intelengine/internal/synthesis"
)

var tracer = otel.Tracer("intelengine.pipeline")

// Store is the persistence the pipeline writes through.
type Store interface {
	Store(ctx context.Context, r models.Record) error
	Get(ctx context.Context, id string) (models.Record, error)
	Exists(id string) bool
	Deleted(id string) (bool, error)
}

type Config struct {
	Workers      int
	JobTimeout   time.Duration
	PollInterval time.Duration
	// BatchConcurrency bounds the parallel Ingest calls of IngestBatch.
	BatchConcurrency int
}

func DefaultConfig() Config {
	return Config{
		Workers:          4,
		JobTimeout:       5 * time.Minute,
		PollInterval:     time.Second,
		BatchConcurrency: 8,
	}
}

// Deps are the collaborators of an Engine. Store and Queue are required;
// the processing stages default to fresh instances.
type Deps struct {
	Store       Store
	Queue       queue.Queue
	Extractor   *extraction.Engine
	Assessor    *assessor.Assessor
	Graph       *correlation.Graph
	Synthesizer *synthesis.Synthesizer
	Publisher   eventbus.Publisher
	Logger      *slog.Logger
}

type Engine struct {
	cfg       Config
	store     Store
	queue     queue.Queue
	extractor *extraction.Engine
	assessor  *assessor.Assessor
	graph     *correlation.Graph
	synth     *synthesis.Synthesizer
	bus       eventbus.Publisher
	logger    *slog.Logger
	worker    *queue.Worker

	// synthMu serializes synthesis passes so two jobs never store the same
	// findings at once.
	synthMu sync.Mutex
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("pipeline: queue is required")
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = def.BatchConcurrency
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		queue:     deps.Queue,
		extractor: deps.Extractor,
		assessor:  deps.Assessor,
		graph:     deps.Graph,
		synth:     deps.Synthesizer,
		bus:       deps.Publisher,
		logger:    logger,
	}
	if e.extractor == nil {
		e.extractor = extraction.New(extraction.WithLogger(logger))
	}
	if e.assessor == nil {
		e.assessor = assessor.New(assessor.WithLogger(logger))
	}
	if e.graph == nil {
		e.graph = correlation.New(correlation.WithPublisher(deps.Publisher), correlation.WithLogger(logger))
	}
	if e.synth == nil {
		e.synth = synthesis.New(synthesis.DefaultConfig(), logger)
	}

	e.worker = queue.NewWorker(queue.WorkerConfig{
		Queue:        e.queue,
		Handler:      e.process,
		Concurrency:  cfg.Workers,
		JobTimeout:   cfg.JobTimeout,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})
	return e, nil
}

func (e *Engine) Graph() *correlation.Graph { return e.graph }

func (e *Engine) Queue() queue.Queue { return e.queue }

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) error {
	return e.worker.Start(ctx)
}

// Stop waits for running jobs to wind down. Interrupted jobs are requeued.
func (e *Engine) Stop() {
	e.worker.Stop()
}

// Ingest validates and persists raw, then queues it for processing and
// returns the job id. A metadata "priority" integer raises the job in the
// queue.
func (e *Engine) Ingest(ctx context.Context, raw *models.RawData) (string, error) {
	if raw == nil {
		return "", models.NewValidationError("raw data is nil")
	}
	if raw.ID == "" {
		raw.Meta = models.NewMeta()
	}
	if raw.Timestamp.IsZero() {
		raw.Timestamp = time.Now().UTC()
	}
	if len(raw.Content) == 0 {
		return "", models.NewValidationError("raw data %s has no content", raw.ID)
	}
	if err := models.Validate(raw); err != nil {
		return "", err
	}

	if err := e.store.Store(ctx, raw); err != nil {
		return "", fmt.Errorf("storing raw data %s: %w", raw.ID, err)
	}
	metrics.RawIngested.WithLabelValues(string(raw.CollectionMethod)).Inc()

	job := &queue.Job{RawID: raw.ID, Priority: priorityOf(raw)}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("enqueueing raw data %s: %w", raw.ID, err)
	}
	e.logger.Info("raw data ingested", "raw_id", raw.ID, "job_id", job.ID, "source", raw.SourceURL, "bytes", len(raw.Content))
	return job.ID, nil
}

func priorityOf(raw *models.RawData) int {
	p, err := strconv.Atoi(raw.Metadata["priority"])
	if err != nil {
		return 0
	}
	return p
}

// IngestBatch ingests every record concurrently. The returned job ids are in
// input order; the first failure cancels the remaining ingests.
func (e *Engine) IngestBatch(ctx context.Context, raws []*models.RawData) ([]string, error) {
	ids := make([]string, len(raws))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.BatchConcurrency)
	for i, raw := range raws {
		g.Go(func() error {
			id, err := e.Ingest(gctx, raw)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ids, err
	}
	return ids, nil
}

func (e *Engine) Status(ctx context.Context, jobID string) (*queue.Progress, error) {
	return e.queue.Status(ctx, jobID)
}

// Cancel stops a job. Pending jobs are removed from the queue, running jobs
// are interrupted. Observations the job already stored are kept. It reports
// false when the job has already finished.
func (e *Engine) Cancel(ctx context.Context, jobID string) (bool, error) {
	removed, err := e.queue.Cancel(ctx, jobID)
	if err != nil {
		return false, err
	}
	if removed {
		e.logger.Info("pending job cancelled", "job_id", jobID)
		return true, nil
	}
	if e.worker.Cancel(jobID) {
		e.logger.Info("running job cancelled", "job_id", jobID)
		return true, nil
	}
	return false, nil
}

func (e *Engine) publish(topic, key string, payload any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(eventbus.NewEvent(topic, key, payload)); err != nil {
		e.logger.Warn("publishing event failed", "topic", topic, "key", key, "error", err)
	}
}
