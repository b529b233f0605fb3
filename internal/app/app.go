// Package app assembles the engine from configuration: storage tiers, the
// job queue, the processing pipeline, optional event sinks, the scheduler and
// the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/qualys/intelengine/internal/anchor"
	"github.com/qualys/intelengine/internal/api"
	"github.com/qualys/intelengine/internal/blob"
	"github.com/qualys/intelengine/internal/config"
	"github.com/qualys/intelengine/internal/correlation"
	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/extraction"
	"github.com/qualys/intelengine/internal/graphmirror"
	"github.com/qualys/intelengine/internal/kv"
	"github.com/qualys/intelengine/internal/metrics"
	"github.com/qualys/intelengine/internal/models"
	"github.com/qualys/intelengine/internal/notifications"
	"github.com/qualys/intelengine/internal/pipeline"
	"github.com/qualys/intelengine/internal/queue"
	"github.com/qualys/intelengine/internal/reports"
	"github.com/qualys/intelengine/internal/scheduler"
	"github.com/qualys/intelengine/internal/store"
	"github.com/qualys/intelengine/internal/synthesis"
)

// App owns every long-lived component. Close releases them in reverse order
// of construction.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Bus       *eventbus.Bus
	Store     *store.Orchestrator
	Engine    *pipeline.Engine
	Reports   *reports.Generator
	Scheduler *scheduler.Scheduler
	Server    *api.Server

	mirror   *graphmirror.Mirror
	notifier *notifications.Service
	bridge   *eventbus.NATSBridge

	ready   map[string]func(context.Context) error
	closers []func(context.Context) error
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, ready: make(map[string]func(context.Context) error)}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.Bus = eventbus.New(
		eventbus.WithBuffer(cfg.EventBus.SubscriberBuffer),
		eventbus.WithLogger(logger),
		eventbus.WithOverflowHook(func(topic string) {
			metrics.BusOverflow.WithLabelValues(topic).Inc()
		}),
	)
	a.onClose(func(context.Context) error { a.Bus.Close(); return nil })

	kvStore, pg, err := a.openKV(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := a.openBlob(ctx)
	if err != nil {
		return nil, err
	}

	a.Store, err = store.New(kvStore, blobs,
		store.WithConfig(store.Config{
			CacheSize:     cfg.Storage.CacheSize,
			BlobThreshold: cfg.Storage.BlobThresholdBytes,
			TimeBucket:    cfg.Storage.TimeBucket,
			Retry: store.RetryPolicy{
				MaxAttempts: cfg.Storage.RetryAttempts,
				BaseBackoff: cfg.Storage.RetryBackoff,
				Multiplier:  2,
				MaxBackoff:  cfg.Storage.RetryMaxBackoff,
			},
		}),
		store.WithPublisher(a.Bus),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	a.onClose(func(context.Context) error { return a.Store.Close() })
	if err := a.Store.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading store index: %w", err)
	}

	q, err := a.openQueue()
	if err != nil {
		return nil, err
	}

	graph, err := a.newGraph()
	if err != nil {
		return nil, err
	}
	if err := RestoreGraph(ctx, a.Store, graph); err != nil {
		return nil, err
	}

	a.Engine, err = pipeline.New(pipeline.Config{
		Workers:    cfg.Engine.Workers,
		JobTimeout: cfg.Engine.JobTimeout,
	}, pipeline.Deps{
		Store: a.Store,
		Queue: q,
		Extractor: extraction.New(
			extraction.WithLogger(logger),
			extraction.WithLimits(cfg.Extraction.MaxPerType, cfg.Extraction.DefaultMaxPerType),
			extraction.WithContextBonusCap(cfg.Extraction.ContextBonusCap),
		),
		Graph: graph,
		Synthesizer: synthesis.New(synthesis.Config{
			StrengthThreshold: cfg.Synthesis.StrengthThreshold,
			MinEntities:       cfg.Synthesis.MinEntities,
			TemporalWindow:    cfg.Synthesis.TemporalWindow,
			GeoRadiusKm:       cfg.Synthesis.GeoRadiusKm,
			FanOut:            synthesis.DefaultConfig().FanOut,
		}, logger),
		Publisher: a.Bus,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}

	reportOpts := []reports.Option{
		reports.WithPublisher(a.Bus),
		reports.WithLogger(logger),
		reports.WithAuthor(cfg.Reports.Author),
	}
	if cfg.Anchor.Enabled {
		level, err := models.ParseClassification(cfg.Anchor.MinLevel)
		if err != nil {
			return nil, fmt.Errorf("anchor.min_level: %w", err)
		}
		ledger, err := anchor.NewLedger(ctx, anchor.WithStore(kvStore), anchor.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("opening anchor ledger: %w", err)
		}
		reportOpts = append(reportOpts, reports.WithAnchor(ledger, level))
	}
	a.Reports = reports.NewGenerator(a.Store, reportOpts...)

	if err := a.wireSinks(ctx); err != nil {
		return nil, err
	}

	if cfg.Scheduler.Enabled {
		if err := a.newScheduler(ctx, pg, q); err != nil {
			return nil, err
		}
	}

	metricsPath := cfg.Metrics.Path
	if !cfg.Metrics.Enabled {
		metricsPath = ""
	}
	a.Server, err = api.NewServer(cfg.Server, api.Deps{
		Engine:      a.Engine,
		Store:       a.Store,
		Reports:     a.Reports,
		Bus:         a.Bus,
		Scheduler:   a.Scheduler,
		Mirror:      a.mirror,
		ReadyChecks: a.ready,
	}, api.WithLogger(logger), api.WithMetricsPath(metricsPath))
	if err != nil {
		return nil, fmt.Errorf("creating api server: %w", err)
	}
	return a, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) openKV(ctx context.Context) (kv.Store, *kv.Postgres, error) {
	switch a.cfg.Storage.KV {
	case "badger":
		b, err := kv.OpenBadger(kv.BadgerConfig{
			Path:       a.cfg.Badger.Path,
			InMemory:   a.cfg.Badger.InMemory,
			SyncWrites: a.cfg.Badger.SyncWrites,
			GCInterval: a.cfg.Badger.GCInterval,
			Logger:     a.logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("opening badger: %w", err)
		}
		return b, nil, nil
	case "postgres":
		p, err := kv.OpenPostgres(ctx, kv.PostgresConfig{
			DSN:          a.cfg.Database.DSN(),
			MaxOpenConns: a.cfg.Database.MaxOpenConns,
			MaxIdleConns: a.cfg.Database.MaxIdleConns,
		})
		if err != nil {
			return nil, nil, err
		}
		a.ready["postgres"] = p.Ping
		return p, p, nil
	default:
		return kv.NewMemory(), nil, nil
	}
}

func (a *App) openBlob(ctx context.Context) (blob.Store, error) {
	switch a.cfg.Storage.Blob {
	case "s3":
		return blob.NewS3(ctx, blob.S3Config{
			Bucket:          a.cfg.Storage.S3Bucket,
			Region:          a.cfg.AWS.Region,
			AssumeRoleARN:   a.cfg.AWS.AssumeRoleARN,
			ExternalID:      a.cfg.AWS.ExternalID,
			AccessKeyID:     a.cfg.AWS.AccessKeyID,
			SecretAccessKey: a.cfg.AWS.SecretAccessKey,
			Endpoint:        a.cfg.AWS.Endpoint,
		})
	case "gcs":
		g, err := blob.NewGCS(ctx, blob.GCSConfig{
			Bucket:          a.cfg.Storage.GCSBucket,
			CredentialsFile: a.cfg.GCP.CredentialsFile,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return g.Close() })
		return g, nil
	case "azure":
		return blob.NewAzure(ctx, blob.AzureConfig{
			AccountURL:   a.cfg.Storage.AzureAccountURL,
			Container:    a.cfg.Storage.AzureContainer,
			TenantID:     a.cfg.Azure.TenantID,
			ClientID:     a.cfg.Azure.ClientID,
			ClientSecret: a.cfg.Azure.ClientSecret,
		})
	default:
		return blob.NewMemory(), nil
	}
}

func (a *App) openQueue() (queue.Queue, error) {
	opts := queue.DefaultOptions()
	if a.cfg.Engine.Queue != "redis" {
		return queue.NewMemory(opts), nil
	}
	r, err := queue.NewRedis(queue.RedisConfig{
		Addr:     a.cfg.Redis.Addr(),
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		Options:  opts,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return r.Close() })
	a.ready["redis"] = r.Ping
	return r, nil
}

func (a *App) newGraph() (*correlation.Graph, error) {
	rules := make([]correlation.Rule, 0, len(a.cfg.Correlation.ContradictionRules))
	for _, r := range a.cfg.Correlation.ContradictionRules {
		rules = append(rules, correlation.Rule{
			Name:       r.Name,
			Kind:       models.FactKind(r.Kind),
			Expression: r.Expression,
		})
	}
	predicates, err := correlation.CompileRules(rules)
	if err != nil {
		return nil, fmt.Errorf("compiling contradiction rules: %w", err)
	}
	return correlation.New(
		correlation.WithShards(a.cfg.Correlation.Shards),
		correlation.WithFuzzyDistance(a.cfg.Correlation.FuzzyMaxDistance),
		correlation.WithPredicates(predicates...),
		correlation.WithPublisher(a.Bus),
		correlation.WithLogger(a.logger),
	), nil
}

// wireSinks attaches the optional consumers of bus events.
func (a *App) wireSinks(ctx context.Context) error {
	cfg := a.cfg
	if cfg.NATS.Enabled {
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name("intel-engine"))
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		a.onClose(func(context.Context) error { return conn.Drain() })
		a.bridge = eventbus.NewNATSBridge(a.Bus, conn, cfg.NATS.SubjectPrefix, a.logger)
		if err := a.bridge.Start(); err != nil {
			return fmt.Errorf("starting nats bridge: %w", err)
		}
		a.onClose(func(context.Context) error { a.bridge.Stop(); return nil })
		a.ready["nats"] = func(context.Context) error {
			if !conn.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}

	if cfg.Neo4j.Enabled {
		m, err := graphmirror.New(ctx, graphmirror.Config{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.User,
			Password: cfg.Neo4j.Password,
		}, a.logger)
		if err != nil {
			return err
		}
		a.mirror = m
		a.mirror.Start(a.Bus)
		a.onClose(a.mirror.Close)
	}

	n := cfg.Notifications
	if n.Slack.Enabled || n.Email.Enabled {
		a.notifier = notifications.NewService(notifications.Config{
			MinSeverity: n.MinSeverity,
			Slack: notifications.SlackConfig{
				Enabled:    n.Slack.Enabled,
				WebhookURL: n.Slack.WebhookURL,
				Channel:    n.Slack.Channel,
			},
			Email: notifications.EmailConfig{
				Enabled:  n.Email.Enabled,
				SMTPHost: n.Email.SMTPHost,
				SMTPPort: n.Email.SMTPPort,
				Username: n.Email.Username,
				Password: n.Email.Password,
				From:     n.Email.From,
				To:       n.Email.To,
			},
		}, a.logger)
		a.notifier.Start(a.Bus)
		a.onClose(func(context.Context) error { a.notifier.Stop(); return nil })
	}
	return nil
}

func (a *App) newScheduler(ctx context.Context, pg *kv.Postgres, q queue.Queue) error {
	var st scheduler.Store = scheduler.NewMemoryStore()
	if pg != nil {
		ps := scheduler.NewPostgresStore(pg.DB())
		if err := ps.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating scheduler tables: %w", err)
		}
		st = ps
	}
	a.Scheduler = scheduler.NewScheduler(st, scheduler.WithLogger(a.logger))

	handlers := &scheduler.DefaultHandlers{
		Synthesizer: a.Engine,
		Reports:     a.Reports,
		Records:     a.Store,
	}
	if r, ok := q.(queue.Reaper); ok {
		handlers.Queue = r
	}
	handlers.Register(a.Scheduler)

	sc := a.cfg.Scheduler
	for _, job := range builtinJobs(sc) {
		if err := a.Scheduler.EnsureJob(ctx, job); err != nil {
			return fmt.Errorf("seeding job %s: %w", job.ID, err)
		}
	}
	return nil
}

func builtinJobs(sc config.SchedulerConfig) []*scheduler.Job {
	return []*scheduler.Job{
		{
			ID:          "synthesis",
			Name:        "Periodic synthesis",
			Description: "Runs pattern synthesis over the whole graph",
			Schedule:    sc.SynthesisSchedule,
			JobType:     scheduler.JobTypeSynthesize,
			Enabled:     true,
		},
		{
			ID:          "threshold-report",
			Name:        "Critical indicator digest",
			Description: "Publishes a report once enough critical indicators are unreported",
			Schedule:    sc.ReportSchedule,
			JobType:     scheduler.JobTypeThresholdReport,
			Config:      map[string]string{"threshold": fmt.Sprint(sc.ReportCriticalThreshold)},
			Enabled:     true,
		},
		{
			ID:          "reap-stale",
			Name:        "Reap stale jobs",
			Description: "Requeues ingestion jobs whose worker stopped heartbeating",
			Schedule:    sc.ReapSchedule,
			JobType:     scheduler.JobTypeReapStale,
			Config:      map[string]string{"stale_after": sc.StaleAfter.String()},
			Enabled:     true,
		},
	}
}

// Run starts the workers, the scheduler and the API, and blocks until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Engine.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}
	defer a.Engine.Stop()

	if a.Scheduler != nil {
		if err := a.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer func() {
			<-a.Scheduler.Stop().Done()
		}()
	}

	a.logger.Info("intel engine running",
		"addr", fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		"kv", a.cfg.Storage.KV,
		"blob", a.cfg.Storage.Blob,
		"queue", a.cfg.Engine.Queue)
	return a.Server.Run(ctx)
}

// Close releases every component, continuing past failures.
func (a *App) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
