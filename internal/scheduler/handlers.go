package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/qualys/intelengine/internal/models"
	"github.com/qualys/intelengine/internal/queue"
	"github.com/qualys/intelengine/internal/reports"
	"github.com/qualys/intelengine/internal/store"
	"github.com/qualys/intelengine/internal/synthesis"
)

type Synthesizer interface {
	Synthesize(ctx context.Context, scope synthesis.Scope) (*synthesis.Result, error)
}

type ReportGenerator interface {
	GenerateReport(ctx context.Context, findingIDs, indicatorIDs []string, tmpl reports.Template) (*models.IntelReport, error)
}

type Querier interface {
	Query(ctx context.Context, f store.Filter) ([]models.Record, error)
}

// DefaultHandlers wires the engine components behind the built-in job types.
// Nil components leave their job type unregistered.
type DefaultHandlers struct {
	Synthesizer Synthesizer
	Reports     ReportGenerator
	Records     Querier
	Queue       queue.Reaper
}

func (h *DefaultHandlers) Register(s *Scheduler) {
	if h.Synthesizer != nil {
		s.RegisterHandler(JobTypeSynthesize, h.synthesize)
	}
	if h.Reports != nil && h.Records != nil {
		s.RegisterHandler(JobTypeThresholdReport, h.thresholdReport)
	}
	if h.Queue != nil {
		s.RegisterHandler(JobTypeReapStale, h.reapStale)
	}
}

// synthesize runs a synthesis pass. Config "window" limits it to
// intelligence from the last duration, e.g. "24h".
func (h *DefaultHandlers) synthesize(ctx context.Context, job *Job) (string, error) {
	var scope synthesis.Scope
	if w := job.Config["window"]; w != "" {
		d, err := time.ParseDuration(w)
		if err != nil {
			return "", fmt.Errorf("parsing window: %w", err)
		}
		scope.Since = time.Now().Add(-d)
	}
	if c := job.Config["min_confidence"]; c != "" {
		n, err := strconv.Atoi(c)
		if err != nil {
			return "", fmt.Errorf("parsing min_confidence: %w", err)
		}
		scope.MinConfidence = n
	}

	res, err := h.Synthesizer.Synthesize(ctx, scope)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d patterns, %d findings, %d indicators",
		len(res.Patterns), len(res.Findings), len(res.Indicators)), nil
}

// thresholdReport generates a report once at least "threshold" critical
// indicators exist that no live report covers yet.
func (h *DefaultHandlers) thresholdReport(ctx context.Context, job *Job) (string, error) {
	threshold := 3
	if t := job.Config["threshold"]; t != "" {
		n, err := strconv.Atoi(t)
		if err != nil || n < 1 {
			return "", fmt.Errorf("invalid threshold %q", t)
		}
		threshold = n
	}

	pending, err := h.unreported(ctx)
	if err != nil {
		return "", err
	}
	if len(pending) < threshold {
		return fmt.Sprintf("%d unreported critical indicators, below threshold %d", len(pending), threshold), nil
	}

	title := job.Config["title"]
	if title == "" {
		title = fmt.Sprintf("Critical indicator digest (%d)", len(pending))
	}
	report, err := h.Reports.GenerateReport(ctx, nil, pending, reports.Template{
		Title: title,
		Tags:  []string{"automated", "threshold"},
	})
	if err != nil {
		return "", fmt.Errorf("generating report: %w", err)
	}
	return fmt.Sprintf("report %s covers %d critical indicators", report.ID, len(pending)), nil
}

func (h *DefaultHandlers) unreported(ctx context.Context) ([]string, error) {
	published, err := h.Records.Query(ctx, store.Filter{Types: []models.ObjectType{models.ObjectReport}})
	if err != nil {
		return nil, fmt.Errorf("querying reports: %w", err)
	}
	covered := make(map[string]bool)
	for _, rec := range published {
		if r, ok := rec.(*models.IntelReport); ok {
			for _, id := range r.CriticalIndicators {
				covered[id] = true
			}
		}
	}

	recs, err := h.Records.Query(ctx, store.Filter{Types: []models.ObjectType{models.ObjectIndicator}})
	if err != nil {
		return nil, fmt.Errorf("querying indicators: %w", err)
	}
	var pending []string
	for _, rec := range recs {
		ind, ok := rec.(*models.Indicator)
		if !ok || ind.Severity != models.SeverityCritical || covered[ind.ID] {
			continue
		}
		pending = append(pending, ind.ID)
	}
	sort.Strings(pending)
	return pending, nil
}

// reapStale requeues jobs whose worker stopped heartbeating. Config
// "stale_after" overrides the two minute default.
func (h *DefaultHandlers) reapStale(ctx context.Context, job *Job) (string, error) {
	timeout := 2 * time.Minute
	if v := job.Config["stale_after"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return "", fmt.Errorf("parsing stale_after: %w", err)
		}
		timeout = d
	}
	n, err := h.Queue.ReapStale(ctx, timeout)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("requeued %d stale jobs", n), nil
}
