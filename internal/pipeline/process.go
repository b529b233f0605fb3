package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/metrics"
	"github.com/qualys/intelengine/internal/models"
	"github.com/qualys/intelengine/internal/queue"
	"github.com/qualys/intelengine/internal/synthesis"
)

// recordNamespace seeds observation and intelligence ids so a retried job
// rewrites the same records instead of adding new ones.
var recordNamespace = uuid.MustParse("2c5e7a91-0b3d-5f48-8e6a-4d1f9c2b7e05")

func derivedID(parts ...string) string {
	b := make([]byte, 0, 64)
	for i, p := range parts {
		if i > 0 {
			b = append(b, 0)
		}
		b = append(b, p...)
	}
	return uuid.NewSHA1(recordNamespace, b).String()
}

// run tracks what one job produced.
type run struct {
	job      *queue.Job
	progress queue.Progress
}

func (r *run) warn(format string, args ...any) {
	r.progress.Warnings = append(r.progress.Warnings, fmt.Sprintf(format, args...))
}

func (e *Engine) process(ctx context.Context, job *queue.Job) error {
	ctx, span := tracer.Start(ctx, "pipeline.Process",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("raw.id", job.RawID),
			attribute.Int("job.attempt", job.Attempts+1),
		),
	)
	defer span.End()

	err := e.processJob(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (e *Engine) processJob(ctx context.Context, job *queue.Job) error {
	rec, err := e.store.Get(ctx, job.RawID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.NewValidationError("raw data %s for job %s is not stored", job.RawID, job.ID)
		}
		return fmt.Errorf("loading raw data: %w", err)
	}
	raw, ok := rec.(*models.RawData)
	if !ok {
		return models.NewValidationError("record %s is a %s, not raw data", job.RawID, rec.Kind())
	}

	r := &run{job: job, progress: queue.Progress{JobID: job.ID, RawID: raw.ID}}
	defer e.report(r)

	intel, err := e.extractAndAssess(ctx, r, raw)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.correlate(ctx, r, raw, intel); err != nil {
		return err
	}

	// A cancelled job keeps what it stored but skips synthesis.
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := e.Synthesize(ctx, synthesis.Scope{})
	if err != nil {
		return err
	}
	r.progress.Findings = len(res.Findings)
	r.progress.Indicators = len(res.Indicators)
	return nil
}

// report pushes counters to the queue; it runs on the way out of a job so
// partial progress survives failures.
func (e *Engine) report(r *run) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := e.queue.UpdateProgress(ctx, &r.progress); err != nil {
		e.logger.Warn("updating job progress failed", "job_id", r.job.ID, "error", err)
	}
}

func (e *Engine) extractAndAssess(ctx context.Context, r *run, raw *models.RawData) ([]*models.Intelligence, error) {
	_, span := tracer.Start(ctx, "pipeline.Extract")
	observations, warnings := e.extractor.Extract(raw, nil)
	span.SetAttributes(attribute.Int("observations", len(observations)), attribute.Int("warnings", len(warnings)))
	span.End()

	for _, w := range warnings {
		matcher := w.Matcher
		if matcher == "" {
			matcher = string(w.Kind)
		}
		metrics.ExtractionErrors.WithLabelValues(matcher).Inc()
		r.warn("%s", w.Error())
	}

	intel := make([]*models.Intelligence, 0, len(observations))
	for _, obs := range observations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		obs.ID = derivedID("observation", raw.ID, string(obs.Type), obs.Value)
		obs.Timestamp = raw.Timestamp
		if err := e.store.Store(ctx, obs); err != nil {
			return nil, fmt.Errorf("storing observation %s: %w", obs.ID, err)
		}
		metrics.Observations.WithLabelValues(string(obs.Type)).Inc()
		r.progress.Observations++

		in := e.assessor.Assess(raw, obs)
		in.ID = derivedID("intelligence", obs.ID)
		in.Timestamp = raw.Timestamp
		if err := e.store.Store(ctx, in); err != nil {
			if !errors.Is(err, models.ErrConflict) {
				return nil, fmt.Errorf("storing intelligence %s: %w", in.ID, err)
			}
			// A retry assessed after newer sources arrived; the stored record wins.
			prev, gerr := e.store.Get(ctx, in.ID)
			if gerr != nil {
				return nil, fmt.Errorf("loading stored intelligence %s: %w", in.ID, gerr)
			}
			stored, ok := prev.(*models.Intelligence)
			if !ok {
				return nil, fmt.Errorf("storing intelligence %s: %w", in.ID, err)
			}
			in = stored
		}
		r.progress.Intelligence++
		intel = append(intel, in)
	}
	return intel, nil
}

func (e *Engine) correlate(ctx context.Context, r *run, raw *models.RawData, intel []*models.Intelligence) error {
	ctx, span := tracer.Start(ctx, "pipeline.Correlate", trace.WithAttributes(attribute.Int("intelligence", len(intel))))
	defer span.End()

	touched := make(map[string]bool)
	var order []string
	touch := func(id string) {
		if !touched[id] {
			touched[id] = true
			order = append(order, id)
		}
	}

	var links []pendingLink
	for _, in := range intel {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := resolve(raw, in)
		primary, err := e.graph.Upsert(res.primary)
		if err != nil {
			r.warn("resolving %s: %v", in.Data.String(), err)
			continue
		}
		touch(primary)
		if res.related != nil {
			related, err := e.graph.Upsert(res.related)
			if err != nil {
				r.warn("resolving %s: %v", res.related.Name, err)
			} else {
				touch(related)
				l := pendingLink{from: primary, to: related, typ: res.relation, intel: in.ID}
				if res.relatedIsSource {
					l.from, l.to = related, primary
				}
				links = append(links, l)
			}
		}

		if err := e.graph.AddIntelligence(in, primary); err != nil {
			return fmt.Errorf("adding intelligence %s to graph: %w", in.ID, err)
		}
		contradictions, err := e.graph.CheckIntelligence(in.ID, primary)
		if err != nil {
			return fmt.Errorf("checking intelligence %s: %w", in.ID, err)
		}
		for _, rel := range contradictions {
			created := !e.store.Exists(rel.ID)
			if err := e.store.Store(ctx, rel); err != nil {
				return fmt.Errorf("storing contradiction %s: %w", rel.ID, err)
			}
			if created {
				metrics.Contradictions.Inc()
			}
		}
	}

	for _, id := range order {
		ent, err := e.graph.Entity(id)
		if err != nil {
			r.warn("entity %s vanished during correlation: %v", id, err)
			continue
		}
		if err := e.store.Store(ctx, ent); err != nil {
			return fmt.Errorf("storing entity %s: %w", id, err)
		}
		r.progress.Entities++
	}

	links = append(links, e.coOccurrence(raw, order, intel)...)
	for _, l := range links {
		if !e.persisted([]string{l.from, l.to}) {
			continue
		}
		relID, err := e.graph.Link(l.from, l.to, l.typ, linkEvidence(l))
		if err != nil {
			r.warn("linking %s to %s: %v", l.from, l.to, err)
			continue
		}
		rel, err := e.graph.Relationship(relID)
		if err != nil {
			continue
		}
		if err := e.store.Store(ctx, rel); err != nil {
			return fmt.Errorf("storing relationship %s: %w", relID, err)
		}
	}
	span.SetAttributes(attribute.Int("entities", len(order)), attribute.Int("links", len(links)))
	return nil
}

// Synthesize runs a synthesis pass over the current graph and stores every
// pattern, evidence, finding and indicator whose upstream records are
// already persisted. Records that were tombstoned stay tombstoned and are
// left out of the result. Records that are new publish finding.created or
// indicator.created.
func (e *Engine) Synthesize(ctx context.Context, scope synthesis.Scope) (*synthesis.Result, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Synthesize")
	defer span.End()

	e.synthMu.Lock()
	defer e.synthMu.Unlock()

	res := e.synth.Run(e.graph.Snapshot(), scope)
	stored := &synthesis.Result{}

	// An entity upserted by a concurrent job may not be persisted yet; its
	// patterns are picked up by the next pass.
	patterns := make(map[string]bool, len(res.Patterns))
	for _, p := range res.Patterns {
		if !e.persisted(p.DerivedFrom) || e.tombstoned(p.ID) {
			continue
		}
		if err := e.store.Store(ctx, p); err != nil {
			return nil, e.fail(span, fmt.Errorf("storing pattern %s: %w", p.ID, err))
		}
		patterns[p.ID] = true
		stored.Patterns = append(stored.Patterns, p)
	}
	findingOf := make(map[string]bool)
	for _, ev := range res.Evidence {
		if !patterns[ev.PatternID] || e.tombstoned(ev.ID) {
			continue
		}
		if err := e.store.Store(ctx, ev); err != nil {
			return nil, e.fail(span, fmt.Errorf("storing evidence %s: %w", ev.ID, err))
		}
		findingOf[ev.ID] = true
		stored.Evidence = append(stored.Evidence, ev)
	}
	for _, f := range res.Findings {
		if !findingOf[f.SupportingEvidence[0]] || e.tombstoned(f.ID) {
			continue
		}
		created := !e.store.Exists(f.ID)
		if err := e.store.Store(ctx, f); err != nil {
			return nil, e.fail(span, fmt.Errorf("storing finding %s: %w", f.ID, err))
		}
		stored.Findings = append(stored.Findings, f)
		if created {
			e.publish(eventbus.TopicFindingCreated, f.ID, f)
		}
	}
	for _, ind := range res.Indicators {
		if !e.persisted(ind.DerivedFrom) || e.tombstoned(ind.ID) {
			continue
		}
		created := !e.store.Exists(ind.ID)
		if err := e.store.Store(ctx, ind); err != nil {
			return nil, e.fail(span, fmt.Errorf("storing indicator %s: %w", ind.ID, err))
		}
		stored.Indicators = append(stored.Indicators, ind)
		if created {
			e.publish(eventbus.TopicIndicatorCreated, ind.ID, ind)
		}
	}

	span.SetAttributes(
		attribute.Int("patterns", len(stored.Patterns)),
		attribute.Int("findings", len(stored.Findings)),
		attribute.Int("indicators", len(stored.Indicators)),
	)
	return stored, nil
}

// tombstoned reports whether id was stored and later deleted. Synthesis
// output has deterministic ids, so re-storing it would revive the record.
func (e *Engine) tombstoned(id string) bool {
	deleted, err := e.store.Deleted(id)
	return err == nil && deleted
}

func (e *Engine) persisted(ids []string) bool {
	for _, id := range ids {
		if !e.store.Exists(id) {
			return false
		}
	}
	return true
}

func (e *Engine) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
