package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/intelengine/internal/models"
	"github.com/qualys/intelengine/internal/queue"
	"github.com/qualys/intelengine/internal/reports"
	"github.com/qualys/intelengine/internal/store"
	"github.com/qualys/intelengine/internal/synthesis"
)

type fakeRecords struct {
	byKind map[models.ObjectType][]models.Record
}

func (f *fakeRecords) Query(ctx context.Context, fl store.Filter) ([]models.Record, error) {
	var out []models.Record
	for _, t := range fl.Types {
		out = append(out, f.byKind[t]...)
	}
	return out, nil
}

type fakeReports struct {
	indicatorIDs [][]string
	tmpl         reports.Template
}

func (f *fakeReports) GenerateReport(ctx context.Context, findingIDs, indicatorIDs []string, tmpl reports.Template) (*models.IntelReport, error) {
	f.indicatorIDs = append(f.indicatorIDs, indicatorIDs)
	f.tmpl = tmpl
	return &models.IntelReport{Meta: models.Meta{ID: "rep-new"}, Title: tmpl.Title, CriticalIndicators: indicatorIDs}, nil
}

type fakeSynth struct{ scope synthesis.Scope }

func (f *fakeSynth) Synthesize(ctx context.Context, scope synthesis.Scope) (*synthesis.Result, error) {
	f.scope = scope
	return &synthesis.Result{
		Patterns: []*models.Pattern{{}, {}},
		Findings: []*models.Finding{{}},
	}, nil
}

func critical(id string) *models.Indicator {
	return &models.Indicator{Meta: models.Meta{ID: id}, Type: models.IndicatorExposedCredential, Severity: models.SeverityCritical}
}

func TestThresholdReport(t *testing.T) {
	records := &fakeRecords{byKind: map[models.ObjectType][]models.Record{
		models.ObjectIndicator: {
			critical("ind-c"), critical("ind-a"), critical("ind-old"),
			&models.Indicator{Meta: models.Meta{ID: "ind-high"}, Severity: models.SeverityHigh},
		},
		models.ObjectReport: {
			&models.IntelReport{Meta: models.Meta{ID: "rep-1"}, CriticalIndicators: []string{"ind-old"}},
		},
	}}
	gen := &fakeReports{}
	h := &DefaultHandlers{Reports: gen, Records: records}
	ctx := context.Background()

	out, err := h.thresholdReport(ctx, &Job{Config: map[string]string{"threshold": "3"}})
	require.NoError(t, err)
	assert.Contains(t, out, "below threshold")
	assert.Empty(t, gen.indicatorIDs)

	out, err = h.thresholdReport(ctx, &Job{Config: map[string]string{"threshold": "2"}})
	require.NoError(t, err)
	assert.Contains(t, out, "rep-new")
	require.Len(t, gen.indicatorIDs, 1)
	assert.Equal(t, []string{"ind-a", "ind-c"}, gen.indicatorIDs[0])
	assert.Contains(t, gen.tmpl.Tags, "threshold")
	assert.Equal(t, "Critical indicator digest (2)", gen.tmpl.Title)

	_, err = h.thresholdReport(ctx, &Job{Config: map[string]string{"threshold": "zero"}})
	assert.Error(t, err)
}

func TestSynthesizeHandler(t *testing.T) {
	synth := &fakeSynth{}
	h := &DefaultHandlers{Synthesizer: synth}

	out, err := h.synthesize(context.Background(), &Job{Config: map[string]string{"window": "24h", "min_confidence": "40"}})
	require.NoError(t, err)
	assert.Equal(t, "2 patterns, 1 findings, 0 indicators", out)
	assert.Equal(t, 40, synth.scope.MinConfidence)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), synth.scope.Since, time.Minute)

	_, err = h.synthesize(context.Background(), &Job{Config: map[string]string{"window": "a while"}})
	assert.Error(t, err)
}

func TestReapStaleHandler(t *testing.T) {
	q := queue.NewMemory(queue.Options{})
	h := &DefaultHandlers{Queue: q}

	out, err := h.reapStale(context.Background(), &Job{Config: map[string]string{"stale_after": "30s"}})
	require.NoError(t, err)
	assert.Equal(t, "requeued 0 stale jobs", out)
}

func TestRegister_OnlyWiredHandlers(t *testing.T) {
	s, _ := newTestScheduler(t)
	(&DefaultHandlers{Synthesizer: &fakeSynth{}}).Register(s)

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Contains(t, s.handlers, JobTypeSynthesize)
	assert.NotContains(t, s.handlers, JobTypeThresholdReport)
	assert.NotContains(t, s.handlers, JobTypeReapStale)
}
