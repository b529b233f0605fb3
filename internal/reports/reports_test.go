package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/intelengine/internal/anchor"
	"github.com/qualys/intelengine/internal/blob"
	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/kv"
	"github.com/qualys/intelengine/internal/models"
	"github.com/qualys/intelengine/internal/store"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) Publish(e eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type brokenAnchor struct{ calls int }

func (b *brokenAnchor) Anchor(context.Context, string) (anchor.Receipt, error) {
	b.calls++
	return anchor.Receipt{}, errors.New("ledger unreachable")
}

func meta(id string, parents ...string) models.Meta {
	return models.Meta{ID: id, Timestamp: t0, DerivedFrom: parents}
}

// fixture stores one finding backed by SECRET intelligence and one critical
// indicator backed by CONFIDENTIAL intelligence.
func fixture(t *testing.T) *store.Orchestrator {
	t.Helper()
	s, err := store.New(kv.NewMemory(), blob.NewMemory())
	require.NoError(t, err)
	ctx := context.Background()

	records := []models.Record{
		&models.RawData{Meta: meta("r1"), SourceURL: "https://target.com", CollectionMethod: models.CollectionWebScrape, Content: []byte("admin@target.com")},
		&models.Observation{Meta: meta("o1", "r1"), Type: models.ObservationEmail, Value: "admin@target.com", Confidence: 85, ExtractedFrom: "r1"},
		&models.Intelligence{Meta: meta("i1", "o1"), Source: models.SourceOSINT, Reliability: models.ReliabilityC, Confidence: 64,
			Data: models.EmailFactOf("admin@target.com"), Classification: models.Secret},
		&models.Intelligence{Meta: meta("i2", "o1"), Source: models.SourceCYBINT, Reliability: models.ReliabilityB, Confidence: 70,
			Data: models.DomainFactOf("target.com"), Classification: models.Confidential},
		&models.Entity{Meta: meta("e1", "i1"), Name: "admin@target.com", Type: models.EntityEmailAccount, Confidence: 64},
		&models.Entity{Meta: meta("e2", "i2"), Name: "target.com", Type: models.EntityDomain, Confidence: 70},
		&models.Pattern{Meta: meta("p1", "e1", "e2"), Type: models.PatternStructural, Components: []string{"e1", "e2"}, Strength: 80},
		&models.Evidence{Meta: meta("ev1", "p1"), PatternID: "p1", Confidence: 80, Significance: 80},
		&models.Finding{Meta: meta("f1", "ev1"), Severity: models.SeverityHigh, Summary: "shared domain", SupportingEvidence: []string{"ev1"},
			Confidence: 80, PatternID: "p1", EntityIDs: []string{"e1", "e2"}},
		&models.Indicator{Meta: meta("ind1", "i2"), Type: models.IndicatorExposedEmail, Severity: models.SeverityCritical,
			Description: "mailbox exposed", Confidence: 90},
		&models.Indicator{Meta: meta("ind2", "i2"), Type: models.IndicatorExposedAPI, Severity: models.SeverityLow,
			Description: "docs endpoint", Confidence: 40},
	}
	for _, r := range records {
		require.NoError(t, s.Store(ctx, r), r.RecordID())
	}
	return s
}

func TestGenerateReport(t *testing.T) {
	s := fixture(t)
	bus := &recorder{}
	g := NewGenerator(s, WithPublisher(bus), WithClock(func() time.Time { return t0.Add(time.Hour) }))

	report, err := g.GenerateReport(context.Background(), []string{"f1", "f1"}, []string{"ind2", "ind1"}, Template{Title: "Target exposure"})
	require.NoError(t, err)

	assert.Equal(t, models.Secret, report.Classification)
	assert.Equal(t, []string{"i1", "i2"}, report.BaseIntelligence)
	assert.Equal(t, []string{"f1"}, report.KeyFindings)
	assert.Equal(t, []string{"ind1"}, report.CriticalIndicators)
	assert.Equal(t, []string{"f1", "ind2", "ind1"}, report.DerivedFrom)
	assert.Equal(t, "1 findings and 2 indicators, classified SECRET.", report.Summary)
	assert.Contains(t, report.Content, "- [high] shared domain (confidence 80, 1 evidence)")
	assert.Less(t, strings.Index(report.Content, "mailbox exposed"), strings.Index(report.Content, "docs endpoint"))
	assert.True(t, strings.HasPrefix(report.ContentHash, "sha256:"))
	assert.Equal(t, "intel-engine", report.AuthoredBy)
	assert.True(t, t0.Add(time.Hour).Equal(report.PublishedAt))

	stored, err := s.Get(context.Background(), report.ID)
	require.NoError(t, err)
	assert.Equal(t, report.ContentHash, stored.(*models.IntelReport).ContentHash)

	require.Len(t, bus.events, 1)
	assert.Equal(t, eventbus.TopicReportPublished, bus.events[0].Topic)
	assert.Equal(t, report.ID, bus.events[0].EntityID)
}

func TestClassificationNeverLowerThanInputs(t *testing.T) {
	s := fixture(t)
	g := NewGenerator(s)

	report, err := g.GenerateReport(context.Background(), nil, []string{"ind1"}, Template{Title: "Indicators only"})
	require.NoError(t, err)
	assert.Equal(t, models.Confidential, report.Classification)
	assert.Equal(t, []string{"i2"}, report.BaseIntelligence)
}

func TestStaleReferences(t *testing.T) {
	s := fixture(t)
	ctx := context.Background()
	require.NoError(t, s.Tombstone(ctx, "f1"))
	require.NoError(t, s.Tombstone(ctx, "ind2"))
	before := s.Len()

	g := NewGenerator(s)
	report, err := g.GenerateReport(ctx, []string{"f1"}, []string{"ind1", "ind2"}, Template{Title: "Stale"})
	assert.Nil(t, report)
	require.ErrorIs(t, err, models.ErrStaleReference)

	var stale *models.StaleReferenceError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, []string{"f1", "ind2"}, stale.IDs)
	assert.Equal(t, before, s.Len(), "no report may be stored")
}

func TestAnchoring(t *testing.T) {
	ctx := context.Background()

	t.Run("high classification is anchored", func(t *testing.T) {
		ledger, err := anchor.NewLedger(ctx)
		require.NoError(t, err)
		g := NewGenerator(fixture(t), WithAnchor(ledger, models.Secret))

		report, err := g.GenerateReport(ctx, []string{"f1"}, nil, Template{Title: "Anchored"})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(report.AnchorReceipt, "ledger:1:"))
		entry, ok := ledger.Lookup(report.ContentHash)
		require.True(t, ok)
		assert.Equal(t, uint64(1), entry.Sequence)
		require.NoError(t, ledger.Verify())
	})

	t.Run("below threshold is not anchored", func(t *testing.T) {
		ledger, err := anchor.NewLedger(ctx)
		require.NoError(t, err)
		g := NewGenerator(fixture(t), WithAnchor(ledger, models.Secret))

		report, err := g.GenerateReport(ctx, nil, []string{"ind1"}, Template{Title: "Low"})
		require.NoError(t, err)
		assert.Empty(t, report.AnchorReceipt)
		assert.Equal(t, 0, ledger.Len())
	})

	t.Run("anchor failure is not fatal", func(t *testing.T) {
		broken := &brokenAnchor{}
		g := NewGenerator(fixture(t), WithAnchor(broken, models.Confidential))

		report, err := g.GenerateReport(ctx, []string{"f1"}, nil, Template{Title: "Unanchored"})
		require.NoError(t, err)
		assert.Equal(t, 1, broken.calls)
		assert.Empty(t, report.AnchorReceipt)
		assert.NotEmpty(t, report.ContentHash)
	})
}

func TestContentHashIgnoresIdentity(t *testing.T) {
	s := fixture(t)
	g := NewGenerator(s)
	ctx := context.Background()

	a, err := g.GenerateReport(ctx, []string{"f1"}, nil, Template{Title: "Same"})
	require.NoError(t, err)
	b, err := g.GenerateReport(ctx, []string{"f1"}, nil, Template{Title: "Same", Body: "{{.Title}}"})
	require.NoError(t, err)
	c, err := g.GenerateReport(ctx, []string{"f1"}, nil, Template{Title: "Same", Body: "{{.Title}}"})
	require.NoError(t, err)

	assert.NotEqual(t, b.ID, c.ID)
	assert.Equal(t, b.ContentHash, c.ContentHash)
	assert.NotEqual(t, a.ContentHash, b.ContentHash)
}

func TestGenerateReportErrors(t *testing.T) {
	s := fixture(t)
	g := NewGenerator(s)
	ctx := context.Background()

	tests := []struct {
		name       string
		findings   []string
		indicators []string
		tmpl       Template
		want       error
	}{
		{"missing title", []string{"f1"}, nil, Template{}, models.ErrValidation},
		{"no references", nil, nil, Template{Title: "Empty"}, models.ErrValidation},
		{"wrong kind", []string{"ind1"}, nil, Template{Title: "Wrong"}, models.ErrValidation},
		{"unknown finding", []string{"nope"}, nil, Template{Title: "Missing"}, models.ErrNotFound},
		{"bad template", []string{"f1"}, nil, Template{Title: "Bad", Summary: "{{.Missing"}, models.ErrValidation},
		{"bad field", []string{"f1"}, nil, Template{Title: "Bad", Body: "{{.NoSuchField}}"}, models.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.GenerateReport(ctx, tt.findings, tt.indicators, tt.tmpl)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCustomTemplate(t *testing.T) {
	g := NewGenerator(fixture(t))
	report, err := g.GenerateReport(context.Background(), []string{"f1"}, []string{"ind1"}, Template{
		Title:      "Custom",
		Summary:    "{{.Classification}}/{{len .Intelligence}}",
		AuthoredBy: "analyst",
		Tags:       []string{"weekly"},
	})
	require.NoError(t, err)
	assert.Equal(t, "SECRET/2", report.Summary)
	assert.Equal(t, "analyst", report.AuthoredBy)
	assert.Equal(t, []string{"weekly"}, report.Tags)
}

func TestLoadAndRender(t *testing.T) {
	s := fixture(t)
	ledger, err := anchor.NewLedger(context.Background())
	require.NoError(t, err)
	g := NewGenerator(s, WithAnchor(ledger, models.Secret))
	ctx := context.Background()

	report, err := g.GenerateReport(ctx, []string{"f1"}, []string{"ind1"}, Template{Title: "Render me"})
	require.NoError(t, err)

	loaded, findings, indicators, err := g.Load(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, report.ID, loaded.ID)
	require.Len(t, findings, 1)
	require.Len(t, indicators, 1)

	pdf, err := RenderPDF(loaded, findings, indicators)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF-")))

	_, _, _, err = g.Load(ctx, "f1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestFindingsCSV(t *testing.T) {
	findings := []*models.Finding{
		{Meta: meta("f1", "ev1"), Severity: models.SeverityHigh, Summary: "a, b", Confidence: 80, SupportingEvidence: []string{"ev1", "ev2"}},
		{Meta: meta("f2", "ev3"), Severity: models.SeverityLow, Summary: "c", Confidence: 20, SupportingEvidence: []string{"ev3"}},
	}
	data, err := FindingsCSV(findings)
	require.NoError(t, err)

	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, []string{"f1", "high", "80", "a, b", "", "ev1;ev2", "", "2024-05-01T09:00:00Z"}, rows[1])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 25))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "abcdefgh...", shortID("abcdefghijkl"))
}
