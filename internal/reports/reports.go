// Package reports turns findings and indicators into classified IntelReports.
package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/intelengine/internal/anchor"
	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/models"
)

const (
	defaultSummary = `{{len .Findings}} findings and {{len .Indicators}} indicators, classified {{.Classification}}.`
	defaultBody    = `{{.Title}}
Classification: {{.Classification}}
Generated: {{.GeneratedAt.Format "2006-01-02T15:04:05Z07:00"}}

Findings
{{range .Findings}}- [{{.Severity}}] {{.Summary}} (confidence {{.Confidence}}, {{len .SupportingEvidence}} evidence)
{{else}}- none
{{end}}
Indicators
{{range .Indicators}}- [{{.Severity}}] {{.Type}}: {{.Description}} (confidence {{.Confidence}})
{{else}}- none
{{end}}
Based on {{len .Intelligence}} intelligence records.
`
)

// Template shapes a generated report. Summary and Body are text/template
// sources rendered against TemplateData; empty values use the defaults.
type Template struct {
	Title      string           `json:"title"`
	Summary    string           `json:"summary,omitempty"`
	Body       string           `json:"body,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
	AuthoredBy string           `json:"authored_by,omitempty"`
	Location   *models.Location `json:"location,omitempty"`
}

// TemplateData is what report templates see.
type TemplateData struct {
	Title          string
	Classification models.Classification
	GeneratedAt    time.Time
	Findings       []*models.Finding
	Indicators     []*models.Indicator
	Intelligence   []*models.Intelligence
}

// Store is the record access report generation needs.
type Store interface {
	Get(ctx context.Context, id string) (models.Record, error)
	Store(ctx context.Context, r models.Record) error
}

type Option func(*Generator)

// WithAnchor anchors reports classified at or above level.
func WithAnchor(a anchor.Anchorer, level models.Classification) Option {
	return func(g *Generator) {
		g.anchorer = a
		g.anchorMin = level
	}
}

func WithPublisher(p eventbus.Publisher) Option { return func(g *Generator) { g.bus = p } }

func WithLogger(l *slog.Logger) Option { return func(g *Generator) { g.logger = l } }

func WithAuthor(name string) Option { return func(g *Generator) { g.author = name } }

func WithClock(now func() time.Time) Option { return func(g *Generator) { g.now = now } }

type Generator struct {
	store     Store
	anchorer  anchor.Anchorer
	anchorMin models.Classification
	bus       eventbus.Publisher
	author    string
	logger    *slog.Logger
	now       func() time.Time
}

func NewGenerator(store Store, opts ...Option) *Generator {
	g := &Generator{
		store:     store,
		anchorMin: models.Secret,
		author:    "intel-engine",
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateReport builds, stores and publishes a report over the given
// findings and indicators. Any tombstoned reference fails the whole report
// with a StaleReferenceError. The report is classified at the highest level
// of every Intelligence record reachable from its references.
func (g *Generator) GenerateReport(ctx context.Context, findingIDs, indicatorIDs []string, tmpl Template) (*models.IntelReport, error) {
	if strings.TrimSpace(tmpl.Title) == "" {
		return nil, models.NewValidationError("report title is required")
	}
	if len(findingIDs) == 0 && len(indicatorIDs) == 0 {
		return nil, models.NewValidationError("report needs at least one finding or indicator")
	}

	findingIDs, indicatorIDs = dedupe(findingIDs), dedupe(indicatorIDs)
	var stale []string

	findings := make([]*models.Finding, 0, len(findingIDs))
	for _, id := range findingIDs {
		rec, err := g.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading finding %s: %w", id, err)
		}
		f, ok := rec.(*models.Finding)
		if !ok {
			return nil, models.NewValidationError("%s is a %s, not a finding", id, rec.Kind())
		}
		if f.Deleted() {
			stale = append(stale, id)
		}
		findings = append(findings, f)
	}

	indicators := make([]*models.Indicator, 0, len(indicatorIDs))
	for _, id := range indicatorIDs {
		rec, err := g.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading indicator %s: %w", id, err)
		}
		ind, ok := rec.(*models.Indicator)
		if !ok {
			return nil, models.NewValidationError("%s is a %s, not an indicator", id, rec.Kind())
		}
		if ind.Deleted() {
			stale = append(stale, id)
		}
		indicators = append(indicators, ind)
	}

	if len(stale) > 0 {
		sort.Strings(stale)
		return nil, &models.StaleReferenceError{IDs: stale}
	}

	roots := make([]models.Record, 0, len(findings)+len(indicators))
	for _, f := range findings {
		roots = append(roots, f)
	}
	for _, ind := range indicators {
		roots = append(roots, ind)
	}
	intel, err := g.reachableIntelligence(ctx, roots)
	if err != nil {
		return nil, err
	}

	levels := make([]models.Classification, len(intel))
	baseIDs := make([]string, len(intel))
	for i, in := range intel {
		levels[i] = in.Classification
		baseIDs[i] = in.ID
	}
	classification := models.MaxClassification(levels...)

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Severity.Rank() != findings[j].Severity.Rank() {
			return findings[i].Severity.Rank() > findings[j].Severity.Rank()
		}
		return findings[i].Confidence > findings[j].Confidence
	})
	sort.SliceStable(indicators, func(i, j int) bool {
		if indicators[i].Severity.Rank() != indicators[j].Severity.Rank() {
			return indicators[i].Severity.Rank() > indicators[j].Severity.Rank()
		}
		return indicators[i].Confidence > indicators[j].Confidence
	})

	now := g.now().UTC()
	data := TemplateData{
		Title:          tmpl.Title,
		Classification: classification,
		GeneratedAt:    now,
		Findings:       findings,
		Indicators:     indicators,
		Intelligence:   intel,
	}
	summary, err := render("summary", orDefault(tmpl.Summary, defaultSummary), data)
	if err != nil {
		return nil, err
	}
	body, err := render("body", orDefault(tmpl.Body, defaultBody), data)
	if err != nil {
		return nil, err
	}

	author := tmpl.AuthoredBy
	if author == "" {
		author = g.author
	}
	report := &models.IntelReport{
		Meta: models.Meta{
			ID:          uuid.NewString(),
			Timestamp:   now,
			DerivedFrom: append(append([]string(nil), findingIDs...), indicatorIDs...),
		},
		Title:              tmpl.Title,
		Summary:            summary,
		Content:            body,
		Classification:     classification,
		BaseIntelligence:   baseIDs,
		KeyFindings:        idsOf(findings),
		CriticalIndicators: criticalIDs(indicators),
		AuthoredBy:         author,
		PublishedAt:        now,
		Tags:               tmpl.Tags,
		Location:           tmpl.Location,
	}

	report.ContentHash, err = anchor.ContentHash(hashedContent{
		Title:              report.Title,
		Summary:            report.Summary,
		Content:            report.Content,
		Classification:     report.Classification.String(),
		BaseIntelligence:   report.BaseIntelligence,
		KeyFindings:        report.KeyFindings,
		CriticalIndicators: report.CriticalIndicators,
	})
	if err != nil {
		return nil, fmt.Errorf("hashing report content: %w", err)
	}

	if g.anchorer != nil && classification >= g.anchorMin {
		receipt, err := g.anchorer.Anchor(ctx, report.ContentHash)
		if err != nil {
			g.logger.Warn("anchoring report failed, issuing without receipt",
				"report_id", report.ID, "classification", classification.String(), "error", err)
		} else {
			report.AnchorReceipt = receipt.String()
		}
	}

	if err := g.store.Store(ctx, report); err != nil {
		return nil, fmt.Errorf("storing report: %w", err)
	}

	if g.bus != nil {
		published := *report
		ev := eventbus.NewEvent(eventbus.TopicReportPublished, report.ID, &published)
		if err := g.bus.Publish(ev); err != nil {
			g.logger.Warn("publishing report event failed", "report_id", report.ID, "error", err)
		}
	}

	g.logger.Info("report generated",
		"report_id", report.ID,
		"findings", len(findings),
		"indicators", len(indicators),
		"classification", classification.String())
	return report, nil
}

// hashedContent is the anchored view of a report. Ids and timestamps are
// excluded so identical content hashes identically.
type hashedContent struct {
	Title              string   `json:"title"`
	Summary            string   `json:"summary"`
	Content            string   `json:"content"`
	Classification     string   `json:"classification"`
	BaseIntelligence   []string `json:"base_intelligence"`
	KeyFindings        []string `json:"key_findings"`
	CriticalIndicators []string `json:"critical_indicators"`
}

// reachableIntelligence walks upstream from roots through DerivedFrom,
// supporting evidence, evidence patterns and pattern components, stopping
// at Intelligence records.
func (g *Generator) reachableIntelligence(ctx context.Context, roots []models.Record) ([]*models.Intelligence, error) {
	visited := make(map[string]bool)
	var queue []string
	push := func(ids ...string) {
		for _, id := range ids {
			if id != "" && !visited[id] {
				visited[id] = true
				queue = append(queue, id)
			}
		}
	}
	for _, r := range roots {
		visited[r.RecordID()] = true
	}
	for _, r := range roots {
		push(upstream(r)...)
	}

	found := make(map[string]*models.Intelligence)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		rec, err := g.store.Get(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("resolving report classification: %w", err)
		}
		if err != nil {
			return nil, err
		}
		if in, ok := rec.(*models.Intelligence); ok {
			found[in.ID] = in
			continue
		}
		push(upstream(rec)...)
	}

	out := make([]*models.Intelligence, 0, len(found))
	for _, in := range found {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func upstream(r models.Record) []string {
	ids := append([]string(nil), r.Lineage()...)
	switch v := r.(type) {
	case *models.Finding:
		ids = append(ids, v.SupportingEvidence...)
		ids = append(ids, v.PatternID)
	case *models.Evidence:
		ids = append(ids, v.PatternID)
	case *models.Pattern:
		ids = append(ids, v.Components...)
	case *models.RawData, *models.Observation:
		// below Intelligence; nothing further can raise the level
		return nil
	}
	return ids
}

func render(name, src string, data TemplateData) (string, error) {
	t, err := template.New(name).Parse(src)
	if err != nil {
		return "", models.NewValidationError("parsing %s template: %v", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", models.NewValidationError("rendering %s template: %v", name, err)
	}
	return buf.String(), nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func idsOf(findings []*models.Finding) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.ID
	}
	return out
}

func criticalIDs(indicators []*models.Indicator) []string {
	out := make([]string, 0, len(indicators))
	for _, ind := range indicators {
		if ind.Severity == models.SeverityCritical || ind.Severity == models.SeverityHigh {
			out = append(out, ind.ID)
		}
	}
	return out
}

// FindingsCSV exports findings one row per finding.
func FindingsCSV(findings []*models.Finding) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"ID", "Severity", "Confidence", "Summary", "Pattern ID", "Evidence", "Entities", "Created At"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, f := range findings {
		row := []string{
			f.ID,
			string(f.Severity),
			strconv.Itoa(f.Confidence),
			f.Summary,
			f.PatternID,
			strings.Join(f.SupportingEvidence, ";"),
			strings.Join(f.EntityIDs, ";"),
			f.Timestamp.Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

// Load fetches a stored report together with its findings and indicators.
func (g *Generator) Load(ctx context.Context, reportID string) (*models.IntelReport, []*models.Finding, []*models.Indicator, error) {
	rec, err := g.store.Get(ctx, reportID)
	if err != nil {
		return nil, nil, nil, err
	}
	report, ok := rec.(*models.IntelReport)
	if !ok {
		return nil, nil, nil, models.NewNotFoundError(models.ObjectReport, reportID)
	}

	var findings []*models.Finding
	var indicators []*models.Indicator
	for _, id := range report.DerivedFrom {
		rec, err := g.store.Get(ctx, id)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("loading report reference %s: %w", id, err)
		}
		switch v := rec.(type) {
		case *models.Finding:
			findings = append(findings, v)
		case *models.Indicator:
			indicators = append(indicators, v)
		}
	}
	return report, findings, indicators, nil
}
