package synthesis

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/intelengine/internal/correlation"
	"github.com/qualys/intelengine/internal/models"
)

// namespace seeds the name-based ids of synthesized records so identical
// inputs always produce identical ids.
var namespace = uuid.MustParse("6f1c8e3a-4d6b-5e2f-9a7c-2b8d0e4f1a3c")

func stableID(parts ...string) string {
	return uuid.NewSHA1(namespace, []byte(strings.Join(parts, "\x00"))).String()
}

// Config tunes pattern detection. StrengthThreshold is the minimum pattern
// strength that becomes a finding.
type Config struct {
	StrengthThreshold int
	MinEntities       int
	TemporalWindow    time.Duration
	GeoRadiusKm       float64
	// FanOut is the number of same-typed outgoing edges that makes a
	// behavioral pattern.
	FanOut int
}

func DefaultConfig() Config {
	return Config{
		StrengthThreshold: 70,
		MinEntities:       2,
		TemporalWindow:    time.Hour,
		GeoRadiusKm:       25,
		FanOut:            3,
	}
}

// Scope narrows synthesis to part of the graph. Zero values do not filter.
type Scope struct {
	EntityIDs     []string
	Since         time.Time
	Until         time.Time
	BBox          *models.BoundingBox
	MinConfidence int
}

// Graph is the read side of the correlation graph used by synthesis.
type Graph interface {
	Snapshot() *correlation.Snapshot
}

// Result holds everything one synthesis pass produced, each slice in a
// stable order.
type Result struct {
	Patterns   []*models.Pattern
	Evidence   []*models.Evidence
	Findings   []*models.Finding
	Indicators []*models.Indicator
}

// Synthesizer turns a graph snapshot into patterns, findings and indicators.
// It holds no state between runs.
type Synthesizer struct {
	cfg    Config
	logger *slog.Logger
}

// New fills unset or out-of-range fields of cfg from DefaultConfig.
func New(cfg Config, logger *slog.Logger) *Synthesizer {
	def := DefaultConfig()
	if cfg.StrengthThreshold <= 0 {
		cfg.StrengthThreshold = def.StrengthThreshold
	}
	if cfg.MinEntities < 2 {
		cfg.MinEntities = def.MinEntities
	}
	if cfg.TemporalWindow <= 0 {
		cfg.TemporalWindow = def.TemporalWindow
	}
	if cfg.GeoRadiusKm <= 0 {
		cfg.GeoRadiusKm = def.GeoRadiusKm
	}
	if cfg.FanOut <= 1 {
		cfg.FanOut = def.FanOut
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{cfg: cfg, logger: logger}
}

// Synthesize returns the findings and indicators supported by the current
// graph state within scope.
func (s *Synthesizer) Synthesize(g Graph, scope Scope) ([]*models.Finding, []*models.Indicator) {
	res := s.Run(g.Snapshot(), scope)
	return res.Findings, res.Indicators
}

// Run synthesizes over a snapshot. It is a pure function of the snapshot
// contents, scope and configuration.
func (s *Synthesizer) Run(snap *correlation.Snapshot, scope Scope) *Result {
	entities := filterEntities(snap.Entities, scope)
	intel := filterIntelligence(snap.Intelligence, scope)

	inScope := make(map[string]bool, len(entities))
	for _, e := range entities {
		inScope[e.ID] = true
	}
	var edges []*models.Relationship
	for _, r := range snap.Relationships {
		if inScope[r.SourceID] && inScope[r.TargetID] {
			edges = append(edges, r)
		}
	}

	res := &Result{Patterns: s.detectPatterns(entities, edges)}

	byID := make(map[string]*models.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}
	for _, p := range res.Patterns {
		if p.Strength < s.cfg.StrengthThreshold {
			continue
		}
		components := make([]*models.Entity, 0, len(p.Components))
		for _, id := range p.Components {
			if e := byID[id]; e != nil {
				components = append(components, e)
			}
		}
		if independent(components) < s.cfg.MinEntities {
			continue
		}
		ev, f := promote(p)
		res.Evidence = append(res.Evidence, ev)
		res.Findings = append(res.Findings, f)
	}

	res.Indicators = deriveIndicators(entities, intel, snap.Relationships)

	sortFindings(res.Findings)
	sortIndicators(res.Indicators)
	s.logger.Debug("synthesis complete",
		"entities", len(entities),
		"patterns", len(res.Patterns),
		"findings", len(res.Findings),
		"indicators", len(res.Indicators))
	return res
}

// independent counts entities with distinct source sets. Entities resolved
// from exactly the same raw data do not corroborate each other.
func independent(entities []*models.Entity) int {
	seen := make(map[string]bool)
	for _, e := range entities {
		sources := append([]string(nil), e.Sources...)
		sort.Strings(sources)
		key := strings.Join(sources, ",")
		if key == "" {
			key = "entity:" + e.ID
		}
		seen[key] = true
	}
	return len(seen)
}

func promote(p *models.Pattern) (*models.Evidence, *models.Finding) {
	evID := stableID("evidence", p.ID)
	ev := &models.Evidence{
		Meta:             models.Meta{ID: evID, Timestamp: p.Timestamp, DerivedFrom: []string{p.ID}},
		Value:            p.Description,
		Confidence:       p.Strength,
		ExtractionMethod: "synthesis:" + string(p.Type),
		Verified:         true,
		PatternID:        p.ID,
		Significance:     p.Strength,
		ChainOfCustody: []models.CustodyStep{
			{Step: "pattern-detected", Actor: "synthesizer", At: p.Timestamp},
			{Step: "promoted-to-finding", Actor: "synthesizer", At: p.Timestamp},
		},
	}

	f := &models.Finding{
		Meta:               models.Meta{ID: stableID("finding", p.ID), Timestamp: p.Timestamp, DerivedFrom: []string{evID}},
		Severity:           findingSeverity(p),
		Summary:            fmt.Sprintf("%s pattern across %d entities: %s", p.Type, len(p.Components), p.Description),
		SupportingEvidence: []string{evID},
		Confidence:         p.Strength,
		PatternID:          p.ID,
		EntityIDs:          append([]string(nil), p.Components...),
	}
	return ev, f
}

func filterEntities(in []*models.Entity, scope Scope) []*models.Entity {
	allow := make(map[string]bool, len(scope.EntityIDs))
	for _, id := range scope.EntityIDs {
		allow[id] = true
	}

	out := make([]*models.Entity, 0, len(in))
	for _, e := range in {
		if e.Deleted() {
			continue
		}
		if len(allow) > 0 && !allow[e.ID] {
			continue
		}
		if !inWindow(e.Timestamp, scope) || e.Confidence < scope.MinConfidence {
			continue
		}
		if scope.BBox != nil && (e.Location == nil || !scope.BBox.Contains(*e.Location)) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func filterIntelligence(in []*models.Intelligence, scope Scope) []*models.Intelligence {
	out := make([]*models.Intelligence, 0, len(in))
	for _, i := range in {
		if !inWindow(i.Timestamp, scope) || i.Confidence < scope.MinConfidence {
			continue
		}
		if scope.BBox != nil && (i.Location == nil || !scope.BBox.Contains(*i.Location)) {
			continue
		}
		out = append(out, i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func inWindow(t time.Time, scope Scope) bool {
	if !scope.Since.IsZero() && t.Before(scope.Since) {
		return false
	}
	if !scope.Until.IsZero() && t.After(scope.Until) {
		return false
	}
	return true
}

func sortFindings(fs []*models.Finding) {
	sort.Slice(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.ID < b.ID
	})
}

func sortIndicators(is []*models.Indicator) {
	sort.Slice(is, func(i, j int) bool {
		a, b := is[i], is[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.ID < b.ID
	})
}

func latest(entities []*models.Entity) time.Time {
	var t time.Time
	for _, e := range entities {
		if e.Timestamp.After(t) {
			t = e.Timestamp
		}
	}
	return t
}
