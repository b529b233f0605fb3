package synthesis

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/intelengine/internal/correlation"
	"github.com/qualys/intelengine/internal/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func ent(id string, t models.EntityType, confidence int, identifiers map[string]string, sources ...string) *models.Entity {
	return &models.Entity{
		Meta:        models.Meta{ID: id, Timestamp: base, DerivedFrom: []string{"intel-" + id}},
		Name:        id,
		Type:        t,
		Confidence:  confidence,
		Identifiers: identifiers,
		Sources:     sources,
	}
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		typ        models.IndicatorType
		confidence int
		want       models.Severity
	}{
		{models.IndicatorExposedAPI, 85, models.SeverityHigh},
		{models.IndicatorExposedAPI, 80, models.SeverityHigh},
		{models.IndicatorExposedAPI, 79, models.SeverityMedium},
		{models.IndicatorExposedAPI, 50, models.SeverityMedium},
		{models.IndicatorExposedAPI, 49, models.SeverityLow},
		{models.IndicatorExposedCredential, 90, models.SeverityCritical},
		{models.IndicatorExposedEmail, 95, models.SeverityMedium},
		{models.IndicatorType("unknown"), 95, models.SeverityLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityFor(tt.typ, tt.confidence), "%s@%d", tt.typ, tt.confidence)
	}
}

func TestRun_StructuralPromotion(t *testing.T) {
	snap := &correlation.Snapshot{Entities: []*models.Entity{
		ent("e1", models.EntityEmailAccount, 90, map[string]string{"email": "admin@target.com"}, "raw-1"),
		ent("e2", models.EntityServer, 90, map[string]string{"hostname": "srv1.target.com"}, "raw-2"),
		ent("e3", models.EntityDomain, 40, map[string]string{"domain": "other.org"}, "raw-3"),
	}}

	res := New(DefaultConfig(), quiet()).Run(snap, Scope{})

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, []string{"e1", "e2"}, f.EntityIDs)
	// mean 90 x coverage 0.8
	assert.Equal(t, 72, f.Confidence)
	assert.Equal(t, models.SeverityMedium, f.Severity)
	require.Len(t, res.Evidence, 1)
	assert.Equal(t, res.Evidence[0].ID, f.SupportingEvidence[0])
	assert.Equal(t, []string{res.Evidence[0].PatternID}, res.Evidence[0].DerivedFrom)

	for _, r := range []models.Record{f, res.Evidence[0]} {
		assert.NoError(t, models.Validate(r))
	}
}

func TestRun_BelowThresholdNotPromoted(t *testing.T) {
	snap := &correlation.Snapshot{Entities: []*models.Entity{
		ent("e1", models.EntityEmailAccount, 60, map[string]string{"email": "a@target.com"}, "raw-1"),
		ent("e2", models.EntityEmailAccount, 60, map[string]string{"email": "b@target.com"}, "raw-2"),
	}}
	res := New(DefaultConfig(), quiet()).Run(snap, Scope{})
	assert.NotEmpty(t, res.Patterns)
	assert.Empty(t, res.Findings)
}

func TestRun_RequiresIndependentEntities(t *testing.T) {
	snap := &correlation.Snapshot{Entities: []*models.Entity{
		ent("e1", models.EntityEmailAccount, 95, map[string]string{"email": "a@target.com"}, "raw-1"),
		ent("e2", models.EntityEmailAccount, 95, map[string]string{"email": "b@target.com"}, "raw-1"),
	}}
	res := New(DefaultConfig(), quiet()).Run(snap, Scope{})
	assert.Empty(t, res.Findings, "entities resolved from the same raw data are not independent")
}

func TestRun_Behavioral(t *testing.T) {
	entities := []*models.Entity{
		ent("admin", models.EntityPerson, 90, nil, "raw-0"),
		ent("s1", models.EntityServer, 90, nil, "raw-1"),
		ent("s2", models.EntityServer, 90, nil, "raw-2"),
		ent("s3", models.EntityServer, 90, nil, "raw-3"),
	}
	var rels []*models.Relationship
	for _, target := range []string{"s1", "s2", "s3"} {
		rels = append(rels, &models.Relationship{
			Meta:     models.Meta{ID: "r-" + target, Timestamp: base, DerivedFrom: []string{"admin"}},
			SourceID: "admin", TargetID: target, Type: models.RelationManages, Confidence: 80,
		})
	}

	res := New(DefaultConfig(), quiet()).Run(&correlation.Snapshot{Entities: entities, Relationships: rels}, Scope{})

	var behavioral *models.Pattern
	for _, p := range res.Patterns {
		if p.Type == models.PatternBehavioral {
			behavioral = p
		}
	}
	require.NotNil(t, behavioral)
	assert.Equal(t, []string{"admin", "s1", "s2", "s3"}, behavioral.Components)
	assert.Equal(t, 90, behavioral.Strength)
}

func TestRun_Geographic(t *testing.T) {
	london := ent("l1", models.EntityServer, 80, nil, "raw-1")
	london.Location = &models.Location{Lat: 51.5074, Lon: -0.1278}
	nearby := ent("l2", models.EntityServer, 80, nil, "raw-2")
	nearby.Location = &models.Location{Lat: 51.52, Lon: -0.10}
	ny := ent("n1", models.EntityServer, 80, nil, "raw-3")
	ny.Location = &models.Location{Lat: 40.71, Lon: -74.0}

	res := New(DefaultConfig(), quiet()).Run(&correlation.Snapshot{Entities: []*models.Entity{london, nearby, ny}}, Scope{})

	var geo []*models.Pattern
	for _, p := range res.Patterns {
		if p.Type == models.PatternGeographic {
			geo = append(geo, p)
		}
	}
	require.Len(t, geo, 1)
	assert.Equal(t, []string{"l1", "l2"}, geo[0].Components)
}

func TestRun_Indicators(t *testing.T) {
	snap := &correlation.Snapshot{
		Entities: []*models.Entity{
			ent("svc", models.EntityServiceAccount, 85, map[string]string{"username": "deploy-bot"}, "raw-1"),
		},
		Intelligence: []*models.Intelligence{
			{Meta: models.Meta{ID: "i1", Timestamp: base, DerivedFrom: []string{"o1"}}, Reliability: models.ReliabilityC, Confidence: 64,
				Data: models.EmailFactOf("admin@target.com")},
			{Meta: models.Meta{ID: "i2", Timestamp: base, DerivedFrom: []string{"o2"}}, Reliability: models.ReliabilityB, Confidence: 92,
				Data: models.EmailFactOf("Admin@target.com")},
			{Meta: models.Meta{ID: "i3", Timestamp: base, DerivedFrom: []string{"o3"}}, Reliability: models.ReliabilityC, Confidence: 85,
				Data: models.ArtifactFactOf(models.ObservationURL, "https://target.com/api/v1/users")},
		},
	}

	_, indicators := New(DefaultConfig(), quiet()).Synthesize(staticGraph{snap}, Scope{})

	byType := map[models.IndicatorType]*models.Indicator{}
	for _, i := range indicators {
		byType[i.Type] = i
		assert.NoError(t, models.Validate(i))
	}
	require.Len(t, indicators, 3)

	assert.Equal(t, models.SeverityCritical, byType[models.IndicatorExposedCredential].Severity)
	assert.Equal(t, []string{"svc"}, byType[models.IndicatorExposedCredential].EntityIDs)

	email := byType[models.IndicatorExposedEmail]
	assert.Equal(t, 92, email.Confidence)
	assert.Equal(t, []string{"i1", "i2"}, email.DerivedFrom)

	assert.Equal(t, models.SeverityHigh, byType[models.IndicatorExposedAPI].Severity)
	assert.Equal(t, models.IndicatorExposedCredential, indicators[0].Type, "ordered by severity")
}

type staticGraph struct{ snap *correlation.Snapshot }

func (g staticGraph) Snapshot() *correlation.Snapshot { return g.snap }

func TestRun_Deterministic(t *testing.T) {
	snap := &correlation.Snapshot{Entities: []*models.Entity{
		ent("e1", models.EntityEmailAccount, 90, map[string]string{"email": "a@target.com"}, "raw-1"),
		ent("e2", models.EntityEmailAccount, 85, map[string]string{"email": "b@target.com"}, "raw-2"),
		ent("e3", models.EntityServer, 95, map[string]string{"hostname": "srv.target.com"}, "raw-3"),
	}}
	s := New(DefaultConfig(), quiet())

	first := s.Run(snap, Scope{})
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, s.Run(snap, Scope{}))
	}
}

func TestRun_ScopeFilters(t *testing.T) {
	late := ent("late", models.EntityEmailAccount, 90, map[string]string{"email": "x@target.com"}, "raw-9")
	late.Timestamp = base.Add(48 * time.Hour)
	snap := &correlation.Snapshot{Entities: []*models.Entity{
		ent("e1", models.EntityEmailAccount, 90, map[string]string{"email": "a@target.com"}, "raw-1"),
		late,
	}}

	res := New(DefaultConfig(), quiet()).Run(snap, Scope{Until: base.Add(time.Hour)})
	assert.Empty(t, res.Patterns)

	res = New(DefaultConfig(), quiet()).Run(snap, Scope{EntityIDs: []string{"e1", "late"}})
	assert.NotEmpty(t, res.Patterns)
}
