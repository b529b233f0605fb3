package correlation

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/models"
)

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

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Topic
	}
	return out
}

func (r *recorder) count(topic string) int {
	n := 0
	for _, t := range r.topics() {
		if t == topic {
			n++
		}
	}
	return n
}

func newTestGraph(opts ...Option) (*Graph, *recorder) {
	rec := &recorder{}
	base := []Option{
		WithPublisher(rec),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(append(base, opts...)...), rec
}

func entity(name string, t models.EntityType, confidence int, identifiers map[string]string) *models.Entity {
	return &models.Entity{
		Meta:        models.NewMeta("intel-" + name),
		Name:        name,
		Type:        t,
		Confidence:  confidence,
		Identifiers: identifiers,
		Sources:     []string{"raw-" + name},
	}
}

func TestUpsert_InsertsAndMergesOnIdentifier(t *testing.T) {
	g, rec := newTestGraph()

	first := entity("admin", models.EntityEmailAccount, 80, map[string]string{"email": "admin@target.com"})
	id, err := g.Upsert(first)
	require.NoError(t, err)

	second := entity("admin-dns", models.EntityEmailAccount, 60, map[string]string{"email": "Admin@Target.com"})
	merged, err := g.Upsert(second)
	require.NoError(t, err)
	assert.Equal(t, id, merged)

	e, err := g.Entity(id)
	require.NoError(t, err)
	// (80*80 + 60*60) / (80 + 60) = 71.43
	assert.Equal(t, 71, e.Confidence)
	assert.ElementsMatch(t, []string{"raw-admin", "raw-admin-dns"}, e.Sources)
	assert.ElementsMatch(t, []string{"intel-admin", "intel-admin-dns"}, e.DerivedFrom)
	assert.Equal(t, []string{eventbus.TopicEntityCreated, eventbus.TopicEntityUpdated}, rec.topics())

	entities, _, _ := g.Stats()
	assert.Equal(t, 1, entities)
}

func TestUpsert_MergesOnAnySharedIdentifier(t *testing.T) {
	g, _ := newTestGraph()

	id, err := g.Upsert(entity("srv1", models.EntityServer, 70, map[string]string{"hostname": "srv1.target.com"}))
	require.NoError(t, err)
	merged, err := g.Upsert(entity("srv1", models.EntityServer, 70, map[string]string{
		"hostname": "srv1.target.com",
		"ip":       "203.0.113.7",
	}))
	require.NoError(t, err)
	assert.Equal(t, id, merged)

	byIP, err := g.FindByIdentifier("ip", "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, id, byIP.ID)
}

func TestUpsert_FuzzyNameMatch(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		incoming string
		distance int
		merged   bool
	}{
		{"exact", "Acme Corp", "acme corp", 2, true},
		{"one edit", "Acme Corp", "Acme Crp", 2, true},
		{"two edits", "Jonathan Smith", "Jonathon Smyth", 2, true},
		{"three edits", "Acme Corp", "Acne Crop", 2, false},
		{"disabled", "Acme Corp", "Acme Crp", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGraph(WithFuzzyDistance(tt.distance))
			a, err := g.Upsert(entity(tt.existing, models.EntityOrganization, 60, nil))
			require.NoError(t, err)
			b, err := g.Upsert(entity(tt.incoming, models.EntityOrganization, 60, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.merged, a == b)
		})
	}
}

func TestUpsert_FuzzyIgnoresOtherTypes(t *testing.T) {
	g, _ := newTestGraph()
	a, err := g.Upsert(entity("Atlas", models.EntityOrganization, 60, nil))
	require.NoError(t, err)
	b, err := g.Upsert(entity("Atlas", models.EntityTechnology, 60, nil))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestUpsert_RejectsInvalid(t *testing.T) {
	g, _ := newTestGraph()

	bad := entity("x", models.EntityServer, 120, nil)
	_, err := g.Upsert(bad)
	assert.ErrorIs(t, err, models.ErrValidation)

	orphan := entity("y", models.EntityServer, 50, nil)
	orphan.DerivedFrom = nil
	_, err = g.Upsert(orphan)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestUpsert_ConcurrentSameIdentifier(t *testing.T) {
	g, _ := newTestGraph(WithShards(4))

	var wg sync.WaitGroup
	ids := make([]string, 32)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := g.Upsert(entity(fmt.Sprintf("dup-%d", i), models.EntityEmailAccount, 70,
				map[string]string{"email": "ops@target.com"}))
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	entities, _, _ := g.Stats()
	assert.Equal(t, 1, entities)
}

func TestLink_ReassertionRaisesConfidence(t *testing.T) {
	g, rec := newTestGraph()
	a, _ := g.Upsert(entity("alice", models.EntityPerson, 76, map[string]string{"email": "alice@target.com"}))
	b, _ := g.Upsert(entity("srv1", models.EntityServer, 90, map[string]string{"hostname": "srv1.target.com"}))

	first, err := g.Link(a, b, models.RelationManages, LinkEvidence{IDs: []string{"intel-1"}})
	require.NoError(t, err)
	rel, _ := g.Relationship(first)
	assert.Equal(t, 76, rel.Confidence)

	second, err := g.Link(a, b, models.RelationManages, LinkEvidence{IDs: []string{"intel-2"}})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	rel, _ = g.Relationship(first)
	assert.Equal(t, 86, rel.Confidence)
	assert.Equal(t, []string{"intel-1", "intel-2"}, rel.Evidence)
	assert.Len(t, g.Relationships(a), 1)
	assert.Equal(t, 1, rec.count(eventbus.TopicRelationshipCreated))
}

func TestLink_ConfidenceSaturates(t *testing.T) {
	g, _ := newTestGraph()
	a, _ := g.Upsert(entity("a", models.EntityDomain, 95, map[string]string{"domain": "a.com"}))
	b, _ := g.Upsert(entity("b", models.EntityDomain, 95, map[string]string{"domain": "b.com"}))

	id, err := g.Link(a, b, models.RelationCorrelatesWith, LinkEvidence{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := g.Link(b, a, models.RelationCorrelatesWith, LinkEvidence{})
		require.NoError(t, err)
		assert.Equal(t, id, again, "symmetric relation must not be duplicated")
	}
	rel, _ := g.Relationship(id)
	assert.Equal(t, 100, rel.Confidence)
}

func TestLink_DanglingReference(t *testing.T) {
	g, _ := newTestGraph()
	a, _ := g.Upsert(entity("a", models.EntityDomain, 60, map[string]string{"domain": "a.com"}))

	_, err := g.Link(a, "missing", models.RelationHosts, LinkEvidence{})
	assert.ErrorIs(t, err, models.ErrDanglingReference)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = g.Link(a, a, models.RelationHosts, LinkEvidence{})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestTombstone(t *testing.T) {
	g, rec := newTestGraph()
	a, _ := g.Upsert(entity("a", models.EntityDomain, 60, map[string]string{"domain": "a.com"}))
	b, _ := g.Upsert(entity("b", models.EntityDomain, 60, map[string]string{"domain": "b.com"}))
	rel, err := g.Link(a, b, models.RelationResolvesTo, LinkEvidence{})
	require.NoError(t, err)

	require.NoError(t, g.Tombstone(a))

	e, err := g.Entity(a)
	require.NoError(t, err)
	assert.True(t, e.Deleted(), "tombstoned entities are retained")

	r, _ := g.Relationship(rel)
	assert.True(t, r.Deleted())

	_, err = g.Link(a, b, models.RelationResolvesTo, LinkEvidence{})
	assert.ErrorIs(t, err, models.ErrDanglingReference)

	// The identifier is released, so the same domain creates a fresh entity.
	fresh, err := g.Upsert(entity("a2", models.EntityDomain, 60, map[string]string{"domain": "a.com"}))
	require.NoError(t, err)
	assert.NotEqual(t, a, fresh)
	assert.Equal(t, 1, rec.count(eventbus.TopicEntityDeleted))

	snap := g.Snapshot()
	for _, e := range snap.Entities {
		assert.NotEqual(t, a, e.ID)
	}
}

func TestTraverse_RanksByPathProduct(t *testing.T) {
	g, _ := newTestGraph()
	org, _ := g.Upsert(entity("org", models.EntityOrganization, 100, map[string]string{"domain": "target.com"}))
	strong, _ := g.Upsert(entity("strong", models.EntityServer, 90, map[string]string{"hostname": "a.target.com"}))
	weak, _ := g.Upsert(entity("weak", models.EntityServer, 90, map[string]string{"hostname": "b.target.com"}))
	far, _ := g.Upsert(entity("far", models.EntityTechnology, 80, map[string]string{"product": "nginx"}))
	beyond, _ := g.Upsert(entity("beyond", models.EntityArtifact, 100, map[string]string{"cve": "CVE-2021-44228"}))

	_, err := g.Link(org, strong, models.RelationOwns, LinkEvidence{Confidence: 90})
	require.NoError(t, err)
	_, err = g.Link(org, weak, models.RelationOwns, LinkEvidence{Confidence: 40})
	require.NoError(t, err)
	// Incoming edge: traversal follows both directions.
	_, err = g.Link(far, strong, models.RelationHosts, LinkEvidence{Confidence: 100})
	require.NoError(t, err)
	_, err = g.Link(far, beyond, models.RelationContextualizes, LinkEvidence{Confidence: 100})
	require.NoError(t, err)

	nodes, err := g.Traverse(org, TraverseOptions{MaxDepth: 2})
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	assert.Equal(t, strong, nodes[0].Entity.ID)
	assert.InDelta(t, 1.0*0.9*0.9, nodes[0].Score, 1e-9)
	assert.Equal(t, far, nodes[1].Entity.ID)
	assert.Equal(t, 2, nodes[1].Depth)
	assert.Len(t, nodes[1].Path, 2)
	assert.Equal(t, weak, nodes[2].Entity.ID)

	bounded, err := g.Traverse(org, TraverseOptions{MaxDepth: 3, MaxNodes: 2})
	require.NoError(t, err)
	assert.Len(t, bounded, 1)
}

func TestTraverse_UnknownStart(t *testing.T) {
	g, _ := newTestGraph()
	_, err := g.Traverse("nope", TraverseOptions{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"münchen", "munchen", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, levenshtein(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestIntelligence_ReturnsPrivateCopy(t *testing.T) {
	g, _ := newTestGraph()
	in := &models.Intelligence{
		Meta:        models.NewMeta("obs-1"),
		Source:      models.SourceOSINT,
		Reliability: models.ReliabilityB,
		Confidence:  70,
		Data:        models.StatusFactOf("srv1.target.com", "active"),
		Tags:        []string{"edge"},
	}
	require.NoError(t, g.AddIntelligence(in, ""))
	in.Tags[0] = "changed by caller"

	got, err := g.Intelligence(in.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"edge"}, got.Tags)

	got.Tags[0] = "mutated"
	got.DerivedFrom[0] = "mutated"
	got.Data.Status.Status = "mutated"

	again, err := g.Intelligence(in.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"edge"}, again.Tags)
	assert.Equal(t, []string{"obs-1"}, again.DerivedFrom)
	assert.Equal(t, "active", again.Data.Status.Status)
}
