package correlation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/intelengine/internal/models"
)

func TestRestore_RebuildsIndexes(t *testing.T) {
	src, _ := newTestGraph()
	a, err := src.Upsert(entity("admin", models.EntityEmailAccount, 80, map[string]string{"email": "admin@target.com"}))
	require.NoError(t, err)
	b, err := src.Upsert(entity("target.com", models.EntityDomain, 70, map[string]string{"domain": "target.com"}))
	require.NoError(t, err)
	relID, err := src.Link(a, b, models.RelationCorrelatesWith, LinkEvidence{})
	require.NoError(t, err)

	snap := src.Snapshot()
	snap.Relationships = append(snap.Relationships, &models.Relationship{
		Meta:     models.NewMeta("x"),
		SourceID: a,
		TargetID: "gone",
		Type:     models.RelationOwns,
	})

	dst, rec := newTestGraph()
	skipped, err := dst.Restore(snap)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Empty(t, rec.topics(), "restore publishes nothing")

	entities, relationships, _ := dst.Stats()
	assert.Equal(t, 2, entities)
	assert.Equal(t, 1, relationships)

	found, err := dst.FindByIdentifier("email", "ADMIN@target.com")
	require.NoError(t, err)
	assert.Equal(t, a, found.ID)

	again, err := dst.Link(a, b, models.RelationCorrelatesWith, LinkEvidence{})
	require.NoError(t, err)
	assert.Equal(t, relID, again, "restored edge is reinforced, not duplicated")

	_, err = dst.Restore(snap)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestRestore_KeepsContributionWeights(t *testing.T) {
	live, _ := newTestGraph()
	id, err := live.Upsert(entity("admin", models.EntityEmailAccount, 80, map[string]string{"email": "admin@target.com"}))
	require.NoError(t, err)
	_, err = live.Upsert(entity("admin-2", models.EntityEmailAccount, 60, map[string]string{"email": "admin@target.com"}))
	require.NoError(t, err)

	restarted, _ := newTestGraph()
	_, err = restarted.Restore(live.Snapshot())
	require.NoError(t, err)

	third := func() *models.Entity {
		return entity("admin-3", models.EntityEmailAccount, 20, map[string]string{"email": "admin@target.com"})
	}
	_, err = live.Upsert(third())
	require.NoError(t, err)
	_, err = restarted.Upsert(third())
	require.NoError(t, err)

	want, err := live.Entity(id)
	require.NoError(t, err)
	got, err := restarted.Entity(id)
	require.NoError(t, err)
	// (80*80 + 60*60 + 20*20) / (80 + 60 + 20) = 65
	assert.Equal(t, 65, want.Confidence)
	assert.Equal(t, want.Confidence, got.Confidence)
	assert.Equal(t, 3, got.Contributions.Count)
}

func TestRestore_LegacyEntityCountsOnce(t *testing.T) {
	g, _ := newTestGraph()
	e := entity("srv1", models.EntityServer, 70, map[string]string{"hostname": "srv1.target.com"})
	_, err := g.Restore(&Snapshot{Entities: []*models.Entity{e}})
	require.NoError(t, err)

	got, err := g.Entity(e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Contributions{Count: 1, Sum: 70, Squares: 4900}, got.Contributions)
}
