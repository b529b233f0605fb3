package graphmirror

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/models"
)

func TestLabel(t *testing.T) {
	assert.Equal(t, "CORRELATES_WITH", label(models.RelationCorrelatesWith))
	assert.Equal(t, "CONTRADICTS", label(models.RelationContradicts))
	assert.Equal(t, "RELATED_TO", label("x]->(n) DETACH DELETE n //"))
}

func TestDecode(t *testing.T) {
	e := &models.Entity{Meta: models.Meta{ID: "e1"}, Name: "ops@corp.io", Type: models.EntityEmailAccount}

	var fromPtr models.Entity
	require.NoError(t, decode(any(e), &fromPtr))
	assert.Equal(t, "e1", fromPtr.ID)

	var fromValue models.Entity
	require.NoError(t, decode(any(*e), &fromValue))
	assert.Equal(t, "ops@corp.io", fromValue.Name)

	// Payloads bridged over NATS arrive as generic JSON.
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	var fromJSON models.Entity
	require.NoError(t, decode(any(generic), &fromJSON))
	assert.Equal(t, models.EntityEmailAccount, fromJSON.Type)
}

func TestFlatten(t *testing.T) {
	assert.ElementsMatch(t, []string{"email=a@b.io", "host=b.io"}, flatten(map[string]string{"email": "a@b.io", "host": "b.io"}))
	assert.Empty(t, flatten(nil))
}

func TestMirrorAgainstNeo4j(t *testing.T) {
	uri := os.Getenv("TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("TEST_NEO4J_URI not set")
	}
	ctx := context.Background()
	m, err := New(ctx, Config{URI: uri, Username: os.Getenv("TEST_NEO4J_USER"), Password: os.Getenv("TEST_NEO4J_PASSWORD")}, nil)
	require.NoError(t, err)
	defer m.Close(ctx)

	bus := eventbus.New()
	defer bus.Close()
	m.Start(bus)

	suffix := time.Now().Format("150405.000000")
	a := &models.Entity{Meta: models.Meta{ID: "mirror-a-" + suffix}, Name: "a", Type: models.EntityDomain}
	b := &models.Entity{Meta: models.Meta{ID: "mirror-b-" + suffix}, Name: "b", Type: models.EntityServer}
	rel := &models.Relationship{Meta: models.Meta{ID: "mirror-r-" + suffix}, SourceID: a.ID, TargetID: b.ID, Type: models.RelationHosts, Confidence: 60}

	require.NoError(t, bus.Publish(eventbus.NewEvent(eventbus.TopicEntityCreated, a.ID, a)))
	require.NoError(t, bus.Publish(eventbus.NewEvent(eventbus.TopicEntityCreated, b.ID, b)))
	require.NoError(t, bus.Publish(eventbus.NewEvent(eventbus.TopicRelationshipCreated, rel.ID, rel)))

	require.Eventually(t, func() bool {
		ns, err := m.Neighbors(ctx, a.ID, 1)
		return err == nil && len(ns) == 1 && ns[0].ID == b.ID
	}, 10*time.Second, 100*time.Millisecond)

	require.NoError(t, m.DeleteEntity(ctx, b.ID))
	ns, err := m.Neighbors(ctx, a.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, ns)
}
