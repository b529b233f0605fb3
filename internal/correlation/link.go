package correlation

import (
	"sort"

	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/models"
)

// LinkIncrement is the maximum confidence gained by re-asserting an edge.
const LinkIncrement = 10

// LinkEvidence describes why two entities are linked. A zero Confidence
// defaults to the lower confidence of the two endpoints.
type LinkEvidence struct {
	IDs        []string
	Confidence int
	Through    string
}

// symmetric relation types are stored once per unordered endpoint pair.
var symmetric = map[models.RelationType]bool{
	models.RelationCorrelatesWith: true,
	models.RelationContradicts:    true,
}

func edgeKey(a, b string, t models.RelationType) string {
	if symmetric[t] && b < a {
		a, b = b, a
	}
	return a + "|" + b + "|" + string(t)
}

// Link creates the (a, b, type) relationship or, when it already exists,
// raises its confidence by min(10, 100-current) and records the new
// evidence. Both endpoints must be live entities.
func (g *Graph) Link(a, b string, t models.RelationType, ev LinkEvidence) (string, error) {
	if a == b {
		return "", models.NewValidationError("cannot link entity %s to itself", a)
	}
	if t == "" || t == models.RelationContradicts {
		return "", models.NewValidationError("invalid link type %q", t)
	}
	if ev.Confidence < 0 || ev.Confidence > 100 {
		return "", models.NewValidationError("link confidence %d outside 0..100", ev.Confidence)
	}

	// Endpoint shard read locks are held across the edge write so neither end
	// can be tombstoned underneath us.
	unlock, endpoints, err := g.lockEndpoints(a, b)
	if err != nil {
		return "", err
	}
	defer unlock()

	var missing []string
	for _, id := range []string{a, b} {
		if e := endpoints[id]; e == nil || e.Deleted() {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return "", models.NewDanglingReferenceError(missing...)
	}

	conf := ev.Confidence
	if conf == 0 {
		conf = min(endpoints[a].Confidence, endpoints[b].Confidence)
	}
	lineage := ev.IDs
	if len(lineage) == 0 {
		lineage = []string{a, b}
	}
	rel := &models.Relationship{
		Meta:              models.NewMeta(lineage...),
		SourceID:          a,
		TargetID:          b,
		Type:              t,
		Bidirectional:     symmetric[t],
		Confidence:        conf,
		Evidence:          union(nil, ev.IDs),
		DiscoveredThrough: ev.Through,
	}
	return g.putEdge(rel)
}

// putEdge inserts rel or reinforces the live edge with the same key.
func (g *Graph) putEdge(rel *models.Relationship) (string, error) {
	key := edgeKey(rel.SourceID, rel.TargetID, rel.Type)

	g.edges.Lock()
	defer g.edges.Unlock()

	if id, ok := g.edges.byKey[key]; ok {
		if existing := g.edges.byID[id]; existing != nil && !existing.Deleted() {
			// A contradiction is flagged once; its confidence is not reinforced.
			if existing.Type == models.RelationContradicts {
				return existing.ID, nil
			}
			existing.Confidence += min(LinkIncrement, 100-existing.Confidence)
			existing.Evidence = union(existing.Evidence, rel.Evidence)
			existing.DerivedFrom = union(existing.DerivedFrom, rel.DerivedFrom)
			existing.UpdatedAt = g.now()
			g.publish(eventbus.TopicRelationshipUpdated, existing.ID, cloneRelationship(existing))
			return existing.ID, nil
		}
	}

	if err := models.Validate(rel); err != nil {
		return "", err
	}
	rel.UpdatedAt = g.now()
	g.edges.byID[rel.ID] = rel
	g.edges.byKey[key] = rel.ID
	g.edges.adjacency[rel.SourceID] = append(g.edges.adjacency[rel.SourceID], rel.ID)
	g.edges.adjacency[rel.TargetID] = append(g.edges.adjacency[rel.TargetID], rel.ID)

	topic := eventbus.TopicRelationshipCreated
	if rel.Type == models.RelationContradicts {
		topic = eventbus.TopicContradictionDetected
	}
	g.publish(topic, rel.ID, cloneRelationship(rel))
	return rel.ID, nil
}

// lockEndpoints read-locks the shards holding a and b in ascending order and
// returns the live entity pointers it found.
func (g *Graph) lockEndpoints(ids ...string) (func(), map[string]*models.Entity, error) {
	g.index.RLock()
	shardSet := make(map[int]bool)
	homes := make(map[string]int, len(ids))
	var missing []string
	for _, id := range ids {
		idx, ok := g.index.home[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		homes[id] = idx
		shardSet[idx] = true
	}
	g.index.RUnlock()
	if len(missing) > 0 {
		return nil, nil, models.NewDanglingReferenceError(missing...)
	}

	order := make([]int, 0, len(shardSet))
	for idx := range shardSet {
		order = append(order, idx)
	}
	sort.Ints(order)
	for _, idx := range order {
		g.shards[idx].mu.RLock()
	}
	unlock := func() {
		for i := len(order) - 1; i >= 0; i-- {
			g.shards[order[i]].mu.RUnlock()
		}
	}

	found := make(map[string]*models.Entity, len(ids))
	for id, idx := range homes {
		if n := g.shards[idx].entities[id]; n != nil {
			found[id] = n.entity
		}
	}
	return unlock, found, nil
}
