package correlation

import (
	"github.com/qualys/intelengine/internal/models"
)

// Restore loads previously persisted records into an empty graph, typically
// at startup from the storage tier. No events are published. Entities keep
// their ids and tombstones; their identifiers are claimed in the order given,
// so a later entity claiming a taken identifier is restored unindexed under
// that key. Relationships whose endpoints are unknown are skipped and
// counted in the returned total.
func (g *Graph) Restore(snap *Snapshot) (skipped int, err error) {
	if snap == nil {
		return 0, nil
	}
	g.global.Lock()
	defer g.global.Unlock()

	g.index.Lock()
	populated := len(g.index.home) > 0
	g.index.Unlock()
	if populated {
		return 0, models.NewConflictError("graph already holds entities")
	}

	owner := make(map[string]string) // intelligence id -> entity id
	for _, e := range snap.Entities {
		if e == nil || e.ID == "" {
			continue
		}
		in := cloneEntity(e)
		keys := identifierKeys(in)
		if len(keys) == 0 {
			keys = []string{nameKey(in)}
		}
		home := g.shardFor(keys[0])

		g.index.Lock()
		g.index.home[in.ID] = home
		if !in.Deleted() {
			for _, k := range keys {
				if _, taken := g.index.identifiers[k]; !taken {
					g.index.identifiers[k] = in.ID
				}
			}
		}
		g.index.Unlock()

		s := g.shards[home]
		s.mu.Lock()
		if in.Contributions.Count == 0 {
			in.Contributions.Add(in.Confidence)
		}
		s.entities[in.ID] = &node{entity: in}
		s.mu.Unlock()

		if !in.Deleted() {
			for _, id := range in.DerivedFrom {
				owner[id] = in.ID
			}
		}
	}

	for _, intel := range snap.Intelligence {
		if intel == nil {
			continue
		}
		if err := g.AddIntelligence(intel, owner[intel.ID]); err != nil {
			return 0, err
		}
	}

	rels := make([]*models.Relationship, 0, len(snap.Relationships))
	for _, r := range snap.Relationships {
		if r == nil {
			continue
		}
		if !g.known(r.SourceID) || !g.known(r.TargetID) {
			skipped++
			continue
		}
		rels = append(rels, cloneRelationship(r))
	}

	g.edges.Lock()
	for _, rel := range rels {
		g.edges.byID[rel.ID] = rel
		if !rel.Deleted() {
			g.edges.byKey[edgeKey(rel.SourceID, rel.TargetID, rel.Type)] = rel.ID
		}
		g.edges.adjacency[rel.SourceID] = append(g.edges.adjacency[rel.SourceID], rel.ID)
		g.edges.adjacency[rel.TargetID] = append(g.edges.adjacency[rel.TargetID], rel.ID)
	}
	g.edges.Unlock()

	g.logger.Info("graph restored",
		"entities", len(snap.Entities),
		"relationships", len(rels),
		"intelligence", len(snap.Intelligence),
		"skipped", skipped)
	return skipped, nil
}

// known reports whether id is an entity or intelligence record.
func (g *Graph) known(id string) bool {
	g.index.RLock()
	_, ok := g.index.home[id]
	g.index.RUnlock()
	if ok {
		return true
	}
	g.intel.RLock()
	_, ok = g.intel.byID[id]
	g.intel.RUnlock()
	return ok
}
