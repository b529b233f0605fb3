package correlation

import (
	"strings"

	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/models"
)

const maxUpsertAttempts = 8

// Upsert inserts e, or merges it into the live entity it matches, and returns
// the surviving entity id. Entities with identifiers match exactly on any
// identifier; name-only entities match exactly on name and then by edit
// distance within the same entity type. Merging unions sources and lineage
// and recomputes confidence as the confidence-weighted mean of every
// contributing record.
func (g *Graph) Upsert(e *models.Entity) (string, error) {
	if e == nil {
		return "", models.NewValidationError("entity is nil")
	}

	in := cloneEntity(e)
	if in.ID == "" {
		in.ID = models.NewMeta().ID
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = g.now()
	}
	if err := models.Validate(in); err != nil {
		return "", err
	}

	g.index.RLock()
	idx, known := g.index.home[in.ID]
	g.index.RUnlock()
	if known {
		if g.merge(in.ID, idx, in, identifierKeys(in)) {
			return in.ID, nil
		}
		return "", models.NewConflictError("entity %s is tombstoned", in.ID)
	}

	keys := identifierKeys(in)
	if len(keys) == 0 {
		return g.upsertByName(in)
	}

	home := g.shardFor(keys[0])
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		id, idx, found := g.match(keys)
		if !found {
			if g.insert(in, home, keys) {
				return in.ID, nil
			}
			continue
		}

		// The match lives in another partition than the newcomer hashes to.
		cross := idx != home
		if cross {
			g.global.Lock()
		}
		ok := g.merge(id, idx, in, keys)
		if cross {
			g.global.Unlock()
		}
		if ok {
			return id, nil
		}
	}
	return "", models.NewConflictError("entity %s: identifiers kept changing during upsert", in.ID)
}

// match returns the first entity, in key order, claiming one of keys.
func (g *Graph) match(keys []string) (id string, shardIdx int, found bool) {
	g.index.RLock()
	defer g.index.RUnlock()
	for _, k := range keys {
		if owner, ok := g.index.identifiers[k]; ok {
			return owner, g.index.home[owner], true
		}
	}
	return "", 0, false
}

// insert claims every key for in atomically. It reports false when another
// writer claimed one of them first.
func (g *Graph) insert(in *models.Entity, home int, keys []string) bool {
	s := g.shards[home]
	s.mu.Lock()
	defer s.mu.Unlock()

	g.index.Lock()
	for _, k := range keys {
		if _, taken := g.index.identifiers[k]; taken {
			g.index.Unlock()
			return false
		}
	}
	for _, k := range keys {
		g.index.identifiers[k] = in.ID
	}
	g.index.home[in.ID] = home
	g.index.Unlock()

	in.UpdatedAt = g.now()
	if in.Contributions.Count == 0 {
		in.Contributions.Add(in.Confidence)
	}
	s.entities[in.ID] = &node{entity: in}

	g.logger.Debug("entity created", "id", in.ID, "type", in.Type, "shard", home)
	g.publish(eventbus.TopicEntityCreated, in.ID, cloneEntity(in))
	return true
}

// merge folds in into the entity id. It reports false when the target is
// missing or tombstoned.
func (g *Graph) merge(id string, shardIdx int, in *models.Entity, keys []string) bool {
	s := g.shards[shardIdx]
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.entities[id]
	if !ok || n.entity.Deleted() {
		return false
	}
	ex := n.entity

	ex.Sources = union(ex.Sources, in.Sources)
	ex.DerivedFrom = union(ex.DerivedFrom, in.DerivedFrom)
	for k, v := range in.Identifiers {
		if ex.Identifiers == nil {
			ex.Identifiers = make(map[string]string)
		}
		if _, exists := ex.Identifiers[k]; !exists {
			ex.Identifiers[k] = v
		}
	}
	for k, v := range in.Properties {
		if ex.Properties == nil {
			ex.Properties = make(map[string]string)
		}
		if _, exists := ex.Properties[k]; !exists {
			ex.Properties[k] = v
		}
	}
	if ex.Location == nil && in.Location != nil {
		loc := *in.Location
		ex.Location = &loc
	}

	ex.Contributions.Add(in.Confidence)
	ex.Confidence = ex.Contributions.Mean()
	ex.UpdatedAt = g.now()

	g.index.Lock()
	for _, k := range keys {
		if _, taken := g.index.identifiers[k]; !taken {
			g.index.identifiers[k] = id
		}
	}
	g.index.Unlock()

	g.logger.Debug("entity merged", "id", id, "contributions", ex.Contributions.Count, "confidence", ex.Confidence)
	g.publish(eventbus.TopicEntityUpdated, id, cloneEntity(ex))
	return true
}

// upsertByName resolves name-only entities. The scan spans every shard, so
// it runs under the global lock.
func (g *Graph) upsertByName(in *models.Entity) (string, error) {
	g.global.Lock()
	defer g.global.Unlock()

	key := nameKey(in)
	if id, idx, found := g.match([]string{key}); found && g.merge(id, idx, in, []string{key}) {
		return id, nil
	}
	if id, idx, found := g.fuzzyMatch(in); found && g.merge(id, idx, in, []string{key}) {
		return id, nil
	}

	home := g.shardFor(key)
	if !g.insert(in, home, []string{key}) {
		return "", models.NewConflictError("entity name %q was claimed concurrently", in.Name)
	}
	return in.ID, nil
}

// fuzzyMatch finds the closest live name-only entity of the same type. Ties
// go to the oldest entity, then the lowest id.
func (g *Graph) fuzzyMatch(in *models.Entity) (id string, shardIdx int, found bool) {
	if g.fuzzyDistance <= 0 {
		return "", 0, false
	}
	name := strings.ToLower(strings.TrimSpace(in.Name))

	var best *models.Entity
	bestDist := g.fuzzyDistance + 1
	for i, s := range g.shards {
		s.mu.RLock()
		for _, n := range s.entities {
			e := n.entity
			if e.Deleted() || e.Type != in.Type || len(e.Identifiers) > 0 {
				continue
			}
			d := levenshtein(name, strings.ToLower(strings.TrimSpace(e.Name)))
			if d > g.fuzzyDistance {
				continue
			}
			if best == nil || d < bestDist ||
				d == bestDist && (e.Timestamp.Before(best.Timestamp) ||
					e.Timestamp.Equal(best.Timestamp) && e.ID < best.ID) {
				best, bestDist, shardIdx = e, d, i
			}
		}
		s.mu.RUnlock()
	}
	if best == nil {
		return "", 0, false
	}
	return best.ID, shardIdx, true
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if v != "" && !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
