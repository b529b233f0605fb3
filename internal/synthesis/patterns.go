package synthesis

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/qualys/intelengine/internal/models"
)

var typeWeight = map[models.PatternType]float64{
	models.PatternStructural: 1.0,
	models.PatternBehavioral: 1.0,
	models.PatternGeographic: 0.9,
	models.PatternTemporal:   0.8,
}

type group struct {
	typ         models.PatternType
	key         string
	description string
	members     []*models.Entity
}

func (s *Synthesizer) detectPatterns(entities []*models.Entity, edges []*models.Relationship) []*models.Pattern {
	var groups []group
	groups = append(groups, structuralGroups(entities)...)
	groups = append(groups, s.temporalGroups(entities)...)
	groups = append(groups, s.geographicGroups(entities)...)
	groups = append(groups, s.behavioralGroups(entities, edges)...)

	patterns := make([]*models.Pattern, 0, len(groups))
	for _, g := range groups {
		if len(g.members) < 2 {
			continue
		}
		patterns = append(patterns, buildPattern(g, len(entities)))
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Strength != patterns[j].Strength {
			return patterns[i].Strength > patterns[j].Strength
		}
		return patterns[i].ID < patterns[j].ID
	})
	return patterns
}

func buildPattern(g group, population int) *models.Pattern {
	sort.Slice(g.members, func(i, j int) bool { return g.members[i].ID < g.members[j].ID })
	ids := make([]string, len(g.members))
	total, stable := 0, 0
	for i, e := range g.members {
		ids[i] = e.ID
		total += e.Confidence
		if e.Confidence >= 50 {
			stable++
		}
	}
	n := len(g.members)
	mean := float64(total) / float64(n)
	coverage := 0.7 + 0.1*float64(min(n-1, 3))
	strength := int(math.Round(mean * coverage * typeWeight[g.typ]))

	uniqueness := 0.0
	if population > 0 {
		uniqueness = 1 - float64(n)/float64(population)
	}

	return &models.Pattern{
		Meta: models.Meta{
			ID:          stableID("pattern", string(g.typ), g.key, strings.Join(ids, ",")),
			Timestamp:   latest(g.members),
			DerivedFrom: ids,
		},
		Type:        g.typ,
		Components:  ids,
		Frequency:   n,
		Strength:    max(0, min(100, strength)),
		Stability:   float64(stable) / float64(n),
		Uniqueness:  math.Max(0, uniqueness),
		Description: g.description,
	}
}

// structuralGroups clusters entities that share a registrable domain through
// a domain, e-mail or hostname identifier.
func structuralGroups(entities []*models.Entity) []group {
	byDomain := make(map[string][]*models.Entity)
	for _, e := range entities {
		for _, d := range domainsOf(e) {
			byDomain[d] = append(byDomain[d], e)
		}
	}

	keys := sortedKeys(byDomain)
	out := make([]group, 0, len(keys))
	for _, d := range keys {
		out = append(out, group{
			typ:         models.PatternStructural,
			key:         d,
			description: fmt.Sprintf("entities sharing domain %s", d),
			members:     byDomain[d],
		})
	}
	return out
}

func domainsOf(e *models.Entity) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(host string) {
		if d := registrable(host); d != "" && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for k, v := range e.Identifiers {
		switch strings.ToLower(k) {
		case "domain", "hostname", "host":
			add(v)
		case "email":
			if at := strings.LastIndexByte(v, '@'); at >= 0 {
				add(v[at+1:])
			}
		}
	}
	sort.Strings(out)
	return out
}

// registrable returns the last two labels of host, lowercased.
func registrable(host string) string {
	host = strings.Trim(strings.ToLower(host), ".")
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return ""
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// temporalGroups clusters same-typed entities from different sources first
// seen within the configured window of each other.
func (s *Synthesizer) temporalGroups(entities []*models.Entity) []group {
	byType := make(map[models.EntityType][]*models.Entity)
	for _, e := range entities {
		byType[e.Type] = append(byType[e.Type], e)
	}

	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, string(t))
	}
	sort.Strings(types)

	var out []group
	for _, t := range types {
		members := byType[models.EntityType(t)]
		sort.Slice(members, func(i, j int) bool {
			if !members[i].Timestamp.Equal(members[j].Timestamp) {
				return members[i].Timestamp.Before(members[j].Timestamp)
			}
			return members[i].ID < members[j].ID
		})

		var cluster []*models.Entity
		flush := func() {
			// Temporal clusters need at least three members to be distinct
			// from ordinary co-ingestion.
			if len(cluster) >= 3 && independent(cluster) >= 2 {
				start := cluster[0].Timestamp
				out = append(out, group{
					typ:         models.PatternTemporal,
					key:         t + "@" + start.UTC().Format("2006-01-02T15:04:05Z"),
					description: fmt.Sprintf("%d %s entities observed within %s", len(cluster), t, s.cfg.TemporalWindow),
					members:     append([]*models.Entity(nil), cluster...),
				})
			}
			cluster = nil
		}
		for _, e := range members {
			if len(cluster) > 0 && e.Timestamp.Sub(cluster[0].Timestamp) > s.cfg.TemporalWindow {
				flush()
			}
			cluster = append(cluster, e)
		}
		flush()
	}
	return out
}

// geographicGroups greedily clusters located entities around seeds taken in
// id order.
func (s *Synthesizer) geographicGroups(entities []*models.Entity) []group {
	var located []*models.Entity
	for _, e := range entities {
		if e.Location != nil {
			located = append(located, e)
		}
	}

	assigned := make(map[string]bool)
	var out []group
	for _, seed := range located {
		if assigned[seed.ID] {
			continue
		}
		members := []*models.Entity{seed}
		for _, e := range located {
			if e.ID == seed.ID || assigned[e.ID] {
				continue
			}
			if models.DistanceKm(*seed.Location, *e.Location) <= s.cfg.GeoRadiusKm {
				members = append(members, e)
			}
		}
		if len(members) < 2 {
			continue
		}
		for _, e := range members {
			assigned[e.ID] = true
		}
		out = append(out, group{
			typ:         models.PatternGeographic,
			key:         seed.ID,
			description: fmt.Sprintf("%d entities within %.0f km of %.4f,%.4f", len(members), s.cfg.GeoRadiusKm, seed.Location.Lat, seed.Location.Lon),
			members:     members,
		})
	}
	return out
}

// behavioralGroups finds entities with a fan-out of same-typed relationships.
func (s *Synthesizer) behavioralGroups(entities []*models.Entity, edges []*models.Relationship) []group {
	byID := make(map[string]*models.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}

	fan := make(map[string][]string)
	for _, r := range edges {
		if r.Type == models.RelationContradicts || r.Type == models.RelationDerivedFrom {
			continue
		}
		key := r.SourceID + "|" + string(r.Type)
		fan[key] = append(fan[key], r.TargetID)
	}

	var out []group
	for _, key := range sortedKeys(fan) {
		targets := fan[key]
		if len(targets) < s.cfg.FanOut {
			continue
		}
		source, relType, _ := strings.Cut(key, "|")
		members := []*models.Entity{byID[source]}
		for _, t := range targets {
			members = append(members, byID[t])
		}
		out = append(out, group{
			typ:         models.PatternBehavioral,
			key:         key,
			description: fmt.Sprintf("%s %s %d entities", byID[source].Name, relType, len(targets)),
			members:     members,
		})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
