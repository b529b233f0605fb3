package correlation

import (
	"sort"
	"strings"

	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/models"
)

// LocationToleranceKm is how far apart two location facts for the same
// subject may be before they contradict.
const LocationToleranceKm = 50.0

// Predicate decides whether two intelligence records about the same subject
// assert mutually exclusive facts.
type Predicate interface {
	Name() string
	Contradicts(a, b *models.Intelligence) (bool, error)
}

// Exclusive is the built-in exclusivity rule for each fact kind. Presence
// facts such as e-mail addresses and artifacts never contradict.
func Exclusive(a, b models.Fact) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case models.FactStatus:
		return a.Status != nil && b.Status != nil &&
			!strings.EqualFold(a.Status.Status, b.Status.Status)
	case models.FactTechnology:
		return a.Technology != nil && b.Technology != nil &&
			strings.EqualFold(a.Technology.Product, b.Technology.Product) &&
			a.Technology.Version != "" && b.Technology.Version != "" &&
			a.Technology.Version != b.Technology.Version
	case models.FactLocation:
		return a.Location != nil && b.Location != nil &&
			models.DistanceKm(
				models.Location{Lat: a.Location.Lat, Lon: a.Location.Lon},
				models.Location{Lat: b.Location.Lat, Lon: b.Location.Lon},
			) > LocationToleranceKm
	case models.FactOwnership:
		return a.Ownership != nil && b.Ownership != nil &&
			!strings.EqualFold(a.Ownership.Owner, b.Ownership.Owner)
	case models.FactDomain:
		return a.Domain != nil && b.Domain != nil &&
			a.Domain.Registrar != "" && b.Domain.Registrar != "" &&
			!strings.EqualFold(a.Domain.Registrar, b.Domain.Registrar)
	case models.FactIP:
		if a.IP == nil || b.IP == nil {
			return false
		}
		return differs(a.IP.Country, b.IP.Country) || differs(a.IP.ASN, b.IP.ASN)
	case models.FactEmail, models.FactArtifact:
		return false
	}
	return false
}

func differs(a, b string) bool {
	return a != "" && b != "" && !strings.EqualFold(a, b)
}

func subjectKey(f models.Fact) string {
	kind, value := f.Subject()
	if value == "" {
		return ""
	}
	return string(f.Kind) + "/" + kind + "=" + value
}

// AddIntelligence records an assessed intelligence record so contradiction
// detection can refer to it by id. entityID, when set, attaches the record to
// the entity it was resolved to. Re-adding a known id is a no-op.
func (g *Graph) AddIntelligence(intel *models.Intelligence, entityID string) error {
	if err := models.Validate(intel); err != nil {
		return err
	}
	c, err := cloneIntelligence(intel)
	if err != nil {
		return err
	}

	g.intel.Lock()
	defer g.intel.Unlock()
	if _, ok := g.intel.byID[c.ID]; ok {
		return nil
	}
	g.intel.byID[c.ID] = c
	if key := subjectKey(c.Data); key != "" {
		g.intel.bySubject[key] = append(g.intel.bySubject[key], c.ID)
	}
	if entityID != "" {
		key := "entity/" + entityID + "/" + string(c.Data.Kind)
		g.intel.bySubject[key] = append(g.intel.bySubject[key], c.ID)
	}
	return nil
}

// CheckIntelligence runs DetectContradiction between id and every earlier
// record about the same subject, returning the contradictions found.
func (g *Graph) CheckIntelligence(id string, entityID string) ([]*models.Relationship, error) {
	g.intel.RLock()
	intel, ok := g.intel.byID[id]
	if !ok {
		g.intel.RUnlock()
		return nil, models.NewNotFoundError(models.ObjectIntelligence, id)
	}
	seen := map[string]bool{id: true}
	var peers []string
	keys := []string{subjectKey(intel.Data)}
	if entityID != "" {
		keys = append(keys, "entity/"+entityID+"/"+string(intel.Data.Kind))
	}
	for _, key := range keys {
		for _, other := range g.intel.bySubject[key] {
			if !seen[other] {
				seen[other] = true
				peers = append(peers, other)
			}
		}
	}
	g.intel.RUnlock()

	sort.Strings(peers)
	var found []*models.Relationship
	for _, other := range peers {
		rel, err := g.detect(other, id, entityID != "")
		if err != nil {
			return found, err
		}
		if rel != nil {
			found = append(found, rel)
		}
	}
	return found, nil
}

// DetectContradiction checks whether intelligence records a and b make
// mutually exclusive claims about the same subject. On a hit it records an
// unresolved contradicts relationship between them and publishes
// contradiction.detected; repeated calls return the existing relationship.
// It returns nil when the records are compatible.
func (g *Graph) DetectContradiction(a, b string) (*models.Relationship, error) {
	return g.detect(a, b, false)
}

func (g *Graph) detect(a, b string, sameEntity bool) (*models.Relationship, error) {
	if a == b {
		return nil, nil
	}

	g.intel.RLock()
	ia, okA := g.intel.byID[a]
	ib, okB := g.intel.byID[b]
	g.intel.RUnlock()
	var missing []string
	if !okA {
		missing = append(missing, a)
	}
	if !okB {
		missing = append(missing, b)
	}
	if len(missing) > 0 {
		return nil, models.NewDanglingReferenceError(missing...)
	}

	if ia.Data.Kind != ib.Data.Kind {
		return nil, nil
	}
	if !sameEntity {
		if ka := subjectKey(ia.Data); ka == "" || ka != subjectKey(ib.Data) {
			return nil, nil
		}
	}

	g.edges.RLock()
	existingID, exists := g.edges.byKey[edgeKey(a, b, models.RelationContradicts)]
	var existing *models.Relationship
	if exists {
		existing = g.edges.byID[existingID]
	}
	g.edges.RUnlock()
	if existing != nil && !existing.Deleted() {
		return cloneRelationship(existing), nil
	}

	through := ""
	if Exclusive(ia.Data, ib.Data) {
		through = "exclusive:" + string(ia.Data.Kind)
	} else {
		for _, p := range g.predicates {
			hit, err := p.Contradicts(ia, ib)
			if err != nil {
				g.logger.Warn("contradiction predicate failed", "predicate", p.Name(), "a", a, "b", b, "error", err)
				continue
			}
			if hit {
				through = p.Name()
				break
			}
		}
	}
	if through == "" {
		return nil, nil
	}

	first, second := a, b
	if second < first {
		first, second = second, first
	}
	rel := &models.Relationship{
		Meta:              models.NewMeta(first, second),
		SourceID:          first,
		TargetID:          second,
		Type:              models.RelationContradicts,
		Bidirectional:     true,
		Confidence:        min(ia.Confidence, ib.Confidence),
		Evidence:          []string{first, second},
		DiscoveredThrough: through,
		Resolution:        models.ResolutionUnresolved,
	}
	id, err := g.putEdge(rel)
	if err != nil {
		return nil, err
	}
	g.logger.Info("contradiction detected", "relationship", id, "a", a, "b", b, "rule", through)
	return g.Relationship(id)
}

// Resolve records an explicit resolution of a contradiction. The status must
// be both-retained or favor one of the two contradicting records.
func (g *Graph) Resolve(relationshipID string, status models.ResolutionStatus) (*models.Relationship, error) {
	if !status.Valid() || status == models.ResolutionUnresolved {
		return nil, models.NewValidationError("invalid resolution %q", status)
	}

	g.edges.Lock()
	defer g.edges.Unlock()

	rel, ok := g.edges.byID[relationshipID]
	if !ok || rel.Deleted() {
		return nil, models.NewNotFoundError(models.ObjectRelationship, relationshipID)
	}
	if rel.Type != models.RelationContradicts {
		return nil, models.NewValidationError("relationship %s is %s, not a contradiction", relationshipID, rel.Type)
	}
	if favored, ok := status.FavoredID(); ok && favored != rel.SourceID && favored != rel.TargetID {
		return nil, models.NewValidationError("resolution favors %s which is not part of contradiction %s", favored, relationshipID)
	}

	rel.Resolution = status
	rel.UpdatedAt = g.now()
	out := cloneRelationship(rel)
	g.publish(eventbus.TopicContradictionResolved, rel.ID, out)
	return cloneRelationship(rel), nil
}

// Contradictions lists live contradicts relationships, optionally only the
// unresolved ones, sorted by id.
func (g *Graph) Contradictions(unresolvedOnly bool) []*models.Relationship {
	g.edges.RLock()
	defer g.edges.RUnlock()

	var out []*models.Relationship
	for _, r := range g.edges.byID {
		if r.Type != models.RelationContradicts || r.Deleted() {
			continue
		}
		if unresolvedOnly && r.Resolution != models.ResolutionUnresolved {
			continue
		}
		out = append(out, cloneRelationship(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
