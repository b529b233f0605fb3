package lineage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/qualys/intelengine/internal/models"
)

// ErrIncomplete is returned when a derivation chain has no RawData root.
var ErrIncomplete = errors.New("lineage does not reach raw data")

// Store is the read access lineage resolution needs.
type Store interface {
	Get(ctx context.Context, id string) (models.Record, error)
}

// Service resolves derivation chains.
type Service struct {
	store Store
	// maxNodes bounds a single resolution.
	maxNodes int
}

func NewService(store Store) *Service {
	return &Service{store: store, maxNodes: 10000}
}

// GetLineage returns every record upstream of id, id included, ordered so
// each record appears after all of the records it was derived from. The
// first element is therefore always RawData.
func (s *Service) GetLineage(ctx context.Context, id string) ([]LineageNode, error) {
	g, err := s.GetLineageGraph(ctx, id)
	if err != nil {
		return nil, err
	}
	return g.Nodes, nil
}

// GetLineageGraph walks DerivedFrom breadth first from id.
func (s *Service) GetLineageGraph(ctx context.Context, id string) (*LineageGraph, error) {
	nodes := make(map[string]*LineageNode)
	queue := []string{id}
	depth := map[string]int{id: 0}
	var edges []LineageEdge
	var missing []string

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current := queue[0]
		queue = queue[1:]

		rec, err := s.store.Get(ctx, current)
		if errors.Is(err, models.ErrNotFound) {
			missing = append(missing, current)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolving lineage of %s: %w", id, err)
		}

		node := &LineageNode{
			ID:          current,
			Kind:        rec.Kind(),
			Timestamp:   rec.RecordTime(),
			DerivedFrom: append([]string(nil), rec.Lineage()...),
			Depth:       depth[current],
			Label:       label(rec),
		}
		nodes[current] = node
		if len(nodes) > s.maxNodes {
			return nil, fmt.Errorf("lineage of %s exceeds %d records", id, s.maxNodes)
		}

		for _, parent := range node.DerivedFrom {
			edges = append(edges, LineageEdge{Source: parent, Target: current})
			if _, seen := depth[parent]; seen {
				continue
			}
			depth[parent] = node.Depth + 1
			queue = append(queue, parent)
		}
	}

	if _, ok := nodes[id]; !ok {
		return nil, models.NewNotFoundError("record", id)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("lineage of %s: %w", id, models.NewDanglingReferenceError(missing...))
	}

	ordered := topological(nodes)
	if ordered[0].Kind != models.ObjectRaw {
		return nil, fmt.Errorf("%s: %w", id, ErrIncomplete)
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})
	return &LineageGraph{Root: id, Nodes: ordered, Edges: edges}, nil
}

// Roots returns the RawData ids a record ultimately derives from.
func (s *Service) Roots(ctx context.Context, id string) ([]string, error) {
	nodes, err := s.GetLineage(ctx, id)
	if err != nil {
		return nil, err
	}
	var roots []string
	for _, n := range nodes {
		if n.Kind == models.ObjectRaw {
			roots = append(roots, n.ID)
		}
	}
	return roots, nil
}

var kindRank = map[models.ObjectType]int{
	models.ObjectRaw:          0,
	models.ObjectObservation:  1,
	models.ObjectIntelligence: 2,
	models.ObjectEntity:       3,
	models.ObjectRelationship: 4,
	models.ObjectPattern:      5,
	models.ObjectEvidence:     6,
	models.ObjectIndicator:    7,
	models.ObjectFinding:      8,
	models.ObjectReport:       9,
}

// topological orders nodes parents first. Ties are broken by kind, then
// time, then id. Records on a cycle are appended in the same tie order.
func topological(nodes map[string]*LineageNode) []LineageNode {
	less := func(a, b *LineageNode) bool {
		if kindRank[a.Kind] != kindRank[b.Kind] {
			return kindRank[a.Kind] < kindRank[b.Kind]
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	}

	pending := make(map[string]int, len(nodes))
	children := make(map[string][]string)
	for id, n := range nodes {
		for _, p := range n.DerivedFrom {
			if _, ok := nodes[p]; ok {
				pending[id]++
				children[p] = append(children[p], id)
			}
		}
	}

	var ready []*LineageNode
	for id, n := range nodes {
		if pending[id] == 0 {
			ready = append(ready, n)
		}
	}

	out := make([]LineageNode, 0, len(nodes))
	done := make(map[string]bool, len(nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		n := ready[0]
		ready = ready[1:]
		out = append(out, *n)
		done[n.ID] = true
		for _, c := range children[n.ID] {
			pending[c]--
			if pending[c] == 0 {
				ready = append(ready, nodes[c])
			}
		}
	}

	if len(out) < len(nodes) {
		var rest []*LineageNode
		for id, n := range nodes {
			if !done[id] {
				rest = append(rest, n)
			}
		}
		sort.Slice(rest, func(i, j int) bool { return less(rest[i], rest[j]) })
		for _, n := range rest {
			out = append(out, *n)
		}
	}
	return out
}

func label(r models.Record) string {
	switch v := r.(type) {
	case *models.RawData:
		return v.SourceURL
	case *models.Observation:
		return string(v.Type) + "=" + v.Value
	case *models.Intelligence:
		return v.Data.String()
	case *models.Entity:
		return v.Name
	case *models.Relationship:
		return v.SourceID + " " + string(v.Type) + " " + v.TargetID
	case *models.Pattern:
		return v.Description
	case *models.Finding:
		return v.Summary
	case *models.Indicator:
		return v.Description
	case *models.IntelReport:
		return v.Title
	}
	return ""
}
