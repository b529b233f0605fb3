package correlation

import (
	"sort"

	"github.com/qualys/intelengine/internal/models"
)

// TraverseOptions bounds a traversal. Zero MaxDepth and MaxNodes default to
// 3 and 500.
type TraverseOptions struct {
	MaxDepth int
	MaxNodes int
	// Types restricts traversal to the given relation types when non-empty.
	Types         []models.RelationType
	MinConfidence int
}

// RankedNode is an entity reached by Traverse. Score is the product of the
// normalised confidences of every edge and entity on the best path from the
// start.
type RankedNode struct {
	Entity *models.Entity `json:"entity"`
	Depth  int            `json:"depth"`
	Score  float64        `json:"score"`
	Path   []string       `json:"path"`
}

type visit struct {
	depth int
	score float64
	path  []string
}

// Traverse walks outgoing and incoming edges breadth-first from start, up to
// MaxDepth hops and MaxNodes discovered entities, and returns the reached
// entities ranked by path score, then most recently updated, then id.
func (g *Graph) Traverse(start string, opts TraverseOptions) ([]RankedNode, error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 3
	}
	if opts.MaxNodes <= 0 {
		opts.MaxNodes = 500
	}
	allowed := make(map[models.RelationType]bool, len(opts.Types))
	for _, t := range opts.Types {
		allowed[t] = true
	}

	root, err := g.Entity(start)
	if err != nil {
		return nil, err
	}
	if root.Deleted() {
		return nil, models.NewNotFoundError(models.ObjectEntity, start)
	}

	visited := map[string]*visit{start: {score: float64(root.Confidence) / 100}}
	entities := map[string]*models.Entity{start: root}
	frontier := []string{start}

	for depth := 1; depth <= opts.MaxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			from := visited[id]
			for _, rel := range g.Relationships(id) {
				if len(allowed) > 0 && !allowed[rel.Type] {
					continue
				}
				if rel.Confidence < opts.MinConfidence {
					continue
				}
				peer := rel.TargetID
				if peer == id {
					peer = rel.SourceID
				}

				e, ok := entities[peer]
				if !ok {
					if len(entities) >= opts.MaxNodes {
						continue
					}
					found, err := g.Entity(peer)
					if err != nil || found.Deleted() {
						continue
					}
					e = found
					entities[peer] = e
				}

				score := from.score * float64(rel.Confidence) / 100 * float64(e.Confidence) / 100
				path := append(append([]string(nil), from.path...), rel.ID)
				if v, seen := visited[peer]; seen {
					// Only paths of equal length can improve a node on the
					// current layer.
					if v.depth == depth && score > v.score {
						v.score, v.path = score, path
					}
					continue
				}
				visited[peer] = &visit{depth: depth, score: score, path: path}
				next = append(next, peer)
			}
		}
		sort.Strings(next)
		frontier = next
	}

	out := make([]RankedNode, 0, len(visited)-1)
	for id, v := range visited {
		if id == start {
			continue
		}
		out = append(out, RankedNode{Entity: entities[id], Depth: v.depth, Score: v.score, Path: v.path})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Entity.UpdatedAt.Equal(b.Entity.UpdatedAt) {
			return a.Entity.UpdatedAt.After(b.Entity.UpdatedAt)
		}
		return a.Entity.ID < b.Entity.ID
	})
	return out, nil
}
