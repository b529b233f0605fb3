package lineage

import (
	"time"

	"github.com/qualys/intelengine/internal/models"
)

// LineageGraph is the upstream derivation graph of one record, suitable for
// visualization.
type LineageGraph struct {
	Root  string        `json:"root"`
	Nodes []LineageNode `json:"nodes"`
	Edges []LineageEdge `json:"edges"`
}

// LineageNode is one record of a derivation chain.
type LineageNode struct {
	ID          string            `json:"id"`
	Kind        models.ObjectType `json:"kind"`
	Timestamp   time.Time         `json:"timestamp"`
	DerivedFrom []string          `json:"derived_from,omitempty"`
	// Depth is the shortest number of derivation hops from the requested
	// record.
	Depth int `json:"depth"`
	// Label is a short human description (source URL, observation value,
	// entity name).
	Label string `json:"label,omitempty"`
}

// LineageEdge points from an upstream record to the record derived from it.
type LineageEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}
