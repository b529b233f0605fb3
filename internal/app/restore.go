package app

import (
	"context"
	"fmt"

	"github.com/qualys/intelengine/internal/correlation"
	"github.com/qualys/intelengine/internal/models"
	"github.com/qualys/intelengine/internal/store"
)

// Querier is the part of the store RestoreGraph reads from.
type Querier interface {
	Query(ctx context.Context, f store.Filter) ([]models.Record, error)
}

// RestoreGraph rebuilds the in-memory correlation graph from persisted
// entities, relationships and intelligence, tombstones included.
func RestoreGraph(ctx context.Context, st Querier, g *correlation.Graph) error {
	snap := &correlation.Snapshot{}
	for _, kind := range []models.ObjectType{models.ObjectEntity, models.ObjectRelationship, models.ObjectIntelligence} {
		recs, err := st.Query(ctx, store.Filter{Types: []models.ObjectType{kind}, IncludeDeleted: true})
		if err != nil {
			return fmt.Errorf("loading %s records: %w", kind, err)
		}
		for _, rec := range recs {
			switch r := rec.(type) {
			case *models.Entity:
				snap.Entities = append(snap.Entities, r)
			case *models.Relationship:
				snap.Relationships = append(snap.Relationships, r)
			case *models.Intelligence:
				snap.Intelligence = append(snap.Intelligence, r)
			}
		}
	}
	if len(snap.Entities) == 0 && len(snap.Intelligence) == 0 {
		return nil
	}
	if _, err := g.Restore(snap); err != nil {
		return fmt.Errorf("restoring graph: %w", err)
	}
	return nil
}
