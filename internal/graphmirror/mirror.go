// Package graphmirror keeps a neo4j copy of the correlation graph for ad hoc
// cypher exploration. It follows the event bus; the in-process graph stays
// the source of truth.
package graphmirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/models"
)

type Config struct {
	URI      string
	Username string
	Password string
	// WriteTimeout bounds a single MERGE. Defaults to 10s.
	WriteTimeout time.Duration
}

type Mirror struct {
	driver  neo4j.DriverWithContext
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	bus    *eventbus.Bus
	sub    eventbus.Subscription
	done   chan struct{}
	active bool
}

// Neighbor is an entity reachable from a start node in the mirror.
type Neighbor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Hops int    `json:"hops"`
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Mirror, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verifying neo4j connectivity: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	m := &Mirror{driver: driver, timeout: cfg.WriteTimeout, logger: logger}
	if err := m.createIndexes(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("creating indexes: %w", err)
	}
	return m, nil
}

func (m *Mirror) Close(ctx context.Context) error {
	m.Stop()
	return m.driver.Close(ctx)
}

func (m *Mirror) createIndexes(ctx context.Context) error {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS FOR (n:Entity) ON (n.id)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Entity) ON (n.type)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Intelligence) ON (n.id)",
	}
	for _, idx := range indexes {
		if _, err := session.Run(ctx, idx, nil); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}
	return nil
}

// relationLabels maps relation types onto cypher relationship labels. Labels
// cannot be query parameters, so only these are ever interpolated.
var relationLabels = map[models.RelationType]string{
	models.RelationDerivedFrom:    "DERIVED_FROM",
	models.RelationSupports:       "SUPPORTS",
	models.RelationContradicts:    "CONTRADICTS",
	models.RelationCorrelatesWith: "CORRELATES_WITH",
	models.RelationContextualizes: "CONTEXTUALIZES",
	models.RelationManages:        "MANAGES",
	models.RelationOwns:           "OWNS",
	models.RelationHosts:          "HOSTS",
	models.RelationResolvesTo:     "RESOLVES_TO",
}

func label(t models.RelationType) string {
	if l, ok := relationLabels[t]; ok {
		return l
	}
	return "RELATED_TO"
}

func (m *Mirror) UpsertEntity(ctx context.Context, e *models.Entity) error {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MERGE (e:Entity {id: $id})
		SET e.name = $name,
			e.type = $type,
			e.confidence = $confidence,
			e.identifiers = $identifiers,
			e.updatedAt = $updatedAt,
			e.deleted = $deleted
	`
	params := map[string]interface{}{
		"id":          e.ID,
		"name":        e.Name,
		"type":        string(e.Type),
		"confidence":  e.Confidence,
		"identifiers": flatten(e.Identifiers),
		"updatedAt":   e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"deleted":     e.Deleted(),
	}
	if e.Location != nil {
		query += `, e.lat = $lat, e.lon = $lon`
		params["lat"] = e.Location.Lat
		params["lon"] = e.Location.Lon
	}

	_, err := session.Run(ctx, query, params)
	return err
}

// UpsertRelationship merges both endpoints and the edge. Contradictions join
// intelligence records rather than entities.
func (m *Mirror) UpsertRelationship(ctx context.Context, r *models.Relationship) error {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	node := "Entity"
	if r.Type == models.RelationContradicts {
		node = "Intelligence"
	}
	query := fmt.Sprintf(`
		MERGE (a:%[1]s {id: $source})
		MERGE (b:%[1]s {id: $target})
		MERGE (a)-[r:%[2]s {id: $id}]->(b)
		SET r.confidence = $confidence,
			r.discoveredThrough = $through,
			r.resolution = $resolution,
			r.deleted = $deleted
	`, node, label(r.Type))

	_, err := session.Run(ctx, query, map[string]interface{}{
		"source":     r.SourceID,
		"target":     r.TargetID,
		"id":         r.ID,
		"confidence": r.Confidence,
		"through":    r.DiscoveredThrough,
		"resolution": string(r.Resolution),
		"deleted":    r.Deleted(),
	})
	return err
}

// DeleteEntity marks the node and its edges deleted; nodes are never
// detached so historic queries keep working.
func (m *Mirror) DeleteEntity(ctx context.Context, id string) error {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MATCH (e:Entity {id: $id})
		SET e.deleted = true
		WITH e
		OPTIONAL MATCH (e)-[r]-()
		SET r.deleted = true
	`
	_, err := session.Run(ctx, query, map[string]interface{}{"id": id})
	return err
}

// Neighbors returns live entities within hops of id, nearest first.
func (m *Mirror) Neighbors(ctx context.Context, id string, hops int) ([]Neighbor, error) {
	if hops <= 0 || hops > 5 {
		hops = 2
	}
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH path = (s:Entity {id: $id})-[*1..%d]-(n:Entity)
		WHERE n.id <> $id
		  AND coalesce(n.deleted, false) = false
		  AND all(r IN relationships(path) WHERE coalesce(r.deleted, false) = false)
		RETURN n.id as id, n.name as name, n.type as type, min(length(path)) as hops
		ORDER BY hops ASC, id ASC
		LIMIT 200
	`, hops)

	result, err := session.Run(ctx, query, map[string]interface{}{"id": id})
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var out []Neighbor
	for result.Next(ctx) {
		rec := result.Record()
		nid, _ := rec.Get("id")
		name, _ := rec.Get("name")
		typ, _ := rec.Get("type")
		h, _ := rec.Get("hops")

		n := Neighbor{Hops: int(h.(int64))}
		n.ID, _ = nid.(string)
		n.Name, _ = name.(string)
		n.Type, _ = typ.(string)
		out = append(out, n)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("reading neighbors: %w", err)
	}
	return out, nil
}

func flatten(ids map[string]string) []string {
	out := make([]string, 0, len(ids))
	for k, v := range ids {
		out = append(out, k+"="+v)
	}
	return out
}

// Start follows entity and relationship events on bus until Stop.
func (m *Mirror) Start(bus *eventbus.Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return
	}
	sub, events := bus.Subscribe(eventbus.TopicAll)
	m.bus, m.sub, m.done, m.active = bus, sub, make(chan struct{}), true
	go m.consume(events, m.done)
}

func (m *Mirror) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	bus, sub, done := m.bus, m.sub, m.done
	m.mu.Unlock()

	bus.Unsubscribe(sub)
	<-done
}

func (m *Mirror) consume(events <-chan eventbus.Event, done chan struct{}) {
	defer close(done)
	for ev := range events {
		if err := m.apply(ev); err != nil {
			m.logger.Warn("mirroring event failed", "topic", ev.Topic, "key", ev.EntityID, "error", err)
		}
	}
}

func (m *Mirror) apply(ev eventbus.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	switch {
	case ev.Topic == eventbus.TopicEntityDeleted:
		return m.DeleteEntity(ctx, ev.EntityID)
	case strings.HasPrefix(ev.Topic, "entity."):
		var e models.Entity
		if err := decode(ev.Payload, &e); err != nil {
			return err
		}
		return m.UpsertEntity(ctx, &e)
	case strings.HasPrefix(ev.Topic, "relationship."), strings.HasPrefix(ev.Topic, "contradiction."):
		var r models.Relationship
		if err := decode(ev.Payload, &r); err != nil {
			return err
		}
		return m.UpsertRelationship(ctx, &r)
	}
	return nil
}

// decode accepts in-process model pointers as well as payloads that crossed
// NATS as JSON.
func decode[T any](payload any, dst *T) error {
	switch v := payload.(type) {
	case *T:
		*dst = *v
		return nil
	case T:
		*dst = v
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}
