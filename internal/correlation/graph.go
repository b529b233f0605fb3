package correlation

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/models"
)

// Graph is the append-only correlation graph. Entities, relationships and
// intelligence records live in id-keyed arenas; edges refer to endpoints by
// id only. Entities are partitioned across shards by the hash of their
// primary identifier, so updates to one entity are linearizable under its
// shard lock.
//
// Lock order: global, then shards in ascending index, then index, then
// edges, then intel. Readers never hold two of these at once.
type Graph struct {
	global sync.Mutex
	shards []*shard

	index struct {
		sync.RWMutex
		identifiers map[string]string // "kind=value" -> entity id
		home        map[string]int    // entity id -> shard
	}

	edges struct {
		sync.RWMutex
		byID      map[string]*models.Relationship
		byKey     map[string]string // source|target|type -> relationship id
		adjacency map[string][]string
	}

	intel struct {
		sync.RWMutex
		byID      map[string]*models.Intelligence
		bySubject map[string][]string
	}

	fuzzyDistance int
	predicates    []Predicate
	publisher     eventbus.Publisher
	logger        *slog.Logger
	now           func() time.Time
}

type shard struct {
	mu       sync.RWMutex
	entities map[string]*node
}

type node struct {
	entity *models.Entity
}

type Option func(*Graph)

// WithShards sets the number of entity shards. Non-positive values keep the
// default of 16.
func WithShards(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.shards = newShards(n)
		}
	}
}

// WithFuzzyDistance sets the maximum edit distance for name-only matches.
// Zero disables fuzzy matching.
func WithFuzzyDistance(d int) Option {
	return func(g *Graph) {
		if d >= 0 {
			g.fuzzyDistance = d
		}
	}
}

// WithPublisher sets where entity, relationship and contradiction events go.
func WithPublisher(p eventbus.Publisher) Option {
	return func(g *Graph) {
		g.publisher = p
	}
}

// WithPredicates adds contradiction predicates evaluated after the built-in
// per-kind rules.
func WithPredicates(p ...Predicate) Option {
	return func(g *Graph) {
		g.predicates = append(g.predicates, p...)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Graph) {
		g.logger = logger
	}
}

// New returns an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		shards:        newShards(16),
		fuzzyDistance: 2,
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
	}
	g.index.identifiers = make(map[string]string)
	g.index.home = make(map[string]int)
	g.edges.byID = make(map[string]*models.Relationship)
	g.edges.byKey = make(map[string]string)
	g.edges.adjacency = make(map[string][]string)
	g.intel.byID = make(map[string]*models.Intelligence)
	g.intel.bySubject = make(map[string][]string)

	for _, opt := range opts {
		opt(g)
	}
	return g
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{entities: make(map[string]*node)}
	}
	return shards
}

func (g *Graph) shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(g.shards)))
}

func (g *Graph) publish(topic, id string, payload any) {
	if g.publisher == nil {
		return
	}
	if err := g.publisher.Publish(eventbus.NewEvent(topic, id, payload)); err != nil {
		g.logger.Warn("publishing graph event", "topic", topic, "id", id, "error", err)
	}
}

// Entity returns a copy of the entity with the given id, tombstoned or not.
func (g *Graph) Entity(id string) (*models.Entity, error) {
	g.index.RLock()
	idx, ok := g.index.home[id]
	g.index.RUnlock()
	if !ok {
		return nil, models.NewNotFoundError(models.ObjectEntity, id)
	}

	s := g.shards[idx]
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.entities[id]
	if !ok {
		return nil, models.NewNotFoundError(models.ObjectEntity, id)
	}
	return cloneEntity(n.entity), nil
}

// FindByIdentifier returns the live entity that claims kind=value.
func (g *Graph) FindByIdentifier(kind, value string) (*models.Entity, error) {
	key := identifierKey(kind, value)
	g.index.RLock()
	id, ok := g.index.identifiers[key]
	g.index.RUnlock()
	if !ok {
		return nil, models.NewNotFoundError(models.ObjectEntity, key)
	}
	return g.Entity(id)
}

// Relationship returns a copy of the relationship with the given id.
func (g *Graph) Relationship(id string) (*models.Relationship, error) {
	g.edges.RLock()
	defer g.edges.RUnlock()
	r, ok := g.edges.byID[id]
	if !ok {
		return nil, models.NewNotFoundError(models.ObjectRelationship, id)
	}
	return cloneRelationship(r), nil
}

// Intelligence returns a deep copy of the intelligence record with the
// given id.
func (g *Graph) Intelligence(id string) (*models.Intelligence, error) {
	g.intel.RLock()
	defer g.intel.RUnlock()
	i, ok := g.intel.byID[id]
	if !ok {
		return nil, models.NewNotFoundError(models.ObjectIntelligence, id)
	}
	return cloneIntelligence(i)
}

// Relationships returns copies of the live edges incident to id, sorted by id.
func (g *Graph) Relationships(id string) []*models.Relationship {
	g.edges.RLock()
	defer g.edges.RUnlock()

	out := make([]*models.Relationship, 0, len(g.edges.adjacency[id]))
	for _, rid := range g.edges.adjacency[id] {
		if r := g.edges.byID[rid]; r != nil && !r.Deleted() {
			out = append(out, cloneRelationship(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot is a point-in-time copy of the live graph with every slice sorted
// by id.
type Snapshot struct {
	Entities      []*models.Entity
	Relationships []*models.Relationship
	Intelligence  []*models.Intelligence
	TakenAt       time.Time
}

// Snapshot copies the live entities and relationships and every
// intelligence record. Shards are read one at a time, so the copy is only
// consistent per shard.
func (g *Graph) Snapshot() *Snapshot {
	snap := &Snapshot{TakenAt: g.now()}

	for _, s := range g.shards {
		s.mu.RLock()
		for _, n := range s.entities {
			if !n.entity.Deleted() {
				snap.Entities = append(snap.Entities, cloneEntity(n.entity))
			}
		}
		s.mu.RUnlock()
	}

	g.edges.RLock()
	for _, r := range g.edges.byID {
		if !r.Deleted() {
			snap.Relationships = append(snap.Relationships, cloneRelationship(r))
		}
	}
	g.edges.RUnlock()

	g.intel.RLock()
	for _, i := range g.intel.byID {
		c, err := cloneIntelligence(i)
		if err != nil {
			g.logger.Warn("copying intelligence for snapshot", "id", i.ID, "error", err)
			continue
		}
		snap.Intelligence = append(snap.Intelligence, c)
	}
	g.intel.RUnlock()

	sort.Slice(snap.Entities, func(i, j int) bool { return snap.Entities[i].ID < snap.Entities[j].ID })
	sort.Slice(snap.Relationships, func(i, j int) bool { return snap.Relationships[i].ID < snap.Relationships[j].ID })
	sort.Slice(snap.Intelligence, func(i, j int) bool { return snap.Intelligence[i].ID < snap.Intelligence[j].ID })
	return snap
}

// Tombstone marks an entity or relationship deleted. Tombstoning an entity
// releases its identifiers and tombstones its incident edges. Records are
// never purged.
func (g *Graph) Tombstone(id string) error {
	at := g.now()

	g.index.RLock()
	idx, isEntity := g.index.home[id]
	g.index.RUnlock()

	if !isEntity {
		g.edges.Lock()
		r, ok := g.edges.byID[id]
		if ok && !r.Deleted() {
			r.MarkDeleted(at)
		}
		g.edges.Unlock()
		if !ok {
			return models.NewNotFoundError(models.ObjectRelationship, id)
		}
		return nil
	}

	s := g.shards[idx]
	s.mu.Lock()
	n, ok := s.entities[id]
	if !ok || n.entity.Deleted() {
		s.mu.Unlock()
		return nil
	}
	n.entity.MarkDeleted(at)

	g.index.Lock()
	for key, owner := range g.index.identifiers {
		if owner == id {
			delete(g.index.identifiers, key)
		}
	}
	g.index.Unlock()

	g.edges.Lock()
	for _, rid := range g.edges.adjacency[id] {
		if r := g.edges.byID[rid]; r != nil && !r.Deleted() {
			r.MarkDeleted(at)
		}
	}
	g.edges.Unlock()

	deleted := cloneEntity(n.entity)
	g.publish(eventbus.TopicEntityDeleted, id, deleted)
	s.mu.Unlock()
	return nil
}

// Stats counts stored records, tombstoned ones included.
func (g *Graph) Stats() (entities, relationships, intelligence int) {
	for _, s := range g.shards {
		s.mu.RLock()
		entities += len(s.entities)
		s.mu.RUnlock()
	}
	g.edges.RLock()
	relationships = len(g.edges.byID)
	g.edges.RUnlock()
	g.intel.RLock()
	intelligence = len(g.intel.byID)
	g.intel.RUnlock()
	return entities, relationships, intelligence
}

func identifierKey(kind, value string) string {
	return strings.ToLower(strings.TrimSpace(kind)) + "=" + strings.ToLower(strings.TrimSpace(value))
}

func identifierKeys(e *models.Entity) []string {
	keys := make([]string, 0, len(e.Identifiers))
	for k, v := range e.Identifiers {
		if strings.TrimSpace(v) == "" {
			continue
		}
		keys = append(keys, identifierKey(k, v))
	}
	sort.Strings(keys)
	return keys
}

// nameKey identifies name-only entities so that exact name matches resolve
// without a fuzzy scan.
func nameKey(e *models.Entity) string {
	return identifierKey("name:"+string(e.Type), e.Name)
}

func cloneEntity(e *models.Entity) *models.Entity {
	c := *e
	c.DerivedFrom = append([]string(nil), e.DerivedFrom...)
	c.Sources = append([]string(nil), e.Sources...)
	c.Properties = cloneMap(e.Properties)
	c.Identifiers = cloneMap(e.Identifiers)
	if e.Location != nil {
		loc := *e.Location
		c.Location = &loc
	}
	if e.DeletedAt != nil {
		at := *e.DeletedAt
		c.DeletedAt = &at
	}
	return &c
}

func cloneIntelligence(i *models.Intelligence) (*models.Intelligence, error) {
	c, err := models.Clone(i)
	if err != nil {
		return nil, err
	}
	return c.(*models.Intelligence), nil
}

func cloneRelationship(r *models.Relationship) *models.Relationship {
	c := *r
	c.DerivedFrom = append([]string(nil), r.DerivedFrom...)
	c.Evidence = append([]string(nil), r.Evidence...)
	if r.DeletedAt != nil {
		at := *r.DeletedAt
		c.DeletedAt = &at
	}
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
