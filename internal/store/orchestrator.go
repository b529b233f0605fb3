// Package store is the storage orchestrator. It fronts a durable KV tier and
// a content-addressable blob tier with an LRU cache of encoded records and an
// in-memory index for time-window and viewport queries.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/qualys/intelengine/internal/blob"
	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/kv"
	"github.com/qualys/intelengine/internal/lineage"
	"github.com/qualys/intelengine/internal/metrics"
	"github.com/qualys/intelengine/internal/models"
)

const lockStripes = 64

// Config sizes the cache and the tiers. TimeBucket is the granularity of the
// by-time secondary index.
type Config struct {
	CacheSize int
	// BlobThreshold is the RawData content size above which content is
	// moved to the blob tier.
	BlobThreshold int
	TimeBucket    time.Duration
	Retry         RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		CacheSize:     10000,
		BlobThreshold: 64 * 1024,
		TimeBucket:    time.Hour,
		Retry:         DefaultRetryPolicy(),
	}
}

// Filter selects records for Query. Zero fields do not filter.
type Filter struct {
	Types          []models.ObjectType
	BBox           *models.BoundingBox
	Since          time.Time
	Until          time.Time
	MinConfidence  int
	MaxItems       int
	IncludeDeleted bool
}

// Callback receives a private copy of every stored version of a record.
type Callback func(models.Record)

// StoredEvent is the payload of record.stored events.
type StoredEvent struct {
	Kind models.ObjectType `json:"kind"`
	ID   string            `json:"id"`
	Key  string            `json:"key"`
}

type Option func(*Orchestrator)

func WithConfig(cfg Config) Option { return func(o *Orchestrator) { o.cfg = cfg } }

func WithPublisher(p eventbus.Publisher) Option { return func(o *Orchestrator) { o.bus = p } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithClock overrides the clock used for tombstone timestamps.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// Orchestrator is the storage front: an in-memory index and LRU cache over
// a KV tier, with large RawData content offloaded to a blob tier.
type Orchestrator struct {
	cfg     Config
	kv      kv.Store
	blobs   blob.Store
	cache   *lru.Cache[string, []byte]
	index   *index
	bus     eventbus.Publisher
	lineage *lineage.Service
	logger  *slog.Logger
	now     func() time.Time

	locks [lockStripes]sync.Mutex

	subsMu  sync.RWMutex
	subs    map[string]map[uint64]Callback
	nextSub uint64
}

// New returns an orchestrator over store and blobs. Call Load before serving
// reads from a KV tier that already holds records.
func New(store kv.Store, blobs blob.Store, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:    DefaultConfig(),
		kv:     store,
		blobs:  blobs,
		index:  newIndex(),
		logger: slog.Default(),
		now:    time.Now,
		subs:   make(map[string]map[uint64]Callback),
	}
	for _, opt := range opts {
		opt(o)
	}
	def := DefaultConfig()
	if o.cfg.CacheSize <= 0 {
		o.cfg.CacheSize = def.CacheSize
	}
	if o.cfg.BlobThreshold <= 0 {
		o.cfg.BlobThreshold = def.BlobThreshold
	}
	if o.cfg.TimeBucket <= 0 {
		o.cfg.TimeBucket = def.TimeBucket
	}
	if o.cfg.Retry.MaxAttempts <= 0 {
		o.cfg.Retry = def.Retry
	}

	cache, err := lru.New[string, []byte](o.cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating record cache: %w", err)
	}
	o.cache = cache
	o.lineage = lineage.NewService(o)
	return o, nil
}

var loadOrder = []models.ObjectType{
	models.ObjectRaw, models.ObjectObservation, models.ObjectIntelligence,
	models.ObjectEntity, models.ObjectRelationship, models.ObjectPattern,
	models.ObjectEvidence, models.ObjectIndicator, models.ObjectFinding,
	models.ObjectReport,
}

// Load rebuilds the index from the KV tier. It must run before the first
// Get or Query against a store that already holds data.
func (o *Orchestrator) Load(ctx context.Context) error {
	start := time.Now()
	for _, kind := range loadOrder {
		err := o.kv.Scan(ctx, string(kind)+":", func(key string, value []byte) error {
			if !isRecordKey(kind, key) {
				return nil
			}
			rec, err := models.Decode(value)
			if err != nil {
				return fmt.Errorf("decoding %s: %w", key, err)
			}
			o.index.put(summarize(rec))
			return nil
		})
		if err != nil {
			return fmt.Errorf("loading %s records: %w", kind, err)
		}
	}
	o.logger.Info("storage index loaded", "records", o.index.len(), "duration", time.Since(start))
	return nil
}

func (o *Orchestrator) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &o.locks[h.Sum32()%lockStripes]
}

// Store validates and durably writes a record. The write goes blob, then KV,
// then cache, then bus; a failure at any step undoes the earlier ones.
// RawData, Observation and Intelligence records are immutable: storing a
// different version of an existing id is a conflict, storing the same
// version is a no-op. Corrections are stored as new derived records.
func (o *Orchestrator) Store(ctx context.Context, r models.Record) error {
	if err := models.Validate(r); err != nil {
		return err
	}
	rec, err := models.Clone(r)
	if err != nil {
		return err
	}

	encoded, err := o.store(ctx, rec)
	if err != nil || encoded == nil {
		return err
	}
	o.notify(rec, encoded)
	return nil
}

var immutable = map[models.ObjectType]bool{
	models.ObjectRaw:          true,
	models.ObjectObservation:  true,
	models.ObjectIntelligence: true,
}

func (o *Orchestrator) store(ctx context.Context, rec models.Record) ([]byte, error) {
	id, kind := rec.RecordID(), rec.Kind()
	key := RecordKey(kind, id)

	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if existing, ok := o.index.kindOf(id); ok && existing != kind {
		return nil, models.NewConflictError("id %s already stored as %s", id, existing)
	}
	if err := o.checkReferences(rec); err != nil {
		return nil, err
	}

	prev, err := o.load(ctx, kind, id, false)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	var content []byte
	raw, isRaw := rec.(*models.RawData)
	if isRaw {
		if len(raw.Content) > 0 {
			if raw.ContentHash == "" {
				raw.ContentHash = blob.Hash(raw.Content)
			}
			raw.ContentSize = len(raw.Content)
		}
		if len(raw.Content) > o.cfg.BlobThreshold {
			content = raw.Content
			raw.ContentRef = blob.Hash(content)
			raw.Content = nil
		}
	}

	encoded, err := models.Encode(rec)
	if err != nil {
		return nil, err
	}

	if prev != nil && immutable[kind] {
		prevEncoded, err := models.Encode(prev)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(prevEncoded, encoded) {
			return nil, nil
		}
		return nil, models.NewConflictError("%s %s is immutable and already stored with different content", kind, id)
	}

	createdBlob := ""
	if content != nil {
		referenced := o.index.blobReferenced(raw.ContentRef)
		err := o.cfg.Retry.do(ctx, "blob.put", func() error {
			_, err := o.blobs.Put(ctx, content)
			return err
		})
		if err != nil {
			return nil, err
		}
		if !referenced {
			createdBlob = raw.ContentRef
		}
	}

	newKeys := secondaryKeys(rec, o.cfg.TimeBucket)
	var oldKeys []string
	if prev != nil {
		oldKeys = secondaryKeys(prev, o.cfg.TimeBucket)
	}
	ops := []kv.Op{kv.PutOp(key, encoded)}
	for _, k := range newKeys {
		ops = append(ops, kv.PutOp(k, []byte(id)))
	}
	for _, k := range diffKeys(oldKeys, newKeys) {
		ops = append(ops, kv.DeleteOp(k))
	}

	if err := o.cfg.Retry.do(ctx, "kv.batch", func() error { return o.kv.Batch(ctx, ops) }); err != nil {
		o.dropBlob(createdBlob)
		return nil, err
	}

	o.cache.Add(key, encoded)
	prevEntry, hadEntry := o.index.put(summarize(rec))

	if o.bus != nil {
		ev := eventbus.NewEvent(eventbus.TopicRecordStored, id, StoredEvent{Kind: kind, ID: id, Key: key})
		if err := o.bus.Publish(ev); err != nil {
			o.revert(key, prev, newKeys, oldKeys)
			if hadEntry {
				o.index.put(prevEntry)
			} else {
				o.index.remove(id)
			}
			o.dropBlob(createdBlob)
			return nil, fmt.Errorf("publishing store of %s: %w", key, err)
		}
	}
	return encoded, nil
}

// revert restores the previous version of key, or removes it entirely.
func (o *Orchestrator) revert(key string, prev models.Record, newKeys, oldKeys []string) {
	o.cache.Remove(key)
	var ops []kv.Op
	if prev == nil {
		ops = append(ops, kv.DeleteOp(key))
	} else {
		encoded, err := models.Encode(prev)
		if err != nil {
			o.logger.Error("reverting store: encoding previous version failed", "key", key, "error", err)
			return
		}
		ops = append(ops, kv.PutOp(key, encoded))
		for _, k := range oldKeys {
			ops = append(ops, kv.PutOp(k, []byte(prev.RecordID())))
		}
	}
	for _, k := range diffKeys(newKeys, oldKeys) {
		ops = append(ops, kv.DeleteOp(k))
	}
	err := o.cfg.Retry.do(context.Background(), "kv.revert", func() error {
		return o.kv.Batch(context.Background(), ops)
	})
	if err != nil {
		o.logger.Error("reverting store failed", "key", key, "error", err)
	}
}

func (o *Orchestrator) dropBlob(hash string) {
	if hash == "" || o.index.blobReferenced(hash) {
		return
	}
	if err := o.blobs.Delete(context.Background(), hash); err != nil {
		o.logger.Warn("removing orphaned blob failed", "hash", hash, "error", err)
	}
}

// checkReferences rejects records that name ids the store has never seen.
func (o *Orchestrator) checkReferences(rec models.Record) error {
	refs := append([]string(nil), rec.Lineage()...)
	switch v := rec.(type) {
	case *models.Relationship:
		refs = append(refs, v.SourceID, v.TargetID)
	case *models.Finding:
		refs = append(refs, v.SupportingEvidence...)
	}

	var missing []string
	seen := make(map[string]bool, len(refs))
	for _, id := range refs {
		if id == rec.RecordID() {
			return models.NewValidationError("%s %s references itself", rec.Kind(), id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := o.index.kindOf(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return models.NewDanglingReferenceError(missing...)
	}
	return nil
}

// Get returns a private copy of the record with id. RawData content held in
// the blob tier is loaded back into Content.
func (o *Orchestrator) Get(ctx context.Context, id string) (models.Record, error) {
	kind, ok := o.index.kindOf(id)
	if !ok {
		return nil, models.NewNotFoundError("record", id)
	}
	return o.load(ctx, kind, id, true)
}

func (o *Orchestrator) load(ctx context.Context, kind models.ObjectType, id string, hydrate bool) (models.Record, error) {
	key := RecordKey(kind, id)
	encoded, ok := o.cache.Get(key)
	if ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		err := o.cfg.Retry.do(ctx, "kv.get", func() error {
			var err error
			encoded, err = o.kv.Get(ctx, key)
			return err
		})
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewNotFoundError(kind, id)
		}
		if err != nil {
			return nil, err
		}
		o.cache.Add(key, encoded)
	}

	rec, err := models.Decode(encoded)
	if err != nil {
		return nil, err
	}
	if raw, ok := rec.(*models.RawData); ok && hydrate && raw.ContentRef != "" {
		err := o.cfg.Retry.do(ctx, "blob.get", func() error {
			content, err := o.blobs.Get(ctx, raw.ContentRef)
			raw.Content = content
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("loading content of %s: %w", id, err)
		}
	}
	return rec, nil
}

// Query answers from the index and loads only the selected records, ordered
// by confidence desc then recency desc.
func (o *Orchestrator) Query(ctx context.Context, f Filter) ([]models.Record, error) {
	entries := o.index.search(f)
	out := make([]models.Record, 0, len(entries))
	for _, e := range entries {
		rec, err := o.load(ctx, e.kind, e.id, false)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// FindByIdentifier resolves an entity through its by-identifier index key.
func (o *Orchestrator) FindByIdentifier(ctx context.Context, idKind, value string) (*models.Entity, error) {
	var id []byte
	err := o.cfg.Retry.do(ctx, "kv.get", func() error {
		var err error
		id, err = o.kv.Get(ctx, IdentifierKey(models.ObjectEntity, idKind, value))
		return err
	})
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.NewNotFoundError(models.ObjectEntity, idKind+"="+value)
	}
	if err != nil {
		return nil, err
	}
	rec, err := o.load(ctx, models.ObjectEntity, string(id), false)
	if err != nil {
		return nil, err
	}
	return rec.(*models.Entity), nil
}

// Tombstone marks a deletable record deleted and stores the new version.
// Tombstoning an entity also tombstones every stored relationship that has
// it as an endpoint. Tombstoning an already deleted record is a no-op apart
// from finishing that cascade.
func (o *Orchestrator) Tombstone(ctx context.Context, id string) error {
	rec, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	d, ok := rec.(models.Deletable)
	if !ok {
		return models.NewValidationError("%s records cannot be tombstoned", rec.Kind())
	}
	if !d.Deleted() {
		d.MarkDeleted(o.now().UTC())
		if err := o.Store(ctx, rec); err != nil {
			return err
		}
	}
	if rec.Kind() == models.ObjectEntity {
		return o.tombstoneIncident(ctx, id)
	}
	return nil
}

func (o *Orchestrator) tombstoneIncident(ctx context.Context, id string) error {
	var rels []string
	err := o.cfg.Retry.do(ctx, "kv.scan", func() error {
		rels = rels[:0]
		return o.kv.Scan(ctx, EndpointPrefix(id), func(_ string, value []byte) error {
			rels = append(rels, string(value))
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, rid := range rels {
		if err := o.Tombstone(ctx, rid); err != nil && !errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("tombstoning relationship %s of %s: %w", rid, id, err)
		}
	}
	return nil
}

// Exists reports whether id has been stored.
func (o *Orchestrator) Exists(id string) bool {
	_, ok := o.index.kindOf(id)
	return ok
}

// Deleted reports whether id is stored and tombstoned.
func (o *Orchestrator) Deleted(id string) (bool, error) {
	e, ok := o.index.get(id)
	if !ok {
		return false, models.NewNotFoundError("record", id)
	}
	return e.deleted, nil
}

// GetLineage returns id and every record upstream of it, raw data first.
func (o *Orchestrator) GetLineage(ctx context.Context, id string) ([]lineage.LineageNode, error) {
	return o.lineage.GetLineage(ctx, id)
}

func (o *Orchestrator) Lineage() *lineage.Service { return o.lineage }

// Subscribe registers cb for a record key ({type}:{id}), a type wildcard
// ({type}:*) or "*". The returned function cancels the subscription.
func (o *Orchestrator) Subscribe(key string, cb Callback) (cancel func()) {
	o.subsMu.Lock()
	o.nextSub++
	id := o.nextSub
	if o.subs[key] == nil {
		o.subs[key] = make(map[uint64]Callback)
	}
	o.subs[key][id] = cb
	o.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.subsMu.Lock()
			defer o.subsMu.Unlock()
			delete(o.subs[key], id)
			if len(o.subs[key]) == 0 {
				delete(o.subs, key)
			}
		})
	}
}

func (o *Orchestrator) notify(rec models.Record, encoded []byte) {
	keys := []string{RecordKey(rec.Kind(), rec.RecordID()), string(rec.Kind()) + ":*", "*"}

	o.subsMu.RLock()
	var callbacks []Callback
	for _, k := range keys {
		for _, cb := range o.subs[k] {
			callbacks = append(callbacks, cb)
		}
	}
	o.subsMu.RUnlock()

	for _, cb := range callbacks {
		cp, err := models.Decode(encoded)
		if err != nil {
			o.logger.Error("decoding record for subscriber", "id", rec.RecordID(), "error", err)
			return
		}
		cb(cp)
	}
}

// Len is the number of indexed records, tombstones included.
func (o *Orchestrator) Len() int { return o.index.len() }

// Close closes the KV tier.
func (o *Orchestrator) Close() error {
	return o.kv.Close()
}
