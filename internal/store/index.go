package store

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/qualys/intelengine/internal/models"
)

// entry is the indexed summary of one stored record. Queries are answered
// from entries and only matching records are loaded.
type entry struct {
	id         string
	kind       models.ObjectType
	ts         time.Time
	confidence int
	scored     bool
	loc        *models.Location
	deleted    bool
	blobRef    string
}

func summarize(r models.Record) entry {
	e := entry{id: r.RecordID(), kind: r.Kind(), ts: r.RecordTime().UTC()}
	if s, ok := r.(models.Scored); ok {
		e.confidence, e.scored = s.Score(), true
	}
	if l, ok := r.(models.Located); ok && l.Position() != nil {
		loc := *l.Position()
		e.loc = &loc
	}
	if d, ok := r.(models.Deletable); ok {
		e.deleted = d.Deleted()
	}
	if raw, ok := r.(*models.RawData); ok {
		e.blobRef = raw.ContentRef
	}
	return e
}

type cell struct{ lat, lon int }

func cellOf(l models.Location) cell {
	return cell{lat: int(math.Floor(l.Lat)), lon: int(math.Floor(l.Lon))}
}

type timeRef struct {
	ts time.Time
	id string
}

func timeLess(a, b timeRef) bool {
	if !a.ts.Equal(b.ts) {
		return a.ts.Before(b.ts)
	}
	return a.id < b.id
}

// index keeps a sorted timeline and a one-degree lat/lon grid over all
// stored records.
type index struct {
	mu       sync.RWMutex
	byID     map[string]entry
	byKind   map[models.ObjectType]map[string]struct{}
	timeline []timeRef
	grid     map[cell]map[string]struct{}
	blobRefs map[string]int
}

func newIndex() *index {
	return &index{
		byID:     make(map[string]entry),
		byKind:   make(map[models.ObjectType]map[string]struct{}),
		grid:     make(map[cell]map[string]struct{}),
		blobRefs: make(map[string]int),
	}
}

func (ix *index) get(id string) (entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.byID[id]
	return e, ok
}

func (ix *index) kindOf(id string) (models.ObjectType, bool) {
	e, ok := ix.get(id)
	return e.kind, ok
}

// put replaces the entry for e.id and returns the previous one.
func (ix *index) put(e entry) (entry, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	prev, had := ix.byID[e.id]
	if had {
		ix.removeLocked(prev)
	}
	ix.insertLocked(e)
	return prev, had
}

func (ix *index) remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if prev, ok := ix.byID[id]; ok {
		ix.removeLocked(prev)
	}
}

func (ix *index) insertLocked(e entry) {
	ix.byID[e.id] = e
	if ix.byKind[e.kind] == nil {
		ix.byKind[e.kind] = make(map[string]struct{})
	}
	ix.byKind[e.kind][e.id] = struct{}{}

	ref := timeRef{ts: e.ts, id: e.id}
	i := sort.Search(len(ix.timeline), func(i int) bool { return !timeLess(ix.timeline[i], ref) })
	ix.timeline = append(ix.timeline, timeRef{})
	copy(ix.timeline[i+1:], ix.timeline[i:])
	ix.timeline[i] = ref

	if e.loc != nil {
		c := cellOf(*e.loc)
		if ix.grid[c] == nil {
			ix.grid[c] = make(map[string]struct{})
		}
		ix.grid[c][e.id] = struct{}{}
	}
	if e.blobRef != "" {
		ix.blobRefs[e.blobRef]++
	}
}

func (ix *index) removeLocked(e entry) {
	delete(ix.byID, e.id)
	delete(ix.byKind[e.kind], e.id)

	ref := timeRef{ts: e.ts, id: e.id}
	i := sort.Search(len(ix.timeline), func(i int) bool { return !timeLess(ix.timeline[i], ref) })
	if i < len(ix.timeline) && ix.timeline[i] == ref {
		ix.timeline = append(ix.timeline[:i], ix.timeline[i+1:]...)
	}

	if e.loc != nil {
		c := cellOf(*e.loc)
		delete(ix.grid[c], e.id)
		if len(ix.grid[c]) == 0 {
			delete(ix.grid, c)
		}
	}
	if e.blobRef != "" {
		if ix.blobRefs[e.blobRef]--; ix.blobRefs[e.blobRef] <= 0 {
			delete(ix.blobRefs, e.blobRef)
		}
	}
}

func (ix *index) blobReferenced(hash string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.blobRefs[hash] > 0
}

func (ix *index) len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

// search returns matching entries ordered by confidence desc, then time
// desc, then id. The candidate set comes from the most selective structure
// the filter allows.
func (ix *index) search(f Filter) []entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var candidates []string
	switch {
	case f.BBox != nil:
		candidates = ix.cellsLocked(*f.BBox)
	case !f.Since.IsZero() || !f.Until.IsZero():
		candidates = ix.rangeLocked(f.Since, f.Until)
	case len(f.Types) > 0:
		for _, t := range f.Types {
			for id := range ix.byKind[t] {
				candidates = append(candidates, id)
			}
		}
	default:
		for id := range ix.byID {
			candidates = append(candidates, id)
		}
	}

	types := make(map[models.ObjectType]bool, len(f.Types))
	for _, t := range f.Types {
		types[t] = true
	}

	out := make([]entry, 0, len(candidates))
	for _, id := range candidates {
		e := ix.byID[id]
		if len(types) > 0 && !types[e.kind] {
			continue
		}
		if e.deleted && !f.IncludeDeleted {
			continue
		}
		if !f.Since.IsZero() && e.ts.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.ts.After(f.Until) {
			continue
		}
		if f.MinConfidence > 0 && (!e.scored || e.confidence < f.MinConfidence) {
			continue
		}
		if f.BBox != nil && (e.loc == nil || !f.BBox.Contains(*e.loc)) {
			continue
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.confidence != b.confidence {
			return a.confidence > b.confidence
		}
		if !a.ts.Equal(b.ts) {
			return a.ts.After(b.ts)
		}
		return a.id < b.id
	})
	if f.MaxItems > 0 && len(out) > f.MaxItems {
		out = out[:f.MaxItems]
	}
	return out
}

func (ix *index) rangeLocked(since, until time.Time) []string {
	lo := 0
	if !since.IsZero() {
		lo = sort.Search(len(ix.timeline), func(i int) bool { return !ix.timeline[i].ts.Before(since) })
	}
	hi := len(ix.timeline)
	if !until.IsZero() {
		hi = sort.Search(len(ix.timeline), func(i int) bool { return ix.timeline[i].ts.After(until) })
	}
	out := make([]string, 0, max(0, hi-lo))
	for _, ref := range ix.timeline[lo:max(lo, hi)] {
		out = append(out, ref.id)
	}
	return out
}

// cellsLocked collects ids from every grid cell overlapping the box, walking
// across the antimeridian when MinLon > MaxLon.
func (ix *index) cellsLocked(b models.BoundingBox) []string {
	minLat := int(math.Floor(b.MinLat))
	maxLat := int(math.Floor(b.MaxLat))
	lonRanges := [][2]int{{int(math.Floor(b.MinLon)), int(math.Floor(b.MaxLon))}}
	if b.MinLon > b.MaxLon {
		lonRanges = [][2]int{{int(math.Floor(b.MinLon)), 180}, {-180, int(math.Floor(b.MaxLon))}}
	}

	// Walk the occupied cells when the box spans more cells than exist.
	cells := 0
	for _, r := range lonRanges {
		cells += (r[1] - r[0] + 1) * (maxLat - minLat + 1)
	}
	var out []string
	if cells > len(ix.grid) {
		for c, ids := range ix.grid {
			if c.lat < minLat || c.lat > maxLat {
				continue
			}
			for _, r := range lonRanges {
				if c.lon >= r[0] && c.lon <= r[1] {
					for id := range ids {
						out = append(out, id)
					}
					break
				}
			}
		}
		return out
	}
	for _, r := range lonRanges {
		for lat := minLat; lat <= maxLat; lat++ {
			for lon := r[0]; lon <= r[1]; lon++ {
				for id := range ix.grid[cell{lat: lat, lon: lon}] {
					out = append(out, id)
				}
			}
		}
	}
	return out
}
