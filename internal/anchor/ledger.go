package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/qualys/intelengine/internal/kv"
)

const keyPrefix = "anchor:"

// Entry is one link of the chain.
type Entry struct {
	Sequence    uint64    `json:"sequence"`
	ContentHash string    `json:"content_hash"`
	PrevHash    string    `json:"prev_hash"`
	EntryHash   string    `json:"entry_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

type chainInput struct {
	Seq         uint64 `json:"seq"`
	ContentHash string `json:"content_hash"`
	Prev        string `json:"prev"`
	Timestamp   string `json:"ts"`
}

func entryHash(seq uint64, contentHash, prev string, ts time.Time) (string, error) {
	return ContentHash(chainInput{
		Seq:         seq,
		ContentHash: contentHash,
		Prev:        prev,
		Timestamp:   ts.UTC().Format(time.RFC3339Nano),
	})
}

// Ledger is an Anchorer that keeps the chain in memory and, when given a KV
// store, persists every entry under anchor:{sequence}.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	head    string
	store   kv.Store
	clock   func() time.Time
	logger  *slog.Logger
}

type Option func(*Ledger)

func WithStore(s kv.Store) Option { return func(l *Ledger) { l.store = s } }

func WithClock(clock func() time.Time) Option { return func(l *Ledger) { l.clock = clock } }

func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// NewLedger loads any persisted entries and verifies the chain before
// accepting new anchors.
func NewLedger(ctx context.Context, opts ...Option) (*Ledger, error) {
	l := &Ledger{head: genesis, clock: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		return l, nil
	}

	err := l.store.Scan(ctx, keyPrefix, func(key string, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decoding %s: %w", key, err)
		}
		l.entries = append(l.entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading anchor ledger: %w", err)
	}
	if n := len(l.entries); n > 0 {
		l.head = l.entries[n-1].EntryHash
	}
	if err := l.Verify(); err != nil {
		return nil, err
	}
	l.logger.Info("anchor ledger loaded", "entries", len(l.entries), "head", l.head)
	return l, nil
}

func (l *Ledger) Anchor(ctx context.Context, contentHash string) (Receipt, error) {
	if !strings.HasPrefix(contentHash, "sha256:") {
		return Receipt{}, fmt.Errorf("anchor: unsupported content hash %q", contentHash)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	ts := l.clock().UTC()
	h, err := entryHash(seq, contentHash, l.head, ts)
	if err != nil {
		return Receipt{}, err
	}
	e := Entry{Sequence: seq, ContentHash: contentHash, PrevHash: l.head, EntryHash: h, Timestamp: ts}

	if l.store != nil {
		data, err := json.Marshal(e)
		if err != nil {
			return Receipt{}, err
		}
		if err := l.store.Put(ctx, entryKey(seq), data); err != nil {
			return Receipt{}, fmt.Errorf("persisting anchor %d: %w", seq, err)
		}
	}

	l.entries = append(l.entries, e)
	l.head = h
	return Receipt{Sequence: seq, ContentHash: contentHash, EntryHash: h, PrevHash: e.PrevHash, AnchoredAt: ts}, nil
}

// entryKey zero-pads the sequence so key order is chain order.
func entryKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", keyPrefix, seq)
}

// Verify recomputes every link of the chain.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := genesis
	for i, e := range l.entries {
		if e.Sequence != uint64(i)+1 {
			return fmt.Errorf("anchor ledger: entry %d has sequence %d", i+1, e.Sequence)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("anchor ledger: chain broken at entry %d: expected prev %s, got %s", e.Sequence, prev, e.PrevHash)
		}
		h, err := entryHash(e.Sequence, e.ContentHash, e.PrevHash, e.Timestamp)
		if err != nil {
			return err
		}
		if h != e.EntryHash {
			return fmt.Errorf("anchor ledger: entry %d hash mismatch", e.Sequence)
		}
		prev = e.EntryHash
	}
	return nil
}

// Lookup returns the first entry anchoring contentHash.
func (l *Ledger) Lookup(contentHash string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.ContentHash == contentHash {
			return e, true
		}
	}
	return Entry{}, false
}

func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
