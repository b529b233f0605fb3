// Package anchor records content hashes of finished reports in an
// append-only, hash-chained ledger.
package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

const genesis = "genesis"

// Receipt proves a content hash was appended to the ledger at Sequence.
type Receipt struct {
	Sequence    uint64    `json:"sequence"`
	ContentHash string    `json:"content_hash"`
	EntryHash   string    `json:"entry_hash"`
	PrevHash    string    `json:"prev_hash"`
	AnchoredAt  time.Time `json:"anchored_at"`
}

func (r Receipt) String() string {
	return fmt.Sprintf("ledger:%d:%s", r.Sequence, r.EntryHash)
}

// Anchorer is the hash-anchoring collaborator. Callers treat its failures as
// non-fatal.
type Anchorer interface {
	Anchor(ctx context.Context, contentHash string) (Receipt, error)
}

// ContentHash returns "sha256:" + hex digest of the RFC 8785 canonical JSON
// form of v.
func ContentHash(v any) (string, error) {
	canonical, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Canonical marshals v and transforms it to canonical JSON.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform: %w", err)
	}
	return out, nil
}
