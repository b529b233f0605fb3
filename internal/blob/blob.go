// Package blob is the content-addressable tier for large RawData payloads.
// Objects are keyed by "sha256:<hex>" of their bytes, so putting the same
// payload twice is a no-op.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/qualys/intelengine/internal/models"
)

const hashPrefix = "sha256:"

var ErrNotFound = fmt.Errorf("blob: %w", models.ErrNotFound)

// Store is implemented by every blob backend.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Delete(ctx context.Context, hash string) error
}

// Hash returns the content address of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

// objectName maps a content hash onto a flat object key with a two
// character fan-out directory.
func objectName(hash string) (string, error) {
	hexPart, ok := strings.CutPrefix(hash, hashPrefix)
	if !ok || len(hexPart) != sha256.Size*2 {
		return "", models.NewValidationError("malformed content hash %q", hash)
	}
	return "sha256/" + hexPart[:2] + "/" + hexPart, nil
}

// verify rejects a payload whose bytes no longer match its address.
func verify(hash string, data []byte) error {
	if got := Hash(data); got != hash {
		return fmt.Errorf("blob %s: content hash mismatch (got %s)", hash, got)
	}
	return nil
}
