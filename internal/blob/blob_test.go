package blob

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/intelengine/internal/models"
)

func TestHash(t *testing.T) {
	// sha256 of the empty string
	assert.Equal(t, "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Hash(nil))
	assert.NotEqual(t, Hash([]byte("a")), Hash([]byte("b")))
}

func TestObjectName(t *testing.T) {
	hash := Hash([]byte("payload"))
	name, err := objectName(hash)
	require.NoError(t, err)
	hexPart := strings.TrimPrefix(hash, "sha256:")
	assert.Equal(t, "sha256/"+hexPart[:2]+"/"+hexPart, name)

	for _, bad := range []string{"", "md5:abc", "sha256:short", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"} {
		_, err := objectName(bad)
		assert.ErrorIs(t, err, models.ErrValidation, bad)
	}
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	h1, err := m.Put(ctx, []byte("large payload"))
	require.NoError(t, err)
	h2, err := m.Put(ctx, []byte("large payload"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, m.Len())

	got, err := m.Get(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, []byte("large payload"), got)

	got[0] = 'X'
	again, err := m.Get(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, byte('l'), again[0], "returned bytes are a copy")

	require.NoError(t, m.Delete(ctx, h1))
	_, err = m.Get(ctx, h1)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestVerify(t *testing.T) {
	data := []byte("payload")
	assert.NoError(t, verify(Hash(data), data))
	assert.Error(t, verify(Hash(data), []byte("tampered")))
}
