package anchor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/intelengine/internal/kv"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestContentHash_KeyOrderIndependent(t *testing.T) {
	a, err := ContentHash(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	b, err := ContentHash(json.RawMessage(`{"a":"x","b":1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, a)
}

func TestLedger_AnchorAndVerify(t *testing.T) {
	ctx := context.Background()
	l, err := NewLedger(ctx, WithClock(fixedClock()))
	require.NoError(t, err)

	r1, err := l.Anchor(ctx, "sha256:aaaa")
	require.NoError(t, err)
	r2, err := l.Anchor(ctx, "sha256:bbbb")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), r1.Sequence)
	assert.Equal(t, genesis, r1.PrevHash)
	assert.Equal(t, r1.EntryHash, r2.PrevHash)
	assert.Equal(t, r2.EntryHash, l.Head())
	assert.NoError(t, l.Verify())

	e, ok := l.Lookup("sha256:bbbb")
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.Sequence)

	_, err = l.Anchor(ctx, "md5:abc")
	assert.Error(t, err)
}

func TestLedger_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	l, err := NewLedger(ctx, WithClock(fixedClock()))
	require.NoError(t, err)
	for _, h := range []string{"sha256:01", "sha256:02", "sha256:03"} {
		_, err := l.Anchor(ctx, h)
		require.NoError(t, err)
	}

	l.entries[1].ContentHash = "sha256:ff"
	assert.ErrorContains(t, l.Verify(), "entry 2 hash mismatch")
}

func TestLedger_Persistence(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	l, err := NewLedger(ctx, WithStore(store), WithClock(fixedClock()))
	require.NoError(t, err)
	for _, h := range []string{"sha256:01", "sha256:02"} {
		_, err := l.Anchor(ctx, h)
		require.NoError(t, err)
	}

	reopened, err := NewLedger(ctx, WithStore(store))
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Len())
	assert.Equal(t, l.Head(), reopened.Head())

	raw, err := store.Get(ctx, entryKey(1))
	require.NoError(t, err)
	var e Entry
	require.NoError(t, json.Unmarshal(raw, &e))
	e.PrevHash = "forged"
	forged, _ := json.Marshal(e)
	require.NoError(t, store.Put(ctx, entryKey(1), forged))

	_, err = NewLedger(ctx, WithStore(store))
	assert.ErrorContains(t, err, "chain broken")
}
