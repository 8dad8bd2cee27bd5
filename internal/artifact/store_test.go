package artifact

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutIsIdempotent(t *testing.T) {
	s := NewStore()
	a, err := s.Put("load", 1, map[string]any{"rows": 3}, nil)
	require.NoError(t, err)
	b, err := s.Put("load", 1, map[string]any{"rows": 3}, nil)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.CreatedAt, b.CreatedAt)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, []string{a.ID}, s.ByStep("load"))
}

func TestStore_ArtifactsAreImmutable(t *testing.T) {
	s := NewStore()
	value := map[string]any{"rows": 3}
	a, err := s.Put("load", 1, value, nil)
	require.NoError(t, err)

	value["rows"] = 99
	a.Value["rows"] = 100

	got, ok := s.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, 3, got.Value["rows"])
}

func TestStore_UnknownParent(t *testing.T) {
	s := NewStore()
	_, err := s.Put("join", 1, map[string]any{}, []string{"missing"})
	assert.ErrorContains(t, err, "unknown parent")
}

func TestStore_Invalidate(t *testing.T) {
	s := NewStore()
	a, err := s.Put("load", 1, map[string]any{"rows": 3}, nil)
	require.NoError(t, err)
	assert.True(t, s.IsValid(a.ID))

	require.NoError(t, s.Invalidate(a.ID, "dedupe failed"))
	require.NoError(t, s.Invalidate(a.ID, "second reason"))
	assert.False(t, s.IsValid(a.ID))
	reason, ok := s.InvalidReason(a.ID)
	assert.True(t, ok)
	assert.Equal(t, "dedupe failed", reason)

	// still retrievable for audit
	_, ok = s.Get(a.ID)
	assert.True(t, ok)

	assert.Error(t, s.Invalidate("nope", "x"))
	assert.False(t, s.IsValid("nope"))
}

func TestStore_SnapshotRestore(t *testing.T) {
	s := NewStore()
	a, err := s.Put("load", 1, map[string]any{"rows": 3}, nil)
	require.NoError(t, err)
	b, err := s.Put("join", 1, map[string]any{"rows": 4}, []string{a.ID, a.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, b.Parents)
	require.NoError(t, s.Invalidate(a.ID, "bad"))

	restored := Restore(s.Snapshot())
	assert.Equal(t, 2, restored.Len())
	assert.False(t, restored.IsValid(a.ID))
	assert.True(t, restored.IsValid(b.ID))
	assert.Equal(t, []string{b.ID}, restored.ByStep("join"))
}

func TestStore_ConcurrentPut(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Put("step", 1, map[string]any{"n": i % 5}, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, s.Len())
}
