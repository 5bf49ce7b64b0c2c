package storage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetPutDelete(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get("missing")
	assert.ErrorIs(t, err, ErrNoSuchKey)

	require.NoError(t, store.Put("k", []byte("v1")))
	got, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	// Overwrite replaces, not appends.
	require.NoError(t, store.Put("k", []byte("v2")))
	got, err = store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, store.Delete("k"))
	_, err = store.Get("k")
	assert.ErrorIs(t, err, ErrNoSuchKey)

	// Deleting again is idempotent.
	assert.NoError(t, store.Delete("k"))
}

func TestMemoryStoreEmptyAndNilValues(t *testing.T) {
	store := NewMemoryStore()

	require.NoError(t, store.Put("empty", []byte{}))
	got, err := store.Get("empty")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, store.Put("nil", nil))
	got, err = store.Get("nil")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := NewMemoryStore()

	original := []byte("value")
	require.NoError(t, store.Put("k", original))

	// Mutating the slice we handed in must not change the stored value.
	original[0] = 'X'
	got, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	// Mutating the slice we got back must not change the stored value.
	got[0] = 'Y'
	again, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again)
}

func TestMemoryStoreList(t *testing.T) {
	store := NewMemoryStore()
	assert.NotNil(t, store.List())
	assert.Empty(t, store.List())

	require.NoError(t, store.Put("a", []byte("1")))
	require.NoError(t, store.Put("b", []byte("2")))
	require.NoError(t, store.Put("c", []byte("3")))

	assert.ElementsMatch(t, []string{"a", "b", "c"}, store.List())
}

func TestMemoryStoreStatsTracksOverwrites(t *testing.T) {
	store := NewMemoryStore()
	assert.Equal(t, StoreStats{}, store.Stats())

	require.NoError(t, store.Put("a", make([]byte, 100)))
	require.NoError(t, store.Put("b", make([]byte, 50)))
	assert.Equal(t, StoreStats{Keys: 2, Bytes: 150}, store.Stats())

	// Overwriting must account for the replaced value, not add to it.
	require.NoError(t, store.Put("a", make([]byte, 10)))
	assert.Equal(t, StoreStats{Keys: 2, Bytes: 60}, store.Stats())

	require.NoError(t, store.Delete("b"))
	assert.Equal(t, StoreStats{Keys: 1, Bytes: 10}, store.Stats())
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	const workers = 8
	const opsPerWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < opsPerWorker; i++ {
				key := fmt.Sprintf("w%d-k%d", w, i%10)
				switch i % 4 {
				case 0:
					_ = store.Put(key, []byte(key))
				case 1:
					_, _ = store.Get(key)
				case 2:
					_ = store.Delete(key)
				default:
					_ = store.Stats()
				}
			}
		}(w)
	}
	wg.Wait()

	// Totals must still be internally consistent after the churn.
	stats := store.Stats()
	assert.Equal(t, len(store.List()), stats.Keys)
}
