package shard

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ridgedb/ridge/internal/sri"
	"github.com/ridgedb/ridge/internal/storage"
)

// TestShardMirrorsWritesIntoMVCCTable verifies that Put/Delete through the
// plain Shard surface are observable by a Shard Read Iterator opened
// against the shard's Table, exercising the bridge between the flat
// string-keyed Store and the versioned MVCC table.
func TestShardMirrorsWritesIntoMVCCTable(t *testing.T) {
	s := NewShard(0, true)
	require.NoError(t, s.Put("user:1", []byte("alice")))
	require.NoError(t, s.Put("user:2", []byte("bob")))

	it, classified := sri.New(s.Table, sri.Request{
		ReadID:   1,
		Columns:  []uint32{KeyColumnID, ValueColumnID},
		MaxRows:  100,
		MaxBytes: 1 << 20,
		Points:   []storage.Key{mvccKey("user:1")},
	}, nil, nil)
	require.Nil(t, classified)
	require.Nil(t, it.Start())

	chunk, ok := it.Produce()
	require.True(t, ok)
	require.True(t, chunk.Finished)
	require.Equal(t, 1, chunk.RowsCount)
	require.Equal(t, []byte("alice"), chunk.Cells[0][1].Bytes)
}

// TestShardDeleteMirrorsAsTombstone verifies a Delete removes the row from
// subsequent MVCC reads even though the legacy Store.Delete is idempotent.
func TestShardDeleteMirrorsAsTombstone(t *testing.T) {
	s := NewShard(0, true)
	require.NoError(t, s.Put("k", []byte("v")))
	require.NoError(t, s.Delete("k"))

	it, classified := sri.New(s.Table, sri.Request{
		ReadID:  2,
		Columns: []uint32{KeyColumnID, ValueColumnID},
		Points:  []storage.Key{mvccKey("k")},
	}, nil, nil)
	require.Nil(t, classified)
	require.Nil(t, it.Start())

	chunk, ok := it.Produce()
	require.True(t, ok)
	require.True(t, chunk.Finished)
	require.Equal(t, 0, chunk.RowsCount)
}

// TestShardFollowerRejectsHeadRead verifies a non-primary shard's table is
// marked a follower and rejects HEAD reads.
func TestShardFollowerRejectsHeadRead(t *testing.T) {
	s := NewShard(0, false)
	require.NoError(t, s.Store.Put("k", []byte("v")))
	s.mirrorWrite("k", []byte("v"))

	it, classified := sri.New(s.Table, sri.Request{
		ReadID:  3,
		Columns: []uint32{KeyColumnID, ValueColumnID},
		Points:  []storage.Key{mvccKey("k")},
	}, nil, nil)
	require.Nil(t, classified)
	require.NotNil(t, it.Start())
}
