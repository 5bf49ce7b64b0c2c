package sri

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ridgedb/ridge/internal/storage"
)

func u32(v uint32) storage.Cell { return storage.Cell{TypeID: 1, Bytes: encodeU32(v)} }

func encodeU32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func key3(a, b, c uint32) storage.Key { return storage.Key{u32(a), u32(b), u32(c)} }

func newTestTable(t *testing.T) *storage.MVCCTable {
	t.Helper()
	schema := storage.TableSchema{
		Version: 1,
		KeyColumns: []storage.ColumnDef{
			{ID: 1, Name: "a", TypeID: 1},
			{ID: 2, Name: "b", TypeID: 1},
			{ID: 3, Name: "c", TypeID: 1},
		},
		Columns: map[uint32]storage.ColumnDef{
			1: {ID: 1, Name: "a", TypeID: 1},
			2: {ID: 2, Name: "b", TypeID: 1},
			3: {ID: 3, Name: "c", TypeID: 1},
			4: {ID: 4, Name: "value", TypeID: 1},
		},
	}
	tbl := storage.NewMVCCTable(schema)
	rows := []struct {
		k        storage.Key
		v        uint32
	}{
		{key3(1, 1, 1), 100},
		{key3(3, 3, 3), 300},
		{key3(5, 5, 5), 500},
	}
	for _, r := range rows {
		row := storage.Row{1: r.k[0], 2: r.k[1], 3: r.k[2], 4: u32(r.v)}
		tbl.Put(storage.Version{Step: 1, TxID: 1}, r.k, row)
	}
	return tbl
}

// Point reads, CellVec: one request with three full-arity points, each
// read as a single-key range; all three rows arrive in one finished chunk.
func TestPointReadsCellVec(t *testing.T) {
	tbl := newTestTable(t)
	req := Request{
		ReadID:  1,
		Columns: []uint32{4},
		Format:  CellVec,
		MaxRows: 100, MaxBytes: 1 << 20,
		Points: []storage.Key{key3(3, 3, 3), key3(1, 1, 1), key3(5, 5, 5)},
	}
	it, classErr := New(tbl, req, nil, nil)
	require.Nil(t, classErr)
	require.Nil(t, it.Start())

	chunk, ok := it.Produce()
	require.True(t, ok)
	require.True(t, chunk.Finished)
	require.Equal(t, uint64(1), chunk.SeqNo)
	require.Len(t, chunk.Cells, 3)
}

// Paged range read with ACK-driven continuation.
func TestPagedRangeWithAck(t *testing.T) {
	tbl := newTestTable(t)
	req := Request{
		ReadID:  1,
		Columns: []uint32{4},
		Format:  CellVec,
		MaxRows: 1, MaxBytes: 1 << 20,
		MaxRowsInResult: 1,
		Ranges: []storage.KeyRange{{
			From: key3(1, 1, 1), To: key3(5, 5, 5), FromIncl: true, ToIncl: true,
		}},
	}
	it, classErr := New(tbl, req, nil, nil)
	require.Nil(t, classErr)
	require.Nil(t, it.Start())

	var seqNos []uint64
	chunk, ok := it.Produce()
	require.True(t, ok)
	seqNos = append(seqNos, chunk.SeqNo)
	require.False(t, chunk.Finished)
	require.True(t, chunk.LimitReached)
	require.Equal(t, Exhausted, it.State())

	for i := 0; i < 2; i++ {
		replay, acked := it.Ack(chunk.SeqNo, 1, 1<<20)
		require.False(t, acked)
		_ = replay
		chunk, ok = it.Produce()
		require.True(t, ok)
		seqNos = append(seqNos, chunk.SeqNo)
	}
	require.True(t, chunk.Finished)
	require.Len(t, seqNos, 3)
	for i := 1; i < len(seqNos); i++ {
		require.Greater(t, seqNos[i], seqNos[i-1])
	}
}

// Range scan with a split arriving mid-iteration.
func TestSplitTerminatesWithOverloaded(t *testing.T) {
	tbl := newTestTable(t)
	req := Request{
		ReadID: 1, Columns: []uint32{4}, Format: CellVec,
		MaxRows: 1, MaxBytes: 1 << 20, MaxRowsInResult: 1,
		Ranges: []storage.KeyRange{{From: key3(1, 1, 1), To: key3(5, 5, 5), FromIncl: true, ToIncl: true}},
	}
	it, classErr := New(tbl, req, nil, nil)
	require.Nil(t, classErr)
	require.Nil(t, it.Start())

	first, _ := it.Produce()
	require.False(t, first.Finished)

	second := it.NotifySplit()
	require.Equal(t, first.SeqNo+1, second.SeqNo)
	require.True(t, second.Finished)
	require.Equal(t, "OVERLOADED", string(second.Code))

	_, ok := it.Produce()
	require.False(t, ok)
}

// Schema change mid-iteration while Exhausted; the deferred
// SCHEME_ERROR fires on the next ACK, and later ACKs are dropped.
func TestSchemaChangeDeferredToNextAck(t *testing.T) {
	tbl := newTestTable(t)
	req := Request{
		ReadID: 1, Columns: []uint32{4}, Format: CellVec,
		MaxRows: 1, MaxBytes: 1 << 20, MaxRowsInResult: 1,
		Ranges: []storage.KeyRange{{From: key3(1, 1, 1), To: key3(5, 5, 5), FromIncl: true, ToIncl: true}},
	}
	it, classErr := New(tbl, req, nil, nil)
	require.Nil(t, classErr)
	require.Nil(t, it.Start())

	first, _ := it.Produce()
	require.Equal(t, Exhausted, it.State())

	it.NotifySchemaChange()

	errChunk, acked := it.Ack(first.SeqNo, 10, 1<<20)
	require.True(t, acked)
	require.Equal(t, "SCHEME_ERROR", string(errChunk.Code))
	require.Equal(t, first.SeqNo+1, errChunk.SeqNo)

	_, acked2 := it.Ack(errChunk.SeqNo, 10, 1<<20)
	require.False(t, acked2)
}

// Lock break on range insert.
func TestLockBreakOnWrite(t *testing.T) {
	tbl := newTestTable(t)
	lockTx := uint64(77)
	req := Request{
		ReadID: 1, Columns: []uint32{4}, Format: CellVec,
		MaxRows: 100, MaxBytes: 1 << 20,
		LockTxID: &lockTx,
		Ranges:   []storage.KeyRange{{From: key3(3, 3, 3), To: key3(8, 0, 1), FromIncl: true, ToIncl: true}},
	}
	it, classErr := New(tbl, req, nil, nil)
	require.Nil(t, classErr)
	require.Nil(t, it.Start())

	chunk, _ := it.Produce()
	require.Len(t, chunk.TxLocks, 1)
	require.Empty(t, chunk.BrokenTxLocks)
	origGen := chunk.TxLocks[0].Generation

	row := storage.Row{1: u32(4), 2: u32(4), 3: u32(4), 4: u32(400)}
	tbl.Put(storage.Version{Step: 2, TxID: 2}, key3(4, 4, 4), row)

	req2 := req
	req2.ReadID = 2
	it2, classErr2 := New(tbl, req2, nil, nil)
	require.Nil(t, classErr2)
	require.Nil(t, it2.Start())
	chunk2, _ := it2.Produce()
	require.Len(t, chunk2.BrokenTxLocks, 1)
	require.Greater(t, chunk2.BrokenTxLocks[0].Generation, origGen)
}

// Future snapshot wait.
func TestFutureSnapshotWaitsForMediatorCrossing(t *testing.T) {
	tbl := newTestTable(t)
	future := storage.Version{Step: 1000, TxID: ^uint64(0)}
	req := Request{
		ReadID: 1, Columns: []uint32{4}, Format: CellVec,
		MaxRows: 100, MaxBytes: 1 << 20,
		Snapshot: &future,
		Ranges:   []storage.KeyRange{{From: key3(1, 1, 1), To: key3(5, 5, 5), FromIncl: true, ToIncl: true}},
	}
	it, classErr := New(tbl, req, nil, nil)
	require.Nil(t, classErr)

	started := make(chan struct{})
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		_ = it.Start()
		close(done)
	}()

	<-started
	select {
	case <-done:
		t.Fatal("Start returned before mediator crossed the requested step")
	case <-time.After(50 * time.Millisecond):
	}

	tbl.AdvanceMediatorStep(1000)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after mediator crossed the requested step")
	}
	wg.Wait()

	chunk, ok := it.Produce()
	require.True(t, ok)
	require.Equal(t, 3, chunk.RowsCount)
}

func TestDuplicateReadIDRejected(t *testing.T) {
	tbl := newTestTable(t)
	reg := NewRegistry()
	req := Request{ReadID: 5, Columns: []uint32{4}, MaxRows: 10, MaxBytes: 1 << 20}
	it, classErr := New(tbl, req, nil, nil)
	require.Nil(t, classErr)
	require.Nil(t, reg.Open(5, it))

	it2, classErr2 := New(tbl, req, nil, nil)
	require.Nil(t, classErr2)
	err := reg.Open(5, it2)
	require.NotNil(t, err)
	require.Equal(t, "ALREADY_EXISTS", string(err.Code))
}
