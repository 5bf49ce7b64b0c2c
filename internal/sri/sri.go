// Package sri implements the Shard Read Iterator: the data-shard-local
// streaming KV read engine. An Iterator owns one
// readId's worth of state (quota, cursor, optimistic lock) and is driven by
// explicit Start/Produce/Ack/Cancel/Notify* calls rather than by an
// internal goroutine, so callers and tests can script the exact
// ACK-driven paging sequence a client produces.
package sri

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ridgedb/ridge/internal/statuscode"
	"github.com/ridgedb/ridge/internal/storage"
	"github.com/ridgedb/ridge/internal/telemetry"
)

// ResultFormat selects how rows are encoded in outgoing chunks.
type ResultFormat int

const (
	CellVec ResultFormat = iota
	Arrow
)

// Lifecycle is the iterator's state machine: Executing while it may still
// produce chunks unprompted, Exhausted once either quota bound hits zero
// and it is waiting for a ReadAck, and Terminated once it has sent its
// final chunk or was cancelled.
type Lifecycle int

const (
	Executing Lifecycle = iota
	Exhausted
	Terminated
)

// Quota tracks the remaining row/byte budget for outgoing chunks.
type Quota struct {
	Rows  uint64
	Bytes uint64
}

// Lock mirrors the wire Lock type
type Lock struct {
	LockTxID   uint64
	Generation uint64
	Counter    uint64
}

// Request is the decoded form of the wire `Read` message.
type Request struct {
	ReadID                uint64
	TableID               uint64
	ExpectedSchemaVersion uint64
	IsSysview             bool
	Columns               []uint32
	Snapshot              *storage.Version // nil means HEAD
	Format                ResultFormat
	Reverse               bool
	MaxRows               uint64
	MaxBytes              uint64
	MaxRowsInResult       uint64
	LockTxID              *uint64
	Points                []storage.Key
	Ranges                []storage.KeyRange
}

// ArrowRecordBatch is a minimal stand-in for an Arrow RecordBatch: the
// projected column ids (the schema, in request order) and the row data.
// Encoding to the real Arrow IPC wire format is delegated to the transport
// layer; the iterator's job ends at producing ordered, typed rows.
type ArrowRecordBatch struct {
	Columns []uint32
	Rows    [][]storage.Cell
}

// Chunk is the decoded form of the wire `ReadResult` message.
type Chunk struct {
	ReadID        uint64
	SeqNo         uint64
	Finished      bool
	LimitReached  bool
	RowsCount     int
	Cells         [][]storage.Cell
	Arrow         *ArrowRecordBatch
	TxLocks       []Lock
	BrokenTxLocks []Lock
	Code          statuscode.Code
	Issues        []statuscode.Issue
}

func errorChunk(readID, seqNo uint64, classified *statuscode.Classified) Chunk {
	return Chunk{ReadID: readID, SeqNo: seqNo, Finished: true, Code: classified.Code, Issues: classified.Issues}
}

// Iterator is the per-readId state machine. All methods must be called
// under the caller's own serialization (one shard handles one message at
// a time); Iterator does not lock internally beyond what's needed to let
// Cancel race safely with a concurrent Produce.
type Iterator struct {
	mu      sync.Mutex
	table   *storage.MVCCTable
	req     Request
	metrics *telemetry.SRIMetrics
	log     *zap.Logger

	ranges []storage.KeyRange
	rows   []storage.ReadResult
	cursor int

	lifecycle     Lifecycle
	seqNo         uint64
	lastAckSeqNo  uint64
	quota         Quota
	pendingScheme bool
	stop          chan struct{}
	stopOnce      sync.Once

	effectiveSnapshot storage.Version
}

// New validates req against table's schema and constructs an Iterator.
// Validation failures are returned as *statuscode.Classified so callers
// can reply without further mapping.
func New(table *storage.MVCCTable, req Request, metrics *telemetry.SRIMetrics, log *zap.Logger) (*Iterator, *statuscode.Classified) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(req.Columns) == 0 {
		return nil, statuscode.Classify(statuscode.KindBadRequest, nil)
	}
	schema := table.Schema()
	for _, col := range req.Columns {
		if _, ok := schema.Columns[col]; !ok {
			return nil, statuscode.Classify(statuscode.KindSchemeMismatch, nil)
		}
	}
	if req.ExpectedSchemaVersion != 0 && req.ExpectedSchemaVersion != schema.Version {
		return nil, statuscode.Classify(statuscode.KindSchemeMismatch, nil)
	}
	if req.IsSysview && req.Format == Arrow {
		return nil, statuscode.Classify(statuscode.KindBadRequest, nil)
	}

	ranges := buildRanges(len(schema.KeyColumns), req.Points, req.Ranges)

	it := &Iterator{
		table:   table,
		req:     req,
		metrics: metrics,
		log:     log,
		ranges:  ranges,
		quota:   Quota{Rows: req.MaxRows, Bytes: req.MaxBytes},
		stop:    make(chan struct{}),
	}
	if metrics != nil {
		metrics.ActiveIterators.Inc()
	}
	return it, nil
}

// buildRanges turns the wire request's Points/Ranges union into a flat list
// of KeyRange, applying the point-as-prefix rule: a point
// of full PK arity is a single-key inclusive range; a shorter prefix reads
// [prefix, prefix⁺).
func buildRanges(pkArity int, points []storage.Key, ranges []storage.KeyRange) []storage.KeyRange {
	out := make([]storage.KeyRange, 0, len(points)+len(ranges))
	for _, p := range points {
		if len(p) >= pkArity {
			out = append(out, storage.KeyRange{From: p, To: p, FromIncl: true, ToIncl: true})
			continue
		}
		out = append(out, storage.KeyRange{From: p, To: p.UpperBound(), FromIncl: true, ToIncl: false})
	}
	out = append(out, ranges...)
	return out
}

// Start materializes the requested ranges at the requested snapshot,
// blocking on a future snapshot's mediator crossing and
// acquiring the optimistic lock, if any, before the first chunk is
// produced. It must be called exactly once before Produce.
func (it *Iterator) Start() *statuscode.Classified {
	version := storage.Version{Head: true}
	if it.req.Snapshot != nil {
		version = *it.req.Snapshot
	}

	var all []storage.ReadResult
	for _, rng := range it.ranges {
		rows, err := it.table.Scan(version, rng, it.req.Reverse, it.stop)
		if err != nil {
			switch err {
			case storage.ErrFollowerHead:
				return statuscode.Classify(statuscode.KindBadRequest, err, statuscode.Issue{SubCode: "UNSUPPORTED"})
			case storage.ErrFollowerSnapshot:
				return statuscode.Classify(statuscode.KindBadRequest, err, statuscode.Issue{SubCode: "NOT_FOUND"})
			default:
				return statuscode.Classify(statuscode.KindUnexpected, err)
			}
		}
		all = append(all, rows...)
	}
	it.rows = all
	it.effectiveSnapshot = version

	if it.req.LockTxID != nil {
		for _, rng := range it.ranges {
			it.table.AcquireLock(*it.req.LockTxID, version, rng)
		}
	}
	return nil
}

// Produce returns the next outgoing chunk, consuming quota and advancing
// the cursor. It returns ok=false once the iterator has already sent its
// final chunk (no more chunks will ever be produced for this readId).
func (it *Iterator) Produce() (Chunk, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.lifecycle == Terminated {
		return Chunk{}, false
	}
	select {
	case <-it.stop:
		it.lifecycle = Terminated
		return Chunk{}, false
	default:
	}

	if it.pendingScheme {
		it.lifecycle = Terminated
		it.seqNo++
		return errorChunk(it.req.ReadID, it.seqNo, statuscode.Classify(statuscode.KindSchemeMismatch, nil)), true
	}

	maxRowsInResult := it.req.MaxRowsInResult
	if maxRowsInResult == 0 {
		maxRowsInResult = uint64(len(it.rows)) + 1
	}

	var cells [][]storage.Cell
	var rowsCount int
	var bytesUsed uint64
	for it.cursor < len(it.rows) && uint64(rowsCount) < maxRowsInResult {
		if it.quota.Rows == 0 || it.quota.Bytes == 0 {
			break
		}
		row := it.rows[it.cursor]
		projected, size := project(row.Row, it.req.Columns)
		if uint64(size) > it.quota.Bytes && rowsCount > 0 {
			break
		}
		cells = append(cells, projected)
		it.cursor++
		rowsCount++
		bytesUsed += uint64(size)
		it.quota.Rows--
		if uint64(size) >= it.quota.Bytes {
			it.quota.Bytes = 0
		} else {
			it.quota.Bytes -= uint64(size)
		}
	}

	it.seqNo++
	finished := it.cursor >= len(it.rows)
	limitReached := !finished && (it.quota.Rows == 0 || it.quota.Bytes == 0)

	if it.metrics != nil {
		it.metrics.RowsServed.Add(float64(rowsCount))
		it.metrics.BytesServed.Add(float64(bytesUsed))
	}

	chunk := Chunk{
		ReadID:       it.req.ReadID,
		SeqNo:        it.seqNo,
		Finished:     finished,
		LimitReached: limitReached,
		RowsCount:    rowsCount,
		Code:         statuscode.Success,
	}
	if it.req.Format == Arrow {
		chunk.Arrow = &ArrowRecordBatch{Columns: it.req.Columns, Rows: cells}
	} else {
		chunk.Cells = cells
	}
	if it.req.LockTxID != nil {
		broken, gen, counter, ok := it.table.LockStatus(*it.req.LockTxID)
		if ok {
			l := Lock{LockTxID: *it.req.LockTxID, Generation: gen, Counter: counter}
			if broken {
				chunk.BrokenTxLocks = []Lock{l}
				if it.metrics != nil {
					it.metrics.LockBreaks.Inc()
				}
			} else {
				chunk.TxLocks = []Lock{l}
			}
		}
	}

	if finished {
		it.lifecycle = Terminated
		if it.metrics != nil {
			it.metrics.ActiveIterators.Dec()
		}
	} else if limitReached {
		it.lifecycle = Exhausted
		if it.metrics != nil {
			it.metrics.QuotaExhausted.Inc()
		}
	}
	return chunk, true
}

// project extracts and orders the requested columns from row, returning
// the cells and a rough byte-size estimate used for quota accounting.
func project(row storage.Row, columns []uint32) ([]storage.Cell, int) {
	out := make([]storage.Cell, len(columns))
	size := 0
	for i, col := range columns {
		c := row[col]
		out[i] = c
		size += len(c.Bytes)
	}
	return out, size
}

// Ack applies a client ReadAck, per the flow-control rules:
// stale (seqNo < lastAckSeqNo) and premature (seqNo > latest sent) acks are
// ignored; a valid ack restores quota to exactly the ack's bounds and
// re-enters Executing. If a schema change arrived while Exhausted, the ack
// instead triggers the deferred SCHEME_ERROR reply.
func (it *Iterator) Ack(seqNo, maxRows, maxBytes uint64) (Chunk, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.lifecycle == Terminated {
		return Chunk{}, false
	}
	if seqNo < it.lastAckSeqNo || seqNo > it.seqNo {
		return Chunk{}, false
	}
	it.lastAckSeqNo = seqNo

	if it.pendingScheme {
		it.lifecycle = Terminated
		if it.metrics != nil {
			it.metrics.ActiveIterators.Dec()
		}
		it.seqNo++
		return errorChunk(it.req.ReadID, it.seqNo, statuscode.Classify(statuscode.KindSchemeMismatch, nil)), true
	}

	it.quota = Quota{Rows: maxRows, Bytes: maxBytes}
	it.lifecycle = Executing
	return Chunk{}, false
}

// NotifySchemaChange records a schema change: if a chunk is mid-flight the SCHEME_ERROR reply is deferred to the next
// Produce call (simulating "wait for the in-flight chunk to drain"); if the
// iterator is already Exhausted, it is deferred to the next Ack.
func (it *Iterator) NotifySchemaChange() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.lifecycle == Terminated {
		return
	}
	it.pendingScheme = true
}

// NotifySplit handles a shard split: the iterator is terminated
// immediately with OVERLOADED, regardless of its current lifecycle state.
func (it *Iterator) NotifySplit() Chunk {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.lifecycle = Terminated
	if it.metrics != nil {
		it.metrics.ActiveIterators.Dec()
	}
	it.seqNo++
	return errorChunk(it.req.ReadID, it.seqNo, statuscode.Classify(statuscode.KindTransientOverload, nil))
}

// Cancel stops the iterator silently: no further chunks are produced and
// no reply is sent, matching both the explicit ReadCancel path and the
// client-disconnect path.
func (it *Iterator) Cancel() {
	it.stopOnce.Do(func() { close(it.stop) })
	it.mu.Lock()
	if it.lifecycle != Terminated && it.metrics != nil {
		it.metrics.ActiveIterators.Dec()
	}
	it.lifecycle = Terminated
	it.mu.Unlock()
}

func (it *Iterator) State() Lifecycle {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.lifecycle
}
