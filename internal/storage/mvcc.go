package storage

import (
	"bytes"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Cell is a typed value in a row or key: a type identifier plus an
// order-preserving encoding of the value. Callers are responsible for encoding values so that
// byte-lexicographic comparison of Bytes matches the type's natural order
// (e.g. big-endian for integers) -- the same requirement real key encoders
// in this domain impose.
type Cell struct {
	TypeID uint32
	Bytes  []byte
}

// CompareCells orders two cells of the same declared type.
func CompareCells(a, b Cell) int {
	return bytes.Compare(a.Bytes, b.Bytes)
}

// Key is an ordered tuple of cells, one per key column, in table PK order.
type Key []Cell

// Compare orders two keys lexicographically by cell, treating a shorter
// key as a prefix match: it compares equal to any longer key sharing its
// prefix cells, for exactly the length it defines. This is what makes a
// shortened key select every row under its prefix.
func (k Key) Compare(other Key) int {
	n := len(k)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if c := CompareCells(k[i], other[i]); c != 0 {
			return c
		}
	}
	return 0
}

// clone returns a deep copy safe to retain.
func (k Key) clone() Key {
	out := make(Key, len(k))
	for i, c := range k {
		b := make([]byte, len(c.Bytes))
		copy(b, c.Bytes)
		out[i] = Cell{TypeID: c.TypeID, Bytes: b}
	}
	return out
}

// encode produces a sortable, comparable string for use as a map key. The
// length-prefix keeps prefix keys from colliding with longer keys that
// happen to share a byte representation.
func (k Key) encode() string {
	var buf bytes.Buffer
	for _, c := range k {
		buf.WriteByte(byte(len(c.Bytes) >> 8))
		buf.WriteByte(byte(len(c.Bytes)))
		buf.Write(c.Bytes)
	}
	return buf.String()
}

// UpperBound returns the key obtained by incrementing the last cell's
// byte representation, turning a length-k prefix into the right-exclusive
// end of its prefix interval.
func (k Key) UpperBound() Key {
	out := k.clone()
	if len(out) == 0 {
		return out
	}
	last := &out[len(out)-1]
	b := make([]byte, len(last.Bytes))
	copy(b, last.Bytes)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xFF {
			b[i]++
			last.Bytes = b[:i+1]
			return out
		}
	}
	// All 0xFF: no representable successor with this length; append a byte
	// so the bound still strictly exceeds every key sharing the prefix.
	last.Bytes = append(b, 0x00)
	return out
}

// ColumnDef describes one column of a table schema.
type ColumnDef struct {
	ID     uint32
	Name   string
	TypeID uint32
}

// TableSchema is the subset of schema metadata the SRI needs: the key
// column order (defining sort order and point/range semantics) and the
// full column set (for projection and unknown-column rejection).
type TableSchema struct {
	Version    uint64
	KeyColumns []ColumnDef
	Columns    map[uint32]ColumnDef
}

// Row maps column id to its typed cell. A row always carries its key
// columns plus whatever non-key columns were written.
type Row map[uint32]Cell

func (r Row) clone() Row {
	out := make(Row, len(r))
	for id, c := range r {
		b := make([]byte, len(c.Bytes))
		copy(b, c.Bytes)
		out[id] = Cell{TypeID: c.TypeID, Bytes: b}
	}
	return out
}

// Version identifies an MVCC point in time: a global step plus the id of
// the transaction that committed at that step, or the HEAD sentinel
// (Head == true) meaning "latest committed, untied to any particular step".
type Version struct {
	Head bool
	Step uint64
	TxID uint64
}

// ErrFollowerHead is returned when a HEAD read targets a follower replica;
// followers do not carry live MVCC state.
var ErrFollowerHead = errors.New("HEAD reads are not served from followers")

// ErrFollowerSnapshot is returned when a snapshot read targets a follower
// replica; followers do not carry an MVCC log.
var ErrFollowerSnapshot = errors.New("snapshot reads are not served from followers")

type versionEntry struct {
	step    uint64
	txID    uint64
	row     Row // nil if deleted
	deleted bool
}

// MVCCTable is the shard-local, versioned key-value table the SRI reads
// from. It tracks, per key, the full chain of committed versions; a
// mediator step used to gate future-snapshot reads; in-flight (proposed but
// not yet committed) writer ranges, used to decide whether a HEAD read must
// restart at a committed version; and optimistic lock state.
//
// MVCCTable is intentionally separate from the plain Store/MemoryStore
// interface: shard membership bookkeeping has no need for versioning, and
// giving the SRI its own narrower surface keeps the two concerns from
// leaking into each other.
type MVCCTable struct {
	mu           sync.RWMutex
	schema       TableSchema
	rows         map[string]*rowChain
	mediatorStep uint64
	mediatorCond *sync.Cond
	inFlight     map[string]Version // encoded key -> in-flight writer version
	locks        map[uint64]*lockState
	isFollower   bool
}

type rowChain struct {
	key      Key
	versions []versionEntry // ascending by step
}

type lockState struct {
	lockTxID   uint64
	generation uint64
	counter    uint64
	snapshot   Version
	ranges     []KeyRange
	broken     bool
}

// KeyRange is an inclusive/exclusive key interval, as read by a range query
// or covered by an optimistic lock.
type KeyRange struct {
	From, To             Key
	FromIncl, ToIncl     bool
}

func NewMVCCTable(schema TableSchema) *MVCCTable {
	t := &MVCCTable{
		schema:   schema,
		rows:     make(map[string]*rowChain),
		inFlight: make(map[string]Version),
		locks:    make(map[uint64]*lockState),
	}
	t.mediatorCond = sync.NewCond(&t.mu)
	return t
}

// SetFollower marks this table as a follower replica, enabling the
// HEAD/snapshot read restrictions.
func (t *MVCCTable) SetFollower(follower bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.isFollower = follower
}

func (t *MVCCTable) Schema() TableSchema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.schema
}

// AdvanceMediatorStep moves the table's mediator time-cast forward,
// unblocking any read iterators waiting on a future snapshot whose step has
// now been crossed.
func (t *MVCCTable) AdvanceMediatorStep(step uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if step > t.mediatorStep {
		t.mediatorStep = step
		t.mediatorCond.Broadcast()
	}
}

func (t *MVCCTable) MediatorStep() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mediatorStep
}

// WaitForStep blocks until the mediator time-cast reaches step, or the stop
// channel is closed (client disconnect / cancel). The background waiter on
// the condition variable is intentionally not interruptible once parked: a
// cancelled caller simply stops waiting on the returned done signal, and
// the waiter exits on the next AdvanceMediatorStep that reaches step. Given
// the bounded lifetime of a single read iterator this is an acceptable
// trade against the complexity of a fully interruptible condvar.
func (t *MVCCTable) WaitForStep(step uint64, stop <-chan struct{}) {
	t.mu.Lock()
	if t.mediatorStep >= step {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.mu.Lock()
		for t.mediatorStep < step {
			t.mediatorCond.Wait()
		}
		t.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-stop:
	}
}

// Put commits a write at the given version, breaking any lock whose range
// covers the key. Deleting is expressed by passing a nil row.
func (t *MVCCTable) Put(version Version, key Key, row Row) {
	t.mu.Lock()
	defer t.mu.Unlock()

	enc := key.encode()
	chain, ok := t.rows[enc]
	if !ok {
		chain = &rowChain{key: key.clone()}
		t.rows[enc] = chain
	}
	var stored Row
	if row != nil {
		stored = row.clone()
	}
	chain.versions = append(chain.versions, versionEntry{
		step: version.Step, txID: version.TxID, row: stored, deleted: row == nil,
	})
	delete(t.inFlight, enc)
	t.breakLocksCoveringLocked(key)
}

// BeginInFlightWrite records a proposed-but-uncommitted writer touching
// key, so that a concurrent HEAD read knows to restart at a committed
// version instead of potentially observing a half-applied write.
func (t *MVCCTable) BeginInFlightWrite(key Key, version Version) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[key.encode()] = version
}

func (t *MVCCTable) EndInFlightWrite(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, key.encode())
}

func withinRange(k, lo, hi Key) bool {
	if lo != nil && k.Compare(lo) < 0 {
		return false
	}
	if hi != nil && k.Compare(hi) > 0 {
		return false
	}
	return true
}

// visibleAt returns the row visible at version among chain's committed
// versions: the latest entry with step <= version.Step (ties broken by
// txID, lower first, matching the deterministic ordering DQE relies on for
// coordinator selection elsewhere). Head version means "the very latest".
func (e *rowChain) visibleAt(version Version) (Row, bool) {
	if len(e.versions) == 0 {
		return nil, false
	}
	if version.Head {
		last := e.versions[len(e.versions)-1]
		return last.row, !last.deleted
	}
	idx := sort.Search(len(e.versions), func(i int) bool {
		v := e.versions[i]
		if v.step != version.Step {
			return v.step > version.Step
		}
		return v.txID > version.TxID
	})
	if idx == 0 {
		return nil, false
	}
	v := e.versions[idx-1]
	return v.row, !v.deleted
}

// ReadResult is a single materialized row returned by a scan, keyed for
// ordering by the caller.
type ReadResult struct {
	Key Key
	Row Row
}

// Scan performs a range, point or prefix read at the given version,
// honoring reverse order and inclusivity flags. It blocks on WaitForStep
// internally when the requested version is a future step, and rejects
// both HEAD and snapshot reads on a follower replica.
func (t *MVCCTable) Scan(version Version, rng KeyRange, reverse bool, stop <-chan struct{}) ([]ReadResult, error) {
	t.mu.RLock()
	follower := t.isFollower
	mediator := t.mediatorStep
	t.mu.RUnlock()

	if follower {
		if version.Head {
			return nil, ErrFollowerHead
		}
		return nil, ErrFollowerSnapshot
	}
	if !version.Head && version.Step > mediator {
		t.WaitForStep(version.Step, stop)
	}

	effective := version
	if version.Head {
		if t.conflictsWithInFlight(rng) {
			t.mu.RLock()
			effective = Version{Step: t.mediatorStep}
			t.mu.RUnlock()
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []ReadResult
	for _, chain := range t.rows {
		if rng.From != nil {
			cmp := chain.key.Compare(rng.From)
			if cmp < 0 || (cmp == 0 && !rng.FromIncl && len(chain.key) >= len(rng.From)) {
				continue
			}
		}
		if rng.To != nil {
			cmp := chain.key.Compare(rng.To)
			if cmp > 0 || (cmp == 0 && !rng.ToIncl && len(chain.key) >= len(rng.To)) {
				continue
			}
		}
		row, visible := chain.visibleAt(effective)
		if !visible {
			continue
		}
		out = append(out, ReadResult{Key: chain.key, Row: row.clone()})
	}
	sort.Slice(out, func(i, j int) bool {
		c := out[i].Key.Compare(out[j].Key)
		if reverse {
			return c > 0
		}
		return c < 0
	})
	return out, nil
}

func (t *MVCCTable) conflictsWithInFlight(rng KeyRange) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.inFlight) == 0 {
		return false
	}
	for enc := range t.inFlight {
		for _, chain := range t.rows {
			if chain.key.encode() == enc && withinRange(chain.key, rng.From, rng.To) {
				return true
			}
		}
	}
	return false
}

// AcquireLock registers an optimistic lock covering rng for lockTxID at the
// given snapshot, returning its initial (generation, counter). Re-acquiring
// an existing lockTxID extends its covered ranges without resetting
// generation/counter.
func (t *MVCCTable) AcquireLock(lockTxID uint64, snapshot Version, rng KeyRange) (generation, counter uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ls, ok := t.locks[lockTxID]
	if !ok {
		ls = &lockState{lockTxID: lockTxID, snapshot: snapshot, generation: 1, counter: 0}
		t.locks[lockTxID] = ls
	}
	ls.ranges = append(ls.ranges, rng)
	return ls.generation, ls.counter
}

// LockStatus reports whether lockTxID is currently broken and its
// (generation, counter). ok is false if the lock is
// unknown (never acquired against this table).
func (t *MVCCTable) LockStatus(lockTxID uint64) (broken bool, generation, counter uint64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ls, found := t.locks[lockTxID]
	if !found {
		return false, 0, 0, false
	}
	return ls.broken, ls.generation, ls.counter, true
}

func (t *MVCCTable) breakLocksCoveringLocked(key Key) {
	for _, ls := range t.locks {
		if ls.broken {
			continue
		}
		for _, rng := range ls.ranges {
			if withinRange(key, rng.From, rng.To) {
				ls.broken = true
				ls.generation++
				ls.counter = 0
				break
			}
		}
	}
}
