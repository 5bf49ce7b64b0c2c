// Package shard implements the data partition a Ridge node hosts. See
// doc.go for the package overview.
package shard

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ridgedb/ridge/internal/sri"
	"github.com/ridgedb/ridge/internal/storage"
)

// ShardState is the shard's operational mode. Transitions are coordinated
// with the cluster control plane: a shard being moved goes Active →
// Migrating → Active (on the new node) or → Deleted (on the old one).
type ShardState string

const (
	// ShardStateActive accepts all reads and writes.
	ShardStateActive ShardState = "active"

	// ShardStateMigrating keeps serving reads while its data moves to
	// another node; live streaming readers are terminated with an
	// overload status so clients re-target the new placement.
	ShardStateMigrating ShardState = "migrating"

	// ShardStateDeleted rejects everything and awaits cleanup.
	ShardStateDeleted ShardState = "deleted"
)

// Shard is one partition of the key space: a flat store for the plain
// get/put/delete API, a versioned MVCC table feeding the streaming read
// engine, and the registry of that engine's live iterators.
//
// The flat store and the MVCC table hold the same logical data. Every
// write through Put/Delete lands in both: the store keeps only the latest
// value, the table keeps the version chain a snapshot reader needs. They
// stay separate because most callers (membership bookkeeping, the admin
// API) want the simple surface and would pay for version chains they
// never read.
type Shard struct {
	// Store holds the latest value per key. All plain data operations
	// delegate here.
	Store storage.Store

	// Stats counts operations atomically; read it through GetStats for a
	// consistent snapshot.
	Stats *ShardStats

	// mu protects State. Stats is atomic and Store/Table lock
	// themselves, so they need no external guard.
	mu sync.RWMutex

	// State is the current operational mode, guarded by mu.
	State ShardState

	// ID is the shard's place in the cluster key space, immutable after
	// creation.
	ID int

	// Primary is false for follower replicas. A follower's Table rejects
	// both HEAD and snapshot reads, since followers carry no MVCC log.
	Primary bool

	// Table is the versioned view the streaming read engine
	// (internal/sri) scans. Writes arrive only via mirrorWrite.
	Table *storage.MVCCTable

	// Reads tracks the live read iterators on this shard, enforcing one
	// active iterator per readId.
	Reads *sri.Registry

	// nextVersion allocates the MVCC step each local write commits at.
	// A deployment with a real transaction coordinator would stamp
	// writes with globally planned steps instead; nothing inside the
	// shard depends on steps meaning anything beyond "later than the
	// previous one".
	nextVersion uint64
}

// The MVCC table's fixed two-column schema: a single string key cell and
// a single opaque value cell, matching the flat store's data model. The
// column ids are exported because the node's wire handlers project by
// them when building result rows.
const (
	KeyColumnID   uint32 = 1
	ValueColumnID uint32 = 2

	cellTypeID uint32 = 1
)

func shardTableSchema() storage.TableSchema {
	return storage.TableSchema{
		Version: 1,
		KeyColumns: []storage.ColumnDef{
			{ID: KeyColumnID, Name: "key", TypeID: cellTypeID},
		},
		Columns: map[uint32]storage.ColumnDef{
			KeyColumnID:   {ID: KeyColumnID, Name: "key", TypeID: cellTypeID},
			ValueColumnID: {ID: ValueColumnID, Name: "value", TypeID: cellTypeID},
		},
	}
}

// ShardStats combines the atomic operation counters with the storage
// layer's key/byte totals.
type ShardStats struct {
	Ops     OperationStats
	Storage storage.StoreStats
}

// OperationStats are cumulative, monotonically increasing counters,
// updated atomically so the hot path never takes a lock. Counters count
// attempts: a Get on a missing key still increments Gets.
type OperationStats struct {
	Gets    uint64
	Puts    uint64
	Deletes uint64
}

// ShardInfo is the externally visible snapshot of a shard, shaped for the
// admin API and cluster state broadcasts.
type ShardInfo struct {
	ID       int
	Primary  bool
	State    ShardState
	KeyCount int
	ByteSize int
}

// NewShard creates an Active shard with in-memory storage. A non-primary
// shard's MVCC table is flagged as a follower so the read engine applies
// the follower restrictions.
func NewShard(id int, primary bool) *Shard {
	table := storage.NewMVCCTable(shardTableSchema())
	table.SetFollower(!primary)
	return &Shard{
		ID:      id,
		Primary: primary,
		Store:   storage.NewMemoryStore(),
		State:   ShardStateActive,
		Stats:   &ShardStats{},
		Table:   table,
		Reads:   sri.NewRegistry(),
	}
}

// mvccKey encodes key as the single-cell storage.Key Table uses.
func mvccKey(key string) storage.Key {
	return storage.Key{{TypeID: cellTypeID, Bytes: []byte(key)}}
}

// mirrorWrite commits value (nil for a delete) into Table at the next
// local version and advances the mediator step past it, so a reader
// pinned to the new version never blocks on a step that already
// committed.
func (s *Shard) mirrorWrite(key string, value []byte) {
	version := storage.Version{Step: atomic.AddUint64(&s.nextVersion, 1)}
	var row storage.Row
	if value != nil {
		row = storage.Row{
			KeyColumnID:   {TypeID: cellTypeID, Bytes: []byte(key)},
			ValueColumnID: {TypeID: cellTypeID, Bytes: value},
		}
	}
	s.Table.Put(version, mvccKey(key), row)
	s.Table.AdvanceMediatorStep(version.Step)
}

// Get returns key's latest value from the flat store.
func (s *Shard) Get(key string) ([]byte, error) {
	atomic.AddUint64(&s.Stats.Ops.Gets, 1)
	return s.Store.Get(key)
}

// Put stores value under key and mirrors the write into the MVCC table,
// so streaming readers observe it at a new version. Any optimistic lock
// covering key breaks as a side effect of the mirror.
func (s *Shard) Put(key string, value []byte) error {
	atomic.AddUint64(&s.Stats.Ops.Puts, 1)
	if err := s.Store.Put(key, value); err != nil {
		return err
	}
	s.mirrorWrite(key, value)
	return nil
}

// Delete removes key. The MVCC table records a tombstone version rather
// than forgetting the key, so snapshot readers pinned before the delete
// still see the row.
func (s *Shard) Delete(key string) error {
	atomic.AddUint64(&s.Stats.Ops.Deletes, 1)
	if err := s.Store.Delete(key); err != nil {
		return err
	}
	s.mirrorWrite(key, nil)
	return nil
}

// ListKeys returns a snapshot of all keys in the flat store.
func (s *Shard) ListKeys() []string {
	return s.Store.List()
}

// OwnsKey reports whether this shard owns key under a numShards-way
// FNV-1a partitioning. The same hash runs on the coordinator's routing
// side; the node re-checks on arrival so a stale routing table produces a
// visible refusal instead of data landing on the wrong shard.
func (s *Shard) OwnsKey(key string, numShards int) bool {
	if numShards <= 0 {
		return false
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32())%numShards == s.ID
}

// GetStats returns a consistent snapshot of the operation counters plus
// the storage layer's current totals.
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Ops: OperationStats{
			Gets:    atomic.LoadUint64(&s.Stats.Ops.Gets),
			Puts:    atomic.LoadUint64(&s.Stats.Ops.Puts),
			Deletes: atomic.LoadUint64(&s.Stats.Ops.Deletes),
		},
		Storage: s.Store.Stats(),
	}
}

// Info returns the shard's externally visible snapshot.
func (s *Shard) Info() ShardInfo {
	s.mu.RLock()
	state := s.State
	s.mu.RUnlock()

	storageStats := s.Store.Stats()
	return ShardInfo{
		ID:       s.ID,
		Primary:  s.Primary,
		State:    state,
		KeyCount: storageStats.Keys,
		ByteSize: storageStats.Bytes,
	}
}

// SetState transitions the shard's operational mode.
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

// ListKeysInRange returns the sorted keys in [start, end). An empty range
// (start >= end) returns nothing.
func (s *Shard) ListKeysInRange(start, end string) []string {
	var keysInRange []string
	for _, key := range s.Store.List() {
		if key >= start && key < end {
			keysInRange = append(keysInRange, key)
		}
	}
	sort.Strings(keysInRange)
	return keysInRange
}

// DeleteRange deletes every key in [start, end) and returns how many were
// deleted. Deletions are individually atomic, not collectively: writes
// may interleave, which is acceptable for the cleanup and migration paths
// this serves.
func (s *Shard) DeleteRange(start, end string) int {
	keysToDelete := s.ListKeysInRange(start, end)
	for _, key := range keysToDelete {
		_ = s.Delete(key)
	}
	return len(keysToDelete)
}
