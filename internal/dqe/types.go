// Package dqe implements the Distributed Query Executor: it turns a physical
// plan plus isolation/snapshot settings into concrete per-shard proposals,
// drives each shard through an explicit state machine, and returns either
// one consistent result or one classified failure.
package dqe

import (
	"github.com/ridgedb/ridge/internal/statuscode"
)

// IsolationLevel is the set of read/write consistency modes an
// ExecutionRequest can run under.
type IsolationLevel int

const (
	Serializable IsolationLevel = iota
	OnlineRO
	StaleRO
	ReadUncommitted
	SnapshotRO
)

// ShardOpKind enumerates the shard-bound operations a Task can carry.
type ShardOpKind int

const (
	OpReadRange ShardOpKind = iota
	OpReadRanges
	OpLookup
	OpUpsertRows
	OpDeleteRows
)

func (k ShardOpKind) isRead() bool {
	return k == OpReadRange || k == OpReadRanges || k == OpLookup
}

// InputKind describes how a stage receives rows from its upstream stage,
// driving the partitioning rule in partitionsCountFor and the MapShard reuse
// rule in buildShardTasks.
type InputKind int

const (
	InputNone InputKind = iota
	InputHashShuffle
	InputMap
	InputMapShard
)

// StageInput connects a stage to an upstream stage's output.
type StageInput struct {
	Kind           InputKind
	FromStageIndex int
}

// ShardRange is a key range targeting one shard's key space: raw byte
// bounds with a per-end inclusivity flag.
type ShardRange struct {
	From, To         []byte
	FromIncl, ToIncl bool
}

// ShardOp is one shard-bound operation a stage wants performed: a read
// (range/ranges/lookup) or a write (upsert/delete), scoped to the ranges
// that fall on a single shard.
type ShardOp struct {
	Kind       ShardOpKind
	Ranges     []ShardRange
	Columns    []uint32
	ItemsLimit uint64
	Reverse    bool
}

// Stage is one DAG node of a transaction's physical plan: a program to run,
// optionally a shard-bound operation, and how it receives its input.
type Stage struct {
	Program    string // opaque program reference; compute execution is out of scope
	ShardOp    *ShardOp
	IsSysview  bool
	Input      StageInput
	Partitions int // only used by sysview stages (IsSysview): the scan task count, at least 1
}

// Transaction is a DAG of stages belonging to one logical statement within
// an ExecutionRequest.
type Transaction struct {
	Stages []Stage
}

// ExecutionRequest is the physical plan DQE.Execute consumes.
type ExecutionRequest struct {
	Transactions []Transaction
	Isolation    IsolationLevel

	// TxID identifies the transaction for coordinator selection and the
	// plan handshake. Zero falls back to AcquireLocksTxID, and zero again
	// still executes; only coordinator rotation loses its per-tx spread.
	TxID uint64

	// Snapshot, if Valid, pins the read to a specific (step, txId). Per
	// invariant, Valid implies Isolation == Serializable.
	Snapshot SnapshotRequest

	AcquireLocksTxID uint64
	ValidateLocks    bool
	EraseLocks       bool

	OperationTimeoutMS int64
	CancelAfterMS      int64

	MaxComputeActors  int
	MaxAffectedShards int
	MaxKeySize        int
	ReplySizeCapBytes int64 // 0 means use the package default (48 MiB)

	PriorLocks []Lock

	// DatabaseNonEmpty and MVCCSnapshotReadsEnabled gate WaitSnapshotState;
	// both default false so callers must opt in.
	DatabaseNonEmpty          bool
	MVCCSnapshotReadsEnabled  bool
	AllowInconsistentReads    bool // StaleRO-like immediacy; does not enable followers
}

type SnapshotRequest struct {
	Valid bool
	Step  uint64
	TxID  uint64
}

// Lock identifies an optimistic lock acquired by a prior read. Two locks
// sharing (LockID, Path) but differing (Generation, Counter) are broken
// relative to each other
type Lock struct {
	LockID     uint64
	Generation uint64
	Counter    uint64
	Path       string
	SchemeShardID uint64
}

// Task is a compute- or shard-bound unit of work produced by task graph
// construction. TasksGraph exclusively owns Tasks; a Task's lifetime runs
// from Execute() to the owning ExecutionRequest's completion.
type Task struct {
	ID         int
	StageIndex int
	ShardID    int // 0 for compute tasks with no shard affinity
	Inputs     []int
	Outputs    []int
	Program    string
	Reads      []ShardOp
	Writes     []ShardOp
}

// Channel is a point-to-point pipe between two tasks, or from a task to the
// final result (DstTask == 0).
type Channel struct {
	SrcTask      int
	DstTask      int // 0 means "final result"
	DstInputIdx  int
	Persistent   bool // crosses a shard boundary
}

// classify is a small helper so executor.go and taskgraph.go can build a
// *statuscode.Classified without importing statuscode's Kind machinery
// directly at every call site.
func classify(kind statuscode.Kind, cause error, issues ...statuscode.Issue) *statuscode.Classified {
	return statuscode.Classify(kind, cause, issues...)
}
