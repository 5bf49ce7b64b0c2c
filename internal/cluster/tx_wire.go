package cluster

import "github.com/ridgedb/ridge/internal/statuscode"

// ProposeWireRequest, ReattachWireRequest and TxWireResponse are the JSON
// bodies exchanged between the coordinator's dqe.ShardTransport
// implementation and a node's /tx/* endpoints, implementing the
// Propose/Reattach/CancelProposal leg over the same
// net/http + encoding/json transport the cluster already uses for
// /register and /data, rather than a second RPC stack for three
// message types.
type ProposeWireRequest struct {
	TaskIDs   []int  `json:"task_ids"`
	Immediate bool   `json:"immediate"`
	TxID      uint64 `json:"tx_id"`

	// LockTxID, when non-zero, asks the shard to attach an optimistic
	// lock covering the proposal's read ranges and report it back.
	LockTxID uint64 `json:"lock_tx_id,omitempty"`

	// CoordinatorCandidates is the coordinator pool the shard picks its
	// coordinator from, deterministically per TxID, so every shard of a
	// transaction lands on the same choice.
	CoordinatorCandidates []uint64 `json:"coordinator_candidates,omitempty"`

	// Reads are the read operations the proposal's tasks perform on this
	// shard; the shard executes them and returns the rows in the
	// response.
	Reads []WireReadOp `json:"reads,omitempty"`
}

// WireKeyRange is a key interval with base64-encoded bounds; an empty
// bound is open on that side.
type WireKeyRange struct {
	From          string `json:"from,omitempty"`
	To            string `json:"to,omitempty"`
	FromInclusive bool   `json:"from_inclusive"`
	ToInclusive   bool   `json:"to_inclusive"`
}

// WireReadOp is one shard-bound read: the ranges to scan, the column
// projection, and the scan flags.
type WireReadOp struct {
	Ranges     []WireKeyRange `json:"ranges"`
	Columns    []uint32       `json:"columns,omitempty"`
	ItemsLimit uint64         `json:"items_limit,omitempty"`
	Reverse    bool           `json:"reverse,omitempty"`
}

type ReattachWireRequest struct {
	Cookie uint64 `json:"cookie"`
}

type TxWireResponse struct {
	OK            bool            `json:"ok"`
	Code          statuscode.Code `json:"code"`
	MinStep       uint64          `json:"min_step"`
	MaxStep       uint64          `json:"max_step"`
	ReadSize      int64           `json:"read_size"`
	Follower      bool            `json:"follower"`
	CoordinatorID uint64          `json:"coordinator_id"`
	LocksBroken   bool            `json:"locks_broken"`
	BrokenTable   string          `json:"broken_table"`

	// Rows are the proposal's result rows, one base64-encoded opaque
	// payload per row; the executor passes them through untouched.
	Rows []string `json:"rows,omitempty"`

	// ReadLocks are the optimistic locks the shard acquired for the
	// proposal's reads when the request carried a lock_tx_id.
	ReadLocks []ReadWireLock `json:"read_locks,omitempty"`
}

// ReadWireRequest, ReadWireResponse, ReadAckWireRequest and
// ReadCancelWireRequest mirror Read/ReadResult/ReadAck/
// ReadCancel wire messages for the node's /read* endpoints. Keys/ranges
// travel as opaque strings (base64-free; they are already the node's
// native string key type) since internal/shard models each row as a
// single string-keyed cell rather than a typed multi-column PK.
type ReadWireRequest struct {
	ReadID          uint64   `json:"read_id"`
	ShardID         int      `json:"shard_id"`
	Columns         []uint32 `json:"columns"`
	SnapshotStep    *uint64  `json:"snapshot_step,omitempty"`
	Reverse         bool     `json:"reverse"`
	MaxRows         uint64   `json:"max_rows"`
	MaxBytes        uint64   `json:"max_bytes"`
	MaxRowsInResult uint64   `json:"max_rows_in_result"`
	LockTxID        *uint64  `json:"lock_tx_id,omitempty"`
	Keys            []string `json:"keys,omitempty"`
	RangeFrom       *string  `json:"range_from,omitempty"`
	RangeTo         *string  `json:"range_to,omitempty"`
	FromInclusive   bool     `json:"from_inclusive"`
	ToInclusive     bool     `json:"to_inclusive"`
}

type ReadWireCell struct {
	Column uint32 `json:"column"`
	Value  string `json:"value"` // base64
}

type ReadWireLock struct {
	LockTxID   uint64 `json:"lock_tx_id"`
	Generation uint64 `json:"generation"`
	Counter    uint64 `json:"counter"`
}

type ReadWireResponse struct {
	ReadID        uint64             `json:"read_id"`
	SeqNo         uint64             `json:"seq_no"`
	Finished      bool               `json:"finished"`
	LimitReached  bool               `json:"limit_reached"`
	RowsCount     int                `json:"rows_count"`
	Rows          [][]ReadWireCell   `json:"rows,omitempty"`
	TxLocks       []ReadWireLock     `json:"tx_locks,omitempty"`
	BrokenTxLocks []ReadWireLock     `json:"broken_tx_locks,omitempty"`
	Code          statuscode.Code    `json:"code"`
	Issues        []statuscode.Issue `json:"issues,omitempty"`
}

type ReadAckWireRequest struct {
	ReadID   uint64 `json:"read_id"`
	SeqNo    uint64 `json:"seq_no"`
	MaxRows  uint64 `json:"max_rows"`
	MaxBytes uint64 `json:"max_bytes"`
}

type ReadCancelWireRequest struct {
	ReadID uint64 `json:"read_id"`
}
