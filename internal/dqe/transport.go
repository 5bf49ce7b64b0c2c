package dqe

import (
	"context"

	"github.com/ridgedb/ridge/internal/statuscode"
)

// ProposalPayload is everything a shard needs to act on one proposal: the
// task ids it will host, the read operations those tasks perform, the
// transaction identity, the optimistic-lock id to attach to the reads, and
// the coordinator candidates the shard picks its coordinator from. Write
// application belongs to the shard's own transaction engine and travels
// out of band, so the payload carries reads only.
type ProposalPayload struct {
	TaskIDs               []int
	Reads                 []ShardOp
	TxID                  uint64
	LockTxID              uint64
	CoordinatorCandidates []uint64
}

// ShardResponse is the normalized reply to any message sent to a shard
// (initial proposal, reattach probe, cancel). Not every field is populated
// by every message kind.
type ShardResponse struct {
	OK            bool
	Code          statuscode.Code
	Datashard     DatashardSubstate
	CoordinatorID uint64

	// Rows carries the serialized result rows the shard produced for the
	// proposal's read operations. The executor treats each row as an
	// opaque byte payload; only the shard and the client agree on its
	// encoding.
	Rows [][]byte

	LocksBroken bool
	BrokenTable string
	Complete    bool
	Cause       error
}

// ShardTransport abstracts the pipe to a single shard so the state machine
// in executor.go and reattach.go can be driven deterministically in tests
// without a real network, and so production code can back it with an
// http.Client the way cmd/node already talks to the coordinator.
type ShardTransport interface {
	// Propose sends the initial DATA proposal for payload on shardID. The
	// response carries the shard's result rows, its acquired read locks,
	// and the coordinator it picked from the payload's candidates.
	Propose(ctx context.Context, shardID int, payload ProposalPayload, immediate bool) (ShardResponse, error)
	// Reattach probes a shard believed to be Prepared or Executing after its
	// pipe was lost, carrying the monotonically increasing cookie; stale
	// replies for an earlier cookie must be dropped by the caller.
	Reattach(ctx context.Context, shardID int, cookie uint64) (ShardResponse, error)
	// CancelProposal tells a Preparing/Prepared shard to abandon its
	// proposal; implementations must never send this to a follower.
	CancelProposal(ctx context.Context, shardID int) error
}
