package dqe

import (
	"math/rand"
	"time"

	"github.com/ridgedb/ridge/internal/statuscode"
)

// ShardRuntimeState is the per-shard state of one proposal:
//
//	Initial → Preparing → Prepared → Executing → Finished
//	                          │           │
//	                          │           └─ lock-broken / shard-error → error
//	                          └─ transaction lost during reconnect → TxStateUnknown
type ShardRuntimeState int

const (
	Initial ShardRuntimeState = iota
	Preparing
	Prepared
	Executing
	Finished
	StateError
	TxStateUnknown
)

// DatashardSubstate holds the Prepared-phase bookkeeping a shard reports
// back: the step range it can execute within, the bytes it expects to read,
// and whether it is currently serving from a follower replica.
type DatashardSubstate struct {
	MinStep       uint64
	MaxStep       uint64
	ReadSize      int64
	ShardReadLocks []Lock
	Follower      bool
}

// ReattachSubstate tracks an in-progress reconnect to a shard whose pipe was
// lost while it held Prepared or Executing state.
type ReattachSubstate struct {
	Delay        time.Duration
	Deadline     time.Time
	Cookie       uint64
	Reattaching  bool
}

// ShardProposal is the runtime state machine for one shard's participation
// in an ExecutionRequest's transaction. The executor owns exactly one
// ShardProposal per affected shard and drives it with the On* transition
// methods below; there is no implicit "which handler am I in" the way the
// actor-framework source models it.
type ShardProposal struct {
	ShardID       int
	TaskIDs       []int
	State         ShardRuntimeState
	Datashard     *DatashardSubstate
	Reattach      *ReattachSubstate
	RestartCount  int
	Restarting    bool
	CoordinatorID uint64

	// Rows holds the serialized result rows this shard returned for the
	// proposal's reads; collect() concatenates them across shards in
	// ascending shard-id order.
	Rows [][]byte

	Err *statuscode.Classified
}

func NewShardProposal(shardID int, taskIDs []int) *ShardProposal {
	return &ShardProposal{ShardID: shardID, TaskIDs: taskIDs, State: Initial}
}

// OnSendProposal transitions Initial → Preparing, or Initial → Executing
// directly for immediate transactions.
func (p *ShardProposal) OnSendProposal(immediate bool) {
	if immediate {
		p.State = Executing
		return
	}
	p.State = Preparing
}

// OnPrepared transitions Preparing → Prepared, recording the datashard
// substate and the coordinator this shard picked. Coordinator agreement
// across shards is checked by the caller (executor.go), since it requires
// comparing across all ShardProposals of a transaction.
func (p *ShardProposal) OnPrepared(sub DatashardSubstate, coordinatorID uint64) {
	p.State = Prepared
	p.Datashard = &sub
	p.CoordinatorID = coordinatorID
}

// OnPlanned transitions Prepared → Executing after the coordinator confirms
// StatusPlanned.
func (p *ShardProposal) OnPlanned() {
	p.State = Executing
}

// OnComplete transitions Executing → Finished on a COMPLETE response.
func (p *ShardProposal) OnComplete() {
	p.State = Finished
}

// OnLocksBroken aborts the proposal with ABORTED + KIKIMR_LOCKS_INVALIDATED,
// valid from any state during Executing.
func (p *ShardProposal) OnLocksBroken(tableName string) {
	issue := statuscode.Issue{SubCode: statuscode.IssueLocksInvalidated}
	if tableName != "" {
		issue.Message = tableName
	}
	p.State = StateError
	p.Err = statuscode.Classify(statuscode.KindTransientAborted, nil, issue)
}

// OnShardError aborts the proposal, classifying cause into its failure kind.
func (p *ShardProposal) OnShardError(kind statuscode.Kind, cause error, issues ...statuscode.Issue) {
	p.State = StateError
	p.Err = statuscode.Classify(kind, cause, issues...)
}

// CoordinatorMismatch reports whether two Prepared shards picked different
// coordinators, in which case the whole transaction must be cancelled with
// CANCELLED + TX_DECLINED_IMPLICIT_COORDINATOR: no shard may ever observe
// two distinct coordinator choices for one transaction.
func CoordinatorMismatch(proposals []*ShardProposal) bool {
	var first uint64
	seen := false
	for _, p := range proposals {
		if p.State != Prepared {
			continue
		}
		if !seen {
			first = p.CoordinatorID
			seen = true
			continue
		}
		if p.CoordinatorID != first {
			return true
		}
	}
	return false
}

// nextReattachDelay computes the reattach backoff: the first attempt is
// immediate, then the delay doubles each attempt clamped to [10ms,
// 100ms], with ±10% jitter applied after clamping.
func nextReattachDelay(attempt int, prev time.Duration, rng *rand.Rand) time.Duration {
	if attempt == 0 {
		return 0
	}
	base := prev * 2
	const minDelay = 10 * time.Millisecond
	const maxDelay = 100 * time.Millisecond
	if base < minDelay {
		base = minDelay
	}
	if base > maxDelay {
		base = maxDelay
	}
	jitterFrac := (rng.Float64()*2 - 1) * 0.10
	jittered := time.Duration(float64(base) * (1 + jitterFrac))
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}
