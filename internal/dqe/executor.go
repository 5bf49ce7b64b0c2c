package dqe

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ridgedb/ridge/internal/statuscode"
	"github.com/ridgedb/ridge/internal/telemetry"
)

const defaultReplySizeCap = 48 << 20 // 48 MiB

// Result is the outcome of one Transaction's execution: either Rows and
// Locks are populated, or Err is non-nil and the other fields are zero.
type Result struct {
	Rows        [][]byte // opaque serialized per-output buffers, concatenated in ascending shard-id order
	Locks       []Lock
	LockHandle  uint64
	Err         *statuscode.Classified
}

// Executor drives ExecutionRequests to completion against a ShardMap and
// a ShardTransport. It holds no per-request state between
// calls; every Execute call builds its own task graph and proposal set.
type Executor struct {
	shardMap   ShardMap
	transport  ShardTransport
	coord      TxCoordinator
	snapshots  SnapshotAcquirer
	metrics    *telemetry.DQEMetrics
	log        *zap.Logger
	reattacher *Reattacher
}

func NewExecutor(shardMap ShardMap, transport ShardTransport, coord TxCoordinator, snapshots SnapshotAcquirer, metrics *telemetry.DQEMetrics, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		shardMap:   shardMap,
		transport:  transport,
		coord:      coord,
		snapshots:  snapshots,
		metrics:    metrics,
		log:        log,
		reattacher: NewReattacher(transport, nil, nil),
	}
}

// Execute runs every Transaction in req sequentially, in request order,
// stopping at the first failure.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) ([]Result, *statuscode.Classified) {
	if err := e.resolveSnapshot(ctx, &req); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(req.Transactions))
	for _, tx := range req.Transactions {
		res := e.executeOne(ctx, req, tx)
		results = append(results, res)
		if res.Err != nil {
			return results, res.Err
		}
	}
	return results, nil
}

// resolveSnapshot implements WaitSnapshotState: a read-only request with
// no user snapshot, an isolation other than ReadUncommitted or StaleRO, a
// non-empty database, and MVCC snapshot reads enabled switches to a
// DQE-acquired Serializable snapshot, which IsImmediate treats as
// immediate. It runs before any task graph is built, so it does not check
// whether a transaction would already be immediate or would have
// persistent channels.
func (e *Executor) resolveSnapshot(ctx context.Context, req *ExecutionRequest) *statuscode.Classified {
	if req.Snapshot.Valid || req.Isolation == ReadUncommitted || req.Isolation == StaleRO {
		return nil
	}
	if !req.DatabaseNonEmpty || !req.MVCCSnapshotReadsEnabled {
		return nil
	}
	if !isReadOnly(*req) {
		return nil
	}
	snap, err := e.snapshots.AcquireSnapshot(ctx)
	if err != nil {
		return statuscode.Classify(statuscode.KindUnexpected, err)
	}
	if !snap.Valid {
		return statuscode.Classify(statuscode.KindTryLater, errors.New("snapshot acquisition returned an invalid snapshot"))
	}
	req.Snapshot = SnapshotRequest{Valid: true, Step: snap.Step, TxID: snap.TxID}
	req.Isolation = Serializable
	return nil
}

func isReadOnly(req ExecutionRequest) bool {
	for _, tx := range req.Transactions {
		for _, s := range tx.Stages {
			if s.ShardOp != nil && !s.ShardOp.Kind.isRead() {
				return false
			}
		}
	}
	return true
}

// IsImmediate reports whether a tx needs no coordinator: when it
// touches a single shard, or runs ReadUncommitted/StaleRO, or is a
// snapshot read.
func IsImmediate(affectedShards int, isolation IsolationLevel, snapshotValid bool) bool {
	return affectedShards <= 1 ||
		isolation == ReadUncommitted ||
		isolation == StaleRO ||
		snapshotValid
}

func (e *Executor) executeOne(ctx context.Context, req ExecutionRequest, tx Transaction) Result {
	maxCompute := req.MaxComputeActors
	if maxCompute == 0 {
		maxCompute = 1000
	}
	maxShards := req.MaxAffectedShards
	if maxShards == 0 {
		maxShards = 1000
	}

	graph, classErr := BuildTasksGraph(tx, e.shardMap, maxCompute, maxShards)
	if classErr != nil {
		return Result{Err: classErr}
	}

	readOnly := isReadOnly(req)
	immediate := IsImmediate(len(graph.AffectedShards), req.Isolation, req.Snapshot.Valid)

	txID := req.TxID
	if txID == 0 {
		txID = req.AcquireLocksTxID
	}
	candidates := e.coord.DomainCoordinators(txID)

	// Proposals go out in ascending shard-id order: coordinator selection
	// and result concatenation are both defined over the sorted shard set.
	proposals := make([]*ShardProposal, 0, len(graph.AffectedShards))
	payloads := make(map[int]ProposalPayload, len(graph.AffectedShards))
	for shardID := range graph.AffectedShards {
		var taskIDs []int
		var reads []ShardOp
		for _, t := range graph.Tasks {
			if t.ShardID == shardID {
				taskIDs = append(taskIDs, t.ID)
				reads = append(reads, t.Reads...)
			}
		}
		proposals = append(proposals, NewShardProposal(shardID, taskIDs))
		payloads[shardID] = ProposalPayload{
			TaskIDs:               taskIDs,
			Reads:                 reads,
			TxID:                  txID,
			LockTxID:              req.AcquireLocksTxID,
			CoordinatorCandidates: candidates,
		}
	}
	sort.Slice(proposals, func(i, j int) bool { return proposals[i].ShardID < proposals[j].ShardID })

	if e.metrics != nil {
		e.metrics.TasksPerRequest.Observe(float64(len(graph.Tasks)))
		e.metrics.AffectedShards.Observe(float64(len(graph.AffectedShards)))
	}

	for _, p := range proposals {
		p.OnSendProposal(immediate)
		resp, err := e.transport.Propose(ctx, p.ShardID, payloads[p.ShardID], immediate)
		if err != nil {
			if immediate {
				// The initial proposal never reached the shard; there is
				// no persisted state to reattach to.
				p.OnShardError(statuscode.KindTryLater, err)
			} else {
				e.reattacher.PipeLost(ctx, p, readOnly)
			}
			continue
		}
		e.applyProposeResponse(p, resp, immediate)
	}

	if !immediate {
		if err := e.finishPlanned(ctx, txID, proposals); err != nil {
			e.cancelAllBut(ctx, proposals, -1)
			return Result{Err: err}
		}
	}

	if err := e.firstError(proposals, readOnly); err != nil {
		e.cancelAllBut(ctx, proposals, -1)
		return Result{Err: err}
	}

	for _, p := range proposals {
		if p.State == Executing {
			p.OnComplete()
		}
	}

	return e.collect(req, proposals)
}

func (e *Executor) applyProposeResponse(p *ShardProposal, resp ShardResponse, immediate bool) {
	switch resp.Code {
	case statuscode.Success, "":
		p.Rows = resp.Rows
		if immediate {
			// Already Executing; record the execution report so collect()
			// sees the read size and any acquired locks.
			sub := resp.Datashard
			p.Datashard = &sub
			return
		}
		p.OnPrepared(resp.Datashard, resp.CoordinatorID)
	case statuscode.Aborted:
		p.OnShardError(statuscode.KindTransientAborted, resp.Cause, statuscode.Issue{SubCode: statuscode.IssueLocksInvalidated})
	case statuscode.Overloaded:
		p.OnShardError(statuscode.KindTransientOverload, resp.Cause)
	default:
		p.OnShardError(statuscode.KindUnexpected, resp.Cause)
	}
	if resp.LocksBroken {
		p.OnLocksBroken(resp.BrokenTable)
	}
}

// finishPlanned implements the Prepared → Executing leg: once every shard
// has reported Prepared, all must agree on a coordinator, then the
// coordinator is asked to plan the transaction and every shard is
// advanced to Executing on StatusPlanned.
func (e *Executor) finishPlanned(ctx context.Context, txID uint64, proposals []*ShardProposal) *statuscode.Classified {
	if CoordinatorMismatch(proposals) {
		return statuscode.Classify(statuscode.KindCancelled, errors.New("shards disagree on coordinator"),
			statuscode.Issue{SubCode: statuscode.IssueDeclinedImplicitCoordinator})
	}
	var coordinatorID uint64
	var minStep, maxStep uint64
	affected := make([]AffectedTablet, 0, len(proposals))
	for i, p := range proposals {
		if p.State != Prepared {
			continue
		}
		if i == 0 || p.Datashard.MinStep > minStep {
			minStep = p.Datashard.MinStep
		}
		if p.Datashard.MaxStep > maxStep {
			maxStep = p.Datashard.MaxStep
		}
		coordinatorID = p.CoordinatorID
		affected = append(affected, AffectedTablet{TabletID: p.ShardID, Read: true, Write: true})
	}

	status, err := e.coord.ProposeTransaction(ctx, ProposeTransactionRequest{
		TxID: txID, MinStep: minStep, MaxStep: maxStep, AffectedSet: affected,
	})
	if err != nil {
		return statuscode.Classify(statuscode.KindTryLater, err)
	}
	switch status {
	case StatusPlanned, StatusConfirmed:
		for _, p := range proposals {
			if p.State == Prepared {
				p.CoordinatorID = coordinatorID
				p.OnPlanned()
			}
		}
		return nil
	case StatusDeclined, StatusDeclinedNoSpace:
		return statuscode.Classify(statuscode.KindCancelled, errors.New("coordinator declined the plan"))
	case StatusOutdated:
		return statuscode.Classify(statuscode.KindTimeout, errors.New("plan step range outdated"))
	default:
		return statuscode.Classify(statuscode.KindUnexpected, errors.New("unexpected coordinator status"))
	}
}

func (e *Executor) firstError(proposals []*ShardProposal, readOnly bool) *statuscode.Classified {
	for _, p := range proposals {
		if p.State == StateError || p.State == TxStateUnknown {
			if p.Err != nil {
				return p.Err
			}
			return statuscode.ReadOnlyResultUnavailable(readOnly)
		}
	}
	return nil
}

// cancelAllBut sends cancel to every shard in {Preparing, Prepared}
// except exceptShardID, transitioning them to Finished locally. Followers
// are never cancelled; they hold no proposal state to abandon.
func (e *Executor) cancelAllBut(ctx context.Context, proposals []*ShardProposal, exceptShardID int) {
	for _, p := range proposals {
		if p.ShardID == exceptShardID {
			continue
		}
		if p.State != Preparing && p.State != Prepared {
			continue
		}
		if p.Datashard != nil && p.Datashard.Follower {
			continue
		}
		_ = e.transport.CancelProposal(ctx, p.ShardID)
		p.State = Finished
	}
}

// collect assembles the per-shard results into one reply: result rows
// concatenated in ascending shard-id order (proposals are already sorted),
// acquired read locks merged, the reply-size cap enforced against the
// actual row payload, and a lock handle allocated when the transaction
// acquired new locks the caller will want to validate or erase later.
func (e *Executor) collect(req ExecutionRequest, proposals []*ShardProposal) Result {
	var size int64
	var locks []Lock
	var rows [][]byte
	for _, p := range proposals {
		for _, row := range p.Rows {
			size += int64(len(row))
			rows = append(rows, row)
		}
		if p.Datashard != nil {
			locks = append(locks, p.Datashard.ShardReadLocks...)
		}
	}

	sizeCap := req.ReplySizeCapBytes
	if sizeCap == 0 {
		sizeCap = defaultReplySizeCap
	}
	if size > sizeCap {
		return Result{Err: statuscode.New(statuscode.PreconditionFailed, errors.New("result exceeds reply size cap"),
			statuscode.Issue{SubCode: statuscode.IssueResultUnavailable})}
	}
	if e.metrics != nil {
		e.metrics.ResultBytes.Observe(float64(size))
	}

	res := Result{Rows: rows, Locks: locks}
	if req.AcquireLocksTxID != 0 && len(locks) > 0 {
		// The handle is opaque to the caller; it only needs to be unique
		// enough to name this lock set in a follow-up request.
		u := uuid.New()
		res.LockHandle = binary.BigEndian.Uint64(u[:8])
	}
	return res
}
