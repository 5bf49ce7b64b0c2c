package dqe

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fixedShardMap maps everything to shard 1, or splits [a,b) in half across
// shards 1 and 2 when wantSplit is set, enough to exercise the partitioning
// rules without a real table.
type fixedShardMap struct {
	wantSplit bool
}

func (m fixedShardMap) ShardsForRange(from, to []byte) []int {
	if m.wantSplit {
		return []int{1, 2}
	}
	return []int{1}
}

func (m fixedShardMap) ShardForKey(key []byte) int { return 1 }

func TestBuildTasksGraphComputeStagePartitioning(t *testing.T) {
	tx := Transaction{Stages: []Stage{
		{Program: "scan", ShardOp: &ShardOp{Kind: OpReadRange, Ranges: []ShardRange{{From: []byte("a"), To: []byte("z")}}}},
		{Program: "agg", Input: StageInput{Kind: InputHashShuffle, FromStageIndex: 0}},
	}}
	g, classErr := BuildTasksGraph(tx, fixedShardMap{wantSplit: true}, 100, 100)
	require.Nil(t, classErr)

	var stage0, stage1 int
	for _, task := range g.Tasks {
		switch task.StageIndex {
		case 0:
			stage0++
		case 1:
			stage1++
		}
	}
	require.Equal(t, 2, stage0) // one per shard
	require.Equal(t, 1, stage1) // ceil(2/2) = 1
	require.True(t, g.HasPersistentChannels)
}

func TestBuildTasksGraphRejectsTooManyShards(t *testing.T) {
	tx := Transaction{Stages: []Stage{
		{Program: "scan", ShardOp: &ShardOp{Kind: OpReadRange, Ranges: []ShardRange{{From: []byte("a"), To: []byte("z")}}}},
	}}
	_, classErr := BuildTasksGraph(tx, fixedShardMap{wantSplit: true}, 100, 1)
	require.NotNil(t, classErr)
	require.Equal(t, "PRECONDITION_FAILED", string(classErr.Code))
}

func TestMapShardReusesUpstreamAssignment(t *testing.T) {
	tx := Transaction{Stages: []Stage{
		{Program: "scan", ShardOp: &ShardOp{Kind: OpReadRange, Ranges: []ShardRange{{From: []byte("a"), To: []byte("z")}}}},
		{Program: "upsert", Input: StageInput{Kind: InputMapShard, FromStageIndex: 0},
			ShardOp: &ShardOp{Kind: OpUpsertRows, Ranges: []ShardRange{{From: []byte("a"), To: []byte("b")}}}},
	}}
	g, classErr := BuildTasksGraph(tx, fixedShardMap{wantSplit: true}, 100, 100)
	require.Nil(t, classErr)

	var writeTasks int
	for _, task := range g.Tasks {
		if task.StageIndex == 1 {
			writeTasks++
			require.NotEmpty(t, task.Writes)
		}
	}
	require.Equal(t, 2, writeTasks)
}

func TestIsImmediate(t *testing.T) {
	require.True(t, IsImmediate(1, Serializable, false))
	require.True(t, IsImmediate(3, ReadUncommitted, false))
	require.True(t, IsImmediate(3, StaleRO, false))
	require.True(t, IsImmediate(3, Serializable, true))
	require.False(t, IsImmediate(3, Serializable, false))
}

func TestCoordinatorMismatchAbortsTransaction(t *testing.T) {
	// Two data shards pick different DomainCoordinators.
	p1 := NewShardProposal(1, []int{1})
	p1.OnSendProposal(false)
	p1.OnPrepared(DatashardSubstate{MinStep: 1, MaxStep: 2}, 100)

	p2 := NewShardProposal(2, []int{2})
	p2.OnSendProposal(false)
	p2.OnPrepared(DatashardSubstate{MinStep: 1, MaxStep: 2}, 200)

	require.True(t, CoordinatorMismatch([]*ShardProposal{p1, p2}))
}

func TestCoordinatorAgreementDoesNotMismatch(t *testing.T) {
	p1 := NewShardProposal(1, []int{1})
	p1.OnSendProposal(false)
	p1.OnPrepared(DatashardSubstate{}, 100)
	p2 := NewShardProposal(2, []int{2})
	p2.OnSendProposal(false)
	p2.OnPrepared(DatashardSubstate{}, 100)
	require.False(t, CoordinatorMismatch([]*ShardProposal{p1, p2}))
}

type fakeCoordinator struct {
	coordinatorIDs []uint64
}

func (f fakeCoordinator) DomainCoordinators(txID uint64) []uint64 { return f.coordinatorIDs }
func (f fakeCoordinator) ProposeTransaction(ctx context.Context, req ProposeTransactionRequest) (ProposeTransactionStatus, error) {
	return StatusPlanned, nil
}

type fakeSnapshots struct{ step uint64 }

func (f *fakeSnapshots) AcquireSnapshot(ctx context.Context) (Snapshot, error) {
	f.step++
	return Snapshot{Valid: true, Step: f.step}, nil
}

// fakeTransport drives each shard straight to success unless told to
// mismatch coordinators or error. Successful proposals return one row per
// shard and echo any requested lock, so the collect path has real payload
// to assemble.
type fakeTransport struct {
	coordByShard map[int]uint64
	failShard    int
}

func (f fakeTransport) Propose(ctx context.Context, shardID int, payload ProposalPayload, immediate bool) (ShardResponse, error) {
	if shardID == f.failShard {
		return ShardResponse{Code: "ABORTED"}, nil
	}
	sub := DatashardSubstate{MinStep: 1, MaxStep: 5, ReadSize: 10}
	if payload.LockTxID != 0 {
		sub.ShardReadLocks = []Lock{{LockID: payload.LockTxID, Generation: 1, Counter: 1}}
	}
	return ShardResponse{
		OK:            true,
		Code:          "SUCCESS",
		Rows:          [][]byte{[]byte(fmt.Sprintf("shard-%d-row", shardID))},
		Datashard:     sub,
		CoordinatorID: f.coordByShard[shardID],
	}, nil
}
func (f fakeTransport) Reattach(ctx context.Context, shardID int, cookie uint64) (ShardResponse, error) {
	return ShardResponse{OK: true}, nil
}
func (f fakeTransport) CancelProposal(ctx context.Context, shardID int) error { return nil }

func TestExecutorEndToEndCoordinatorMismatch(t *testing.T) {
	tx := Transaction{Stages: []Stage{
		{Program: "scan", ShardOp: &ShardOp{Kind: OpReadRange, Ranges: []ShardRange{{From: []byte("a"), To: []byte("z")}}}},
	}}
	transport := fakeTransport{coordByShard: map[int]uint64{1: 100, 2: 200}, failShard: -1}
	exec := NewExecutor(fixedShardMap{wantSplit: true}, transport, fakeCoordinator{}, &fakeSnapshots{}, nil, nil)

	req := ExecutionRequest{
		Transactions: []Transaction{tx},
		Isolation:    Serializable,
	}
	_, classErr := exec.Execute(context.Background(), req)
	require.NotNil(t, classErr)
	require.Equal(t, "CANCELLED", string(classErr.Code))
	require.Len(t, classErr.Issues, 1)
	require.Equal(t, "TX_DECLINED_IMPLICIT_COORDINATOR", classErr.Issues[0].SubCode)
}

func TestExecutorImmediateSingleShardSucceeds(t *testing.T) {
	tx := Transaction{Stages: []Stage{
		{Program: "scan", ShardOp: &ShardOp{Kind: OpReadRange, Ranges: []ShardRange{{From: []byte("a"), To: []byte("z")}}}},
	}}
	transport := fakeTransport{coordByShard: map[int]uint64{1: 100}, failShard: -1}
	exec := NewExecutor(fixedShardMap{wantSplit: false}, transport, fakeCoordinator{}, &fakeSnapshots{}, nil, nil)

	req := ExecutionRequest{Transactions: []Transaction{tx}, Isolation: Serializable}
	results, classErr := exec.Execute(context.Background(), req)
	require.Nil(t, classErr)
	require.Len(t, results, 1)
	require.Nil(t, results[0].Err)
	require.Equal(t, [][]byte{[]byte("shard-1-row")}, results[0].Rows)
}

func TestExecutorCollectsRowsAndLocksAcrossShards(t *testing.T) {
	tx := Transaction{Stages: []Stage{
		{Program: "scan", ShardOp: &ShardOp{Kind: OpReadRange, Ranges: []ShardRange{{From: []byte("a"), To: []byte("z")}}}},
	}}
	transport := fakeTransport{coordByShard: map[int]uint64{1: 100, 2: 100}, failShard: -1}
	exec := NewExecutor(fixedShardMap{wantSplit: true}, transport, fakeCoordinator{}, &fakeSnapshots{}, nil, nil)

	req := ExecutionRequest{
		Transactions:     []Transaction{tx},
		Isolation:        Serializable,
		AcquireLocksTxID: 55,
	}
	results, classErr := exec.Execute(context.Background(), req)
	require.Nil(t, classErr)
	require.Len(t, results, 1)
	require.Nil(t, results[0].Err)

	// Rows come back concatenated in ascending shard-id order.
	require.Equal(t, [][]byte{[]byte("shard-1-row"), []byte("shard-2-row")}, results[0].Rows)

	// Both shards acquired the requested lock, and the executor minted a
	// handle for the set.
	require.Len(t, results[0].Locks, 2)
	require.Equal(t, uint64(55), results[0].Locks[0].LockID)
	require.NotZero(t, results[0].LockHandle)
}

func TestExecutorEnforcesReplySizeCap(t *testing.T) {
	tx := Transaction{Stages: []Stage{
		{Program: "scan", ShardOp: &ShardOp{Kind: OpReadRange, Ranges: []ShardRange{{From: []byte("a"), To: []byte("z")}}}},
	}}
	transport := fakeTransport{coordByShard: map[int]uint64{1: 100}, failShard: -1}
	exec := NewExecutor(fixedShardMap{wantSplit: false}, transport, fakeCoordinator{}, &fakeSnapshots{}, nil, nil)

	req := ExecutionRequest{
		Transactions:      []Transaction{tx},
		Isolation:         Serializable,
		ReplySizeCapBytes: 4, // smaller than the fake's one row
	}
	_, classErr := exec.Execute(context.Background(), req)
	require.NotNil(t, classErr)
	require.Equal(t, "PRECONDITION_FAILED", string(classErr.Code))
	require.Len(t, classErr.Issues, 1)
	require.Equal(t, "KIKIMR_RESULT_UNAVAILABLE", classErr.Issues[0].SubCode)
}

// fakeClock advances instantly on Sleep so reattach backoff runs without
// wall-clock time.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

// flakyTransport fails Reattach a fixed number of times before succeeding.
type flakyTransport struct {
	failures int
	calls    int
	cookies  []uint64
}

func (f *flakyTransport) Propose(ctx context.Context, shardID int, payload ProposalPayload, immediate bool) (ShardResponse, error) {
	return ShardResponse{}, nil
}

func (f *flakyTransport) Reattach(ctx context.Context, shardID int, cookie uint64) (ShardResponse, error) {
	f.calls++
	f.cookies = append(f.cookies, cookie)
	if f.calls <= f.failures {
		return ShardResponse{}, nil // delivered but shard said no
	}
	return ShardResponse{OK: true, Datashard: DatashardSubstate{MinStep: 3, MaxStep: 9}, CoordinatorID: 7}, nil
}

func (f *flakyTransport) CancelProposal(ctx context.Context, shardID int) error { return nil }

func TestReattachRestoresPreparedAfterRetries(t *testing.T) {
	transport := &flakyTransport{failures: 3}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := NewReattacher(transport, clock, rand.New(rand.NewSource(1)))

	p := NewShardProposal(1, []int{1})
	p.OnSendProposal(false)
	p.OnPrepared(DatashardSubstate{MinStep: 1, MaxStep: 2}, 7)

	r.PipeLost(context.Background(), p, true)

	require.Equal(t, Prepared, p.State)
	require.Equal(t, uint64(3), p.Datashard.MinStep)
	require.Equal(t, uint64(7), p.CoordinatorID)
	require.Equal(t, 1, p.RestartCount)

	// Cookies increase monotonically so a late reply for an earlier
	// attempt is distinguishable.
	for i := 1; i < len(transport.cookies); i++ {
		require.Greater(t, transport.cookies[i], transport.cookies[i-1])
	}
}

// neverTransport never lets a reattach succeed.
type neverTransport struct{}

func (neverTransport) Propose(ctx context.Context, shardID int, payload ProposalPayload, immediate bool) (ShardResponse, error) {
	return ShardResponse{}, nil
}
func (neverTransport) Reattach(ctx context.Context, shardID int, cookie uint64) (ShardResponse, error) {
	return ShardResponse{}, errors.New("pipe still down")
}
func (neverTransport) CancelProposal(ctx context.Context, shardID int) error { return nil }

func TestReattachGivesUpWithTxStateUnknown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := NewReattacher(neverTransport{}, clock, rand.New(rand.NewSource(1)))

	p := NewShardProposal(1, []int{1})
	p.OnSendProposal(false)
	p.OnPrepared(DatashardSubstate{}, 7)

	start := clock.now
	r.PipeLost(context.Background(), p, true)

	require.Equal(t, TxStateUnknown, p.State)
	require.NotNil(t, p.Err)
	require.Equal(t, "UNAVAILABLE", string(p.Err.Code))
	require.LessOrEqual(t, clock.now.Sub(start), MaxReattachDuration+200*time.Millisecond)

	// A write transaction in the same position must surface UNDETERMINED.
	pw := NewShardProposal(2, []int{2})
	pw.OnSendProposal(false)
	pw.OnPrepared(DatashardSubstate{}, 7)
	r.PipeLost(context.Background(), pw, false)
	require.Equal(t, "UNDETERMINED", string(pw.Err.Code))
}

func TestLostInitialProposalDoesNotReattach(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := NewReattacher(neverTransport{}, clock, rand.New(rand.NewSource(1)))

	p := NewShardProposal(1, []int{1})
	p.OnSendProposal(false) // Preparing, RestartCount == 0

	r.PipeLost(context.Background(), p, true)
	require.Equal(t, StateError, p.State)
	require.Equal(t, "UNAVAILABLE", string(p.Err.Code))
}

func TestNextReattachDelayBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	prev := time.Duration(0)
	require.Equal(t, time.Duration(0), nextReattachDelay(0, prev, rng))
	for attempt := 1; attempt < 10; attempt++ {
		d := nextReattachDelay(attempt, prev, rng)
		lo := 10 * time.Millisecond
		hi := 100 * time.Millisecond
		require.GreaterOrEqual(t, d, time.Duration(float64(lo)*0.9))
		require.LessOrEqual(t, d, time.Duration(float64(hi)*1.1))
		prev = d
	}
}
