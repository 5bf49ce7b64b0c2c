// This file implements the transaction-coordinator collaborator the DQE
// talks to for planned (multi-shard) transactions: DomainCoordinators
// selection, the ProposeTransaction/plan handshake, and the read-snapshot
// acquisition service.
package coordinator

import (
	"context"
	"sort"
	"sync"

	"github.com/ridgedb/ridge/internal/dqe"
)

// DomainCoordinators deterministically ranks the coordinator ids available
// to a transaction, given its txId. The selection must be deterministic
// given the sorted coordinator set and the txId, or two shards could plan
// against different coordinators; rotating the sorted id list by txId
// modulo its length satisfies that without any external discovery service.
func DomainCoordinators(txID uint64, coordinatorIDs []uint64) []uint64 {
	out := append([]uint64(nil), coordinatorIDs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) == 0 {
		return out
	}
	pivot := int(txID % uint64(len(out)))
	return append(out[pivot:], out[:pivot]...)
}

// InProcessTxCoordinator is a reference dqe.TxCoordinator backed by an
// in-memory plan table, used by cmd/coordinator and by DQE tests in place
// of a networked coordinator service (out of scope).
type InProcessTxCoordinator struct {
	mu          sync.Mutex
	coordinators []uint64
	nextStep    uint64
	plans       map[uint64]dqe.ProposeTransactionStatus
}

func NewInProcessTxCoordinator(coordinatorIDs []uint64) *InProcessTxCoordinator {
	return &InProcessTxCoordinator{
		coordinators: coordinatorIDs,
		nextStep:     1,
		plans:        make(map[uint64]dqe.ProposeTransactionStatus),
	}
}

// DomainCoordinators implements dqe.TxCoordinator.
func (c *InProcessTxCoordinator) DomainCoordinators(txID uint64) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DomainCoordinators(txID, c.coordinators)
}

// ProposeTransaction implements dqe.TxCoordinator: it assigns the next
// global step and immediately marks the transaction Planned, since this
// reference implementation has no contention to arbitrate.
func (c *InProcessTxCoordinator) ProposeTransaction(ctx context.Context, req dqe.ProposeTransactionRequest) (dqe.ProposeTransactionStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextStep++
	c.plans[req.TxID] = dqe.StatusPlanned
	return dqe.StatusPlanned, nil
}

// InProcessSnapshotAcquirer is a reference dqe.SnapshotAcquirer handing out
// monotonically increasing steps as MVCC snapshots, standing in for the
// networked snapshot service a full deployment would run.
type InProcessSnapshotAcquirer struct {
	mu   sync.Mutex
	step uint64
}

func NewInProcessSnapshotAcquirer() *InProcessSnapshotAcquirer {
	return &InProcessSnapshotAcquirer{}
}

func (a *InProcessSnapshotAcquirer) AcquireSnapshot(ctx context.Context) (dqe.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.step++
	return dqe.Snapshot{Valid: true, Step: a.step, TxID: 0}, nil
}
