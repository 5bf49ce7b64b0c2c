// Package coordinator implements Ridge's control plane: shard placement,
// node health monitoring, and the transaction-planning services the query
// executor depends on. See doc.go for the package overview.
package coordinator

import (
	"hash/fnv"
	"sync"

	"github.com/pkg/errors"
)

// ShardAssignment records which node currently serves a shard, and in what
// role. The registry hands out copies; callers never share the registry's
// own structs.
//
// Generation increments every time the shard moves to a different node.
// The registry exposes it through the admin API's shard listing. Shard
// proposals do not carry it, so a node cannot tell from a proposal which
// placement the caller routed against.
type ShardAssignment struct {
	// NodeID names the serving node. It must match a registered node's ID.
	NodeID string

	// IsPrimary distinguishes the writable primary from a read-only
	// follower. Followers never receive proposals or cancel-proposal
	// messages; they only serve stale reads.
	IsPrimary bool

	// ShardID is the shard this assignment covers, in [0, numShards).
	ShardID int

	// Generation counts placements of this shard. It starts at 1 on the
	// first assignment and increases whenever NodeID changes.
	Generation uint64
}

// ShardRegistry is the authoritative map from shards to nodes. Keys hash to
// shards with FNV-1a; shards map to nodes through the assignments table.
// The shard count is fixed for the registry's lifetime, so a key's shard
// never changes even as shards move between nodes.
//
// All methods are safe for concurrent use. Reads take the shared lock and
// return copies; writes take the exclusive lock. No lock is ever held
// across an external call.
type ShardRegistry struct {
	assignments map[int]ShardAssignment

	// retiredGen remembers the generation a shard had when its assignment
	// was removed, so a later reassignment continues the sequence instead
	// of restarting at 1.
	retiredGen map[int]uint64

	mu        sync.RWMutex
	numShards int
}

// NewShardRegistry creates a registry managing numShards shards, all
// initially unassigned. The count should comfortably exceed the expected
// node count so rebalancing has granularity to work with.
func NewShardRegistry(numShards int) *ShardRegistry {
	return &ShardRegistry{
		assignments: make(map[int]ShardAssignment),
		retiredGen:  make(map[int]uint64),
		numShards:   numShards,
	}
}

// AssignShard places shardID on nodeID, replacing any previous assignment.
// Moving a shard to a different node bumps its generation; reasserting the
// current node (e.g. a re-registration after a node restart) does not, so
// in-flight work routed under the current generation stays valid.
func (r *ShardRegistry) AssignShard(shardID int, nodeID string, isPrimary bool) error {
	if shardID < 0 || shardID >= r.numShards {
		return errors.Errorf("invalid shard ID %d, must be in range [0, %d)", shardID, r.numShards)
	}
	if nodeID == "" {
		return errors.New("node ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.assignments[shardID] = ShardAssignment{
		ShardID:    shardID,
		NodeID:     nodeID,
		IsPrimary:  isPrimary,
		Generation: r.nextGenerationLocked(shardID, nodeID),
	}
	return nil
}

func (r *ShardRegistry) nextGenerationLocked(shardID int, nodeID string) uint64 {
	if prev, ok := r.assignments[shardID]; ok {
		if prev.NodeID == nodeID {
			return prev.Generation
		}
		return prev.Generation + 1
	}
	if retired, ok := r.retiredGen[shardID]; ok {
		return retired + 1
	}
	return 1
}

// RemoveShard drops shardID's assignment, leaving it unroutable until
// reassigned. Removing an unassigned shard is not an error. The generation
// survives removal: a later reassignment to a different node still ranks
// above everything routed before the removal.
func (r *ShardRegistry) RemoveShard(shardID int) error {
	if shardID < 0 || shardID >= r.numShards {
		return errors.Errorf("invalid shard ID %d, must be in range [0, %d)", shardID, r.numShards)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.assignments[shardID]; ok {
		r.retiredGen[shardID] = prev.Generation
		delete(r.assignments, shardID)
	}
	return nil
}

// GetAssignment returns a copy of shardID's current assignment, or nil if
// the shard is unassigned (node failed, migration in progress) or the ID is
// out of range.
func (r *ShardRegistry) GetAssignment(shardID int) *ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	assignment, ok := r.assignments[shardID]
	if !ok {
		return nil
	}
	out := assignment
	return &out
}

// GetAllAssignments returns copies of every current assignment, in no
// particular order. Unassigned shards are absent.
func (r *ShardRegistry) GetAllAssignments() []*ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	assignments := make([]*ShardAssignment, 0, len(r.assignments))
	for _, assignment := range r.assignments {
		out := assignment
		assignments = append(assignments, &out)
	}
	return assignments
}

// GetShardForKey maps key to its owning shard with FNV-1a. The mapping is
// pure computation: the same key always lands on the same shard regardless
// of which node currently serves it, which is what lets data survive
// rebalancing without rehashing.
func (r *ShardRegistry) GetShardForKey(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % r.numShards
}

// GetNodeForKey resolves key all the way to a node: key → shard → node.
// It fails if the owning shard is currently unassigned.
func (r *ShardRegistry) GetNodeForKey(key string) (string, error) {
	shardID := r.GetShardForKey(key)

	r.mu.RLock()
	assignment, ok := r.assignments[shardID]
	r.mu.RUnlock()

	if !ok {
		return "", errors.Errorf("shard %d is not assigned to any node", shardID)
	}
	return assignment.NodeID, nil
}

// GetNodeShards lists the shards currently assigned to nodeID, in no
// particular order. Used when a node fails to know which shards need a new
// home, and for per-node load accounting.
func (r *ShardRegistry) GetNodeShards(nodeID string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var shards []int
	for shardID, assignment := range r.assignments {
		if assignment.NodeID == nodeID {
			shards = append(shards, shardID)
		}
	}
	return shards
}

// NumShards returns the fixed shard count this registry was created with.
func (r *ShardRegistry) NumShards() int {
	return r.numShards
}

// RebalanceShards reassigns every shard round-robin across nodes. Shards
// that land on a different node than before get a new generation, so any
// transaction still executing against the old placement is detectably
// stale. Rebalancing does not move data; callers coordinate migration
// separately.
func (r *ShardRegistry) RebalanceShards(nodes []string) error {
	if len(nodes) == 0 {
		return errors.New("cannot rebalance with no nodes")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for shardID := 0; shardID < r.numShards; shardID++ {
		nodeID := nodes[shardID%len(nodes)]
		r.assignments[shardID] = ShardAssignment{
			ShardID:    shardID,
			NodeID:     nodeID,
			IsPrimary:  true,
			Generation: r.nextGenerationLocked(shardID, nodeID),
		}
	}
	return nil
}
