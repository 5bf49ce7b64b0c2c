package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignShardValidation(t *testing.T) {
	r := NewShardRegistry(4)

	tests := []struct {
		name    string
		shardID int
		nodeID  string
		wantErr bool
	}{
		{"valid assignment", 0, "node-1", false},
		{"last valid shard", 3, "node-1", false},
		{"negative shard", -1, "node-1", true},
		{"shard out of range", 4, "node-1", true},
		{"empty node id", 1, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.AssignShard(tt.shardID, tt.nodeID, true)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetAssignmentReturnsCopy(t *testing.T) {
	r := NewShardRegistry(4)
	require.NoError(t, r.AssignShard(2, "node-1", true))

	a := r.GetAssignment(2)
	require.NotNil(t, a)
	assert.Equal(t, "node-1", a.NodeID)
	assert.True(t, a.IsPrimary)

	// Mutating the returned copy must not affect the registry.
	a.NodeID = "mangled"
	again := r.GetAssignment(2)
	assert.Equal(t, "node-1", again.NodeID)
}

func TestGetAssignmentUnassigned(t *testing.T) {
	r := NewShardRegistry(4)
	assert.Nil(t, r.GetAssignment(0))
	assert.Nil(t, r.GetAssignment(99))
}

func TestGenerationBumpsOnlyWhenNodeChanges(t *testing.T) {
	r := NewShardRegistry(4)

	require.NoError(t, r.AssignShard(1, "node-1", true))
	assert.Equal(t, uint64(1), r.GetAssignment(1).Generation)

	// Reasserting the same node keeps the generation: routing decided
	// under it is still valid.
	require.NoError(t, r.AssignShard(1, "node-1", true))
	assert.Equal(t, uint64(1), r.GetAssignment(1).Generation)

	// Moving to another node invalidates prior routing.
	require.NoError(t, r.AssignShard(1, "node-2", true))
	assert.Equal(t, uint64(2), r.GetAssignment(1).Generation)
}

func TestGenerationSurvivesRemoval(t *testing.T) {
	r := NewShardRegistry(4)
	require.NoError(t, r.AssignShard(1, "node-1", true))
	require.NoError(t, r.AssignShard(1, "node-2", true))
	require.NoError(t, r.RemoveShard(1))
	assert.Nil(t, r.GetAssignment(1))

	require.NoError(t, r.AssignShard(1, "node-3", true))
	assert.Equal(t, uint64(3), r.GetAssignment(1).Generation)
}

func TestRemoveShardValidation(t *testing.T) {
	r := NewShardRegistry(4)
	assert.Error(t, r.RemoveShard(-1))
	assert.Error(t, r.RemoveShard(4))
	// Removing an unassigned shard is fine.
	assert.NoError(t, r.RemoveShard(2))
}

func TestGetShardForKeyIsDeterministic(t *testing.T) {
	r := NewShardRegistry(16)
	keys := []string{"user:1", "user:2", "order:9000", "", "a"}
	for _, key := range keys {
		first := r.GetShardForKey(key)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 16)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, r.GetShardForKey(key))
		}
	}
}

func TestGetNodeForKey(t *testing.T) {
	r := NewShardRegistry(1) // everything lands on shard 0

	_, err := r.GetNodeForKey("user:1")
	assert.Error(t, err, "unassigned shard must not route")

	require.NoError(t, r.AssignShard(0, "node-1", true))
	nodeID, err := r.GetNodeForKey("user:1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", nodeID)
}

func TestGetNodeShards(t *testing.T) {
	r := NewShardRegistry(6)
	require.NoError(t, r.AssignShard(0, "node-1", true))
	require.NoError(t, r.AssignShard(1, "node-2", true))
	require.NoError(t, r.AssignShard(2, "node-1", true))

	assert.ElementsMatch(t, []int{0, 2}, r.GetNodeShards("node-1"))
	assert.ElementsMatch(t, []int{1}, r.GetNodeShards("node-2"))
	assert.Empty(t, r.GetNodeShards("node-9"))
}

func TestRebalanceShardsRoundRobin(t *testing.T) {
	r := NewShardRegistry(6)
	require.NoError(t, r.RebalanceShards([]string{"node-1", "node-2"}))

	assert.ElementsMatch(t, []int{0, 2, 4}, r.GetNodeShards("node-1"))
	assert.ElementsMatch(t, []int{1, 3, 5}, r.GetNodeShards("node-2"))
	assert.Len(t, r.GetAllAssignments(), 6)
}

func TestRebalanceBumpsGenerationForMovedShardsOnly(t *testing.T) {
	r := NewShardRegistry(4)
	require.NoError(t, r.RebalanceShards([]string{"node-1", "node-2"}))
	before := map[int]uint64{}
	for _, a := range r.GetAllAssignments() {
		before[a.ShardID] = a.Generation
	}

	// Shrinking to one node moves every shard that was on node-2.
	require.NoError(t, r.RebalanceShards([]string{"node-1"}))
	for _, a := range r.GetAllAssignments() {
		assert.Equal(t, "node-1", a.NodeID)
		if a.ShardID%2 == 0 {
			assert.Equal(t, before[a.ShardID], a.Generation, "shard %d did not move", a.ShardID)
		} else {
			assert.Equal(t, before[a.ShardID]+1, a.Generation, "shard %d moved", a.ShardID)
		}
	}
}

func TestRebalanceRejectsEmptyNodeList(t *testing.T) {
	r := NewShardRegistry(4)
	assert.Error(t, r.RebalanceShards(nil))
}

func TestConcurrentRegistryAccess(t *testing.T) {
	r := NewShardRegistry(32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = r.AssignShard(i%32, "node-1", true)
		}
	}()
	for i := 0; i < 200; i++ {
		_ = r.GetAssignment(i % 32)
		_ = r.GetShardForKey("key")
		_ = r.GetAllAssignments()
	}
	<-done
}
