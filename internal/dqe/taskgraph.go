package dqe

import (
	"github.com/pkg/errors"

	"github.com/ridgedb/ridge/internal/statuscode"
)

// ShardMap resolves which shards a key range or set of write points touches.
// Production callers back this with the coordinator's ShardRegistry; tests
// can supply a fixed mapping.
type ShardMap interface {
	// ShardsForRange returns the shard ids a [from, to) range overlaps, in
	// ascending shard-id order.
	ShardsForRange(from, to []byte) []int
	// ShardForKey returns the single shard owning a point key.
	ShardForKey(key []byte) int
}

// TasksGraph is the concrete per-shard/per-compute breakdown of one
// Transaction, built by BuildTasksGraph. TasksGraph exclusively owns its
// Tasks and Channels.
type TasksGraph struct {
	Tasks               []*Task
	Channels            []*Channel
	HasPersistentChannels bool
	AffectedShards      map[int]struct{}
}

func newTasksGraph() *TasksGraph {
	return &TasksGraph{AffectedShards: make(map[int]struct{})}
}

func (g *TasksGraph) addTask(t *Task) *Task {
	t.ID = len(g.Tasks) + 1
	g.Tasks = append(g.Tasks, t)
	return t
}

func (g *TasksGraph) taskForShard(stageIdx, shardID int) *Task {
	for _, t := range g.Tasks {
		if t.StageIndex == stageIdx && t.ShardID == shardID {
			return t
		}
	}
	return nil
}

// clampHashShuffle implements the HashShuffle partitions-count rule: ceil(n/2)
// clamped to at most 24.
func clampHashShuffle(originTasks int) int {
	n := (originTasks + 1) / 2
	if n < 1 {
		n = 1
	}
	if n > 24 {
		n = 24
	}
	return n
}

// BuildTasksGraph applies the per-stage construction rules,
// then wires channels between consecutive stages, marking any channel that
// crosses a shard boundary Persistent.
func BuildTasksGraph(tx Transaction, shardMap ShardMap, maxComputeActors, maxAffectedShards int) (*TasksGraph, *statuscode.Classified) {
	g := newTasksGraph()
	stageTaskCount := make([]int, len(tx.Stages))

	for i, stage := range tx.Stages {
		switch {
		case stage.ShardOp == nil && !stage.IsSysview:
			n := partitionsCountFor(stage, stageTaskCount, i)
			for p := 0; p < n; p++ {
				g.addTask(&Task{StageIndex: i, Program: stage.Program})
			}
			stageTaskCount[i] = n

		case stage.IsSysview:
			// One scan task per partition; sysview partitioning is a fixed
			// fan-out the caller supplies via Stage.Partitions.
			n := stage.Partitions
			if n < 1 {
				n = 1
			}
			for p := 0; p < n; p++ {
				g.addTask(&Task{StageIndex: i, Program: stage.Program})
			}
			stageTaskCount[i] = n

		default:
			if err := buildShardTasks(g, tx, i, stage, shardMap); err != nil {
				return nil, err
			}
			stageTaskCount[i] = countStageShardTasks(g, i)
		}
	}

	buildChannels(g, tx)

	if len(g.Tasks) > maxComputeActors {
		return nil, preconditionFailed("compute actor count exceeds limit")
	}
	if len(g.AffectedShards) > maxAffectedShards {
		return nil, preconditionFailed("affected shard count exceeds limit")
	}
	return g, nil
}

func preconditionFailed(msg string) *statuscode.Classified {
	return statuscode.New(statuscode.PreconditionFailed, errors.New(msg))
}

func countStageShardTasks(g *TasksGraph, stageIdx int) int {
	n := 0
	for _, t := range g.Tasks {
		if t.StageIndex == stageIdx {
			n++
		}
	}
	return n
}

func partitionsCountFor(stage Stage, stageTaskCount []int, stageIdx int) int {
	switch stage.Input.Kind {
	case InputHashShuffle:
		origin := 1
		if stage.Input.FromStageIndex < stageIdx {
			origin = stageTaskCount[stage.Input.FromStageIndex]
		}
		return clampHashShuffle(origin)
	case InputMap:
		if stage.Input.FromStageIndex < stageIdx {
			return stageTaskCount[stage.Input.FromStageIndex]
		}
		return 1
	default:
		return 1
	}
}

// buildShardTasks implements the datashard-stage partitioning rule: reads
// partition by the table's shard map; MapShard writes reuse the upstream
// stage's shard assignment; bare writes are pruned to shard partitions.
func buildShardTasks(g *TasksGraph, tx Transaction, stageIdx int, stage Stage, shardMap ShardMap) *statuscode.Classified {
	op := stage.ShardOp

	if op.Kind.isRead() {
		byShard := make(map[int][]ShardRange)
		for _, rng := range op.Ranges {
			for _, shardID := range shardMap.ShardsForRange(rng.From, rng.To) {
				byShard[shardID] = append(byShard[shardID], rng)
			}
		}
		for shardID, ranges := range byShard {
			g.AffectedShards[shardID] = struct{}{}
			t := g.taskForShard(stageIdx, shardID)
			if t == nil {
				t = g.addTask(&Task{StageIndex: stageIdx, ShardID: shardID, Program: stage.Program})
			}
			t.Reads = append(t.Reads, ShardOp{
				Kind: op.Kind, Ranges: ranges, Columns: op.Columns,
				ItemsLimit: op.ItemsLimit, Reverse: op.Reverse,
			})
		}
		return nil
	}

	// Write op.
	if stage.Input.Kind == InputMapShard {
		// Reuse the upstream stage's shard assignment: merge write points
		// into whichever tasks that stage already created.
		for _, t := range g.Tasks {
			if t.StageIndex == stage.Input.FromStageIndex {
				g.AffectedShards[t.ShardID] = struct{}{}
				merged := g.taskForShard(stageIdx, t.ShardID)
				if merged == nil {
					merged = g.addTask(&Task{StageIndex: stageIdx, ShardID: t.ShardID, Program: stage.Program})
				}
				merged.Writes = append(merged.Writes, *op)
			}
		}
		return nil
	}

	byShard := make(map[int][]ShardRange)
	for _, rng := range op.Ranges {
		for _, shardID := range shardMap.ShardsForRange(rng.From, rng.To) {
			byShard[shardID] = append(byShard[shardID], rng)
		}
	}
	for shardID, ranges := range byShard {
		g.AffectedShards[shardID] = struct{}{}
		t := g.taskForShard(stageIdx, shardID)
		if t == nil {
			t = g.addTask(&Task{StageIndex: stageIdx, ShardID: shardID, Program: stage.Program})
		}
		t.Writes = append(t.Writes, ShardOp{
			Kind: op.Kind, Ranges: ranges, Columns: op.Columns,
		})
	}
	return nil
}

// buildChannels wires each stage's tasks to the next stage's tasks in
// sequence order, marking a channel Persistent whenever source and
// destination tasks carry different shard ids (compute tasks count as
// shard 0), which is the only way a channel can cross a shard boundary in
// this model.
func buildChannels(g *TasksGraph, tx Transaction) {
	for i := 0; i+1 < len(tx.Stages); i++ {
		var srcTasks, dstTasks []*Task
		for _, t := range g.Tasks {
			if t.StageIndex == i {
				srcTasks = append(srcTasks, t)
			}
			if t.StageIndex == i+1 {
				dstTasks = append(dstTasks, t)
			}
		}
		if len(dstTasks) == 0 {
			continue
		}
		for si, src := range srcTasks {
			dst := dstTasks[si%len(dstTasks)]
			persistent := src.ShardID != dst.ShardID
			ch := &Channel{SrcTask: src.ID, DstTask: dst.ID, DstInputIdx: 0, Persistent: persistent}
			g.Channels = append(g.Channels, ch)
			src.Outputs = append(src.Outputs, dst.ID)
			dst.Inputs = append(dst.Inputs, src.ID)
			if persistent {
				g.HasPersistentChannels = true
			}
		}
	}
}
