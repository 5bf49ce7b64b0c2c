package coordinator

// RegistryShardMap adapts a ShardRegistry's hash-based key-to-shard lookup
// to the dqe.ShardMap interface BuildTasksGraph needs. The registry has no
// concept of an ordered key range (shards are hash buckets, not contiguous
// partitions), so ShardsForRange conservatively returns every shard:
// correct, if not tight, since BuildTasksGraph only needs the set of
// shards a range can touch.
type RegistryShardMap struct {
	Registry *ShardRegistry
}

func (m RegistryShardMap) ShardForKey(key []byte) int {
	return m.Registry.GetShardForKey(string(key))
}

func (m RegistryShardMap) ShardsForRange(from, to []byte) []int {
	n := m.Registry.NumShards()
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
