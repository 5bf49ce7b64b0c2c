// Package coordinator implements Ridge's control plane: everything a
// cluster needs to decide where data lives and how distributed work is
// planned, without touching the data path itself.
//
// # Components
//
// ShardRegistry is the authoritative shard→node map. Keys hash to shards
// with FNV-1a, so a key's shard is a pure function of the key; shards move
// between nodes through AssignShard/RebalanceShards, and every move bumps
// the shard's generation so stale routing is detectable rather than
// silently wrong.
//
// HealthMonitor polls each registered node's /health endpoint and declares
// a node unhealthy only after several consecutive misses. The unhealthy
// callback is where placement reacts to failure: the coordinator server
// rebalances the dead node's shards across the survivors.
//
// InProcessTxCoordinator and InProcessSnapshotAcquirer are the
// transaction-planning collaborators the query executor needs for
// multi-shard transactions: deterministic coordinator selection from a
// txId, the propose/plan handshake that assigns a global step, and MVCC
// read-snapshot acquisition. They are in-process reference
// implementations; the executor only sees the dqe.TxCoordinator and
// dqe.SnapshotAcquirer interfaces, so a networked service can replace them
// without touching executor code.
//
// HTTPShardTransport carries the executor's per-shard messages (propose,
// reattach, cancel) to node processes over the same HTTP/JSON wire the
// rest of the cluster uses, resolving shard→node addresses through a
// caller-supplied lookup. RegistryShardMap adapts the registry's hash
// placement to the executor's range-resolution interface.
//
// # Concurrency
//
// Every type here is safe for concurrent use. The registry and monitor
// guard their state with RWMutexes and return copies; neither holds a lock
// across an external call, so a slow node probe or callback can never
// block routing lookups.
package coordinator
