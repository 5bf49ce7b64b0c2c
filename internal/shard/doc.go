// Package shard implements the data partition a Ridge storage node hosts:
// a self-contained, thread-safe unit owning one slice of the cluster key
// space.
//
// # What a shard holds
//
// Each Shard combines three pieces:
//
//   - a flat Store (internal/storage) holding the latest value per key,
//     serving the plain get/put/delete data API;
//   - an MVCCTable mirroring every write at a monotonically increasing
//     version, which is what the streaming read engine (internal/sri)
//     scans; snapshot reads, future-snapshot waits, and optimistic lock
//     breaks all happen against this table;
//   - a Registry of the live read iterators currently streaming from the
//     table, enforcing one active iterator per readId.
//
// Writes go through the shard, never directly to either store, so the two
// views stay consistent: Put/Delete update the flat store and then commit
// a mirrored version (or tombstone) into the MVCC table, advancing the
// mediator step past it.
//
// # Ownership
//
// Keys map to shards by FNV-1a hash modulo the cluster shard count. The
// coordinator routes with the same hash; OwnsKey lets the node re-check on
// arrival so stale routing surfaces as a refusal rather than a misplaced
// write.
//
// # Replicas
//
// A shard created with primary=false is a follower: its MVCC table
// rejects HEAD and snapshot reads, because followers carry no MVCC log to
// serve them from. Followers exist for stale-read scaling and failover,
// not for the consistent read path.
//
// # Concurrency
//
// All shard methods are safe for concurrent use. Operation counters
// update atomically; the operational state is the only field behind the
// shard's own mutex; both stores synchronize internally.
package shard
