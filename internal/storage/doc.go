// Package storage provides the two storage layers a Ridge data shard hosts.
//
// # Store
//
// Store is a flat, unversioned key-value interface with one in-memory
// implementation, MemoryStore. Shards use it for everything where only the
// latest value matters: the plain data API, membership bookkeeping,
// operational counters. It knows nothing about versions, snapshots or
// locks.
//
// # MVCCTable
//
// MVCCTable is the versioned table the streaming read engine
// (internal/sri) operates on. Per key it keeps the full chain of committed
// versions, so a reader pinned to a (step, txId) snapshot sees a
// consistent point-in-time view while newer writes continue to land. On
// top of the version chains it tracks:
//
//   - a mediator step, advanced by commits, that gates reads requesting a
//     snapshot in the future (the reader blocks until the step is crossed);
//   - in-flight writer markers, so a HEAD read that would race a
//     proposed-but-uncommitted write restarts at a committed version
//     instead of observing a half-applied state;
//   - optimistic lock state: a lock covers key ranges at a snapshot, and
//     any committed write into a covered range breaks it, bumping its
//     (generation, counter) so the next reader holding that lock's id can
//     see it was invalidated;
//   - a follower flag: follower replicas carry no MVCC log, so they
//     reject both HEAD and snapshot reads with typed errors the read
//     engine maps to its wire statuses.
//
// Keys are tuples of typed cells (Cell, Key) compared cell-wise in
// primary-key order, with a shorter key acting as a prefix: comparison
// stops at the shorter key's length, which is what makes a k-cell prefix
// read select every row sharing those k cells. Key.UpperBound produces
// the exclusive upper end of that prefix interval.
//
// The two layers are deliberately separate. Bookkeeping callers get the
// simple Store surface without paying for version chains; the read engine
// gets exactly the versioned semantics it needs without the Store
// interface growing snapshot parameters every caller but one would
// ignore.
//
// Everything in this package is safe for concurrent use.
package storage
