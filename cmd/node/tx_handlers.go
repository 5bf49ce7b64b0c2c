package main

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ridgedb/ridge/internal/cluster"
	"github.com/ridgedb/ridge/internal/coordinator"
	"github.com/ridgedb/ridge/internal/shard"
	"github.com/ridgedb/ridge/internal/statuscode"
	"github.com/ridgedb/ridge/internal/storage"
)

// These handlers are the shard side of the executor's
// Propose/Reattach/Cancel contract. A proposal's read operations execute
// here against the shard's MVCC table and the rows travel back in the
// reply; write application -- MVCC write commit, durability, conflict
// detection -- belongs to the shard's own transaction engine and is not
// part of this surface.

// txRow is the opaque per-row payload a proposal reply carries: the row's
// key and its value, base64-encoded. The executor never looks inside;
// only the client decodes it.
type txRow struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// handleTxPropose accepts a proposal, executes its read operations at
// HEAD, attaches the requested optimistic lock over the read ranges, and
// picks this shard's coordinator deterministically from the candidates in
// the request, so every shard of a transaction lands on the same choice.
// This reference node has no contention to arbitrate, so every proposal
// reaches Prepared (or Executing, if immediate) on the first attempt.
func handleTxPropose(node *Node, w http.ResponseWriter, r *http.Request) {
	shardID, err := strconv.Atoi(r.URL.Query().Get("shard_id"))
	if err != nil {
		http.Error(w, "missing or invalid shard_id", http.StatusBadRequest)
		return
	}
	var req cluster.ProposeWireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s := shardFor(node, shardID)

	version := storage.Version{Head: true}
	var rows []string
	var readBytes int64
	var lockRanges []storage.KeyRange
	for _, read := range req.Reads {
		for _, wr := range read.Ranges {
			rng, err := decodeWireRange(wr)
			if err != nil {
				http.Error(w, "invalid range encoding", http.StatusBadRequest)
				return
			}
			results, scanErr := s.Table.Scan(version, rng, read.Reverse, nil)
			if scanErr != nil {
				writeJSON(w, cluster.TxWireResponse{Code: statuscode.Unavailable})
				return
			}
			if read.ItemsLimit > 0 && uint64(len(results)) > read.ItemsLimit {
				results = results[:read.ItemsLimit]
			}
			for _, res := range results {
				encoded, err := json.Marshal(txRow{
					Key:   string(res.Row[shard.KeyColumnID].Bytes),
					Value: base64.StdEncoding.EncodeToString(res.Row[shard.ValueColumnID].Bytes),
				})
				if err != nil {
					http.Error(w, "encoding result row", http.StatusInternalServerError)
					return
				}
				rows = append(rows, base64.StdEncoding.EncodeToString(encoded))
				readBytes += int64(len(encoded))
			}
			lockRanges = append(lockRanges, rng)
		}
	}

	var readLocks []cluster.ReadWireLock
	if req.LockTxID != 0 && len(lockRanges) > 0 {
		var generation, counter uint64
		for _, rng := range lockRanges {
			generation, counter = s.Table.AcquireLock(req.LockTxID, version, rng)
		}
		readLocks = []cluster.ReadWireLock{{
			LockTxID:   req.LockTxID,
			Generation: generation,
			Counter:    counter,
		}}
	}

	var coordinatorID uint64
	if ranked := coordinator.DomainCoordinators(req.TxID, req.CoordinatorCandidates); len(ranked) > 0 {
		coordinatorID = ranked[0]
	}

	writeJSON(w, cluster.TxWireResponse{
		OK:            true,
		Code:          statuscode.Success,
		MinStep:       1,
		MaxStep:       1 << 32,
		ReadSize:      readBytes,
		Follower:      !s.Primary,
		CoordinatorID: coordinatorID,
		Rows:          rows,
		ReadLocks:     readLocks,
	})
}

// decodeWireRange turns a wire key range into the shard's single-cell key
// interval; empty bounds stay open.
func decodeWireRange(wr cluster.WireKeyRange) (storage.KeyRange, error) {
	rng := storage.KeyRange{FromIncl: wr.FromInclusive, ToIncl: wr.ToInclusive}
	if wr.From != "" {
		b, err := base64.StdEncoding.DecodeString(wr.From)
		if err != nil {
			return rng, err
		}
		rng.From = storage.Key{{TypeID: 1, Bytes: b}}
	}
	if wr.To != "" {
		b, err := base64.StdEncoding.DecodeString(wr.To)
		if err != nil {
			return rng, err
		}
		rng.To = storage.Key{{TypeID: 1, Bytes: b}}
	}
	return rng, nil
}

// handleTxReattach always reports OK: this reference node never loses a
// proposal's state, so reattach restores Prepared trivially.
func handleTxReattach(node *Node, w http.ResponseWriter, r *http.Request) {
	var req cluster.ReattachWireRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeJSON(w, cluster.TxWireResponse{OK: true, Code: statuscode.Success})
}

// handleTxCancel acknowledges a cancel-proposal; there is no persisted
// proposal state on this reference node to roll back.
func handleTxCancel(node *Node, w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
