package main

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/ridgedb/ridge/internal/cluster"
	"github.com/ridgedb/ridge/internal/shard"
	"github.com/ridgedb/ridge/internal/sri"
	"github.com/ridgedb/ridge/internal/statuscode"
	"github.com/ridgedb/ridge/internal/storage"
)

func shardFor(node *Node, shardID int) *shard.Shard {
	s := node.GetShard(shardID)
	if s == nil {
		log.Printf("creating shard %d on demand for a read request", shardID)
		s = shard.NewShard(shardID, true)
		node.AddShard(s)
	}
	return s
}

// handleRead implements the wire Read request: it opens a new
// Shard Read Iterator (rejecting a duplicate readId with ALREADY_EXISTS),
// runs it to its first chunk, and replies with that
// chunk. Because HTTP/JSON request-response has no server push, a client
// that wants further chunks after Exhausted must call /read/ack, whose
// response carries the next chunk the same way.
func handleRead(node *Node, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.ReadWireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	s := shardFor(node, req.ShardID)
	sriReq := decodeReadRequest(req)

	it, classified := sri.New(s.Table, sriReq, nil, nil)
	if classified != nil {
		writeJSON(w, cluster.ReadWireResponse{ReadID: req.ReadID, Code: classified.Code, Issues: classified.Issues, Finished: true})
		return
	}
	if classified := s.Reads.Open(req.ReadID, it); classified != nil {
		writeJSON(w, cluster.ReadWireResponse{ReadID: req.ReadID, Code: classified.Code, Finished: true})
		return
	}
	if classified := it.Start(); classified != nil {
		s.Reads.Close(req.ReadID)
		writeJSON(w, cluster.ReadWireResponse{ReadID: req.ReadID, Code: classified.Code, Issues: classified.Issues, Finished: true})
		return
	}

	produceAndReply(s, req.ReadID, it, w)
}

// handleReadAck implements ReadAck: it enlarges the iterator's
// quota and returns the next chunk produced under the new
// quota, closing the iterator's registry entry once Finished.
func handleReadAck(node *Node, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	shardID, err := strconv.Atoi(r.URL.Query().Get("shard_id"))
	if err != nil {
		http.Error(w, "missing or invalid shard_id", http.StatusBadRequest)
		return
	}
	var req cluster.ReadAckWireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	s := shardFor(node, shardID)
	it, ok := s.Reads.Get(req.ReadID)
	if !ok {
		http.Error(w, "unknown read id", http.StatusNotFound)
		return
	}
	chunk, produced := it.Ack(req.SeqNo, req.MaxRows, req.MaxBytes)
	if produced {
		// A deferred error (schema change while exhausted) fires on the
		// ack instead of a data chunk.
		writeReadResult(s, req.ReadID, chunk, w)
		return
	}
	if it.State() == sri.Executing {
		// The ack restored quota; produce the next chunk under it. This
		// replaces the internal continue loopback an actor runtime would
		// use, since request/response HTTP has no server push.
		produceAndReply(s, req.ReadID, it, w)
		return
	}
	// Stale or premature ack: ignored, nothing new to report.
	writeJSON(w, cluster.ReadWireResponse{ReadID: req.ReadID, Code: statuscode.Success})
}

// handleReadCancel implements ReadCancel: stop the iterator immediately,
// reply with nothing further, and drop it from the registry.
func handleReadCancel(node *Node, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	shardID, err := strconv.Atoi(r.URL.Query().Get("shard_id"))
	if err != nil {
		http.Error(w, "missing or invalid shard_id", http.StatusBadRequest)
		return
	}
	var req cluster.ReadCancelWireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s := shardFor(node, shardID)
	if it, ok := s.Reads.Get(req.ReadID); ok {
		it.Cancel()
		s.Reads.Close(req.ReadID)
	}
	w.WriteHeader(http.StatusOK)
}

func produceAndReply(s *shard.Shard, readID uint64, it *sri.Iterator, w http.ResponseWriter) {
	chunk, ok := it.Produce()
	if !ok {
		s.Reads.Close(readID)
		writeJSON(w, cluster.ReadWireResponse{ReadID: readID, Finished: true, Code: statuscode.Success})
		return
	}
	writeReadResult(s, readID, chunk, w)
}

func writeReadResult(s *shard.Shard, readID uint64, chunk sri.Chunk, w http.ResponseWriter) {
	if chunk.Finished {
		s.Reads.Close(readID)
	}
	resp := cluster.ReadWireResponse{
		ReadID:       chunk.ReadID,
		SeqNo:        chunk.SeqNo,
		Finished:     chunk.Finished,
		LimitReached: chunk.LimitReached,
		RowsCount:    chunk.RowsCount,
		Code:         chunk.Code,
		Issues:       chunk.Issues,
	}
	for _, lock := range chunk.TxLocks {
		resp.TxLocks = append(resp.TxLocks, cluster.ReadWireLock{LockTxID: lock.LockTxID, Generation: lock.Generation, Counter: lock.Counter})
	}
	for _, lock := range chunk.BrokenTxLocks {
		resp.BrokenTxLocks = append(resp.BrokenTxLocks, cluster.ReadWireLock{LockTxID: lock.LockTxID, Generation: lock.Generation, Counter: lock.Counter})
	}
	rows := chunk.Cells
	if chunk.Arrow != nil {
		rows = chunk.Arrow.Rows
	}
	for _, row := range rows {
		var wireRow []cluster.ReadWireCell
		for i, cell := range row {
			col := uint32(i)
			if chunk.Arrow != nil && i < len(chunk.Arrow.Columns) {
				col = chunk.Arrow.Columns[i]
			}
			wireRow = append(wireRow, cluster.ReadWireCell{Column: col, Value: base64.StdEncoding.EncodeToString(cell.Bytes)})
		}
		resp.Rows = append(resp.Rows, wireRow)
	}
	writeJSON(w, resp)
}

func decodeReadRequest(req cluster.ReadWireRequest) sri.Request {
	out := sri.Request{
		ReadID:          req.ReadID,
		Columns:         req.Columns,
		Reverse:         req.Reverse,
		MaxRows:         req.MaxRows,
		MaxBytes:        req.MaxBytes,
		MaxRowsInResult: req.MaxRowsInResult,
		LockTxID:        req.LockTxID,
	}
	if req.SnapshotStep != nil {
		out.Snapshot = &storage.Version{Step: *req.SnapshotStep}
	}
	for _, k := range req.Keys {
		out.Points = append(out.Points, storage.Key{{TypeID: 1, Bytes: []byte(k)}})
	}
	if req.RangeFrom != nil || req.RangeTo != nil {
		rng := storage.KeyRange{FromIncl: req.FromInclusive, ToIncl: req.ToInclusive}
		if req.RangeFrom != nil {
			rng.From = storage.Key{{TypeID: 1, Bytes: []byte(*req.RangeFrom)}}
		}
		if req.RangeTo != nil {
			rng.To = storage.Key{{TypeID: 1, Bytes: []byte(*req.RangeTo)}}
		}
		out.Ranges = append(out.Ranges, rng)
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
