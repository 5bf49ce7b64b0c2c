package main

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ridgedb/ridge/internal/dqe"
	"github.com/ridgedb/ridge/internal/statuscode"
)

// queryWireRequest is the JSON body for POST /query: a single-shard-op,
// single-transaction ExecutionRequest simple enough to drive
// without a query planner, which is out of scope
type queryWireRequest struct {
	Isolation         string   `json:"isolation"` // "serializable" (default), "online_ro", "stale_ro", "read_uncommitted", "snapshot_ro"
	Kind              string   `json:"kind"`       // "lookup" or "range"
	Columns           []uint32 `json:"columns"`
	Keys              []string `json:"keys,omitempty"`
	RangeFrom         string   `json:"range_from,omitempty"`
	RangeTo           string   `json:"range_to,omitempty"`
	FromInclusive     bool     `json:"from_inclusive"`
	ToInclusive       bool     `json:"to_inclusive"`
	Reverse           bool     `json:"reverse"`
	ItemsLimit        uint64   `json:"items_limit"`
	MaxAffectedShards int      `json:"max_affected_shards"`
}

type queryWireResponse struct {
	OK     bool               `json:"ok"`
	OpID   string             `json:"op_id"`
	Code   statuscode.Code    `json:"code"`
	Issues []statuscode.Issue `json:"issues,omitempty"`
	// Rows holds one base64 entry per result row. Each decoded payload is
	// the shard's JSON row document ({"key": ..., "value": base64}); the
	// executor treats it as opaque bytes end to end.
	Rows []string `json:"rows,omitempty"`
}

var isolationByName = map[string]dqe.IsolationLevel{
	"serializable":     dqe.Serializable,
	"online_ro":        dqe.OnlineRO,
	"stale_ro":         dqe.StaleRO,
	"read_uncommitted": dqe.ReadUncommitted,
	"snapshot_ro":      dqe.SnapshotRO,
}

// handleQuery runs a single read against the cluster through the
// Distributed Query Executor: it turns a queryWireRequest into an
// ExecutionRequest with one Transaction and one shard-bound Stage, drives
// the per-shard proposal round, and returns the rows the shards produced,
// concatenated in shard order.
//
// Endpoint: POST /query
func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req queryWireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	// Every query gets an opaque operation id, carried in logs and the
	// response so a failure report can be matched to its server-side
	// trace. Its leading bytes double as the transaction id the executor
	// uses for coordinator selection.
	opUUID := uuid.New()
	opID := opUUID.String()
	txID := binary.BigEndian.Uint64(opUUID[:8])

	op := dqe.ShardOp{Columns: req.Columns, Reverse: req.Reverse, ItemsLimit: req.ItemsLimit}
	switch req.Kind {
	case "range":
		op.Kind = dqe.OpReadRange
		op.Ranges = []dqe.ShardRange{{
			From: []byte(req.RangeFrom), To: []byte(req.RangeTo),
			FromIncl: req.FromInclusive, ToIncl: req.ToInclusive,
		}}
	default:
		op.Kind = dqe.OpLookup
		for _, k := range req.Keys {
			op.Ranges = append(op.Ranges, dqe.ShardRange{From: []byte(k), To: []byte(k), FromIncl: true, ToIncl: true})
		}
	}

	isolation, ok := isolationByName[req.Isolation]
	if !ok {
		isolation = dqe.Serializable
	}

	execReq := dqe.ExecutionRequest{
		Transactions:      []dqe.Transaction{{Stages: []dqe.Stage{{ShardOp: &op}}}},
		Isolation:         isolation,
		TxID:              txID,
		MaxAffectedShards: req.MaxAffectedShards,
	}

	results, classified := s.executor.Execute(r.Context(), execReq)
	if classified != nil {
		s.log.Warn("query failed",
			zap.String("op_id", opID),
			zap.String("status_code", string(classified.Code)))
		writeQueryJSON(w, queryWireResponse{OpID: opID, Code: classified.Code, Issues: classified.Issues})
		return
	}

	resp := queryWireResponse{OK: true, OpID: opID, Code: statuscode.Success}
	for _, res := range results {
		if res.Err != nil {
			resp.OK = false
			resp.Code = res.Err.Code
			resp.Issues = res.Err.Issues
			break
		}
		for _, row := range res.Rows {
			resp.Rows = append(resp.Rows, base64.StdEncoding.EncodeToString(row))
		}
	}
	writeQueryJSON(w, resp)
}

func writeQueryJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
