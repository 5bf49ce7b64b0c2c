// Package main implements the Ridge coordinator: the control-plane process
// that owns cluster membership, shard placement, distributed query
// execution and rate quotas.
//
// Endpoint groups:
//
//   - /register, /nodes, /broadcast, /health: membership. Nodes register
//     on startup, the health monitor probes them, failures trigger shard
//     redistribution.
//   - /data/{key}: keyed data routing. The key hashes to a shard, the
//     shard resolves to a node, the request proxies through.
//   - /shards, /shards/assign: placement administration.
//   - /query: the distributed query executor. One request becomes
//     per-shard proposals driven through the prepare/plan/execute state
//     machine against the nodes.
//   - /quota/open, /quota/consume, /quota/close: rate-quoter sessions
//     against the hierarchical scheduling tree, with a background tick
//     loop granting tokens and billing consumption.
//
// Configuration layers, lowest to highest precedence: built-in defaults,
// an optional --config YAML file, RIDGE_-prefixed environment variables,
// flags. The COORDINATOR_ADDR and HEALTH_CHECK_INTERVAL environment
// variables are honored above all of those, for compatibility with older
// deployment scripts.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/ridgedb/ridge/internal/cluster"
	"github.com/ridgedb/ridge/internal/config"
	"github.com/ridgedb/ridge/internal/coordinator"
	"github.com/ridgedb/ridge/internal/dqe"
	"github.com/ridgedb/ridge/internal/hrq"
	"github.com/ridgedb/ridge/internal/telemetry"
)

// defaultRootUnitsPerSecond seeds the root of the rate-quoter tree when no
// resource tree config file is supplied.
const defaultRootUnitsPerSecond = 100000.0

// processLogger, when set by runCoordinator before the first newServer()
// call, becomes every subsequent server's structured logger; it stays nil
// under go test, where newServer() falls back to zap.NewNop(), the same
// nil-logger convention the internal packages use.
var processLogger *zap.Logger

// processNumShards, processCoordinatorIDs and processHealthInterval mirror
// processLogger: runCoordinator sets them from the loaded config before
// the first newServer() call; at their zero values newServer() keeps its
// 4-shard/single-coordinator test defaults.
var (
	processNumShards      int
	processCoordinatorIDs []uint64
	processHealthInterval time.Duration
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
	healthStatusUnknown   = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "ridge-coordinator",
		Short:         "Ridge control plane: shard placement, query execution, rate quotas",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCoordinator,
	}
	root.Flags().String("config", "", "optional YAML config file")
	if err := root.Execute(); err != nil {
		log.Fatalf("coordinator: %v", err)
	}
}

// runCoordinator loads configuration, builds the server, starts the
// background loops (health monitor, quota scheduler) and serves until a
// termination signal arrives, then shuts down with a 5-second grace
// period.
func runCoordinator(cmd *cobra.Command, _ []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	v, err := config.NewViper(cmd.Flags(), configFile)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}
	cfg, err := config.LoadCoordinator(v)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}

	addr := getenv("COORDINATOR_ADDR", cfg.Addr)

	processNumShards = cfg.NumShards
	processHealthInterval = cfg.HealthCheckInterval
	for _, id := range cfg.CoordinatorIDs {
		processCoordinatorIDs = append(processCoordinatorIDs, uint64(id))
	}

	newLogger := zap.NewProduction
	if cfg.LogLevel == "debug" {
		newLogger = zap.NewDevelopment
	}
	if logger, err := newLogger(); err == nil {
		processLogger = logger
		defer logger.Sync() //nolint:errcheck
	} else {
		log.Printf("zap logger init failed, falling back to no-op: %v", err)
	}

	srv := newServer()

	if err := loadHRQResourceTree(srv.hrqTree, cfg.HRQResourceTreeFile); err != nil {
		log.Printf("loading HRQ resource tree %s: %v", cfg.HRQResourceTreeFile, err)
	}

	go srv.healthMonitor.Start(context.Background(), func() []cluster.NodeInfo {
		srv.mu.RLock()
		defer srv.mu.RUnlock()
		nodes := make([]cluster.NodeInfo, len(srv.nodes))
		copy(nodes, srv.nodes)
		return nodes
	})

	// The quota scheduler shares hrqMu with the quota handlers so ticks
	// and session mutations serialize.
	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	go srv.hrqScheduler.Run(schedCtx, &srv.hrqMu)

	mux := http.NewServeMux()

	mux.HandleFunc("/register", srv.handleRegister)
	mux.HandleFunc("/nodes", srv.handleListNodes)
	mux.HandleFunc("/broadcast", srv.handleBroadcast)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/data/", srv.handleData)

	mux.HandleFunc("/shards", srv.handleShards)
	mux.HandleFunc("/shards/assign", srv.handleShardAssign)

	mux.HandleFunc("/query", srv.handleQuery)

	mux.HandleFunc("/quota/open", srv.handleQuotaOpen)
	mux.HandleFunc("/quota/consume", srv.handleQuotaConsume)
	mux.HandleFunc("/quota/close", srv.handleQuotaClose)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	// Stop the background loops first so nothing races shutdown.
	log.Println("Stopping health monitor...")
	srv.healthMonitor.Stop()
	schedCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("coordinator stopped")
	return nil
}

// server is the coordinator's runtime state. The node list is the only
// field guarded directly by mu; the registry, monitor and quoter
// synchronize themselves (the quoter through hrqMu, shared with the
// scheduler's tick loop).
type server struct {
	// registry is the authoritative shard→node map; every routing
	// decision goes through it.
	registry *coordinator.ShardRegistry

	// healthMonitor probes registered nodes and fires the unhealthy
	// callback that triggers shard redistribution.
	healthMonitor *coordinator.HealthMonitor

	// nodes is the registered-node list, guarded by mu.
	nodes []cluster.NodeInfo
	mu    sync.RWMutex

	// executor drives distributed queries: per-shard proposals over
	// HTTPShardTransport, planning through the in-process tx
	// coordinator, snapshots from the in-process acquirer.
	executor *dqe.Executor

	// hrqTree, hrqScheduler and hrqSessions are the rate quoter: the
	// resource tree and deficit-round-robin scheduler; hrqSessions
	// tracks the live per-client leaf sessions attached to it. All three
	// are guarded by hrqMu.
	hrqTree      *hrq.Tree
	hrqScheduler *hrq.Scheduler
	hrqSessions  map[string]*hrq.Session
	hrqMu        sync.Mutex
	billingSink  hrq.BillingSink

	dqeMetrics *telemetry.DQEMetrics
	hrqMetrics *telemetry.HRQMetrics

	// log defaults to a no-op logger; runCoordinator replaces it with a
	// real one via processLogger before the server is built.
	log *zap.Logger
}

// newServer builds a coordinator server from the process-level settings,
// falling back to 4 shards and a single coordinator id when none were
// loaded (the path every test takes).
func newServer() *server {
	healthInterval := 5 * time.Second
	if processHealthInterval > 0 {
		healthInterval = processHealthInterval
	}
	if envInterval := os.Getenv("HEALTH_CHECK_INTERVAL"); envInterval != "" {
		if parsed, err := time.ParseDuration(envInterval); err == nil {
			healthInterval = parsed
			log.Printf("Health check interval set to %v", healthInterval)
		}
	}

	numShards := processNumShards
	if numShards <= 0 {
		numShards = 4
	}
	coordinatorIDs := processCoordinatorIDs
	if len(coordinatorIDs) == 0 {
		coordinatorIDs = []uint64{1}
	}

	srv := &server{
		registry:      coordinator.NewShardRegistry(numShards),
		healthMonitor: coordinator.NewHealthMonitor(healthInterval),
		hrqSessions:   make(map[string]*hrq.Session),
		log:           processLogger,
	}
	if srv.log == nil {
		srv.log = zap.NewNop()
	}

	// Metrics register against nil rather than the global default
	// registry so repeated newServer() calls (every test constructs its
	// own) never collide on duplicate metric names; a production
	// deployment registers the instruments once at startup.
	srv.dqeMetrics = telemetry.NewDQEMetrics(nil)
	srv.hrqMetrics = telemetry.NewHRQMetrics(nil)
	srv.healthMonitor.SetLogger(srv.log)

	srv.hrqTree = hrq.NewTree(defaultRootUnitsPerSecond)
	srv.hrqScheduler = hrq.NewScheduler(srv.hrqTree)
	srv.billingSink = hrq.NewLoggingBillingSink(srv.log, srv.hrqMetrics)
	srv.hrqScheduler.SetBillingSink(srv.billingSink)

	srv.executor = dqe.NewExecutor(
		coordinator.RegistryShardMap{Registry: srv.registry},
		coordinator.NewHTTPShardTransport(srv.nodeAddrForShard),
		coordinator.NewInProcessTxCoordinator(coordinatorIDs),
		coordinator.NewInProcessSnapshotAcquirer(),
		srv.dqeMetrics,
		srv.log,
	)

	srv.healthMonitor.SetOnUnhealthy(func(nodeID string) {
		log.Printf("Node %s is unhealthy, triggering shard redistribution", nodeID)
		srv.markNodeUnhealthy(nodeID)
		srv.mu.Lock()
		srv.evacuateNode(nodeID)
		srv.mu.Unlock()
	})

	return srv
}

// nodeAddrForShard resolves the HTTP base address of the node currently
// assigned as shardID's primary, so the executor's transport can dial the
// right node for a proposal.
func (s *server) nodeAddrForShard(shardID int) (string, error) {
	assignment := s.registry.GetAssignment(shardID)
	if assignment == nil {
		return "", fmt.Errorf("no node assigned to shard %d", shardID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, node := range s.nodes {
		if node.ID == assignment.NodeID {
			return node.Addr, nil
		}
	}
	return "", fmt.Errorf("node %s for shard %d not registered", assignment.NodeID, shardID)
}

// handleRegister adds a node to the cluster or refreshes its address on
// re-registration. New nodes trigger auto-assignment so unowned shards get
// a home as soon as a node exists to hold them.
//
// Endpoint: POST /register. Responds 204 on success, 400 on a malformed
// or incomplete body.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == req.Node.ID })
	if idx >= 0 {
		// Re-registration: the address may have changed, the shard
		// assignments have not.
		s.nodes[idx] = req.Node
	} else {
		s.nodes = append(s.nodes, req.Node)
		s.autoAssignShards()
	}

	w.WriteHeader(http.StatusNoContent)
}

// markNodeUnhealthy flags a node in the membership list. The node stays
// listed for visibility; routing stops because its shards move elsewhere.
func (s *server) markNodeUnhealthy(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, node := range s.nodes {
		if node.ID == nodeID {
			s.nodes[i].Status = healthStatusUnhealthy
			log.Printf("Marked node %s as unhealthy in cluster", nodeID)
			return
		}
	}
}

// handleListNodes returns cluster membership with each node's latest
// health verdict folded in. A node the monitor has not probed yet reports
// "unknown" rather than an optimistic healthy.
//
// Endpoint: GET /nodes.
func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allHealth := s.healthMonitor.GetAllNodeHealth()

	nodes := make([]cluster.NodeInfo, len(s.nodes))
	for i, node := range s.nodes {
		nodes[i] = node
		if node.Status != healthStatusUnhealthy {
			if health := allHealth[node.ID]; health != nil {
				nodes[i].Status = health.Status
				nodes[i].LastHealthCheck = health.LastCheck
			} else {
				nodes[i].Status = healthStatusUnknown
			}
		}
	}

	if err := json.NewEncoder(w).Encode(struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}{Nodes: nodes}); err != nil {
		log.Printf("Error encoding nodes response: %v", err)
	}
}

// handleBroadcast relays a payload to every registered node's given path,
// collecting per-node outcomes. Individual failures don't stop the sweep;
// the caller reads the results list to see who missed it.
//
// Endpoint: POST /broadcast with {"path": "/...", "payload": {...}}.
func (s *server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req cluster.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Path == "" || req.Path[0] != '/' {
		http.Error(w, "path must start with '/'", http.StatusBadRequest)
		return
	}

	// Snapshot the node list; never hold the lock across network I/O.
	s.mu.RLock()
	targets := append([]cluster.NodeInfo(nil), s.nodes...)
	s.mu.RUnlock()

	type result struct {
		NodeID string `json:"node_id"`
		Err    string `json:"err,omitempty"`
	}
	out := make([]result, 0, len(targets))

	// One deadline for the whole sweep, not per node.
	ctx, cancel := context.WithTimeout(r.Context(), 4*time.Second)
	defer cancel()

	for _, n := range targets {
		url := n.Addr + req.Path
		err := cluster.PostJSON(ctx, url, req.Payload, nil)
		res := result{NodeID: n.ID}
		if err != nil {
			res.Err = err.Error()
		}
		out = append(out, res)
	}

	if err := json.NewEncoder(w).Encode(struct {
		Results []result `json:"results"`
		SentTo  int      `json:"sent_to"`
	}{Results: out, SentTo: len(out)}); err != nil {
		log.Printf("Error encoding broadcast results: %v", err)
	}
}

// handleData proxies a keyed data operation to the owning node: the key
// hashes to a shard, the shard resolves to a node, and the request
// forwards to that node's shard-scoped store endpoint. Keys may contain
// slashes.
//
// Endpoint: GET|PUT|DELETE /data/{key}. 503 when the owning shard has no
// live assignment, 502 when the node cannot be reached.
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path[len("/data/"):]
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	nodeID, err := s.registry.GetNodeForKey(key)
	if err != nil {
		http.Error(w, fmt.Sprintf("no node assigned for key: %v", err), http.StatusServiceUnavailable)
		return
	}

	s.mu.RLock()
	var nodeAddr string
	for _, node := range s.nodes {
		if node.ID == nodeID {
			nodeAddr = node.Addr
			break
		}
	}
	s.mu.RUnlock()

	if nodeAddr == "" {
		// Assigned but not registered: placement and membership disagree.
		http.Error(w, fmt.Sprintf("node %s not found", nodeID), http.StatusServiceUnavailable)
		return
	}

	shardID := s.registry.GetShardForKey(key)
	targetURL := fmt.Sprintf("%s/shard/%d/store/%s", nodeAddr, shardID, key)

	switch r.Method {
	case http.MethodGet:
		s.forwardGet(targetURL, w, r)
	case http.MethodPut:
		s.forwardPut(targetURL, w, r)
	case http.MethodDelete:
		s.forwardDelete(targetURL, w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// forwardGet proxies a GET to the node and streams the response back,
// preserving the node's status code.
func (s *server) forwardGet(targetURL string, w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		http.Error(w, "failed to create request", http.StatusInternalServerError)
		return
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Printf("Error copying response body: %v", err)
	}
}

// forwardPut proxies a PUT, buffering the body. Values the data API
// carries are small; anything streaming-sized goes through the read
// protocol instead.
func (s *server) forwardPut(targetURL string, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, targetURL, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "failed to create request", http.StatusInternalServerError)
		return
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Printf("Error copying response body: %v", err)
	}
}

// forwardDelete proxies a DELETE; no body either direction.
func (s *server) forwardDelete(targetURL string, w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, targetURL, http.NoBody)
	if err != nil {
		http.Error(w, "failed to create request", http.StatusInternalServerError)
		return
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.WriteHeader(resp.StatusCode)
}

// handleShards lists current shard assignments, including each shard's
// placement generation, for monitoring and admin tooling.
//
// Endpoint: GET /shards.
func (s *server) handleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	assignments := s.registry.GetAllAssignments()
	response := struct {
		Shards    []*coordinator.ShardAssignment `json:"shards"`
		NumShards int                            `json:"num_shards"`
	}{
		Shards:    assignments,
		NumShards: s.registry.NumShards(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("Error encoding shards response: %v", err)
	}
}

// handleShardAssign manually places a shard on a node, for rebalancing,
// recovery or bootstrap. Reassignment overwrites the existing placement
// (and bumps its generation when the node changes).
//
// Endpoint: POST /shards/assign with
// {"shard_id": n, "node_id": "...", "is_primary": bool}.
func (s *server) handleShardAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		NodeID    string `json:"node_id"`
		IsPrimary bool   `json:"is_primary"`
		ShardID   int    `json:"shard_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	if err := s.registry.AssignShard(req.ShardID, req.NodeID, req.IsPrimary); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// evacuateNode removes a dead node's shard assignments and re-fills the
// gaps across the surviving healthy nodes. Moving a shard bumps its
// generation, so a query still executing against the old placement is
// detectably stale rather than silently wrong. Caller holds s.mu.
func (s *server) evacuateNode(nodeID string) {
	for _, shardID := range s.registry.GetNodeShards(nodeID) {
		if err := s.registry.RemoveShard(shardID); err != nil {
			log.Printf("Error removing shard %d from node %s: %v", shardID, nodeID, err)
		}
	}
	s.autoAssignShards()
}

// autoAssignShards gives every unassigned shard a home, round-robin across
// the healthy nodes. Already-assigned shards never move here; movement is
// evacuateNode's and the admin API's job. Caller holds s.mu.
func (s *server) autoAssignShards() {
	var healthyNodes []cluster.NodeInfo
	for _, node := range s.nodes {
		if node.Status != healthStatusUnhealthy {
			healthyNodes = append(healthyNodes, node)
		}
	}
	if len(healthyNodes) == 0 {
		log.Printf("No healthy nodes available for shard assignment")
		return
	}

	assignments := s.registry.GetAllAssignments()
	assignedShards := make(map[int]bool)
	for _, a := range assignments {
		assignedShards[a.ShardID] = true
	}

	nodeIndex := 0
	for shardID := 0; shardID < s.registry.NumShards(); shardID++ {
		if !assignedShards[shardID] {
			nodeID := healthyNodes[nodeIndex].ID
			if err := s.registry.AssignShard(shardID, nodeID, true); err != nil {
				log.Printf("Error assigning shard %d to node %s: %v", shardID, nodeID, err)
			}
			log.Printf("Auto-assigned shard %d to node %s", shardID, nodeID)
			nodeIndex = (nodeIndex + 1) % len(healthyNodes)
		}
	}
}

// getenv returns the environment variable's value, or def when unset or
// empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
