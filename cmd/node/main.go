// Package main implements the Ridge storage node: the process that hosts
// data shards and serves every shard-local protocol.
//
// Endpoint groups:
//
//   - /shard/{id}/store[/{key}], /shard/{id}/stats: the plain data API.
//     Shards are created on demand when the coordinator first routes to
//     them, so nodes need no explicit assignment protocol.
//   - /read, /read/ack, /read/cancel: the streaming read protocol, backed
//     by each shard's versioned MVCC table rather than the flat store.
//   - /tx/propose, /tx/reattach, /tx/cancel: shard transactions, driven by
//     the coordinator's query executor.
//   - /health, /info, /control: monitoring and cluster management.
//
// On startup the node registers itself with the coordinator (retrying
// while the coordinator comes up) and then serves until SIGINT/SIGTERM.
//
// Configuration layers like the coordinator's: defaults, optional YAML
// file, RIDGE_-prefixed environment, flags; the NODE_ID, NODE_LISTEN,
// NODE_ADDR and COORDINATOR_ADDR environment variables override all of
// them. NODE_ID and COORDINATOR_ADDR are required.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ridgedb/ridge/internal/cluster"
	"github.com/ridgedb/ridge/internal/config"
	"github.com/ridgedb/ridge/internal/shard"
	"github.com/ridgedb/ridge/internal/storage"
)

// logFatal is a variable so tests can intercept fatal errors without
// terminating the test process.
var logFatal = log.Fatalf

// Node is one storage process: a stable ID plus the shards it currently
// hosts. Shards appear in the map lazily, the first time a request routes
// to them.
type Node struct {
	// shards maps shard IDs to their runtime instances, guarded by mu.
	shards map[int]*shard.Shard

	// ID names this node in the cluster and must be stable across
	// restarts so the coordinator's assignments survive a bounce.
	ID string

	mu sync.RWMutex
}

// NewNode creates an empty node ready to host shards.
func NewNode(id string) *Node {
	return &Node{
		ID:     id,
		shards: make(map[int]*shard.Shard),
	}
}

// AddShard makes s available for requests, replacing any existing shard
// with the same ID.
func (n *Node) AddShard(s *shard.Shard) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shards[s.ID] = s
}

// GetShard returns the shard with the given ID, or nil if this node does
// not host it.
func (n *Node) GetShard(id int) *shard.Shard {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.shards[id]
}

func main() {
	root := &cobra.Command{
		Use:           "ridge-node",
		Short:         "Ridge storage node: hosts shards and serves reads and shard transactions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runNode,
	}
	root.Flags().String("config", "", "optional YAML config file")
	if err := root.Execute(); err != nil {
		logFatal("node: %v", err)
	}
}

// runNode loads configuration, wires every endpoint group, registers with
// the coordinator and serves until a termination signal arrives.
func runNode(cmd *cobra.Command, _ []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	v, err := config.NewViper(cmd.Flags(), configFile)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}
	cfg, err := config.LoadNode(v)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}

	nodeID := mustGetenv("NODE_ID")
	listen := getenv("NODE_LISTEN", cfg.Addr)
	public := getenv("NODE_ADDR", cfg.PublicAddr)
	coord := mustGetenv("COORDINATOR_ADDR")

	node := NewNode(nodeID)
	log.Printf("node[%s] initialized (shards will be created on demand)", nodeID)

	zCfg := zap.NewProductionConfig()
	if cfg.LogLevel == "debug" {
		zCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	if zlog, zerr := zCfg.Build(); zerr == nil {
		defer zlog.Sync() //nolint:errcheck
		zlog.Info("node starting", zap.String("node_id", nodeID), zap.String("listen", listen), zap.String("public_addr", public))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/control", handleControl)

	// Plain data operations, one subtree per hosted shard.
	mux.HandleFunc("/shard/", func(w http.ResponseWriter, r *http.Request) {
		handleShardRequest(node, w, r)
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		handleNodeInfo(node, w, r)
	})

	// Streaming reads, backed by each shard's MVCC table.
	mux.HandleFunc("/read", func(w http.ResponseWriter, r *http.Request) {
		handleRead(node, w, r)
	})
	mux.HandleFunc("/read/ack", func(w http.ResponseWriter, r *http.Request) {
		handleReadAck(node, w, r)
	})
	mux.HandleFunc("/read/cancel", func(w http.ResponseWriter, r *http.Request) {
		handleReadCancel(node, w, r)
	})

	// Shard transactions, driven by the coordinator's executor.
	mux.HandleFunc("/tx/propose", func(w http.ResponseWriter, r *http.Request) {
		handleTxPropose(node, w, r)
	})
	mux.HandleFunc("/tx/reattach", func(w http.ResponseWriter, r *http.Request) {
		handleTxReattach(node, w, r)
	})
	mux.HandleFunc("/tx/cancel", func(w http.ResponseWriter, r *http.Request) {
		handleTxCancel(node, w, r)
	})

	s := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("node[%s] listening on %s (public %s)", nodeID, listen, public)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	register(context.Background(), coord, nodeID, public)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("node stopped")
	return nil
}

// register announces this node to the coordinator, retrying for a few
// seconds to ride out the coordinator still starting up. A node that
// cannot register cannot receive work, so persistent failure is fatal.
func register(ctx context.Context, coord, id, addr string) {
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: id, Addr: addr}}
	var lastErr error

	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/register", body, nil)
		if lastErr == nil {
			log.Printf("registered with coordinator @ %s", coord)
			return
		}
		log.Printf("register retry %d: %v", i+1, lastErr)
		time.Sleep(400 * time.Millisecond)
	}

	logFatal("failed to register with coordinator: %v", lastErr)
}

// handleControl receives coordinator control messages. The payload is
// logged and acknowledged; no control commands are defined yet.
//
// Endpoint: POST /control.
func handleControl(w http.ResponseWriter, r *http.Request) {
	var raw bytes.Buffer
	if _, err := raw.ReadFrom(r.Body); err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	log.Printf("control payload: %s", raw.Bytes())
	w.WriteHeader(http.StatusNoContent)
}

// handleShardRequest routes /shard/{shardID}/... requests, creating the
// shard on demand the first time the coordinator targets it. Keys may
// contain slashes.
//
// Routes:
//
//	GET|PUT|DELETE /shard/{id}/store/{key}   key operations
//	GET            /shard/{id}/store         list keys
//	GET            /shard/{id}/stats         operation statistics
func handleShardRequest(node *Node, w http.ResponseWriter, r *http.Request) {
	pathWithoutPrefix := strings.TrimPrefix(r.URL.Path, "/shard/")

	firstSlash := strings.Index(pathWithoutPrefix, "/")
	if firstSlash == -1 {
		http.Error(w, "invalid path format", http.StatusBadRequest)
		return
	}

	shardIDStr := pathWithoutPrefix[:firstSlash]
	remainingPath := pathWithoutPrefix[firstSlash+1:]

	shardID, err := strconv.Atoi(shardIDStr)
	if err != nil {
		http.Error(w, "invalid shard ID", http.StatusBadRequest)
		return
	}

	s := node.GetShard(shardID)
	if s == nil {
		// First request for this shard: create it rather than requiring
		// an assignment round-trip with the coordinator.
		log.Printf("Creating shard %d on demand", shardID)
		newShard := shard.NewShard(shardID, true)
		node.AddShard(newShard)
		s = newShard
	}

	if strings.HasPrefix(remainingPath, "store") {
		storePath := strings.TrimPrefix(remainingPath, "store")
		if storePath == "" || storePath == "/" {
			if r.Method == http.MethodGet {
				handleListKeys(s, w, r)
				return
			}
		} else if strings.HasPrefix(storePath, "/") {
			key := strings.TrimPrefix(storePath, "/")
			switch r.Method {
			case http.MethodGet:
				handleGet(s, key, w, r)
			case http.MethodPut:
				handlePut(s, key, w, r)
			case http.MethodDelete:
				handleDelete(s, key, w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
			return
		}
	} else if remainingPath == "stats" {
		if r.Method == http.MethodGet {
			handleShardStats(s, w, r)
			return
		}
	}

	http.Error(w, "not found", http.StatusNotFound)
}

// handleGet returns a key's raw value, 404 when absent.
func handleGet(s *shard.Shard, key string, w http.ResponseWriter, _ *http.Request) {
	value, err := s.Get(key)
	if err != nil {
		if errors.Cause(err) == storage.ErrNoSuchKey {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(value)
}

// handlePut stores the request body under key, overwriting any existing
// value. An empty body stores an empty value.
func handlePut(s *shard.Shard, key string, w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := s.Put(key, buf.Bytes()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleDelete removes a key; deleting an absent key still succeeds.
func handleDelete(s *shard.Shard, key string, w http.ResponseWriter, _ *http.Request) {
	if err := s.Delete(key); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListKeys returns every key in the shard. No pagination; this is a
// debugging and maintenance surface, not a data path.
func handleListKeys(s *shard.Shard, w http.ResponseWriter, _ *http.Request) {
	keys := s.ListKeys()

	response := struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}{
		Keys:  keys,
		Count: len(keys),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleShardStats reports the shard's cumulative operation counters and
// current storage totals.
func handleShardStats(s *shard.Shard, w http.ResponseWriter, r *http.Request) {
	stats := s.GetStats()

	response := struct {
		ShardID int                  `json:"shard_id"`
		Ops     shard.OperationStats `json:"operations"`
		Storage struct {
			Keys  int `json:"keys"`
			Bytes int `json:"bytes"`
		} `json:"storage"`
	}{
		ShardID: s.ID,
		Ops:     stats.Ops,
		Storage: struct {
			Keys  int `json:"keys"`
			Bytes int `json:"bytes"`
		}{
			Keys:  stats.Storage.Keys,
			Bytes: stats.Storage.Bytes,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleNodeInfo reports the node's identity and a snapshot of every shard
// it hosts.
//
// Endpoint: GET /info.
func handleNodeInfo(node *Node, w http.ResponseWriter, r *http.Request) {
	node.mu.RLock()
	defer node.mu.RUnlock()

	shardInfos := make([]shard.ShardInfo, 0, len(node.shards))
	for _, s := range node.shards {
		shardInfos = append(shardInfos, s.Info())
	}

	response := struct {
		NodeID string            `json:"node_id"`
		Shards []shard.ShardInfo `json:"shards"`
		Count  int               `json:"shard_count"`
	}{
		NodeID: node.ID,
		Shards: shardInfos,
		Count:  len(shardInfos),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// getenv returns the environment variable's value, or def when unset or
// empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv returns a required environment variable, terminating the
// process when it is unset.
func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
