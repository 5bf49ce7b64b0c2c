package coordinator

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ridgedb/ridge/internal/cluster"
)

// NodeHealth is one node's view from the monitor: its last observed status
// and how many checks in a row have failed. The monitor hands out copies.
type NodeHealth struct {
	LastCheck        time.Time
	LastHealthy      time.Time
	NodeID           string
	Status           string // "healthy", "unhealthy", "unknown"
	ConsecutiveFails int
}

// HealthMonitor polls every registered node's /health endpoint on a fixed
// interval. A node is declared unhealthy only after maxFailures consecutive
// misses, since a single slow response during a GC pause or a packet drop
// is not evidence the node lost its shards. Declaring a node unhealthy
// fires the onUnhealthy callback, which the coordinator uses to move the
// node's shards elsewhere, bumping each moved shard's registry generation.
// A query already executing against the old placement is not notified of
// the move.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth
	httpClient  *http.Client
	checkFunc   func(addr string) error
	onUnhealthy func(nodeID string)
	log         *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor checking each node every interval.
// The probe timeout is fixed well below the interval so a hung node cannot
// make one sweep overlap the next.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		log:         zap.NewNop(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetLogger replaces the monitor's no-op default logger. Call before Start.
func (h *HealthMonitor) SetLogger(log *zap.Logger) {
	if log != nil {
		h.log = log
	}
}

// SetOnUnhealthy registers the callback fired once each time a node's
// status becomes unhealthy, whether it was healthy or still unknown before;
// it does not fire again while the node stays unhealthy. The callback runs on its own goroutine so a slow reaction
// (rebalancing talks to every surviving node) never stalls the poll loop.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the default HTTP /health probe; tests use this
// to script failures without a listener.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(addr string) error) {
	h.checkFunc = checkFunc
}

// Start runs the poll loop until ctx (or Stop) cancels it. nodeProvider is
// consulted every sweep so nodes registered after Start are picked up
// without restarting the monitor.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info("health monitor started", zap.Duration("interval", h.interval))

	h.checkAllNodes(nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(nodeProvider())
		case <-ctx.Done():
			h.log.Info("health monitor stopping")
			return
		case <-h.ctx.Done():
			h.log.Info("health monitor stopping")
			return
		}
	}
}

// Stop cancels the poll loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) checkAllNodes(nodes []cluster.NodeInfo) {
	currentNodes := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		currentNodes[node.ID] = true
		h.checkNode(node)
	}

	// Forget nodes that deregistered; their health history is meaningless
	// if they come back under the same ID later.
	h.mu.Lock()
	for nodeID := range h.nodes {
		if !currentNodes[nodeID] {
			delete(h.nodes, nodeID)
			h.log.Debug("dropped node from health tracking", zap.String("node_id", nodeID))
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      "unknown",
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(node.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		h.log.Warn("health check failed",
			zap.String("node_id", node.ID),
			zap.Int("consecutive_fails", health.ConsecutiveFails),
			zap.Int("max_failures", h.maxFailures),
			zap.Error(err))

		if health.ConsecutiveFails >= h.maxFailures {
			previousStatus := health.Status
			health.Status = "unhealthy"
			if previousStatus != "unhealthy" && h.onUnhealthy != nil {
				h.log.Warn("node marked unhealthy", zap.String("node_id", node.ID))
				go h.onUnhealthy(node.ID)
			}
		}
		return
	}

	if health.Status == "unhealthy" {
		h.log.Info("node recovered", zap.String("node_id", node.ID))
	}
	health.Status = "healthy"
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

// defaultHealthCheck probes GET {addr}/health and treats anything other
// than 200 as failure.
func (h *HealthMonitor) defaultHealthCheck(addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	resp, err := h.httpClient.Get(url)
	if err != nil {
		return errors.Wrap(err, "health check request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of nodeID's health record, or nil if the
// node is not tracked.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	out := *health
	return &out
}

// GetAllNodeHealth returns copies of every tracked node's health record,
// keyed by node ID.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		out := *health
		result[id] = &out
	}
	return result
}

// IsHealthy reports whether nodeID's last known status is healthy. An
// untracked node is not healthy: routing to a node the monitor has never
// seen succeed is a gamble, not an optimization.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == "healthy"
}
