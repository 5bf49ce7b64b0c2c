package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgedb/ridge/internal/cluster"
)

func staticNodes(nodes ...cluster.NodeInfo) func() []cluster.NodeInfo {
	return func() []cluster.NodeInfo { return nodes }
}

func TestHealthMonitorMarksNodeHealthy(t *testing.T) {
	monitor := NewHealthMonitor(20 * time.Millisecond)
	defer monitor.Stop()

	monitor.SetCheckFunction(func(addr string) error { return nil })

	go monitor.Start(context.Background(), staticNodes(
		cluster.NodeInfo{ID: "node-1", Addr: "http://localhost:9999"},
	))

	require.Eventually(t, func() bool {
		return monitor.IsHealthy("node-1")
	}, time.Second, 10*time.Millisecond)

	health := monitor.GetNodeHealth("node-1")
	require.NotNil(t, health)
	assert.Equal(t, "healthy", health.Status)
	assert.Zero(t, health.ConsecutiveFails)
}

func TestHealthMonitorRequiresConsecutiveFailures(t *testing.T) {
	monitor := NewHealthMonitor(10 * time.Millisecond)
	defer monitor.Stop()

	var mu sync.Mutex
	calls := 0
	monitor.SetCheckFunction(func(addr string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		// Fail on every second probe: the failure streak keeps resetting,
		// so the node must never be declared unhealthy.
		if calls%2 == 0 {
			return errors.New("probe dropped")
		}
		return nil
	})

	unhealthy := make(chan string, 1)
	monitor.SetOnUnhealthy(func(nodeID string) { unhealthy <- nodeID })

	go monitor.Start(context.Background(), staticNodes(
		cluster.NodeInfo{ID: "node-1", Addr: "http://localhost:9999"},
	))

	select {
	case id := <-unhealthy:
		t.Fatalf("node %s declared unhealthy despite no failure streak", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHealthMonitorFiresUnhealthyCallbackOnce(t *testing.T) {
	monitor := NewHealthMonitor(10 * time.Millisecond)
	defer monitor.Stop()

	monitor.SetCheckFunction(func(addr string) error {
		return errors.New("connection refused")
	})

	var mu sync.Mutex
	var fired []string
	monitor.SetOnUnhealthy(func(nodeID string) {
		mu.Lock()
		fired = append(fired, nodeID)
		mu.Unlock()
	})

	go monitor.Start(context.Background(), staticNodes(
		cluster.NodeInfo{ID: "node-1", Addr: "http://localhost:9999"},
	))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) >= 1
	}, time.Second, 10*time.Millisecond)

	// The callback fires on the transition, not on every failed probe
	// afterward.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"node-1"}, fired)
	mu.Unlock()

	health := monitor.GetNodeHealth("node-1")
	require.NotNil(t, health)
	assert.Equal(t, "unhealthy", health.Status)
	assert.GreaterOrEqual(t, health.ConsecutiveFails, 3)
}

func TestHealthMonitorRecovery(t *testing.T) {
	monitor := NewHealthMonitor(10 * time.Millisecond)
	defer monitor.Stop()

	var mu sync.Mutex
	failing := true
	monitor.SetCheckFunction(func(addr string) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.New("connection refused")
		}
		return nil
	})

	go monitor.Start(context.Background(), staticNodes(
		cluster.NodeInfo{ID: "node-1", Addr: "http://localhost:9999"},
	))

	require.Eventually(t, func() bool {
		h := monitor.GetNodeHealth("node-1")
		return h != nil && h.Status == "unhealthy"
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	failing = false
	mu.Unlock()

	require.Eventually(t, func() bool {
		return monitor.IsHealthy("node-1")
	}, time.Second, 10*time.Millisecond)

	health := monitor.GetNodeHealth("node-1")
	assert.Zero(t, health.ConsecutiveFails)
}

func TestHealthMonitorDropsDeregisteredNodes(t *testing.T) {
	monitor := NewHealthMonitor(10 * time.Millisecond)
	defer monitor.Stop()

	monitor.SetCheckFunction(func(addr string) error { return nil })

	var mu sync.Mutex
	nodes := []cluster.NodeInfo{
		{ID: "node-1", Addr: "http://localhost:9999"},
		{ID: "node-2", Addr: "http://localhost:9998"},
	}
	provider := func() []cluster.NodeInfo {
		mu.Lock()
		defer mu.Unlock()
		return nodes
	}

	go monitor.Start(context.Background(), provider)

	require.Eventually(t, func() bool {
		return len(monitor.GetAllNodeHealth()) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	nodes = nodes[:1]
	mu.Unlock()

	require.Eventually(t, func() bool {
		all := monitor.GetAllNodeHealth()
		_, gone := all["node-2"]
		return len(all) == 1 && !gone
	}, time.Second, 10*time.Millisecond)
}

func TestHealthMonitorStopTerminatesLoop(t *testing.T) {
	monitor := NewHealthMonitor(10 * time.Millisecond)
	monitor.SetCheckFunction(func(addr string) error { return nil })

	done := make(chan struct{})
	go func() {
		monitor.Start(context.Background(), staticNodes())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	monitor.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestIsHealthyUnknownNode(t *testing.T) {
	monitor := NewHealthMonitor(time.Second)
	defer monitor.Stop()
	assert.False(t, monitor.IsHealthy("never-seen"))
}

func TestGetNodeHealthReturnsCopy(t *testing.T) {
	monitor := NewHealthMonitor(10 * time.Millisecond)
	defer monitor.Stop()
	monitor.SetCheckFunction(func(addr string) error { return nil })

	go monitor.Start(context.Background(), staticNodes(
		cluster.NodeInfo{ID: "node-1", Addr: "http://localhost:9999"},
	))

	require.Eventually(t, func() bool {
		return monitor.GetNodeHealth("node-1") != nil
	}, time.Second, 10*time.Millisecond)

	h := monitor.GetNodeHealth("node-1")
	h.Status = "mangled"
	assert.NotEqual(t, "mangled", monitor.GetNodeHealth("node-1").Status)
}
