// Package cluster defines the membership and wire types shared by every
// Ridge process. See doc.go for the package overview.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// NodeInfo identifies one storage node to the rest of the cluster: a
// stable ID, the address its HTTP endpoints listen on, and the health
// status the coordinator last observed for it.
//
// The coordinator is the only writer of Status and LastHealthCheck; nodes
// send only ID and Addr when registering.
type NodeInfo struct {
	// LastHealthCheck is when the coordinator last probed this node. Zero
	// means never probed.
	LastHealthCheck time.Time `json:"last_health_check,omitzero"`

	// ID uniquely names the node and must be stable across restarts, so a
	// restarted node reclaims its shard assignments instead of being
	// treated as a newcomer.
	ID string `json:"id"`

	// Addr is where the node's HTTP API is reachable from the coordinator
	// and from other nodes, e.g. "http://10.0.0.5:8081".
	Addr string `json:"addr"`

	// Status is "healthy", "unhealthy" or "unknown", as judged by the
	// coordinator's health monitor.
	Status string `json:"status,omitempty"`
}

// RegisterRequest is the body a node POSTs to the coordinator's
// /register endpoint to join the cluster. Registration is idempotent: a
// node that re-registers under its existing ID refreshes its address
// rather than appearing twice.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// BroadcastRequest asks the coordinator to relay a payload to every
// registered node. Path selects the handler on the receiving side; the
// payload stays raw JSON so the coordinator never needs to understand
// messages it only forwards.
type BroadcastRequest struct {
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload"`
}

// httpClient is shared by PostJSON/GetJSON so connections are pooled
// across calls. The 5-second timeout bounds every cluster-internal
// request; callers needing a tighter bound pass a context with a deadline.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends body as a JSON POST to url and, when out is non-nil,
// decodes the JSON response into it. Any status >= 300 is an error; the
// response body is not inspected further in that case.
func PostJSON(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encoding request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON sends a GET to url and decodes the JSON response into out.
// Same status handling as PostJSON.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
