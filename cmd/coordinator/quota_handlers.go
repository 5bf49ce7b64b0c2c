package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ridgedb/ridge/internal/hrq"
)

// quotaSessionRequest opens or updates a rate-limited client session against
// a resource path in the hierarchical scheduling tree.
type quotaSessionRequest struct {
	ClientID          string  `json:"client_id"`
	Path              string  `json:"path"`
	MaxUnitsPerSecond float64 `json:"max_units_per_second,omitempty"`
	Weight            float64 `json:"weight,omitempty"`
	Request           float64 `json:"request,omitempty"`
}

type quotaSessionResponse struct {
	Granted float64 `json:"granted"`
	Free    float64 `json:"free"`
	Active  bool    `json:"active"`
}

// handleQuotaOpen activates (creating if necessary) a session under path,
// requests amount units of capacity, and ticks the scheduler once so the
// caller sees its first grant immediately rather than waiting for the next
// background tick.
//
// Endpoint: POST /quota/open
func (s *server) handleQuotaOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req quotaSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.ClientID == "" || req.Path == "" {
		http.Error(w, "client_id and path required", http.StatusBadRequest)
		return
	}

	var overrides hrq.ResourceOverrides
	if req.MaxUnitsPerSecond > 0 {
		overrides.MaxUnitsPerSecond = &req.MaxUnitsPerSecond
	}

	s.hrqMu.Lock()
	resource, err := s.hrqTree.EnsurePath(req.Path, overrides)
	if err != nil {
		s.hrqMu.Unlock()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, ok := s.hrqSessions[req.ClientID]
	if !ok {
		sess = hrq.NewSession(resource, req.ClientID)
		s.hrqSessions[req.ClientID] = sess
		s.hrqMetrics.ActiveSessions.Inc()
	}
	if req.Weight >= 1 {
		sess.Weight = req.Weight
	}
	if req.Request > 0 {
		sess.Request(req.Request)
	}
	hrq.Activate(sess)
	s.hrqScheduler.Tick(time.Now())
	s.hrqMetrics.TokensIssued.WithLabelValues(req.Path).Add(sess.FreeResource)
	resp := quotaSessionResponse{Granted: sess.FreeResource, Free: sess.FreeResource, Active: sess.Active}
	s.hrqMu.Unlock()

	writeQueryJSON(w, resp)
}

// handleQuotaConsume draws down a session's granted quota by amount units,
// reporting what remains free afterward.
//
// Endpoint: POST /quota/consume
func (s *server) handleQuotaConsume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req quotaSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	s.hrqMu.Lock()
	sess, ok := s.hrqSessions[req.ClientID]
	if !ok {
		s.hrqMu.Unlock()
		http.Error(w, "unknown client_id", http.StatusNotFound)
		return
	}
	consumed := sess.Consume(req.Request)
	if consumed > 0 {
		// Consumption is what gets billed, routed to the nearest
		// accounting-enabled resource above the session's path; reporting
		// also keeps that resource ticking so the flush fires.
		_ = s.hrqScheduler.Report(time.Now(), sess.Resource.Path, consumed)
	}
	resp := quotaSessionResponse{Granted: consumed, Free: sess.FreeResource, Active: sess.Active}
	s.hrqMu.Unlock()

	writeQueryJSON(w, resp)
}

// handleQuotaClose deactivates and forgets a client's session, releasing its
// share of the resource tree back to its siblings on the next tick.
//
// Endpoint: POST /quota/close
func (s *server) handleQuotaClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req quotaSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	s.hrqMu.Lock()
	if sess, ok := s.hrqSessions[req.ClientID]; ok {
		hrq.DeactivateSession(sess)
		delete(s.hrqSessions, req.ClientID)
		s.hrqMetrics.ActiveSessions.Dec()
	}
	s.hrqMu.Unlock()

	w.WriteHeader(http.StatusOK)
}
