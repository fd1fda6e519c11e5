// Package api is the thin client-facing HTTP surface: it marshals
// JSON requests into the agent's transaction API and back. Everything
// consistency-related lives behind the agent; this layer only
// translates and redirects.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/arangodb/agency/pkg/agent"
	"github.com/arangodb/agency/pkg/store"
)

type HTTPHandler struct {
	agent *agent.Agent
	mux   *http.ServeMux
	log   zerolog.Logger

	// Timeout bounds one client request end to end, including the wait
	// for commit.
	Timeout time.Duration
}

func NewHTTPHandler(a *agent.Agent, log zerolog.Logger) *HTTPHandler {
	h := &HTTPHandler{
		agent:   a,
		mux:     http.NewServeMux(),
		log:     log.With().Str("component", "api").Logger(),
		Timeout: 10 * time.Second,
	}

	h.mux.HandleFunc("/write", h.handleWrite)
	h.mux.HandleFunc("/read", h.handleRead)
	h.mux.HandleFunc("/transact", h.handleTransact)
	h.mux.HandleFunc("/inquire", h.handleInquire)
	h.mux.HandleFunc("/poll", h.handlePoll)
	h.mux.HandleFunc("/observe", h.handleObserve)
	h.mux.HandleFunc("/unobserve", h.handleUnobserve)
	h.mux.HandleFunc("/status", h.handleStatus)

	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPHandler) respondNotLeader(w http.ResponseWriter) {
	leader := h.agent.LeaderHint()
	w.Header().Set("Content-Type", "application/json")
	if leader == "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "no leader known"})
		return
	}
	w.Header().Set("Location", leader)
	w.WriteHeader(http.StatusTemporaryRedirect)
	json.NewEncoder(w).Encode(map[string]interface{}{"redirect": leader})
}

func (h *HTTPHandler) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var txns []Transaction
	if err := json.NewDecoder(r.Body).Decode(&txns); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	reqs := make([]agent.WriteRequest, len(txns))
	for i, t := range txns {
		req, err := t.toRequest()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reqs[i] = req
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	res, err := h.agent.Write(ctx, reqs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !res.Accepted {
		h.respondNotLeader(w)
		return
	}

	applied := make([]string, len(res.Applied))
	for i, o := range res.Applied {
		applied[i] = outcomeNames[o]
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": true,
		"applied":  applied,
		"indices":  res.Indices,
	})
}

func (h *HTTPHandler) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var rawPaths []string
	if err := json.NewDecoder(r.Body).Decode(&rawPaths); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	paths := make([]store.Path, len(rawPaths))
	for i, raw := range rawPaths {
		p, err := store.Split(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		paths[i] = p
	}

	res, err := h.agent.Read(paths)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !res.Accepted {
		h.respondNotLeader(w)
		return
	}

	results := make([]interface{}, len(res.Results))
	for i, n := range res.Results {
		results[i] = nodeToJSON(n)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"accepted": true, "result": results})
}

func (h *HTTPHandler) handleTransact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Transactions []Transaction `json:"transactions"`
		Reads        []string      `json:"reads"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	reqs := make([]agent.WriteRequest, len(body.Transactions))
	for i, t := range body.Transactions {
		req, err := t.toRequest()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reqs[i] = req
	}
	paths := make([]store.Path, len(body.Reads))
	for i, raw := range body.Reads {
		p, err := store.Split(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		paths[i] = p
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	res, reads, err := h.agent.Transact(ctx, reqs, paths)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !res.Accepted {
		h.respondNotLeader(w)
		return
	}

	applied := make([]string, len(res.Applied))
	for i, o := range res.Applied {
		applied[i] = outcomeNames[o]
	}
	results := make([]interface{}, len(reads))
	for i, n := range reads {
		results[i] = nodeToJSON(n)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": true,
		"applied":  applied,
		"indices":  res.Indices,
		"result":   results,
	})
}

func (h *HTTPHandler) handleInquire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var ids []struct {
		ClientID  string `json:"clientId"`
		RequestID string `json:"requestId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	out := make([]map[string]interface{}, len(ids))
	for i, id := range ids {
		outcome, index, found := h.agent.Inquire(id.ClientID, id.RequestID)
		entry := map[string]interface{}{"found": found}
		if found {
			entry["outcome"] = outcomeNames[outcome]
			entry["index"] = index
		}
		out[i] = entry
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (h *HTTPHandler) handlePoll(w http.ResponseWriter, r *http.Request) {
	index, _ := strconv.ParseUint(r.URL.Query().Get("index"), 10, 64)
	timeoutMs, err := strconv.Atoi(r.URL.Query().Get("timeout"))
	if err != nil || timeoutMs <= 0 {
		timeoutMs = 10000
	}

	entries, err := h.agent.Poll(r.Context(), index, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type pollEntry struct {
		Index     uint64 `json:"index"`
		Term      uint64 `json:"term"`
		ClientID  string `json:"clientId,omitempty"`
		Timestamp int64  `json:"timestamp"`
	}
	out := make([]pollEntry, len(entries))
	for i, e := range entries {
		out[i] = pollEntry{Index: e.Index, Term: e.Term, ClientID: e.ClientID, Timestamp: e.Timestamp}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"entries": out, "commitIndex": h.agent.CommitIndex()})
}

func (h *HTTPHandler) handleObserve(w http.ResponseWriter, r *http.Request) {
	h.observeCommon(w, r, true)
}

func (h *HTTPHandler) handleUnobserve(w http.ResponseWriter, r *http.Request) {
	h.observeCommon(w, r, false)
}

func (h *HTTPHandler) observeCommon(w http.ResponseWriter, r *http.Request, register bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Path   string `json:"path"`
		URL    string `json:"url"`
		Client string `json:"clientId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	path, err := store.Split(req.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	var res agent.WriteResult
	if register {
		res, err = h.agent.Observe(ctx, path, req.URL, req.Client)
	} else {
		res, err = h.agent.Unobserve(ctx, path, req.URL, req.Client)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !res.Accepted {
		h.respondNotLeader(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"id":           h.agent.NodeID(),
		"term":         h.agent.Term(),
		"is_leader":    h.agent.IsLeader(),
		"leader_id":    h.agent.LeaderHint(),
		"commit_index": h.agent.CommitIndex(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
