package service

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/hashicorp/raft"

	"github.com/verifiable-state-chains/lmscore/fsm"
)

// APIServer provides the HTTP API signers use to commit and query leaf
// indices.
type APIServer struct {
	raft      *raft.Raft
	forwarder *LeaderForwarder
	fsm       *fsm.LeafIndexFSM
	config    *Config
}

// NewAPIServer creates a new API server
func NewAPIServer(r *raft.Raft, leafFSM *fsm.LeafIndexFSM, cfg *Config) *APIServer {
	return &APIServer{
		raft:      r,
		forwarder: NewLeaderForwarder(r, cfg),
		fsm:       leafFSM,
		config:    cfg,
	}
}

// Start starts the HTTP API server
func (s *APIServer) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/leader", s.handleLeader)
	mux.HandleFunc("/commit_index", s.handleCommitIndex)
	mux.HandleFunc("/key/", s.handleKeyIndex)
	mux.HandleFunc("/indices", s.handleAllIndices)

	addr := fmt.Sprintf(":%d", s.config.APIPort)
	log.Printf("Starting leaf-index API server on %s", addr)

	return http.ListenAndServe(addr, mux)
}

// HealthResponse reports node liveness and leadership.
type HealthResponse struct {
	Healthy  bool   `json:"healthy"`
	Leader   string `json:"leader"`
	IsLeader bool   `json:"is_leader"`
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Healthy:  s.raft.State() != raft.Shutdown,
		Leader:   s.forwarder.GetLeaderID(),
		IsLeader: s.forwarder.IsLeader(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// LeaderResponse reports the current leader.
type LeaderResponse struct {
	LeaderID   string `json:"leader_id"`
	LeaderAddr string `json:"leader_addr"`
	IsLeader   bool   `json:"is_leader"`
	Error      string `json:"error,omitempty"`
}

func (s *APIServer) handleLeader(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := LeaderResponse{
		LeaderID:   s.forwarder.GetLeaderID(),
		LeaderAddr: s.forwarder.GetLeaderAPIAddress(),
		IsLeader:   s.forwarder.IsLeader(),
	}
	if response.LeaderID == "" {
		response.Error = "No leader available"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// CommitResponse is the result of a leaf-index commit.
type CommitResponse struct {
	Success   bool   `json:"success"`
	Committed bool   `json:"committed"`
	RaftIndex uint64 `json:"raft_index,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleCommitIndex applies a signed LeafIndexEntry through Raft.
// Non-leaders forward to the leader so callers can talk to any node.
func (s *APIServer) handleCommitIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.forwarder.IsLeader() {
		s.forwarder.ForwardRequest(w, r, "/commit_index")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeCommitError(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err))
		return
	}

	var entry fsm.LeafIndexEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		writeCommitError(w, http.StatusBadRequest, fmt.Sprintf("invalid entry: %v", err))
		return
	}
	if entry.KeyID == "" {
		writeCommitError(w, http.StatusBadRequest, "key_id is required")
		return
	}

	future := s.raft.Apply(body, s.config.RequestTimeout)
	if err := future.Error(); err != nil {
		writeCommitError(w, http.StatusInternalServerError, fmt.Sprintf("raft apply failed: %v", err))
		return
	}

	// The FSM returns an error value for rejected entries.
	if applyErr, isErr := future.Response().(error); isErr {
		writeCommitError(w, http.StatusConflict, applyErr.Error())
		return
	}

	response := CommitResponse{
		Success:   true,
		Committed: true,
		RaftIndex: future.Index(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func writeCommitError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(CommitResponse{Success: false, Error: msg})
}

// KeyIndexResponse is the committed counter for one key.
type KeyIndexResponse struct {
	Success bool   `json:"success"`
	KeyID   string `json:"key_id"`
	Index   uint32 `json:"index"`
	Exists  bool   `json:"exists"`
	Error   string `json:"error,omitempty"`
}

// handleKeyIndex serves GET /key/{key_id}/index.
func (s *APIServer) handleKeyIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/key/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "index" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	keyID := parts[0]

	index, exists := s.fsm.GetLeafIndex(keyID)
	response := KeyIndexResponse{
		Success: true,
		KeyID:   keyID,
		Index:   index,
		Exists:  exists,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleAllIndices returns every committed key -> index mapping.
func (s *APIServer) handleAllIndices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"indices": s.fsm.GetAllLeafIndices(),
	})
}
