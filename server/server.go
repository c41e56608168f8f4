// Package server exposes the LMS engine over HTTP: key generation,
// signing, verification and public-key export, with JWT-authenticated
// operator access. Leaf counters are persisted through the keystore
// before any signature is returned to a caller.
package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/verifiable-state-chains/lmscore/keystore"
	"github.com/verifiable-state-chains/lmscore/lms"
	"github.com/verifiable-state-chains/lmscore/lmots"
)

const seedLen = 32

// Server manages LMS signing keys
type Server struct {
	mu      sync.Mutex
	signers map[string]*lms.PrivateKey // key_id -> loaded signer
	store   *keystore.Store
	auth    *AuthServer
	port    int
}

// NewServer creates a signing server backed by the given key store and
// user database paths.
func NewServer(port int, keyDBPath, userDBPath string) (*Server, error) {
	store, err := keystore.NewStore(keyDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %v", err)
	}

	auth, err := NewAuthServer(userDBPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open auth server: %v", err)
	}

	return &Server{
		signers: make(map[string]*lms.PrivateKey),
		store:   store,
		auth:    auth,
		port:    port,
	}, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/register", s.auth.Register)
	mux.HandleFunc("/login", s.auth.Login)

	mux.HandleFunc("/generate", s.auth.RequireAuth(s.handleGenerate))
	mux.HandleFunc("/sign", s.auth.RequireAuth(s.handleSign))
	mux.HandleFunc("/verify", s.auth.RequireAuth(s.handleVerify))
	mux.HandleFunc("/pubkey/", s.auth.RequireAuth(s.handlePubKey))

	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Printf("Starting LMS signing server on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// Close releases the server's databases and wipes loaded signers.
func (s *Server) Close() error {
	s.mu.Lock()
	for _, sk := range s.signers {
		sk.Free()
	}
	s.signers = make(map[string]*lms.PrivateKey)
	s.mu.Unlock()

	s.auth.Close()
	return s.store.Close()
}

// GenerateRequest asks for a new key.
type GenerateRequest struct {
	KeyID string `json:"key_id"`
}

// GenerateResponse returns the exported public key.
type GenerateResponse struct {
	Success   bool   `json:"success"`
	KeyID     string `json:"key_id,omitempty"`
	PublicKey string `json:"public_key,omitempty"` // base64
	MaxSigs   uint32 `json:"max_signatures,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, GenerateResponse{Success: false, Error: fmt.Sprintf("Invalid request: %v", err)})
		return
	}
	if req.KeyID == "" {
		writeJSON(w, http.StatusBadRequest, GenerateResponse{Success: false, Error: "key_id is required"})
		return
	}

	if _, err := s.store.GetKey(req.KeyID); err == nil {
		writeJSON(w, http.StatusConflict, GenerateResponse{Success: false, Error: fmt.Sprintf("key %s already exists", req.KeyID)})
		return
	}

	seed := make([]byte, seedLen)
	if _, err := rand.Read(seed); err != nil {
		writeJSON(w, http.StatusInternalServerError, GenerateResponse{Success: false, Error: fmt.Sprintf("Failed to draw seed: %v", err)})
		return
	}

	sk := &lms.PrivateKey{}
	if err := sk.Generate(lms.SHA256M32H10, lmots.SHA256N32W8, rand.Reader, seed); err != nil {
		writeJSON(w, http.StatusInternalServerError, GenerateResponse{Success: false, Error: fmt.Sprintf("Failed to generate key: %v", err)})
		return
	}

	pub := &lms.PublicKey{}
	if err := pub.CalculateFrom(sk); err != nil {
		sk.Free()
		writeJSON(w, http.StatusInternalServerError, GenerateResponse{Success: false, Error: fmt.Sprintf("Failed to derive public key: %v", err)})
		return
	}

	pubLen, _ := lms.PublicKeyLen(lms.SHA256M32H10, lmots.SHA256N32W8)
	exported := make([]byte, pubLen)
	if _, err := pub.Export(exported); err != nil {
		sk.Free()
		writeJSON(w, http.StatusInternalServerError, GenerateResponse{Success: false, Error: fmt.Sprintf("Failed to export public key: %v", err)})
		return
	}

	rec := &keystore.KeyRecord{
		KeyID:     req.KeyID,
		LmsType:   uint32(lms.SHA256M32H10),
		OtsType:   uint32(lmots.SHA256N32W8),
		I:         sk.KeyID(),
		Seed:      seed,
		QNext:     0,
		PublicKey: exported,
	}
	if err := s.store.PutKey(rec); err != nil {
		sk.Free()
		writeJSON(w, http.StatusInternalServerError, GenerateResponse{Success: false, Error: fmt.Sprintf("Failed to store key: %v", err)})
		return
	}

	keyID := req.KeyID
	sk.PersistCounter = func(qNext uint32) error {
		return s.store.AdvanceIndex(keyID, qNext)
	}

	s.mu.Lock()
	s.signers[keyID] = sk
	s.mu.Unlock()

	maxSigs, _ := lms.MaxSignatures(lms.SHA256M32H10)
	writeJSON(w, http.StatusOK, GenerateResponse{
		Success:   true,
		KeyID:     keyID,
		PublicKey: base64.StdEncoding.EncodeToString(exported),
		MaxSigs:   maxSigs,
	})
}

// SignRequest asks for a signature over a base64 message.
type SignRequest struct {
	KeyID   string `json:"key_id"`
	Message string `json:"message"` // base64
}

// SignResponse returns the signature and the leaf it consumed.
type SignResponse struct {
	Success   bool   `json:"success"`
	KeyID     string `json:"key_id,omitempty"`
	Index     uint32 `json:"index"`
	Signature string `json:"signature,omitempty"` // base64
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, SignResponse{Success: false, Error: fmt.Sprintf("Invalid request: %v", err)})
		return
	}
	if req.KeyID == "" {
		writeJSON(w, http.StatusBadRequest, SignResponse{Success: false, Error: "key_id is required"})
		return
	}

	msg, err := base64.StdEncoding.DecodeString(req.Message)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, SignResponse{Success: false, Error: fmt.Sprintf("message is not valid base64: %v", err)})
		return
	}

	sk, err := s.signer(req.KeyID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, SignResponse{Success: false, Error: err.Error()})
		return
	}

	sigLen, err := lms.SignatureLen(sk.Types())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, SignResponse{Success: false, Error: err.Error()})
		return
	}

	// Serialize signs per key: the engine requires it, and the
	// counter advance below must stay ordered with the signature.
	s.mu.Lock()
	q := sk.NextLeaf()
	sig := make([]byte, sigLen)
	n, err := sk.Sign(rand.Reader, msg, sig)
	s.mu.Unlock()

	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, lms.ErrOutOfPrivateKeys) {
			status = http.StatusGone
		}
		writeJSON(w, status, SignResponse{Success: false, KeyID: req.KeyID, Error: fmt.Sprintf("Failed to sign: %v", err)})
		return
	}

	writeJSON(w, http.StatusOK, SignResponse{
		Success:   true,
		KeyID:     req.KeyID,
		Index:     q,
		Signature: base64.StdEncoding.EncodeToString(sig[:n]),
	})
}

// VerifyRequest carries a public key, message and signature, all
// base64.
type VerifyRequest struct {
	PublicKey string `json:"public_key"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// VerifyResponse reports the verification outcome.
type VerifyResponse struct {
	Success bool   `json:"success"`
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, VerifyResponse{Success: false, Error: fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	pubBytes, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, VerifyResponse{Success: false, Error: "public_key is not valid base64"})
		return
	}
	msg, err := base64.StdEncoding.DecodeString(req.Message)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, VerifyResponse{Success: false, Error: "message is not valid base64"})
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, VerifyResponse{Success: false, Error: "signature is not valid base64"})
		return
	}

	pub := &lms.PublicKey{}
	if err := pub.Import(pubBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, VerifyResponse{Success: false, Error: fmt.Sprintf("Failed to import public key: %v", err)})
		return
	}

	if err := pub.Verify(msg, sig); err != nil {
		writeJSON(w, http.StatusOK, VerifyResponse{Success: true, Valid: false})
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Success: true, Valid: true})
}

// PubKeyResponse returns a stored public key.
type PubKeyResponse struct {
	Success   bool   `json:"success"`
	KeyID     string `json:"key_id,omitempty"`
	PublicKey string `json:"public_key,omitempty"` // base64
	Error     string `json:"error,omitempty"`
}

// handlePubKey serves GET /pubkey/{key_id}.
func (s *Server) handlePubKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	keyID := strings.TrimPrefix(r.URL.Path, "/pubkey/")
	if keyID == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	rec, err := s.store.GetKey(keyID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, PubKeyResponse{Success: false, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, PubKeyResponse{
		Success:   true,
		KeyID:     keyID,
		PublicKey: base64.StdEncoding.EncodeToString(rec.PublicKey),
	})
}

// signer returns the cached signer for a key, loading it from the
// store on first use.
func (s *Server) signer(keyID string) (*lms.PrivateKey, error) {
	s.mu.Lock()
	sk, ok := s.signers[keyID]
	s.mu.Unlock()
	if ok {
		return sk, nil
	}

	sk, err := s.store.LoadSigner(keyID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.signers[keyID]; ok {
		sk.Free()
		return cached, nil
	}
	s.signers[keyID] = sk
	return sk, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
