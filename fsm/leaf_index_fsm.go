// Package fsm implements the replicated state machine that tracks
// committed LMS leaf indices. Signers commit advanced counters here
// through the service API, so a cluster-wide view of "highest counter
// per key" survives the loss of any single node. The signing server in
// this module persists its counters through keystore and does not
// commit here.
package fsm

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/verifiable-state-chains/lmscore/lms"
)

// LeafIndexEntry is one committed counter advance for a key. The entry
// carries an ECDSA signature and the public key that made it; Apply
// checks the signature against that embedded key only, and does not
// check the key against any list of trusted attestation keys.
type LeafIndexEntry struct {
	KeyID     string `json:"key_id"`
	LmsType   uint32 `json:"lms_type"`
	Index     uint32 `json:"index"`      // the advanced q_next value
	Signature string `json:"signature"`  // Base64 encoded EC signature
	PublicKey string `json:"public_key"` // Base64 encoded EC public key
}

// signingPayload is the exact byte string the attestation signature
// covers. Replicas and committers must agree on it.
func (e *LeafIndexEntry) signingPayload() []byte {
	return []byte(fmt.Sprintf("%s:%d:%d", e.KeyID, e.LmsType, e.Index))
}

// LeafIndexFSM stores key_id -> committed q_next, enforcing that the
// counter only moves forward and never past the key's 2^h leaf budget.
type LeafIndexFSM struct {
	mu          sync.RWMutex
	leafIndices map[string]uint32
}

// NewLeafIndexFSM creates an empty FSM.
func NewLeafIndexFSM() *LeafIndexFSM {
	return &LeafIndexFSM{
		leafIndices: make(map[string]uint32),
	}
}

// Apply applies a Raft log entry.
func (f *LeafIndexFSM) Apply(l *raft.Log) interface{} {
	if l.Type != raft.LogCommand {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var entry LeafIndexEntry
	if err := json.Unmarshal(l.Data, &entry); err != nil {
		return fmt.Errorf("failed to parse leaf index entry: %v", err)
	}

	if err := verifyEntrySignature(&entry); err != nil {
		return fmt.Errorf("signature verification failed: %v", err)
	}

	maxSigs, err := lms.MaxSignatures(lms.AlgorithmType(entry.LmsType))
	if err != nil {
		return fmt.Errorf("rejected entry for %s: %v", entry.KeyID, err)
	}
	if entry.Index > maxSigs {
		return fmt.Errorf("index %d for %s exceeds the key's %d-leaf budget",
			entry.Index, entry.KeyID, maxSigs)
	}

	current, exists := f.leafIndices[entry.KeyID]
	if exists && entry.Index <= current {
		return fmt.Errorf("index %d is not greater than committed index %d for %s",
			entry.Index, current, entry.KeyID)
	}

	f.leafIndices[entry.KeyID] = entry.Index

	return fmt.Sprintf("committed leaf index: key_id=%s, index=%d", entry.KeyID, entry.Index)
}

func verifyEntrySignature(entry *LeafIndexEntry) error {
	hash := sha256.Sum256(entry.signingPayload())

	sigBytes, err := base64.StdEncoding.DecodeString(entry.Signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %v", err)
	}

	pubKeyBytes, err := base64.StdEncoding.DecodeString(entry.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to decode public key: %v", err)
	}

	pubKeyInterface, err := x509.ParsePKIXPublicKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %v", err)
	}

	pubKey, ok := pubKeyInterface.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("not an ECDSA public key")
	}

	if !ecdsa.VerifyASN1(pubKey, hash[:], sigBytes) {
		return fmt.Errorf("ECDSA verify returned false")
	}

	return nil
}

// GetLeafIndex returns the committed q_next for a key.
func (f *LeafIndexFSM) GetLeafIndex(keyID string) (uint32, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	index, exists := f.leafIndices[keyID]
	return index, exists
}

// GetAllLeafIndices returns all key_id -> index mappings.
func (f *LeafIndexFSM) GetAllLeafIndices() map[string]uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	result := make(map[string]uint32, len(f.leafIndices))
	for k, v := range f.leafIndices {
		result[k] = v
	}
	return result
}

// Snapshot creates a snapshot of the committed indices.
func (f *LeafIndexFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	indices := make(map[string]uint32, len(f.leafIndices))
	for k, v := range f.leafIndices {
		indices[k] = v
	}

	return &leafIndexSnapshot{leafIndices: indices}, nil
}

// Restore replaces the FSM state from a snapshot.
func (f *LeafIndexFSM) Restore(r io.ReadCloser) error {
	defer r.Close()

	indices := make(map[string]uint32)
	if err := json.NewDecoder(r).Decode(&indices); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	f.leafIndices = indices
	f.mu.Unlock()

	return nil
}

type leafIndexSnapshot struct {
	leafIndices map[string]uint32
}

func (s *leafIndexSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.leafIndices)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *leafIndexSnapshot) Release() {}

// SignEntry fills in the attestation signature and public key fields
// of an entry using the given EC private key.
func SignEntry(entry *LeafIndexEntry, priv *ecdsa.PrivateKey, rng io.Reader) error {
	hash := sha256.Sum256(entry.signingPayload())

	sig, err := ecdsa.SignASN1(rng, priv, hash[:])
	if err != nil {
		return fmt.Errorf("failed to sign entry: %v", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %v", err)
	}

	entry.Signature = base64.StdEncoding.EncodeToString(sig)
	entry.PublicKey = base64.StdEncoding.EncodeToString(pubBytes)
	return nil
}
