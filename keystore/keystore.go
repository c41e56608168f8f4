// Package keystore persists LMS private-key identities and their leaf
// counters in a bbolt database. It is the durability half of the
// signing contract: the counter for a key is written and flushed
// before any signature produced with that counter leaves the process.
package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/verifiable-state-chains/lmscore/lms"
	"github.com/verifiable-state-chains/lmscore/lmots"
)

const bucketName = "lms_keys"

// DefaultRecoveryMargin is how many leaves are burned when a signer is
// loaded from disk. Skipping ahead guarantees no reuse even if the
// process died between signing and an observer seeing the signature.
const DefaultRecoveryMargin = 1

// KeyRecord is the persisted identity of an LMS private key. The leaf
// private keys themselves are never stored; they are re-derived from
// (I, seed) on load.
type KeyRecord struct {
	KeyID     string `json:"key_id"`
	LmsType   uint32 `json:"lms_type"`
	OtsType   uint32 `json:"ots_type"`
	I         []byte `json:"i"`
	Seed      []byte `json:"seed"`
	QNext     uint32 `json:"q_next"`
	PublicKey []byte `json:"public_key"`
}

// Store manages persistent LMS key state.
type Store struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	margin uint32
}

// NewStore creates or opens a key database. bbolt fsyncs on every
// read-write transaction commit, which is what makes AdvanceIndex a
// durable write.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %v", err)
	}

	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %v", err)
	}

	return &Store{
		db:     db,
		margin: DefaultRecoveryMargin,
	}, nil
}

// SetRecoveryMargin overrides the number of leaves burned per load.
// The margin must be at least 1.
func (s *Store) SetRecoveryMargin(margin uint32) error {
	if margin == 0 {
		return fmt.Errorf("recovery margin must be at least 1")
	}
	s.mu.Lock()
	s.margin = margin
	s.mu.Unlock()
	return nil
}

// PutKey stores a key record.
func (s *Store) PutKey(rec *KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal key record: %v", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		return bucket.Put([]byte(rec.KeyID), data)
	})
}

// GetKey retrieves a key record.
func (s *Store) GetKey(keyID string) (*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec *KeyRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		data := bucket.Get([]byte(keyID))
		if data == nil {
			return fmt.Errorf("key not found: %s", keyID)
		}

		rec = &KeyRecord{}
		return json.Unmarshal(data, rec)
	})

	return rec, err
}

// AdvanceIndex durably persists a new counter value for a key. The
// counter only moves forward; an attempt to move it backwards reports
// an error and leaves the stored value unchanged.
func (s *Store) AdvanceIndex(keyID string, qNext uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		data := bucket.Get([]byte(keyID))
		if data == nil {
			return fmt.Errorf("key not found: %s", keyID)
		}

		rec := &KeyRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return err
		}

		if qNext < rec.QNext {
			return fmt.Errorf("counter for %s cannot move from %d back to %d", keyID, rec.QNext, qNext)
		}
		if qNext == rec.QNext {
			return nil
		}

		rec.QNext = qNext
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(keyID), updated)
	})
}

// LoadSigner rebuilds a private key from its stored identity. The
// stored counter is advanced by the recovery margin and persisted
// before the signer is handed out, and the signer's PersistCounter
// hook routes every subsequent advance back through AdvanceIndex, so
// no signature can be released ahead of its durable counter.
func (s *Store) LoadSigner(keyID string) (*lms.PrivateKey, error) {
	rec, err := s.GetKey(keyID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	margin := s.margin
	s.mu.RUnlock()

	maxSigs, err := lms.MaxSignatures(lms.AlgorithmType(rec.LmsType))
	if err != nil {
		return nil, err
	}
	start := rec.QNext + margin
	if start > maxSigs {
		start = maxSigs
	}
	if err := s.AdvanceIndex(keyID, start); err != nil {
		return nil, fmt.Errorf("failed to persist recovery margin: %v", err)
	}

	sk := &lms.PrivateKey{}
	if err := sk.Restore(lms.AlgorithmType(rec.LmsType), lmots.AlgorithmType(rec.OtsType), rec.I, rec.Seed, start); err != nil {
		return nil, fmt.Errorf("failed to restore private key: %v", err)
	}
	sk.PersistCounter = func(qNext uint32) error {
		return s.AdvanceIndex(keyID, qNext)
	}

	return sk, nil
}

// ListKeys returns all key IDs in the store.
func (s *Store) ListKeys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keyIDs []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		return bucket.ForEach(func(k, v []byte) error {
			keyIDs = append(keyIDs, string(k))
			return nil
		})
	})

	return keyIDs, err
}

// DeleteKey removes a key record.
func (s *Store) DeleteKey(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		return bucket.Delete([]byte(keyID))
	})
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
