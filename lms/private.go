package lms

import (
	"fmt"
	"io"

	"github.com/verifiable-state-chains/lmscore/lmots"
)

// PrivateKey is the LMS private state: one OTS key pair per leaf and
// the q_next counter partitioning used leaves from unused ones. That
// partition is the security invariant of the whole scheme; a leaf must
// never sign twice.
//
// A PrivateKey is exclusively owned by its signer. Sign is not safe for
// concurrent use, but is serializable: callers that wrap it in a mutex
// get one counter advance per signature.
type PrivateKey struct {
	typ     AlgorithmType
	otstype lmots.AlgorithmType
	i       [IKeyIDLen]byte

	otsPrivs []*lmots.PrivateKey
	otsPubs  [][]byte

	qNext          uint32
	havePrivateKey bool

	// PersistCounter, when set, is called with the advanced counter
	// value after q_next moves and before any signature bytes are
	// produced. If it returns an error the sign fails, but the leaf
	// stays consumed; rolling the counter back cannot be made
	// crash-safe.
	PersistCounter func(qNext uint32) error
}

// Generate populates the private key: draws the I identifier from rng,
// then derives and expands all 2^h one-time key pairs from (I, q, seed).
// Generating into an already-populated key is refused. On any leaf
// failure everything built so far is wiped and freed.
//
// I comes from rng rather than from the seed, so two keys generated
// from the same seed still end up distinct.
func (sk *PrivateKey) Generate(typ AlgorithmType, otstype lmots.AlgorithmType, rng io.Reader, seed []byte) error {
	p, err := lookupParams(typ, otstype)
	if err != nil {
		return err
	}
	if sk.havePrivateKey {
		return fmt.Errorf("lms: private key already populated: %w", ErrBadInputData)
	}

	sk.typ = typ
	sk.otstype = otstype
	if _, err := io.ReadFull(rng, sk.i[:]); err != nil {
		return fmt.Errorf("lms: failed to draw key identifier: %v", err)
	}

	return sk.expandLeaves(p, seed, 0)
}

// Restore rebuilds a private key from its persisted identity: the
// parameter tags, the I identifier, the generation seed, and the
// counter value the caller persisted. All leaves below qNext are
// treated as spent.
func (sk *PrivateKey) Restore(typ AlgorithmType, otstype lmots.AlgorithmType, i []byte, seed []byte, qNext uint32) error {
	p, err := lookupParams(typ, otstype)
	if err != nil {
		return err
	}
	if sk.havePrivateKey {
		return fmt.Errorf("lms: private key already populated: %w", ErrBadInputData)
	}
	if len(i) != IKeyIDLen {
		return fmt.Errorf("lms: key identifier must be %d bytes: %w", IKeyIDLen, ErrBadInputData)
	}
	if qNext > p.leafCount() {
		return fmt.Errorf("lms: counter %d out of range: %w", qNext, ErrBadInputData)
	}

	sk.typ = typ
	sk.otstype = otstype
	copy(sk.i[:], i)

	return sk.expandLeaves(p, seed, qNext)
}

func (sk *PrivateKey) expandLeaves(p params, seed []byte, qNext uint32) error {
	leafCount := int(p.leafCount())
	if leafCount <= 0 {
		return ErrAllocFailed
	}
	sk.otsPrivs = make([]*lmots.PrivateKey, leafCount)
	sk.otsPubs = make([][]byte, leafCount)

	for q := uint32(0); q < p.leafCount(); q++ {
		priv, err := lmots.GeneratePrivateKey(p.otstype, sk.i[:], q, seed)
		if err != nil {
			sk.wipeLeaves(q)
			return err
		}
		sk.otsPrivs[q] = priv

		pub, err := priv.CalculatePublicKey()
		if err != nil {
			priv.Free()
			sk.wipeLeaves(q)
			return err
		}
		sk.otsPubs[q] = pub.K()
	}

	sk.qNext = qNext
	sk.havePrivateKey = true
	return nil
}

// wipeLeaves frees the first n fully-built leaves after a partial
// generation failure.
func (sk *PrivateKey) wipeLeaves(n uint32) {
	for idx := uint32(0); idx < n; idx++ {
		sk.otsPrivs[idx].Free()
		zeroize(sk.otsPubs[idx])
	}
	sk.otsPrivs = nil
	sk.otsPubs = nil
}

// Sign consumes the next unused leaf and writes a signature over msg
// into sig, returning the total signature length.
//
// The counter advances, and PersistCounter confirms durability, before
// the one-time signature is computed. A crash or failure after that
// point loses leaf q but can never reuse it.
func (sk *PrivateKey) Sign(rng io.Reader, msg []byte, sig []byte) (int, error) {
	if !sk.havePrivateKey {
		return 0, fmt.Errorf("lms: private key not populated: %w", ErrBadInputData)
	}
	p, err := lookupParams(sk.typ, sk.otstype)
	if err != nil {
		return 0, err
	}
	sigLen, err := SignatureLen(sk.typ, sk.otstype)
	if err != nil {
		return 0, err
	}
	if len(sig) < sigLen {
		return 0, ErrBufferTooSmall
	}

	if sk.qNext >= p.leafCount() {
		return 0, ErrOutOfPrivateKeys
	}

	q := sk.qNext
	sk.qNext = q + 1
	if sk.PersistCounter != nil {
		if err := sk.PersistCounter(sk.qNext); err != nil {
			return 0, fmt.Errorf("lms: failed to persist counter before signing: %v", err)
		}
	}

	typeOff, err := sigTypeOffset(sk.otstype)
	if err != nil {
		return 0, err
	}
	pathOff := typeOff + TypeLen

	otsSig, err := sk.otsPrivs[q].Sign(rng, msg)
	if err != nil {
		return 0, err
	}
	copy(sig[sigOTSOffset:typeOff], otsSig)

	putU32(sig[sigQOffset:], q)
	putU32(sig[typeOff:], uint32(sk.typ))

	tree, err := buildMerkleTree(p, sk.i[:], sk.otsPubs)
	if err != nil {
		return 0, err
	}
	tree.authenticationPath(p.leafCount()+q, sig[pathOff:sigLen])

	return sigLen, nil
}

// Types returns the LMS and LM-OTS parameter tags.
func (sk *PrivateKey) Types() (AlgorithmType, lmots.AlgorithmType) {
	return sk.typ, sk.otstype
}

// NextLeaf returns the current q_next counter value.
func (sk *PrivateKey) NextLeaf() uint32 { return sk.qNext }

// Remaining returns how many one-time signatures the key can still
// produce.
func (sk *PrivateKey) Remaining() uint32 {
	if !sk.havePrivateKey {
		return 0
	}
	p, err := lookupParams(sk.typ, sk.otstype)
	if err != nil {
		return 0
	}
	return p.leafCount() - sk.qNext
}

// KeyID returns the 16-byte I key identifier.
func (sk *PrivateKey) KeyID() []byte {
	out := make([]byte, IKeyIDLen)
	copy(out, sk.i[:])
	return out
}

// Free zeroizes every leaf key pair and resets the state. The key can
// be generated into again afterwards.
func (sk *PrivateKey) Free() {
	if sk.havePrivateKey {
		for idx := range sk.otsPrivs {
			sk.otsPrivs[idx].Free()
			zeroize(sk.otsPubs[idx])
		}
	}
	sk.otsPrivs = nil
	sk.otsPubs = nil
	zeroize(sk.i[:])
	sk.typ = 0
	sk.otstype = 0
	sk.qNext = 0
	sk.havePrivateKey = false
}
