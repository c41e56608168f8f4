// Package lms implements the Leighton-Micali signature scheme core
// (RFC 8554, NIST SP 800-208): a Merkle tree of one-time keys with a
// monotonically advancing leaf counter. The one-time primitive lives in
// the sibling lmots package.
package lms

import (
	"fmt"

	"github.com/verifiable-state-chains/lmscore/lmots"
)

// PublicKey is the LMS public state: the parameter tags, the I key
// identifier and the T1 Merkle root. Once populated it is immutable and
// safe to share across concurrent Verify calls.
type PublicKey struct {
	typ           AlgorithmType
	otstype       lmots.AlgorithmType
	i             [IKeyIDLen]byte
	t1            []byte
	havePublicKey bool
}

// Import parses a serialized public key: type, otstype, I, T1. Unknown
// parameter tags are rejected before any field is retained.
func (pub *PublicKey) Import(key []byte) error {
	if len(key) < pubKeyRootOffset {
		return fmt.Errorf("lms: public key truncated at %d bytes: %w", len(key), ErrBadInputData)
	}

	typ := AlgorithmType(u32(key[pubKeyTypeOffset:]))
	otstype := lmots.AlgorithmType(u32(key[pubKeyOTSTypeOffset:]))
	p, err := lookupParams(typ, otstype)
	if err != nil {
		return err
	}
	if len(key) < pubKeyRootOffset+p.m {
		return fmt.Errorf("lms: public key truncated at %d bytes: %w", len(key), ErrBadInputData)
	}

	pub.typ = typ
	pub.otstype = otstype
	copy(pub.i[:], key[pubKeyIOffset:pubKeyIOffset+IKeyIDLen])
	pub.t1 = make([]byte, p.m)
	copy(pub.t1, key[pubKeyRootOffset:pubKeyRootOffset+p.m])
	pub.havePublicKey = true

	return nil
}

// Export serializes the public key into key and returns the number of
// bytes written.
func (pub *PublicKey) Export(key []byte) (int, error) {
	if !pub.havePublicKey {
		return 0, fmt.Errorf("lms: public key not populated: %w", ErrBadInputData)
	}
	p, err := lookupParams(pub.typ, pub.otstype)
	if err != nil {
		return 0, err
	}
	keyLen := pubKeyRootOffset + p.m
	if len(key) < keyLen {
		return 0, ErrBufferTooSmall
	}

	putU32(key[pubKeyTypeOffset:], uint32(pub.typ))
	putU32(key[pubKeyOTSTypeOffset:], uint32(pub.otstype))
	copy(key[pubKeyIOffset:], pub.i[:])
	copy(key[pubKeyRootOffset:], pub.t1)

	return keyLen, nil
}

// CalculateFrom derives the public key from a populated private key by
// building the full Merkle tree and copying out the root node.
func (pub *PublicKey) CalculateFrom(sk *PrivateKey) error {
	if !sk.havePrivateKey {
		return fmt.Errorf("lms: private key not populated: %w", ErrBadInputData)
	}
	p, err := lookupParams(sk.typ, sk.otstype)
	if err != nil {
		return err
	}

	tree, err := buildMerkleTree(p, sk.i[:], sk.otsPubs)
	if err != nil {
		return err
	}

	pub.typ = sk.typ
	pub.otstype = sk.otstype
	pub.i = sk.i
	pub.t1 = make([]byte, p.m)
	copy(pub.t1, tree.node(1))
	pub.havePublicKey = true

	return nil
}

// Types returns the LMS and LM-OTS parameter tags.
func (pub *PublicKey) Types() (AlgorithmType, lmots.AlgorithmType) {
	return pub.typ, pub.otstype
}

// Free zeroizes the public state. The root is not secret, but destroy
// leaves no partial state behind either way.
func (pub *PublicKey) Free() {
	zeroize(pub.t1)
	pub.t1 = nil
	zeroize(pub.i[:])
	pub.typ = 0
	pub.otstype = 0
	pub.havePublicKey = false
}
