package lms

import (
	"crypto/subtle"
	"fmt"

	"github.com/verifiable-state-chains/lmscore/lmots"
)

// Verify checks sig over msg against the public key. Every way a
// signature can be inconsistent (length, embedded type tags, leaf index
// range, recovered root) reports the same ErrVerifyFailed; callers
// learn nothing about which check rejected it.
//
// The length check runs before any hash work, so a wrong-length
// signature never reaches the OTS or tree hashing.
func (pub *PublicKey) Verify(msg, sig []byte) error {
	if !pub.havePublicKey {
		return fmt.Errorf("lms: public key not populated: %w", ErrBadInputData)
	}
	p, err := lookupParams(pub.typ, pub.otstype)
	if err != nil {
		return err
	}

	sigLen, err := SignatureLen(pub.typ, pub.otstype)
	if err != nil {
		return err
	}
	if len(sig) != sigLen {
		return ErrVerifyFailed
	}

	typeOff, err := sigTypeOffset(pub.otstype)
	if err != nil {
		return err
	}
	pathOff := typeOff + TypeLen

	if lmots.AlgorithmType(u32(sig[sigOTSOffset:])) != pub.otstype {
		return ErrVerifyFailed
	}
	if AlgorithmType(u32(sig[typeOff:])) != pub.typ {
		return ErrVerifyFailed
	}

	q := u32(sig[sigQOffset:])
	if q >= p.leafCount() {
		return ErrVerifyFailed
	}

	// A bad OTS signature does not fail here; it recovers an
	// unrelated candidate key and dies at the root comparison.
	kc, err := lmots.CalculatePublicKeyCandidate(pub.otstype, pub.i[:], q,
		msg, sig[sigOTSOffset:typeOff])
	if err != nil {
		return ErrVerifyFailed
	}

	node := make([]byte, p.m)
	r := p.leafCount() + q
	if err := leafNodeValue(p, pub.i[:], r, kc, node); err != nil {
		return err
	}

	// Left/right order is decided by the parity of the current node
	// index at each level, not by q.
	for height := 0; height < p.h; height++ {
		sibling := sig[pathOff+height*p.m : pathOff+(height+1)*p.m]
		var hashErr error
		if r&1 == 1 {
			hashErr = internalNodeValue(p, pub.i[:], r/2, sibling, node, node)
		} else {
			hashErr = internalNodeValue(p, pub.i[:], r/2, node, sibling, node)
		}
		if hashErr != nil {
			return hashErr
		}
		r /= 2
	}

	if subtle.ConstantTimeCompare(node, pub.t1) != 1 {
		return ErrVerifyFailed
	}

	return nil
}
