package lms

import (
	"fmt"

	"github.com/verifiable-state-chains/lmscore/lmots"
)

// AlgorithmType identifies an LMS parameter set by its RFC 8554
// registry value.
type AlgorithmType uint32

// Registered LMS parameter sets. Only SHA256_M32_H10 is enabled.
const (
	SHA256M32H5  AlgorithmType = 0x00000005
	SHA256M32H10 AlgorithmType = 0x00000006
	SHA256M32H15 AlgorithmType = 0x00000007
	SHA256M32H20 AlgorithmType = 0x00000008
	SHA256M32H25 AlgorithmType = 0x00000009
)

// TypeLen is the length of an encoded type tag.
const TypeLen = 4

// IKeyIDLen is the length of the I key identifier.
const IKeyIDLen = lmots.IKeyIDLen

// params describes one row of the parameter registry: the node length
// m and the tree height h for an LMS type, paired with the OTS type
// used at the leaves.
type params struct {
	typ     AlgorithmType
	otstype lmots.AlgorithmType
	m       int
	h       int
}

var registry = map[AlgorithmType]struct {
	m int
	h int
}{
	SHA256M32H10: {m: 32, h: 10},
}

// lookupParams resolves both type tags against the registries. Either
// tag being unknown is bad input, not a verification failure; the
// verifier maps this to its own uniform error.
func lookupParams(typ AlgorithmType, otstype lmots.AlgorithmType) (params, error) {
	row, ok := registry[typ]
	if !ok {
		return params{}, fmt.Errorf("lms: unsupported parameter set 0x%08x: %w", uint32(typ), ErrBadInputData)
	}
	if _, err := lmots.PublicKeyLen(otstype); err != nil {
		return params{}, fmt.Errorf("lms: unsupported ots parameter set 0x%08x: %w", uint32(otstype), ErrBadInputData)
	}
	return params{typ: typ, otstype: otstype, m: row.m, h: row.h}, nil
}

// leafCount is 2^h, the number of one-time keys under the tree.
func (p params) leafCount() uint32 { return 1 << uint(p.h) }

// nodeCount is 2^(h+1), the size of the dense node array. Slot 0 is
// unused so that parent(r) = r/2 holds for 1-based node indices.
func (p params) nodeCount() uint32 { return 1 << uint(p.h+1) }

// TreeHeight returns h for a registered LMS type.
func TreeHeight(typ AlgorithmType) (int, error) {
	row, ok := registry[typ]
	if !ok {
		return 0, fmt.Errorf("lms: unsupported parameter set 0x%08x: %w", uint32(typ), ErrBadInputData)
	}
	return row.h, nil
}

// MaxSignatures returns 2^h, the total number of one-time signatures a
// key of the given type can ever produce.
func MaxSignatures(typ AlgorithmType) (uint32, error) {
	h, err := TreeHeight(typ)
	if err != nil {
		return 0, err
	}
	return 1 << uint(h), nil
}

// PublicKeyLen returns the serialized public key length for a
// parameter set: type, otstype, I, and the root node.
func PublicKeyLen(typ AlgorithmType, otstype lmots.AlgorithmType) (int, error) {
	p, err := lookupParams(typ, otstype)
	if err != nil {
		return 0, err
	}
	return pubKeyRootOffset + p.m, nil
}

// SignatureLen returns the serialized signature length for a parameter
// set: q, the OTS signature, the LMS type, and the h-node path.
func SignatureLen(typ AlgorithmType, otstype lmots.AlgorithmType) (int, error) {
	p, err := lookupParams(typ, otstype)
	if err != nil {
		return 0, err
	}
	otsLen, err := lmots.SignatureLen(otstype)
	if err != nil {
		return 0, err
	}
	return sigOTSOffset + otsLen + TypeLen + p.m*p.h, nil
}
