package lms

import (
	"encoding/binary"

	"github.com/verifiable-state-chains/lmscore/lmots"
)

// Public key layout (offsets in bytes):
//
//	0   type
//	4   otstype
//	8   I
//	24  T1 root node (m bytes)
const (
	pubKeyTypeOffset    = 0
	pubKeyOTSTypeOffset = pubKeyTypeOffset + TypeLen
	pubKeyIOffset       = pubKeyOTSTypeOffset + TypeLen
	pubKeyRootOffset    = pubKeyIOffset + IKeyIDLen
)

// Signature layout:
//
//	0                  q leaf index
//	4                  OTS signature (starts with its own type tag)
//	4+otsLen           LMS type
//	8+otsLen           authentication path (h nodes of m bytes, leaf side first)
const (
	sigQOffset   = 0
	sigOTSOffset = sigQOffset + 4
)

func sigTypeOffset(otstype lmots.AlgorithmType) (int, error) {
	otsLen, err := lmots.SignatureLen(otstype)
	if err != nil {
		return 0, err
	}
	return sigOTSOffset + otsLen, nil
}

// putU32 writes v big-endian into the first four bytes of out.
func putU32(out []byte, v uint32) {
	binary.BigEndian.PutUint32(out[:4], v)
}

// u32 reads a big-endian value from the first four bytes of b.
func u32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b[:4])
}

// zeroize overwrites b so freed key material does not linger.
func zeroize(b []byte) {
	for idx := range b {
		b[idx] = 0
	}
}
