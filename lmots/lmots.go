// Package lmots implements the Leighton-Micali one-time signature
// scheme (RFC 8554 section 4). It is the leaf-level primitive consumed
// by the LMS Merkle layer; each private key may sign exactly one
// message.
package lmots

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrBadInputData is returned for unknown parameter sets, wrong-length
// buffers, and operations on keys in the wrong state.
var ErrBadInputData = errors.New("lmots: bad input data")

// ErrKeyUsed is returned when a private key is asked to sign a second
// message. One-time keys are consumed by their first signature.
var ErrKeyUsed = errors.New("lmots: private key already used")

// Domain separators from RFC 8554 section 4.1. The chain-seed byte is
// the 0xff prefix from Appendix A pseudorandom key generation.
var (
	dPblc = []byte{0x80, 0x80}
	dMesg = []byte{0x81, 0x81}
)

const chainSeedTag = 0xff

// sigCOffset is where the randomizer C starts inside an encoded
// signature; the chain values follow immediately after.
const sigCOffset = TypeLen

// PrivateKey holds the p chain-start values for one leaf. It signs at
// most once.
type PrivateKey struct {
	typ    AlgorithmType
	i      [IKeyIDLen]byte
	q      uint32
	chains [][]byte
	used   bool
	valid  bool
}

// PublicKey holds the n-byte K value for one leaf.
type PublicKey struct {
	typ AlgorithmType
	i   [IKeyIDLen]byte
	q   uint32
	k   []byte
}

// GeneratePrivateKey derives the chain-start values for leaf q from the
// key identifier and seed, per RFC 8554 Appendix A:
//
//	x[i] = H(I || u32be(q) || u16be(i) || 0xff || seed)
//
// The derivation is deterministic so a private key can be rebuilt from
// (I, q, seed) after a restart.
func GeneratePrivateKey(typ AlgorithmType, i []byte, q uint32, seed []byte) (*PrivateKey, error) {
	ps, err := lookupParams(typ)
	if err != nil {
		return nil, err
	}
	if len(i) != IKeyIDLen {
		return nil, fmt.Errorf("lmots: key identifier must be %d bytes: %w", IKeyIDLen, ErrBadInputData)
	}
	if len(seed) == 0 {
		return nil, fmt.Errorf("lmots: empty seed: %w", ErrBadInputData)
	}

	sk := &PrivateKey{typ: typ, q: q, valid: true}
	copy(sk.i[:], i)

	sk.chains = make([][]byte, ps.p)
	for idx := 0; idx < ps.p; idx++ {
		h := sha256.New()
		h.Write(sk.i[:])
		writeU32(h, q)
		writeU16(h, uint16(idx))
		h.Write([]byte{chainSeedTag})
		h.Write(seed)
		sk.chains[idx] = h.Sum(nil)[:ps.n]
	}

	return sk, nil
}

// CalculatePublicKey walks every chain to its end and hashes the
// results into the K value (RFC 8554 Algorithm 1).
func (sk *PrivateKey) CalculatePublicKey() (*PublicKey, error) {
	if !sk.valid {
		return nil, fmt.Errorf("lmots: private key not initialized: %w", ErrBadInputData)
	}
	ps, err := lookupParams(sk.typ)
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	h.Write(sk.i[:])
	writeU32(h, sk.q)
	h.Write(dPblc)

	tmp := make([]byte, ps.n)
	for idx := 0; idx < ps.p; idx++ {
		copy(tmp, sk.chains[idx])
		runChain(tmp, sk.i[:], sk.q, idx, 0, (1<<ps.w)-1, ps.n)
		h.Write(tmp)
	}

	return &PublicKey{typ: sk.typ, i: sk.i, q: sk.q, k: h.Sum(nil)[:ps.n]}, nil
}

// Sign produces the one-time signature of msg (RFC 8554 Algorithm 3)
// and marks the key as used. The randomizer C is drawn from rng.
func (sk *PrivateKey) Sign(rng io.Reader, msg []byte) ([]byte, error) {
	if !sk.valid {
		return nil, fmt.Errorf("lmots: private key not initialized: %w", ErrBadInputData)
	}
	if sk.used {
		return nil, ErrKeyUsed
	}
	ps, err := lookupParams(sk.typ)
	if err != nil {
		return nil, err
	}

	c := make([]byte, ps.n)
	if _, err := io.ReadFull(rng, c); err != nil {
		return nil, fmt.Errorf("lmots: failed to draw randomizer: %v", err)
	}

	digits := messageDigits(ps, sk.i[:], sk.q, c, msg)

	sigLen := TypeLen + ps.n*(ps.p+1)
	sig := make([]byte, sigLen)
	binary.BigEndian.PutUint32(sig[:TypeLen], uint32(sk.typ))
	copy(sig[sigCOffset:], c)

	for idx := 0; idx < ps.p; idx++ {
		y := sig[sigCOffset+ps.n+idx*ps.n:]
		copy(y[:ps.n], sk.chains[idx])
		runChain(y[:ps.n], sk.i[:], sk.q, idx, 0, int(digits[idx]), ps.n)
	}

	sk.used = true
	return sig, nil
}

// CalculatePublicKeyCandidate completes the Winternitz chains embedded
// in sig and hashes them into a candidate K (RFC 8554 Algorithm 4b).
// A forged signature yields an unrelated value rather than an error;
// rejecting it is the Merkle layer's job.
func CalculatePublicKeyCandidate(typ AlgorithmType, i []byte, q uint32, msg, sig []byte) ([]byte, error) {
	ps, err := lookupParams(typ)
	if err != nil {
		return nil, err
	}
	if len(i) != IKeyIDLen {
		return nil, fmt.Errorf("lmots: key identifier must be %d bytes: %w", IKeyIDLen, ErrBadInputData)
	}
	if len(sig) != TypeLen+ps.n*(ps.p+1) {
		return nil, fmt.Errorf("lmots: signature length %d: %w", len(sig), ErrBadInputData)
	}
	if AlgorithmType(binary.BigEndian.Uint32(sig[:TypeLen])) != typ {
		return nil, fmt.Errorf("lmots: signature type tag mismatch: %w", ErrBadInputData)
	}

	c := sig[sigCOffset : sigCOffset+ps.n]
	digits := messageDigits(ps, i, q, c, msg)

	h := sha256.New()
	h.Write(i)
	writeU32(h, q)
	h.Write(dPblc)

	tmp := make([]byte, ps.n)
	for idx := 0; idx < ps.p; idx++ {
		copy(tmp, sig[sigCOffset+ps.n+idx*ps.n:sigCOffset+ps.n+(idx+1)*ps.n])
		runChain(tmp, i, q, idx, int(digits[idx]), (1<<ps.w)-1, ps.n)
		h.Write(tmp)
	}

	return h.Sum(nil)[:ps.n], nil
}

// K returns the public key value. The slice aliases the key's storage.
func (pk *PublicKey) K() []byte { return pk.k }

// LeafIndex returns the leaf index the key was generated for.
func (sk *PrivateKey) LeafIndex() uint32 { return sk.q }

// Free overwrites the chain-start values and invalidates the key.
func (sk *PrivateKey) Free() {
	for _, chain := range sk.chains {
		zeroize(chain)
	}
	sk.chains = nil
	sk.valid = false
}

// Free overwrites the K value.
func (pk *PublicKey) Free() {
	zeroize(pk.k)
	pk.k = nil
}

// messageDigits hashes (C, msg) into Q, appends the 16-bit checksum and
// returns the p Winternitz digits. With w=8 each digit is one byte of
// Q || u16be(cksm).
func messageDigits(ps params, i []byte, q uint32, c, msg []byte) []byte {
	h := sha256.New()
	h.Write(i)
	writeU32(h, q)
	h.Write(dMesg)
	h.Write(c)
	h.Write(msg)
	qHash := h.Sum(nil)[:ps.n]

	maxDigit := (1 << ps.w) - 1
	var cksm uint16
	for _, b := range qHash {
		cksm += uint16(maxDigit) - uint16(b)
	}

	digits := make([]byte, ps.p)
	copy(digits, qHash)
	binary.BigEndian.PutUint16(digits[ps.n:], cksm)
	return digits
}

// runChain iterates the per-chain hash from position start up to (but
// not including) end, in place:
//
//	tmp = H(I || u32be(q) || u16be(chain) || u8(j) || tmp)
func runChain(tmp []byte, i []byte, q uint32, chain, start, end, n int) {
	for j := start; j < end; j++ {
		h := sha256.New()
		h.Write(i)
		writeU32(h, q)
		writeU16(h, uint16(chain))
		h.Write([]byte{byte(j)})
		h.Write(tmp)
		copy(tmp, h.Sum(nil)[:n])
	}
}

func writeU32(w io.Writer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeU16(w io.Writer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func zeroize(b []byte) {
	for idx := range b {
		b[idx] = 0
	}
}
