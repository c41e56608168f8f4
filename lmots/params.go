package lmots

import "fmt"

// AlgorithmType identifies an LM-OTS parameter set by its RFC 8554
// registry value.
type AlgorithmType uint32

// Registered parameter sets. Only SHA256_N32_W8 is enabled; the other
// registry values are declared as named constants but have no registry
// row, and an unsupported tag is reported by its hex value.
const (
	SHA256N32W1 AlgorithmType = 0x00000001
	SHA256N32W2 AlgorithmType = 0x00000002
	SHA256N32W4 AlgorithmType = 0x00000003
	SHA256N32W8 AlgorithmType = 0x00000004
)

// IKeyIDLen is the length of the I key identifier shared with the LMS
// layer above.
const IKeyIDLen = 16

// TypeLen is the length of the type tag at the start of an encoded
// signature.
const TypeLen = 4

// params describes one row of the parameter registry.
type params struct {
	n int // hash output length in bytes
	w int // Winternitz width in bits
	p int // number of hash chains
}

var registry = map[AlgorithmType]params{
	SHA256N32W8: {n: 32, w: 8, p: 34},
}

func lookupParams(typ AlgorithmType) (params, error) {
	ps, ok := registry[typ]
	if !ok {
		return params{}, fmt.Errorf("lmots: unsupported parameter set 0x%08x: %w", uint32(typ), ErrBadInputData)
	}
	return ps, nil
}

// SignatureLen returns the encoded signature length for a parameter
// set: the type tag, the randomizer C, and p chain values.
func SignatureLen(typ AlgorithmType) (int, error) {
	ps, err := lookupParams(typ)
	if err != nil {
		return 0, err
	}
	return TypeLen + ps.n*(ps.p+1), nil
}

// PublicKeyLen returns the length of the K public key value.
func PublicKeyLen(typ AlgorithmType) (int, error) {
	ps, err := lookupParams(typ)
	if err != nil {
		return 0, err
	}
	return ps.n, nil
}
