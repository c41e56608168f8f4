package lms

import "errors"

// Error kinds surfaced by the engine. Verification failures are
// deliberately uniform: ErrVerifyFailed never says which of the length,
// type-tag, range, or root checks rejected the signature.
var (
	// ErrBadInputData covers unknown parameter sets, wrong-length
	// buffers, operations on unpopulated state, and duplicate
	// generation into an already-populated private key.
	ErrBadInputData = errors.New("lms: bad input data")

	// ErrBufferTooSmall means an output buffer cannot hold the
	// serialized public key or signature.
	ErrBufferTooSmall = errors.New("lms: output buffer too small")

	// ErrOutOfPrivateKeys means every leaf has been consumed. The
	// private key is permanently exhausted; there is no recovery.
	ErrOutOfPrivateKeys = errors.New("lms: out of one-time private keys")

	// ErrAllocFailed means the leaf array could not be allocated
	// during key generation.
	ErrAllocFailed = errors.New("lms: allocation failed")

	// ErrVerifyFailed means the signature is inconsistent with the
	// message and public key.
	ErrVerifyFailed = errors.New("lms: signature verification failed")
)
