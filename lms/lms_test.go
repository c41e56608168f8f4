package lms

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"hash"
	"sync"
	"testing"

	"github.com/verifiable-state-chains/lmscore/lmots"
)

var testSeed = []byte("lms-test-seed-0123456789abcdefgh")

// Key generation expands 1024 leaves and dominates the suite's run
// time, so tests share one key pair and one mutable signer. The signer
// counter advances across tests; assertions are relative to its value
// at entry.
var (
	sharedOnce   sync.Once
	sharedPriv   *PrivateKey
	sharedPub    *PublicKey
	sharedSigner *PrivateKey
	sharedErr    error
)

func sharedKey(t *testing.T) (*PrivateKey, *PublicKey) {
	t.Helper()
	sharedOnce.Do(func() {
		sharedPriv = &PrivateKey{}
		if sharedErr = sharedPriv.Generate(SHA256M32H10, lmots.SHA256N32W8, rand.Reader, testSeed); sharedErr != nil {
			return
		}
		sharedPub = &PublicKey{}
		if sharedErr = sharedPub.CalculateFrom(sharedPriv); sharedErr != nil {
			return
		}
		sharedSigner = &PrivateKey{}
		sharedErr = sharedSigner.Restore(SHA256M32H10, lmots.SHA256N32W8, sharedPriv.KeyID(), testSeed, 0)
	})
	if sharedErr != nil {
		t.Fatalf("Failed to build shared key pair: %v", sharedErr)
	}
	return sharedPriv, sharedPub
}

func sharedSign(t *testing.T) (*PrivateKey, *PublicKey) {
	t.Helper()
	_, pub := sharedKey(t)
	return sharedSigner, pub
}

// restoredKeyAt rebuilds a private key at counter q from the shared
// key's identity, for tests that need a specific leaf or consume the
// whole key.
func restoredKeyAt(t *testing.T, q uint32) *PrivateKey {
	t.Helper()
	priv, _ := sharedKey(t)
	sk := &PrivateKey{}
	if err := sk.Restore(SHA256M32H10, lmots.SHA256N32W8, priv.KeyID(), testSeed, q); err != nil {
		t.Fatalf("Failed to restore key at q=%d: %v", q, err)
	}
	return sk
}

func signBuf(t *testing.T) []byte {
	t.Helper()
	sigLen, err := SignatureLen(SHA256M32H10, lmots.SHA256N32W8)
	if err != nil {
		t.Fatalf("Failed to get signature length: %v", err)
	}
	return make([]byte, sigLen)
}

func TestLengths(t *testing.T) {
	pubLen, err := PublicKeyLen(SHA256M32H10, lmots.SHA256N32W8)
	if err != nil {
		t.Fatalf("Failed to get public key length: %v", err)
	}
	if pubLen != 56 {
		t.Errorf("Expected public key length 56, got %d", pubLen)
	}

	sigLen, err := SignatureLen(SHA256M32H10, lmots.SHA256N32W8)
	if err != nil {
		t.Fatalf("Failed to get signature length: %v", err)
	}
	// 4 (q) + 1124 (OTS sig) + 4 (type) + 320 (path)
	if sigLen != 1452 {
		t.Errorf("Expected signature length 1452, got %d", sigLen)
	}
}

func TestUnknownParameterSets(t *testing.T) {
	if _, err := SignatureLen(SHA256M32H5, lmots.SHA256N32W8); !errors.Is(err, ErrBadInputData) {
		t.Errorf("Expected ErrBadInputData for unregistered LMS type, got %v", err)
	}
	if _, err := SignatureLen(SHA256M32H10, lmots.SHA256N32W4); !errors.Is(err, ErrBadInputData) {
		t.Errorf("Expected ErrBadInputData for unregistered OTS type, got %v", err)
	}

	sk := &PrivateKey{}
	if err := sk.Generate(SHA256M32H15, lmots.SHA256N32W8, rand.Reader, testSeed); !errors.Is(err, ErrBadInputData) {
		t.Errorf("Expected ErrBadInputData generating with unregistered type, got %v", err)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	sk, pub := sharedSign(t)

	messages := [][]byte{
		[]byte("message zero"),
		[]byte("message one"),
		{},
		bytes.Repeat([]byte{0xa5}, 4096),
	}

	sig := signBuf(t)
	for idx, msg := range messages {
		sigLen, err := sk.Sign(rand.Reader, msg, sig)
		if err != nil {
			t.Fatalf("Failed to sign message %d: %v", idx, err)
		}
		if err := pub.Verify(msg, sig[:sigLen]); err != nil {
			t.Errorf("Verification of message %d failed: %v", idx, err)
		}
	}
}

func TestOneSignOneAdvance(t *testing.T) {
	sk, pub := sharedSign(t)

	before := sk.NextLeaf()
	sig := signBuf(t)
	sigLen, err := sk.Sign(rand.Reader, []byte("advance"), sig)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}

	embeddedQ := u32(sig[sigQOffset:])
	if embeddedQ != before {
		t.Errorf("Expected embedded q=%d, got %d", before, embeddedQ)
	}
	if sk.NextLeaf() != embeddedQ+1 {
		t.Errorf("Expected q_next=%d after signing, got %d", embeddedQ+1, sk.NextLeaf())
	}
	if err := pub.Verify([]byte("advance"), sig[:sigLen]); err != nil {
		t.Errorf("Verification failed: %v", err)
	}
}

func TestVerifyRejectsMutations(t *testing.T) {
	sk, pub := sharedSign(t)

	msg := []byte("mutation target")
	sig := signBuf(t)
	sigLen, err := sk.Sign(rand.Reader, msg, sig)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	sig = sig[:sigLen]

	typeOff, err := sigTypeOffset(lmots.SHA256N32W8)
	if err != nil {
		t.Fatalf("Failed to get type offset: %v", err)
	}

	mutations := []struct {
		name   string
		offset int
	}{
		{"leaf index", sigQOffset + 3},
		{"ots randomizer", sigOTSOffset + 4},
		{"ots chain value", sigOTSOffset + 4 + 32},
		{"first path node", typeOff + TypeLen},
		{"last path node", sigLen - 1},
	}

	for _, m := range mutations {
		mutated := make([]byte, sigLen)
		copy(mutated, sig)
		mutated[m.offset] ^= 0x01
		if err := pub.Verify(msg, mutated); !errors.Is(err, ErrVerifyFailed) {
			t.Errorf("Mutating %s: expected ErrVerifyFailed, got %v", m.name, err)
		}
	}

	// Replacing the embedded LMS type with another registry value.
	mutated := make([]byte, sigLen)
	copy(mutated, sig)
	putU32(mutated[typeOff:], uint32(SHA256M32H5))
	if err := pub.Verify(msg, mutated); !errors.Is(err, ErrVerifyFailed) {
		t.Errorf("Swapped LMS type: expected ErrVerifyFailed, got %v", err)
	}

	// Replacing the embedded OTS type.
	copy(mutated, sig)
	putU32(mutated[sigOTSOffset:], uint32(lmots.SHA256N32W4))
	if err := pub.Verify(msg, mutated); !errors.Is(err, ErrVerifyFailed) {
		t.Errorf("Swapped OTS type: expected ErrVerifyFailed, got %v", err)
	}

	// Flipping a message bit.
	badMsg := []byte("mutation targeu")
	if err := pub.Verify(badMsg, sig); !errors.Is(err, ErrVerifyFailed) {
		t.Errorf("Mutated message: expected ErrVerifyFailed, got %v", err)
	}
}

func TestVerifyWrongLength(t *testing.T) {
	sk, pub := sharedSign(t)

	msg := []byte("length check")
	sig := signBuf(t)
	sigLen, err := sk.Sign(rand.Reader, msg, sig)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}

	// Count tree-hash invocations: a wrong-length signature must be
	// rejected before any hashing starts.
	calls := 0
	prev := newHash
	newHash = func() hash.Hash {
		calls++
		return sha256.New()
	}
	defer func() { newHash = prev }()

	if err := pub.Verify(msg, sig[:sigLen-1]); !errors.Is(err, ErrVerifyFailed) {
		t.Errorf("Truncated signature: expected ErrVerifyFailed, got %v", err)
	}
	longer := append(append([]byte{}, sig[:sigLen]...), 0x00)
	if err := pub.Verify(msg, longer); !errors.Is(err, ErrVerifyFailed) {
		t.Errorf("Extended signature: expected ErrVerifyFailed, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no tree hashing for wrong-length signatures, got %d calls", calls)
	}
}

func TestPathParity(t *testing.T) {
	// q=0 has all right-hand siblings on the climb, q=2^h-1 all
	// left-hand ones. Together they catch a swapped left/right
	// branch that mixed-parity leaves can mask.
	_, pub := sharedKey(t)

	for _, q := range []uint32{0, 1023} {
		sk := restoredKeyAt(t, q)
		msg := []byte("parity probe")
		sig := signBuf(t)
		sigLen, err := sk.Sign(rand.Reader, msg, sig)
		if err != nil {
			t.Fatalf("Failed to sign at q=%d: %v", q, err)
		}
		if u32(sig[sigQOffset:]) != q {
			t.Errorf("Expected embedded q=%d, got %d", q, u32(sig[sigQOffset:]))
		}
		if err := pub.Verify(msg, sig[:sigLen]); err != nil {
			t.Errorf("Verification at q=%d failed: %v", q, err)
		}
		sk.Free()
	}
}

func TestExhaustion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 1024-signature exhaustion run in short mode")
	}

	_, pub := sharedKey(t)
	sk := restoredKeyAt(t, 0)
	defer sk.Free()

	msg := []byte("exhaustion")
	sig := signBuf(t)
	for q := uint32(0); q < 1024; q++ {
		sigLen, err := sk.Sign(rand.Reader, msg, sig)
		if err != nil {
			t.Fatalf("Failed to sign at q=%d: %v", q, err)
		}
		if u32(sig[sigQOffset:]) != q {
			t.Fatalf("Expected embedded q=%d, got %d", q, u32(sig[sigQOffset:]))
		}
		// Spot-check verification across the leaf range.
		if q%128 == 0 || q == 1023 {
			if err := pub.Verify(msg, sig[:sigLen]); err != nil {
				t.Fatalf("Verification at q=%d failed: %v", q, err)
			}
		}
	}

	if _, err := sk.Sign(rand.Reader, msg, sig); !errors.Is(err, ErrOutOfPrivateKeys) {
		t.Errorf("Expected ErrOutOfPrivateKeys, got %v", err)
	}
	if sk.NextLeaf() != 1024 {
		t.Errorf("Expected q_next pinned at 1024, got %d", sk.NextLeaf())
	}

	// Exhaustion is terminal: repeated attempts keep failing without
	// moving the counter.
	if _, err := sk.Sign(rand.Reader, msg, sig); !errors.Is(err, ErrOutOfPrivateKeys) {
		t.Errorf("Expected ErrOutOfPrivateKeys on retry, got %v", err)
	}
	if sk.NextLeaf() != 1024 {
		t.Errorf("Expected q_next still 1024, got %d", sk.NextLeaf())
	}
}

func TestPublicKeyRoundTrip(t *testing.T) {
	_, pub := sharedKey(t)

	exported := make([]byte, 56)
	n, err := pub.Export(exported)
	if err != nil {
		t.Fatalf("Failed to export public key: %v", err)
	}
	if n != 56 {
		t.Fatalf("Expected 56 exported bytes, got %d", n)
	}

	imported := &PublicKey{}
	if err := imported.Import(exported); err != nil {
		t.Fatalf("Failed to import public key: %v", err)
	}

	reExported := make([]byte, 56)
	if _, err := imported.Export(reExported); err != nil {
		t.Fatalf("Failed to re-export public key: %v", err)
	}

	if !bytes.Equal(exported, reExported) {
		t.Error("Re-exported public key differs from the original")
	}
}

func TestImportedKeyVerifies(t *testing.T) {
	sk, pub := sharedSign(t)

	exported := make([]byte, 56)
	if _, err := pub.Export(exported); err != nil {
		t.Fatalf("Failed to export public key: %v", err)
	}
	imported := &PublicKey{}
	if err := imported.Import(exported); err != nil {
		t.Fatalf("Failed to import public key: %v", err)
	}

	msg := []byte("verify via imported key")
	sig := signBuf(t)
	sigLen, err := sk.Sign(rand.Reader, msg, sig)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	if err := imported.Verify(msg, sig[:sigLen]); err != nil {
		t.Errorf("Verification with imported key failed: %v", err)
	}
}

func TestImportUnknownParameters(t *testing.T) {
	buf := make([]byte, 56)
	putU32(buf[pubKeyTypeOffset:], 0x00000001)
	putU32(buf[pubKeyOTSTypeOffset:], uint32(lmots.SHA256N32W8))

	pub := &PublicKey{}
	if err := pub.Import(buf); !errors.Is(err, ErrBadInputData) {
		t.Errorf("Expected ErrBadInputData for unknown LMS type, got %v", err)
	}

	putU32(buf[pubKeyTypeOffset:], uint32(SHA256M32H10))
	putU32(buf[pubKeyOTSTypeOffset:], 0x00000099)
	if err := pub.Import(buf); !errors.Is(err, ErrBadInputData) {
		t.Errorf("Expected ErrBadInputData for unknown OTS type, got %v", err)
	}

	if err := pub.Import(buf[:20]); !errors.Is(err, ErrBadInputData) {
		t.Errorf("Expected ErrBadInputData for truncated key, got %v", err)
	}
}

func TestExportBufferTooSmall(t *testing.T) {
	_, pub := sharedKey(t)

	if _, err := pub.Export(make([]byte, 55)); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("Expected ErrBufferTooSmall, got %v", err)
	}
}

func TestSignBufferTooSmall(t *testing.T) {
	sk, _ := sharedSign(t)

	before := sk.NextLeaf()
	if _, err := sk.Sign(rand.Reader, []byte("msg"), make([]byte, 100)); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("Expected ErrBufferTooSmall, got %v", err)
	}
	if sk.NextLeaf() != before {
		t.Errorf("Counter moved on a failed buffer check: q_next=%d", sk.NextLeaf())
	}
}

func TestDuplicateGenerate(t *testing.T) {
	sk, _ := sharedSign(t)

	if err := sk.Generate(SHA256M32H10, lmots.SHA256N32W8, rand.Reader, testSeed); !errors.Is(err, ErrBadInputData) {
		t.Errorf("Expected ErrBadInputData for duplicate generate, got %v", err)
	}
}

func TestDeriveExportAgreement(t *testing.T) {
	priv, pub := sharedKey(t)

	derived := &PublicKey{}
	if err := derived.CalculateFrom(priv); err != nil {
		t.Fatalf("Failed to derive public key: %v", err)
	}

	a := make([]byte, 56)
	b := make([]byte, 56)
	if _, err := pub.Export(a); err != nil {
		t.Fatalf("Failed to export: %v", err)
	}
	if _, err := derived.Export(b); err != nil {
		t.Fatalf("Failed to export derived key: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("Derived public key differs from the original derivation")
	}
}

func TestLeafHashMatchesTreeNode(t *testing.T) {
	priv, _ := sharedKey(t)
	p, err := lookupParams(SHA256M32H10, lmots.SHA256N32W8)
	if err != nil {
		t.Fatalf("Failed to look up params: %v", err)
	}

	tree, err := buildMerkleTree(p, priv.i[:], priv.otsPubs)
	if err != nil {
		t.Fatalf("Failed to build tree: %v", err)
	}

	for _, q := range []uint32{0, 1, 511, 512, 1023} {
		r := p.leafCount() + q
		leaf := make([]byte, p.m)
		if err := leafNodeValue(p, priv.i[:], r, priv.otsPubs[q], leaf); err != nil {
			t.Fatalf("Failed to hash leaf %d: %v", q, err)
		}
		if !bytes.Equal(leaf, tree.node(r)) {
			t.Errorf("Leaf hash for q=%d does not match tree node %d", q, r)
		}
	}
}

func TestPersistCounterOrdering(t *testing.T) {
	sk, pub := sharedSign(t)
	defer func() { sk.PersistCounter = nil }()

	before := sk.NextLeaf()
	var persisted []uint32
	sk.PersistCounter = func(qNext uint32) error {
		persisted = append(persisted, qNext)
		return nil
	}

	msg := []byte("durable")
	sig := signBuf(t)
	sigLen, err := sk.Sign(rand.Reader, msg, sig)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	if len(persisted) != 1 || persisted[0] != before+1 {
		t.Errorf("Expected one persist call with q_next=%d, got %v", before+1, persisted)
	}
	if err := pub.Verify(msg, sig[:sigLen]); err != nil {
		t.Errorf("Verification failed: %v", err)
	}

	// A failing persist callback consumes the leaf anyway; rollback
	// is forbidden.
	sk.PersistCounter = func(qNext uint32) error {
		return errors.New("disk full")
	}
	if _, err := sk.Sign(rand.Reader, msg, sig); err == nil {
		t.Fatal("Expected sign to fail when persistence fails")
	}
	if sk.NextLeaf() != before+2 {
		t.Errorf("Expected leaf consumed despite persist failure, q_next=%d", sk.NextLeaf())
	}
}

func TestRestoreRejectsBadCounter(t *testing.T) {
	priv, _ := sharedKey(t)

	sk := &PrivateKey{}
	if err := sk.Restore(SHA256M32H10, lmots.SHA256N32W8, priv.KeyID(), testSeed, 1025); !errors.Is(err, ErrBadInputData) {
		t.Errorf("Expected ErrBadInputData for out-of-range counter, got %v", err)
	}
}

func TestFreedKeyRefusesToSign(t *testing.T) {
	sk := restoredKeyAt(t, 0)
	sk.Free()

	if _, err := sk.Sign(rand.Reader, []byte("msg"), signBuf(t)); !errors.Is(err, ErrBadInputData) {
		t.Errorf("Expected ErrBadInputData signing with freed key, got %v", err)
	}
}
