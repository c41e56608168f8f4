package lms

import (
	"crypto/sha256"
	"hash"
)

// Domain separators from RFC 8554 section 5.3. Leaf and internal
// hashes must stay distinct; swapping them breaks interoperability.
var (
	dLeaf = []byte{0x82, 0x82}
	dIntr = []byte{0x83, 0x83}
)

// newHash is the tree hash backend. It is a variable so tests can stub
// it out, for example to count tree-hash calls. A hash.Hash cannot
// report a failure, so the node functions below always return nil.
var newHash func() hash.Hash = sha256.New

// leafNodeValue computes T(r) for a leaf node (r >= 2^h):
//
//	T(r) = H(I || u32be(r) || 0x8282 || K_q)
//
// where K_q is the OTS public key of leaf q = r - 2^h. The result is
// truncated to m bytes.
func leafNodeValue(p params, i []byte, r uint32, otsPub []byte, out []byte) error {
	h := newHash()
	var rBytes [4]byte
	putU32(rBytes[:], r)
	h.Write(i)
	h.Write(rBytes[:])
	h.Write(dLeaf)
	h.Write(otsPub)
	copy(out, h.Sum(nil)[:p.m])
	return nil
}

// internalNodeValue computes T(r) for an internal node (r < 2^h):
//
//	T(r) = H(I || u32be(r) || 0x8383 || T(2r) || T(2r+1))
func internalNodeValue(p params, i []byte, r uint32, left, right []byte, out []byte) error {
	h := newHash()
	var rBytes [4]byte
	putU32(rBytes[:], r)
	h.Write(i)
	h.Write(rBytes[:])
	h.Write(dIntr)
	h.Write(left)
	h.Write(right)
	copy(out, h.Sum(nil)[:p.m])
	return nil
}

// merkleTree is the dense 1-indexed node array: leaves occupy
// [2^h, 2^(h+1)), internals [1, 2^h), the root is node 1 and slot 0 is
// never written.
type merkleTree struct {
	p     params
	nodes []byte
}

// node returns the m-byte slot for node index r.
func (t *merkleTree) node(r uint32) []byte {
	return t.nodes[int(r)*t.p.m : int(r+1)*t.p.m]
}

// buildMerkleTree computes every node from the per-leaf OTS public
// keys: leaves in ascending order first, then internals descending so
// each parent is hashed only after both children exist.
func buildMerkleTree(p params, i []byte, otsPubs [][]byte) (*merkleTree, error) {
	t := &merkleTree{p: p, nodes: make([]byte, int(p.nodeCount())*p.m)}

	for q := uint32(0); q < p.leafCount(); q++ {
		r := p.leafCount() + q
		if err := leafNodeValue(p, i, r, otsPubs[q], t.node(r)); err != nil {
			return nil, err
		}
	}

	for r := p.leafCount() - 1; r > 0; r-- {
		if err := internalNodeValue(p, i, r, t.node(2*r), t.node(2*r+1), t.node(r)); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// authenticationPath writes the h sibling nodes for the given leaf node
// index into out, leaf side first. At each level the sibling is r^1 and
// the walk moves to the parent r/2.
func (t *merkleTree) authenticationPath(leafNodeID uint32, out []byte) {
	r := leafNodeID
	for height := 0; height < t.p.h; height++ {
		copy(out[height*t.p.m:(height+1)*t.p.m], t.node(r^1))
		r >>= 1
	}
}
