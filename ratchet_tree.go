package mls

// ParentNode is a non-leaf tree node: its current HPKE public key, the
// parent-hash backlink securing it into its ancestor chain, and the leaves
// added under it since its last path update (excluded from path-secret
// encryption until the next update touches this subtree).
type ParentNode struct {
	PublicKey      []byte `tls:"head=2"`
	ParentHash     []byte `tls:"head=1"`
	UnmergedLeaves []uint32 `tls:"head=4"`
}

func (p ParentNode) unmergedLeaves() []leafIndex {
	out := make([]leafIndex, len(p.UnmergedLeaves))
	for i, l := range p.UnmergedLeaves {
		out[i] = leafIndex(l)
	}
	return out
}

// node is one slot of the flat 2N-1 array: blank, a leaf, or a parent,
// discriminated by the slot's position parity (even=leaf, odd=parent).
type node struct {
	Blank  bool
	Leaf   *LeafNode
	Parent *ParentNode
}

// nodeWire carries an explicit Leaf/Parent discriminant on the wire: array
// position parity tells a RatchetTree which kind a slot holds once it's
// reconstructed, but a lone node decoded out of context has no such parity
// to read, so IsLeaf travels with it.
type nodeWire struct {
	Blank  uint8
	IsLeaf uint8
}

func (n node) MarshalTLS() ([]byte, error) {
	hdr := mustMarshal(nodeWire{Blank: presenceOctet(n.Blank), IsLeaf: presenceOctet(n.Leaf != nil)})
	if n.Blank {
		return hdr, nil
	}
	var body []byte
	var err error
	if n.Leaf != nil {
		body, err = marshal(*n.Leaf)
	} else {
		body, err = marshal(*n.Parent)
	}
	if err != nil {
		return nil, err
	}
	return append(hdr, body...), nil
}

func (n *node) UnmarshalTLS(data []byte) (int, error) {
	var hdr nodeWire
	hn, err := unmarshal(data, &hdr)
	if err != nil {
		return 0, err
	}
	if hdr.Blank != 0 {
		*n = node{Blank: true}
		return hn, nil
	}
	rest := data[hn:]
	if hdr.IsLeaf != 0 {
		var ln LeafNode
		bn, err := unmarshal(rest, &ln)
		if err != nil {
			return 0, err
		}
		*n = node{Leaf: &ln}
		return hn + bn, nil
	}
	var pn ParentNode
	bn, err := unmarshal(rest, &pn)
	if err != nil {
		return 0, err
	}
	*n = node{Parent: &pn}
	return hn + bn, nil
}

// RatchetTree is the left-balanced binary tree of leaf/parent node slots
// TreeKEM operates on: a flat array of length 2N-1, indexed per tree_math.go.
// Suite is local configuration, not wire state -- it carries no tls tag and
// is excluded from Marshal/UnmarshalTLS below; a caller decoding a tree off
// the wire must set it afterward.
type RatchetTree struct {
	Suite CipherSuiteProvider
	Nodes []node
}

type ratchetTreeWire struct {
	Nodes []node `tls:"head=4"`
}

func (t RatchetTree) MarshalTLS() ([]byte, error) {
	return marshal(ratchetTreeWire{Nodes: t.Nodes})
}

func (t *RatchetTree) UnmarshalTLS(data []byte) (int, error) {
	var w ratchetTreeWire
	n, err := unmarshal(data, &w)
	if err != nil {
		return 0, err
	}
	t.Nodes = w.Nodes
	return n, nil
}

// NewRatchetTree returns an empty tree (no leaves) for the given suite.
func NewRatchetTree(suite CipherSuiteProvider) *RatchetTree {
	return &RatchetTree{Suite: suite}
}

// ImportRatchetTree decodes a tree exported with ExportTree (or carried in a
// ratchet-tree extension) and binds it to the given suite.
func ImportRatchetTree(suite CipherSuiteProvider, data []byte) (*RatchetTree, error) {
	var t RatchetTree
	if err := unmarshalExact(data, &t); err != nil {
		return nil, err
	}
	t.Suite = suite
	return &t, nil
}

func (t *RatchetTree) leafCountValue() leafCount {
	if len(t.Nodes) == 0 {
		return 0
	}
	return leafCount((len(t.Nodes) + 1) / 2)
}

// LeafCount is the number of leaf slots (blank or not) in the tree.
func (t *RatchetTree) LeafCount() uint32 { return uint32(t.leafCountValue()) }

func (t *RatchetTree) leafAt(l leafIndex) *LeafNode {
	idx := toNodeIndex(l)
	if int(idx) >= len(t.Nodes) {
		return nil
	}
	return t.Nodes[idx].Leaf
}

func (t *RatchetTree) setLeaf(l leafIndex, ln *LeafNode) {
	idx := toNodeIndex(l)
	t.Nodes[idx] = node{Blank: ln == nil, Leaf: ln}
}

func (t *RatchetTree) parentAt(n nodeIndex) *ParentNode {
	if int(n) >= len(t.Nodes) {
		return nil
	}
	return t.Nodes[n].Parent
}

func (t *RatchetTree) setParent(n nodeIndex, p *ParentNode) {
	t.Nodes[n] = node{Blank: p == nil, Parent: p}
}

// Resolution of node n: {n} union its unmerged leaves if non-blank, else the
// union of its children's resolutions (empty for a blank leaf).
func (t *RatchetTree) Resolution(n nodeIndex) []nodeIndex {
	size := t.leafCountValue()
	if isLeaf(n) {
		if t.Nodes[n].Blank {
			return nil
		}
		return []nodeIndex{n}
	}
	if !t.Nodes[n].Blank {
		out := []nodeIndex{n}
		for _, l := range t.Nodes[n].Parent.unmergedLeaves() {
			out = append(out, toNodeIndex(l))
		}
		return out
	}
	var out []nodeIndex
	out = append(out, t.Resolution(left(n))...)
	out = append(out, t.Resolution(right(n, size))...)
	return out
}

// resolutionKeys returns the HPKE public keys for every entry in a
// resolution, in the same order -- the recipient set a path-secret
// ciphertext vector is built against.
func (t *RatchetTree) resolutionKeys(n nodeIndex) [][]byte {
	res := t.Resolution(n)
	keys := make([][]byte, 0, len(res))
	for _, idx := range res {
		if isLeaf(idx) {
			lf := t.Nodes[idx].Leaf
			if lf != nil {
				keys = append(keys, lf.EncryptionKey)
			}
			continue
		}
		p := t.Nodes[idx].Parent
		if p != nil {
			keys = append(keys, p.PublicKey)
		}
	}
	return keys
}

// AddLeaf inserts ln at the lowest-indexed blank leaf, growing the tree
// (doubling) if none exists, and records the new leaf as unmerged in every
// ancestor on its direct path.
func (t *RatchetTree) AddLeaf(ln LeafNode) leafIndex {
	idx, ok := t.firstBlankLeaf()
	if !ok {
		idx = t.grow()
	}
	t.setLeaf(idx, &ln)

	size := t.leafCountValue()
	for _, a := range dirpath(toNodeIndex(idx), size) {
		p := t.parentAt(a)
		if p == nil {
			continue
		}
		p.UnmergedLeaves = append(p.UnmergedLeaves, uint32(idx))
	}
	return idx
}

func (t *RatchetTree) firstBlankLeaf() (leafIndex, bool) {
	size := t.leafCountValue()
	for i := leafIndex(0); i < leafIndex(size); i++ {
		if t.leafAt(i) == nil {
			return i, true
		}
	}
	return 0, false
}

// grow doubles the tree's leaf width and returns the new leaf slot's index
// (the first slot of the newly created half).
func (t *RatchetTree) grow() leafIndex {
	oldSize := t.leafCountValue()
	newSize := leafCount(1)
	if oldSize > 0 {
		newSize = oldSize * 2
	} else {
		newSize = 1
	}
	newWidth := nodeWidth(newSize)
	grown := make([]node, newWidth)
	copy(grown, t.Nodes)
	for i := len(t.Nodes); i < int(newWidth); i++ {
		grown[i] = node{Blank: true}
	}
	t.Nodes = grown
	return leafIndex(oldSize)
}

// RemoveLeaf blanks the leaf and every ancestor on its direct path, then
// truncates trailing blank leaves down to the smallest power of two that
// still covers a non-blank leaf.
func (t *RatchetTree) RemoveLeaf(l leafIndex) {
	size := t.leafCountValue()
	t.setLeaf(l, nil)
	for _, a := range dirpath(toNodeIndex(l), size) {
		t.setParent(a, nil)
	}
	t.truncate()
}

func (t *RatchetTree) truncate() {
	size := t.leafCountValue()
	lastNonBlank := leafIndex(0)
	found := false
	for i := leafIndex(0); i < leafIndex(size); i++ {
		if t.leafAt(i) != nil {
			lastNonBlank = i
			found = true
		}
	}
	if !found {
		t.Nodes = nil
		return
	}
	newSize := leafWidth(leafCount(lastNonBlank + 1))
	t.Nodes = t.Nodes[:nodeWidth(newSize)]
}

// UpdateLeaf replaces the leaf at l and blanks every parent on its direct
// path: path secrets encrypted to the old leaf key must not survive the
// key's replacement.
func (t *RatchetTree) UpdateLeaf(l leafIndex, ln LeafNode) {
	t.setLeaf(l, &ln)
	size := t.leafCountValue()
	for _, a := range dirpath(toNodeIndex(l), size) {
		t.setParent(a, nil)
	}
}

// TreeHash computes the recursive tree hash rooted at n: leaves hash
// (leaf_index, Option<LeafNode>), parents hash (Option<ParentNode>,
// left_hash, right_hash).
func (t *RatchetTree) TreeHash(n nodeIndex) []byte {
	size := t.leafCountValue()
	if isLeaf(n) {
		return t.leafNodeHash(toLeafIndex(n))
	}
	leftHash := t.TreeHash(left(n))
	rightHash := t.TreeHash(right(n, size))
	return t.parentNodeHash(n, leftHash, rightHash)
}

type leafNodeHashInput struct {
	LeafIndex uint32
	HasLeaf   uint8
	Leaf      []byte `tls:"head=2"`
}

func (t *RatchetTree) leafNodeHash(l leafIndex) []byte {
	ln := t.leafAt(l)
	input := leafNodeHashInput{LeafIndex: uint32(l), HasLeaf: presenceOctet(ln != nil)}
	if ln != nil {
		input.Leaf = mustMarshal(*ln)
	}
	return t.Suite.Hash(mustMarshal(input))
}

type parentNodeHashInput struct {
	HasParent uint8
	Parent    []byte `tls:"head=2"`
	LeftHash  []byte `tls:"head=1"`
	RightHash []byte `tls:"head=1"`
}

func (t *RatchetTree) parentNodeHash(n nodeIndex, leftHash, rightHash []byte) []byte {
	p := t.parentAt(n)
	input := parentNodeHashInput{HasParent: presenceOctet(p != nil), LeftHash: leftHash, RightHash: rightHash}
	if p != nil {
		input.Parent = mustMarshal(*p)
	}
	return t.Suite.Hash(mustMarshal(input))
}

// RootTreeHash is the value bound into GroupContext.TreeHash.
func (t *RatchetTree) RootTreeHash() []byte {
	return t.TreeHash(root(t.leafCountValue()))
}

// parentHashInput is the content of a parent-hash link. A node's ParentHash
// field (or a committer leaf's Commit source) freezes its parent's public
// key, the parent's own link, and the copath subtree at creation time; later
// additions under the parent are neutralized through its unmerged-leaf list,
// and every other change to those inputs necessarily blanks or replaces the
// parent, so a stored link stays checkable for as long as its parent lives.
type parentHashInput struct {
	PublicKey        []byte `tls:"head=2"`
	ParentParentHash []byte `tls:"head=1"`
	SiblingHash      []byte `tls:"head=1"`
}

func computeParentHash(csp CipherSuiteProvider, publicKey, parentParentHash, siblingHash []byte) []byte {
	return csp.Hash(mustMarshal(parentHashInput{
		PublicKey:        publicKey,
		ParentParentHash: parentParentHash,
		SiblingHash:      siblingHash,
	}))
}

// parentEdgeHash is the link value a descent child of parent node p must
// carry: the hash of p's key, p's own link, and the subtree on the far side
// of the descent, with p's unmerged leaves excluded.
func (t *RatchetTree) parentEdgeHash(csp CipherSuiteProvider, p nodeIndex, descent nodeIndex) []byte {
	size := t.leafCountValue()
	pn := t.parentAt(p)
	excl := map[leafIndex]bool{}
	for _, ul := range pn.unmergedLeaves() {
		excl[ul] = true
	}
	siblingHash := t.siblingHashExcludingUnmerged(copathChild(p, descent, size), excl)
	return computeParentHash(csp, pn.PublicKey, pn.ParentHash, siblingHash)
}

// siblingHashExcludingUnmerged hashes the subtree at n the same way TreeHash
// does, except that excluded leaves are treated as blank and are filtered
// out of every inner node's unmerged-leaf list -- reproducing the subtree
// exactly as it stood before those leaves were added.
func (t *RatchetTree) siblingHashExcludingUnmerged(n nodeIndex, excludeLeaves map[leafIndex]bool) []byte {
	size := t.leafCountValue()
	if isLeaf(n) {
		l := toLeafIndex(n)
		if excludeLeaves[l] {
			input := leafNodeHashInput{LeafIndex: uint32(l), HasLeaf: 0}
			return t.Suite.Hash(mustMarshal(input))
		}
		return t.leafNodeHash(l)
	}
	leftHash := t.siblingHashExcludingUnmerged(left(n), excludeLeaves)
	rightHash := t.siblingHashExcludingUnmerged(right(n, size), excludeLeaves)

	p := t.parentAt(n)
	input := parentNodeHashInput{HasParent: presenceOctet(p != nil), LeftHash: leftHash, RightHash: rightHash}
	if p != nil {
		filtered := ParentNode{PublicKey: p.PublicKey, ParentHash: p.ParentHash}
		for _, ul := range p.UnmergedLeaves {
			if !excludeLeaves[leafIndex(ul)] {
				filtered.UnmergedLeaves = append(filtered.UnmergedLeaves, ul)
			}
		}
		input.Parent = mustMarshal(filtered)
	}
	return t.Suite.Hash(mustMarshal(input))
}

// VerifyParentHashes checks the tree-wide parent-hash invariant: every
// non-blank parent node must be chained to by one of its children -- either
// a child parent node whose ParentHash link reproduces the edge hash, or a
// committer leaf whose Commit source carries it.
func (t *RatchetTree) VerifyParentHashes(csp CipherSuiteProvider) error {
	size := t.leafCountValue()
	for n := nodeIndex(1); int(n) < len(t.Nodes); n += 2 {
		if t.parentAt(n) == nil {
			continue
		}
		if !t.hasChainedChild(csp, n, size) {
			return newErr(ErrTreeInvariantViolation, "no child chains to parent node %d", n)
		}
	}
	return nil
}

func (t *RatchetTree) hasChainedChild(csp CipherSuiteProvider, p nodeIndex, size leafCount) bool {
	for _, child := range []nodeIndex{left(p), right(p, size)} {
		want := t.parentEdgeHash(csp, p, child)
		if isLeaf(child) {
			lf := t.Nodes[child].Leaf
			if lf != nil && lf.Source.Type == LeafNodeSourceCommit && string(lf.Source.ParentHash) == string(want) {
				return true
			}
			continue
		}
		cn := t.parentAt(child)
		if cn != nil && string(cn.ParentHash) == string(want) {
			return true
		}
	}
	return false
}

// Credentials returns the roster's credentials in leaf-index order, skipping
// blanks, the same shape Session::roster exposes in original_source.
func (t *RatchetTree) Credentials() []Credential {
	size := t.leafCountValue()
	var out []Credential
	for l := leafIndex(0); l < leafIndex(size); l++ {
		if ln := t.leafAt(l); ln != nil {
			out = append(out, ln.SigningIdentity.Credential)
		}
	}
	return out
}

// clone deep-copies every slot: a caller mutates the result (AddLeaf,
// RemoveLeaf, path updates) while spec.md §5 requires the original tree to
// stay byte-identical if the operation is later discarded. Sharing the
// Leaf/Parent pointers would let e.g. AddLeaf's in-place append to
// ParentNode.UnmergedLeaves corrupt the tree this clone was taken from.
func (t *RatchetTree) clone() *RatchetTree {
	nodes := make([]node, len(t.Nodes))
	for i, n := range t.Nodes {
		cn := node{Blank: n.Blank}
		if n.Leaf != nil {
			leaf := *n.Leaf
			leaf.EncryptionKey = dup(n.Leaf.EncryptionKey)
			leaf.Extensions = cloneExtensionList(n.Leaf.Extensions)
			cn.Leaf = &leaf
		}
		if n.Parent != nil {
			parent := *n.Parent
			parent.PublicKey = dup(n.Parent.PublicKey)
			parent.ParentHash = dup(n.Parent.ParentHash)
			parent.UnmergedLeaves = append([]uint32(nil), n.Parent.UnmergedLeaves...)
			cn.Parent = &parent
		}
		nodes[i] = cn
	}
	return &RatchetTree{Suite: t.Suite, Nodes: nodes}
}
