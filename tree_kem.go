package mls

import "crypto/rand"

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("mls: failed to read random bytes: " + err.Error())
	}
	return b
}

// generatedPath is everything the committer gets out of building its own
// UpdatePath: the wire form, the commit_secret feeding the key schedule, the
// new leaf private key, the private keys of every parent on the direct path
// (the committer holds all of them, having derived the whole chain), and the
// raw path secret per direct-path node, which Welcome construction samples to
// hand each joiner the secret at its common ancestor.
type generatedPath struct {
	Path         *UpdatePath
	CommitSecret []byte
	LeafPriv     []byte
	NodePrivs    map[nodeIndex][]byte
	PathSecrets  map[nodeIndex][]byte
}

// GenerateUpdatePath implements the committer's half of TreeKEM per
// spec.md §4.2: derive a fresh path secret chain bottom-up from a random
// seed, derive a deterministic HPKE keypair per ancestor, seal each level's
// path secret to its sibling's resolution, install the new public keys and
// parent hashes into the (already proposal-applied) working tree, and sign
// the committer's new leaf over its fresh Commit(parent_hash) source.
//
// It must be called on a tree copy the caller is prepared to discard on
// failure (per spec.md §5's cancellation contract).
func (t *RatchetTree) GenerateUpdatePath(
	csp CipherSuiteProvider,
	leaf leafIndex,
	groupID []byte,
	capabilities Capabilities,
	identity SigningIdentity,
	signPriv []byte,
) (*generatedPath, error) {
	size := t.leafCountValue()
	dirp := dirpath(toNodeIndex(leaf), size)
	nh := csp.Constants().SecretSize

	pathSecret := randomBytes(nh)
	var commitSecret []byte
	levelSecrets := map[nodeIndex][]byte{}
	nodePrivs := map[nodeIndex][]byte{}
	var newPubKeys [][]byte

	for _, ancestor := range dirp {
		nodeSecret := csp.HkdfExpandLabel(pathSecret, "node", nil, nh)
		priv, pub, err := csp.KemDerive(nodeSecret)
		if err != nil {
			return nil, wrapErr(ErrTreeInvariantViolation, err, "derive path node key")
		}
		levelSecrets[ancestor] = dup(pathSecret)
		nodePrivs[ancestor] = priv
		newPubKeys = append(newPubKeys, pub)
		commitSecret = nodeSecret
		pathSecret = csp.HkdfExpandLabel(pathSecret, "path", nil, nh)
	}

	// Install new public keys and clear unmerged leaves before computing
	// parent hashes, so sibling_tree_hash sees the post-update shape.
	for i, ancestor := range dirp {
		t.setParent(ancestor, &ParentNode{PublicKey: newPubKeys[i]})
	}

	// Link each fresh path node to the one above it, top-down: the node at
	// the top of the path keeps an empty link (it sits at the root), and
	// each node below freezes its parent's edge into its ParentHash.
	for i := len(dirp) - 2; i >= 0; i-- {
		t.parentAt(dirp[i]).ParentHash = t.parentEdgeHash(csp, dirp[i+1], dirp[i])
	}

	var leafParentHash []byte
	if len(dirp) > 0 {
		leafParentHash = t.parentEdgeHash(csp, dirp[0], toNodeIndex(leaf))
	}

	existing := t.leafAt(leaf)
	if existing == nil {
		return nil, newErr(ErrTreeInvariantViolation, "committer leaf %d is blank", leaf)
	}
	leafPriv, leafPub, err := csp.KemGenerate()
	if err != nil {
		return nil, wrapErr(ErrTreeInvariantViolation, err, "generate leaf encryption key")
	}
	newLeaf := LeafNode{
		EncryptionKey:   leafPub,
		SigningIdentity: identity,
		Capabilities:    capabilities,
		Source:          CommitSource(leafParentHash),
		Extensions:      existing.Extensions,
	}
	if err := newLeaf.Sign(csp, signPriv, groupID, leaf); err != nil {
		return nil, err
	}
	t.setLeaf(leaf, &newLeaf)

	// Each level's path secret is sealed to the resolution of the copath
	// node at that level -- the child of the ancestor on the far side of the
	// committer's path -- so exactly the members outside the updated subtree
	// at each level can recover it.
	nodes := make([]UpdatePathNode, len(dirp))
	prev := toNodeIndex(leaf)
	for i, ancestor := range dirp {
		cp := copathChild(ancestor, prev, size)
		recipientKeys := t.resolutionKeys(cp)
		cts := make([]HPKECiphertext, 0, len(recipientKeys))
		for _, pk := range recipientKeys {
			enc, ct, err := csp.HpkeSeal(pk, nil, levelSecrets[ancestor])
			if err != nil {
				return nil, wrapErr(ErrTreeInvariantViolation, err, "seal path secret")
			}
			cts = append(cts, HPKECiphertext{KemOutput: enc, Ciphertext: ct})
		}
		nodes[i] = UpdatePathNode{PublicKey: newPubKeys[i], EncryptedPathSecrets: cts}
		prev = ancestor
	}

	return &generatedPath{
		Path:         &UpdatePath{LeafNode: newLeaf, Nodes: nodes},
		CommitSecret: commitSecret,
		LeafPriv:     leafPriv,
		NodePrivs:    nodePrivs,
		PathSecrets:  levelSecrets,
	}, nil
}

// ApplyUpdatePath installs a received UpdatePath into the receiver's working
// tree (already mutated by the commit's proposals) and returns the
// commit_secret the receiver derives plus the private keys of every ancestor
// from the shared one upward, by finding the lowest ancestor shared between
// sender and receiver and decrypting that level's path secret with whichever
// key in the sibling resolution the receiver holds (its leaf key, or a parent
// key retained from an earlier path update).
func (t *RatchetTree) ApplyUpdatePath(
	csp CipherSuiteProvider,
	sender leafIndex,
	receiver leafIndex,
	groupID []byte,
	path *UpdatePath,
	receiverKeys map[nodeIndex][]byte,
) ([]byte, map[nodeIndex][]byte, error) {
	size := t.leafCountValue()
	senderPath := dirpath(toNodeIndex(sender), size)
	if len(senderPath) != len(path.Nodes) {
		return nil, nil, newErr(ErrTreeInvariantViolation, "update path length mismatch")
	}

	if !path.LeafNode.VerifySignature(csp, groupID, sender) {
		return nil, nil, newErr(ErrSignatureInvalid, "update path leaf node signature invalid")
	}

	ancestor := commonAncestor(toNodeIndex(sender), toNodeIndex(receiver), size)
	levelIdx := -1
	for i, a := range senderPath {
		if a == ancestor {
			levelIdx = i
			break
		}
	}
	if levelIdx < 0 {
		return nil, nil, newErr(ErrTreeInvariantViolation, "no common ancestor on direct path")
	}

	// Decrypt the path secret at the shared ancestor using the first node in
	// that level's copath resolution the receiver holds a private key for.
	// The copath node is the shared ancestor's child on the receiver's side
	// of the sender's path.
	prev := toNodeIndex(sender)
	if levelIdx > 0 {
		prev = senderPath[levelIdx-1]
	}
	cp := copathChild(ancestor, prev, size)
	resolution := t.Resolution(cp)
	ctIdx := -1
	var decryptPriv []byte
	for i, rn := range resolution {
		if priv, ok := receiverKeys[rn]; ok {
			ctIdx = i
			decryptPriv = priv
			break
		}
	}
	if ctIdx < 0 || ctIdx >= len(path.Nodes[levelIdx].EncryptedPathSecrets) {
		return nil, nil, newErr(ErrTreeInvariantViolation, "no decryption key for any node in update path resolution")
	}

	ct := path.Nodes[levelIdx].EncryptedPathSecrets[ctIdx]
	pathSecret, err := csp.HpkeOpen(decryptPriv, ct.KemOutput, nil, ct.Ciphertext)
	if err != nil {
		return nil, nil, wrapErr(ErrTreeInvariantViolation, err, "decrypt path secret")
	}

	// Install every level's public key first -- nodes below the common
	// ancestor are still part of the sender's path and must converge, even
	// though this receiver derives no secret for them.
	for i, anc := range senderPath {
		t.setParent(anc, &ParentNode{PublicKey: path.Nodes[i].PublicKey})
	}

	// Recompute the parent-hash links top-down from the freshly installed
	// keys, the same construction the sender used, and check the sender's new
	// leaf is bound to this exact path.
	for i := len(senderPath) - 2; i >= 0; i-- {
		t.parentAt(senderPath[i]).ParentHash = t.parentEdgeHash(csp, senderPath[i+1], senderPath[i])
	}
	var wantLeafParentHash []byte
	if len(senderPath) > 0 {
		wantLeafParentHash = t.parentEdgeHash(csp, senderPath[0], toNodeIndex(sender))
	}
	if path.LeafNode.Source.Type != LeafNodeSourceCommit ||
		string(path.LeafNode.Source.ParentHash) != string(wantLeafParentHash) {
		return nil, nil, newErr(ErrTreeInvariantViolation, "update path leaf is not bound to its path")
	}

	// Re-derive the secret chain from the shared ancestor to the root,
	// confirming each derived public key against the sender's claim; a
	// mismatch means the update path was not generated from the secrets it
	// encrypts.
	nh := csp.Constants().SecretSize
	var commitSecret []byte
	derivedPrivs := map[nodeIndex][]byte{}
	for i := levelIdx; i < len(senderPath); i++ {
		nodeSecret := csp.HkdfExpandLabel(pathSecret, "node", nil, nh)
		priv, pub, err := csp.KemDerive(nodeSecret)
		if err != nil {
			return nil, nil, wrapErr(ErrTreeInvariantViolation, err, "derive path node key")
		}
		if string(pub) != string(path.Nodes[i].PublicKey) {
			return nil, nil, newErr(ErrTreeInvariantViolation, "update path public key does not match its path secret")
		}
		derivedPrivs[senderPath[i]] = priv
		commitSecret = nodeSecret
		next := csp.HkdfExpandLabel(pathSecret, "path", nil, nh)
		zeroize(pathSecret)
		pathSecret = next
	}
	zeroize(pathSecret)

	t.setLeaf(sender, &path.LeafNode)

	if err := t.VerifyParentHashes(csp); err != nil {
		return nil, nil, err
	}
	return commitSecret, derivedPrivs, nil
}

// derivePathSecretKeys walks a path secret received out-of-band (a Welcome's
// group_secrets.path_secret) up from startNode to the root, returning the
// private key of every ancestor it covers. Used by joiners whose committer
// shared the secret at their common ancestor.
func derivePathSecretKeys(csp CipherSuiteProvider, tree *RatchetTree, startNode nodeIndex, pathSecret []byte) (map[nodeIndex][]byte, error) {
	size := tree.leafCountValue()
	nh := csp.Constants().SecretSize
	ps := dup(pathSecret)

	nodes := []nodeIndex{startNode}
	for cur := startNode; cur != root(size); {
		cur = parent(cur, size)
		nodes = append(nodes, cur)
	}

	privs := map[nodeIndex][]byte{}
	for _, n := range nodes {
		nodeSecret := csp.HkdfExpandLabel(ps, "node", nil, nh)
		priv, pub, err := csp.KemDerive(nodeSecret)
		if err != nil {
			return nil, wrapErr(ErrTreeInvariantViolation, err, "derive path node key")
		}
		if p := tree.parentAt(n); p != nil && string(p.PublicKey) != string(pub) {
			return nil, newErr(ErrTreeInvariantViolation, "welcome path secret does not match tree at node %d", n)
		}
		privs[n] = priv
		next := csp.HkdfExpandLabel(ps, "path", nil, nh)
		zeroize(ps)
		ps = next
	}
	zeroize(ps)
	return privs, nil
}
