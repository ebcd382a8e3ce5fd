package mls

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// NewGroupOptions controls the two implementation-defined bounds spec.md §9
// leaves open: how much epoch history to retain, and how far a secret
// tree's forward-secure window looks ahead.
type NewGroupOptions struct {
	MaxPastEpochs          int
	MaxGenerationLookahead uint32
}

func (o NewGroupOptions) withDefaults() NewGroupOptions {
	if o.MaxPastEpochs <= 0 {
		o.MaxPastEpochs = 3
	}
	if o.MaxGenerationLookahead == 0 {
		o.MaxGenerationLookahead = defaultSecretTreeWindow
	}
	return o
}

// epochEntry is one retained point of a group's bounded epoch history: the
// context and key schedule needed to decrypt a late-arriving ciphertext
// from that epoch, and the tree shape as of that epoch (for sender lookup).
type epochEntry struct {
	context GroupContext
	epoch   *keyScheduleEpoch
	tree    *RatchetTree
}

func (e *epochEntry) zeroize() {
	zeroize(e.epoch.JoinerSecret)
	zeroize(e.epoch.WelcomeSecret)
	zeroize(e.epoch.EpochSecret)
	zeroize(e.epoch.SenderDataSecret)
	zeroize(e.epoch.EncryptionSecret)
	zeroize(e.epoch.ExporterSecret)
	zeroize(e.epoch.ExternalSecret)
	zeroize(e.epoch.ConfirmationKey)
	zeroize(e.epoch.MembershipKey)
	zeroize(e.epoch.ResumptionPsk)
	zeroize(e.epoch.InitSecret)
}

// pendingCommitState is the committer's own candidate epoch, built entirely
// off to the side so that discarding it (never calling ApplyPendingCommit)
// leaves the group exactly on its prior epoch -- the cancellation contract
// in spec.md §5.
type pendingCommitState struct {
	signature       []byte
	content         FramedContent
	tree            *RatchetTree
	context         GroupContext
	epoch           *keyScheduleEpoch
	confirmationTag []byte
	interimHash     []byte
	newLeafPriv     []byte                 // non-nil iff this commit carried a path update
	nodePrivs       map[nodeIndex][]byte   // the committer's new path-node private keys
	reinit          *ReInitProposal        // non-nil iff this commit folds a ReInit
	foldedRefs      [][]byte
	welcomes        []MLSMessage
}

// Group is the single-writer group state machine spec.md §4.5 and §5
// describe: one mutable handle per local view of a group, advanced only by
// a successfully applied commit.
type Group struct {
	mu sync.RWMutex

	csp      CipherSuiteProvider
	identity IdentityProvider
	rules    MlsRules
	opts     NewGroupOptions
	pskStore PskStore

	version ProtocolVersion

	myIndex      leafIndex
	mySigPriv    []byte
	myHPKEPriv   []byte
	capabilities Capabilities

	// pathPrivs holds the private keys of the parent nodes on this member's
	// direct path whose path secrets it has seen: all of them after
	// committing a path update of its own, and everything from the shared
	// ancestor upward after applying another member's. Later update paths
	// seal their secrets to these nodes rather than to every leaf below.
	pathPrivs map[nodeIndex][]byte

	// reinit is non-nil once a commit folding a ReInit proposal has been
	// applied; the group is then closed to everything except reads until
	// the successor group replaces this handle.
	reinit *ReInitProposal

	tree                  *RatchetTree
	context               GroupContext
	interimTranscriptHash []byte
	epoch                 *keyScheduleEpoch

	history []*epochEntry // oldest first, bounded by opts.MaxPastEpochs

	proposals     map[string]taggedProposal // keyed by raw ref bytes
	proposalOrder [][]byte

	// ownUpdateLeafPriv holds the HPKE private key generated for a
	// self-Update proposal this member has broadcast but that hasn't yet
	// been committed, keyed by the proposal's ref. ProposeUpdate populates
	// it; processCommit consumes it once the matching Update is folded in,
	// since the committer -- not this member -- is the one who installs
	// the new leaf in the tree.
	ownUpdateLeafPriv map[string][]byte

	pending *pendingCommitState
}

// CreateGroup starts a brand-new single-member group. ownLeaf must already
// be signed (LeafNodeSource KeyPackage), and ownLeafPriv is the HPKE private
// key matching ownLeaf.EncryptionKey.
func CreateGroup(
	csp CipherSuiteProvider,
	identity IdentityProvider,
	rules MlsRules,
	pskStore PskStore,
	groupID []byte,
	ownLeaf LeafNode,
	ownLeafPriv []byte,
	ownSigPriv []byte,
	opts NewGroupOptions,
) (*Group, error) {
	opts = opts.withDefaults()
	tree := NewRatchetTree(csp)
	idx := tree.AddLeaf(ownLeaf)

	context := GroupContext{
		Version:                 ProtocolVersionMLS10,
		CipherSuite:             csp.Suite(),
		GroupID:                 dup(groupID),
		Epoch:                   0,
		TreeHash:                tree.RootTreeHash(),
		ConfirmedTranscriptHash: []byte{},
		Extensions:              extensionList{},
	}

	initSecret := randomBytes(csp.Constants().SecretSize)
	joinerSecret := joinerSecretFromCommit(csp, initSecret, nil)
	epoch := newKeyScheduleEpoch(csp, tree.leafCountValue(), joinerSecret, pskSecretFromJoiner(csp, joinerSecret, nil), mustMarshal(context))
	epoch.Keys.setWindow(opts.MaxGenerationLookahead)
	zeroize(initSecret)

	// The initial epoch's interim transcript hash folds in the epoch-0
	// confirmation tag, so a joiner reconstructing it from a GroupInfo (which
	// always carries that tag) lands on the same value.
	confirmationTag := computeConfirmationTag(csp, epoch.ConfirmationKey, context.ConfirmedTranscriptHash)
	interimHash := nextInterimTranscriptHash(csp, context.ConfirmedTranscriptHash, confirmationTag)

	return &Group{
		csp:                   csp,
		identity:              identity,
		rules:                 rules,
		opts:                  opts,
		pskStore:              pskStore,
		version:               ProtocolVersionMLS10,
		myIndex:               idx,
		mySigPriv:             dup(ownSigPriv),
		myHPKEPriv:            dup(ownLeafPriv),
		capabilities:          ownLeaf.Capabilities,
		tree:                  tree,
		context:               context,
		interimTranscriptHash: interimHash,
		epoch:                 epoch,
		pathPrivs:             map[nodeIndex][]byte{},
		proposals:             map[string]taggedProposal{},
		ownUpdateLeafPriv:     map[string][]byte{},
	}, nil
}

// JoinGroup admits a new member from a Welcome message they were addressed
// in, reproducing the joiner's half of the key schedule and verifying the
// sealed GroupInfo's confirmation tag before trusting any of it.
func JoinGroup(
	csp CipherSuiteProvider,
	identity IdentityProvider,
	rules MlsRules,
	welcome Welcome,
	myKeyPackage *KeyPackage,
	mySecrets KeyPackageSecrets,
	providedTree *RatchetTree,
	pskStore PskStore,
	opts NewGroupOptions,
) (*Group, error) {
	opts = opts.withDefaults()
	if welcome.CipherSuite != csp.Suite() {
		return nil, newErr(ErrCipherSuiteMismatch, "welcome suite %v does not match provider suite %v", welcome.CipherSuite, csp.Suite())
	}
	kpHash := myKeyPackage.Hash(csp)
	entry, ok := welcome.findSecretsFor(kpHash)
	if !ok {
		return nil, newErr(ErrDecode, "welcome does not address this key package")
	}

	gsBytes, err := csp.HpkeOpen(mySecrets.InitPrivateKey, entry.EncryptedGroupSecrets.KemOutput, nil, entry.EncryptedGroupSecrets.Ciphertext)
	if err != nil {
		return nil, wrapErr(ErrAeadFailure, err, "open group secrets")
	}
	var groupSecrets GroupSecrets
	if err := unmarshalExact(gsBytes, &groupSecrets); err != nil {
		return nil, err
	}

	welcomeSecret := csp.DeriveSecret(groupSecrets.JoinerSecret, "welcome")
	kn := welcomeKeyAndNonce(csp, welcomeSecret)
	giBytes, err := csp.AeadOpen(kn.Key, kn.Nonce, nil, welcome.EncryptedGroupInfo)
	if err != nil {
		return nil, wrapErr(ErrAeadFailure, err, "open group info")
	}
	var groupInfo GroupInfo
	if err := unmarshalExact(giBytes, &groupInfo); err != nil {
		return nil, err
	}

	tree := providedTree
	if tree == nil {
		if ext, found := findExtension(groupInfo.Extensions, ExtensionTypeRatchetTree); found {
			var t RatchetTree
			if err := unmarshalExact(ext.Data, &t); err != nil {
				return nil, err
			}
			t.Suite = csp
			tree = &t
		} else {
			return nil, newErr(ErrDecode, "no ratchet tree available to join with")
		}
	}

	if err := tree.VerifyParentHashes(csp); err != nil {
		return nil, err
	}
	if string(tree.RootTreeHash()) != string(groupInfo.GroupContext.TreeHash) {
		return nil, newErr(ErrTreeInvariantViolation, "tree hash does not match group info")
	}

	signerLeaf := tree.leafAt(leafIndex(groupInfo.Signer))
	if signerLeaf == nil {
		return nil, newErr(ErrTreeInvariantViolation, "group info signer is a blank leaf")
	}
	if !groupInfo.VerifySignature(csp, signerLeaf.SigningIdentity.SignatureKey) {
		return nil, newErr(ErrSignatureInvalid, "group info signature invalid")
	}

	myIndex := leafIndex(0)
	found := false
	for l := leafIndex(0); l < leafIndex(tree.leafCountValue()); l++ {
		ln := tree.leafAt(l)
		if ln == nil {
			continue
		}
		if string(ln.EncryptionKey) == string(myKeyPackage.LeafNode.EncryptionKey) &&
			ln.SigningIdentity.Equal(myKeyPackage.LeafNode.SigningIdentity) {
			myIndex = l
			found = true
			break
		}
	}
	if !found {
		return nil, newErr(ErrTreeInvariantViolation, "own leaf not found in joined tree")
	}

	// A committer whose commit carried a path shares the path secret at the
	// joiner's common ancestor, handing the joiner every parent key from
	// there to the root.
	pathPrivs := map[nodeIndex][]byte{}
	if len(groupSecrets.PathSecret) > 0 {
		anc := commonAncestor(toNodeIndex(leafIndex(groupInfo.Signer)), toNodeIndex(myIndex), tree.leafCountValue())
		pathPrivs, err = derivePathSecretKeys(csp, tree, anc, groupSecrets.PathSecret)
		if err != nil {
			return nil, err
		}
	}

	pskSecret, err := resolvePSKSecrets(pskStore, groupSecrets.PSKs)
	if err != nil {
		return nil, err
	}
	pskCombined := pskSecretFromJoiner(csp, groupSecrets.JoinerSecret, pskSecret)
	epoch := newKeyScheduleEpoch(csp, tree.leafCountValue(), groupSecrets.JoinerSecret, pskCombined, mustMarshal(groupInfo.GroupContext))
	epoch.Keys.setWindow(opts.MaxGenerationLookahead)

	if string(computeConfirmationTag(csp, epoch.ConfirmationKey, groupInfo.GroupContext.ConfirmedTranscriptHash)) != string(groupInfo.ConfirmationTag) {
		return nil, newErr(ErrConfirmationTagInvalid, "welcome confirmation tag invalid")
	}
	interimHash := nextInterimTranscriptHash(csp, groupInfo.GroupContext.ConfirmedTranscriptHash, groupInfo.ConfirmationTag)

	return &Group{
		csp:                   csp,
		identity:              identity,
		rules:                 rules,
		opts:                  opts,
		pskStore:              pskStore,
		version:               groupInfo.GroupContext.Version,
		myIndex:               myIndex,
		mySigPriv:             dup(mySecrets.SignaturePrivateKey),
		myHPKEPriv:            dup(mySecrets.LeafEncryptionPrivateKey),
		capabilities:          myKeyPackage.LeafNode.Capabilities,
		tree:                  tree,
		context:               groupInfo.GroupContext,
		interimTranscriptHash: interimHash,
		epoch:                 epoch,
		pathPrivs:             pathPrivs,
		proposals:             map[string]taggedProposal{},
		ownUpdateLeafPriv:     map[string][]byte{},
	}, nil
}

// ExternalCommit lets a non-member join a group directly from its published
// GroupInfo (see Group.PublicGroupInfo), without an Add proposal or
// Welcome: it derives the group's external join secret from the GroupInfo's
// ExternalPub extension, folds an ExternalInit proposal (plus an optional
// Remove of a prior identity) into a self-authored commit, and returns both
// the resulting *Group and the PublicMessage every existing member must
// process to admit it, per spec.md's external-commit mechanics.
func ExternalCommit(
	csp CipherSuiteProvider,
	identity IdentityProvider,
	rules MlsRules,
	pskStore PskStore,
	groupInfoMsg MLSMessage,
	providedTree *RatchetTree,
	myLeaf LeafNode,
	myLeafPriv []byte,
	mySigPriv []byte,
	removePrior *leafIndex,
	opts NewGroupOptions,
) (*Group, MLSMessage, error) {
	opts = opts.withDefaults()
	if groupInfoMsg.Format != WireFormatGroupInfo || groupInfoMsg.GroupInfo == nil {
		return nil, MLSMessage{}, newErr(ErrDecode, "external commit requires a GroupInfo message")
	}
	groupInfo := *groupInfoMsg.GroupInfo

	tree := providedTree
	if tree == nil {
		ext, found := findExtension(groupInfo.Extensions, ExtensionTypeRatchetTree)
		if !found {
			return nil, MLSMessage{}, newErr(ErrDecode, "no ratchet tree available for external commit")
		}
		var t RatchetTree
		if err := unmarshalExact(ext.Data, &t); err != nil {
			return nil, MLSMessage{}, err
		}
		t.Suite = csp
		tree = &t
	}
	if err := tree.VerifyParentHashes(csp); err != nil {
		return nil, MLSMessage{}, err
	}
	if string(tree.RootTreeHash()) != string(groupInfo.GroupContext.TreeHash) {
		return nil, MLSMessage{}, newErr(ErrTreeInvariantViolation, "tree hash does not match group info")
	}
	signerLeaf := tree.leafAt(leafIndex(groupInfo.Signer))
	if signerLeaf == nil {
		return nil, MLSMessage{}, newErr(ErrTreeInvariantViolation, "group info signer is a blank leaf")
	}
	if !groupInfo.VerifySignature(csp, signerLeaf.SigningIdentity.SignatureKey) {
		return nil, MLSMessage{}, newErr(ErrSignatureInvalid, "group info signature invalid")
	}

	extPubExt, found := findExtension(groupInfo.Extensions, ExtensionTypeExternalPub)
	if !found {
		return nil, MLSMessage{}, newErr(ErrDecode, "group info carries no external join point")
	}

	externalInitSecret := randomBytes(csp.Constants().SecretSize)
	enc, ciphertext, err := csp.HpkeSeal(extPubExt.Data, nil, externalInitSecret)
	if err != nil {
		return nil, MLSMessage{}, wrapErr(ErrTreeInvariantViolation, err, "seal external init secret")
	}
	kemOutput := packExternalInit(enc, ciphertext)

	tagged := []taggedProposal{{
		proposal: Proposal{Type: ProposalTypeExternalInit, ExternalInit: &ExternalInitProposal{KemOutput: kemOutput}},
		sender:   Sender{Type: SenderTypeNewMemberCommit},
	}}
	if removePrior != nil {
		tagged = append(tagged, taggedProposal{
			proposal: Proposal{Type: ProposalTypeRemove, Remove: &RemoveProposal{Removed: *removePrior}},
			sender:   Sender{Type: SenderTypeNewMemberCommit},
		})
	}

	kpValidator := KeyPackageValidator{ProtocolVersion: groupInfo.GroupContext.Version, Suite: csp, Identity: identity}
	if err := validateProposalBundle(tagged, 0, true, tree, kpValidator); err != nil {
		return nil, MLSMessage{}, err
	}

	workingTree := tree.clone()
	_, psks, err := applyProposalsToTree(csp, workingTree, tagged, groupInfo.GroupContext.GroupID)
	if err != nil {
		return nil, MLSMessage{}, err
	}
	idx := workingTree.AddLeaf(myLeaf)

	generated, err := workingTree.GenerateUpdatePath(csp, idx, groupInfo.GroupContext.GroupID, myLeaf.Capabilities, myLeaf.SigningIdentity, mySigPriv)
	if err != nil {
		return nil, MLSMessage{}, err
	}
	commitSecret := generated.CommitSecret

	commit := Commit{Proposals: proposalOrRefsFor(tagged), Path: generated.Path}
	content := FramedContent{
		GroupID: dup(groupInfo.GroupContext.GroupID),
		Epoch:   groupInfo.GroupContext.Epoch,
		Sender:  Sender{Type: SenderTypeNewMemberCommit},
		Content: Content{Type: ContentTypeCommit, Commit: &commit},
	}
	tbs := signContentTBS(content, WireFormatPublicMessage, nil)
	tbsBytes, err := marshal(tbs)
	if err != nil {
		return nil, MLSMessage{}, err
	}
	signature, err := csp.Sign(mySigPriv, tbsBytes)
	if err != nil {
		return nil, MLSMessage{}, err
	}

	pskSecrets, err := resolvePSKSecrets(pskStore, psks)
	if err != nil {
		return nil, MLSMessage{}, err
	}

	newContext := GroupContext{
		Version:     groupInfo.GroupContext.Version,
		CipherSuite: csp.Suite(),
		GroupID:     dup(groupInfo.GroupContext.GroupID),
		Epoch:       groupInfo.GroupContext.Epoch + 1,
		TreeHash:    workingTree.RootTreeHash(),
		Extensions:  groupInfo.GroupContext.Extensions,
	}
	interimHash := nextInterimTranscriptHash(csp, groupInfo.GroupContext.ConfirmedTranscriptHash, groupInfo.ConfirmationTag)
	contentBytes := mustMarshal(content)
	newContext.ConfirmedTranscriptHash = nextConfirmedTranscriptHash(csp, interimHash, WireFormatPublicMessage, contentBytes, signature)

	joinerSecret := joinerSecretFromCommit(csp, externalInitSecret, commitSecret)
	newEpoch := newKeyScheduleEpoch(csp, workingTree.leafCountValue(), joinerSecret, pskSecretFromJoiner(csp, joinerSecret, pskSecrets), mustMarshal(newContext))
	newEpoch.Keys.setWindow(opts.MaxGenerationLookahead)
	zeroize(externalInitSecret)

	confirmationTag := computeConfirmationTag(csp, newEpoch.ConfirmationKey, newContext.ConfirmedTranscriptHash)
	newInterimHash := nextInterimTranscriptHash(csp, newContext.ConfirmedTranscriptHash, confirmationTag)

	pm := PublicMessage{Content: content, Auth: FramedContentAuthData{Signature: signature, ConfirmationTag: confirmationTag}}

	g := &Group{
		csp:                   csp,
		identity:              identity,
		rules:                 rules,
		opts:                  opts,
		pskStore:              pskStore,
		version:               groupInfo.GroupContext.Version,
		myIndex:               idx,
		mySigPriv:             dup(mySigPriv),
		myHPKEPriv:            dup(generated.LeafPriv),
		capabilities:          myLeaf.Capabilities,
		tree:                  workingTree,
		context:               newContext,
		interimTranscriptHash: newInterimHash,
		epoch:                 newEpoch,
		pathPrivs:             generated.NodePrivs,
		proposals:             map[string]taggedProposal{},
		ownUpdateLeafPriv:     map[string][]byte{},
	}

	return g, MLSMessage{Version: groupInfo.GroupContext.Version, Format: WireFormatPublicMessage, PublicMessage: &pm}, nil
}

// PublicGroupInfo produces a standalone, signed GroupInfo snapshot of the
// current epoch, publishing the external join point (ExternalPub) so a
// non-member can construct an ExternalCommit. includeTree controls whether
// the ratchet tree accompanies it as an extension.
func (g *Group) PublicGroupInfo(includeTree bool) (MLSMessage, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, extPub, err := g.csp.KemDerive(g.epoch.ExternalSecret)
	if err != nil {
		return MLSMessage{}, wrapErr(ErrTreeInvariantViolation, err, "derive external join key")
	}
	exts := extensionList{Extensions: []Extension{{Type: ExtensionTypeExternalPub, Data: extPub}}}
	if includeTree {
		exts.Extensions = append(exts.Extensions, ratchetTreeExtension(*g.tree))
	}

	gi := GroupInfo{
		GroupContext:    g.context,
		Extensions:      exts,
		ConfirmationTag: computeConfirmationTag(g.csp, g.epoch.ConfirmationKey, g.context.ConfirmedTranscriptHash),
		Signer:          uint32(g.myIndex),
	}
	if err := gi.Sign(g.csp, g.mySigPriv); err != nil {
		return MLSMessage{}, err
	}
	return MLSMessage{Version: g.version, Format: WireFormatGroupInfo, GroupInfo: &gi}, nil
}

// Roster returns the non-blank leaves in index order.
func (g *Group) Roster() []LeafNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return rosterLeafNodes(g.tree)
}

func rosterLeafNodes(tree *RatchetTree) []LeafNode {
	var out []LeafNode
	for l := leafIndex(0); l < leafIndex(tree.leafCountValue()); l++ {
		if ln := tree.leafAt(l); ln != nil {
			out = append(out, *ln)
		}
	}
	return out
}

// PendingReInit reports whether a committed ReInit has closed this group,
// and if so the parameters (group id, version, suite, extensions) the
// successor group must be created with. A closed group still serves reads
// and decrypts retained-epoch traffic but refuses new proposals, commits,
// and outbound application messages.
func (g *Group) PendingReInit() (*ReInitProposal, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.reinit == nil {
		return nil, false
	}
	r := *g.reinit
	return &r, true
}

// Epoch returns the current epoch number.
func (g *Group) Epoch() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.context.Epoch
}

// Context returns a copy of the current group context.
func (g *Group) Context() GroupContext {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.context.clone()
}

// GroupID returns the group's identifier.
func (g *Group) GroupID() []byte {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return dup(g.context.GroupID)
}

// ExportTree serializes the current ratchet tree, the out-of-band companion
// to a Welcome built without the ratchet-tree extension.
func (g *Group) ExportTree() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return marshal(*g.tree)
}

// EpochAuthenticator is a value every member in the same epoch computes
// identically, usable by an application to confirm two views of a group
// agree without exchanging any secret (invariant 2 in spec.md §8).
func (g *Group) EpochAuthenticator() []byte {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.csp.DeriveSecret(g.epoch.EpochSecret, "authentication")
}

// ExportSecret derives an application-chosen exported secret from the
// current epoch's exporter_secret, the way RFC 9420 §8.5 defines.
func (g *Group) ExportSecret(label string, context []byte, length int) []byte {
	g.mu.RLock()
	defer g.mu.RUnlock()
	withContext := g.csp.DeriveSecret(g.epoch.ExporterSecret, label)
	return g.csp.HkdfExpandLabel(withContext, "exported", g.csp.Hash(context), length)
}

// Propose signs and buffers a single proposal as if this member is about to
// send it, returning the PublicMessage to broadcast.
func (g *Group) Propose(p Proposal) (MLSMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reinit != nil {
		return MLSMessage{}, newErr(ErrProposalInvalid, "group is closed pending reinitialization")
	}

	sender := MemberSender(g.myIndex)
	content := FramedContent{
		GroupID:           dup(g.context.GroupID),
		Epoch:             g.context.Epoch,
		Sender:            sender,
		AuthenticatedData: nil,
		Content:           Content{Type: ContentTypeProposal, Proposal: &p},
	}

	var msg MLSMessage
	if g.rules.EncryptionOptions().EncryptControlMessages {
		tbs := signContentTBS(content, WireFormatPrivateMessage, &g.context)
		tbsBytes, err := marshal(tbs)
		if err != nil {
			return MLSMessage{}, err
		}
		signature, err := g.csp.Sign(g.mySigPriv, tbsBytes)
		if err != nil {
			return MLSMessage{}, err
		}
		msg, err = g.sealContent(content, FramedContentAuthData{Signature: signature})
		if err != nil {
			return MLSMessage{}, err
		}
	} else {
		pm := PublicMessage{Content: content}
		if err := pm.sign(g.csp, g.mySigPriv, &g.context); err != nil {
			return MLSMessage{}, err
		}
		pm.setMembershipTag(g.csp, g.epoch.MembershipKey, &g.context)
		msg = MLSMessage{Version: g.version, Format: WireFormatPublicMessage, PublicMessage: &pm}
	}

	ref := proposalRef(g.csp, p)
	g.proposals[string(ref)] = taggedProposal{ref: ref, proposal: p, sender: sender}
	g.proposalOrder = append(g.proposalOrder, ref)

	return msg, nil
}

// ProposeUpdate generates a fresh encryption keypair for this member's own
// leaf and broadcasts an Update proposal replacing it. Unlike a generic
// Propose(Proposal{Type: ProposalTypeUpdate, ...}), this remembers the new
// private key so that whichever member ends up committing the proposal,
// this member's own myHPKEPriv is advanced to match once the commit lands.
func (g *Group) ProposeUpdate(identity SigningIdentity) (MLSMessage, error) {
	g.mu.Lock()
	if g.reinit != nil {
		g.mu.Unlock()
		return MLSMessage{}, newErr(ErrProposalInvalid, "group is closed pending reinitialization")
	}
	leafPriv, leafPub, err := g.csp.KemGenerate()
	if err != nil {
		g.mu.Unlock()
		return MLSMessage{}, wrapErr(ErrTreeInvariantViolation, err, "generate update leaf key")
	}
	existing := g.tree.leafAt(g.myIndex)
	if existing == nil {
		g.mu.Unlock()
		return MLSMessage{}, newErr(ErrTreeInvariantViolation, "own leaf is blank")
	}
	newLeaf := LeafNode{
		EncryptionKey:   leafPub,
		SigningIdentity: identity,
		Capabilities:    g.capabilities,
		Source:          UpdateSource(),
		Extensions:      existing.Extensions,
	}
	if err := newLeaf.Sign(g.csp, g.mySigPriv, g.context.GroupID, g.myIndex); err != nil {
		g.mu.Unlock()
		return MLSMessage{}, err
	}
	p := Proposal{Type: ProposalTypeUpdate, Update: &UpdateProposal{LeafNode: newLeaf}}
	ref := proposalRef(g.csp, p)
	g.ownUpdateLeafPriv[string(ref)] = leafPriv
	g.mu.Unlock()

	return g.Propose(p)
}

// bufferedInOrder returns every currently buffered proposal, oldest first.
func (g *Group) bufferedInOrder() []taggedProposal {
	out := make([]taggedProposal, 0, len(g.proposalOrder))
	for _, ref := range g.proposalOrder {
		if tp, ok := g.proposals[string(ref)]; ok {
			out = append(out, tp)
		}
	}
	return out
}

func (g *Group) clearProposalBuffer() {
	g.proposals = map[string]taggedProposal{}
	g.proposalOrder = nil
	g.ownUpdateLeafPriv = map[string][]byte{}
}

// filterTagged applies the MlsRules FilterProposals hook to a tagged
// proposal set, dropping whatever the hook's returned bundle no longer
// carries. The hook's ProposalBundle shape has no room for per-item sender
// attribution, so a reordering rule can't be reflected here -- only
// acceptance/rejection, which is what every rule in spec.md §4.6 does.
func (g *Group) filterTagged(direction ProposalDirection, source ProposalSource, tagged []taggedProposal) ([]taggedProposal, error) {
	var proposals []Proposal
	for _, tp := range tagged {
		proposals = append(proposals, tp.proposal)
	}
	bundle := bundleFromProposals(proposals)
	filtered, err := g.rules.FilterProposals(direction, source, rosterLeafNodes(g.tree), bundle)
	if err != nil {
		return nil, err
	}
	allowed := map[string]bool{}
	for _, p := range flattenBundle(filtered) {
		allowed[string(mustMarshal(p))] = true
	}
	out := make([]taggedProposal, 0, len(tagged))
	for _, tp := range tagged {
		if allowed[string(mustMarshal(tp.proposal))] {
			out = append(out, tp)
		}
	}
	return out, nil
}

// Commit folds every currently buffered proposal plus extra (by-value,
// not previously broadcast) proposals into a new epoch, building a Welcome
// for each Add along the way. It fails with ErrExistingPendingCommit if a
// prior commit hasn't been applied or discarded yet, and leaves the group
// on its current epoch until ApplyPendingCommit swaps the candidate in.
func (g *Group) Commit(extra []Proposal) (MLSMessage, []MLSMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reinit != nil {
		return MLSMessage{}, nil, newErr(ErrProposalInvalid, "group is closed pending reinitialization")
	}
	if g.pending != nil {
		return MLSMessage{}, nil, newErr(ErrExistingPendingCommit, "a commit is already pending")
	}

	tagged := g.bufferedInOrder()
	for _, p := range extra {
		tagged = append(tagged, taggedProposal{proposal: p, sender: MemberSender(g.myIndex)})
	}
	tagged, err := g.filterTagged(ProposalDirectionSend, ProposalSourceMember, tagged)
	if err != nil {
		return MLSMessage{}, nil, err
	}

	kpValidator := KeyPackageValidator{ProtocolVersion: g.version, Suite: g.csp, Identity: g.identity}
	if err := validateProposalBundle(tagged, g.myIndex, false, g.tree, kpValidator); err != nil {
		return MLSMessage{}, nil, err
	}

	var proposals []Proposal
	for _, tp := range tagged {
		proposals = append(proposals, tp.proposal)
	}
	bundle := bundleFromProposals(proposals)
	commitOpts := g.rules.CommitOptions(rosterLeafNodes(g.tree), bundle)

	workingTree := g.tree.clone()
	addedIndices, psks, err := applyProposalsToTree(g.csp, workingTree, tagged, g.context.GroupID)
	if err != nil {
		return MLSMessage{}, nil, err
	}

	var generated *generatedPath
	var commitSecret []byte
	var updatePath *UpdatePath
	if commitOpts.PathRequired {
		identity := workingTree.leafAt(g.myIndex).SigningIdentity
		var genErr error
		generated, genErr = workingTree.GenerateUpdatePath(g.csp, g.myIndex, g.context.GroupID, g.capabilities, identity, g.mySigPriv)
		if genErr != nil {
			return MLSMessage{}, nil, genErr
		}
		commitSecret = generated.CommitSecret
		updatePath = generated.Path
	}

	wireFormat := WireFormatPublicMessage
	if g.rules.EncryptionOptions().EncryptControlMessages {
		wireFormat = WireFormatPrivateMessage
	}

	commit := Commit{Proposals: proposalOrRefsFor(tagged), Path: updatePath}
	sender := MemberSender(g.myIndex)
	content := FramedContent{
		GroupID:           dup(g.context.GroupID),
		Epoch:             g.context.Epoch,
		Sender:            sender,
		AuthenticatedData: nil,
		Content:           Content{Type: ContentTypeCommit, Commit: &commit},
	}
	tbs := signContentTBS(content, wireFormat, &g.context)
	tbsBytes, err := marshal(tbs)
	if err != nil {
		return MLSMessage{}, nil, err
	}
	signature, err := g.csp.Sign(g.mySigPriv, tbsBytes)
	if err != nil {
		return MLSMessage{}, nil, err
	}

	pskSecrets, err := resolvePSKSecrets(g.pskStore, psks)
	if err != nil {
		return MLSMessage{}, nil, err
	}

	newContext := GroupContext{
		Version:     g.version,
		CipherSuite: g.csp.Suite(),
		GroupID:     dup(g.context.GroupID),
		Epoch:       g.context.Epoch + 1,
		TreeHash:    workingTree.RootTreeHash(),
		Extensions:  nextGroupExtensions(g.context.Extensions, tagged),
	}
	contentBytes := mustMarshal(content)
	newContext.ConfirmedTranscriptHash = nextConfirmedTranscriptHash(g.csp, g.interimTranscriptHash, wireFormat, contentBytes, signature)

	newEpoch := g.epoch.Next(workingTree.leafCountValue(), commitSecret, pskSecrets, mustMarshal(newContext))
	newEpoch.Keys.setWindow(g.opts.MaxGenerationLookahead)
	confirmationTag := computeConfirmationTag(g.csp, newEpoch.ConfirmationKey, newContext.ConfirmedTranscriptHash)
	newInterimHash := nextInterimTranscriptHash(g.csp, newContext.ConfirmedTranscriptHash, confirmationTag)

	var commitMsg MLSMessage
	if wireFormat == WireFormatPrivateMessage {
		commitMsg, err = g.sealContent(content, FramedContentAuthData{Signature: signature, ConfirmationTag: confirmationTag})
		if err != nil {
			return MLSMessage{}, nil, err
		}
	} else {
		pm := PublicMessage{Content: content, Auth: FramedContentAuthData{Signature: signature, ConfirmationTag: confirmationTag}}
		pm.setMembershipTag(g.csp, g.epoch.MembershipKey, &g.context)
		commitMsg = MLSMessage{Version: g.version, Format: WireFormatPublicMessage, PublicMessage: &pm}
	}

	var welcomes []MLSMessage
	if len(addedIndices) > 0 {
		giExtensions := extensionList{}
		if commitOpts.RatchetTreeExtension {
			giExtensions.Extensions = append(giExtensions.Extensions, ratchetTreeExtension(*workingTree))
		}
		gi := GroupInfo{GroupContext: newContext, Extensions: giExtensions, ConfirmationTag: confirmationTag, Signer: uint32(g.myIndex)}
		if err := gi.Sign(g.csp, g.mySigPriv); err != nil {
			return MLSMessage{}, nil, err
		}
		giBytes := mustMarshal(gi)
		wkn := welcomeKeyAndNonce(g.csp, newEpoch.WelcomeSecret)
		encGI, err := g.csp.AeadSeal(wkn.Key, wkn.Nonce, nil, giBytes)
		if err != nil {
			return MLSMessage{}, nil, err
		}

		addProposals := addProposalsInOrder(tagged)
		for i, kp := range addProposals {
			gs := GroupSecrets{JoinerSecret: newEpoch.JoinerSecret, PSKs: psks}
			// A path-carrying commit shares with each joiner the path secret
			// at the joiner's common ancestor with the committer, so the
			// joiner holds the same parent keys every other member derives.
			if generated != nil && i < len(addedIndices) {
				anc := commonAncestor(toNodeIndex(g.myIndex), toNodeIndex(addedIndices[i]), workingTree.leafCountValue())
				if ps, ok := generated.PathSecrets[anc]; ok {
					gs.PathSecret = ps
				}
			}
			gsBytes := mustMarshal(gs)
			enc, ct, err := g.csp.HpkeSeal(kp.InitKey, nil, gsBytes)
			if err != nil {
				return MLSMessage{}, nil, err
			}
			w := Welcome{
				CipherSuite: g.csp.Suite(),
				Secrets: []EncryptedGroupSecrets{{
					NewMember:             kp.Hash(g.csp),
					EncryptedGroupSecrets: HPKECiphertext{KemOutput: enc, Ciphertext: ct},
				}},
				EncryptedGroupInfo: encGI,
			}
			welcomes = append(welcomes, MLSMessage{Version: g.version, Format: WireFormatWelcome, Welcome: &w})
		}
	}

	var foldedRefs [][]byte
	for _, tp := range tagged {
		if tp.ref != nil {
			foldedRefs = append(foldedRefs, tp.ref)
		}
	}

	pending := &pendingCommitState{
		signature:       signature,
		content:         content,
		tree:            workingTree,
		context:         newContext,
		epoch:           newEpoch,
		confirmationTag: confirmationTag,
		interimHash:     newInterimHash,
		reinit:          reinitProposalIn(tagged),
		foldedRefs:      foldedRefs,
		welcomes:        welcomes,
	}
	if generated != nil {
		pending.newLeafPriv = generated.LeafPriv
		pending.nodePrivs = generated.NodePrivs
	}
	g.pending = pending

	return commitMsg, welcomes, nil
}

// ApplyPendingCommit atomically swaps in the candidate epoch this member's
// own Commit built, pushing the prior epoch into bounded history.
func (g *Group) ApplyPendingCommit() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == nil {
		return 0, newErr(ErrPendingCommitNotFound, "no pending commit to apply")
	}
	p := g.pending
	g.swapInEpoch(p.tree, p.context, p.epoch, p.interimHash)
	if p.newLeafPriv != nil {
		g.myHPKEPriv = p.newLeafPriv
	}
	if p.nodePrivs != nil {
		// A path commit replaces every parent on the committer's direct
		// path, so the fresh key set supersedes anything held before.
		g.pathPrivs = p.nodePrivs
	} else {
		g.pathPrivs = prunePathPrivs(g.pathPrivs, p.tree)
	}
	g.reinit = p.reinit
	g.pending = nil
	g.clearProposalBuffer()
	return g.context.Epoch, nil
}

// DiscardPendingCommit drops a candidate commit without advancing the
// epoch, e.g. after the operation that produced it was cancelled.
func (g *Group) DiscardPendingCommit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = nil
}

// swapInEpoch pushes the current epoch into history and installs the new
// one; it is the single place a Group's active epoch changes.
func (g *Group) swapInEpoch(tree *RatchetTree, context GroupContext, epoch *keyScheduleEpoch, interimHash []byte) {
	zeroize(g.epoch.InitSecret)
	prior := &epochEntry{context: g.context, epoch: g.epoch, tree: g.tree}
	g.history = append(g.history, prior)
	if len(g.history) > g.opts.MaxPastEpochs {
		evicted := g.history[0]
		evicted.zeroize()
		g.history = g.history[1:]
	}

	g.tree = tree
	g.context = context
	g.epoch = epoch
	g.interimTranscriptHash = interimHash
}

func (g *Group) findEpoch(epochNumber uint64) (*epochEntry, bool) {
	if epochNumber == g.context.Epoch {
		return &epochEntry{context: g.context, epoch: g.epoch, tree: g.tree}, true
	}
	for _, e := range g.history {
		if e.context.Epoch == epochNumber {
			return e, true
		}
	}
	return nil, false
}

// ProcessedMessageKind discriminates what ProcessIncomingMessage observed.
type ProcessedMessageKind int

const (
	ProcessedApplication ProcessedMessageKind = iota
	ProcessedProposal
	ProcessedCommit
)

// ProcessedMessage is the result of successfully processing an incoming
// frame: application plaintext, or the epoch a commit advanced to.
type ProcessedMessage struct {
	Kind        ProcessedMessageKind
	Application []byte
	Epoch       uint64
}

// ProcessIncomingMessage authenticates and applies a received frame. A
// frame whose Sender is this member itself is never applied -- it returns
// ErrCantProcessMessageFromSelf instead, per spec.md §4.5; a member only
// ever advances via its own ApplyPendingCommit.
func (g *Group) ProcessIncomingMessage(msg MLSMessage) (*ProcessedMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if msg.Version != g.version {
		return nil, newErr(ErrProtocolVersionMismatch, "message version %d does not match group version %d", msg.Version, g.version)
	}

	switch msg.Format {
	case WireFormatPublicMessage:
		if msg.PublicMessage == nil {
			return nil, newErr(ErrDecode, "public message frame carries no payload")
		}
		return g.processPublicMessage(*msg.PublicMessage)
	case WireFormatPrivateMessage:
		if msg.PrivateMessage == nil {
			return nil, newErr(ErrDecode, "private message frame carries no payload")
		}
		return g.processPrivateMessage(*msg.PrivateMessage)
	default:
		return nil, newErr(ErrDecode, "unexpected wire format %d for incoming message", msg.Format)
	}
}

func (g *Group) processPublicMessage(pm PublicMessage) (*ProcessedMessage, error) {
	if string(pm.Content.GroupID) != string(g.context.GroupID) {
		return nil, newErr(ErrDecode, "message group id does not match this group")
	}
	if pm.Content.Sender.Type == SenderTypeMember && leafIndex(pm.Content.Sender.Index) == g.myIndex {
		return nil, newErr(ErrCantProcessMessageFromSelf, "refusing to process own message")
	}
	if pm.Content.Epoch != g.context.Epoch {
		return nil, newErr(ErrEpochNotFound, "message epoch %d does not match current epoch %d", pm.Content.Epoch, g.context.Epoch)
	}

	var signerKey []byte
	switch pm.Content.Sender.Type {
	case SenderTypeMember:
		ln := g.tree.leafAt(leafIndex(pm.Content.Sender.Index))
		if ln == nil {
			return nil, newErr(ErrTreeInvariantViolation, "sender leaf is blank")
		}
		signerKey = ln.SigningIdentity.SignatureKey
		if !pm.verifyMembershipTag(g.csp, g.epoch.MembershipKey, &g.context) {
			return nil, newErr(ErrMembershipTagInvalid, "membership tag invalid")
		}
	case SenderTypeNewMemberCommit, SenderTypeNewMemberProposal:
		if pm.Content.Content.Type == ContentTypeCommit {
			if pm.Content.Content.Commit.Path == nil {
				return nil, newErr(ErrProposalInvalid, "external commit carries no update path")
			}
			signerKey = pm.Content.Content.Commit.Path.LeafNode.SigningIdentity.SignatureKey
		}
	default:
		return nil, newErr(ErrDecode, "unsupported sender type %d", pm.Content.Sender.Type)
	}

	tbs := signContentTBS(pm.Content, WireFormatPublicMessage, &g.context)
	tbsBytes, err := marshal(tbs)
	if err != nil {
		return nil, err
	}
	if !g.csp.Verify(signerKey, tbsBytes, pm.Auth.Signature) {
		return nil, newErr(ErrSignatureInvalid, "message signature invalid")
	}

	switch pm.Content.Content.Type {
	case ContentTypeProposal:
		p := *pm.Content.Content.Proposal
		ref := proposalRef(g.csp, p)
		g.proposals[string(ref)] = taggedProposal{ref: ref, proposal: p, sender: pm.Content.Sender}
		g.proposalOrder = append(g.proposalOrder, ref)
		return &ProcessedMessage{Kind: ProcessedProposal}, nil
	case ContentTypeCommit:
		return g.processCommit(pm.Content, pm.Auth, WireFormatPublicMessage)
	default:
		return nil, newErr(ErrDecode, "unexpected content type %d in public message", pm.Content.Content.Type)
	}
}

// processCommit validates and applies a Commit received from another
// member or an external joiner; any failure leaves the group untouched.
// wireFormat records how the frame arrived, since the transcript hash binds
// the framing the committer actually used.
func (g *Group) processCommit(content FramedContent, auth FramedContentAuthData, wireFormat WireFormat) (*ProcessedMessage, error) {
	if g.reinit != nil {
		return nil, newErr(ErrProposalInvalid, "group is closed pending reinitialization")
	}
	commit := content.Content.Commit
	committerExternal := content.Sender.Type == SenderTypeNewMemberCommit

	var committerIndex leafIndex
	tagged := make([]taggedProposal, 0, len(commit.Proposals))
	for _, por := range commit.Proposals {
		if por.ByValue != nil {
			tagged = append(tagged, taggedProposal{proposal: *por.ByValue, sender: content.Sender})
			continue
		}
		tp, ok := g.proposals[string(por.ByRef)]
		if !ok {
			return nil, newErr(ErrProposalInvalid, "commit references unknown proposal")
		}
		tagged = append(tagged, tp)
	}

	if content.Sender.Type == SenderTypeMember {
		committerIndex = leafIndex(content.Sender.Index)
	}

	source := ProposalSourceMember
	if committerExternal {
		source = ProposalSourceNewMember
	}
	tagged, err := g.filterTagged(ProposalDirectionReceive, source, tagged)
	if err != nil {
		return nil, err
	}

	kpValidator := KeyPackageValidator{ProtocolVersion: g.version, Suite: g.csp, Identity: g.identity}
	if err := validateProposalBundle(tagged, committerIndex, committerExternal, g.tree, kpValidator); err != nil {
		return nil, err
	}

	workingTree := g.tree.clone()
	_, psks, err := applyProposalsToTree(g.csp, workingTree, tagged, g.context.GroupID)
	if err != nil {
		return nil, err
	}

	// A folded Update proposal that originated from this member's own
	// ProposeUpdate already replaced this leaf's encryption key in the
	// working tree above; decryption below must use the keypair ProposeUpdate
	// generated. The group's own fields only change at the swap point.
	myLeafPriv := g.myHPKEPriv
	for _, tp := range tagged {
		if tp.proposal.Type != ProposalTypeUpdate {
			continue
		}
		if tp.sender.Type != SenderTypeMember || leafIndex(tp.sender.Index) != g.myIndex {
			continue
		}
		ref := proposalRef(g.csp, tp.proposal)
		if priv, ok := g.ownUpdateLeafPriv[string(ref)]; ok {
			myLeafPriv = priv
		}
	}

	newPathPrivs := prunePathPrivs(g.pathPrivs, workingTree)

	var commitSecret []byte
	if commit.Path != nil {
		sender := committerIndex
		if committerExternal {
			sender = workingTree.AddLeaf(commit.Path.LeafNode)
		}
		keys := decryptionKeysFor(g.myIndex, myLeafPriv, newPathPrivs)
		var derived map[nodeIndex][]byte
		commitSecret, derived, err = workingTree.ApplyUpdatePath(g.csp, sender, g.myIndex, g.context.GroupID, commit.Path, keys)
		if err != nil {
			return nil, err
		}
		for n, k := range derived {
			newPathPrivs[n] = k
		}
	}

	newContext := GroupContext{
		Version:     g.version,
		CipherSuite: g.csp.Suite(),
		GroupID:     dup(g.context.GroupID),
		Epoch:       g.context.Epoch + 1,
		TreeHash:    workingTree.RootTreeHash(),
		Extensions:  nextGroupExtensions(g.context.Extensions, tagged),
	}
	contentBytes := mustMarshal(content)
	newContext.ConfirmedTranscriptHash = nextConfirmedTranscriptHash(g.csp, g.interimTranscriptHash, wireFormat, contentBytes, auth.Signature)

	pskSecrets, err := resolvePSKSecrets(g.pskStore, psks)
	if err != nil {
		return nil, err
	}

	var externalInit *ExternalInitProposal
	for _, tp := range tagged {
		if tp.proposal.Type == ProposalTypeExternalInit {
			externalInit = tp.proposal.ExternalInit
			break
		}
	}

	var newEpoch *keyScheduleEpoch
	if externalInit != nil {
		enc, ciphertext, err := unpackExternalInit(externalInit.KemOutput)
		if err != nil {
			return nil, err
		}
		extPriv, _, err := g.csp.KemDerive(g.epoch.ExternalSecret)
		if err != nil {
			return nil, wrapErr(ErrTreeInvariantViolation, err, "derive external join key")
		}
		externalInitSecret, err := g.csp.HpkeOpen(extPriv, enc, nil, ciphertext)
		if err != nil {
			return nil, wrapErr(ErrAeadFailure, err, "open external init secret")
		}
		joinerSecret := joinerSecretFromCommit(g.csp, externalInitSecret, commitSecret)
		newEpoch = newKeyScheduleEpoch(g.csp, workingTree.leafCountValue(), joinerSecret, pskSecretFromJoiner(g.csp, joinerSecret, pskSecrets), mustMarshal(newContext))
		zeroize(externalInitSecret)
	} else {
		newEpoch = g.epoch.Next(workingTree.leafCountValue(), commitSecret, pskSecrets, mustMarshal(newContext))
	}
	newEpoch.Keys.setWindow(g.opts.MaxGenerationLookahead)

	wantTag := computeConfirmationTag(g.csp, newEpoch.ConfirmationKey, newContext.ConfirmedTranscriptHash)
	if string(wantTag) != string(auth.ConfirmationTag) {
		return nil, newErr(ErrConfirmationTagInvalid, "confirmation tag invalid")
	}
	newInterimHash := nextInterimTranscriptHash(g.csp, newContext.ConfirmedTranscriptHash, auth.ConfirmationTag)

	g.swapInEpoch(workingTree, newContext, newEpoch, newInterimHash)
	g.myHPKEPriv = myLeafPriv
	g.pathPrivs = newPathPrivs
	g.reinit = reinitProposalIn(tagged)
	g.clearProposalBuffer()

	return &ProcessedMessage{Kind: ProcessedCommit, Epoch: g.context.Epoch}, nil
}

// EncryptApplicationMessage seals plaintext under the current epoch's
// application secret tree, returning a PrivateMessage frame. The content is
// padded per MlsRules.EncryptionOptions().Padding before sealing, to reduce
// the ciphertext-length side channel.
func (g *Group) EncryptApplicationMessage(plaintext, aad []byte) (MLSMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reinit != nil {
		return MLSMessage{}, newErr(ErrProposalInvalid, "group is closed pending reinitialization")
	}

	content := FramedContent{
		GroupID:           dup(g.context.GroupID),
		Epoch:             g.context.Epoch,
		Sender:            MemberSender(g.myIndex),
		AuthenticatedData: dup(aad),
		Content:           Content{Type: ContentTypeApplication, Application: dup(plaintext)},
	}
	tbs := signContentTBS(content, WireFormatPrivateMessage, &g.context)
	tbsBytes, err := marshal(tbs)
	if err != nil {
		return MLSMessage{}, err
	}
	signature, err := g.csp.Sign(g.mySigPriv, tbsBytes)
	if err != nil {
		return MLSMessage{}, err
	}

	return g.sealContent(content, FramedContentAuthData{Signature: signature})
}

// sealContent AEAD-seals signed content into a PrivateMessage frame, drawing
// the key from the sender's application or handshake chain by content type
// and applying the configured padding.
func (g *Group) sealContent(content FramedContent, auth FramedContentAuthData) (MLSMessage, error) {
	body := PrivateMessageContent{Content: content.Content, Auth: auth}
	step := g.rules.EncryptionOptions().Padding.StepBytes
	if step > 0 {
		base, err := marshal(body)
		if err != nil {
			return MLSMessage{}, err
		}
		if rem := uint32(len(base)) % step; rem != 0 {
			body.Padding = make([]byte, step-rem)
		}
	}
	bodyBytes, err := marshal(body)
	if err != nil {
		return MLSMessage{}, err
	}

	contentType := content.Content.Type
	label := "application"
	if contentType != ContentTypeApplication {
		label = "handshake"
	}
	generation, kn, err := g.epoch.Keys.Next(g.myIndex, label)
	if err != nil {
		return MLSMessage{}, err
	}
	reuseGuard := randomBytes(4)
	nonce := xorReuseGuard(kn.Nonce, reuseGuard)

	aadBytes := mustMarshal(PrivateMessageContentAAD{GroupID: g.context.GroupID, Epoch: g.context.Epoch, ContentType: contentType, AuthenticatedData: content.AuthenticatedData})
	ciphertext, err := g.csp.AeadSeal(kn.Key, nonce, aadBytes, bodyBytes)
	if err != nil {
		return MLSMessage{}, err
	}

	var guard [4]byte
	copy(guard[:], reuseGuard)
	senderData := SenderData{LeafIndex: uint32(g.myIndex), Generation: generation, ReuseGuard: guard}
	sdKey, sdNonce := deriveSenderDataKeyNonce(g.csp, g.epoch.SenderDataSecret, ciphertext)
	sdAAD := mustMarshal(SenderDataAAD{GroupID: g.context.GroupID, Epoch: g.context.Epoch, ContentType: contentType})
	encryptedSenderData, err := g.csp.AeadSeal(sdKey, sdNonce, sdAAD, mustMarshal(senderData))
	if err != nil {
		return MLSMessage{}, err
	}

	pmsg := PrivateMessage{
		GroupID:             dup(g.context.GroupID),
		Epoch:               g.context.Epoch,
		ContentType:         contentType,
		AuthenticatedData:   dup(content.AuthenticatedData),
		EncryptedSenderData: encryptedSenderData,
		Ciphertext:          ciphertext,
	}
	return MLSMessage{Version: g.version, Format: WireFormatPrivateMessage, PrivateMessage: &pmsg}, nil
}

// processPrivateMessage decrypts an AEAD-sealed frame: application data from
// any retained epoch, or handshake content (when the sender's rules encrypt
// control messages) bound to the current epoch.
func (g *Group) processPrivateMessage(pmsg PrivateMessage) (*ProcessedMessage, error) {
	if string(pmsg.GroupID) != string(g.context.GroupID) {
		return nil, newErr(ErrDecode, "message group id does not match this group")
	}
	entry, ok := g.findEpoch(pmsg.Epoch)
	if !ok {
		return nil, newErr(ErrEpochNotFound, "no retained epoch %d", pmsg.Epoch)
	}

	sdKey, sdNonce := deriveSenderDataKeyNonce(g.csp, entry.epoch.SenderDataSecret, pmsg.Ciphertext)
	sdAAD := mustMarshal(SenderDataAAD{GroupID: pmsg.GroupID, Epoch: pmsg.Epoch, ContentType: pmsg.ContentType})
	sdBytes, err := g.csp.AeadOpen(sdKey, sdNonce, sdAAD, pmsg.EncryptedSenderData)
	if err != nil {
		return nil, wrapErr(ErrAeadFailure, err, "open sender data")
	}
	var senderData SenderData
	if err := unmarshalExact(sdBytes, &senderData); err != nil {
		return nil, err
	}
	sender := leafIndex(senderData.LeafIndex)
	if sender == g.myIndex && entry.context.Epoch == g.context.Epoch {
		return nil, newErr(ErrCantProcessMessageFromSelf, "refusing to process own message")
	}

	label := "application"
	if pmsg.ContentType == ContentTypeProposal || pmsg.ContentType == ContentTypeCommit {
		label = "handshake"
	}
	kn, err := entry.epoch.Keys.Get(sender, label, senderData.Generation)
	if err != nil {
		return nil, err
	}
	nonce := xorReuseGuard(kn.Nonce, senderData.ReuseGuard[:])

	aadBytes := mustMarshal(PrivateMessageContentAAD{GroupID: pmsg.GroupID, Epoch: pmsg.Epoch, ContentType: pmsg.ContentType, AuthenticatedData: pmsg.AuthenticatedData})
	bodyBytes, err := g.csp.AeadOpen(kn.Key, nonce, aadBytes, pmsg.Ciphertext)
	if err != nil {
		entry.epoch.Keys.Erase(sender, label, senderData.Generation)
		return nil, wrapErr(ErrAeadFailure, err, "open message content")
	}
	entry.epoch.Keys.Erase(sender, label, senderData.Generation)

	body, err := decodePrivateMessageContent(bodyBytes)
	if err != nil {
		return nil, err
	}

	content := FramedContent{GroupID: pmsg.GroupID, Epoch: pmsg.Epoch, Sender: MemberSender(sender), AuthenticatedData: pmsg.AuthenticatedData, Content: body.Content}
	senderLeaf := entry.tree.leafAt(sender)
	if senderLeaf == nil {
		return nil, newErr(ErrTreeInvariantViolation, "sender leaf is blank")
	}
	tbs := signContentTBS(content, WireFormatPrivateMessage, &entry.context)
	tbsBytes, err := marshal(tbs)
	if err != nil {
		return nil, err
	}
	if !g.csp.Verify(senderLeaf.SigningIdentity.SignatureKey, tbsBytes, body.Auth.Signature) {
		return nil, newErr(ErrSignatureInvalid, "message signature invalid")
	}

	switch body.Content.Type {
	case ContentTypeApplication:
		return &ProcessedMessage{Kind: ProcessedApplication, Application: body.Content.Application}, nil
	case ContentTypeProposal:
		if pmsg.Epoch != g.context.Epoch {
			return nil, newErr(ErrEpochNotFound, "proposal epoch %d does not match current epoch %d", pmsg.Epoch, g.context.Epoch)
		}
		p := *body.Content.Proposal
		ref := proposalRef(g.csp, p)
		g.proposals[string(ref)] = taggedProposal{ref: ref, proposal: p, sender: MemberSender(sender)}
		g.proposalOrder = append(g.proposalOrder, ref)
		return &ProcessedMessage{Kind: ProcessedProposal}, nil
	case ContentTypeCommit:
		if pmsg.Epoch != g.context.Epoch {
			return nil, newErr(ErrEpochNotFound, "commit epoch %d does not match current epoch %d", pmsg.Epoch, g.context.Epoch)
		}
		return g.processCommit(content, body.Auth, WireFormatPrivateMessage)
	default:
		return nil, newErr(ErrDecode, "unexpected content type %d in private message", body.Content.Type)
	}
}

func deriveSenderDataKeyNonce(csp CipherSuiteProvider, senderDataSecret, ciphertext []byte) ([]byte, []byte) {
	c := csp.Constants()
	sampleLen := c.HashSize
	sample := make([]byte, sampleLen)
	copy(sample, ciphertext)
	key := csp.HkdfExpandLabel(senderDataSecret, "key", sample, c.KeySize)
	nonce := csp.HkdfExpandLabel(senderDataSecret, "nonce", sample, c.NonceSize)
	return key, nonce
}

func xorReuseGuard(nonce, guard []byte) []byte {
	out := dup(nonce)
	for i := 0; i < len(guard) && i < len(out); i++ {
		out[i] ^= guard[i]
	}
	return out
}

func bundleFromProposals(proposals []Proposal) ProposalBundle {
	var b ProposalBundle
	for _, p := range proposals {
		switch p.Type {
		case ProposalTypeAdd:
			b.Adds = append(b.Adds, *p.Add)
		case ProposalTypeUpdate:
			b.Updates = append(b.Updates, *p.Update)
		case ProposalTypeRemove:
			b.Removes = append(b.Removes, *p.Remove)
		case ProposalTypePreSharedKey:
			b.PreSharedKeys = append(b.PreSharedKeys, *p.PreSharedKey)
		case ProposalTypeReInit:
			b.ReInits = append(b.ReInits, *p.ReInit)
		case ProposalTypeExternalInit:
			b.ExternalInits = append(b.ExternalInits, *p.ExternalInit)
		case ProposalTypeGroupContextExtensions:
			b.GroupContextExtensions = append(b.GroupContextExtensions, *p.GroupContextExtensions)
		default:
			if p.Custom != nil {
				b.Customs = append(b.Customs, *p.Custom)
			}
		}
	}
	return b
}

// flattenBundle is bundleFromProposals's inverse, used to compare a filtered
// ProposalBundle back against the tagged set it was built from.
func flattenBundle(b ProposalBundle) []Proposal {
	var out []Proposal
	for i := range b.Adds {
		a := b.Adds[i]
		out = append(out, Proposal{Type: ProposalTypeAdd, Add: &a})
	}
	for i := range b.Updates {
		u := b.Updates[i]
		out = append(out, Proposal{Type: ProposalTypeUpdate, Update: &u})
	}
	for i := range b.Removes {
		r := b.Removes[i]
		out = append(out, Proposal{Type: ProposalTypeRemove, Remove: &r})
	}
	for i := range b.PreSharedKeys {
		p := b.PreSharedKeys[i]
		out = append(out, Proposal{Type: ProposalTypePreSharedKey, PreSharedKey: &p})
	}
	for i := range b.ReInits {
		r := b.ReInits[i]
		out = append(out, Proposal{Type: ProposalTypeReInit, ReInit: &r})
	}
	for i := range b.ExternalInits {
		e := b.ExternalInits[i]
		out = append(out, Proposal{Type: ProposalTypeExternalInit, ExternalInit: &e})
	}
	for i := range b.GroupContextExtensions {
		e := b.GroupContextExtensions[i]
		out = append(out, Proposal{Type: ProposalTypeGroupContextExtensions, GroupContextExtensions: &e})
	}
	for i := range b.Customs {
		c := b.Customs[i]
		out = append(out, Proposal{Type: c.Type, Custom: &c})
	}
	return out
}

func proposalOrRefsFor(tagged []taggedProposal) []ProposalOrRef {
	out := make([]ProposalOrRef, len(tagged))
	for i, tp := range tagged {
		if tp.ref != nil {
			out[i] = ProposalOrRef{ByRef: tp.ref}
			continue
		}
		p := tp.proposal
		out[i] = ProposalOrRef{ByValue: &p}
	}
	return out
}

// decryptionKeysFor assembles the node-index-keyed private key set a
// receiver can decrypt path secrets with: its leaf key plus any retained
// parent keys.
func decryptionKeysFor(leaf leafIndex, leafPriv []byte, pathPrivs map[nodeIndex][]byte) map[nodeIndex][]byte {
	keys := make(map[nodeIndex][]byte, len(pathPrivs)+1)
	for n, k := range pathPrivs {
		keys[n] = k
	}
	keys[toNodeIndex(leaf)] = leafPriv
	return keys
}

// prunePathPrivs drops retained parent keys for nodes a new tree no longer
// carries: blanked by a Remove, or truncated away entirely. The dropped
// slices are left intact because the caller's original map still references
// them until the commit is actually swapped in.
func prunePathPrivs(privs map[nodeIndex][]byte, tree *RatchetTree) map[nodeIndex][]byte {
	out := make(map[nodeIndex][]byte, len(privs))
	for n, k := range privs {
		if int(n) >= len(tree.Nodes) || tree.parentAt(n) == nil {
			continue
		}
		out[n] = k
	}
	return out
}

// nextGroupExtensions applies a folded GroupContextExtensions proposal, if
// any, to the group context carried into the next epoch.
func nextGroupExtensions(current extensionList, tagged []taggedProposal) extensionList {
	for _, tp := range tagged {
		if tp.proposal.Type == ProposalTypeGroupContextExtensions {
			return tp.proposal.GroupContextExtensions.Extensions
		}
	}
	return current
}

func reinitProposalIn(tagged []taggedProposal) *ReInitProposal {
	for _, tp := range tagged {
		if tp.proposal.Type == ProposalTypeReInit {
			return tp.proposal.ReInit
		}
	}
	return nil
}

func addProposalsInOrder(tagged []taggedProposal) []KeyPackage {
	var out []KeyPackage
	for _, tp := range tagged {
		if tp.proposal.Type == ProposalTypeAdd {
			out = append(out, tp.proposal.Add.KeyPackage)
		}
	}
	return out
}

func randomGroupID() []byte {
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		panic("mls: failed to read random bytes: " + err.Error())
	}
	return id
}

// packExternalInit concatenates an HPKE encapsulation with the ciphertext it
// seals, since ExternalInitProposal carries a single opaque field on the
// wire but external-commit join secrets need both to be recovered.
func packExternalInit(enc, ciphertext []byte) []byte {
	out := make([]byte, 2+len(enc)+len(ciphertext))
	binary.BigEndian.PutUint16(out[:2], uint16(len(enc)))
	copy(out[2:], enc)
	copy(out[2+len(enc):], ciphertext)
	return out
}

func unpackExternalInit(data []byte) ([]byte, []byte, error) {
	if len(data) < 2 {
		return nil, nil, newErr(ErrDecode, "external init payload too short")
	}
	encLen := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+encLen {
		return nil, nil, newErr(ErrDecode, "external init payload truncated")
	}
	return data[2 : 2+encLen], data[2+encLen:], nil
}
