package mls

import "sort"

// Persisted group state, spec.md §6: the current epoch, the retained history,
// the tree snapshot per epoch, and the buffered proposals, serialized with
// the same wire codec as everything else. A pending commit is deliberately
// not persisted -- it is a candidate the caller either applies or abandons
// within the operation that built it, and a restored group simply has none.
//
// The serialized form contains every symmetric secret the group holds;
// protecting it at rest is the storage provider's concern, the same posture
// the collaborator contracts take for key-package secrets.

// ratchetState captures one hash ratchet's resumable position: the chain
// head, the next generation, and the generations already consumed. Cached
// keys for skipped generations are not persisted; after a restore those
// generations fail closed as too old rather than re-deriving.
type ratchetState struct {
	Label      []byte `tls:"head=1"`
	NextSecret []byte `tls:"head=1"`
	NextGen    uint32
	Used       []uint32 `tls:"head=4"`
}

type leafChainsState struct {
	Leaf     uint32
	Ratchets []ratchetState `tls:"head=2"`
}

type secretNodeState struct {
	Node   uint32
	Secret []byte `tls:"head=1"`
}

type epochSecretsState struct {
	JoinerSecret     []byte `tls:"head=1"`
	WelcomeSecret    []byte `tls:"head=1"`
	EpochSecret      []byte `tls:"head=1"`
	SenderDataSecret []byte `tls:"head=1"`
	EncryptionSecret []byte `tls:"head=1"`
	ExporterSecret   []byte `tls:"head=1"`
	ExternalSecret   []byte `tls:"head=1"`
	ConfirmationKey  []byte `tls:"head=1"`
	MembershipKey    []byte `tls:"head=1"`
	ResumptionPsk    []byte `tls:"head=1"`
	InitSecret       []byte `tls:"head=1"`
	TreeNodes        []secretNodeState `tls:"head=4"`
	Chains           []leafChainsState `tls:"head=4"`
}

type epochState struct {
	Context GroupContext
	Secrets epochSecretsState
	Tree    RatchetTree
}

type bufferedProposalState struct {
	Ref      []byte `tls:"head=1"`
	Proposal Proposal
	Sender   Sender
}

type nodePrivState struct {
	Node uint32
	Priv []byte `tls:"head=2"`
}

type ownUpdateState struct {
	Ref  []byte `tls:"head=1"`
	Priv []byte `tls:"head=2"`
}

type groupState struct {
	Version               ProtocolVersion
	MyIndex               uint32
	SigPriv               []byte `tls:"head=2"`
	LeafPriv              []byte `tls:"head=2"`
	Capabilities          Capabilities
	InterimTranscriptHash []byte `tls:"head=1"`
	Current               epochState
	History               []epochState            `tls:"head=4"`
	PathPrivs             []nodePrivState         `tls:"head=4"`
	Proposals             []bufferedProposalState `tls:"head=4"`
	OwnUpdates            []ownUpdateState        `tls:"head=4"`
	HasReInit             uint8
	ReInit                ReInitProposal
}

func snapshotEpochSecrets(kse *keyScheduleEpoch) epochSecretsState {
	st := epochSecretsState{
		JoinerSecret:     kse.JoinerSecret,
		WelcomeSecret:    kse.WelcomeSecret,
		EpochSecret:      kse.EpochSecret,
		SenderDataSecret: kse.SenderDataSecret,
		EncryptionSecret: kse.EncryptionSecret,
		ExporterSecret:   kse.ExporterSecret,
		ExternalSecret:   kse.ExternalSecret,
		ConfirmationKey:  kse.ConfirmationKey,
		MembershipKey:    kse.MembershipKey,
		ResumptionPsk:    kse.ResumptionPsk,
		InitSecret:       kse.InitSecret,
	}

	nodes := make([]secretNodeState, 0, len(kse.Keys.tree.nodes))
	for n, secret := range kse.Keys.tree.nodes {
		nodes = append(nodes, secretNodeState{Node: uint32(n), Secret: secret})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Node < nodes[j].Node })
	st.TreeNodes = nodes

	chains := make([]leafChainsState, 0, len(kse.Keys.ratchets))
	for leaf, byLabel := range kse.Keys.ratchets {
		lc := leafChainsState{Leaf: uint32(leaf)}
		labels := make([]string, 0, len(byLabel))
		for label := range byLabel {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			hr := byLabel[label]
			used := make([]uint32, 0, len(hr.used))
			for gen := range hr.used {
				used = append(used, gen)
			}
			sort.Slice(used, func(i, j int) bool { return used[i] < used[j] })
			lc.Ratchets = append(lc.Ratchets, ratchetState{
				Label:      []byte(label),
				NextSecret: hr.nextSecret,
				NextGen:    hr.nextGen,
				Used:       used,
			})
		}
		chains = append(chains, lc)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].Leaf < chains[j].Leaf })
	st.Chains = chains

	return st
}

func restoreEpochSecrets(csp CipherSuiteProvider, size leafCount, st epochSecretsState) *keyScheduleEpoch {
	kse := &keyScheduleEpoch{
		csp:              csp,
		JoinerSecret:     st.JoinerSecret,
		WelcomeSecret:    st.WelcomeSecret,
		EpochSecret:      st.EpochSecret,
		SenderDataSecret: st.SenderDataSecret,
		EncryptionSecret: st.EncryptionSecret,
		ExporterSecret:   st.ExporterSecret,
		ExternalSecret:   st.ExternalSecret,
		ConfirmationKey:  st.ConfirmationKey,
		MembershipKey:    st.MembershipKey,
		ResumptionPsk:    st.ResumptionPsk,
		InitSecret:       st.InitSecret,
	}

	tree := &secretTree{csp: csp, root: root(size), size: size, nodes: map[nodeIndex][]byte{}}
	for _, n := range st.TreeNodes {
		tree.nodes[nodeIndex(n.Node)] = n.Secret
	}

	gks := &groupKeySource{csp: csp, tree: tree, ratchets: map[leafIndex]map[string]*hashRatchet{}}
	for _, lc := range st.Chains {
		byLabel := map[string]*hashRatchet{}
		for _, rs := range lc.Ratchets {
			hr := newHashRatchet(csp, toNodeIndex(leafIndex(lc.Leaf)), rs.NextSecret)
			hr.nextGen = rs.NextGen
			for _, gen := range rs.Used {
				hr.used[gen] = true
			}
			byLabel[string(rs.Label)] = hr
		}
		gks.ratchets[leafIndex(lc.Leaf)] = byLabel
	}
	kse.Keys = gks
	return kse
}

func snapshotEpoch(context GroupContext, epoch *keyScheduleEpoch, tree *RatchetTree) epochState {
	return epochState{Context: context, Secrets: snapshotEpochSecrets(epoch), Tree: *tree}
}

func restoreEpoch(csp CipherSuiteProvider, st epochState) *epochEntry {
	tree := st.Tree
	tree.Suite = csp
	return &epochEntry{
		context: st.Context,
		epoch:   restoreEpochSecrets(csp, tree.leafCountValue(), st.Secrets),
		tree:    &tree,
	}
}

// Save serializes the group for persistence between operations. A pending
// commit, if any, is not included; callers wanting to keep it apply it
// before saving.
func (g *Group) Save() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	st := groupState{
		Version:               g.version,
		MyIndex:               uint32(g.myIndex),
		SigPriv:               g.mySigPriv,
		LeafPriv:              g.myHPKEPriv,
		Capabilities:          g.capabilities,
		InterimTranscriptHash: g.interimTranscriptHash,
		Current:               snapshotEpoch(g.context, g.epoch, g.tree),
	}
	for _, e := range g.history {
		st.History = append(st.History, snapshotEpoch(e.context, e.epoch, e.tree))
	}

	privs := make([]nodePrivState, 0, len(g.pathPrivs))
	for n, k := range g.pathPrivs {
		privs = append(privs, nodePrivState{Node: uint32(n), Priv: k})
	}
	sort.Slice(privs, func(i, j int) bool { return privs[i].Node < privs[j].Node })
	st.PathPrivs = privs

	for _, ref := range g.proposalOrder {
		tp, ok := g.proposals[string(ref)]
		if !ok {
			continue
		}
		st.Proposals = append(st.Proposals, bufferedProposalState{Ref: tp.ref, Proposal: tp.proposal, Sender: tp.sender})
	}

	updates := make([]ownUpdateState, 0, len(g.ownUpdateLeafPriv))
	for ref, priv := range g.ownUpdateLeafPriv {
		updates = append(updates, ownUpdateState{Ref: []byte(ref), Priv: priv})
	}
	sort.Slice(updates, func(i, j int) bool { return string(updates[i].Ref) < string(updates[j].Ref) })
	st.OwnUpdates = updates

	if g.reinit != nil {
		st.HasReInit = 1
		st.ReInit = *g.reinit
	}

	return marshal(st)
}

// RestoreGroup rebuilds a group from Save's output. The capabilities the
// caller injects (crypto, identity, policy, PSK store) are not part of the
// persisted state and must be supplied again; opts follows the same defaults
// as group construction.
func RestoreGroup(
	csp CipherSuiteProvider,
	identity IdentityProvider,
	rules MlsRules,
	pskStore PskStore,
	data []byte,
	opts NewGroupOptions,
) (*Group, error) {
	opts = opts.withDefaults()
	var st groupState
	if err := unmarshalExact(data, &st); err != nil {
		return nil, err
	}
	if st.Current.Context.CipherSuite != csp.Suite() {
		return nil, newErr(ErrCipherSuiteMismatch, "saved state suite %v does not match provider suite %v", st.Current.Context.CipherSuite, csp.Suite())
	}

	current := restoreEpoch(csp, st.Current)
	current.epoch.Keys.setWindow(opts.MaxGenerationLookahead)

	g := &Group{
		csp:                   csp,
		identity:              identity,
		rules:                 rules,
		opts:                  opts,
		pskStore:              pskStore,
		version:               st.Version,
		myIndex:               leafIndex(st.MyIndex),
		mySigPriv:             st.SigPriv,
		myHPKEPriv:            st.LeafPriv,
		capabilities:          st.Capabilities,
		tree:                  current.tree,
		context:               current.context,
		interimTranscriptHash: st.InterimTranscriptHash,
		epoch:                 current.epoch,
		pathPrivs:             map[nodeIndex][]byte{},
		proposals:             map[string]taggedProposal{},
		ownUpdateLeafPriv:     map[string][]byte{},
	}
	for _, e := range st.History {
		entry := restoreEpoch(csp, e)
		entry.epoch.Keys.setWindow(opts.MaxGenerationLookahead)
		g.history = append(g.history, entry)
	}
	for _, p := range st.PathPrivs {
		g.pathPrivs[nodeIndex(p.Node)] = p.Priv
	}
	for _, bp := range st.Proposals {
		tp := taggedProposal{ref: bp.Ref, proposal: bp.Proposal, sender: bp.Sender}
		g.proposals[string(bp.Ref)] = tp
		g.proposalOrder = append(g.proposalOrder, bp.Ref)
	}
	for _, u := range st.OwnUpdates {
		g.ownUpdateLeafPriv[string(u.Ref)] = u.Priv
	}
	if st.HasReInit != 0 {
		reinit := st.ReInit
		g.reinit = &reinit
	}
	return g, nil
}
