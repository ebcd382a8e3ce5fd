package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// testMember bundles everything a test needs to act as one party: its own
// signing/HPKE key material plus a ready-to-Add KeyPackage.
type testMember struct {
	identity  SigningIdentity
	sigPriv   []byte
	leafPriv  []byte
	kp        KeyPackage
	kpSecrets KeyPackageSecrets
}

func newTestSuite(t *testing.T) CipherSuiteProvider {
	t.Helper()
	csp, err := Provider(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	require.NoError(t, err)
	return csp
}

// newTestMember builds a fresh member from scratch: a signing identity, a
// leaf encryption keypair distinct from the KeyPackage init key, and a
// signed KeyPackage ready to be published.
func newTestMember(t *testing.T, csp CipherSuiteProvider, name string) testMember {
	t.Helper()

	sigPriv, sigPub, err := csp.SignatureKeyGenerate()
	require.NoError(t, err)
	identity := SigningIdentity{SignatureKey: sigPub, Credential: NewBasicCredential([]byte(name))}

	leafPriv, leafPub, err := csp.KemGenerate()
	require.NoError(t, err)

	lifetime := Lifetime{NotBefore: 0, NotAfter: ^uint64(0)}
	leaf := LeafNode{
		EncryptionKey:   leafPub,
		SigningIdentity: identity,
		Capabilities:    DefaultCapabilities(),
		Source:          KeyPackageSource(lifetime),
	}
	require.NoError(t, leaf.Sign(csp, sigPriv, nil, 0))

	initPriv, initPub, err := csp.KemGenerate()
	require.NoError(t, err)

	kp := KeyPackage{
		Version:     ProtocolVersionMLS10,
		CipherSuite: csp.Suite(),
		InitKey:     initPub,
		LeafNode:    leaf,
	}
	require.NoError(t, kp.Sign(csp, sigPriv))

	return testMember{
		identity: identity,
		sigPriv:  sigPriv,
		leafPriv: leafPriv,
		kp:       kp,
		kpSecrets: KeyPackageSecrets{
			InitPrivateKey:           initPriv,
			LeafEncryptionPrivateKey: leafPriv,
			SignaturePrivateKey:      sigPriv,
		},
	}
}

func newTestGroupOptions() NewGroupOptions {
	return NewGroupOptions{}
}

// alwaysPathRules forces every commit to carry a path update regardless of
// its proposal content, for tests that exercise the path-update machinery on
// an otherwise-empty commit.
type alwaysPathRules struct{ DefaultMlsRules }

func (alwaysPathRules) CommitOptions(roster []LeafNode, bundle ProposalBundle) CommitOptions {
	opts := DefaultMlsRules{}.CommitOptions(roster, bundle)
	opts.PathRequired = true
	return opts
}

// startGroup creates a single-member group for member 0 (named "alice" by
// convention in callers), using the given rules.
func startGroup(t *testing.T, csp CipherSuiteProvider, rules MlsRules, creator testMember) *Group {
	t.Helper()
	g, err := CreateGroup(csp, BasicIdentityProvider{}, rules, nil, []byte("test-group"), creator.kp.LeafNode, creator.leafPriv, creator.sigPriv, newTestGroupOptions())
	require.NoError(t, err)
	return g
}

// addMember has committer propose+commit an Add for newcomer, applies the
// commit on committer, relays it to every other group in others, and joins
// newcomer's own Group from the resulting Welcome. It returns the new
// member's Group, appended to the roster others already hold.
func addMember(t *testing.T, csp CipherSuiteProvider, rules MlsRules, committer *Group, others []*Group, newcomer testMember) *Group {
	t.Helper()

	proposeMsg, err := committer.Propose(Proposal{Type: ProposalTypeAdd, Add: &AddProposal{KeyPackage: newcomer.kp}})
	require.NoError(t, err)
	for _, o := range others {
		_, err := o.ProcessIncomingMessage(proposeMsg)
		require.NoError(t, err)
	}

	commitMsg, welcomes, err := committer.Commit(nil)
	require.NoError(t, err)
	require.Len(t, welcomes, 1)

	_, err = committer.ApplyPendingCommit()
	require.NoError(t, err)

	for _, o := range others {
		_, err := o.ProcessIncomingMessage(commitMsg)
		require.NoError(t, err)
	}

	joined, err := JoinGroup(csp, BasicIdentityProvider{}, rules, *welcomes[0].Welcome, &newcomer.kp, newcomer.kpSecrets, nil, nil, newTestGroupOptions())
	require.NoError(t, err)
	return joined
}

// requireSameEpoch asserts every group in groups is at the same epoch and
// computes the same EpochAuthenticator.
func requireSameEpoch(t *testing.T, groups []*Group) {
	t.Helper()
	require.NotEmpty(t, groups)
	epoch := groups[0].Epoch()
	auth := groups[0].EpochAuthenticator()
	for i, g := range groups {
		require.Equalf(t, epoch, g.Epoch(), "group %d epoch mismatch", i)
		require.Equalf(t, auth, g.EpochAuthenticator(), "group %d authenticator mismatch", i)
	}
}

// ownIdentity reads a member's own current signing identity out of its tree,
// for tests that need to hand it back into ProposeUpdate.
func ownIdentity(g *Group) SigningIdentity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tree.leafAt(g.myIndex).SigningIdentity
}

// buildGroupOfN creates a group with n members: member 0 creates it, then
// members 1..n-1 are added one at a time. It returns every member's Group
// handle in join order, all synced to the same epoch.
func buildGroupOfN(t *testing.T, csp CipherSuiteProvider, rules MlsRules, n int) []*Group {
	t.Helper()
	require.GreaterOrEqual(t, n, 1)

	creator := newTestMember(t, csp, "member-0")
	groups := []*Group{startGroup(t, csp, rules, creator)}

	for i := 1; i < n; i++ {
		newcomer := newTestMember(t, csp, "member")
		joined := addMember(t, csp, rules, groups[0], groups[1:], newcomer)
		groups = append(groups, joined)
	}
	return groups
}

// broadcastExcept delivers msg to every group except the one at index
// exceptIdx, which is assumed to already know about msg (its own proposal,
// or applied via ApplyPendingCommit).
func broadcastExcept(t *testing.T, groups []*Group, exceptIdx int, msg MLSMessage) {
	t.Helper()
	for i, g := range groups {
		if i == exceptIdx {
			continue
		}
		_, err := g.ProcessIncomingMessage(msg)
		require.NoError(t, err)
	}
}
