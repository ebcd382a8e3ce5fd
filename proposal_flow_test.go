package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildPairWithPskStore is a two-member group whose members share a PSK
// store, since buildGroupOfN wires no store at all.
func buildPairWithPskStore(t *testing.T, csp CipherSuiteProvider, store PskStore) (*Group, *Group) {
	t.Helper()
	alice := newTestMember(t, csp, "alice")
	bob := newTestMember(t, csp, "bob")

	ga, err := CreateGroup(csp, BasicIdentityProvider{}, DefaultMlsRules{}, store, []byte("psk-group"), alice.kp.LeafNode, alice.leafPriv, alice.sigPriv, newTestGroupOptions())
	require.NoError(t, err)

	_, err = ga.Propose(Proposal{Type: ProposalTypeAdd, Add: &AddProposal{KeyPackage: bob.kp}})
	require.NoError(t, err)
	_, welcomes, err := ga.Commit(nil)
	require.NoError(t, err)
	require.Len(t, welcomes, 1)
	_, err = ga.ApplyPendingCommit()
	require.NoError(t, err)

	gb, err := JoinGroup(csp, BasicIdentityProvider{}, DefaultMlsRules{}, *welcomes[0].Welcome, &bob.kp, bob.kpSecrets, nil, store, newTestGroupOptions())
	require.NoError(t, err)
	return ga, gb
}

func TestPreSharedKeyProposalFoldsIntoEpoch(t *testing.T) {
	csp := newTestSuite(t)
	store := NewInMemoryPskStore()
	store.SetExternal([]byte("team-psk"), randomBytes(32))

	ga, gb := buildPairWithPskStore(t, csp, store)
	requireSameEpoch(t, []*Group{ga, gb})

	pskID := PreSharedKeyID{Type: PSKTypeExternal, ExternalID: []byte("team-psk"), Nonce: randomBytes(32)}
	proposeMsg, err := ga.Propose(Proposal{Type: ProposalTypePreSharedKey, PreSharedKey: &PreSharedKeyProposal{PSK: pskID}})
	require.NoError(t, err)
	_, err = gb.ProcessIncomingMessage(proposeMsg)
	require.NoError(t, err)

	commitMsg, _, err := ga.Commit(nil)
	require.NoError(t, err)
	_, err = ga.ApplyPendingCommit()
	require.NoError(t, err)
	_, err = gb.ProcessIncomingMessage(commitMsg)
	require.NoError(t, err)

	requireSameEpoch(t, []*Group{ga, gb})
}

func TestPreSharedKeyProposalWithoutStoreFailsCommit(t *testing.T) {
	csp := newTestSuite(t)
	groups := buildGroupOfN(t, csp, DefaultMlsRules{}, 2)

	pskID := PreSharedKeyID{Type: PSKTypeExternal, ExternalID: []byte("unknown"), Nonce: randomBytes(32)}
	psk := Proposal{Type: ProposalTypePreSharedKey, PreSharedKey: &PreSharedKeyProposal{PSK: pskID}}
	_, _, err := groups[0].Commit([]Proposal{psk})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSentinelProposalInvalid)

	// The failed commit left nothing pending; a clean commit still works.
	_, _, err = groups[0].Commit(nil)
	require.NoError(t, err)
}

func TestGroupContextExtensionsProposalUpdatesContext(t *testing.T) {
	csp := newTestSuite(t)
	groups := buildGroupOfN(t, csp, DefaultMlsRules{}, 3)

	appExt := Extension{Type: ExtensionType(0xF000), Data: []byte("application policy")}
	gce := Proposal{Type: ProposalTypeGroupContextExtensions, GroupContextExtensions: &GroupContextExtensionsProposal{
		Extensions: extensionList{Extensions: []Extension{appExt}},
	}}

	proposeMsg, err := groups[0].Propose(gce)
	require.NoError(t, err)
	broadcastExcept(t, groups, 0, proposeMsg)

	commitMsg, _, err := groups[0].Commit(nil)
	require.NoError(t, err)
	_, err = groups[0].ApplyPendingCommit()
	require.NoError(t, err)
	broadcastExcept(t, groups, 0, commitMsg)

	requireSameEpoch(t, groups)
	for i, g := range groups {
		ctx := g.Context()
		require.Lenf(t, ctx.Extensions.Extensions, 1, "member %d", i)
		require.Equal(t, appExt.Type, ctx.Extensions.Extensions[0].Type)
		require.Equal(t, appExt.Data, ctx.Extensions.Extensions[0].Data)
	}
}

func TestUnknownProposalTypeRoundTripsAsCustom(t *testing.T) {
	p := Proposal{Type: ProposalType(0xF0F0), Custom: &CustomProposal{Type: ProposalType(0xF0F0), Data: []byte{1, 2, 3}}}
	data, err := marshal(p)
	require.NoError(t, err)

	var decoded Proposal
	require.NoError(t, unmarshalExact(data, &decoded))
	require.NotNil(t, decoded.Custom)
	require.Equal(t, p.Custom.Data, decoded.Custom.Data)

	re, err := marshal(decoded)
	require.NoError(t, err)
	require.Equal(t, data, re)
}

func TestReInitCommitClosesGroup(t *testing.T) {
	csp := newTestSuite(t)
	groups := buildGroupOfN(t, csp, DefaultMlsRules{}, 2)

	reinit := Proposal{Type: ProposalTypeReInit, ReInit: &ReInitProposal{
		GroupID:     []byte("successor"),
		Version:     ProtocolVersionMLS10,
		CipherSuite: csp.Suite(),
	}}
	commitMsg, _, err := groups[0].Commit([]Proposal{reinit})
	require.NoError(t, err)
	_, err = groups[0].ApplyPendingCommit()
	require.NoError(t, err)
	_, err = groups[1].ProcessIncomingMessage(commitMsg)
	require.NoError(t, err)
	requireSameEpoch(t, groups)

	for i, g := range groups {
		pending, ok := g.PendingReInit()
		require.Truef(t, ok, "member %d", i)
		require.Equal(t, []byte("successor"), pending.GroupID)

		_, _, err := g.Commit(nil)
		require.Error(t, err)
		_, err = g.EncryptApplicationMessage([]byte("too late"), nil)
		require.Error(t, err)
	}
}
