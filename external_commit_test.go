package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExternalCommitJoinsFromPublishedGroupInfo(t *testing.T) {
	csp := newTestSuite(t)
	groups := buildGroupOfN(t, csp, DefaultMlsRules{}, 3)
	requireSameEpoch(t, groups)

	giMsg, err := groups[0].PublicGroupInfo(true)
	require.NoError(t, err)

	joiner := newTestMember(t, csp, "outsider")
	joined, commitMsg, err := ExternalCommit(
		csp, BasicIdentityProvider{}, DefaultMlsRules{}, nil,
		giMsg, nil, joiner.kp.LeafNode, joiner.leafPriv, joiner.sigPriv, nil,
		newTestGroupOptions(),
	)
	require.NoError(t, err)

	for i, g := range groups {
		_, err := g.ProcessIncomingMessage(commitMsg)
		require.NoErrorf(t, err, "member %d", i)
	}

	all := append(append([]*Group{}, groups...), joined)
	requireSameEpoch(t, all)
	require.Len(t, joined.Roster(), 4)

	// The externally added member participates fully: it can encrypt to the
	// group and decrypt from it.
	msg, err := joined.EncryptApplicationMessage([]byte("external hello"), nil)
	require.NoError(t, err)
	pm, err := groups[1].ProcessIncomingMessage(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("external hello"), pm.Application)

	reply, err := groups[2].EncryptApplicationMessage([]byte("welcome aboard"), nil)
	require.NoError(t, err)
	pm, err = joined.ProcessIncomingMessage(reply)
	require.NoError(t, err)
	require.Equal(t, []byte("welcome aboard"), pm.Application)
}

func TestExternalCommitRequiresExternalPubExtension(t *testing.T) {
	csp := newTestSuite(t)
	groups := buildGroupOfN(t, csp, DefaultMlsRules{}, 2)

	// Hand-build a GroupInfo without the external join point; the construction
	// must be refused before any commit is attempted.
	giMsg, err := groups[0].PublicGroupInfo(true)
	require.NoError(t, err)
	gi := *giMsg.GroupInfo
	var kept []Extension
	for _, e := range gi.Extensions.Extensions {
		if e.Type != ExtensionTypeExternalPub {
			kept = append(kept, e)
		}
	}
	gi.Extensions = extensionList{Extensions: kept}
	require.NoError(t, gi.Sign(csp, groups[0].mySigPriv))
	stripped := MLSMessage{Version: giMsg.Version, Format: WireFormatGroupInfo, GroupInfo: &gi}

	joiner := newTestMember(t, csp, "outsider")
	_, _, err = ExternalCommit(
		csp, BasicIdentityProvider{}, DefaultMlsRules{}, nil,
		stripped, nil, joiner.kp.LeafNode, joiner.leafPriv, joiner.sigPriv, nil,
		newTestGroupOptions(),
	)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSentinelDecode)
}
