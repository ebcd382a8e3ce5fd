package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveRestoreRoundTripsGroupState(t *testing.T) {
	csp := newTestSuite(t)
	groups := buildGroupOfN(t, csp, DefaultMlsRules{}, 3)
	requireSameEpoch(t, groups)

	// Consume one message before saving so the used-generation state is
	// exercised through the round trip.
	pre, err := groups[0].EncryptApplicationMessage([]byte("before save"), nil)
	require.NoError(t, err)
	pm, err := groups[1].ProcessIncomingMessage(pre)
	require.NoError(t, err)
	require.Equal(t, []byte("before save"), pm.Application)

	saved, err := groups[1].Save()
	require.NoError(t, err)

	restored, err := RestoreGroup(csp, BasicIdentityProvider{}, DefaultMlsRules{}, nil, saved, newTestGroupOptions())
	require.NoError(t, err)
	require.Equal(t, groups[1].Epoch(), restored.Epoch())
	require.Equal(t, groups[1].EpochAuthenticator(), restored.EpochAuthenticator())
	require.Len(t, restored.Roster(), 3)

	// A generation consumed before the save stays consumed after it.
	_, err = restored.ProcessIncomingMessage(pre)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSentinelKeyNotFound)

	// Fresh traffic decrypts.
	msg, err := groups[0].EncryptApplicationMessage([]byte("after restore"), nil)
	require.NoError(t, err)
	pm, err = restored.ProcessIncomingMessage(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("after restore"), pm.Application)

	// The restored member follows a path-carrying commit, proving its leaf
	// private key and transcript state survived serialization. The stale
	// original handle for member 1 is abandoned from here on.
	proposeMsg, err := groups[0].ProposeUpdate(ownIdentity(groups[0]))
	require.NoError(t, err)
	_, err = groups[2].ProcessIncomingMessage(proposeMsg)
	require.NoError(t, err)
	_, err = restored.ProcessIncomingMessage(proposeMsg)
	require.NoError(t, err)

	commitMsg, _, err := groups[2].Commit(nil)
	require.NoError(t, err)
	_, err = groups[2].ApplyPendingCommit()
	require.NoError(t, err)
	_, err = groups[0].ProcessIncomingMessage(commitMsg)
	require.NoError(t, err)
	_, err = restored.ProcessIncomingMessage(commitMsg)
	require.NoError(t, err)

	requireSameEpoch(t, []*Group{groups[0], groups[2], restored})
}

func TestRestoreRejectsMismatchedSuite(t *testing.T) {
	csp := newTestSuite(t)
	groups := buildGroupOfN(t, csp, DefaultMlsRules{}, 2)
	saved, err := groups[0].Save()
	require.NoError(t, err)

	other, err := Provider(MLS10_256_DHKEMX448_AES256GCM_SHA512_Ed448)
	require.NoError(t, err)
	_, err = RestoreGroup(other, BasicIdentityProvider{}, DefaultMlsRules{}, nil, saved, newTestGroupOptions())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSentinelCipherSuiteMismatch)
}
