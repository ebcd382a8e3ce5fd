package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// encryptedControlRules sends handshake traffic over PrivateMessage with
// step padding, the non-default half of EncryptionOptions.
type encryptedControlRules struct{ DefaultMlsRules }

func (encryptedControlRules) EncryptionOptions() EncryptionOptions {
	return EncryptionOptions{EncryptControlMessages: true, Padding: PaddingMode{StepBytes: 64}}
}

func TestEncryptedControlMessagesAdvanceEpochs(t *testing.T) {
	csp := newTestSuite(t)
	groups := buildGroupOfN(t, csp, encryptedControlRules{}, 4)
	requireSameEpoch(t, groups)

	proposeMsg, err := groups[1].ProposeUpdate(ownIdentity(groups[1]))
	require.NoError(t, err)
	require.Equal(t, WireFormatPrivateMessage, proposeMsg.Format)
	broadcastExcept(t, groups, 1, proposeMsg)

	commitMsg, _, err := groups[0].Commit(nil)
	require.NoError(t, err)
	require.Equal(t, WireFormatPrivateMessage, commitMsg.Format)
	_, err = groups[0].ApplyPendingCommit()
	require.NoError(t, err)
	broadcastExcept(t, groups, 0, commitMsg)

	requireSameEpoch(t, groups)

	// Processing one's own encrypted commit is still refused.
	commitMsg2, _, err := groups[2].Commit(nil)
	require.NoError(t, err)
	_, err = groups[2].ProcessIncomingMessage(commitMsg2)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSentinelCantProcessFromSelf)
	groups[2].DiscardPendingCommit()
}
