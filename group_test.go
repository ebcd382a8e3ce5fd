package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTwoPartyCreateAndJoinAgreeOnEpoch(t *testing.T) {
	csp := newTestSuite(t)
	groups := buildGroupOfN(t, csp, DefaultMlsRules{}, 2)

	require.Len(t, groups[0].Roster(), 2)
	require.Len(t, groups[1].Roster(), 2)
	requireSameEpoch(t, groups)
}

func TestEmptyCommitsWithForcedPathUpdateStayInSync(t *testing.T) {
	csp := newTestSuite(t)
	rules := alwaysPathRules{}
	const n = 10
	groups := buildGroupOfN(t, csp, rules, n)
	requireSameEpoch(t, groups)

	for round := 0; round < n; round++ {
		committer := round % n
		commitMsg, _, err := groups[committer].Commit(nil)
		require.NoError(t, err)

		_, err = groups[committer].ApplyPendingCommit()
		require.NoError(t, err)

		broadcastExcept(t, groups, committer, commitMsg)
		requireSameEpoch(t, groups)
	}
}

func TestUpdateProposalCommittedByAnotherMemberAdvancesEpoch(t *testing.T) {
	csp := newTestSuite(t)
	groups := buildGroupOfN(t, csp, DefaultMlsRules{}, 4)
	requireSameEpoch(t, groups)
	startEpoch := groups[0].Epoch()

	proposer := 1
	committer := 2

	proposeMsg, err := groups[proposer].ProposeUpdate(ownIdentity(groups[proposer]))
	require.NoError(t, err)
	broadcastExcept(t, groups, proposer, proposeMsg)

	commitMsg, _, err := groups[committer].Commit(nil)
	require.NoError(t, err)
	_, err = groups[committer].ApplyPendingCommit()
	require.NoError(t, err)
	broadcastExcept(t, groups, committer, commitMsg)

	requireSameEpoch(t, groups)
	require.Equal(t, startEpoch+1, groups[0].Epoch())

	for i, g := range groups {
		require.Lenf(t, g.Roster(), 4, "group %d roster size", i)
	}
}

func TestRemovedMemberCannotFindSubsequentEpoch(t *testing.T) {
	csp := newTestSuite(t)
	groups := buildGroupOfN(t, csp, DefaultMlsRules{}, 4)
	requireSameEpoch(t, groups)

	removedIdx := 2
	committer := 0
	remaining := make([]*Group, 0, len(groups)-1)
	remainingPositions := make([]int, 0, len(groups)-1)
	for i, g := range groups {
		if i == removedIdx {
			continue
		}
		remaining = append(remaining, g)
		remainingPositions = append(remainingPositions, i)
	}

	proposeMsg, err := groups[committer].Propose(Proposal{Type: ProposalTypeRemove, Remove: &RemoveProposal{Removed: leafIndex(removedIdx)}})
	require.NoError(t, err)
	broadcastExcept(t, groups, committer, proposeMsg)

	commitMsg, _, err := groups[committer].Commit(nil)
	require.NoError(t, err)
	_, err = groups[committer].ApplyPendingCommit()
	require.NoError(t, err)

	for i, g := range groups {
		if i == committer || i == removedIdx {
			continue
		}
		_, err := g.ProcessIncomingMessage(commitMsg)
		require.NoError(t, err)
	}

	requireSameEpoch(t, remaining)
	require.Len(t, remaining[0].Roster(), 3)

	removedGroup := groups[removedIdx]
	msg, err := remaining[0].EncryptApplicationMessage([]byte("hello"), nil)
	require.NoError(t, err)
	_, err = removedGroup.ProcessIncomingMessage(msg)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSentinelEpochNotFound)
	_ = remainingPositions
}

func TestProcessingOwnCommitIsRejected(t *testing.T) {
	csp := newTestSuite(t)
	groups := buildGroupOfN(t, csp, DefaultMlsRules{}, 3)
	requireSameEpoch(t, groups)
	startEpoch := groups[0].Epoch()

	committer := groups[0]
	other := groups[1]

	proposeMsg, err := committer.Propose(Proposal{Type: ProposalTypeRemove, Remove: &RemoveProposal{Removed: leafIndex(2)}})
	require.NoError(t, err)
	broadcastExcept(t, groups, 0, proposeMsg)
	commitMsg, _, err := committer.Commit(nil)
	require.NoError(t, err)

	_, err = committer.ProcessIncomingMessage(commitMsg)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSentinelCantProcessFromSelf)
	require.Equal(t, startEpoch, committer.Epoch())

	_, err = committer.ApplyPendingCommit()
	require.NoError(t, err)
	require.Equal(t, startEpoch+1, committer.Epoch())

	_, err = other.ProcessIncomingMessage(commitMsg)
	require.NoError(t, err)
	require.Equal(t, committer.Epoch(), other.Epoch())
}
