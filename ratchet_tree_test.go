package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTreeHashAndParentHashInvariantsHoldAfterPathCommits(t *testing.T) {
	csp := newTestSuite(t)
	groups := buildGroupOfN(t, csp, alwaysPathRules{}, 5)

	for i, g := range groups {
		g.mu.RLock()
		require.Equalf(t, g.tree.RootTreeHash(), g.context.TreeHash, "member %d tree hash", i)
		require.NoErrorf(t, g.tree.VerifyParentHashes(csp), "member %d parent hashes", i)
		g.mu.RUnlock()
	}
}

func TestRatchetTreeGrowsAndTruncates(t *testing.T) {
	csp := newTestSuite(t)
	tree := NewRatchetTree(csp)

	var leaves []LeafNode
	for i := 0; i < 5; i++ {
		m := newTestMember(t, csp, "member")
		leaves = append(leaves, m.kp.LeafNode)
	}

	for i, ln := range leaves {
		idx := tree.AddLeaf(ln)
		require.Equal(t, leafIndex(i), idx)
	}
	// Five occupied leaves need an eight-leaf tree.
	require.Equal(t, uint32(8), tree.LeafCount())

	// Removing the last leaf shrinks back to the four-leaf power of two.
	tree.RemoveLeaf(4)
	require.Equal(t, uint32(4), tree.LeafCount())

	// A removed slot is refilled before the tree grows again.
	tree.RemoveLeaf(1)
	idx := tree.AddLeaf(leaves[1])
	require.Equal(t, leafIndex(1), idx)
}

func TestRatchetTreeRoundTripsThroughCodec(t *testing.T) {
	csp := newTestSuite(t)
	groups := buildGroupOfN(t, csp, alwaysPathRules{}, 3)

	exported, err := groups[0].ExportTree()
	require.NoError(t, err)
	imported, err := ImportRatchetTree(csp, exported)
	require.NoError(t, err)

	groups[0].mu.RLock()
	defer groups[0].mu.RUnlock()
	require.Equal(t, groups[0].tree.RootTreeHash(), imported.RootTreeHash())
	require.NoError(t, imported.VerifyParentHashes(csp))

	reExported, err := marshal(*imported)
	require.NoError(t, err)
	require.Equal(t, exported, reExported)
}
