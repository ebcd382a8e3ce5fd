package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Expected values below are the well-known left-balanced binary tree array
// positions for an 8-leaf (15-node) tree, the same shape RFC 9420's TreeKEM
// examples use.
func TestTreeMathEightLeafShape(t *testing.T) {
	n := leafCount(8)
	require.Equal(t, nodeIndex(7), root(n))
	require.Equal(t, uint32(15), nodeWidth(n))

	require.Equal(t, nodeIndex(1), parent(nodeIndex(0), n))
	require.Equal(t, nodeIndex(1), parent(nodeIndex(2), n))
	require.Equal(t, nodeIndex(7), parent(nodeIndex(3), n))
	require.Equal(t, nodeIndex(7), parent(nodeIndex(11), n))

	require.Equal(t, nodeIndex(2), sibling(nodeIndex(0), n))
	require.Equal(t, nodeIndex(11), sibling(nodeIndex(3), n))
}

func TestTreeMathDirpathEndsAtRoot(t *testing.T) {
	n := leafCount(8)
	path := dirpath(toNodeIndex(0), n)
	require.NotEmpty(t, path)
	require.Equal(t, root(n), path[len(path)-1])

	require.Nil(t, dirpath(root(n), n))
}

func TestTreeMathCopathMirrorsDirpath(t *testing.T) {
	n := leafCount(8)
	x := toNodeIndex(3)
	dp := dirpath(x, n)
	cp := copath(x, n)
	require.Len(t, cp, len(dp))
	for i, anc := range dp {
		require.Equal(t, anc, parent(cp[i], n))
	}
}

func TestTreeMathCommonAncestorIsOnBothDirpaths(t *testing.T) {
	n := leafCount(8)
	x := toNodeIndex(1)
	y := toNodeIndex(6)
	anc := commonAncestor(x, y, n)

	require.Contains(t, append(dirpath(x, n), x), anc)
	require.Contains(t, append(dirpath(y, n), y), anc)
}

func TestTreeMathUnbalancedTreeRightClampsWithinWidth(t *testing.T) {
	n := leafCount(5)
	w := nodeWidth(n)
	for x := nodeIndex(0); uint32(x) < w; x++ {
		if isLeaf(x) {
			continue
		}
		r := right(x, n)
		require.Lessf(t, uint32(r), w, "right(%d) escaped node width %d", x, w)
	}
}
