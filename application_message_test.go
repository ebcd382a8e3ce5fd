package mls

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplicationMessagesDeliverToEveryOtherMember(t *testing.T) {
	csp := newTestSuite(t)
	const n = 5
	groups := buildGroupOfN(t, csp, DefaultMlsRules{}, n)
	requireSameEpoch(t, groups)

	for round := 0; round < 20; round++ {
		sender := round % n
		plaintext := make([]byte, 1024)
		_, err := rand.Read(plaintext)
		require.NoError(t, err)

		msg, err := groups[sender].EncryptApplicationMessage(plaintext, nil)
		require.NoError(t, err)

		for i, g := range groups {
			if i == sender {
				continue
			}
			pm, err := g.ProcessIncomingMessage(msg)
			require.NoErrorf(t, err, "receiver %d round %d", i, round)
			require.Equal(t, ProcessedApplication, pm.Kind)
			require.Equal(t, plaintext, pm.Application)
		}

		// Replaying the same ciphertext must fail: its single-use generation
		// key has already been consumed and erased by the receivers above.
		_, err = groups[(sender+1)%n].ProcessIncomingMessage(msg)
		require.Error(t, err)
		require.ErrorIs(t, err, ErrSentinelKeyNotFound)
	}
}

func TestApplicationMessagesDecryptOutOfOrder(t *testing.T) {
	csp := newTestSuite(t)
	groups := buildGroupOfN(t, csp, DefaultMlsRules{}, 2)

	plaintexts := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	msgs := make([]MLSMessage, len(plaintexts))
	for i, pt := range plaintexts {
		m, err := groups[0].EncryptApplicationMessage(pt, nil)
		require.NoError(t, err)
		msgs[i] = m
	}

	// Deliver newest first; the receiver derives the skipped generations
	// lazily and each still decrypts exactly once.
	for _, i := range []int{2, 0, 1} {
		pm, err := groups[1].ProcessIncomingMessage(msgs[i])
		require.NoError(t, err)
		require.Equal(t, plaintexts[i], pm.Application)
	}

	_, err := groups[1].ProcessIncomingMessage(msgs[2])
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSentinelKeyNotFound)
}

func TestApplicationMessageFromSelfIsRejected(t *testing.T) {
	csp := newTestSuite(t)
	groups := buildGroupOfN(t, csp, DefaultMlsRules{}, 2)

	msg, err := groups[0].EncryptApplicationMessage([]byte("hi"), nil)
	require.NoError(t, err)

	_, err = groups[0].ProcessIncomingMessage(msg)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSentinelCantProcessFromSelf)
}
