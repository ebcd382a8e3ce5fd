package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashRatchetSingleUseAndWindow(t *testing.T) {
	csp := newTestSuite(t)
	hr := newHashRatchet(csp, 0, randomBytes(csp.Constants().SecretSize))
	hr.windowSize = 4

	kn, err := hr.Get(0)
	require.NoError(t, err)
	require.Len(t, kn.Key, csp.Constants().KeySize)
	hr.Erase(0)

	_, err = hr.Get(0)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSentinelKeyNotFound)

	// Jumping ahead within the window derives the skipped generations.
	_, err = hr.Get(3)
	require.NoError(t, err)

	// Beyond the lookahead window fails closed.
	_, err = hr.Get(20)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSentinelGenerationTooOld)
}

func TestHashRatchetEvictsGenerationsBehindWindow(t *testing.T) {
	csp := newTestSuite(t)
	hr := newHashRatchet(csp, 0, randomBytes(csp.Constants().SecretSize))
	hr.windowSize = 2

	// Advance far enough that generation 0 slides out of the window without
	// ever being consumed.
	for i := 0; i < 5; i++ {
		hr.advance()
	}
	_, err := hr.Get(0)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSentinelGenerationTooOld)
}

func TestGroupKeySourceSeparatesLeavesAndLabels(t *testing.T) {
	csp := newTestSuite(t)
	gks := newGroupKeySource(csp, 4, randomBytes(csp.Constants().SecretSize))

	gen0, app0, err := gks.Next(0, "application")
	require.NoError(t, err)
	require.Equal(t, uint32(0), gen0)
	_, hs0, err := gks.Next(0, "handshake")
	require.NoError(t, err)
	_, app1, err := gks.Next(1, "application")
	require.NoError(t, err)

	require.NotEqual(t, app0.Key, hs0.Key)
	require.NotEqual(t, app0.Key, app1.Key)
}

func TestKeyScheduleNextAdvancesDeterministically(t *testing.T) {
	csp := newTestSuite(t)
	joiner := randomBytes(csp.Constants().SecretSize)
	ctx := []byte("group context bytes")

	a := newKeyScheduleEpoch(csp, 2, dup(joiner), pskSecretFromJoiner(csp, joiner, nil), ctx)
	b := newKeyScheduleEpoch(csp, 2, dup(joiner), pskSecretFromJoiner(csp, joiner, nil), ctx)
	require.Equal(t, a.EpochSecret, b.EpochSecret)
	require.Equal(t, a.ConfirmationKey, b.ConfirmationKey)

	commitSecret := randomBytes(csp.Constants().SecretSize)
	nextA := a.Next(2, dup(commitSecret), nil, ctx)
	nextB := b.Next(2, dup(commitSecret), nil, ctx)
	require.Equal(t, nextA.EpochSecret, nextB.EpochSecret)
	require.NotEqual(t, a.EpochSecret, nextA.EpochSecret)
}
