package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, csp CipherSuiteProvider, name string) *Session {
	t.Helper()
	sigPriv, sigPub, err := csp.SignatureKeyGenerate()
	require.NoError(t, err)
	identity := SigningIdentity{SignatureKey: sigPub, Credential: NewBasicCredential([]byte(name))}
	return NewSession(
		csp, BasicIdentityProvider{}, DefaultMlsRules{},
		NewInMemoryKeyPackageStorage(), NewInMemoryPskStore(),
		identity, sigPriv, newTestGroupOptions(),
	)
}

func testLifetime() Lifetime {
	return Lifetime{NotBefore: 0, NotAfter: ^uint64(0)}
}

func TestSessionsCreateJoinAndExchange(t *testing.T) {
	csp := newTestSuite(t)
	alice := newTestSession(t, csp, "alice")
	bob := newTestSession(t, csp, "bob")

	require.NoError(t, alice.Create([]byte("session-group"), testLifetime()))

	kpMsg, err := bob.CreateKeyPackage(testLifetime())
	require.NoError(t, err)

	_, err = alice.ProposeAdd(*kpMsg.KeyPackage)
	require.NoError(t, err)
	_, welcomes, err := alice.Commit(nil)
	require.NoError(t, err)
	require.Len(t, welcomes, 1)
	_, err = alice.ApplyPendingCommit()
	require.NoError(t, err)

	welcomeMsg, err := MLSMessageFromBytes(welcomes[0])
	require.NoError(t, err)
	require.NoError(t, bob.Join(welcomeMsg, kpMsg.KeyPackage, nil))

	require.True(t, alice.HasEqualState(bob))
	count, err := bob.ParticipantCount()
	require.NoError(t, err)
	require.Equal(t, uint32(2), count)
	roster, err := bob.Roster()
	require.NoError(t, err)
	require.Len(t, roster, 2)

	ct, err := alice.EncryptApplicationData([]byte("hello session"))
	require.NoError(t, err)
	pm, err := bob.ProcessIncomingBytes(ct)
	require.NoError(t, err)
	require.Equal(t, ProcessedApplication, pm.Kind)
	require.Equal(t, []byte("hello session"), pm.Application)
}

func TestSessionJoinConsumesStoredKeyPackageSecrets(t *testing.T) {
	csp := newTestSuite(t)
	alice := newTestSession(t, csp, "alice")
	bob := newTestSession(t, csp, "bob")

	require.NoError(t, alice.Create([]byte("one-shot"), testLifetime()))
	kpMsg, err := bob.CreateKeyPackage(testLifetime())
	require.NoError(t, err)

	_, err = alice.ProposeAdd(*kpMsg.KeyPackage)
	require.NoError(t, err)
	_, welcomes, err := alice.Commit(nil)
	require.NoError(t, err)
	_, err = alice.ApplyPendingCommit()
	require.NoError(t, err)

	welcomeMsg, err := MLSMessageFromBytes(welcomes[0])
	require.NoError(t, err)
	require.NoError(t, bob.Join(welcomeMsg, kpMsg.KeyPackage, nil))

	// The stored secrets are single-use: joining deletes them, so replaying
	// the same Welcome into a fresh session state fails to find them.
	carol := newTestSession(t, csp, "carol")
	carol.storage = bob.storage
	err = carol.Join(welcomeMsg, kpMsg.KeyPackage, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSentinelKeyNotFound)
}

func TestSessionOperationsBeforeGroupFail(t *testing.T) {
	csp := newTestSuite(t)
	s := newTestSession(t, csp, "loner")

	_, err := s.EncryptApplicationData([]byte("nope"))
	require.ErrorIs(t, err, ErrSessionNoGroup)
	_, _, err = s.Commit(nil)
	require.ErrorIs(t, err, ErrSessionNoGroup)
	_, err = s.Roster()
	require.ErrorIs(t, err, ErrSessionNoGroup)
}
