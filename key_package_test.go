package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyPackageValidatorRejectsTamperedSignature(t *testing.T) {
	csp := newTestSuite(t)
	member := newTestMember(t, csp, "carol")

	kp := member.kp
	tampered := make([]byte, len(kp.Signature))
	copy(tampered, kp.Signature)
	tampered[0] ^= 0xFF
	kp.Signature = tampered

	validator := KeyPackageValidator{ProtocolVersion: ProtocolVersionMLS10, Suite: csp, Identity: BasicIdentityProvider{}}
	err := validator.CheckIsValid(&kp, KeyPackageValidationOptions{})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSentinelSignatureInvalid)
}

func TestKeyPackageValidatorAcceptsWellFormedPackage(t *testing.T) {
	csp := newTestSuite(t)
	member := newTestMember(t, csp, "dave")

	validator := KeyPackageValidator{ProtocolVersion: ProtocolVersionMLS10, Suite: csp, Identity: BasicIdentityProvider{}}
	require.NoError(t, validator.CheckIsValid(&member.kp, KeyPackageValidationOptions{}))
}

func TestKeyPackageValidatorRejectsInitKeyEqualToLeafKey(t *testing.T) {
	csp := newTestSuite(t)
	member := newTestMember(t, csp, "erin")

	kp := member.kp
	kp.InitKey = dup(kp.LeafNode.EncryptionKey)
	require.NoError(t, kp.Sign(csp, member.sigPriv))

	validator := KeyPackageValidator{ProtocolVersion: ProtocolVersionMLS10, Suite: csp, Identity: BasicIdentityProvider{}}
	err := validator.CheckIsValid(&kp, KeyPackageValidationOptions{})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSentinelProposalInvalid)
}
