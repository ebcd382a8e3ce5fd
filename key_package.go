package mls

// KeyPackage is the artifact a prospective member publishes so existing
// members can Add them: an HPKE init key distinct from the leaf's own
// encryption key, the leaf node itself (sourced from a KeyPackage lifetime),
// extensions, and a signature over everything else.
type KeyPackage struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     []byte `tls:"head=2"`
	LeafNode    LeafNode
	Extensions  extensionList
	Signature   []byte `tls:"head=2"`
}

type keyPackageTBS struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     []byte `tls:"head=2"`
	LeafNode    LeafNode
	Extensions  extensionList
}

func (kp *KeyPackage) signedContent() keyPackageTBS {
	return keyPackageTBS{
		Version:     kp.Version,
		CipherSuite: kp.CipherSuite,
		InitKey:     kp.InitKey,
		LeafNode:    kp.LeafNode,
		Extensions:  kp.Extensions,
	}
}

func (kp *KeyPackage) Sign(csp CipherSuiteProvider, priv []byte) error {
	data, err := marshal(kp.signedContent())
	if err != nil {
		return err
	}
	sig, err := csp.Sign(priv, data)
	if err != nil {
		return err
	}
	kp.Signature = sig
	return nil
}

func (kp *KeyPackage) verifySignature(csp CipherSuiteProvider) bool {
	data, err := marshal(kp.signedContent())
	if err != nil {
		return false
	}
	return csp.Verify(kp.LeafNode.SigningIdentity.SignatureKey, data, kp.Signature)
}

// Hash returns the reference used to address this KeyPackage in storage and
// in Welcome/group_secrets addressing.
func (kp *KeyPackage) Hash(csp CipherSuiteProvider) []byte {
	data := mustMarshal(*kp)
	return csp.Hash(data)
}

// KeyPackageValidationOptions mirrors aws-mls-rs's
// KeyPackageValidationOptions: when ApplyLifetimeCheckAt is non-nil, the
// package's Lifetime must cover that instant.
type KeyPackageValidationOptions struct {
	ApplyLifetimeCheckAt *uint64
}

// KeyPackageValidator checks the invariants spec.md §3 lists for KeyPackage:
// signature validity, init_key != leaf public key, protocol version and
// cipher suite agreement, and lifetime self-consistency -- grounded in
// aws-mls/src/key_package/validator.rs's KeyPackageValidator.
type KeyPackageValidator struct {
	ProtocolVersion ProtocolVersion
	Suite           CipherSuiteProvider
	Identity        IdentityProvider
}

func (v KeyPackageValidator) CheckIsValid(kp *KeyPackage, opts KeyPackageValidationOptions) error {
	if kp.Version != v.ProtocolVersion {
		return newErr(ErrProtocolVersionMismatch, "key package version %d != %d", kp.Version, v.ProtocolVersion)
	}
	if kp.CipherSuite != v.Suite.Suite() {
		return newErr(ErrCipherSuiteMismatch, "key package suite %v != %v", kp.CipherSuite, v.Suite.Suite())
	}
	if string(kp.InitKey) == string(kp.LeafNode.EncryptionKey) {
		return newErr(ErrProposalInvalid, "init key equals leaf node public key")
	}
	if !v.Suite.KemPublicKeyValidate(kp.InitKey) {
		return newErr(ErrProposalInvalid, "invalid init key")
	}
	if !kp.verifySignature(v.Suite) {
		return newErr(ErrSignatureInvalid, "key package signature invalid")
	}
	if kp.LeafNode.Source.Type != LeafNodeSourceKeyPackage {
		return newErr(ErrProposalInvalid, "key package leaf node missing lifetime")
	}
	if !kp.LeafNode.Source.Lifetime.selfConsistent() {
		return newErr(ErrProposalInvalid, "key package lifetime not self-consistent")
	}
	if opts.ApplyLifetimeCheckAt != nil && !kp.LeafNode.Source.Lifetime.validAt(*opts.ApplyLifetimeCheckAt) {
		return newErr(ErrProposalInvalid, "key package outside lifetime window")
	}
	if !kp.LeafNode.Capabilities.supportsCipherSuite(kp.CipherSuite) {
		return newErr(ErrProposalInvalid, "leaf node capabilities do not list key package cipher suite")
	}
	if !kp.LeafNode.Capabilities.supportsCredential(kp.LeafNode.SigningIdentity.Credential.Type()) {
		return newErr(ErrProposalInvalid, "leaf node capabilities do not list its own credential type")
	}
	if v.Identity != nil {
		if err := v.Identity.Validate(kp.LeafNode.SigningIdentity, opts.ApplyLifetimeCheckAt); err != nil {
			return wrapErr(ErrSignatureInvalid, err, "identity validation failed")
		}
	}
	if !kp.LeafNode.VerifySignature(v.Suite, nil, 0) {
		return newErr(ErrSignatureInvalid, "leaf node signature invalid")
	}
	return nil
}
