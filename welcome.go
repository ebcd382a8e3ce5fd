package mls

// GroupSecrets is the per-joiner payload HPKE-sealed to their KeyPackage's
// init_key: the joiner secret, an optional path secret covering the
// joiner's position in the tree, and the PSKs the committer accepted.
type GroupSecrets struct {
	JoinerSecret []byte `tls:"head=1"`
	PathSecret   []byte `tls:"head=1"` // empty if the joiner doesn't need one
	PSKs         []PreSharedKeyID `tls:"head=2"`
}

// EncryptedGroupSecrets pairs a HPKE ciphertext of GroupSecrets with the
// hash of the recipient's KeyPackage, so a joiner can find their own entry.
type EncryptedGroupSecrets struct {
	NewMember      []byte `tls:"head=1"` // KeyPackage hash
	EncryptedGroupSecrets HPKECiphertext
}

// Welcome delivers group_secrets to each Add'd joiner (HPKE-sealed to their
// init_key) plus an AEAD-encrypted GroupInfo snapshot of the new epoch.
type Welcome struct {
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte `tls:"head=4"`
}

// findSecretsFor locates this welcome's entry for a given KeyPackage hash.
func (w Welcome) findSecretsFor(keyPackageHash []byte) (EncryptedGroupSecrets, bool) {
	for _, s := range w.Secrets {
		if string(s.NewMember) == string(keyPackageHash) {
			return s, true
		}
	}
	return EncryptedGroupSecrets{}, false
}

// GroupInfo is a signed snapshot of group state used both inside a Welcome
// and standalone for external commit.
type GroupInfo struct {
	GroupContext    GroupContext
	Extensions      extensionList
	ConfirmationTag []byte `tls:"head=1"`
	Signer          uint32 // leaf index of the signer
	Signature       []byte `tls:"head=2"`
}

type groupInfoTBS struct {
	GroupContext    GroupContext
	Extensions      extensionList
	ConfirmationTag []byte `tls:"head=1"`
	Signer          uint32
}

func (gi *GroupInfo) signedContent() groupInfoTBS {
	return groupInfoTBS{
		GroupContext:    gi.GroupContext,
		Extensions:      gi.Extensions,
		ConfirmationTag: gi.ConfirmationTag,
		Signer:          gi.Signer,
	}
}

func (gi *GroupInfo) Sign(csp CipherSuiteProvider, priv []byte) error {
	data, err := marshal(gi.signedContent())
	if err != nil {
		return err
	}
	sig, err := csp.Sign(priv, data)
	if err != nil {
		return err
	}
	gi.Signature = sig
	return nil
}

func (gi *GroupInfo) VerifySignature(csp CipherSuiteProvider, signerKey []byte) bool {
	data, err := marshal(gi.signedContent())
	if err != nil {
		return false
	}
	return csp.Verify(signerKey, data, gi.Signature)
}

// ratchetTreeExtension carries a serialized RatchetTree in a GroupInfo
// extension when CommitOptions.RatchetTreeExtension is set, so joiners don't
// need an out-of-band tree.
func ratchetTreeExtension(tree RatchetTree) Extension {
	return Extension{Type: ExtensionTypeRatchetTree, Data: mustMarshal(tree)}
}

func findExtension(exts extensionList, t ExtensionType) (Extension, bool) {
	for _, e := range exts.Extensions {
		if e.Type == t {
			return e, true
		}
	}
	return Extension{}, false
}
