package mls

// HPKECiphertext is a single HPKE-sealed payload: the KEM encapsulation plus
// the AEAD ciphertext.
type HPKECiphertext struct {
	KemOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=2"`
}

// UpdatePathNode is one parent on the committer's direct path: its freshly
// derived public key, and one HPKE ciphertext of the path secret per
// recipient in that parent's sibling-subtree resolution.
type UpdatePathNode struct {
	PublicKey              []byte `tls:"head=2"`
	EncryptedPathSecrets    []HPKECiphertext `tls:"head=4"`
}

// UpdatePath is the committer's new leaf plus the encrypted path secrets for
// every ancestor on its direct path.
type UpdatePath struct {
	LeafNode LeafNode
	Nodes    []UpdatePathNode `tls:"head=4"`
}

// Commit carries the proposals (by value or by reference) folded into this
// epoch transition, plus an optional path update.
type Commit struct {
	Proposals []ProposalOrRef `tls:"head=4"`
	Path      *UpdatePath
}

type commitWire struct {
	Proposals []ProposalOrRef `tls:"head=4"`
	HasPath   uint8
}

func (c Commit) MarshalTLS() ([]byte, error) {
	hdr := mustMarshal(commitWire{Proposals: c.Proposals, HasPath: presenceOctet(c.Path != nil)})
	if c.Path == nil {
		return hdr, nil
	}
	body, err := marshal(*c.Path)
	if err != nil {
		return nil, err
	}
	return append(hdr, body...), nil
}

func (c *Commit) UnmarshalTLS(data []byte) (int, error) {
	var hdr commitWire
	n, err := unmarshal(data, &hdr)
	if err != nil {
		return 0, err
	}
	c.Proposals = hdr.Proposals
	if hdr.HasPath == 0 {
		c.Path = nil
		return n, nil
	}
	var path UpdatePath
	m, err := unmarshal(data[n:], &path)
	if err != nil {
		return 0, err
	}
	c.Path = &path
	return n + m, nil
}
