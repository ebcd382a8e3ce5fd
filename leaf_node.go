package mls

// LeafNodeSourceType discriminates the three contexts a LeafNode can be
// produced in; the Go-level union below carries the associated payload.
type LeafNodeSourceType uint8

const (
	LeafNodeSourceKeyPackage LeafNodeSourceType = 1
	LeafNodeSourceUpdate     LeafNodeSourceType = 2
	LeafNodeSourceCommit     LeafNodeSourceType = 3
)

// LeafNodeSource is a closed tagged union: KeyPackage carries a Lifetime,
// Commit carries the parent hash of the committer's new path, Update carries
// nothing.
type LeafNodeSource struct {
	Type       LeafNodeSourceType
	Lifetime   Lifetime
	ParentHash []byte
}

func KeyPackageSource(lt Lifetime) LeafNodeSource {
	return LeafNodeSource{Type: LeafNodeSourceKeyPackage, Lifetime: lt}
}

func UpdateSource() LeafNodeSource {
	return LeafNodeSource{Type: LeafNodeSourceUpdate}
}

func CommitSource(parentHash []byte) LeafNodeSource {
	return LeafNodeSource{Type: LeafNodeSourceCommit, ParentHash: dup(parentHash)}
}

type leafNodeSourceWire struct {
	Type LeafNodeSourceType
}

func (s LeafNodeSource) MarshalTLS() ([]byte, error) {
	hdr := mustMarshal(leafNodeSourceWire{Type: s.Type})
	switch s.Type {
	case LeafNodeSourceKeyPackage:
		body, err := marshal(s.Lifetime)
		if err != nil {
			return nil, err
		}
		return append(hdr, body...), nil
	case LeafNodeSourceUpdate:
		return hdr, nil
	case LeafNodeSourceCommit:
		body, err := marshal(struct {
			ParentHash []byte `tls:"head=1"`
		}{s.ParentHash})
		if err != nil {
			return nil, err
		}
		return append(hdr, body...), nil
	default:
		return nil, newErr(ErrDecode, "unknown leaf node source %d", s.Type)
	}
}

func (s *LeafNodeSource) UnmarshalTLS(data []byte) (int, error) {
	var hdr leafNodeSourceWire
	n, err := unmarshal(data, &hdr)
	if err != nil {
		return 0, err
	}
	rest := data[n:]
	switch hdr.Type {
	case LeafNodeSourceKeyPackage:
		var lt Lifetime
		m, err := unmarshal(rest, &lt)
		if err != nil {
			return 0, err
		}
		*s = LeafNodeSource{Type: hdr.Type, Lifetime: lt}
		return n + m, nil
	case LeafNodeSourceUpdate:
		*s = LeafNodeSource{Type: hdr.Type}
		return n, nil
	case LeafNodeSourceCommit:
		var body struct {
			ParentHash []byte `tls:"head=1"`
		}
		m, err := unmarshal(rest, &body)
		if err != nil {
			return 0, err
		}
		*s = LeafNodeSource{Type: hdr.Type, ParentHash: body.ParentHash}
		return n + m, nil
	default:
		return 0, newErr(ErrDecode, "unknown leaf node source %d", hdr.Type)
	}
}

// LeafNode is a tree leaf: its HPKE encryption key, its authentication
// identity, advertised capabilities, provenance (LeafNodeSource), extensions,
// and the signature binding all of the above.
type LeafNode struct {
	EncryptionKey   []byte `tls:"head=2"`
	SigningIdentity SigningIdentity
	Capabilities    Capabilities
	Source          LeafNodeSource
	Extensions      extensionList
	Signature       []byte `tls:"head=2"`
}

// leafNodeTBS is the to-be-signed content: every field except the signature,
// plus the group id and leaf index when the source ties the leaf to a
// specific tree position (Update or Commit).
type leafNodeTBS struct {
	EncryptionKey   []byte `tls:"head=2"`
	SigningIdentity SigningIdentity
	Capabilities    Capabilities
	Source          LeafNodeSource
	Extensions      extensionList
	GroupID         []byte `tls:"head=2"`
	LeafIndex       uint32
}

func (l *LeafNode) signedContent(groupID []byte, index leafIndex) leafNodeTBS {
	tbs := leafNodeTBS{
		EncryptionKey:   l.EncryptionKey,
		SigningIdentity: l.SigningIdentity,
		Capabilities:    l.Capabilities,
		Source:          l.Source,
		Extensions:      l.Extensions,
	}
	if l.Source.Type == LeafNodeSourceUpdate || l.Source.Type == LeafNodeSourceCommit {
		tbs.GroupID = groupID
		tbs.LeafIndex = uint32(index)
	}
	return tbs
}

// Sign computes and installs the signature over the leaf's tree-bound
// content. groupID/index are only bound in for Update/Commit sources, per
// spec.md §3.
func (l *LeafNode) Sign(csp CipherSuiteProvider, priv []byte, groupID []byte, index leafIndex) error {
	tbs := l.signedContent(groupID, index)
	data, err := marshal(tbs)
	if err != nil {
		return err
	}
	sig, err := csp.Sign(priv, data)
	if err != nil {
		return err
	}
	l.Signature = sig
	return nil
}

// VerifySignature checks l.Signature against the same tree-bound content.
func (l *LeafNode) VerifySignature(csp CipherSuiteProvider, groupID []byte, index leafIndex) bool {
	tbs := l.signedContent(groupID, index)
	data, err := marshal(tbs)
	if err != nil {
		return false
	}
	return csp.Verify(l.SigningIdentity.SignatureKey, data, l.Signature)
}
