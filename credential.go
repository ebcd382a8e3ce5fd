package mls

// CredentialType is an open u16 enum: 1=Basic, 2=X509, 0 and >=3 reserved for
// custom/forward-compatible use, matching aws-mls-core's CredentialType.
type CredentialType uint16

const (
	CredentialTypeBasic CredentialType = 1
	CredentialTypeX509  CredentialType = 2
)

// BasicCredential is an opaque member-chosen identifier with no external
// validation beyond whatever the IdentityProvider imposes.
type BasicCredential struct {
	Identity []byte `tls:"head=2"`
}

// CertificateChain is an ordered sequence of DER-encoded certificates, leaf
// first.
type CertificateChain struct {
	Certificates [][]byte
}

// certificateEntry wraps one DER certificate so the chain serializes as a
// vector of length-prefixed entries.
type certificateEntry struct {
	Data []byte `tls:"head=2"`
}

type certificateChainWire struct {
	Certificates []certificateEntry `tls:"head=4"`
}

func (c CertificateChain) MarshalTLS() ([]byte, error) {
	w := certificateChainWire{Certificates: make([]certificateEntry, len(c.Certificates))}
	for i, cert := range c.Certificates {
		w.Certificates[i] = certificateEntry{Data: cert}
	}
	return marshal(w)
}

func (c *CertificateChain) UnmarshalTLS(data []byte) (int, error) {
	var w certificateChainWire
	n, err := unmarshal(data, &w)
	if err != nil {
		return 0, err
	}
	c.Certificates = make([][]byte, len(w.Certificates))
	for i, e := range w.Certificates {
		c.Certificates[i] = e.Data
	}
	return n, nil
}

// CustomCredential carries a forward-compatible or application-defined
// credential type. Constructing one with raw_value <= 2 is legal (the type
// exists to preserve unknown values seen on the wire) but *encoding* it is
// rejected -- see Credential.Encode.
type CustomCredential struct {
	Type CredentialType
	Data []byte `tls:"head=2"`
}

// Credential is the closed-at-the-Go-level, open-on-the-wire tagged union
// {Basic, X509, Custom}. Unknown wire type values below 3 are only reachable
// by decoding bytes that were never produced by Encode (the "non-encoding
// path" referenced in spec.md's open questions); Encode enforces that
// invariant rather than silently accepting it.
type Credential struct {
	credType CredentialType
	basic    *BasicCredential
	x509     *CertificateChain
	custom   *CustomCredential
}

func NewBasicCredential(identity []byte) Credential {
	return Credential{credType: CredentialTypeBasic, basic: &BasicCredential{Identity: dup(identity)}}
}

func NewX509Credential(chain [][]byte) Credential {
	certs := make([][]byte, len(chain))
	for i, c := range chain {
		certs[i] = dup(c)
	}
	return Credential{credType: CredentialTypeX509, x509: &CertificateChain{Certificates: certs}}
}

// NewCustomCredential constructs a credential carrying an application
// credential type. Using credType <= 2 here is permitted by construction but
// will fail to Encode -- mirroring aws-mls-core's CustomCredential::new
// warning that reserved values yield unspecified (here: rejected) behavior.
func NewCustomCredential(credType CredentialType, data []byte) Credential {
	return Credential{credType: credType, custom: &CustomCredential{Type: credType, Data: dup(data)}}
}

func (c Credential) Type() CredentialType { return c.credType }

func (c Credential) AsBasic() (BasicCredential, bool) {
	if c.basic == nil {
		return BasicCredential{}, false
	}
	return *c.basic, true
}

func (c Credential) AsX509() (CertificateChain, bool) {
	if c.x509 == nil {
		return CertificateChain{}, false
	}
	return *c.x509, true
}

func (c Credential) AsCustom() (CustomCredential, bool) {
	if c.custom == nil {
		return CustomCredential{}, false
	}
	return *c.custom, true
}

// Equal is structural equality over the decoded variant, used by
// SigningIdentity equality and identity-provider successor checks.
func (c Credential) Equal(other Credential) bool {
	data, err := c.Encode()
	if err != nil {
		return false
	}
	otherData, err := other.Encode()
	if err != nil {
		return false
	}
	return string(data) == string(otherData)
}

type credentialWire struct {
	Type CredentialType
}

// Encode serializes `u16 type || payload`. Encoding a Custom credential
// whose type value is <= 2 is an error: those values are reserved for
// Basic/X509 and a decoder would never produce a Custom for them.
func (c Credential) Encode() ([]byte, error) {
	switch {
	case c.basic != nil:
		body, err := marshal(*c.basic)
		if err != nil {
			return nil, err
		}
		return append(mustMarshal(credentialWire{Type: CredentialTypeBasic}), body...), nil
	case c.x509 != nil:
		body, err := marshal(*c.x509)
		if err != nil {
			return nil, err
		}
		return append(mustMarshal(credentialWire{Type: CredentialTypeX509}), body...), nil
	case c.custom != nil:
		if c.custom.Type <= 2 {
			return nil, newErr(ErrDecode, "custom credential type %d is reserved for Basic/X509", c.custom.Type)
		}
		body, err := marshal(*c.custom)
		if err != nil {
			return nil, err
		}
		return append(mustMarshal(credentialWire{Type: c.custom.Type}), body...), nil
	default:
		return nil, newErr(ErrDecode, "empty credential")
	}
}

// DecodeCredential decodes the type discriminant and dispatches; any type
// value other than Basic/X509 -- including values <= 2 that a compliant
// encoder would never emit -- decodes into Custom, preserving round-trip for
// forward-compatible extensions.
func DecodeCredential(data []byte) (Credential, error) {
	var hdr credentialWire
	n, err := unmarshal(data, &hdr)
	if err != nil {
		return Credential{}, err
	}
	rest := data[n:]

	switch hdr.Type {
	case CredentialTypeBasic:
		var bc BasicCredential
		if err := unmarshalExact(rest, &bc); err != nil {
			return Credential{}, err
		}
		return Credential{credType: CredentialTypeBasic, basic: &bc}, nil
	case CredentialTypeX509:
		var chain CertificateChain
		if err := unmarshalExact(rest, &chain); err != nil {
			return Credential{}, err
		}
		return Credential{credType: CredentialTypeX509, x509: &chain}, nil
	default:
		var cc CustomCredential
		cc.Type = hdr.Type
		var body struct {
			Data []byte `tls:"head=2"`
		}
		if err := unmarshalExact(rest, &body); err != nil {
			return Credential{}, err
		}
		cc.Data = body.Data
		return Credential{credType: hdr.Type, custom: &cc}, nil
	}
}

// SigningIdentity pairs a credential with the signature key that
// authenticates it; equality is structural over both fields.
type SigningIdentity struct {
	SignatureKey []byte `tls:"head=2"`
	Credential   Credential
}

func (s SigningIdentity) Equal(other SigningIdentity) bool {
	return string(s.SignatureKey) == string(other.SignatureKey) && s.Credential.Equal(other.Credential)
}

// MarshalTLS/UnmarshalTLS let Credential participate directly in tagged
// wire structs (LeafNode, KeyPackage, SigningIdentity) despite being backed
// by a hand-written tagged union rather than a plain tls-tagged struct.
func (c Credential) MarshalTLS() ([]byte, error) {
	return c.Encode()
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	var hdr credentialWire
	n, err := unmarshal(data, &hdr)
	if err != nil {
		return 0, err
	}
	rest := data[n:]

	switch hdr.Type {
	case CredentialTypeBasic:
		var bc BasicCredential
		m, err := unmarshal(rest, &bc)
		if err != nil {
			return 0, err
		}
		*c = Credential{credType: CredentialTypeBasic, basic: &bc}
		return n + m, nil
	case CredentialTypeX509:
		var chain CertificateChain
		m, err := unmarshal(rest, &chain)
		if err != nil {
			return 0, err
		}
		*c = Credential{credType: CredentialTypeX509, x509: &chain}
		return n + m, nil
	default:
		var body struct {
			Data []byte `tls:"head=2"`
		}
		m, err := unmarshal(rest, &body)
		if err != nil {
			return 0, err
		}
		*c = Credential{credType: hdr.Type, custom: &CustomCredential{Type: hdr.Type, Data: body.Data}}
		return n + m, nil
	}
}
