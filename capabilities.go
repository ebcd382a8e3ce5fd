package mls

// ProtocolVersion names the MLS wire-format generation a member supports.
type ProtocolVersion uint16

const ProtocolVersionMLS10 ProtocolVersion = 1

// ExtensionType is an open u16 enum; unrecognized values round-trip as raw
// Extension payloads rather than failing to decode.
type ExtensionType uint16

const (
	ExtensionTypeCapabilities        ExtensionType = 1
	ExtensionTypeLifetime            ExtensionType = 2
	ExtensionTypeRatchetTree         ExtensionType = 3
	ExtensionTypeRequiredCapabilities ExtensionType = 4
	ExtensionTypeExternalPub         ExtensionType = 5
)

// ProposalType is an open u16 enum naming the seven proposal kinds spec.md
// §3 defines.
type ProposalType uint16

const (
	ProposalTypeAdd                     ProposalType = 1
	ProposalTypeUpdate                  ProposalType = 2
	ProposalTypeRemove                  ProposalType = 3
	ProposalTypePreSharedKey            ProposalType = 4
	ProposalTypeReInit                  ProposalType = 5
	ProposalTypeExternalInit            ProposalType = 6
	ProposalTypeGroupContextExtensions  ProposalType = 7
)

// Extension is a raw (type, data) pair: the carrier that crosses the wire
// and what every extension type, known or not, decodes into; code that
// reads a known extension interprets its Data itself.
type Extension struct {
	Type ExtensionType
	Data []byte `tls:"head=4"`
}

type extensionList struct {
	Extensions []Extension `tls:"head=4"`
}

// cloneExtensionList deep-copies an extensionList so a cloned tree never
// shares backing arrays with the tree it was cloned from.
func cloneExtensionList(l extensionList) extensionList {
	out := extensionList{Extensions: make([]Extension, len(l.Extensions))}
	for i, e := range l.Extensions {
		out.Extensions[i] = Extension{Type: e.Type, Data: dup(e.Data)}
	}
	return out
}

// Capabilities advertises the protocol versions, cipher suites, extensions,
// proposal types, and credential types a member understands, grounded in
// aws-mls-rs's tree_kem/capabilities.rs.
type Capabilities struct {
	ProtocolVersions []ProtocolVersion `tls:"head=1"`
	CipherSuites     []CipherSuite     `tls:"head=1"`
	Extensions       []ExtensionType   `tls:"head=1"`
	Proposals        []ProposalType    `tls:"head=1"`
	Credentials      []CredentialType  `tls:"head=1"`
}

// DefaultCapabilities mirrors Capabilities::default(): every cipher suite
// this module ships, no extra extensions/proposals, and both standard
// credential types.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		ProtocolVersions: []ProtocolVersion{ProtocolVersionMLS10},
		CipherSuites: []CipherSuite{
			MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519,
			MLS10_256_DHKEMX448_AES256GCM_SHA512_Ed448,
		},
		Extensions:  nil,
		Proposals:   nil,
		Credentials: []CredentialType{CredentialTypeBasic, CredentialTypeX509},
	}
}

func (c Capabilities) supportsCredential(t CredentialType) bool {
	for _, x := range c.Credentials {
		if x == t {
			return true
		}
	}
	return false
}

func (c Capabilities) supportsCipherSuite(cs CipherSuite) bool {
	for _, x := range c.CipherSuites {
		if x == cs {
			return true
		}
	}
	return false
}

// Lifetime bounds a KeyPackage's validity window in seconds-since-epoch,
// inclusive on both ends.
type Lifetime struct {
	NotBefore uint64
	NotAfter  uint64
}

func (l Lifetime) validAt(unixSeconds uint64) bool {
	return l.NotBefore <= unixSeconds && unixSeconds <= l.NotAfter
}

func (l Lifetime) selfConsistent() bool {
	return l.NotBefore <= l.NotAfter
}
