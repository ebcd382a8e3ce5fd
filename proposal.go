package mls

// PSKType distinguishes an externally-provisioned PSK from one derived by
// resumption from a past epoch.
type PSKType uint8

const (
	PSKTypeExternal   PSKType = 1
	PSKTypeResumption PSKType = 2
)

// PreSharedKeyID identifies a PSK input to the key schedule: either an
// opaque external ID or a (group id, epoch) resumption reference.
type PreSharedKeyID struct {
	Type          PSKType
	ExternalID    []byte `tls:"head=2"`
	GroupID       []byte `tls:"head=2"`
	Epoch         uint64
	Nonce         []byte `tls:"head=1"`
}

type AddProposal struct {
	KeyPackage KeyPackage
}

type UpdateProposal struct {
	LeafNode LeafNode
}

type RemoveProposal struct {
	Removed leafIndex
}

type PreSharedKeyProposal struct {
	PSK PreSharedKeyID
}

type ReInitProposal struct {
	GroupID     []byte `tls:"head=1"`
	Version     ProtocolVersion
	CipherSuite CipherSuite
	Extensions  extensionList
}

type ExternalInitProposal struct {
	KemOutput []byte `tls:"head=2"`
}

type GroupContextExtensionsProposal struct {
	Extensions extensionList
}

// CustomProposal carries a proposal type this implementation does not
// recognize, preserving its payload through round-trip the same way unknown
// credential and extension types are preserved.
type CustomProposal struct {
	Type ProposalType
	Data []byte
}

// Proposal is the tagged union spec.md §3 defines: Add, Update, Remove,
// PreSharedKey, ReInit, ExternalInit, GroupContextExtensions -- plus the
// open-enum Custom carrier for unrecognized types.
type Proposal struct {
	Type                   ProposalType
	Add                    *AddProposal
	Update                 *UpdateProposal
	Remove                 *RemoveProposal
	PreSharedKey           *PreSharedKeyProposal
	ReInit                 *ReInitProposal
	ExternalInit           *ExternalInitProposal
	GroupContextExtensions *GroupContextExtensionsProposal
	Custom                 *CustomProposal
}

// proposalWire length-prefixes the body so a decoder can carry an unknown
// proposal type through without understanding its payload.
type proposalWire struct {
	Type ProposalType
	Body []byte `tls:"head=4"`
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	var body []byte
	var err error
	switch p.Type {
	case ProposalTypeAdd:
		body, err = marshal(*p.Add)
	case ProposalTypeUpdate:
		body, err = marshal(*p.Update)
	case ProposalTypeRemove:
		body, err = marshal(struct{ Removed uint32 }{uint32(p.Remove.Removed)})
	case ProposalTypePreSharedKey:
		body, err = marshal(*p.PreSharedKey)
	case ProposalTypeReInit:
		body, err = marshal(*p.ReInit)
	case ProposalTypeExternalInit:
		body, err = marshal(*p.ExternalInit)
	case ProposalTypeGroupContextExtensions:
		body, err = marshal(*p.GroupContextExtensions)
	default:
		if p.Custom == nil {
			return nil, newErr(ErrDecode, "unknown proposal type %d", p.Type)
		}
		body = dup(p.Custom.Data)
	}
	if err != nil {
		return nil, err
	}
	return marshal(proposalWire{Type: p.Type, Body: body})
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	var w proposalWire
	n, err := unmarshal(data, &w)
	if err != nil {
		return 0, err
	}
	switch w.Type {
	case ProposalTypeAdd:
		var v AddProposal
		if err := unmarshalExact(w.Body, &v); err != nil {
			return 0, err
		}
		*p = Proposal{Type: w.Type, Add: &v}
	case ProposalTypeUpdate:
		var v UpdateProposal
		if err := unmarshalExact(w.Body, &v); err != nil {
			return 0, err
		}
		*p = Proposal{Type: w.Type, Update: &v}
	case ProposalTypeRemove:
		var v struct{ Removed uint32 }
		if err := unmarshalExact(w.Body, &v); err != nil {
			return 0, err
		}
		*p = Proposal{Type: w.Type, Remove: &RemoveProposal{Removed: leafIndex(v.Removed)}}
	case ProposalTypePreSharedKey:
		var v PreSharedKeyProposal
		if err := unmarshalExact(w.Body, &v); err != nil {
			return 0, err
		}
		*p = Proposal{Type: w.Type, PreSharedKey: &v}
	case ProposalTypeReInit:
		var v ReInitProposal
		if err := unmarshalExact(w.Body, &v); err != nil {
			return 0, err
		}
		*p = Proposal{Type: w.Type, ReInit: &v}
	case ProposalTypeExternalInit:
		var v ExternalInitProposal
		if err := unmarshalExact(w.Body, &v); err != nil {
			return 0, err
		}
		*p = Proposal{Type: w.Type, ExternalInit: &v}
	case ProposalTypeGroupContextExtensions:
		var v GroupContextExtensionsProposal
		if err := unmarshalExact(w.Body, &v); err != nil {
			return 0, err
		}
		*p = Proposal{Type: w.Type, GroupContextExtensions: &v}
	default:
		*p = Proposal{Type: w.Type, Custom: &CustomProposal{Type: w.Type, Data: w.Body}}
	}
	return n, nil
}

// ProposalOrRef carries either a full Proposal (by value) or a 16-byte hash
// reference to one previously sent by reference, matching spec.md §3.
type ProposalOrRef struct {
	ByValue *Proposal
	ByRef   []byte // 16-byte proposal reference when ByValue is nil
}

const proposalRefSize = 16

func proposalRef(csp CipherSuiteProvider, p Proposal) []byte {
	data := mustMarshal(p)
	return csp.Hash(data)[:proposalRefSize]
}

type proposalOrRefWire struct {
	IsRef uint8
}

func (r ProposalOrRef) MarshalTLS() ([]byte, error) {
	if r.ByValue != nil {
		hdr := mustMarshal(proposalOrRefWire{IsRef: 0})
		body, err := marshal(*r.ByValue)
		if err != nil {
			return nil, err
		}
		return append(hdr, body...), nil
	}
	hdr := mustMarshal(proposalOrRefWire{IsRef: 1})
	body, err := marshal(struct {
		Ref []byte `tls:"head=1"`
	}{r.ByRef})
	if err != nil {
		return nil, err
	}
	return append(hdr, body...), nil
}

func (r *ProposalOrRef) UnmarshalTLS(data []byte) (int, error) {
	var hdr proposalOrRefWire
	n, err := unmarshal(data, &hdr)
	if err != nil {
		return 0, err
	}
	rest := data[n:]
	if hdr.IsRef != 0 {
		var body struct {
			Ref []byte `tls:"head=1"`
		}
		m, err := unmarshal(rest, &body)
		if err != nil {
			return 0, err
		}
		*r = ProposalOrRef{ByRef: body.Ref}
		return n + m, nil
	}
	var p Proposal
	m, err := unmarshal(rest, &p)
	if err != nil {
		return 0, err
	}
	*r = ProposalOrRef{ByValue: &p}
	return n + m, nil
}
