package mls

import "bytes"

// WireFormat discriminates the five top-level frame kinds spec.md §6 names.
type WireFormat uint16

const (
	WireFormatPublicMessage  WireFormat = 1
	WireFormatPrivateMessage WireFormat = 2
	WireFormatWelcome        WireFormat = 3
	WireFormatGroupInfo      WireFormat = 4
	WireFormatKeyPackage     WireFormat = 5
)

// ContentType discriminates the three payload kinds a framed message can
// carry.
type ContentType uint8

const (
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

// SenderType discriminates the four sender kinds a frame can carry.
type SenderType uint8

const (
	SenderTypeMember           SenderType = 1
	SenderTypeExternal         SenderType = 2
	SenderTypeNewMemberCommit  SenderType = 3
	SenderTypeNewMemberProposal SenderType = 4
)

// Sender is a closed tagged union: Member/External carry an index, the two
// NewMember variants carry none.
type Sender struct {
	Type  SenderType
	Index uint32
}

func MemberSender(index leafIndex) Sender {
	return Sender{Type: SenderTypeMember, Index: uint32(index)}
}

// Content is the closed tagged union {Application, Proposal, Commit} a
// framed message carries.
type Content struct {
	Type        ContentType
	Application []byte `tls:"head=4"`
	Proposal    *Proposal
	Commit      *Commit
}

func (c Content) contentType() ContentType { return c.Type }

type contentWire struct {
	Type ContentType
}

func (c Content) MarshalTLS() ([]byte, error) {
	hdr := mustMarshal(contentWire{Type: c.Type})
	var body []byte
	var err error
	switch c.Type {
	case ContentTypeApplication:
		body, err = marshal(struct {
			Data []byte `tls:"head=4"`
		}{c.Application})
	case ContentTypeProposal:
		body, err = marshal(*c.Proposal)
	case ContentTypeCommit:
		body, err = marshal(*c.Commit)
	default:
		return nil, newErr(ErrDecode, "unknown content type %d", c.Type)
	}
	if err != nil {
		return nil, err
	}
	return append(hdr, body...), nil
}

func (c *Content) UnmarshalTLS(data []byte) (int, error) {
	var hdr contentWire
	n, err := unmarshal(data, &hdr)
	if err != nil {
		return 0, err
	}
	rest := data[n:]
	switch hdr.Type {
	case ContentTypeApplication:
		var body struct {
			Data []byte `tls:"head=4"`
		}
		m, err := unmarshal(rest, &body)
		if err != nil {
			return 0, err
		}
		*c = Content{Type: hdr.Type, Application: body.Data}
		return n + m, nil
	case ContentTypeProposal:
		var p Proposal
		m, err := unmarshal(rest, &p)
		if err != nil {
			return 0, err
		}
		*c = Content{Type: hdr.Type, Proposal: &p}
		return n + m, nil
	case ContentTypeCommit:
		var cm Commit
		m, err := unmarshal(rest, &cm)
		if err != nil {
			return 0, err
		}
		*c = Content{Type: hdr.Type, Commit: &cm}
		return n + m, nil
	default:
		return 0, newErr(ErrDecode, "unknown content type %d", hdr.Type)
	}
}

// FramedContent is the common envelope (group id, epoch, sender, AAD,
// content) both PublicMessage and PrivateMessage authenticate, named
// MLSContent in original_source/aws-mls/src/group/framing.rs.
type FramedContent struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             uint64
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`
	Content           Content
}

// FramedContentTBS is what gets signed: the framed content plus the group
// context (only for member senders, per the original's SenderType::Member
// branch) and the wire format it will be sent under.
type FramedContentTBS struct {
	WireFormat WireFormat
	Content    FramedContent
	Context    *GroupContext
}

type framedContentTBSWire struct {
	WireFormat WireFormat
	Content    FramedContent
	HasContext uint8
}

// MarshalTLS renders the to-be-signed form; it is never decoded, only
// reproduced byte-for-byte by verifiers.
func (t FramedContentTBS) MarshalTLS() ([]byte, error) {
	hdr, err := marshal(framedContentTBSWire{WireFormat: t.WireFormat, Content: t.Content, HasContext: presenceOctet(t.Context != nil)})
	if err != nil {
		return nil, err
	}
	if t.Context == nil {
		return hdr, nil
	}
	body, err := marshal(*t.Context)
	if err != nil {
		return nil, err
	}
	return append(hdr, body...), nil
}

func signContentTBS(content FramedContent, wireFormat WireFormat, ctx *GroupContext) FramedContentTBS {
	tbs := FramedContentTBS{WireFormat: wireFormat, Content: content}
	if content.Sender.Type == SenderTypeMember {
		tbs.Context = ctx
	}
	return tbs
}

// FramedContentAuthData is the signature (and, for Commits, confirmation
// tag) bound to a FramedContent.
type FramedContentAuthData struct {
	Signature       []byte `tls:"head=2"`
	ConfirmationTag []byte `tls:"head=1"` // empty unless Content.Type == Commit
}

// PublicMessage is a signed, membership-tag-MAC'd handshake/application
// frame, the analog of MLSPlaintext.
type PublicMessage struct {
	Content       FramedContent
	Auth          FramedContentAuthData
	MembershipTag []byte `tls:"head=1"` // present iff Content.Sender.Type == Member
}

type publicMessageWire struct {
	Content FramedContent
	Auth    FramedContentAuthData
}

func (m PublicMessage) MarshalTLS() ([]byte, error) {
	data := mustMarshal(publicMessageWire{Content: m.Content, Auth: m.Auth})
	if m.Content.Sender.Type != SenderTypeMember {
		return data, nil
	}
	tag, err := marshal(struct {
		Tag []byte `tls:"head=1"`
	}{m.MembershipTag})
	if err != nil {
		return nil, err
	}
	return append(data, tag...), nil
}

func (m *PublicMessage) UnmarshalTLS(data []byte) (int, error) {
	var w publicMessageWire
	n, err := unmarshal(data, &w)
	if err != nil {
		return 0, err
	}
	m.Content = w.Content
	m.Auth = w.Auth
	if w.Content.Sender.Type != SenderTypeMember {
		m.MembershipTag = nil
		return n, nil
	}
	var tag struct {
		Tag []byte `tls:"head=1"`
	}
	mm, err := unmarshal(data[n:], &tag)
	if err != nil {
		return 0, err
	}
	m.MembershipTag = tag.Tag
	return n + mm, nil
}

// sign installs Auth.Signature over the content's to-be-signed form.
func (m *PublicMessage) sign(csp CipherSuiteProvider, priv []byte, ctx *GroupContext) error {
	tbs := signContentTBS(m.Content, WireFormatPublicMessage, ctx)
	data, err := marshal(tbs)
	if err != nil {
		return err
	}
	sig, err := csp.Sign(priv, data)
	if err != nil {
		return err
	}
	m.Auth.Signature = sig
	return nil
}

func (m *PublicMessage) verifySignature(csp CipherSuiteProvider, signerKey []byte, ctx *GroupContext) bool {
	tbs := signContentTBS(m.Content, WireFormatPublicMessage, ctx)
	data, err := marshal(tbs)
	if err != nil {
		return false
	}
	return csp.Verify(signerKey, data, m.Auth.Signature)
}

// membershipTagInput is MLSPlaintextTBM: the to-be-signed content, the
// signature, and the optional confirmation tag, MAC'd under membership_key.
type membershipTagInput struct {
	TBS             FramedContentTBS
	Signature       []byte `tls:"head=2"`
	ConfirmationTag []byte `tls:"head=1"`
}

func computeMembershipTag(csp CipherSuiteProvider, membershipKey []byte, m PublicMessage, ctx *GroupContext) []byte {
	tbs := signContentTBS(m.Content, WireFormatPublicMessage, ctx)
	data := mustMarshal(membershipTagInput{TBS: tbs, Signature: m.Auth.Signature, ConfirmationTag: m.Auth.ConfirmationTag})
	mac := csp.HkdfExpandLabel(membershipKey, "membership tag", csp.Hash(data), csp.Constants().HashSize)
	return mac
}

func (m *PublicMessage) setMembershipTag(csp CipherSuiteProvider, membershipKey []byte, ctx *GroupContext) {
	m.MembershipTag = computeMembershipTag(csp, membershipKey, *m, ctx)
}

func (m *PublicMessage) verifyMembershipTag(csp CipherSuiteProvider, membershipKey []byte, ctx *GroupContext) bool {
	expected := computeMembershipTag(csp, membershipKey, *m, ctx)
	return bytes.Equal(expected, m.MembershipTag)
}

// computeConfirmationTag binds the confirmation key to the freshly computed
// confirmed transcript hash: MAC(confirmation_key, confirmed_transcript_hash).
func computeConfirmationTag(csp CipherSuiteProvider, confirmationKey, confirmedTranscriptHash []byte) []byte {
	return csp.HkdfExpandLabel(confirmationKey, "confirm", confirmedTranscriptHash, csp.Constants().HashSize)
}

// PrivateMessageContent is the AEAD-sealed portion of a PrivateMessage: the
// content (which encodes its own content type), its auth data, and
// all-zero padding.
type PrivateMessageContent struct {
	Content Content
	Auth    FramedContentAuthData
	Padding []byte
}

type privateMessageContentWire struct {
	Content Content
	Auth    FramedContentAuthData
}

func (c PrivateMessageContent) MarshalTLS() ([]byte, error) {
	data, err := marshal(privateMessageContentWire{Content: c.Content, Auth: c.Auth})
	if err != nil {
		return nil, err
	}
	return append(data, c.Padding...), nil
}

// decodePrivateMessageContent parses a PrivateMessageContent and rejects any
// non-zero trailing padding byte, per spec.md §4.1 and scenario S8.
func decodePrivateMessageContent(data []byte) (PrivateMessageContent, error) {
	var w privateMessageContentWire
	n, err := unmarshal(data, &w)
	if err != nil {
		return PrivateMessageContent{}, err
	}
	padding := data[n:]
	for _, b := range padding {
		if b != 0 {
			return PrivateMessageContent{}, newErr(ErrDecode, "non-zero padding")
		}
	}
	return PrivateMessageContent{Content: w.Content, Auth: w.Auth, Padding: padding}, nil
}

// PrivateMessageContentAAD is the associated data bound to the AEAD seal:
// everything identifying which (group, epoch, content type) the ciphertext
// belongs to, plus caller-supplied authenticated_data.
type PrivateMessageContentAAD struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             uint64
	ContentType       ContentType
	AuthenticatedData []byte `tls:"head=4"`
}

// PrivateMessage is an AEAD-encrypted handshake/application frame, the
// analog of MLSCiphertext: cleartext routing fields plus an encrypted
// sender-data header and an encrypted content.
type PrivateMessage struct {
	GroupID             []byte `tls:"head=1"`
	Epoch               uint64
	ContentType         ContentType
	AuthenticatedData   []byte `tls:"head=4"`
	EncryptedSenderData []byte `tls:"head=1"`
	Ciphertext          []byte `tls:"head=4"`
}

// SenderData is the plaintext of EncryptedSenderData: which leaf sent this,
// at which (generation, reuse-guard) in its ratchet.
type SenderData struct {
	LeafIndex  uint32
	Generation uint32
	ReuseGuard [4]byte
}

// SenderDataAAD binds the sender-data ciphertext to the frame it belongs to.
type SenderDataAAD struct {
	GroupID     []byte `tls:"head=1"`
	Epoch       uint64
	ContentType ContentType
}

// MLSMessage is the top-level frame: a protocol version plus a
// wire-format-tagged payload (PublicMessage | PrivateMessage | Welcome |
// GroupInfo | KeyPackage).
type MLSMessage struct {
	Version        ProtocolVersion
	Format         WireFormat
	PublicMessage  *PublicMessage
	PrivateMessage *PrivateMessage
	Welcome        *Welcome
	GroupInfo      *GroupInfo
	KeyPackage     *KeyPackage
}

type mlsMessageWire struct {
	Version ProtocolVersion
	Format  WireFormat
}

func (m MLSMessage) MarshalTLS() ([]byte, error) {
	hdr := mustMarshal(mlsMessageWire{Version: m.Version, Format: m.Format})
	var body []byte
	var err error
	switch m.Format {
	case WireFormatPublicMessage:
		body, err = marshal(*m.PublicMessage)
	case WireFormatPrivateMessage:
		body, err = marshal(*m.PrivateMessage)
	case WireFormatWelcome:
		body, err = marshal(*m.Welcome)
	case WireFormatGroupInfo:
		body, err = marshal(*m.GroupInfo)
	case WireFormatKeyPackage:
		body, err = marshal(*m.KeyPackage)
	default:
		return nil, newErr(ErrDecode, "unknown wire format %d", m.Format)
	}
	if err != nil {
		return nil, err
	}
	return append(hdr, body...), nil
}

func (m *MLSMessage) UnmarshalTLS(data []byte) (int, error) {
	var hdr mlsMessageWire
	n, err := unmarshal(data, &hdr)
	if err != nil {
		return 0, err
	}
	rest := data[n:]
	m.Version = hdr.Version
	m.Format = hdr.Format
	switch hdr.Format {
	case WireFormatPublicMessage:
		var v PublicMessage
		mm, err := unmarshal(rest, &v)
		if err != nil {
			return 0, err
		}
		m.PublicMessage = &v
		return n + mm, nil
	case WireFormatPrivateMessage:
		var v PrivateMessage
		mm, err := unmarshal(rest, &v)
		if err != nil {
			return 0, err
		}
		m.PrivateMessage = &v
		return n + mm, nil
	case WireFormatWelcome:
		var v Welcome
		mm, err := unmarshal(rest, &v)
		if err != nil {
			return 0, err
		}
		m.Welcome = &v
		return n + mm, nil
	case WireFormatGroupInfo:
		var v GroupInfo
		mm, err := unmarshal(rest, &v)
		if err != nil {
			return 0, err
		}
		m.GroupInfo = &v
		return n + mm, nil
	case WireFormatKeyPackage:
		var v KeyPackage
		mm, err := unmarshal(rest, &v)
		if err != nil {
			return 0, err
		}
		m.KeyPackage = &v
		return n + mm, nil
	default:
		return 0, newErr(ErrDecode, "unknown wire format %d", hdr.Format)
	}
}

// ToBytes encodes the frame as a top-level, trailing-byte-free message.
func (m MLSMessage) ToBytes() ([]byte, error) {
	return marshal(m)
}

// MLSMessageFromBytes decodes a top-level frame, rejecting trailing bytes.
func MLSMessageFromBytes(data []byte) (MLSMessage, error) {
	var m MLSMessage
	if err := unmarshalExact(data, &m); err != nil {
		return MLSMessage{}, err
	}
	return m, nil
}
