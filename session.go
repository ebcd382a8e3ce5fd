package mls

import (
	"errors"
	"sync"
)

// ErrSessionNoGroup is returned by Session operations invoked before the
// session has created or joined a group. It is a session-usage error, not
// part of the protocol error taxonomy.
var ErrSessionNoGroup = errors.New("mls: session has not created or joined a group")

// Session pairs one member's long-lived key material with its view of a
// single group, the way a messaging client holds them: the signing identity,
// its private key, and the key-package secret store live here; the protocol
// state machine lives in the wrapped Group. Outbound frames are returned and
// inbound frames accepted as raw bytes through the top-level MLSMessage
// codec, so a transport never touches protocol structures.
type Session struct {
	mu sync.Mutex

	csp      CipherSuiteProvider
	identity IdentityProvider
	rules    MlsRules
	storage  KeyPackageStorage
	pskStore PskStore
	opts     NewGroupOptions

	signingIdentity SigningIdentity
	sigPriv         []byte

	group *Group
}

// NewSession builds a session around an existing signing identity. storage
// receives the private halves of every KeyPackage the session publishes, so
// a Welcome arriving later can be joined from.
func NewSession(
	csp CipherSuiteProvider,
	identity IdentityProvider,
	rules MlsRules,
	storage KeyPackageStorage,
	pskStore PskStore,
	signingIdentity SigningIdentity,
	sigPriv []byte,
	opts NewGroupOptions,
) *Session {
	return &Session{
		csp:             csp,
		identity:        identity,
		rules:           rules,
		storage:         storage,
		pskStore:        pskStore,
		opts:            opts,
		signingIdentity: signingIdentity,
		sigPriv:         dup(sigPriv),
	}
}

// newSignedLeaf builds and signs a fresh leaf for this session's identity,
// returning the leaf plus its encryption private key.
func (s *Session) newSignedLeaf(lifetime Lifetime) (LeafNode, []byte, error) {
	leafPriv, leafPub, err := s.csp.KemGenerate()
	if err != nil {
		return LeafNode{}, nil, wrapErr(ErrTreeInvariantViolation, err, "generate leaf encryption key")
	}
	leaf := LeafNode{
		EncryptionKey:   leafPub,
		SigningIdentity: s.signingIdentity,
		Capabilities:    DefaultCapabilities(),
		Source:          KeyPackageSource(lifetime),
	}
	if err := leaf.Sign(s.csp, s.sigPriv, nil, 0); err != nil {
		return LeafNode{}, nil, err
	}
	return leaf, leafPriv, nil
}

// CreateKeyPackage publishes a fresh KeyPackage: a new init keypair and leaf
// keypair are generated, the private halves are stored under the package's
// hash, and the signed package is returned as a wire frame ready to hand to
// a delivery service.
func (s *Session) CreateKeyPackage(lifetime Lifetime) (MLSMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	leaf, leafPriv, err := s.newSignedLeaf(lifetime)
	if err != nil {
		return MLSMessage{}, err
	}
	initPriv, initPub, err := s.csp.KemGenerate()
	if err != nil {
		return MLSMessage{}, wrapErr(ErrTreeInvariantViolation, err, "generate init key")
	}

	kp := KeyPackage{
		Version:     ProtocolVersionMLS10,
		CipherSuite: s.csp.Suite(),
		InitKey:     initPub,
		LeafNode:    leaf,
	}
	if err := kp.Sign(s.csp, s.sigPriv); err != nil {
		return MLSMessage{}, err
	}

	if s.storage != nil {
		secrets := KeyPackageSecrets{
			InitPrivateKey:           initPriv,
			LeafEncryptionPrivateKey: leafPriv,
			SignaturePrivateKey:      dup(s.sigPriv),
		}
		if err := s.storage.Insert(kp.Hash(s.csp), secrets); err != nil {
			return MLSMessage{}, err
		}
	}

	return MLSMessage{Version: ProtocolVersionMLS10, Format: WireFormatKeyPackage, KeyPackage: &kp}, nil
}

// Create starts a new group with this session as its only member.
func (s *Session) Create(groupID []byte, lifetime Lifetime) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.group != nil {
		return newErr(ErrProposalInvalid, "session already holds a group")
	}
	leaf, leafPriv, err := s.newSignedLeaf(lifetime)
	if err != nil {
		return err
	}
	g, err := CreateGroup(s.csp, s.identity, s.rules, s.pskStore, groupID, leaf, leafPriv, s.sigPriv, s.opts)
	if err != nil {
		return err
	}
	s.group = g
	return nil
}

// Join consumes a Welcome addressed to one of this session's stored key
// packages, looking up (and then deleting) its secrets from storage.
// providedTree supplies the ratchet tree when the Welcome's GroupInfo does
// not embed one; pass nil otherwise.
func (s *Session) Join(welcomeMsg MLSMessage, keyPackage *KeyPackage, providedTree []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if welcomeMsg.Format != WireFormatWelcome || welcomeMsg.Welcome == nil {
		return newErr(ErrDecode, "join requires a Welcome message")
	}
	if s.storage == nil {
		return newErr(ErrKeyNotFound, "session has no key package storage to join from")
	}
	kpHash := keyPackage.Hash(s.csp)
	secrets, ok, err := s.storage.Get(kpHash)
	if err != nil {
		return err
	}
	if !ok {
		return newErr(ErrKeyNotFound, "no stored secrets for this key package")
	}

	var tree *RatchetTree
	if providedTree != nil {
		tree, err = ImportRatchetTree(s.csp, providedTree)
		if err != nil {
			return err
		}
	}

	g, err := JoinGroup(s.csp, s.identity, s.rules, *welcomeMsg.Welcome, keyPackage, secrets, tree, s.pskStore, s.opts)
	if err != nil {
		return err
	}
	s.group = g
	return s.storage.Delete(kpHash)
}

// Group exposes the wrapped state machine for operations the session does
// not mirror (external commit construction, exporter secrets, policy reads).
func (s *Session) Group() *Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group
}

func (s *Session) currentGroup() (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group == nil {
		return nil, ErrSessionNoGroup
	}
	return s.group, nil
}

// ParticipantCount is the number of occupied leaves in the current epoch.
func (s *Session) ParticipantCount() (uint32, error) {
	g, err := s.currentGroup()
	if err != nil {
		return 0, err
	}
	return uint32(len(g.Roster())), nil
}

// Roster returns the members' credentials in leaf order.
func (s *Session) Roster() ([]Credential, error) {
	g, err := s.currentGroup()
	if err != nil {
		return nil, err
	}
	leaves := g.Roster()
	out := make([]Credential, len(leaves))
	for i, l := range leaves {
		out[i] = l.SigningIdentity.Credential
	}
	return out, nil
}

// ExportTree serializes the current ratchet tree for out-of-band delivery to
// a joiner whose Welcome omits the tree extension.
func (s *Session) ExportTree() ([]byte, error) {
	g, err := s.currentGroup()
	if err != nil {
		return nil, err
	}
	return g.ExportTree()
}

// ProposeAdd broadcasts an Add proposal for the given key package, returning
// the frame to send.
func (s *Session) ProposeAdd(keyPackage KeyPackage) ([]byte, error) {
	g, err := s.currentGroup()
	if err != nil {
		return nil, err
	}
	msg, err := g.Propose(Proposal{Type: ProposalTypeAdd, Add: &AddProposal{KeyPackage: keyPackage}})
	if err != nil {
		return nil, err
	}
	return msg.ToBytes()
}

// ProposeUpdate broadcasts an Update proposal rotating this session's own
// leaf encryption key.
func (s *Session) ProposeUpdate() ([]byte, error) {
	g, err := s.currentGroup()
	if err != nil {
		return nil, err
	}
	msg, err := g.ProposeUpdate(s.signingIdentity)
	if err != nil {
		return nil, err
	}
	return msg.ToBytes()
}

// ProposeRemove broadcasts a Remove proposal for the given leaf index.
func (s *Session) ProposeRemove(index uint32) ([]byte, error) {
	g, err := s.currentGroup()
	if err != nil {
		return nil, err
	}
	msg, err := g.Propose(Proposal{Type: ProposalTypeRemove, Remove: &RemoveProposal{Removed: leafIndex(index)}})
	if err != nil {
		return nil, err
	}
	return msg.ToBytes()
}

// Commit folds the buffered proposals (plus extra by-value ones) into a
// candidate next epoch, returning the commit frame and one Welcome frame per
// added member. The session stays on the current epoch until
// ApplyPendingCommit.
func (s *Session) Commit(extra []Proposal) ([]byte, [][]byte, error) {
	g, err := s.currentGroup()
	if err != nil {
		return nil, nil, err
	}
	commitMsg, welcomes, err := g.Commit(extra)
	if err != nil {
		return nil, nil, err
	}
	commitBytes, err := commitMsg.ToBytes()
	if err != nil {
		return nil, nil, err
	}
	welcomeBytes := make([][]byte, 0, len(welcomes))
	for _, w := range welcomes {
		wb, err := w.ToBytes()
		if err != nil {
			return nil, nil, err
		}
		welcomeBytes = append(welcomeBytes, wb)
	}
	return commitBytes, welcomeBytes, nil
}

// ApplyPendingCommit advances to the epoch the last Commit built.
func (s *Session) ApplyPendingCommit() (uint64, error) {
	g, err := s.currentGroup()
	if err != nil {
		return 0, err
	}
	return g.ApplyPendingCommit()
}

// ClearPendingCommit abandons the candidate epoch the last Commit built.
func (s *Session) ClearPendingCommit() {
	g, err := s.currentGroup()
	if err != nil {
		return
	}
	g.DiscardPendingCommit()
}

// ProcessIncomingBytes decodes and applies a received frame.
func (s *Session) ProcessIncomingBytes(data []byte) (*ProcessedMessage, error) {
	g, err := s.currentGroup()
	if err != nil {
		return nil, err
	}
	msg, err := MLSMessageFromBytes(data)
	if err != nil {
		return nil, err
	}
	return g.ProcessIncomingMessage(msg)
}

// EncryptApplicationData seals application plaintext for the group, returning
// the PrivateMessage frame bytes.
func (s *Session) EncryptApplicationData(data []byte) ([]byte, error) {
	g, err := s.currentGroup()
	if err != nil {
		return nil, err
	}
	msg, err := g.EncryptApplicationMessage(data, nil)
	if err != nil {
		return nil, err
	}
	return msg.ToBytes()
}

// HasEqualState reports whether two sessions agree on their group: same
// group id, same epoch, same epoch authenticator.
func (s *Session) HasEqualState(other *Session) bool {
	g, err := s.currentGroup()
	if err != nil {
		return false
	}
	og, err := other.currentGroup()
	if err != nil {
		return false
	}
	return string(g.GroupID()) == string(og.GroupID()) &&
		g.Epoch() == og.Epoch() &&
		string(g.EpochAuthenticator()) == string(og.EpochAuthenticator())
}
