package mls

// ProposalSource identifies where a proposal bundle came from, used by
// MlsRules.FilterProposals to apply direction-specific policy.
type ProposalSource int

const (
	ProposalSourceMember ProposalSource = iota
	ProposalSourceExternal
	ProposalSourceNewMember
)

// ProposalDirection distinguishes proposals this member is about to send
// from ones it received.
type ProposalDirection int

const (
	ProposalDirectionSend ProposalDirection = iota
	ProposalDirectionReceive
)

// ProposalBundle groups accepted proposals by kind, mirroring the shape a
// commit builder needs when deciding what to fold into a path update.
type ProposalBundle struct {
	Adds                    []AddProposal
	Updates                 []UpdateProposal
	Removes                 []RemoveProposal
	PreSharedKeys           []PreSharedKeyProposal
	ReInits                 []ReInitProposal
	ExternalInits           []ExternalInitProposal
	GroupContextExtensions  []GroupContextExtensionsProposal
	Customs                 []CustomProposal
}

// CommitOptions controls whether a commit must carry a path update, whether
// the ratchet tree accompanies the Welcome, and whether non-members may
// external-commit into the group.
type CommitOptions struct {
	PathRequired          bool
	RatchetTreeExtension  bool
	AllowExternalCommit   bool
}

// PaddingMode selects how PrivateMessageContent is padded before AEAD
// sealing.
type PaddingMode struct {
	StepBytes uint32 // 0 means no padding
}

// EncryptionOptions controls whether handshake messages are sent as
// PublicMessage (signed+MAC'd) or PrivateMessage (AEAD-encrypted), and the
// padding applied to ciphertexts.
type EncryptionOptions struct {
	EncryptControlMessages bool
	Padding                PaddingMode
}

// MlsRules is the policy hook set: filtering proposals, deciding commit
// shape, and deciding encryption shape. All three are pure functions of
// their inputs.
type MlsRules interface {
	FilterProposals(direction ProposalDirection, source ProposalSource, roster []LeafNode, bundle ProposalBundle) (ProposalBundle, error)
	CommitOptions(roster []LeafNode, bundle ProposalBundle) CommitOptions
	EncryptionOptions() EncryptionOptions
}

// DefaultMlsRules accepts every syntactically valid proposal, requires a path
// update only when the bundle carries an Update or a Remove, always attaches the ratchet tree to Welcome, and never
// encrypts control messages -- the defaults spec.md §4.6 names.
type DefaultMlsRules struct{}

func (DefaultMlsRules) FilterProposals(_ ProposalDirection, _ ProposalSource, _ []LeafNode, bundle ProposalBundle) (ProposalBundle, error) {
	return bundle, nil
}

func (DefaultMlsRules) CommitOptions(_ []LeafNode, bundle ProposalBundle) CommitOptions {
	return CommitOptions{
		PathRequired:         len(bundle.Updates) > 0 || len(bundle.Removes) > 0,
		RatchetTreeExtension: true,
		AllowExternalCommit:  true,
	}
}

func (DefaultMlsRules) EncryptionOptions() EncryptionOptions {
	return EncryptionOptions{EncryptControlMessages: false}
}
