package mls

// GroupContext is hashed into every signature and into the key schedule; it
// is the authenticated summary of "what epoch, what tree, what history" a
// member is operating against.
type GroupContext struct {
	Version                   ProtocolVersion
	CipherSuite               CipherSuite
	GroupID                   []byte `tls:"head=1"`
	Epoch                     uint64
	TreeHash                  []byte `tls:"head=1"`
	ConfirmedTranscriptHash   []byte `tls:"head=1"`
	Extensions                extensionList
}

func (gc GroupContext) clone() GroupContext {
	return GroupContext{
		Version:                 gc.Version,
		CipherSuite:             gc.CipherSuite,
		GroupID:                 dup(gc.GroupID),
		Epoch:                   gc.Epoch,
		TreeHash:                dup(gc.TreeHash),
		ConfirmedTranscriptHash: dup(gc.ConfirmedTranscriptHash),
		Extensions:              gc.Extensions,
	}
}

// confirmedTranscriptHashInput is the content hashed, per commit, into the
// running confirmed transcript hash.
type confirmedTranscriptHashInput struct {
	WireFormat            WireFormat
	ContentBytes          []byte `tls:"head=4"` // encoded MLSContent (group_id, epoch, sender, auth_data, commit)
	Signature             []byte `tls:"head=2"`
}

// interimTranscriptHashInput appends the confirmation tag to the confirmed
// transcript hash to produce the interim hash used as the *next* commit's
// predecessor, per the RFC's two-hash interleaving.
type interimTranscriptHashInput struct {
	ConfirmationTag []byte `tls:"head=1"`
}

// nextConfirmedTranscriptHash computes
// Hash(interim_transcript_hash || confirmed_transcript_hash_input).
func nextConfirmedTranscriptHash(csp CipherSuiteProvider, interimHash []byte, wireFormat WireFormat, contentBytes []byte, signature []byte) []byte {
	input := mustMarshal(confirmedTranscriptHashInput{
		WireFormat:   wireFormat,
		ContentBytes: contentBytes,
		Signature:    signature,
	})
	return csp.Hash(append(dup(interimHash), input...))
}

// nextInterimTranscriptHash computes Hash(confirmed_transcript_hash ||
// interim_transcript_hash_input), ready to seed the next commit.
func nextInterimTranscriptHash(csp CipherSuiteProvider, confirmedHash []byte, confirmationTag []byte) []byte {
	input := mustMarshal(interimTranscriptHashInput{ConfirmationTag: confirmationTag})
	return csp.Hash(append(dup(confirmedHash), input...))
}
