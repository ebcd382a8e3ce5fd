package mls

// taggedProposal pairs a Proposal with the Sender that originated it -- the
// bundle-validation rules in spec.md §4.5 (no self-update, no duplicate
// Remove target) all turn on who sent what, not just what was sent.
type taggedProposal struct {
	ref      []byte // nil for a by-value proposal never buffered
	proposal Proposal
	sender   Sender
}

// validateProposalBundle enforces the folding rules spec.md §4.5 lists for
// a commit's accepted proposal set, grounded in
// original_source/aws-mls/src/group/proposal_filter.rs's ProposalApplier.
func validateProposalBundle(tagged []taggedProposal, committer leafIndex, committerIsExternal bool, tree *RatchetTree, kpValidator KeyPackageValidator) error {
	seenUpdateFor := map[leafIndex]bool{}
	seenRemove := map[leafIndex]bool{}
	exclusiveCount := map[ProposalType]int{}
	hasExternalInit := false

	for _, tp := range tagged {
		switch tp.proposal.Type {
		case ProposalTypeUpdate:
			if tp.sender.Type == SenderTypeMember && leafIndex(tp.sender.Index) == committer {
				return newErr(ErrProposalInvalid, "committer's own Update cannot be folded into its commit")
			}
			if tp.sender.Type == SenderTypeMember {
				idx := leafIndex(tp.sender.Index)
				if seenUpdateFor[idx] {
					return newErr(ErrProposalInvalid, "more than one Update for leaf %d", idx)
				}
				seenUpdateFor[idx] = true
			}
		case ProposalTypeRemove:
			idx := tp.proposal.Remove.Removed
			if seenRemove[idx] {
				return newErr(ErrProposalInvalid, "duplicate Remove target %d", idx)
			}
			seenRemove[idx] = true
			if tree.leafAt(idx) == nil {
				return newErr(ErrProposalInvalid, "Remove targets blank leaf %d", idx)
			}
		case ProposalTypeAdd:
			kp := tp.proposal.Add.KeyPackage
			if err := kpValidator.CheckIsValid(&kp, KeyPackageValidationOptions{}); err != nil {
				return wrapErr(ErrProposalInvalid, err, "Add proposal carries invalid key package")
			}
		case ProposalTypeExternalInit:
			hasExternalInit = true
			exclusiveCount[ProposalTypeExternalInit]++
		case ProposalTypeReInit:
			exclusiveCount[ProposalTypeReInit]++
		case ProposalTypeGroupContextExtensions:
			exclusiveCount[ProposalTypeGroupContextExtensions]++
		}
	}

	for _, t := range []ProposalType{ProposalTypeReInit, ProposalTypeExternalInit, ProposalTypeGroupContextExtensions} {
		if exclusiveCount[t] > 1 {
			return newErr(ErrProposalInvalid, "proposal type %d may appear at most once per commit", t)
		}
	}

	if committerIsExternal && !hasExternalInit {
		return newErr(ErrProposalInvalid, "external commit missing ExternalInit proposal")
	}
	if !committerIsExternal && hasExternalInit {
		return newErr(ErrProposalInvalid, "ExternalInit proposal present in a member commit")
	}
	return nil
}

// applyProposalsToTree mutates tree in place (Remove, then Update, then
// Add) per the validated bundle, returning the new leaves' indices in Add
// order (needed to target Welcome messages) and the accepted PSK ids.
func applyProposalsToTree(csp CipherSuiteProvider, tree *RatchetTree, tagged []taggedProposal, groupID []byte) ([]leafIndex, []PreSharedKeyID, error) {
	var addedIndices []leafIndex
	var psks []PreSharedKeyID

	for _, tp := range tagged {
		if tp.proposal.Type != ProposalTypeRemove {
			continue
		}
		tree.RemoveLeaf(tp.proposal.Remove.Removed)
	}
	for _, tp := range tagged {
		if tp.proposal.Type != ProposalTypeUpdate {
			continue
		}
		if tp.sender.Type != SenderTypeMember {
			return nil, nil, newErr(ErrProposalInvalid, "Update proposal from non-member sender")
		}
		idx := leafIndex(tp.sender.Index)
		ln := tp.proposal.Update.LeafNode
		if !ln.VerifySignature(csp, groupID, idx) {
			return nil, nil, newErr(ErrSignatureInvalid, "Update leaf node signature invalid")
		}
		tree.UpdateLeaf(idx, ln)
	}
	for _, tp := range tagged {
		if tp.proposal.Type != ProposalTypeAdd {
			continue
		}
		idx := tree.AddLeaf(tp.proposal.Add.KeyPackage.LeafNode)
		addedIndices = append(addedIndices, idx)
	}
	for _, tp := range tagged {
		if tp.proposal.Type == ProposalTypePreSharedKey {
			psks = append(psks, tp.proposal.PreSharedKey.PSK)
		}
	}
	return addedIndices, psks, nil
}

// resolvePSKSecrets looks up every accepted PSK id's secret via the store,
// in bundle order, matching how pskSecretFromJoiner folds them in.
func resolvePSKSecrets(store PskStore, ids []PreSharedKeyID) ([][]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if store == nil {
		return nil, newErr(ErrProposalInvalid, "PreSharedKey proposal present but no PskStore configured")
	}
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		var secret []byte
		var ok bool
		var err error
		switch id.Type {
		case PSKTypeExternal:
			secret, ok, err = store.Get(id.ExternalID)
		case PSKTypeResumption:
			secret, ok, err = store.Resumption(id.GroupID, id.Epoch)
		default:
			return nil, newErr(ErrProposalInvalid, "unknown PSK type %d", id.Type)
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, newErr(ErrProposalInvalid, "PSK not found in store")
		}
		out = append(out, secret)
	}
	return out, nil
}
