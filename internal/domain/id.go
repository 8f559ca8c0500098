package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SubscriptionID identifies a published Demand or Offer registration.
type SubscriptionID string

// NewSubscriptionID generates a fresh subscription id.
func NewSubscriptionID() SubscriptionID {
	return SubscriptionID(uuid.New().String())
}

// ProposalID identifies a single proposal, tagged with the role that
// issued it. The same underlying id is visible to the counterpart with
// the owner tag swapped.
type ProposalID struct {
	ID    string
	Owner Owner
}

// NewProposalID generates a fresh proposal id owned by the given role.
func NewProposalID(owner Owner) ProposalID {
	return ProposalID{ID: uuid.New().String(), Owner: owner}
}

// SwapOwner returns the counterpart's view of the same proposal id.
func (p ProposalID) SwapOwner() ProposalID {
	return ProposalID{ID: p.ID, Owner: p.Owner.Swap()}
}

// String encodes the id with its owner prefix, e.g. "P-<uuid>".
func (p ProposalID) String() string {
	return ownerPrefix(p.Owner) + "-" + p.ID
}

// ParseProposalID decodes an owner-prefixed proposal id string.
func ParseProposalID(s string) (ProposalID, error) {
	owner, id, err := splitOwnerTag(s)
	if err != nil {
		return ProposalID{}, fmt.Errorf("invalid proposal id %q: %w", s, err)
	}
	return ProposalID{ID: id, Owner: owner}, nil
}

// AgreementID identifies an agreement, owner-tagged like ProposalID.
type AgreementID struct {
	ID    string
	Owner Owner
}

// NewAgreementID generates a fresh agreement id owned by the given role.
func NewAgreementID(owner Owner) AgreementID {
	return AgreementID{ID: uuid.New().String(), Owner: owner}
}

// SwapOwner returns the counterpart's view of the same agreement id.
func (a AgreementID) SwapOwner() AgreementID {
	return AgreementID{ID: a.ID, Owner: a.Owner.Swap()}
}

// String encodes the id with its owner prefix.
func (a AgreementID) String() string {
	return ownerPrefix(a.Owner) + "-" + a.ID
}

// ParseAgreementID decodes an owner-prefixed agreement id string.
func ParseAgreementID(s string) (AgreementID, error) {
	owner, id, err := splitOwnerTag(s)
	if err != nil {
		return AgreementID{}, fmt.Errorf("invalid agreement id %q: %w", s, err)
	}
	return AgreementID{ID: id, Owner: owner}, nil
}

func ownerPrefix(o Owner) string {
	if o == OwnerProvider {
		return "P"
	}
	return "R"
}

func splitOwnerTag(s string) (Owner, string, error) {
	prefix, id, ok := strings.Cut(s, "-")
	if !ok || id == "" {
		return "", "", fmt.Errorf("missing owner prefix")
	}
	switch prefix {
	case "P":
		return OwnerProvider, id, nil
	case "R":
		return OwnerRequestor, id, nil
	}
	return "", "", fmt.Errorf("unknown owner prefix %q", prefix)
}
