package domain

import (
	"fmt"
	"time"
)

// ProposalState represents the lifecycle state of a proposal.
type ProposalState string

const (
	// ProposalInitial is the state of a proposal derived directly from a
	// raw Demand/Offer match, before any party has countered it.
	ProposalInitial  ProposalState = "initial"
	ProposalDraft    ProposalState = "draft"
	ProposalRejected ProposalState = "rejected"
	ProposalAccepted ProposalState = "accepted"
	ProposalExpired  ProposalState = "expired"
)

// IsTerminal returns true for absorbing states. Terminal proposals can
// never transition again.
func (s ProposalState) IsTerminal() bool {
	switch s {
	case ProposalRejected, ProposalAccepted, ProposalExpired:
		return true
	}
	return false
}

// CheckProposalTransition validates a proposal state change. Transitions
// are monotonic: terminal states are absorbing and Initial can never be
// re-entered.
func CheckProposalTransition(from, to ProposalState) error {
	if from.IsTerminal() || to == ProposalInitial || from == to {
		return &InvalidTransitionError{Entity: "proposal", From: string(from), To: string(to)}
	}
	return nil
}

// ProposalBody is the negotiable content of one proposal: the issuing
// side's property set and its constraints over the counterpart.
type ProposalBody struct {
	ID             ProposalID
	Properties     []string
	Constraints    string
	Issuer         Issuer
	PrevProposalID *ProposalID // nil iff first proposal in the chain
	CreatedAt      time.Time
}

// Negotiation pins a proposal to its subscription and to the two
// negotiating parties. It is copied unchanged down the proposal chain.
type Negotiation struct {
	SubscriptionID SubscriptionID
	OfferID        SubscriptionID
	DemandID       SubscriptionID
	ProviderID     NodeID
	RequestorID    NodeID
}

// NodeFor returns the party identity authorized to act as the given role.
func (n Negotiation) NodeFor(role Owner) NodeID {
	if role == OwnerProvider {
		return n.ProviderID
	}
	return n.RequestorID
}

// Proposal is one step in a negotiation chain. It is never deleted; its
// state is mutated only through the store's validated transition.
type Proposal struct {
	Body        ProposalBody
	Negotiation Negotiation
	State       ProposalState
}

// IsFirst reports whether this proposal was derived directly from the
// raw Offer/Demand pair, with no negotiation history yet.
func (p *Proposal) IsFirst() bool {
	return p.Body.PrevProposalID == nil
}

// Counter derives the next proposal in the chain from a locally issued
// counter-offer. The new proposal is owned by the countering role and
// enters the Draft state.
func (p *Proposal) Counter(properties []string, constraints string, role Owner) *Proposal {
	prev := p.Body.ID
	return &Proposal{
		Body: ProposalBody{
			ID:             NewProposalID(role),
			Properties:     properties,
			Constraints:    constraints,
			Issuer:         IssuerUs,
			PrevProposalID: &prev,
			CreatedAt:      time.Now(),
		},
		Negotiation: p.Negotiation,
		State:       ProposalDraft,
	}
}

// CounterRemote derives the next proposal in the chain from a body
// received over the wire. The remote side already assigned the id; it is
// recorded as issued by them.
func (p *Proposal) CounterRemote(id ProposalID, properties []string, constraints string) *Proposal {
	prev := p.Body.ID
	return &Proposal{
		Body: ProposalBody{
			ID:             id,
			Properties:     properties,
			Constraints:    constraints,
			Issuer:         IssuerThem,
			PrevProposalID: &prev,
			CreatedAt:      time.Now(),
		},
		Negotiation: p.Negotiation,
		State:       ProposalDraft,
	}
}

// ValidateID checks the self-consistency of a remotely issued proposal
// id. The sender writes ids from the receiver's perspective, so a
// proposal issued by peerRole must arrive tagged with the counterpart
// role.
func (p *Proposal) ValidateID(peerRole Owner) error {
	if p.Body.ID.Owner != peerRole.Swap() {
		return fmt.Errorf("proposal [%s] owner tag does not fit sender role %s: %w",
			p.Body.ID, peerRole, ErrProposalNotFound)
	}
	return nil
}
