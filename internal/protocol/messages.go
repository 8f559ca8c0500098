// Package protocol defines the wire messages exchanged between
// negotiating peers, the outbound Transport abstraction, and the
// restricted error taxonomy that crosses the wire.
package protocol

import (
	"errors"

	"github.com/efreitasn/minimarket/internal/domain"
)

// Remote errors are the only failures ever surfaced to a peer. The
// taxonomy deliberately omits internal detail so persistence and broker
// state never leak across the wire.
var (
	ErrRemoteNotFound         = errors.New("not_found")
	ErrRemoteAlreadyCountered = errors.New("already_countered")
	ErrRemoteInternal         = errors.New("internal")
)

// ToRemoteError collapses a local error into the remote taxonomy.
// Absence, authorization failures and the information-hiding cases all
// read as not-found to the peer.
func ToRemoteError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrProposalNotFound),
		errors.Is(err, domain.ErrAgreementNotFound),
		errors.Is(err, domain.ErrSubscriptionNotFound),
		errors.Is(err, domain.ErrSubscriptionExpired),
		errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, domain.ErrOwnProposal):
		return ErrRemoteNotFound
	case errors.Is(err, domain.ErrAlreadyCountered):
		return ErrRemoteAlreadyCountered
	}
	return ErrRemoteInternal
}

// WireProposal is a proposal body as it crosses the wire. Ids are
// owner-prefixed strings; the sender writes them from the receiver's
// perspective (owner tags swapped).
type WireProposal struct {
	ProposalID  string   `json:"proposalId"`
	Properties  []string `json:"properties"`
	Constraints string   `json:"constraints"`
}

// ProposalReceived carries a counter-proposal to the peer.
type ProposalReceived struct {
	PrevProposalID string       `json:"prevProposalId"`
	Proposal       WireProposal `json:"proposal"`
}

// ProposalRejected tells the peer their proposal was rejected.
type ProposalRejected struct {
	ProposalID string         `json:"proposalId"`
	Reason     *domain.Reason `json:"reason,omitempty"`
}

// AgreementTerminated tells the peer an agreement was terminated.
type AgreementTerminated struct {
	AgreementID string         `json:"agreementId"`
	Reason      *domain.Reason `json:"reason,omitempty"`
}

// Handlers is the inbound side of the wire protocol. The caller string
// is the transport-verified identity of the peer, never taken from the
// message payload; callerRole is the role the peer acted in.
type Handlers interface {
	OnProposalReceived(msg ProposalReceived, caller string, callerRole domain.Owner) error
	OnProposalRejected(msg ProposalRejected, caller string, callerRole domain.Owner) error
	OnAgreementTerminated(msg AgreementTerminated, caller string, callerRole domain.Owner) error
}
