// Package store defines the persistence contract consumed by the
// brokers, with two interchangeable implementations: an in-memory store
// and a SQLite-backed one. State transitions are check-then-set inside
// one critical section (or SQL transaction), which is what the brokers'
// race-safety relies on.
package store

import (
	"time"

	"github.com/efreitasn/minimarket/internal/domain"
)

// ProposalStore persists negotiation proposals. Proposals are never
// deleted; they form the negotiation audit trail.
type ProposalStore interface {
	// SaveProposal stores a new proposal and marks its predecessor as
	// countered. Returns domain.ErrAlreadyCountered if another counter
	// to the same predecessor was saved first.
	SaveProposal(p *domain.Proposal) error
	// GetProposal fetches a proposal by id, under either owner's view.
	// Returns domain.ErrProposalNotFound if absent.
	GetProposal(id domain.ProposalID) (*domain.Proposal, error)
	// ChangeProposalState applies a validated state transition.
	ChangeProposalState(id domain.ProposalID, next domain.ProposalState) error
}

// EventStore persists the per-subscription FIFO event queues consumed by
// long-polling clients.
type EventStore interface {
	AddProposalEvent(p *domain.Proposal, owner domain.Owner) error
	AddProposalRejectedEvent(p *domain.Proposal, owner domain.Owner, reason string) error
	// TakeEvents validates the subscription's liveness, then returns up
	// to max events oldest-first and deletes them in the same
	// transaction (at-most-once delivery). Returns
	// domain.ErrSubscriptionNotFound or domain.ErrSubscriptionExpired
	// for dead subscriptions.
	TakeEvents(subID domain.SubscriptionID, max int, owner domain.Owner) ([]domain.MarketEvent, error)
	// RemoveEvents drops all queued events for a subscription.
	RemoveEvents(subID domain.SubscriptionID) error
}

// AgreementStore persists agreements and their termination events.
// Agreements are created outside the negotiation core; this contract
// only seeds, fetches and terminates them.
type AgreementStore interface {
	CreateAgreement(a *domain.Agreement) error
	// AgreementByNode fetches an agreement only if the given node is one
	// of its parties; authorization is built into the fetch.
	AgreementByNode(id domain.AgreementID, node domain.NodeID, now time.Time) (*domain.Agreement, error)
	// Agreement fetches by id alone.
	Agreement(id domain.AgreementID, now time.Time) (*domain.Agreement, error)
	// TerminateAgreement applies the validated transition to Terminated
	// and records the stringified reason and the terminating role.
	TerminateAgreement(id domain.AgreementID, reason string, terminator domain.Owner) error
	AddAgreementTerminatedEvent(a *domain.Agreement, reason string, terminator domain.Owner) error
	// AgreementEvents lists termination events visible to the node,
	// optionally narrowed to a session, strictly after the given
	// timestamp, oldest-first.
	AgreementEvents(node domain.NodeID, sessionID string, max int, after time.Time) ([]domain.AgreementEvent, error)
}

// SubscriptionStore persists Demand/Offer registrations.
type SubscriptionStore interface {
	Subscribe(sub *domain.Subscription) error
	Subscription(id domain.SubscriptionID) (*domain.Subscription, error)
	SubscriptionState(id domain.SubscriptionID, now time.Time) domain.SubscriptionState
	Unsubscribe(id domain.SubscriptionID) error
}

// Store aggregates the four persistence contracts; both implementations
// satisfy it.
type Store interface {
	ProposalStore
	EventStore
	AgreementStore
	SubscriptionStore
}
