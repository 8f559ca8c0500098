// Package service implements the negotiation brokers: the
// counter-proposal state machine, long-polling event queries, and the
// agreement termination protocol. Correctness under concurrency relies
// on the store's transactional transitions and the notifier's internal
// synchronization; the brokers themselves hold no global lock.
package service

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/efreitasn/minimarket/internal/config"
	"github.com/efreitasn/minimarket/internal/domain"
	"github.com/efreitasn/minimarket/internal/engine"
	"github.com/efreitasn/minimarket/internal/notifier"
	"github.com/efreitasn/minimarket/internal/protocol"
	"github.com/efreitasn/minimarket/internal/store"
)

// CommonBroker wires the matching engine, the store, the notifiers and
// the transport into the operations consumed by the REST layer and the
// wire-protocol handlers.
type CommonBroker struct {
	store     store.Store
	transport protocol.Transport
	cfg       *config.Config
	logger    *slog.Logger

	negotiationNotifier *notifier.EventNotifier[domain.SubscriptionID]
	// sessionNotifier is keyed by app session id; the empty key is the
	// "no session" channel that every termination also signals.
	sessionNotifier   *notifier.EventNotifier[string]
	agreementNotifier *notifier.EventNotifier[domain.AgreementID]
}

// NewCommonBroker creates a broker with its own notifier instances.
func NewCommonBroker(st store.Store, transport protocol.Transport, cfg *config.Config, logger *slog.Logger) *CommonBroker {
	return &CommonBroker{
		store:               st,
		transport:           transport,
		cfg:                 cfg,
		logger:              logger,
		negotiationNotifier: notifier.New[domain.SubscriptionID](),
		sessionNotifier:     notifier.New[string](),
		agreementNotifier:   notifier.New[domain.AgreementID](),
	}
}

// Shutdown releases all long-poll waiters.
func (b *CommonBroker) Shutdown() {
	b.negotiationNotifier.Shutdown()
	b.sessionNotifier.Shutdown()
	b.agreementNotifier.Shutdown()
}

// GetProposal fetches a proposal. When a subscription id is supplied, a
// proposal stored under a different subscription reads as not found: we
// never reveal that the id exists elsewhere.
func (b *CommonBroker) GetProposal(subID *domain.SubscriptionID, id domain.ProposalID) (*domain.Proposal, error) {
	p, err := b.store.GetProposal(id)
	if err != nil {
		return nil, err
	}
	if subID != nil && p.Negotiation.SubscriptionID != *subID {
		b.logger.Warn("proposal subscription mismatch",
			slog.String("proposal_id", id.String()),
			slog.String("expected", string(*subID)),
			slog.String("actual", string(p.Negotiation.SubscriptionID)))
		return nil, domain.ErrProposalNotFound
	}
	return p, nil
}

// validateProposal authorizes a caller against a proposal: the caller
// must be the party acting in callerRole for this negotiation, and must
// not be reacting to a proposal it just issued itself.
func (b *CommonBroker) validateProposal(p *domain.Proposal, callerID domain.NodeID, callerRole domain.Owner) error {
	if p.Negotiation.NodeFor(callerRole) != callerID {
		return fmt.Errorf("caller %s is not the %s of proposal [%s]: %w",
			callerID, callerRole, p.Body.ID, domain.ErrUnauthorized)
	}

	if p.Body.Issuer == domain.IssuerUs && p.Body.ID.Owner == callerRole {
		// A party reacting to its own just-issued proposal would loop the
		// protocol; always rejected.
		b.logger.Warn("self-reaction attempt",
			slog.String("proposal_id", p.Body.ID.String()),
			slog.String("caller", string(callerID)))
		return fmt.Errorf("proposal [%s]: %w", p.Body.ID, domain.ErrOwnProposal)
	}

	switch b.store.SubscriptionState(p.Negotiation.SubscriptionID, time.Now()) {
	case domain.SubscriptionNotFound:
		return fmt.Errorf("subscription [%s]: %w", p.Negotiation.SubscriptionID, domain.ErrSubscriptionNotFound)
	case domain.SubscriptionExpired:
		return fmt.Errorf("subscription [%s]: %w", p.Negotiation.SubscriptionID, domain.ErrSubscriptionExpired)
	}
	return nil
}

// validateMatch re-runs the matching engine between a new proposal and
// its predecessor.
func validateMatch(newProposal, prevProposal *domain.Proposal) error {
	match, err := engine.MatchDemandOffer(
		newProposal.Body.Properties, newProposal.Body.Constraints,
		prevProposal.Body.Properties, prevProposal.Body.Constraints,
	)
	if err != nil {
		return fmt.Errorf("matching [%s] against [%s]: %v: %w",
			newProposal.Body.ID, prevProposal.Body.ID, err, domain.ErrMatchingFailed)
	}
	if !match.Matched() {
		return fmt.Errorf("proposal [%s] does not match [%s] (%s): %w",
			newProposal.Body.ID, prevProposal.Body.ID, match.Kind, domain.ErrNotMatching)
	}
	return nil
}

// notifyAgreement wakes everyone that may be waiting on this agreement:
// the specific session channel (when set), the no-session channel
// (consumers polling without narrowing still observe the event), and
// the agreement-keyed channel for direct waiters. Three independent,
// non-redundant wakeups.
func (b *CommonBroker) notifyAgreement(a *domain.Agreement) {
	if a.SessionID != "" {
		b.sessionNotifier.Notify(a.SessionID)
	}
	b.sessionNotifier.Notify("")
	b.agreementNotifier.Notify(a.ID)
}
