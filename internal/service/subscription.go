package service

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/efreitasn/minimarket/internal/domain"
	"github.com/efreitasn/minimarket/internal/engine"
)

// SubscribeRequest carries the published half of a demand or offer.
type SubscribeRequest struct {
	NodeID      domain.NodeID
	Properties  []string
	Constraints string
	TTL         time.Duration
}

// SubscribeDemand registers a requestor-side subscription. The
// constraint expression is parsed up front so a malformed filter is
// rejected at the door instead of surfacing as a matching failure in
// every later round.
func (b *CommonBroker) SubscribeDemand(req SubscribeRequest) (*domain.Subscription, error) {
	return b.subscribe(req, domain.OwnerRequestor)
}

// SubscribeOffer registers a provider-side subscription.
func (b *CommonBroker) SubscribeOffer(req SubscribeRequest) (*domain.Subscription, error) {
	return b.subscribe(req, domain.OwnerProvider)
}

func (b *CommonBroker) subscribe(req SubscribeRequest, owner domain.Owner) (*domain.Subscription, error) {
	if req.NodeID == "" {
		return nil, &domain.ValidationError{Message: "node id is required"}
	}
	if _, err := engine.ParseConstraints(req.Constraints); err != nil {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("invalid constraints: %v", err)}
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = b.cfg.SubscriptionTTL
	}
	now := time.Now().UTC()
	sub := &domain.Subscription{
		ID:          domain.NewSubscriptionID(),
		Owner:       owner,
		NodeID:      req.NodeID,
		Properties:  req.Properties,
		Constraints: req.Constraints,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := b.store.Subscribe(sub); err != nil {
		return nil, err
	}

	b.logger.Info("subscribed",
		slog.String("subscription_id", string(sub.ID)),
		slog.String("owner", string(owner)),
		slog.String("node_id", string(req.NodeID)),
		slog.Time("expires_at", sub.ExpiresAt))
	return sub, nil
}

// Unsubscribe withdraws a subscription: pending waiters are woken with
// a terminal "gone" signal, queued events are dropped, and the
// subscription row is removed. Event cleanup is best effort; a failure
// there must not keep the subscription alive.
func (b *CommonBroker) Unsubscribe(subID domain.SubscriptionID, callerID domain.NodeID) error {
	sub, err := b.store.Subscription(subID)
	if err != nil {
		return err
	}
	if sub.NodeID != callerID {
		return fmt.Errorf("subscription [%s]: %w", subID, domain.ErrUnauthorized)
	}

	b.negotiationNotifier.StopNotifying(subID)
	if err := b.store.RemoveEvents(subID); err != nil {
		b.logger.Warn("failed to drop events of unsubscribed subscription",
			slog.String("subscription_id", string(subID)),
			slog.String("error", err.Error()))
	}
	if err := b.store.Unsubscribe(subID); err != nil {
		return err
	}

	b.logger.Info("unsubscribed", slog.String("subscription_id", string(subID)))
	return nil
}

// InitialProposal runs the matching engine over a raw demand/offer pair
// and, when they match, seeds the negotiation with an Initial proposal
// holding the counterpart's published content. The proposal is queued
// on forOwner's side so its next event poll picks the negotiation up.
func (b *CommonBroker) InitialProposal(demand, offer *domain.Subscription, forOwner domain.Owner) (*domain.Proposal, error) {
	if demand.Owner != domain.OwnerRequestor || offer.Owner != domain.OwnerProvider {
		return nil, &domain.ValidationError{Message: "initial proposal needs a demand and an offer"}
	}

	match, err := engine.MatchDemandOffer(
		demand.Properties, demand.Constraints,
		offer.Properties, offer.Constraints,
	)
	if err != nil {
		return nil, fmt.Errorf("matching demand [%s] against offer [%s]: %v: %w",
			demand.ID, offer.ID, err, domain.ErrMatchingFailed)
	}
	if match.Kind == engine.MatchNo {
		return nil, fmt.Errorf("demand [%s] and offer [%s] do not match: %w",
			demand.ID, offer.ID, domain.ErrNotMatching)
	}

	// The recipient sees the counterpart's published content as the
	// opening proposal; their own side stays implicit until they counter.
	counterpart := offer
	subID := demand.ID
	if forOwner == domain.OwnerProvider {
		counterpart = demand
		subID = offer.ID
	}

	proposal := &domain.Proposal{
		Body: domain.ProposalBody{
			ID:          domain.NewProposalID(forOwner),
			Properties:  counterpart.Properties,
			Constraints: counterpart.Constraints,
			Issuer:      domain.IssuerThem,
			CreatedAt:   time.Now().UTC(),
		},
		Negotiation: domain.Negotiation{
			SubscriptionID: subID,
			OfferID:        offer.ID,
			DemandID:       demand.ID,
			ProviderID:     offer.NodeID,
			RequestorID:    demand.NodeID,
		},
		State: domain.ProposalInitial,
	}
	if err := b.store.SaveProposal(proposal); err != nil {
		return nil, err
	}
	if err := b.store.AddProposalEvent(proposal, forOwner); err != nil {
		return nil, fmt.Errorf("queueing initial proposal event for [%s]: %w", proposal.Body.ID, err)
	}
	b.negotiationNotifier.Notify(subID)

	b.logger.Info("generated initial proposal",
		slog.String("proposal_id", proposal.Body.ID.String()),
		slog.String("demand_id", string(demand.ID)),
		slog.String("offer_id", string(offer.ID)),
		slog.String("for", string(forOwner)))
	return proposal, nil
}
