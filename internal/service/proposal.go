package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/efreitasn/minimarket/internal/domain"
	"github.com/efreitasn/minimarket/internal/notifier"
	"github.com/efreitasn/minimarket/internal/protocol"
)

// NewProposalRequest is the negotiable content of a counter-proposal.
type NewProposalRequest struct {
	Properties  []string
	Constraints string
}

// CounterProposal validates and persists a locally issued
// counter-proposal, delivers it to the peer, and reports whether it is
// the first counter in the chain.
//
// A subscription can be withdrawn between validation and save; that is
// not a consistency hazard, the peer's own counter will simply be
// rejected later.
func (b *CommonBroker) CounterProposal(
	ctx context.Context,
	subID domain.SubscriptionID,
	prevID domain.ProposalID,
	req NewProposalRequest,
	callerID domain.NodeID,
	callerRole domain.Owner,
) (*domain.Proposal, bool, error) {
	prev, err := b.GetProposal(&subID, prevID)
	if err != nil {
		return nil, false, err
	}
	if err := b.validateProposal(prev, callerID, callerRole); err != nil {
		return nil, false, err
	}

	isFirst := prev.IsFirst()
	proposal := prev.Counter(req.Properties, req.Constraints, callerRole)

	if err := validateMatch(proposal, prev); err != nil {
		return nil, false, err
	}
	if err := b.store.SaveProposal(proposal); err != nil {
		return nil, false, err
	}

	msg := protocol.ProposalReceived{
		// The peer sees our ids with the owner tag swapped.
		PrevProposalID: prev.Body.ID.SwapOwner().String(),
		Proposal: protocol.WireProposal{
			ProposalID:  proposal.Body.ID.SwapOwner().String(),
			Properties:  proposal.Body.Properties,
			Constraints: proposal.Body.Constraints,
		},
	}
	peer := proposal.Negotiation.NodeFor(callerRole.Swap())
	if err := b.transport.SendProposal(ctx, peer, callerRole, msg); err != nil {
		return nil, false, fmt.Errorf("delivering counter proposal [%s]: %w", proposal.Body.ID, err)
	}

	b.logger.Info("countered proposal",
		slog.String("prev_proposal_id", prev.Body.ID.String()),
		slog.String("proposal_id", proposal.Body.ID.String()),
		slog.String("caller", string(callerID)),
		slog.Bool("is_first", isFirst))
	return proposal, isFirst, nil
}

// RejectProposal transitions a proposal to Rejected and informs the
// peer. Rejecting an already-terminal proposal is an error, never a
// silent success.
func (b *CommonBroker) RejectProposal(
	ctx context.Context,
	subID *domain.SubscriptionID,
	proposalID domain.ProposalID,
	callerID domain.NodeID,
	callerRole domain.Owner,
	reason *domain.Reason,
) (*domain.Proposal, error) {
	proposal, err := b.rejectProposal(subID, proposalID, callerID, callerRole, reason)
	if err != nil {
		return nil, err
	}

	msg := protocol.ProposalRejected{
		ProposalID: proposal.Body.ID.SwapOwner().String(),
		Reason:     reason,
	}
	peer := proposal.Negotiation.NodeFor(callerRole.Swap())
	if err := b.transport.SendRejection(ctx, peer, callerRole, msg); err != nil {
		return nil, fmt.Errorf("delivering rejection of [%s]: %w", proposal.Body.ID, err)
	}
	return proposal, nil
}

// rejectProposal is the transport-free core shared by the local and
// remote rejection paths.
func (b *CommonBroker) rejectProposal(
	subID *domain.SubscriptionID,
	proposalID domain.ProposalID,
	callerID domain.NodeID,
	callerRole domain.Owner,
	reason *domain.Reason,
) (*domain.Proposal, error) {
	proposal, err := b.GetProposal(subID, proposalID)
	if err != nil {
		return nil, err
	}
	if err := b.validateProposal(proposal, callerID, callerRole); err != nil {
		return nil, err
	}
	if err := b.store.ChangeProposalState(proposalID, domain.ProposalRejected); err != nil {
		return nil, err
	}
	proposal.State = domain.ProposalRejected

	b.logger.Info("rejected proposal",
		slog.String("proposal_id", proposalID.String()),
		slog.String("caller", string(callerID)),
		slog.String("role", string(callerRole)),
		slog.String("reason", domain.ReasonString(reason)))
	return proposal, nil
}

// QueryEvents long-polls the subscription's event queue: drain, wait,
// re-check, until events arrive or the timeout elapses. A timeout is a
// successful empty result. Subscription liveness is re-validated before
// the first poll and on every wake.
func (b *CommonBroker) QueryEvents(
	ctx context.Context,
	subID domain.SubscriptionID,
	timeout time.Duration,
	maxEvents int,
	owner domain.Owner,
) ([]domain.MarketEvent, error) {
	maxEvents, err := b.clampMaxEvents(maxEvents)
	if err != nil {
		return nil, err
	}

	stop := time.Now().Add(timeout)
	listener := b.negotiationNotifier.Listen(subID)
	defer listener.Close()

	for {
		events, err := b.store.TakeEvents(subID, maxEvents, owner)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			return events, nil
		}

		remaining := time.Until(stop)
		if remaining <= 0 {
			return []domain.MarketEvent{}, nil
		}

		switch err := listener.Wait(ctx, remaining); {
		case err == nil:
			// Woken: an event for this subscription was queued. Another
			// waiter may take it first, so loop and re-check the store.
		case errors.Is(err, notifier.ErrTimeout):
			return []domain.MarketEvent{}, nil
		case errors.Is(err, notifier.ErrUnsubscribed):
			return nil, fmt.Errorf("subscription [%s]: %w", subID, domain.ErrSubscriptionNotFound)
		case errors.Is(err, notifier.ErrClosed):
			return nil, fmt.Errorf("event notifier closed: %w", domain.ErrInternal)
		default:
			return nil, err
		}
	}
}

func (b *CommonBroker) clampMaxEvents(maxEvents int) (int, error) {
	if maxEvents == 0 {
		return b.cfg.MaxEventsDefault, nil
	}
	if maxEvents < 0 || maxEvents > b.cfg.MaxEventsMax {
		return 0, fmt.Errorf("max events %d out of range (1..%d): %w",
			maxEvents, b.cfg.MaxEventsMax, domain.ErrInvalidMaxEvents)
	}
	return maxEvents, nil
}

// OnProposalReceived handles a counter-proposal arriving from the
// remote peer. Errors are collapsed into the restricted remote
// taxonomy; full detail stays in the local log.
func (b *CommonBroker) OnProposalReceived(msg protocol.ProposalReceived, caller string, callerRole domain.Owner) error {
	if err := b.proposalReceived(msg, domain.NodeID(caller), callerRole); err != nil {
		b.logger.Warn("rejecting remote proposal",
			slog.String("prev_proposal_id", msg.PrevProposalID),
			slog.String("caller", caller),
			slog.String("error", err.Error()))
		return protocol.ToRemoteError(err)
	}
	return nil
}

func (b *CommonBroker) proposalReceived(msg protocol.ProposalReceived, callerID domain.NodeID, callerRole domain.Owner) error {
	prevID, err := domain.ParseProposalID(msg.PrevProposalID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrProposalNotFound)
	}
	wireID, err := domain.ParseProposalID(msg.Proposal.ProposalID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrProposalNotFound)
	}

	prev, err := b.GetProposal(nil, prevID)
	if err != nil {
		return err
	}
	proposal := prev.CounterRemote(wireID, msg.Proposal.Properties, msg.Proposal.Constraints)
	if err := proposal.ValidateID(callerRole); err != nil {
		return err
	}
	if err := b.validateProposal(prev, callerID, callerRole); err != nil {
		return err
	}
	if err := validateMatch(proposal, prev); err != nil {
		return err
	}

	if err := b.store.SaveProposal(proposal); err != nil {
		return err
	}

	// If the event cannot be queued after the proposal was persisted, the
	// proposal is not rolled back; the counterpart just misses a timely
	// notification. Accepted inconsistency window, not a distributed
	// transaction.
	subID := proposal.Negotiation.SubscriptionID
	if err := b.store.AddProposalEvent(proposal, callerRole.Swap()); err != nil {
		return fmt.Errorf("queueing proposal event for [%s]: %w", proposal.Body.ID, err)
	}
	b.negotiationNotifier.Notify(subID)

	b.logger.Info("received counter proposal",
		slog.String("proposal_id", proposal.Body.ID.String()),
		slog.String("prev_proposal_id", prevID.String()),
		slog.String("caller", string(callerID)))
	return nil
}

// OnProposalRejected handles a rejection arriving from the remote peer.
func (b *CommonBroker) OnProposalRejected(msg protocol.ProposalRejected, caller string, callerRole domain.Owner) error {
	if err := b.proposalRejected(msg, domain.NodeID(caller), callerRole); err != nil {
		b.logger.Warn("rejecting remote proposal rejection",
			slog.String("proposal_id", msg.ProposalID),
			slog.String("caller", caller),
			slog.String("error", err.Error()))
		return protocol.ToRemoteError(err)
	}
	return nil
}

func (b *CommonBroker) proposalRejected(msg protocol.ProposalRejected, callerID domain.NodeID, callerRole domain.Owner) error {
	proposalID, err := domain.ParseProposalID(msg.ProposalID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrProposalNotFound)
	}

	proposal, err := b.rejectProposal(nil, proposalID, callerID, callerRole, msg.Reason)
	if err != nil {
		return err
	}

	subID := proposal.Negotiation.SubscriptionID
	if err := b.store.AddProposalRejectedEvent(proposal, callerRole.Swap(), domain.ReasonString(msg.Reason)); err != nil {
		return fmt.Errorf("queueing rejection event for [%s]: %w", proposalID, err)
	}
	b.negotiationNotifier.Notify(subID)
	return nil
}
