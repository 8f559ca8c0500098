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

// CreateAgreement seeds an agreement reached outside the negotiation
// core. Termination and its event plumbing are handled here; formation
// is the caller's business.
func (b *CommonBroker) CreateAgreement(a *domain.Agreement) error {
	if a.ProviderID == "" || a.RequestorID == "" {
		return &domain.ValidationError{Message: "agreement needs both provider and requestor ids"}
	}
	if a.ID.ID == "" {
		return &domain.ValidationError{Message: "agreement id is required"}
	}
	if err := b.store.CreateAgreement(a); err != nil {
		return err
	}
	b.logger.Info("created agreement",
		slog.String("agreement_id", a.ID.String()),
		slog.String("provider", string(a.ProviderID)),
		slog.String("requestor", string(a.RequestorID)))
	return nil
}

// GetAgreement fetches an agreement on behalf of a node. Authorization
// is part of the fetch: a node that is party to no such agreement sees
// not-found, never someone else's contract.
func (b *CommonBroker) GetAgreement(callerID domain.NodeID, id domain.AgreementID) (*domain.Agreement, error) {
	return b.store.AgreementByNode(id, callerID, time.Now().UTC())
}

// TerminateAgreement ends an agreement on the caller's initiative. The
// counterpart is informed first; only a successfully propagated
// termination is committed locally, so a network failure leaves the
// agreement untouched and the operation retryable.
func (b *CommonBroker) TerminateAgreement(
	ctx context.Context,
	callerID domain.NodeID,
	id domain.AgreementID,
	reason *domain.Reason,
) error {
	now := time.Now().UTC()
	agreement, err := b.store.AgreementByNode(id, callerID, now)
	if err != nil {
		return err
	}
	if err := domain.CheckAgreementTransition(agreement.State, domain.AgreementTerminated); err != nil {
		return fmt.Errorf("agreement [%s]: %w", id, err)
	}

	var callerRole domain.Owner
	switch callerID {
	case agreement.ProviderID:
		callerRole = domain.OwnerProvider
	case agreement.RequestorID:
		callerRole = domain.OwnerRequestor
	}

	msg := protocol.AgreementTerminated{
		// The peer resolves the id from their own perspective.
		AgreementID: id.SwapOwner().String(),
		Reason:      reason,
	}
	peer := agreement.NodeFor(callerRole.Swap())
	if err := b.transport.SendTermination(ctx, peer, callerRole, msg); err != nil {
		// Remote already-terminated means both sides agree on the outcome;
		// fall through and finish our half.
		if !errors.Is(err, protocol.ErrRemoteNotFound) {
			return fmt.Errorf("propagating termination of [%s]: %w", id, err)
		}
	}

	return b.terminate(agreement, callerRole, reason)
}

// OnAgreementTerminated handles the counterpart's termination notice.
// Terminating an agreement that is already terminated with the same
// initiator is idempotent success.
func (b *CommonBroker) OnAgreementTerminated(msg protocol.AgreementTerminated, caller string, callerRole domain.Owner) error {
	if err := b.agreementTerminated(msg, domain.NodeID(caller), callerRole); err != nil {
		b.logger.Warn("rejecting remote termination",
			slog.String("agreement_id", msg.AgreementID),
			slog.String("caller", caller),
			slog.String("error", err.Error()))
		return protocol.ToRemoteError(err)
	}
	return nil
}

func (b *CommonBroker) agreementTerminated(msg protocol.AgreementTerminated, callerID domain.NodeID, callerRole domain.Owner) error {
	id, err := domain.ParseAgreementID(msg.AgreementID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrAgreementNotFound)
	}
	agreement, err := b.store.Agreement(id, time.Now().UTC())
	if err != nil {
		return err
	}
	if agreement.NodeFor(callerRole) != callerID {
		return fmt.Errorf("agreement [%s]: caller is not the %s: %w", id, callerRole, domain.ErrAgreementNotFound)
	}
	if agreement.State == domain.AgreementTerminated && agreement.TerminatedBy == callerRole {
		return nil
	}
	return b.terminate(agreement, callerRole, msg.Reason)
}

// terminate commits the transition, queues the event for both parties,
// and wakes waiters. The store re-validates the transition under its
// own lock; the pre-checks above only improve error messages.
func (b *CommonBroker) terminate(agreement *domain.Agreement, terminator domain.Owner, reason *domain.Reason) error {
	reasonStr := domain.ReasonString(reason)
	if err := b.store.TerminateAgreement(agreement.ID, reasonStr, terminator); err != nil {
		return err
	}
	agreement.State = domain.AgreementTerminated
	agreement.TerminationReason = reasonStr
	agreement.TerminatedBy = terminator

	if err := b.store.AddAgreementTerminatedEvent(agreement, reasonStr, terminator); err != nil {
		return fmt.Errorf("queueing termination event for [%s]: %w", agreement.ID, err)
	}
	b.notifyAgreement(agreement)

	b.logger.Info("terminated agreement",
		slog.String("agreement_id", agreement.ID.String()),
		slog.String("terminated_by", string(terminator)),
		slog.String("reason", reasonStr))
	return nil
}

// QueryAgreementEvents long-polls termination events visible to the
// node, optionally narrowed to one session. The empty session id is a
// real key: it collects events regardless of session.
func (b *CommonBroker) QueryAgreementEvents(
	ctx context.Context,
	callerID domain.NodeID,
	sessionID string,
	timeout time.Duration,
	maxEvents int,
	after time.Time,
) ([]domain.AgreementEvent, error) {
	maxEvents, err := b.clampMaxEvents(maxEvents)
	if err != nil {
		return nil, err
	}

	stop := time.Now().Add(timeout)
	listener := b.sessionNotifier.Listen(sessionID)
	defer listener.Close()

	for {
		events, err := b.store.AgreementEvents(callerID, sessionID, maxEvents, after)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			return events, nil
		}

		remaining := time.Until(stop)
		if remaining <= 0 {
			return []domain.AgreementEvent{}, nil
		}

		switch err := listener.Wait(ctx, remaining); {
		case err == nil:
		case errors.Is(err, notifier.ErrTimeout):
			return []domain.AgreementEvent{}, nil
		case errors.Is(err, notifier.ErrUnsubscribed), errors.Is(err, notifier.ErrClosed):
			return nil, fmt.Errorf("agreement event notifier gone: %w", domain.ErrInternal)
		default:
			return nil, err
		}
	}
}

// WaitForTermination blocks until the agreement reaches a terminal
// state, returning the final agreement. The timeout elapsing before
// that reports ErrWaitTimeout.
func (b *CommonBroker) WaitForTermination(
	ctx context.Context,
	callerID domain.NodeID,
	id domain.AgreementID,
	timeout time.Duration,
) (*domain.Agreement, error) {
	first, err := b.store.AgreementByNode(id, callerID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if first.State.IsTerminal() {
		return first, nil
	}

	stop := time.Now().Add(timeout)
	// Listen on the stored id so the key matches what notifyAgreement
	// uses, whichever owner view the caller supplied.
	listener := b.agreementNotifier.Listen(first.ID)
	defer listener.Close()

	for {
		agreement, err := b.store.AgreementByNode(id, callerID, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if agreement.State.IsTerminal() {
			return agreement, nil
		}

		remaining := time.Until(stop)
		if remaining <= 0 {
			return nil, fmt.Errorf("agreement [%s] still %s after %s: %w",
				id, agreement.State, timeout, domain.ErrWaitTimeout)
		}

		switch err := listener.Wait(ctx, remaining); {
		case err == nil:
		case errors.Is(err, notifier.ErrTimeout):
			// Re-check once more; expiry may have made the state terminal.
		case errors.Is(err, notifier.ErrUnsubscribed), errors.Is(err, notifier.ErrClosed):
			return nil, fmt.Errorf("agreement notifier gone: %w", domain.ErrInternal)
		default:
			return nil, err
		}
	}
}
