package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes; the protocol layer
// collapses them into the restricted remote taxonomy.
var (
	ErrProposalNotFound     = errors.New("proposal_not_found")
	ErrAgreementNotFound    = errors.New("agreement_not_found")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrSubscriptionExpired  = errors.New("subscription_expired")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrOwnProposal          = errors.New("own_proposal_reaction")
	ErrAlreadyCountered     = errors.New("proposal_already_countered")
	ErrNotMatching          = errors.New("proposals_not_matching")
	ErrMatchingFailed       = errors.New("matching_failed")
	ErrInvalidTransition    = errors.New("invalid_state_transition")
	ErrInvalidMaxEvents     = errors.New("invalid_max_events")
	ErrWaitTimeout          = errors.New("wait_timeout")
	ErrInternal             = errors.New("internal_error")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// InvalidTransitionError reports a rejected state-machine transition.
// It unwraps to ErrInvalidTransition.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s transition %s -> %s not allowed", e.Entity, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}
