package domain

import "time"

// AgreementState represents the lifecycle state of an agreement.
type AgreementState string

const (
	AgreementPending    AgreementState = "pending"
	AgreementApproved   AgreementState = "approved"
	AgreementCancelled  AgreementState = "cancelled"
	AgreementRejected   AgreementState = "rejected"
	AgreementExpired    AgreementState = "expired"
	AgreementTerminated AgreementState = "terminated"
)

// IsTerminal returns true for absorbing agreement states.
func (s AgreementState) IsTerminal() bool {
	switch s {
	case AgreementCancelled, AgreementRejected, AgreementExpired, AgreementTerminated:
		return true
	}
	return false
}

// CheckAgreementTransition validates an agreement state change. Terminal
// states are absorbing.
func CheckAgreementTransition(from, to AgreementState) error {
	if from.IsTerminal() || from == to {
		return &InvalidTransitionError{Entity: "agreement", From: string(from), To: string(to)}
	}
	return nil
}

// Agreement is the binding contract between a provider and a requestor.
// It is created outside this core; here it is only fetched, filtered and
// terminated.
type Agreement struct {
	ID                AgreementID
	ProviderID        NodeID
	RequestorID       NodeID
	SessionID         string // "" when the client set no session
	State             AgreementState
	TerminationReason string
	TerminatedBy      Owner // set together with TerminationReason
	CreatedAt         time.Time
	ValidTo           time.Time
}

// NodeFor returns the party identity authorized to act as the given role.
func (a *Agreement) NodeFor(role Owner) NodeID {
	if role == OwnerProvider {
		return a.ProviderID
	}
	return a.RequestorID
}

// EffectiveState folds agreement expiry into the state: a non-terminal
// agreement whose validity window has passed reads as Expired.
func (a *Agreement) EffectiveState(now time.Time) AgreementState {
	if !a.State.IsTerminal() && now.After(a.ValidTo) {
		return AgreementExpired
	}
	return a.State
}
