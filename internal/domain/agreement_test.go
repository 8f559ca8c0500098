package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCheckAgreementTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    AgreementState
		to      AgreementState
		allowed bool
	}{
		{"pending to approved", AgreementPending, AgreementApproved, true},
		{"approved to terminated", AgreementApproved, AgreementTerminated, true},
		{"pending to terminated", AgreementPending, AgreementTerminated, true},
		{"terminated is absorbing", AgreementTerminated, AgreementApproved, false},
		{"expired is absorbing", AgreementExpired, AgreementTerminated, false},
		{"cancelled is absorbing", AgreementCancelled, AgreementTerminated, false},
		{"rejected is absorbing", AgreementRejected, AgreementTerminated, false},
		{"no self transition", AgreementApproved, AgreementApproved, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckAgreementTransition(tt.from, tt.to)
			if tt.allowed && err != nil {
				t.Errorf("transition %s -> %s rejected: %v", tt.from, tt.to, err)
			}
			if !tt.allowed {
				if err == nil {
					t.Fatalf("transition %s -> %s allowed", tt.from, tt.to)
				}
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("error %v does not wrap ErrInvalidTransition", err)
				}
			}
		})
	}
}

func TestAgreement_EffectiveState(t *testing.T) {
	now := time.Now()
	a := &Agreement{
		ID:          NewAgreementID(OwnerRequestor),
		ProviderID:  "node-p",
		RequestorID: "node-r",
		State:       AgreementApproved,
		ValidTo:     now.Add(time.Hour),
	}

	if got := a.EffectiveState(now); got != AgreementApproved {
		t.Errorf("EffectiveState = %s, want approved while valid", got)
	}
	if got := a.EffectiveState(now.Add(2 * time.Hour)); got != AgreementExpired {
		t.Errorf("EffectiveState = %s, want expired past ValidTo", got)
	}

	// A terminated agreement stays terminated past its validity window;
	// expiry never overrides a terminal state.
	a.State = AgreementTerminated
	if got := a.EffectiveState(now.Add(2 * time.Hour)); got != AgreementTerminated {
		t.Errorf("EffectiveState = %s, want terminated", got)
	}
}

func TestReasonString(t *testing.T) {
	if got := ReasonString(nil); got != NoReasonGiven {
		t.Errorf("ReasonString(nil) = %q, want %q", got, NoReasonGiven)
	}

	got := ReasonString(&Reason{Message: "better offer elsewhere", Extra: map[string]string{"golem.requestor.code": "Cancelled"}})
	if got == "" || got == NoReasonGiven {
		t.Errorf("ReasonString = %q, want serialized reason", got)
	}
}
