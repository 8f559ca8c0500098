package domain

import (
	"strings"
	"testing"
)

func TestProposalID_StringRoundTrip(t *testing.T) {
	for _, owner := range []Owner{OwnerProvider, OwnerRequestor} {
		id := NewProposalID(owner)
		parsed, err := ParseProposalID(id.String())
		if err != nil {
			t.Fatalf("ParseProposalID(%q): %v", id.String(), err)
		}
		if parsed != id {
			t.Errorf("round trip changed id: %v -> %v", id, parsed)
		}
	}
}

func TestProposalID_Prefix(t *testing.T) {
	p := NewProposalID(OwnerProvider)
	if !strings.HasPrefix(p.String(), "P-") {
		t.Errorf("provider id %q lacks P- prefix", p.String())
	}
	r := NewProposalID(OwnerRequestor)
	if !strings.HasPrefix(r.String(), "R-") {
		t.Errorf("requestor id %q lacks R- prefix", r.String())
	}
}

func TestProposalID_SwapOwner(t *testing.T) {
	id := NewProposalID(OwnerProvider)
	swapped := id.SwapOwner()

	if swapped.ID != id.ID {
		t.Error("SwapOwner changed the underlying id")
	}
	if swapped.Owner != OwnerRequestor {
		t.Errorf("Owner = %s, want requestor", swapped.Owner)
	}
	if swapped.SwapOwner() != id {
		t.Error("double swap is not the identity")
	}
}

func TestParseProposalID_Invalid(t *testing.T) {
	for _, input := range []string{"", "nodash", "X-abc", "P-", "-abc"} {
		if _, err := ParseProposalID(input); err == nil {
			t.Errorf("ParseProposalID(%q) succeeded, want error", input)
		}
	}
}

func TestAgreementID_RoundTrip(t *testing.T) {
	id := NewAgreementID(OwnerRequestor)
	parsed, err := ParseAgreementID(id.String())
	if err != nil {
		t.Fatalf("ParseAgreementID(%q): %v", id.String(), err)
	}
	if parsed != id {
		t.Errorf("round trip changed id: %v -> %v", id, parsed)
	}
	if parsed.SwapOwner().Owner != OwnerProvider {
		t.Errorf("SwapOwner() owner = %s, want provider", parsed.SwapOwner().Owner)
	}
}

func TestOwner_Swap(t *testing.T) {
	if OwnerProvider.Swap() != OwnerRequestor || OwnerRequestor.Swap() != OwnerProvider {
		t.Error("Swap() did not flip roles")
	}
	if !OwnerProvider.Valid() || !OwnerRequestor.Valid() {
		t.Error("known roles reported invalid")
	}
	if Owner("observer").Valid() {
		t.Error("unknown role reported valid")
	}
}
