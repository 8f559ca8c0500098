package engine

import (
	"errors"
	"testing"
)

func TestMatchDemandOffer_Simple(t *testing.T) {
	tests := []struct {
		name              string
		demandProps       []string
		demandConstraints string
		offerProps        []string
		offerConstraints  string
		want              MatchKind
	}{
		{
			name:              "full match",
			demandProps:       []string{"golem.node.id.name=requestor"},
			demandConstraints: "(&(cpu.architecture=x86_64)(mem.gib>2))",
			offerProps:        []string{"cpu.architecture=x86_64", "mem.gib=4"},
			offerConstraints:  "",
			want:              MatchYes,
		},
		{
			name:              "value mismatch",
			demandConstraints: "(cpu.architecture=x86_64)",
			offerProps:        []string{"cpu.architecture=arm64"},
			want:              MatchNo,
		},
		{
			name:              "numeric below threshold",
			demandConstraints: "(mem.gib>2)",
			offerProps:        []string{"mem.gib=1"},
			want:              MatchNo,
		},
		{
			name:              "unpublished property is undecided",
			demandConstraints: "(&(cpu.architecture=x86_64)(mem.gib>2))",
			offerProps:        []string{"cpu.architecture=x86_64"},
			want:              MatchUndefined,
		},
		{
			name:              "both directions checked",
			demandProps:       []string{"payment.model=linear"},
			demandConstraints: "(cpu.architecture=x86_64)",
			offerProps:        []string{"cpu.architecture=x86_64"},
			offerConstraints:  "(payment.model=linear)",
			want:              MatchYes,
		},
		{
			name:              "offer side rejects",
			demandProps:       []string{"payment.model=flat"},
			demandConstraints: "(cpu.architecture=x86_64)",
			offerProps:        []string{"cpu.architecture=x86_64"},
			offerConstraints:  "(payment.model=linear)",
			want:              MatchNo,
		},
		{
			name:              "false wins over undefined",
			demandConstraints: "(&(cpu.architecture=arm64)(mem.gib>2))",
			offerProps:        []string{"cpu.architecture=x86_64"},
			want:              MatchNo,
		},
		{
			name:              "empty constraints match anything",
			demandConstraints: "",
			offerProps:        []string{"whatever=value"},
			want:              MatchYes,
		},
		{
			name:              "wildcard on bare property",
			demandConstraints: "(cpu.architecture=*)",
			offerProps:        []string{"cpu.architecture"},
			want:              MatchYes,
		},
		{
			name:              "wildcard on absent property",
			demandConstraints: "(cpu.architecture=*)",
			offerProps:        []string{"mem.gib=4"},
			want:              MatchNo,
		},
		{
			name:              "equality on bare property is undecided",
			demandConstraints: "(cpu.architecture=x86_64)",
			offerProps:        []string{"cpu.architecture"},
			want:              MatchUndefined,
		},
		{
			name:              "list membership",
			demandConstraints: "(runtime.capabilities=vpn)",
			offerProps:        []string{"runtime.capabilities=[inet,vpn,manifest]"},
			want:              MatchYes,
		},
		{
			name:              "list non-membership",
			demandConstraints: "(runtime.capabilities=gpu)",
			offerProps:        []string{"runtime.capabilities=[inet,vpn]"},
			want:              MatchNo,
		},
		{
			name:              "quoted literal equals quoted value",
			demandConstraints: `(os.family="linux")`,
			offerProps:        []string{`os.family="linux"`},
			want:              MatchYes,
		},
		{
			name:              "ordering on non-numeric is undecided",
			demandConstraints: "(os.family>linux)",
			offerProps:        []string{"os.family=linux"},
			want:              MatchUndefined,
		},
		{
			name:              "greater-or-equal boundary",
			demandConstraints: "(mem.gib>=4)",
			offerProps:        []string{"mem.gib=4"},
			want:              MatchYes,
		},
		{
			name:              "less-or-equal boundary",
			demandConstraints: "(mem.gib<=4)",
			offerProps:        []string{"mem.gib=4"},
			want:              MatchYes,
		},
		{
			name:              "negation flips a decided outcome",
			demandConstraints: "(!(cpu.architecture=arm64))",
			offerProps:        []string{"cpu.architecture=x86_64"},
			want:              MatchYes,
		},
		{
			name:              "negation keeps undecided undecided",
			demandConstraints: "(!(mem.gib>2))",
			offerProps:        []string{"cpu.architecture=x86_64"},
			want:              MatchUndefined,
		},
		{
			name:              "empty disjunction never matches",
			demandConstraints: "(|)",
			offerProps:        []string{"cpu.architecture=x86_64"},
			want:              MatchNo,
		},
		{
			name:              "empty conjunction always matches",
			demandConstraints: "(&)",
			want:              MatchYes,
		},
		{
			name:              "disjunction with one true branch",
			demandConstraints: "(|(os.family=windows)(os.family=linux))",
			offerProps:        []string{"os.family=linux"},
			want:              MatchYes,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match, err := MatchDemandOffer(tt.demandProps, tt.demandConstraints, tt.offerProps, tt.offerConstraints)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if match.Kind != tt.want {
				t.Errorf("Kind = %s, want %s", match.Kind, tt.want)
			}
			if (match.Kind == MatchYes) != match.Matched() {
				t.Errorf("Matched() inconsistent with Kind %s", match.Kind)
			}
		})
	}
}

func TestMatchDemandOffer_ParseFailureIsError(t *testing.T) {
	_, err := MatchDemandOffer(nil, "(unterminated", nil, "")
	if err == nil {
		t.Fatal("expected error for malformed demand constraints")
	}
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("error %v does not wrap *ParseError", err)
	}

	_, err = MatchDemandOffer(nil, "", nil, "(also bad")
	if err == nil {
		t.Fatal("expected error for malformed offer constraints")
	}
}

func TestMatchDemandOffer_Diagnostics(t *testing.T) {
	match, err := MatchDemandOffer(
		nil, "(&(cpu.architecture=arm64)(os.family=windows))",
		[]string{"cpu.architecture=x86_64", "os.family=linux"}, "",
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match.Kind != MatchNo {
		t.Fatalf("Kind = %s, want no", match.Kind)
	}

	res := match.DemandResult
	if len(res.UnmatchedRefs) != 2 {
		t.Errorf("UnmatchedRefs = %v, want both failing refs", res.UnmatchedRefs)
	}
	if len(res.UnmatchedValues) != 2 {
		t.Errorf("UnmatchedValues = %v, want both failing values", res.UnmatchedValues)
	}
}

func TestMatchDemandOffer_UndefinedDiagnostics(t *testing.T) {
	match, err := MatchDemandOffer(
		nil, "(&(cpu.architecture=x86_64)(mem.gib>2)(storage.gib>10))",
		[]string{"cpu.architecture=x86_64"}, "",
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match.Kind != MatchUndefined {
		t.Fatalf("Kind = %s, want undefined", match.Kind)
	}

	res := match.DemandResult
	if len(res.UnresolvedRefs) != 2 {
		t.Errorf("UnresolvedRefs = %v, want both unpublished refs", res.UnresolvedRefs)
	}
	if res.Cause == nil {
		t.Error("Cause is nil, want the first undecided sub-expression")
	}
}

func TestMatchPrepared_Aspects(t *testing.T) {
	demand, err := Prepare(nil, "(runtime.name[version]=1.2)")
	if err != nil {
		t.Fatalf("preparing demand: %v", err)
	}
	offer, err := Prepare([]string{"runtime.name=vm"}, "")
	if err != nil {
		t.Fatalf("preparing offer: %v", err)
	}

	// Base property published but the aspect is not: still undecided.
	if got := MatchPrepared(demand, offer).Kind; got != MatchUndefined {
		t.Fatalf("Kind = %s, want undefined before aspect injection", got)
	}

	if !offer.Properties.SetPropertyAspect("runtime.name", "version", "1.2") {
		t.Fatal("SetPropertyAspect failed for published property")
	}
	if got := MatchPrepared(demand, offer).Kind; got != MatchYes {
		t.Fatalf("Kind = %s, want yes after aspect injection", got)
	}

	if offer.Properties.SetPropertyAspect("absent", "version", "1.2") {
		t.Error("SetPropertyAspect succeeded for absent property")
	}
}

func TestMatchPrepared_AspectMismatch(t *testing.T) {
	demand, err := Prepare(nil, "(runtime.name[version]=2.0)")
	if err != nil {
		t.Fatalf("preparing demand: %v", err)
	}
	offer, err := Prepare([]string{"runtime.name=vm"}, "")
	if err != nil {
		t.Fatalf("preparing offer: %v", err)
	}
	offer.Properties.SetPropertyAspect("runtime.name", "version", "1.2")

	if got := MatchPrepared(demand, offer).Kind; got != MatchNo {
		t.Fatalf("Kind = %s, want no for mismatched aspect value", got)
	}
}

func TestMatchPrepared_WildcardOnAspect(t *testing.T) {
	demand, err := Prepare(nil, "(runtime.name[version]=*)")
	if err != nil {
		t.Fatalf("preparing demand: %v", err)
	}
	offer, err := Prepare([]string{"runtime.name=vm"}, "")
	if err != nil {
		t.Fatalf("preparing offer: %v", err)
	}

	if got := MatchPrepared(demand, offer).Kind; got != MatchUndefined {
		t.Fatalf("Kind = %s, want undefined for missing aspect", got)
	}

	offer.Properties.SetPropertyAspect("runtime.name", "version", "9")
	if got := MatchPrepared(demand, offer).Kind; got != MatchYes {
		t.Fatalf("Kind = %s, want yes once the aspect exists", got)
	}
}

func TestParseProperties(t *testing.T) {
	ps, err := ParseProperties([]string{"cpu.cores=8", "cpu.architecture", "price=0.1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ps.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", ps.Len())
	}

	cores, ok := ps.Get("cpu.cores")
	if !ok || !cores.HasValue {
		t.Fatal("cpu.cores missing or valueless")
	}
	if n, ok := cores.Value.Number(); !ok || n != 8 {
		t.Errorf("cpu.cores value = %v, want 8", cores.Value)
	}

	arch, ok := ps.Get("cpu.architecture")
	if !ok {
		t.Fatal("bare property not published")
	}
	if arch.HasValue {
		t.Error("bare property should have no value")
	}

	if _, err := ParseProperties([]string{"=oops"}); err == nil {
		t.Error("expected error for empty property name")
	}
}
