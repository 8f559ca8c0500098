package engine

import "fmt"

// MatchKind classifies the outcome of matching a demand against an
// offer.
type MatchKind int

const (
	// MatchYes means both constraint directions evaluated true.
	MatchYes MatchKind = iota
	// MatchNo means at least one direction evaluated false.
	MatchNo
	// MatchUndefined means no direction evaluated false but at least one
	// could not be decided with the currently published properties.
	MatchUndefined
)

func (k MatchKind) String() string {
	switch k {
	case MatchYes:
		return "yes"
	case MatchNo:
		return "no"
	}
	return "undefined"
}

// Match is the two-directional result of matching a demand/offer pair.
// DemandResult is the demand's constraints evaluated against the offer's
// properties; OfferResult is the mirror direction.
type Match struct {
	Kind         MatchKind
	DemandResult MatchResult
	OfferResult  MatchResult
}

// Matched reports a full two-directional match.
func (m Match) Matched() bool {
	return m.Kind == MatchYes
}

// Prepared is one side of a negotiation compiled for evaluation: parsed
// properties plus a compiled constraint tree. Prepared values are
// read-only and safe to share across concurrent matches.
type Prepared struct {
	Properties  *PropertySet
	Constraints Expression
}

// Prepare parses a side's property list and compiles its constraints.
func Prepare(properties []string, constraints string) (*Prepared, error) {
	props, err := ParseProperties(properties)
	if err != nil {
		return nil, err
	}
	expr, err := ParseConstraints(constraints)
	if err != nil {
		return nil, err
	}
	return &Prepared{Properties: props, Constraints: expr}, nil
}

// MatchPrepared evaluates both constraint directions between an already
// prepared demand and offer.
func MatchPrepared(demand, offer *Prepared) Match {
	demandRes := demand.Constraints.Evaluate(offer.Properties)
	offerRes := offer.Constraints.Evaluate(demand.Properties)

	kind := MatchYes
	switch {
	case demandRes.Outcome == OutcomeFalse || offerRes.Outcome == OutcomeFalse:
		kind = MatchNo
	case demandRes.Outcome == OutcomeUndefined || offerRes.Outcome == OutcomeUndefined:
		kind = MatchUndefined
	}
	return Match{Kind: kind, DemandResult: demandRes, OfferResult: offerRes}
}

// MatchDemandOffer prepares both sides and evaluates the two-directional
// match. A parse failure of either side is an error, not a non-match.
func MatchDemandOffer(demandProps []string, demandConstraints string, offerProps []string, offerConstraints string) (Match, error) {
	demand, err := Prepare(demandProps, demandConstraints)
	if err != nil {
		return Match{}, fmt.Errorf("preparing demand: %w", err)
	}
	offer, err := Prepare(offerProps, offerConstraints)
	if err != nil {
		return Match{}, fmt.Errorf("preparing offer: %w", err)
	}
	return MatchPrepared(demand, offer), nil
}
