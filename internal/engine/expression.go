package engine

import (
	"strconv"
	"strings"
)

// Outcome is the ternary result of evaluating an expression: a
// constraint over properties that are not published yet is undecided,
// not violated.
type Outcome int

const (
	OutcomeTrue Outcome = iota
	OutcomeFalse
	OutcomeUndefined
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTrue:
		return "true"
	case OutcomeFalse:
		return "false"
	}
	return "undefined"
}

// PropertyRef names a property inside an expression. An empty Aspect
// refers to the property's value; a non-empty Aspect resolves against
// its aspect map instead.
type PropertyRef struct {
	Name   string
	Aspect string
}

func (r PropertyRef) String() string {
	if r.Aspect == "" {
		return r.Name
	}
	return r.Name + "[" + r.Aspect + "]"
}

// MatchResult is the outcome of evaluating one expression against one
// property set, with diagnostics: refs and values that failed (False) or
// refs that could not be resolved plus the sub-expression that caused
// the ambiguity (Undefined).
type MatchResult struct {
	Outcome         Outcome
	UnmatchedRefs   []PropertyRef
	UnmatchedValues []string
	UnresolvedRefs  []PropertyRef
	Cause           Expression
}

func resultTrue() MatchResult {
	return MatchResult{Outcome: OutcomeTrue}
}

func resultFalse(refs []PropertyRef, values []string) MatchResult {
	return MatchResult{Outcome: OutcomeFalse, UnmatchedRefs: refs, UnmatchedValues: values}
}

func resultUndefined(refs []PropertyRef, cause Expression) MatchResult {
	return MatchResult{Outcome: OutcomeUndefined, UnresolvedRefs: refs, Cause: cause}
}

// Expression is a parsed constraint tree. Trees are immutable and safe
// to share across concurrent evaluations.
type Expression interface {
	// Evaluate resolves the expression against the opposite side's
	// property set under ternary logic.
	Evaluate(props *PropertySet) MatchResult
	String() string
}

// EmptyExpr is the expression of an empty constraint string. It matches
// unconditionally.
type EmptyExpr struct{}

func (EmptyExpr) Evaluate(*PropertySet) MatchResult { return resultTrue() }
func (EmptyExpr) String() string                    { return "()" }

// CompareOp is a comparison operator of an expression item.
type CompareOp int

const (
	OpEquals CompareOp = iota
	OpGreater
	OpLess
)

func (op CompareOp) String() string {
	switch op {
	case OpGreater:
		return ">"
	case OpLess:
		return "<"
	}
	return "="
}

// CompareExpr compares a referenced property (or aspect) against a
// constraint literal.
type CompareExpr struct {
	Ref   PropertyRef
	Op    CompareOp
	Value string
}

func (e *CompareExpr) String() string {
	return "(" + e.Ref.String() + e.Op.String() + e.Value + ")"
}

func (e *CompareExpr) Evaluate(props *PropertySet) MatchResult {
	prop, ok := props.Get(e.Ref.Name)
	if !ok {
		// The counterpart may still publish this property in a later
		// negotiation round.
		return resultUndefined([]PropertyRef{e.Ref}, e)
	}

	if e.Ref.Aspect != "" {
		return e.evaluateAspect(prop)
	}

	if !prop.HasValue {
		// Declared presence without a value: the value may follow later.
		return resultUndefined([]PropertyRef{e.Ref}, e)
	}

	switch e.Op {
	case OpEquals:
		if prop.Value.Equals(e.Value) {
			return resultTrue()
		}
		return resultFalse([]PropertyRef{e.Ref}, []string{e.Value})
	case OpGreater, OpLess:
		propNum, ok := prop.Value.Number()
		if !ok {
			return resultUndefined([]PropertyRef{e.Ref}, e)
		}
		litNum, err := strconv.ParseFloat(e.Value, 64)
		if err != nil {
			return resultUndefined([]PropertyRef{e.Ref}, e)
		}
		var holds bool
		if e.Op == OpGreater {
			holds = propNum > litNum
		} else {
			holds = propNum < litNum
		}
		if holds {
			return resultTrue()
		}
		return resultFalse([]PropertyRef{e.Ref}, []string{e.Value})
	}
	return resultUndefined([]PropertyRef{e.Ref}, e)
}

// evaluateAspect resolves the reference against the property's aspect
// map. The base property exists, so a missing aspect is still ambiguous
// pending future aspect publication.
func (e *CompareExpr) evaluateAspect(prop *Property) MatchResult {
	aspect, ok := prop.Aspects[e.Ref.Aspect]
	if !ok {
		return resultUndefined([]PropertyRef{e.Ref}, e)
	}
	switch e.Op {
	case OpEquals:
		if aspect == strings.Trim(e.Value, `"`) {
			return resultTrue()
		}
		return resultFalse([]PropertyRef{e.Ref}, []string{e.Value})
	case OpGreater, OpLess:
		aspectNum, err1 := strconv.ParseFloat(aspect, 64)
		litNum, err2 := strconv.ParseFloat(e.Value, 64)
		if err1 != nil || err2 != nil {
			return resultUndefined([]PropertyRef{e.Ref}, e)
		}
		holds := aspectNum > litNum
		if e.Op == OpLess {
			holds = aspectNum < litNum
		}
		if holds {
			return resultTrue()
		}
		return resultFalse([]PropertyRef{e.Ref}, []string{e.Value})
	}
	return resultUndefined([]PropertyRef{e.Ref}, e)
}

// PresentExpr tests that a property (or aspect) is published, regardless
// of its value. Produced by the wildcard form "name=*".
type PresentExpr struct {
	Ref PropertyRef
}

func (e *PresentExpr) String() string {
	return "(" + e.Ref.String() + "=*)"
}

func (e *PresentExpr) Evaluate(props *PropertySet) MatchResult {
	prop, ok := props.Get(e.Ref.Name)
	if !ok {
		return resultFalse([]PropertyRef{e.Ref}, nil)
	}
	if e.Ref.Aspect != "" {
		if _, ok := prop.Aspects[e.Ref.Aspect]; !ok {
			// Base property exists; the aspect may still be published.
			return resultUndefined([]PropertyRef{e.Ref}, e)
		}
	}
	return resultTrue()
}

// NotExpr negates its child under ternary logic: an unknown cannot be
// resolved by negating it.
type NotExpr struct {
	Child Expression
}

func (e *NotExpr) String() string {
	return "(!" + e.Child.String() + ")"
}

func (e *NotExpr) Evaluate(props *PropertySet) MatchResult {
	res := e.Child.Evaluate(props)
	switch res.Outcome {
	case OutcomeTrue:
		return resultFalse(nil, nil)
	case OutcomeFalse:
		return resultTrue()
	}
	return res
}

// AndExpr is the conjunction of its children. Evaluation is an explicit
// accumulation fold, not a short-circuit: all failing children
// contribute their refs and values to the diagnostics.
type AndExpr struct {
	Children []Expression
}

func (e *AndExpr) String() string {
	var b strings.Builder
	b.WriteString("(&")
	for _, c := range e.Children {
		b.WriteString(c.String())
	}
	b.WriteString(")")
	return b.String()
}

func (e *AndExpr) Evaluate(props *PropertySet) MatchResult {
	var (
		falseRefs      []PropertyRef
		falseValues    []string
		undefinedRefs  []PropertyRef
		undefinedCause Expression
		anyFalse       bool
		anyUndefined   bool
	)
	for _, child := range e.Children {
		res := child.Evaluate(props)
		switch res.Outcome {
		case OutcomeFalse:
			anyFalse = true
			falseRefs = append(falseRefs, res.UnmatchedRefs...)
			falseValues = append(falseValues, res.UnmatchedValues...)
		case OutcomeUndefined:
			anyUndefined = true
			undefinedRefs = append(undefinedRefs, res.UnresolvedRefs...)
			if undefinedCause == nil {
				undefinedCause = res.Cause
			}
		}
	}
	if anyFalse {
		return resultFalse(falseRefs, falseValues)
	}
	if anyUndefined {
		return resultUndefined(undefinedRefs, undefinedCause)
	}
	return resultTrue()
}

// OrExpr is the disjunction of its children, the dual of AndExpr.
type OrExpr struct {
	Children []Expression
}

func (e *OrExpr) String() string {
	var b strings.Builder
	b.WriteString("(|")
	for _, c := range e.Children {
		b.WriteString(c.String())
	}
	b.WriteString(")")
	return b.String()
}

func (e *OrExpr) Evaluate(props *PropertySet) MatchResult {
	var (
		falseRefs      []PropertyRef
		falseValues    []string
		undefinedRefs  []PropertyRef
		undefinedCause Expression
		anyUndefined   bool
	)
	if len(e.Children) == 0 {
		return resultFalse(nil, nil)
	}
	for _, child := range e.Children {
		res := child.Evaluate(props)
		switch res.Outcome {
		case OutcomeTrue:
			return resultTrue()
		case OutcomeFalse:
			falseRefs = append(falseRefs, res.UnmatchedRefs...)
			falseValues = append(falseValues, res.UnmatchedValues...)
		case OutcomeUndefined:
			anyUndefined = true
			undefinedRefs = append(undefinedRefs, res.UnresolvedRefs...)
			if undefinedCause == nil {
				undefinedCause = res.Cause
			}
		}
	}
	if anyUndefined {
		return resultUndefined(undefinedRefs, undefinedCause)
	}
	return resultFalse(falseRefs, falseValues)
}
