package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueKind tags the closed set of property value types.
type ValueKind int

const (
	KindString ValueKind = iota
	KindNumber
	KindBool
	KindList
)

// Value is a dynamically typed property value, resolved from literal
// syntax at parse time: "..." or a bare word is a String, a decimal is a
// Number, true/false is a Bool, [a,b,c] is a List.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []Value
}

// ParseValue resolves a literal into a typed Value.
func ParseValue(lit string) Value {
	lit = strings.TrimSpace(lit)
	if len(lit) >= 2 && lit[0] == '"' && lit[len(lit)-1] == '"' {
		return Value{Kind: KindString, Str: lit[1 : len(lit)-1]}
	}
	if lit == "true" || lit == "false" {
		return Value{Kind: KindBool, Bool: lit == "true"}
	}
	if n, err := strconv.ParseFloat(lit, 64); err == nil {
		return Value{Kind: KindNumber, Num: n}
	}
	if len(lit) >= 2 && lit[0] == '[' && lit[len(lit)-1] == ']' {
		inner := lit[1 : len(lit)-1]
		var list []Value
		if strings.TrimSpace(inner) != "" {
			for _, part := range strings.Split(inner, ",") {
				list = append(list, ParseValue(part))
			}
		}
		return Value{Kind: KindList, List: list}
	}
	return Value{Kind: KindString, Str: lit}
}

// Equals compares the value against a constraint literal, coercing the
// literal to the value's declared type. A literal that cannot be coerced
// is a comparison-policy mismatch, reported as false.
func (v Value) Equals(lit string) bool {
	switch v.Kind {
	case KindString:
		return v.Str == strings.Trim(lit, `"`)
	case KindNumber:
		n, err := strconv.ParseFloat(lit, 64)
		return err == nil && v.Num == n
	case KindBool:
		return (lit == "true") == v.Bool && (lit == "true" || lit == "false")
	case KindList:
		for _, elem := range v.List {
			if elem.Equals(lit) {
				return true
			}
		}
		return false
	}
	return false
}

// Number returns the numeric form of the value, if it has one.
func (v Value) Number() (float64, bool) {
	if v.Kind != KindNumber {
		return 0, false
	}
	return v.Num, true
}

// Property is one attribute of a Demand/Offer: a name, an optional typed
// value, and an optional aspect map. A property published as a bare name
// declares presence without a value.
type Property struct {
	Name     string
	HasValue bool
	Value    Value
	Aspects  map[string]string
}

// PropertySet holds all properties of one side of a negotiation. It is
// immutable after parsing and safe for concurrent evaluation; the aspect
// setter exists for test and debug tooling only.
type PropertySet struct {
	props map[string]*Property
}

// ParseProperties builds a PropertySet from flat "key=value" / "key"
// entries.
func ParseProperties(entries []string) (*PropertySet, error) {
	ps := &PropertySet{props: make(map[string]*Property, len(entries))}
	for _, entry := range entries {
		name, lit, hasValue := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("property entry %q: empty name", entry)
		}
		p := &Property{Name: name, HasValue: hasValue}
		if hasValue {
			p.Value = ParseValue(lit)
		}
		ps.props[name] = p
	}
	return ps, nil
}

// Get returns the named property, if published.
func (ps *PropertySet) Get(name string) (*Property, bool) {
	p, ok := ps.props[name]
	return p, ok
}

// Len returns the number of published properties.
func (ps *PropertySet) Len() int {
	return len(ps.props)
}

// SetPropertyAspect attaches aspect metadata to a published property.
// Returns false if the property does not exist. Debug/test tooling only;
// production property sets are read-only after parse.
func (ps *PropertySet) SetPropertyAspect(name, aspect, value string) bool {
	p, ok := ps.props[name]
	if !ok {
		return false
	}
	if p.Aspects == nil {
		p.Aspects = make(map[string]string)
	}
	p.Aspects[aspect] = value
	return true
}
