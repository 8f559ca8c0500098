package engine

import (
	"fmt"
	"strings"
)

// ParseError reports a malformed constraint string, naming the offending
// token and its position. Parse failures are surfaced to the caller,
// never silently coerced into an empty constraint.
type ParseError struct {
	Pos   int
	Token string
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("constraint parse error at offset %d near %q: %s", e.Pos, e.Token, e.Msg)
}

// ParseConstraints compiles an LDAP-filter-like constraint string into
// an expression tree. A blank string compiles to the unconditionally
// matching EmptyExpr.
//
// Grammar:
//
//	Filter = '(' ( '&' Filter* | '|' Filter* | '!' Filter | Item ) ')'
//	Item   = Attr Op Literal
//	Op     = '=' | '>' | '<' | '>=' | '<='
//	Attr   = Name [ '[' Aspect ']' ]
//
// The wildcard literal '*' with '=' degenerates to a presence test.
func ParseConstraints(input string) (Expression, error) {
	p := &parser{input: input}
	p.skipSpace()
	if p.eof() {
		return EmptyExpr{}, nil
	}
	expr, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, p.errorf(p.pos, p.rest(), "unexpected trailing input")
	}
	return expr, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) eof() bool { return p.pos >= len(p.input) }

func (p *parser) peek() byte { return p.input[p.pos] }

func (p *parser) rest() string {
	const window = 12
	end := p.pos + window
	if end > len(p.input) {
		end = len(p.input)
	}
	return p.input[p.pos:end]
}

func (p *parser) skipSpace() {
	for !p.eof() && (p.peek() == ' ' || p.peek() == '\t' || p.peek() == '\n' || p.peek() == '\r') {
		p.pos++
	}
}

func (p *parser) errorf(pos int, token, msg string) error {
	return &ParseError{Pos: pos, Token: token, Msg: msg}
}

func (p *parser) expect(c byte) error {
	if p.eof() || p.peek() != c {
		return p.errorf(p.pos, p.rest(), fmt.Sprintf("expected %q", string(c)))
	}
	p.pos++
	return nil
}

func (p *parser) parseFilter() (Expression, error) {
	p.skipSpace()
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.eof() {
		return nil, p.errorf(p.pos, "", "unterminated filter")
	}

	switch p.peek() {
	case '&':
		p.pos++
		children, err := p.parseFilterList()
		if err != nil {
			return nil, err
		}
		return &AndExpr{Children: children}, nil
	case '|':
		p.pos++
		children, err := p.parseFilterList()
		if err != nil {
			return nil, err
		}
		return &OrExpr{Children: children}, nil
	case '!':
		p.pos++
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return &NotExpr{Child: child}, nil
	}
	return p.parseItem()
}

// parseFilterList parses zero or more nested filters up to the closing
// parenthesis of the enclosing And/Or.
func (p *parser) parseFilterList() ([]Expression, error) {
	var children []Expression
	for {
		p.skipSpace()
		if p.eof() {
			return nil, p.errorf(p.pos, "", "unterminated filter list")
		}
		if p.peek() == ')' {
			p.pos++
			return children, nil
		}
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
}

// parseItem parses a single comparison up to its closing parenthesis.
func (p *parser) parseItem() (Expression, error) {
	start := p.pos
	end := strings.IndexByte(p.input[p.pos:], ')')
	if end < 0 {
		return nil, p.errorf(start, p.rest(), "unterminated item")
	}
	token := p.input[p.pos : p.pos+end]
	p.pos += end + 1

	opIdx := strings.IndexAny(token, "=<>")
	if opIdx < 0 {
		return nil, p.errorf(start, token, "missing comparison operator")
	}

	attr := strings.TrimSpace(token[:opIdx])
	op := string(token[opIdx])
	valueStart := opIdx + 1
	if (op == ">" || op == "<") && valueStart < len(token) && token[valueStart] == '=' {
		op += "="
		valueStart++
	}
	value := strings.TrimSpace(token[valueStart:])

	ref, err := p.parseAttr(start, attr)
	if err != nil {
		return nil, err
	}
	if value == "" {
		return nil, p.errorf(start, token, "missing comparison value")
	}

	if value == "*" {
		if op != "=" {
			return nil, p.errorf(start, token, "wildcard requires '='")
		}
		return &PresentExpr{Ref: ref}, nil
	}

	switch op {
	case "=":
		return &CompareExpr{Ref: ref, Op: OpEquals, Value: value}, nil
	case ">":
		return &CompareExpr{Ref: ref, Op: OpGreater, Value: value}, nil
	case "<":
		return &CompareExpr{Ref: ref, Op: OpLess, Value: value}, nil
	case ">=":
		return &NotExpr{Child: &CompareExpr{Ref: ref, Op: OpLess, Value: value}}, nil
	case "<=":
		return &NotExpr{Child: &CompareExpr{Ref: ref, Op: OpGreater, Value: value}}, nil
	}
	return nil, p.errorf(start, token, "unknown comparison operator")
}

func (p *parser) parseAttr(pos int, attr string) (PropertyRef, error) {
	if attr == "" {
		return PropertyRef{}, p.errorf(pos, attr, "missing attribute name")
	}
	if open := strings.IndexByte(attr, '['); open >= 0 {
		if !strings.HasSuffix(attr, "]") {
			return PropertyRef{}, p.errorf(pos, attr, "unterminated aspect qualifier")
		}
		name := strings.TrimSpace(attr[:open])
		aspect := strings.TrimSpace(attr[open+1 : len(attr)-1])
		if name == "" || aspect == "" {
			return PropertyRef{}, p.errorf(pos, attr, "malformed aspect qualifier")
		}
		return PropertyRef{Name: name, Aspect: aspect}, nil
	}
	return PropertyRef{Name: attr}, nil
}
