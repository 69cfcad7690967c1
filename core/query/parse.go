package query

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Parse parses a filter/select/sort expression string like
//
//	and(eq(code,'lt'),ne(country.name,'x'))
//	select(name,country.name)
//	sort(-population)
//
// into an expression tree. Dotted names compile into nested getattr
// calls, a leading minus into a Negative sort key.
func Parse(input string) (*Expr, error) {
	p := &parser{input: input}
	node, err := p.parseNode()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.input[p.pos:], p.pos)
	}
	expr, ok := node.(*Expr)
	if !ok {
		return nil, fmt.Errorf("expression expected, got %q", input)
	}
	return expr, nil
}

// ParseEq builds the canonical equality-on-id expression used when a
// request addresses a single row by primary key.
func ParseEq(field string, value interface{}) *Expr {
	return NewExpr("eq", Bind{Name: field}, value)
}

type parser struct {
	input string
	pos   int
}

func (p *parser) parseNode() (interface{}, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	c := p.input[p.pos]
	switch {
	case c == '\'' || c == '"':
		return p.parseString(c)
	case c == '-' || c == '+' || unicode.IsDigit(rune(c)):
		if c == '-' || c == '+' {
			// a sign followed by a name is a sort direction marker
			if p.pos+1 < len(p.input) && isNameStart(p.input[p.pos+1]) {
				p.pos++
				name, err := p.parseName()
				if err != nil {
					return nil, err
				}
				if c == '-' {
					return Negative{Name: name}, nil
				}
				return Positive{Name: name}, nil
			}
		}
		return p.parseNumber()
	case isNameStart(c):
		return p.parseNameOrCall()
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", c, p.pos)
}

func (p *parser) parseNameOrCall() (interface{}, error) {
	name, err := p.parseName()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == '(' {
		if strings.Contains(name, ".") {
			return nil, fmt.Errorf("dotted function name %q", name)
		}
		p.pos++
		var args []interface{}
		p.skipSpace()
		if p.pos < len(p.input) && p.input[p.pos] == ')' {
			p.pos++
			return NewExpr(name), nil
		}
		for {
			arg, err := p.parseNode()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			p.skipSpace()
			if p.pos >= len(p.input) {
				return nil, fmt.Errorf("unterminated call of %s", name)
			}
			switch p.input[p.pos] {
			case ',':
				p.pos++
				continue
			case ')':
				p.pos++
				return NewExpr(name, args...), nil
			default:
				return nil, fmt.Errorf("unexpected %q at offset %d", p.input[p.pos], p.pos)
			}
		}
	}

	switch name {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	return bindName(name), nil
}

// bindName turns a possibly dotted name into a bind or a nested getattr
// chain: a.b.c becomes getattr(getattr(a,b),c).
func bindName(name string) interface{} {
	parts := strings.Split(name, ".")
	var node interface{} = Bind{Name: parts[0]}
	for _, part := range parts[1:] {
		node = NewExpr("getattr", node, Bind{Name: part})
	}
	return node
}

func (p *parser) parseName() (string, error) {
	start := p.pos
	for p.pos < len(p.input) && isNameChar(p.input[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return "", fmt.Errorf("name expected at offset %d", start)
	}
	return p.input[start:p.pos], nil
}

func (p *parser) parseString(quote byte) (interface{}, error) {
	p.pos++
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != quote {
		p.pos++
	}
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unterminated string at offset %d", start)
	}
	s := p.input[start:p.pos]
	p.pos++
	return s, nil
}

func (p *parser) parseNumber() (interface{}, error) {
	start := p.pos
	if p.input[p.pos] == '-' || p.input[p.pos] == '+' {
		p.pos++
	}
	for p.pos < len(p.input) && (unicode.IsDigit(rune(p.input[p.pos])) || p.input[p.pos] == '.') {
		p.pos++
	}
	text := p.input[start:p.pos]
	if strings.Contains(text, ".") {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", text)
		}
		return f, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", text)
	}
	return n, nil
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func isNameStart(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || c == '.' || ('0' <= c && c <= '9')
}
