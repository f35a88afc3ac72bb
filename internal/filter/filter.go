// Package filter checks Haystack filter expressions before they are sent to a
// station. Only syntax is checked here; the station evaluates the filter.
package filter

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const DefaultMaxLen = 1024

type ValidationError struct {
	Filter string
	Pos    int
	Msg    string
}

func (e *ValidationError) Error() string {
	if e.Pos < 0 {
		return fmt.Sprintf("invalid filter: %s", e.Msg)
	}
	return fmt.Sprintf("invalid filter at offset %d: %s", e.Pos, e.Msg)
}

// Validator holds the limits applied to filter strings.
type Validator struct {
	MaxLen int
}

var defaultValidator = Validator{MaxLen: DefaultMaxLen}

// Validate checks filter with the default limits.
func Validate(filter string) (string, error) {
	return defaultValidator.Validate(filter)
}

// Validate returns filter unchanged when it is syntactically valid.
func (v Validator) Validate(filter string) (string, error) {
	maxLen := v.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	if len(filter) > maxLen {
		return "", &ValidationError{Filter: filter, Pos: -1, Msg: fmt.Sprintf("length %d exceeds maximum %d", len(filter), maxLen)}
	}
	if strings.TrimSpace(filter) == "" {
		return "", &ValidationError{Filter: filter, Pos: -1, Msg: "empty filter"}
	}
	if !utf8.ValidString(filter) {
		return "", &ValidationError{Filter: filter, Pos: -1, Msg: "not valid utf-8"}
	}
	for i, r := range filter {
		if unicode.IsControl(r) {
			return "", &ValidationError{Filter: filter, Pos: i, Msg: fmt.Sprintf("control character %U", r)}
		}
	}
	toks, err := lex(filter)
	if err != nil {
		return "", err
	}
	p := &parser{src: filter, toks: toks}
	if err := p.parseOr(); err != nil {
		return "", err
	}
	if t := p.peek(); t.kind != tokEOF {
		return "", p.errorf(t, "unexpected %s", t)
	}
	return filter, nil
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &ValidationError{Filter: p.src, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() error {
	if err := p.parseAnd(); err != nil {
		return err
	}
	for p.peek().isKeyword("or") {
		p.next()
		if err := p.parseAnd(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) parseAnd() error {
	if err := p.parseTerm(); err != nil {
		return err
	}
	for p.peek().isKeyword("and") {
		p.next()
		if err := p.parseTerm(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) parseTerm() error {
	t := p.next()
	switch {
	case t.kind == tokLParen:
		if err := p.parseOr(); err != nil {
			return err
		}
		if c := p.next(); c.kind != tokRParen {
			return p.errorf(t, "unbalanced parenthesis")
		}
		return nil
	case t.isKeyword("not"):
		return p.parsePath(p.next())
	case t.kind == tokName && !t.isReserved():
		if err := p.parsePath(t); err != nil {
			return err
		}
		if p.peek().kind == tokCmp {
			op := p.next()
			val := p.next()
			if !val.isValue() {
				return p.errorf(val, "expected value after %q, got %s", op.text, val)
			}
		}
		return nil
	case t.kind == tokRParen:
		return p.errorf(t, "unbalanced parenthesis")
	case t.kind == tokEOF:
		return p.errorf(t, "unexpected end of filter")
	}
	return p.errorf(t, "unexpected %s", t)
}

// parsePath consumes name ("->" name)* starting at first.
func (p *parser) parsePath(first token) error {
	if first.kind != tokName || first.isReserved() {
		return p.errorf(first, "expected tag name, got %s", first)
	}
	for p.peek().kind == tokArrow {
		p.next()
		n := p.next()
		if n.kind != tokName || n.isReserved() {
			return p.errorf(n, "expected tag name after ->, got %s", n)
		}
	}
	return nil
}
