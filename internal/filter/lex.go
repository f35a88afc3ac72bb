package filter

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokName
	tokLParen
	tokRParen
	tokCmp
	tokArrow
	tokRef
	tokStr
	tokUri
	tokNumber
	tokSymbol
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of filter"
	}
	return fmt.Sprintf("%q", t.text)
}

func (t token) isKeyword(kw string) bool {
	return t.kind == tokName && t.text == kw
}

func (t token) isReserved() bool {
	switch t.text {
	case "and", "or", "not", "true", "false":
		return t.kind == tokName
	}
	return false
}

func (t token) isValue() bool {
	switch t.kind {
	case tokRef, tokStr, tokUri, tokNumber, tokSymbol:
		return true
	case tokName:
		return t.text == "true" || t.text == "false"
	}
	return false
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	errorf := func(pos int, format string, args ...any) error {
		return &ValidationError{Filter: src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
	}
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case strings.HasPrefix(src[i:], "->"):
			toks = append(toks, token{kind: tokArrow, text: "->", pos: i})
			i += 2
		case c == '=' || c == '!' || c == '<' || c == '>':
			op := src[i : i+1]
			if i+1 < len(src) && src[i+1] == '=' {
				op = src[i : i+2]
			}
			if op == "=" || op == "!" {
				return nil, errorf(i, "incomplete comparison operator %q", op)
			}
			toks = append(toks, token{kind: tokCmp, text: op, pos: i})
			i += len(op)
		case c == '@':
			j := i + 1
			for j < len(src) && isRefChar(src[j]) {
				j++
			}
			if j == i+1 {
				return nil, errorf(i, "empty ref")
			}
			toks = append(toks, token{kind: tokRef, text: src[i:j], pos: i})
			i = j
		case c == '^':
			j := i + 1
			for j < len(src) && isNameChar(src[j]) {
				j++
			}
			if j == i+1 {
				return nil, errorf(i, "empty symbol")
			}
			toks = append(toks, token{kind: tokSymbol, text: src[i:j], pos: i})
			i = j
		case c == '"':
			j, err := scanQuoted(src, i, '"')
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokStr, text: src[i:j], pos: i})
			i = j
		case c == '`':
			j, err := scanQuoted(src, i, '`')
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokUri, text: src[i:j], pos: i})
			i = j
		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1])):
			j := i + 1
			for j < len(src) && isNumberChar(src, j) {
				_, size := utf8.DecodeRuneInString(src[j:])
				j += size
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], pos: i})
			i = j
		case isNameStart(c):
			j := i + 1
			for j < len(src) && isNameChar(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokName, text: src[i:j], pos: i})
			i = j
		default:
			r, _ := utf8.DecodeRuneInString(src[i:])
			return nil, errorf(i, "unexpected character %q", r)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func scanQuoted(src string, start int, quote byte) (int, error) {
	for j := start + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case quote:
			return j + 1, nil
		}
	}
	return 0, &ValidationError{Filter: src, Pos: start, Msg: "unterminated literal"}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isNameStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

func isNameChar(c byte) bool {
	return isNameStart(c) || isDigit(c)
}

func isRefChar(c byte) bool {
	return isNameChar(c) || strings.IndexByte(":-.~", c) >= 0
}

// isNumberChar accepts digits, date/time separators and unit characters such
// as "°F", "%" or "m³/h".
func isNumberChar(src string, j int) bool {
	c := src[j]
	if isNameChar(c) || strings.IndexByte(".:-+%/$", c) >= 0 {
		return true
	}
	if c < utf8.RuneSelf {
		return false
	}
	r, _ := utf8.DecodeRuneInString(src[j:])
	return unicode.IsLetter(r) || unicode.IsSymbol(r) || unicode.IsNumber(r)
}
