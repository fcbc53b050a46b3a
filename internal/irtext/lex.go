// Package irtext parses the textual module form produced by the ir
// printer. The printer's output round-trips: parse(print(m)) is
// structurally identical to m.
package irtext

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokValueRef // %name
	tokAtIdent  // @name
	tokPunct    // single char: ( ) { } [ ] < > , ; : = *
	tokArrow    // ->
)

type token struct {
	kind tokenKind
	text string // without the leading % or @ sigil
	line int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokValueRef:
		return "%" + t.text
	case tokAtIdent:
		return "@" + t.text
	case tokString:
		return strconv.Quote(t.text)
	default:
		return t.text
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || c == '.' || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// lex tokenizes the whole input up front; the token stream is small
// enough that streaming buys nothing.
func lex(src string) ([]token, error) {
	var toks []token
	line := 1
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\n':
			line++
			i++
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '-' && i+1 < len(src) && src[i+1] == '>':
			toks = append(toks, token{kind: tokArrow, text: "->", line: line})
			i += 2
		case c == '%' || c == '@':
			j := i + 1
			for j < len(src) && isIdentChar(src[j]) {
				j++
			}
			if j == i+1 {
				return nil, errors.Errorf("irtext:%d: dangling %q", line, c)
			}
			kind := tokValueRef
			if c == '@' {
				kind = tokAtIdent
			}
			toks = append(toks, token{kind: kind, text: src[i+1 : j], line: line})
			i = j
		case c == '"':
			j := i + 1
			for j < len(src) && src[j] != '"' {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(src) {
				return nil, errors.Errorf("irtext:%d: unterminated string", line)
			}
			text, err := strconv.Unquote(src[i : j+1])
			if err != nil {
				return nil, errors.Wrapf(err, "irtext:%d", line)
			}
			toks = append(toks, token{kind: tokString, text: text, line: line})
			i = j + 1
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentChar(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], line: line})
			i = j
		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1])):
			j := i + 1
			for j < len(src) && (isDigit(src[j]) || src[j] == '.' || src[j] == 'e' ||
				src[j] == 'E' || src[j] == '+' || src[j] == '-') {
				// A '-' only continues the number after an exponent.
				if (src[j] == '+' || src[j] == '-') && src[j-1] != 'e' && src[j-1] != 'E' {
					break
				}
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], line: line})
			i = j
		case strings.ContainsRune("(){}[]<>,;:=*", rune(c)):
			toks = append(toks, token{kind: tokPunct, text: string(c), line: line})
			i++
		default:
			return nil, errors.Errorf("irtext:%d: unexpected character %q", line, c)
		}
	}
	toks = append(toks, token{kind: tokEOF, line: line})
	return toks, nil
}
