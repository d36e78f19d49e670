package condition

import (
	"strconv"
	"strings"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokKey
	tokString
	tokNumber
	tokTrue
	tokFalse
	tokOp
	tokAnd
	tokOr
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

type lexer struct {
	src string
	pos int
}

func isKeyStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isKeyPart(c byte) bool {
	return isKeyStart(c) || (c >= '0' && c <= '9') || c == '.' || c == '-'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func (l *lexer) errorf(pos int, msg string) error {
	return &SyntaxError{Source: l.src, Offset: pos, Msg: msg}
}

func (l *lexer) tokens() ([]token, error) {
	var out []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
		if tok.kind == tokEOF {
			return out, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && strings.ContainsRune(" \t\r\n", rune(l.src[l.pos])) {
		l.pos++
	}
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}

	c := l.src[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case strings.HasPrefix(l.src[l.pos:], "&&"):
		l.pos += 2
		return token{kind: tokAnd, text: "&&", pos: start}, nil
	case strings.HasPrefix(l.src[l.pos:], "||"):
		l.pos += 2
		return token{kind: tokOr, text: "||", pos: start}, nil
	case c == '=' || c == '!' || c == '<' || c == '>':
		return l.operator()
	case c == '"' || c == '\'':
		return l.quoted(c)
	case isDigit(c) || (c == '-' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1])):
		return l.number()
	case isKeyStart(c):
		for l.pos < len(l.src) && isKeyPart(l.src[l.pos]) {
			l.pos++
		}
		text := l.src[start:l.pos]
		switch text {
		case "true":
			return token{kind: tokTrue, text: text, pos: start}, nil
		case "false":
			return token{kind: tokFalse, text: text, pos: start}, nil
		}
		return token{kind: tokKey, text: text, pos: start}, nil
	}
	return token{}, l.errorf(start, "unexpected character "+strconv.QuoteRune(rune(c)))
}

func (l *lexer) operator() (token, error) {
	start := l.pos
	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if strings.HasPrefix(l.src[l.pos:], op) {
			l.pos += len(op)
			return token{kind: tokOp, text: op, pos: start}, nil
		}
	}
	return token{}, l.errorf(start, "unknown operator")
}

func (l *lexer) quoted(quote byte) (token, error) {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\\' && l.pos+1 < len(l.src):
			sb.WriteByte(l.src[l.pos+1])
			l.pos += 2
		case c == quote:
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		default:
			sb.WriteByte(c)
			l.pos++
		}
	}
	return token{}, l.errorf(start, "unterminated string")
}

func (l *lexer) number() (token, error) {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
		l.pos++
	}
	text := l.src[start:l.pos]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, l.errorf(start, "invalid number "+strconv.Quote(text))
	}
	return token{kind: tokNumber, text: text, num: n, pos: start}, nil
}
