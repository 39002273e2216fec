package expression

import (
	"strings"

	"github.com/eleven-am/conduit/internal/domain"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenNumber
	tokenString
	tokenIdent
	tokenLParen
	tokenRParen
	tokenLBracket
	tokenRBracket
	tokenDot
	tokenComma
	tokenStar
	tokenNot
	tokenEq
	tokenNeq
	tokenLt
	tokenLte
	tokenGt
	tokenGte
	tokenAnd
	tokenOr
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) endsOperand() bool {
	switch t.kind {
	case tokenNumber, tokenString, tokenIdent, tokenRParen, tokenRBracket, tokenStar:
		return true
	}
	return false
}

type lexer struct {
	src    string
	pos    int
	tokens []token
}

func tokenize(src string) ([]token, error) {
	l := &lexer{src: src}
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		l.tokens = append(l.tokens, tok)
		if tok.kind == tokenEOF {
			return l.tokens, nil
		}
	}
}

func (l *lexer) errorf(pos int, msg string) error {
	return &domain.EvaluationError{Expression: l.src, Position: pos, Message: msg}
}

func (l *lexer) prev() (token, bool) {
	if len(l.tokens) == 0 {
		return token{}, false
	}
	return l.tokens[len(l.tokens)-1], true
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
		l.pos++
	}
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokenEOF, pos: start}, nil
	}

	c := l.src[l.pos]
	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}

	switch two {
	case "==":
		l.pos += 2
		return token{kind: tokenEq, text: two, pos: start}, nil
	case "!=":
		l.pos += 2
		return token{kind: tokenNeq, text: two, pos: start}, nil
	case "<=":
		l.pos += 2
		return token{kind: tokenLte, text: two, pos: start}, nil
	case ">=":
		l.pos += 2
		return token{kind: tokenGte, text: two, pos: start}, nil
	case "&&":
		l.pos += 2
		return token{kind: tokenAnd, text: two, pos: start}, nil
	case "||":
		l.pos += 2
		return token{kind: tokenOr, text: two, pos: start}, nil
	}

	single := map[byte]tokenKind{
		'(': tokenLParen, ')': tokenRParen, '[': tokenLBracket, ']': tokenRBracket,
		',': tokenComma, '*': tokenStar, '!': tokenNot, '<': tokenLt, '>': tokenGt,
	}
	if kind, ok := single[c]; ok {
		l.pos++
		return token{kind: kind, text: string(c), pos: start}, nil
	}

	switch {
	case c == '\'':
		return l.lexString()
	case c == '.':
		if l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]) {
			if prev, ok := l.prev(); !ok || !prev.endsOperand() {
				return l.lexNumber()
			}
		}
		l.pos++
		return token{kind: tokenDot, text: ".", pos: start}, nil
	case isDigit(c):
		return l.lexNumber()
	case c == '-' || c == '+':
		if prev, ok := l.prev(); (!ok || !prev.endsOperand()) && l.pos+1 < len(l.src) && (isDigit(l.src[l.pos+1]) || l.src[l.pos+1] == '.') {
			return l.lexNumber()
		}
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokenIdent, text: l.src[start:l.pos], pos: start}, nil
	}

	return token{}, l.errorf(start, "unexpected character "+strconvQuote(c))
}

func (l *lexer) lexString() (token, error) {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\'' {
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '\'' {
				sb.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return token{kind: tokenString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, l.errorf(start, "unterminated string literal")
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if c := l.src[l.pos]; c == '-' || c == '+' {
		l.pos++
	}
	if strings.HasPrefix(l.src[l.pos:], "0x") || strings.HasPrefix(l.src[l.pos:], "0X") {
		l.pos += 2
		for l.pos < len(l.src) && isHexDigit(l.src[l.pos]) {
			l.pos++
		}
	} else {
		for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
			l.pos++
		}
		if l.pos < len(l.src) && (l.src[l.pos] == 'e' || l.src[l.pos] == 'E') {
			l.pos++
			if l.pos < len(l.src) && (l.src[l.pos] == '-' || l.src[l.pos] == '+') {
				l.pos++
			}
			for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
				l.pos++
			}
		}
	}
	if l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
		return token{}, l.errorf(start, "malformed number")
	}
	return token{kind: tokenNumber, text: l.src[start:l.pos], pos: start}, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '-'
}

func strconvQuote(c byte) string {
	return "'" + string(c) + "'"
}
