package expression

import (
	"math"
	"strings"

	"github.com/eleven-am/conduit/internal/domain"
)

type node interface {
	position() int
}

type literalNode struct {
	value Value
	at    int
}

type identNode struct {
	name string
	at   int
}

type stepKind int

const (
	stepProperty stepKind = iota
	stepIndex
	stepFilter
)

type pathStep struct {
	kind  stepKind
	name  string
	index node
}

type pathNode struct {
	root  node
	steps []pathStep
	at    int
}

type callNode struct {
	name string
	args []node
	at   int
}

type notNode struct {
	operand node
	at      int
}

type binaryNode struct {
	op          tokenKind
	left, right node
	at          int
}

func (n *literalNode) position() int { return n.at }
func (n *identNode) position() int   { return n.at }
func (n *pathNode) position() int    { return n.at }
func (n *callNode) position() int    { return n.at }
func (n *notNode) position() int     { return n.at }
func (n *binaryNode) position() int  { return n.at }

type parser struct {
	src    string
	tokens []token
	pos    int
	depth  int
}

const maxDepth = 50

func parse(src string) (node, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, tokens: tokens}
	if p.peek().kind == tokenEOF {
		return nil, p.errorf(0, "empty expression")
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, p.errorf(tok.pos, "unexpected token "+describe(tok))
	}
	return root, nil
}

func (p *parser) errorf(pos int, msg string) error {
	return &domain.EvaluationError{Expression: p.src, Position: pos, Message: msg}
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	tok := p.advance()
	if tok.kind != kind {
		return tok, p.errorf(tok.pos, "expected "+what+", found "+describe(tok))
	}
	return tok, nil
}

func (p *parser) enter(pos int) error {
	p.depth++
	if p.depth > maxDepth {
		return p.errorf(pos, "expression nested too deeply")
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOr {
		op := p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokenOr, left: left, right: right, at: op.pos}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenAnd {
		op := p.advance()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokenAnd, left: left, right: right, at: op.pos}
	}
	return left, nil
}

func (p *parser) parseEquality() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for k := p.peek().kind; k == tokenEq || k == tokenNeq; k = p.peek().kind {
		op := p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op.kind, left: left, right: right, at: op.pos}
	}
	return left, nil
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		k := p.peek().kind
		if k != tokenLt && k != tokenLte && k != tokenGt && k != tokenGte {
			return left, nil
		}
		op := p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op.kind, left: left, right: right, at: op.pos}
	}
}

func (p *parser) parseUnary() (node, error) {
	if tok := p.peek(); tok.kind == tokenNot {
		p.advance()
		if err := p.enter(tok.pos); err != nil {
			return nil, err
		}
		defer p.leave()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand, at: tok.pos}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	root, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	var steps []pathStep
	for {
		switch tok := p.peek(); tok.kind {
		case tokenDot:
			p.advance()
			next := p.advance()
			switch next.kind {
			case tokenIdent:
				steps = append(steps, pathStep{kind: stepProperty, name: next.text})
			case tokenStar:
				steps = append(steps, pathStep{kind: stepFilter})
			default:
				return nil, p.errorf(next.pos, "expected property name, found "+describe(next))
			}
		case tokenLBracket:
			p.advance()
			if p.peek().kind == tokenStar {
				p.advance()
				steps = append(steps, pathStep{kind: stepFilter})
			} else {
				if err := p.enter(tok.pos); err != nil {
					return nil, err
				}
				index, err := p.parseOr()
				p.leave()
				if err != nil {
					return nil, err
				}
				steps = append(steps, pathStep{kind: stepIndex, index: index})
			}
			if _, err := p.expect(tokenRBracket, "']'"); err != nil {
				return nil, err
			}
		default:
			if len(steps) == 0 {
				return root, nil
			}
			return &pathNode{root: root, steps: steps, at: root.position()}, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.advance()
	switch tok.kind {
	case tokenNumber:
		n := parseNumber(tok.text)
		if math.IsNaN(n) {
			return nil, p.errorf(tok.pos, "malformed number "+tok.text)
		}
		return &literalNode{value: Number(n), at: tok.pos}, nil
	case tokenString:
		return &literalNode{value: String(tok.text), at: tok.pos}, nil
	case tokenLParen:
		if err := p.enter(tok.pos); err != nil {
			return nil, err
		}
		defer p.leave()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokenRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokenIdent:
		switch strings.ToLower(tok.text) {
		case "true":
			return &literalNode{value: Bool(true), at: tok.pos}, nil
		case "false":
			return &literalNode{value: Bool(false), at: tok.pos}, nil
		case "null":
			return &literalNode{value: Null(), at: tok.pos}, nil
		}
		if p.peek().kind == tokenLParen {
			return p.parseCall(tok)
		}
		return &identNode{name: tok.text, at: tok.pos}, nil
	}
	return nil, p.errorf(tok.pos, "unexpected token "+describe(tok))
}

func (p *parser) parseCall(name token) (node, error) {
	p.advance()
	if err := p.enter(name.pos); err != nil {
		return nil, err
	}
	defer p.leave()

	call := &callNode{name: strings.ToLower(name.text), at: name.pos}
	if p.peek().kind == tokenRParen {
		p.advance()
		return call, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		call.args = append(call.args, arg)

		tok := p.advance()
		switch tok.kind {
		case tokenComma:
			continue
		case tokenRParen:
			return call, nil
		}
		return nil, p.errorf(tok.pos, "expected ',' or ')', found "+describe(tok))
	}
}

func describe(tok token) string {
	switch tok.kind {
	case tokenEOF:
		return "end of expression"
	case tokenString:
		return "string '" + tok.text + "'"
	}
	return "'" + tok.text + "'"
}

// usesStatusFunction reports whether the tree calls success, failure, always or cancelled.
func usesStatusFunction(n node) bool {
	switch t := n.(type) {
	case *callNode:
		if _, ok := statusFunctions[t.name]; ok {
			return true
		}
		for _, arg := range t.args {
			if usesStatusFunction(arg) {
				return true
			}
		}
	case *notNode:
		return usesStatusFunction(t.operand)
	case *binaryNode:
		return usesStatusFunction(t.left) || usesStatusFunction(t.right)
	case *pathNode:
		if usesStatusFunction(t.root) {
			return true
		}
		for _, step := range t.steps {
			if step.index != nil && usesStatusFunction(step.index) {
				return true
			}
		}
	}
	return false
}

// referencesContext reports whether the tree reads the named top-level context.
func referencesContext(n node, name string) bool {
	switch t := n.(type) {
	case *identNode:
		return strings.EqualFold(t.name, name)
	case *callNode:
		for _, arg := range t.args {
			if referencesContext(arg, name) {
				return true
			}
		}
	case *notNode:
		return referencesContext(t.operand, name)
	case *binaryNode:
		return referencesContext(t.left, name) || referencesContext(t.right, name)
	case *pathNode:
		if referencesContext(t.root, name) {
			return true
		}
		for _, step := range t.steps {
			if step.index != nil && referencesContext(step.index, name) {
				return true
			}
		}
	}
	return false
}
