package expression

import (
	"errors"
	"math"
	"strings"

	"github.com/eleven-am/conduit/internal/domain"
)

// Expression is a parsed expression that can be evaluated repeatedly.
type Expression struct {
	source string
	root   node
}

func Parse(source string) (*Expression, error) {
	root, err := parse(source)
	if err != nil {
		return nil, err
	}
	return &Expression{source: source, root: root}, nil
}

func (e *Expression) String() string {
	return e.source
}

// UsesStatusFunction reports whether the expression calls a status predicate.
func (e *Expression) UsesStatusFunction() bool {
	return usesStatusFunction(e.root)
}

// References reports whether the expression reads the named context, such as matrix.
func (e *Expression) References(name string) bool {
	return referencesContext(e.root, name)
}

func (e *Expression) Evaluate(ctx *Context) (Value, error) {
	ev := &evaluator{src: e.source, ctx: ctx}
	return ev.eval(e.root)
}

// Evaluate parses and evaluates source. A surrounding ${{ }} is optional.
func Evaluate(source string, ctx *Context) (Value, error) {
	expr, err := Parse(Unwrap(source))
	if err != nil {
		return Null(), err
	}
	return expr.Evaluate(ctx)
}

// ParseCondition parses an if expression. A condition made of several
// ${{ }} segments, such as "${{ a }} && ${{ b }}", is parsed as one
// expression with each segment parenthesised. An empty condition yields nil.
func ParseCondition(source string) (*Expression, error) {
	unwrapped := strings.TrimSpace(Unwrap(source))
	joined, err := joinSegments(unwrapped)
	if err != nil {
		return nil, err
	}
	if joined == "" {
		return nil, nil
	}

	expr, err := Parse(joined)
	if err != nil {
		var evalErr *domain.EvaluationError
		if joined != unwrapped && errors.As(err, &evalErr) {
			return nil, &domain.EvaluationError{
				Expression: joined,
				Position:   evalErr.Position,
				Message:    "text between ${{ }} segments is not part of a valid expression: " + evalErr.Message,
			}
		}
		return nil, err
	}
	return expr, nil
}

// Condition evaluates an if expression. Empty means success(), and expressions
// that call no status predicate are gated by success().
func Condition(source string, ctx *Context) (bool, error) {
	expr, err := ParseCondition(source)
	if err != nil {
		return false, err
	}
	if expr == nil {
		return ctx.success(), nil
	}
	if !expr.UsesStatusFunction() && !ctx.success() {
		return false, nil
	}

	v, err := expr.Evaluate(ctx)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

// Unwrap strips one ${{ }} wrapper enclosing the whole string.
func Unwrap(source string) string {
	trimmed := strings.TrimSpace(source)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") {
		inner := trimmed[3 : len(trimmed)-2]
		if end := findClose(inner, 0); end < 0 {
			return strings.TrimSpace(inner)
		}
	}
	return source
}

// Interpolate replaces each ${{ expr }} in template with the rendered value.
func Interpolate(template string, ctx *Context) (string, error) {
	if !strings.Contains(template, "${{") {
		return template, nil
	}

	var sb strings.Builder
	rest := template
	offset := 0
	for {
		start := strings.Index(rest, "${{")
		if start < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:start])

		body := rest[start+3:]
		end := findClose(body, 0)
		if end < 0 {
			return "", &domain.EvaluationError{Expression: template, Position: offset + start, Message: "unterminated ${{"}
		}

		v, err := Evaluate(strings.TrimSpace(body[:end]), ctx)
		if err != nil {
			return "", err
		}
		sb.WriteString(v.String())

		consumed := start + 3 + end + 2
		rest = rest[consumed:]
		offset += consumed
	}
}

// joinSegments rewrites every ${{ expr }} in source as (expr), keeping the
// text between segments.
func joinSegments(source string) (string, error) {
	if !strings.Contains(source, "${{") {
		return source, nil
	}

	var sb strings.Builder
	rest := source
	offset := 0
	for {
		start := strings.Index(rest, "${{")
		if start < 0 {
			sb.WriteString(rest)
			return strings.TrimSpace(sb.String()), nil
		}
		sb.WriteString(rest[:start])

		body := rest[start+3:]
		end := findClose(body, 0)
		if end < 0 {
			return "", &domain.EvaluationError{Expression: source, Position: offset + start, Message: "unterminated ${{"}
		}
		sb.WriteString("(")
		sb.WriteString(strings.TrimSpace(body[:end]))
		sb.WriteString(")")

		consumed := start + 3 + end + 2
		rest = rest[consumed:]
		offset += consumed
	}
}

// findClose returns the index of the first "}}" outside a string literal.
func findClose(s string, from int) int {
	inString := false
	for i := from; i < len(s); i++ {
		switch {
		case s[i] == '\'':
			inString = !inString
		case !inString && s[i] == '}' && i+1 < len(s) && s[i+1] == '}':
			return i
		}
	}
	return -1
}

type evaluator struct {
	src string
	ctx *Context
}

func (ev *evaluator) errorf(pos int, msg string) error {
	return &domain.EvaluationError{Expression: ev.src, Position: pos, Message: msg}
}

func (ev *evaluator) eval(n node) (Value, error) {
	switch t := n.(type) {
	case *literalNode:
		return t.value, nil
	case *identNode:
		v, ok := ev.ctx.lookup(t.name)
		if !ok {
			return Null(), ev.errorf(t.at, "unknown identifier "+t.name)
		}
		return v, nil
	case *pathNode:
		return ev.evalPath(t)
	case *callNode:
		return ev.evalCall(t)
	case *notNode:
		v, err := ev.eval(t.operand)
		if err != nil {
			return Null(), err
		}
		return Bool(!v.Truthy()), nil
	case *binaryNode:
		return ev.evalBinary(t)
	}
	return Null(), ev.errorf(n.position(), "unsupported expression")
}

func (ev *evaluator) evalBinary(n *binaryNode) (Value, error) {
	left, err := ev.eval(n.left)
	if err != nil {
		return Null(), err
	}

	switch n.op {
	case tokenAnd:
		if !left.Truthy() {
			return left, nil
		}
		return ev.eval(n.right)
	case tokenOr:
		if left.Truthy() {
			return left, nil
		}
		return ev.eval(n.right)
	}

	right, err := ev.eval(n.right)
	if err != nil {
		return Null(), err
	}

	switch n.op {
	case tokenEq:
		return Bool(Equal(left, right)), nil
	case tokenNeq:
		return Bool(!Equal(left, right)), nil
	}

	cmp, ok := compare(left, right)
	if !ok {
		return Bool(false), nil
	}
	switch n.op {
	case tokenLt:
		return Bool(cmp < 0), nil
	case tokenLte:
		return Bool(cmp <= 0), nil
	case tokenGt:
		return Bool(cmp > 0), nil
	case tokenGte:
		return Bool(cmp >= 0), nil
	}
	return Null(), ev.errorf(n.at, "unsupported operator")
}

func (ev *evaluator) evalPath(n *pathNode) (Value, error) {
	root, err := ev.eval(n.root)
	if err != nil {
		return Null(), err
	}

	current := []Value{root}
	filtered := false
	for _, step := range n.steps {
		switch step.kind {
		case stepFilter:
			var next []Value
			for _, v := range current {
				switch v.Kind() {
				case KindList:
					next = append(next, v.Items()...)
				case KindMap:
					next = append(next, sortedValues(v.Fields())...)
				}
			}
			current = next
			filtered = true
		case stepProperty:
			current = project(current, filtered, func(v Value) Value { return v.Get(step.name) })
		case stepIndex:
			key, err := ev.eval(step.index)
			if err != nil {
				return Null(), err
			}
			current = project(current, filtered, func(v Value) Value { return indexValue(v, key) })
		}
	}

	if filtered {
		return List(current...), nil
	}
	return current[0], nil
}

func project(values []Value, dropNulls bool, fn func(Value) Value) []Value {
	out := make([]Value, 0, len(values))
	for _, v := range values {
		next := fn(v)
		if dropNulls && next.IsNull() {
			continue
		}
		out = append(out, next)
	}
	return out
}

func indexValue(v, key Value) Value {
	switch v.Kind() {
	case KindMap:
		return v.Get(key.String())
	case KindList:
		n := key.Number()
		if math.IsNaN(n) || n != math.Trunc(n) {
			return Null()
		}
		return v.Index(int(n))
	}
	return Null()
}

func (ev *evaluator) evalCall(n *callNode) (Value, error) {
	fn, ok := functions[n.name]
	if !ok {
		return Null(), ev.errorf(n.at, "unknown function "+n.name)
	}
	if len(n.args) < fn.minArgs || (fn.maxArgs >= 0 && len(n.args) > fn.maxArgs) {
		return Null(), ev.errorf(n.at, "wrong number of arguments to "+n.name)
	}

	args := make([]Value, len(n.args))
	for i, arg := range n.args {
		v, err := ev.eval(arg)
		if err != nil {
			return Null(), err
		}
		args[i] = v
	}
	return fn.call(ev, n, args)
}
