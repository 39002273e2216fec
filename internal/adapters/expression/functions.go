package expression

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

type function struct {
	minArgs int
	maxArgs int
	call    func(ev *evaluator, n *callNode, args []Value) (Value, error)
}

var statusFunctions = map[string]struct{}{
	"success":   {},
	"failure":   {},
	"always":    {},
	"cancelled": {},
}

var functions map[string]function

func init() {
	functions = map[string]function{
		"contains":   {2, 2, fnContains},
		"startswith": {2, 2, fnStartsWith},
		"endswith":   {2, 2, fnEndsWith},
		"format":     {1, -1, fnFormat},
		"join":       {1, 2, fnJoin},
		"tojson":     {1, 1, fnToJSON},
		"fromjson":   {1, 1, fnFromJSON},
		"success": {0, 0, func(ev *evaluator, _ *callNode, _ []Value) (Value, error) {
			return Bool(ev.ctx.success()), nil
		}},
		"failure": {0, 0, func(ev *evaluator, _ *callNode, _ []Value) (Value, error) {
			return Bool(ev.ctx.failure()), nil
		}},
		"always": {0, 0, func(*evaluator, *callNode, []Value) (Value, error) {
			return Bool(true), nil
		}},
		"cancelled": {0, 0, func(ev *evaluator, _ *callNode, _ []Value) (Value, error) {
			return Bool(ev.ctx.cancelled()), nil
		}},
	}
}

// fnContains is substring search for scalars and membership for lists.
func fnContains(_ *evaluator, _ *callNode, args []Value) (Value, error) {
	search, item := args[0], args[1]
	if search.Kind() == KindList {
		for _, candidate := range search.Items() {
			if Equal(candidate, item) {
				return Bool(true), nil
			}
		}
		return Bool(false), nil
	}
	return Bool(strings.Contains(strings.ToLower(search.String()), strings.ToLower(item.String()))), nil
}

func fnStartsWith(_ *evaluator, _ *callNode, args []Value) (Value, error) {
	return Bool(strings.HasPrefix(strings.ToLower(args[0].String()), strings.ToLower(args[1].String()))), nil
}

func fnEndsWith(_ *evaluator, _ *callNode, args []Value) (Value, error) {
	return Bool(strings.HasSuffix(strings.ToLower(args[0].String()), strings.ToLower(args[1].String()))), nil
}

func fnFormat(ev *evaluator, n *callNode, args []Value) (Value, error) {
	format := args[0].String()
	var sb strings.Builder

	for i := 0; i < len(format); i++ {
		c := format[i]
		switch {
		case c == '{' && i+1 < len(format) && format[i+1] == '{':
			sb.WriteByte('{')
			i++
		case c == '}' && i+1 < len(format) && format[i+1] == '}':
			sb.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(format[i:], '}')
			if end < 0 {
				return Null(), ev.errorf(n.at, "format string has unclosed '{'")
			}
			index, err := strconv.Atoi(format[i+1 : i+end])
			if err != nil || index < 0 || index+1 >= len(args) {
				return Null(), ev.errorf(n.at, "format placeholder "+format[i:i+end+1]+" has no argument")
			}
			sb.WriteString(args[index+1].String())
			i += end
		case c == '}':
			return Null(), ev.errorf(n.at, "format string has unmatched '}'")
		default:
			sb.WriteByte(c)
		}
	}
	return String(sb.String()), nil
}

func fnJoin(_ *evaluator, _ *callNode, args []Value) (Value, error) {
	sep := ","
	if len(args) > 1 {
		sep = args[1].String()
	}
	if args[0].Kind() != KindList {
		return String(args[0].String()), nil
	}
	parts := make([]string, 0, len(args[0].Items()))
	for _, item := range args[0].Items() {
		parts = append(parts, item.String())
	}
	return String(strings.Join(parts, sep)), nil
}

func fnToJSON(ev *evaluator, n *callNode, args []Value) (Value, error) {
	data, err := json.MarshalIndent(args[0].ToGo(), "", "  ")
	if err != nil {
		return Null(), ev.errorf(n.at, "toJSON: "+err.Error())
	}
	return String(string(data)), nil
}

func fnFromJSON(ev *evaluator, n *callNode, args []Value) (Value, error) {
	if args[0].Kind() != KindString {
		return Null(), ev.errorf(n.at, "fromJSON expects a string, got "+args[0].Kind().String())
	}
	var decoded any
	if err := json.Unmarshal([]byte(args[0].String()), &decoded); err != nil {
		return Null(), ev.errorf(n.at, "fromJSON: "+err.Error())
	}
	return FromGo(decoded), nil
}
