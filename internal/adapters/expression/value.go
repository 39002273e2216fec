package expression

import (
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return "null"
}

// Value is the tagged union every expression operates on. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

func String(s string) Value { return Value{kind: KindString, s: s} }

func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// Truthy treats null, false, 0, NaN and the empty string as false.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0 && !math.IsNaN(v.n)
	case KindString:
		return v.s != ""
	}
	return true
}

// Number coerces the value: null is 0, booleans are 0 or 1, unparsable strings and containers are NaN.
func (v Value) Number() float64 {
	switch v.kind {
	case KindNull:
		return 0
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	case KindNumber:
		return v.n
	case KindString:
		return parseNumber(v.s)
	}
	return math.NaN()
}

// String renders the value the way interpolation does.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindNumber:
		return formatNumber(v.n)
	case KindString:
		return v.s
	}
	data, err := json.Marshal(v.ToGo())
	if err != nil {
		return ""
	}
	return string(data)
}

func (v Value) Items() []Value {
	if v.kind == KindList {
		return v.list
	}
	return nil
}

// Fields returns a map value's entries. The returned map must not be modified.
func (v Value) Fields() map[string]Value {
	if v.kind == KindMap {
		return v.m
	}
	return nil
}

// Get looks up a property, falling back to a case-insensitive match. Missing keys yield null.
func (v Value) Get(name string) Value {
	if v.kind != KindMap {
		return Null()
	}
	if found, ok := v.m[name]; ok {
		return found
	}
	for key, found := range v.m {
		if strings.EqualFold(key, name) {
			return found
		}
	}
	return Null()
}

// Index returns the i-th element of a list, or null when out of range.
func (v Value) Index(i int) Value {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Null()
	}
	return v.list[i]
}

// ToGo converts the value back into plain Go types.
func (v Value) ToGo() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.ToGo()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.ToGo()
		}
		return out
	}
	return nil
}

// FromGo converts decoded JSON/YAML data and common Go collections into a Value.
func FromGo(in any) Value {
	switch t := in.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int8:
		return Number(float64(t))
	case int16:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case uint:
		return Number(float64(t))
	case uint8:
		return Number(float64(t))
	case uint16:
		return Number(float64(t))
	case uint32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case json.Number:
		return Number(parseNumber(string(t)))
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromGo(item)
		}
		return List(items...)
	case []string:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = String(item)
		}
		return List(items...)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			m[k] = FromGo(item)
		}
		return Map(m)
	case map[string]string:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			m[k] = String(item)
		}
		return Map(m)
	case map[string]Value:
		return Map(t)
	}
	return fromReflect(reflect.ValueOf(in))
}

func fromReflect(rv reflect.Value) Value {
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return Null()
		}
		return FromGo(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		items := make([]Value, rv.Len())
		for i := range items {
			items[i] = FromGo(rv.Index(i).Interface())
		}
		return List(items...)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		m := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = FromGo(iter.Value().Interface())
		}
		return Map(m)
	case reflect.String:
		return String(rv.String())
	}

	data, err := json.Marshal(rv.Interface())
	if err != nil {
		return Null()
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return Null()
	}
	return FromGo(decoded)
}

// Equal implements expression equality. Null equals only null, strings compare
// case-insensitively and mismatched scalar kinds compare as numbers.
func Equal(a, b Value) bool {
	if a.kind == KindNull || b.kind == KindNull {
		return a.kind == b.kind
	}
	if a.kind == b.kind {
		switch a.kind {
		case KindBool:
			return a.b == b.b
		case KindNumber:
			return a.n == b.n
		case KindString:
			return strings.EqualFold(a.s, b.s)
		}
		return false
	}
	if a.kind == KindList || a.kind == KindMap || b.kind == KindList || b.kind == KindMap {
		return false
	}
	an, bn := a.Number(), b.Number()
	return an == bn
}

// compare returns -1, 0 or 1, and false when the operands are not ordered.
func compare(a, b Value) (int, bool) {
	if a.kind == KindNull || b.kind == KindNull {
		return 0, false
	}
	if a.kind == KindString && b.kind == KindString {
		return strings.Compare(strings.ToLower(a.s), strings.ToLower(b.s)), true
	}
	an, bn := a.Number(), b.Number()
	if math.IsNaN(an) || math.IsNaN(bn) {
		return 0, false
	}
	switch {
	case an < bn:
		return -1, true
	case an > bn:
		return 1, true
	}
	return 0, true
}

// sortedValues returns a map's values ordered by key.
func sortedValues(m map[string]Value) []Value {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Value, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}

func parseNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseInt(s[2:], 16, 64)
		if err != nil {
			return math.NaN()
		}
		return float64(n)
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return n
}

func formatNumber(n float64) string {
	switch {
	case math.IsNaN(n):
		return "NaN"
	case math.IsInf(n, 1):
		return "Infinity"
	case math.IsInf(n, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}
