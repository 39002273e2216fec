package matrix

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/eleven-am/conduit/internal/adapters/expression"
	"github.com/eleven-am/conduit/internal/domain"
	json "github.com/goccy/go-json"
)

// Expansion is the ordered result of expanding one job's matrix.
type Expansion struct {
	Dimensions   []string
	Combinations []map[string]any
}

type Expander struct {
	maxCombinations int
	logger          *slog.Logger
}

func NewExpander(maxCombinations int, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	if maxCombinations <= 0 {
		maxCombinations = domain.DefaultMatrixConfig().MaxCombinations
	}
	return &Expander{
		maxCombinations: maxCombinations,
		logger:          logger.With("component", "matrix-expander"),
	}
}

type dimension struct {
	name   string
	values []any
}

// Expand computes the combinations of spec. ctx may be nil for static matrices.
// The cartesian product runs in declared dimension order with the first dimension
// varying slowest; include-only entries follow in declaration order.
func (e *Expander) Expand(job string, spec *domain.MatrixSpec, ctx *expression.Context) (*Expansion, error) {
	if spec == nil {
		return &Expansion{}, nil
	}

	dims, include, exclude, err := e.resolve(job, spec, ctx)
	if err != nil {
		return nil, err
	}
	if len(dims) == 0 && len(include) == 0 {
		return nil, domain.NewMatrixError(job, "matrix declares no dimensions", nil)
	}

	declared := make(map[string]struct{}, len(dims))
	names := make([]string, len(dims))
	for i, d := range dims {
		if _, dup := declared[d.name]; dup {
			return nil, domain.NewMatrixError(job, fmt.Sprintf("dimension %q declared twice", d.name), nil)
		}
		if len(d.values) == 0 {
			return nil, domain.NewMatrixError(job, fmt.Sprintf("dimension %q has no values", d.name), nil)
		}
		declared[d.name] = struct{}{}
		names[i] = d.name
	}

	for i, entry := range exclude {
		if len(entry) == 0 {
			return nil, domain.NewMatrixError(job, fmt.Sprintf("exclude entry %d is empty", i), nil)
		}
		for key := range entry {
			if _, ok := declared[key]; !ok {
				return nil, domain.NewMatrixError(job, fmt.Sprintf("exclude entry %d references undeclared dimension %q", i, key), nil)
			}
		}
	}
	for i, entry := range include {
		if len(entry) == 0 {
			return nil, domain.NewMatrixError(job, fmt.Sprintf("include entry %d is empty", i), nil)
		}
	}

	if product := productSize(dims, e.maxCombinations); product > e.maxCombinations {
		return nil, domain.NewMatrixError(job, fmt.Sprintf("matrix expands to more than %d combinations", e.maxCombinations), nil)
	}

	var combos []map[string]any
	if len(dims) > 0 {
		combos = cartesian(dims)
	}

	kept := combos[:0]
	for _, combo := range combos {
		if !matchesAny(combo, exclude) {
			kept = append(kept, combo)
		}
	}
	combos = kept
	original := len(combos)

	for _, entry := range include {
		matched := false
		for i := 0; i < original; i++ {
			if !includeMatches(combos[i], entry, declared) {
				continue
			}
			merged, err := domain.MergeBindings(combos[i], entry)
			if err != nil {
				return nil, domain.NewMatrixError(job, "merge include", err)
			}
			combos[i] = merged
			matched = true
		}
		if !matched {
			combos = append(combos, copyMap(entry))
		}
	}

	if len(combos) == 0 {
		return nil, domain.NewMatrixError(job, "every combination was excluded", nil)
	}
	if len(combos) > e.maxCombinations {
		return nil, domain.NewMatrixError(job, fmt.Sprintf("matrix expands to more than %d combinations", e.maxCombinations), nil)
	}

	seen := make(map[string]int, len(combos))
	for i, combo := range combos {
		key := canonical(combo)
		if prev, dup := seen[key]; dup {
			return nil, domain.NewMatrixError(job, fmt.Sprintf("combinations %d and %d are identical", prev, i), nil)
		}
		seen[key] = i
	}

	e.logger.Debug("matrix expanded",
		"job", job,
		"dimensions", names,
		"combinations", len(combos),
		"excluded", productSize(dims, e.maxCombinations)-original)

	return &Expansion{Dimensions: names, Combinations: combos}, nil
}

func (e *Expander) resolve(job string, spec *domain.MatrixSpec, ctx *expression.Context) ([]dimension, []map[string]any, []map[string]any, error) {
	include := append([]map[string]any(nil), spec.Include...)
	exclude := append([]map[string]any(nil), spec.Exclude...)
	var dims []dimension

	if spec.Expression != "" {
		v, err := evaluate(job, spec.Expression, ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		if v.Kind() != expression.KindMap {
			return nil, nil, nil, domain.NewMatrixError(job, "matrix expression must produce an object, got "+v.Kind().String(), nil)
		}

		fields := v.Fields()
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			field := fields[key]
			switch key {
			case "include", "exclude":
				entries, err := objectList(job, key, field)
				if err != nil {
					return nil, nil, nil, err
				}
				if key == "include" {
					include = append(include, entries...)
				} else {
					exclude = append(exclude, entries...)
				}
			default:
				if field.Kind() != expression.KindList {
					return nil, nil, nil, domain.NewMatrixError(job, fmt.Sprintf("dimension %q must be a list, got %s", key, field.Kind()), nil)
				}
				dims = append(dims, dimension{name: key, values: toGoList(field)})
			}
		}
	}

	for _, d := range spec.Dimensions {
		if !d.IsDynamic() {
			dims = append(dims, dimension{name: d.Name, values: d.Values})
			continue
		}
		v, err := evaluate(job, d.Expression, ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		if v.Kind() != expression.KindList {
			return nil, nil, nil, domain.NewMatrixError(job, fmt.Sprintf("dimension %q must evaluate to a list, got %s", d.Name, v.Kind()), nil)
		}
		dims = append(dims, dimension{name: d.Name, values: toGoList(v)})
	}

	return dims, include, exclude, nil
}

func evaluate(job, expr string, ctx *expression.Context) (expression.Value, error) {
	if ctx == nil {
		return expression.Null(), domain.NewMatrixError(job, "dynamic matrix needs a run context", nil)
	}
	v, err := expression.Evaluate(expr, ctx)
	if err != nil {
		return expression.Null(), domain.NewMatrixError(job, "evaluate "+expr, err)
	}
	return v, nil
}

func objectList(job, key string, v expression.Value) ([]map[string]any, error) {
	if v.Kind() != expression.KindList {
		return nil, domain.NewMatrixError(job, key+" must be a list of objects", nil)
	}
	out := make([]map[string]any, 0, len(v.Items()))
	for _, item := range v.Items() {
		m, ok := item.ToGo().(map[string]any)
		if !ok {
			return nil, domain.NewMatrixError(job, key+" must be a list of objects", nil)
		}
		out = append(out, m)
	}
	return out, nil
}

func toGoList(v expression.Value) []any {
	items := v.Items()
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item.ToGo()
	}
	return out
}

// productSize multiplies dimension sizes, stopping once limit is passed.
func productSize(dims []dimension, limit int) int {
	if len(dims) == 0 {
		return 0
	}
	product := 1
	for _, d := range dims {
		product *= len(d.values)
		if product > limit {
			return limit + 1
		}
	}
	return product
}

func cartesian(dims []dimension) []map[string]any {
	combos := []map[string]any{{}}
	for _, d := range dims {
		next := make([]map[string]any, 0, len(combos)*len(d.values))
		for _, combo := range combos {
			for _, value := range d.values {
				extended := copyMap(combo)
				extended[d.name] = value
				next = append(next, extended)
			}
		}
		combos = next
	}
	return combos
}

// matchesAny reports whether every key of some entry equals the combination's value.
func matchesAny(combo map[string]any, entries []map[string]any) bool {
	for _, entry := range entries {
		matched := true
		for key, want := range entry {
			got, ok := combo[key]
			if !ok || !sameValue(got, want) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// includeMatches requires every declared dimension named by entry to agree with combo.
func includeMatches(combo, entry map[string]any, declared map[string]struct{}) bool {
	for key, want := range entry {
		if _, isDim := declared[key]; !isDim {
			continue
		}
		if !sameValue(combo[key], want) {
			return false
		}
	}
	return true
}

func sameValue(a, b any) bool {
	return canonical(a) == canonical(b)
}

func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// NodeID derives a stable node id from the job name and its matrix bindings.
func NodeID(job string, combo map[string]any) string {
	if len(combo) == 0 {
		return job
	}
	sum := sha256.Sum256([]byte(canonical(combo)))
	return job + "-" + hex.EncodeToString(sum[:])[:8]
}

// DisplayName renders "job (v1, v2)" using dimension order, then extra keys sorted.
func DisplayName(job string, dims []string, combo map[string]any) string {
	if len(combo) == 0 {
		return job
	}

	seen := make(map[string]struct{}, len(dims))
	parts := make([]string, 0, len(combo))
	for _, d := range dims {
		if v, ok := combo[d]; ok {
			parts = append(parts, fmt.Sprint(v))
			seen[d] = struct{}{}
		}
	}

	var extra []string
	for k := range combo {
		if _, ok := seen[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		parts = append(parts, fmt.Sprint(combo[k]))
	}

	return job + " (" + strings.Join(parts, ", ") + ")"
}
