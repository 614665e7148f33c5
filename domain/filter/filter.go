// Package filter implements the metadata filter contract: nested-path
// equality plus the $in, $gte, $lte and $exists operators. The same evaluator
// backs the in-memory document store and the analytics predicate rules; the
// DynamoDB adapter compiles the same shape into a native filter expression.
package filter

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Meta is a filter over the indexed metadata of a collection. Keys are
// dot-paths; values are either literals (equality) or operator maps.
type Meta map[string]interface{}

// Operator names
const (
	OpIn     = "$in"
	OpGte    = "$gte"
	OpLte    = "$lte"
	OpExists = "$exists"
)

// Validate rejects filters that use unknown operators or target fields the
// collection does not index. isIndexed is nil when every field is allowed.
func Validate(f Meta, isIndexed func(path string) bool) error {
	for path, cond := range f {
		if strings.HasPrefix(path, "$") {
			return fmt.Errorf("unsupported top-level operator %q", path)
		}
		if isIndexed != nil && !isIndexed(path) {
			return fmt.Errorf("field %q is not indexed and cannot be filtered on", path)
		}
		ops, ok := cond.(map[string]interface{})
		if !ok {
			continue
		}
		for op := range ops {
			switch op {
			case OpIn, OpGte, OpLte, OpExists:
			default:
				if strings.HasPrefix(op, "$") {
					return fmt.Errorf("unsupported operator %q on field %q", op, path)
				}
				// A plain nested map is an equality match on a document value.
			}
		}
	}
	return nil
}

// Matches evaluates the filter against a document. An empty filter matches
// everything.
func Matches(doc map[string]interface{}, f Meta) bool {
	for path, cond := range f {
		val, found := Lookup(doc, path)
		if !matchCondition(val, found, cond) {
			return false
		}
	}
	return true
}

// Lookup resolves a dot-path inside a document
func Lookup(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func matchCondition(val interface{}, found bool, cond interface{}) bool {
	ops, ok := cond.(map[string]interface{})
	if !ok || !hasOperator(ops) {
		return found && Equal(val, cond)
	}
	for op, arg := range ops {
		switch op {
		case OpExists:
			want, _ := arg.(bool)
			if found != want {
				return false
			}
		case OpIn:
			if !found {
				return false
			}
			list, ok := toSlice(arg)
			if !ok {
				return false
			}
			hit := false
			for _, candidate := range list {
				if Equal(val, candidate) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		case OpGte:
			if !found || !compareNumeric(val, arg, func(c int) bool { return c >= 0 }) {
				return false
			}
		case OpLte:
			if !found || !compareNumeric(val, arg, func(c int) bool { return c <= 0 }) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func hasOperator(m map[string]interface{}) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// Equal compares two JSON-ish values. Numbers compare by value across int,
// int64, float64 and json.Number representations.
func Equal(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func compareNumeric(a, b interface{}, accept func(int) bool) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		switch {
		case fa < fb:
			return accept(-1)
		case fa > fb:
			return accept(1)
		default:
			return accept(0)
		}
	}
	// Fall back to lexicographic comparison for strings (timestamps etc.)
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return accept(strings.Compare(sa, sb))
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}
