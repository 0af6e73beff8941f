// Package condition evaluates trigger and step conditions against a flat
// key/value context built from subscriber attributes and event payloads.
//
// Evaluation is fail-closed: a missing field, a type mismatch, an unknown
// operator or a malformed operand all evaluate to false. Nothing in this
// package returns an error or panics during evaluation.
package condition

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ignite/flow-engine/internal/domain"
	"github.com/spf13/cast"
)

// Evaluate reports whether c holds against ctx.
func Evaluate(c domain.Condition, ctx map[string]any) (result bool) {
	defer func() {
		if recover() != nil {
			result = false
		}
	}()

	val, found := Lookup(ctx, c.Field)

	switch c.Operator {
	case domain.OpIsNull:
		return !found || val == nil
	case domain.OpIsNotNull:
		return found && val != nil
	}

	if !found {
		return false
	}

	switch c.Operator {
	case domain.OpEquals:
		return looseEqual(val, c.Value)
	case domain.OpNotEquals:
		return !looseEqual(val, c.Value)
	case domain.OpContains:
		s, ok := val.(string)
		if !ok {
			return false
		}
		needle, ok := operandString(c.Value)
		return ok && strings.Contains(s, needle)
	case domain.OpNotContains:
		s, ok := val.(string)
		if !ok {
			return false
		}
		needle, ok := operandString(c.Value)
		return ok && !strings.Contains(s, needle)
	case domain.OpStartsWith:
		s, ok := val.(string)
		if !ok {
			return false
		}
		prefix, ok := operandString(c.Value)
		return ok && strings.HasPrefix(s, prefix)
	case domain.OpEndsWith:
		s, ok := val.(string)
		if !ok {
			return false
		}
		suffix, ok := operandString(c.Value)
		return ok && strings.HasSuffix(s, suffix)
	case domain.OpGreaterThan:
		cmp, ok := compare(val, c.Value)
		return ok && cmp > 0
	case domain.OpLessThan:
		cmp, ok := compare(val, c.Value)
		return ok && cmp < 0
	case domain.OpGreaterEqual:
		cmp, ok := compare(val, c.Value)
		return ok && cmp >= 0
	case domain.OpLessEqual:
		cmp, ok := compare(val, c.Value)
		return ok && cmp <= 0
	case domain.OpIn:
		set, ok := toList(c.Value)
		return ok && member(val, set)
	case domain.OpNotIn:
		set, ok := toList(c.Value)
		return ok && !member(val, set)
	case domain.OpBetween:
		bounds, ok := toList(c.Value)
		if !ok || len(bounds) != 2 {
			return false
		}
		lo, okLo := compare(val, bounds[0])
		hi, okHi := compare(val, bounds[1])
		return okLo && okHi && lo >= 0 && hi <= 0
	default:
		return false
	}
}

// EvaluateAll is a logical AND over conditions. An empty list is true.
func EvaluateAll(conditions []domain.Condition, ctx map[string]any) bool {
	for _, c := range conditions {
		if !Evaluate(c, ctx) {
			return false
		}
	}
	return true
}

// Lookup resolves field in ctx. An exact key wins; otherwise a dotted path
// such as "cart.total" is walked through nested maps.
func Lookup(ctx map[string]any, field string) (any, bool) {
	if ctx == nil || field == "" {
		return nil, false
	}
	if v, ok := ctx[field]; ok {
		return v, true
	}
	if !strings.Contains(field, ".") {
		return nil, false
	}

	var cur any = ctx
	for _, part := range strings.Split(field, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Merge layers maps left to right; keys in later layers win. Nil layers are
// skipped. The result is always a fresh map.
func Merge(layers ...map[string]any) map[string]any {
	size := 0
	for _, l := range layers {
		size += len(l)
	}
	out := make(map[string]any, size)
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func operandString(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", false
	}
	return s, true
}

// looseEqual compares a context value with a condition operand. Numbers
// compare numerically (so 75 equals "75" and 75.0), booleans compare as
// booleans, everything else by its string form.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumber(a) || isNumber(b) {
		fa, okA := toNumber(a)
		fb, okB := toNumber(b)
		if okA && okB {
			return fa == fb
		}
		return false
	}
	if ba, ok := a.(bool); ok {
		bb, err := cast.ToBoolE(b)
		return err == nil && ba == bb
	}
	if bb, ok := b.(bool); ok {
		ba, err := cast.ToBoolE(a)
		return err == nil && ba == bb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compare orders a against b numerically, falling back to time ordering when
// either side is a time. ok is false when the two are not comparable.
func compare(a, b any) (int, bool) {
	if fa, okA := toNumber(a); okA {
		if fb, okB := toNumber(b); okB {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			default:
				return 0, true
			}
		}
	}

	_, aTime := a.(time.Time)
	_, bTime := b.(time.Time)
	if !aTime && !bTime {
		return 0, false
	}
	ta, errA := cast.ToTimeE(a)
	tb, errB := cast.ToTimeE(b)
	if errA != nil || errB != nil {
		return 0, false
	}
	return ta.Compare(tb), true
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case nil, bool:
		return 0, false
	case string:
		if strings.TrimSpace(x) == "" {
			return 0, false
		}
		f, err := cast.ToFloat64E(strings.TrimSpace(x))
		return f, err == nil
	}
	if !isNumber(v) {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	return f, err == nil
}

func toList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func member(v any, set []any) bool {
	for _, candidate := range set {
		if looseEqual(v, candidate) {
			return true
		}
	}
	return false
}
