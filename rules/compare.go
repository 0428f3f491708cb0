package rules

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/oliveagle/jsonpath"

	"github.com/songzhibin97/alertflow/types"
)

// Comparison operators. The symbolic forms are accepted as aliases.
const (
	OpEquals             = "equals"
	OpNotEquals          = "notEquals"
	OpContains           = "contains"
	OpGreaterThan        = "greaterThan"
	OpLessThan           = "lessThan"
	OpGreaterThanOrEqual = "greaterThanOrEqual"
	OpLessThanOrEqual    = "lessThanOrEqual"
	OpExists             = "exists"

	LogicAnd = "and"
	LogicOr  = "or"
)

var operatorAliases = map[string]string{
	"==": OpEquals,
	"!=": OpNotEquals,
	">":  OpGreaterThan,
	"<":  OpLessThan,
	">=": OpGreaterThanOrEqual,
	"<=": OpLessThanOrEqual,
}

// NormalizeOperator maps aliases to their canonical operator name.
func NormalizeOperator(op string) string {
	if canonical, ok := operatorAliases[op]; ok {
		return canonical
	}
	return op
}

// ValidOperator reports whether op is a known operator or alias.
func ValidOperator(op string) bool {
	switch NormalizeOperator(op) {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan,
		OpGreaterThanOrEqual, OpLessThanOrEqual, OpExists:
		return true
	}
	return false
}

// Resolve looks up path in data. A path is either a top-level key, a dotted
// path ("node.metrics.avg") or a JSONPath expression ("$.node.items[0]").
func Resolve(data map[string]interface{}, path string) (interface{}, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	if v, ok := data[path]; ok {
		return v, true
	}
	if !strings.HasPrefix(path, "$") {
		if !strings.ContainsAny(path, ".[") {
			return nil, false
		}
		path = "$." + path
	}
	v, err := jsonpath.JsonPathLookup(data, path)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Compare applies op to actual and expected. Numeric operators coerce
// number-like strings; non-numeric operands never satisfy them.
func Compare(actual interface{}, op string, expected interface{}) bool {
	switch NormalizeOperator(op) {
	case OpEquals:
		return equal(actual, expected)
	case OpNotEquals:
		return !equal(actual, expected)
	case OpContains:
		return contains(actual, expected)
	case OpExists:
		return actual != nil
	case OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual:
		a, ok := ToFloat(actual)
		if !ok {
			return false
		}
		b, ok := ToFloat(expected)
		if !ok {
			return false
		}
		switch NormalizeOperator(op) {
		case OpGreaterThan:
			return a > b
		case OpLessThan:
			return a < b
		case OpGreaterThanOrEqual:
			return a >= b
		default:
			return a <= b
		}
	}
	return false
}

// Check resolves c.Field in data and compares it against c.Value.
func Check(c types.Comparison, data map[string]interface{}) bool {
	actual, _ := Resolve(data, c.Field)
	return Compare(actual, c.Operator, c.Value)
}

// CheckAll evaluates comparisons with "and" (default) or "or" logic.
// An empty list is true.
func CheckAll(comparisons []types.Comparison, logic string, data map[string]interface{}) bool {
	if len(comparisons) == 0 {
		return true
	}
	if logic == LogicOr {
		for _, c := range comparisons {
			if Check(c, data) {
				return true
			}
		}
		return false
	}
	for _, c := range comparisons {
		if !Check(c, data) {
			return false
		}
	}
	return true
}

// ToFloat converts numbers and numeric strings to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := ToFloat(a); ok {
		if fb, ok := ToFloat(b); ok {
			return fa == fb
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func contains(haystack, needle interface{}) bool {
	if haystack == nil {
		return false
	}
	if s, ok := haystack.(string); ok {
		return strings.Contains(s, fmt.Sprint(needle))
	}
	rv := reflect.ValueOf(haystack)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), needle) {
				return true
			}
		}
	case reflect.Map:
		key := reflect.ValueOf(needle)
		if key.IsValid() && key.Type().AssignableTo(rv.Type().Key()) {
			return rv.MapIndex(key).IsValid()
		}
	}
	return false
}

var placeholder = regexp.MustCompile(`\{(\$[^}]*)\}`)

// Interpolate replaces {$.path} placeholders in template with values from data.
// Unresolvable placeholders are left untouched.
func Interpolate(template string, data map[string]interface{}) string {
	if !strings.Contains(template, "{$") {
		return template
	}
	return placeholder.ReplaceAllStringFunc(template, func(token string) string {
		path := token[1 : len(token)-1]
		v, ok := Resolve(data, path)
		if !ok {
			return token
		}
		return fmt.Sprint(v)
	})
}
