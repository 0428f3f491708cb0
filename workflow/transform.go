package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/songzhibin97/alertflow/rules"
	"github.com/songzhibin97/alertflow/types"
)

// Transform operation names.
const (
	OpParse            = "parse"
	OpNormalize        = "normalize"
	OpCalculateMetrics = "calculate_metrics"
	OpRename           = "rename"
	OpScript           = "script"
)

// DefaultScriptTimeout bounds a single script operation.
const DefaultScriptTimeout = 5 * time.Second

// transform applies the node's operations in order. Each operation reads from
// the output of earlier operations first and then from the execution
// context; the accumulated output is the node's result.
func (e *WorkflowEngine) transform(ctx context.Context, cfg *types.TransformConfig, data map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	lookup := func(path string) (interface{}, bool) {
		if v, ok := rules.Resolve(out, path); ok {
			return v, true
		}
		return rules.Resolve(data, path)
	}

	for i, op := range cfg.Operations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.applyOp(ctx, op, data, out, lookup); err != nil {
			return nil, fmt.Errorf("operation %d (%s): %w", i, op.Name, err)
		}
	}
	return out, nil
}

func (e *WorkflowEngine) applyOp(ctx context.Context, op types.TransformOp, data, out map[string]interface{}, lookup func(string) (interface{}, bool)) error {
	switch op.Name {
	case OpParse:
		v, ok := lookup(op.Field)
		if !ok {
			return fmt.Errorf("field %q not found", op.Field)
		}
		parsed, err := parseValue(v)
		if err != nil {
			return err
		}
		out[targetOr(op, op.Field)] = parsed

	case OpNormalize:
		var v interface{} = data
		if op.Field != "" {
			var ok bool
			if v, ok = lookup(op.Field); !ok {
				return fmt.Errorf("field %q not found", op.Field)
			}
		}
		out[targetOr(op, defaultTarget(op.Field, "normalized"))] = normalizeValue(v)

	case OpCalculateMetrics:
		v, ok := lookup(op.Field)
		if !ok {
			return fmt.Errorf("field %q not found", op.Field)
		}
		out[targetOr(op, "metrics")] = calculateMetrics(numericValues(v, nil))

	case OpRename:
		v, ok := lookup(op.Field)
		if !ok {
			return fmt.Errorf("field %q not found", op.Field)
		}
		delete(out, op.Field)
		out[op.Target] = v

	case OpScript:
		v, err := e.runScript(ctx, op.Script, data)
		if err != nil {
			return err
		}
		out[targetOr(op, "result")] = v

	default:
		return fmt.Errorf("unknown operation %q", op.Name)
	}
	return nil
}

func targetOr(op types.TransformOp, fallback string) string {
	if op.Target != "" {
		return op.Target
	}
	return fallback
}

func defaultTarget(field, fallback string) string {
	if field == "" {
		return fallback
	}
	return field
}

func parseValue(v interface{}) (interface{}, error) {
	var raw []byte
	switch s := v.(type) {
	case string:
		raw = []byte(s)
	case []byte:
		raw = s
	default:
		// Already structured.
		return v, nil
	}
	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return parsed, nil
}

// normalizeValue lower-cases and trims strings, turns numeric strings into
// float64 and recurses into maps and slices.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if f, ok := rules.ToFloat(s); ok && s != "" {
			return f
		}
		return strings.ToLower(s)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	}
	if f, ok := rules.ToFloat(v); ok {
		return f
	}
	return v
}

// numericValues collects every number (or numeric string) found in v.
func numericValues(v interface{}, acc []float64) []float64 {
	switch t := v.(type) {
	case map[string]interface{}:
		for _, val := range t {
			acc = numericValues(val, acc)
		}
	case []interface{}:
		for _, val := range t {
			acc = numericValues(val, acc)
		}
	case []float64:
		acc = append(acc, t...)
	case []int:
		for _, n := range t {
			acc = append(acc, float64(n))
		}
	case bool, nil:
	default:
		if f, ok := rules.ToFloat(v); ok {
			acc = append(acc, f)
		}
	}
	return acc
}

func calculateMetrics(values []float64) map[string]interface{} {
	m := map[string]interface{}{
		"count": len(values),
		"sum":   0.0,
		"avg":   0.0,
		"min":   0.0,
		"max":   0.0,
	}
	if len(values) == 0 {
		return m
	}
	sum, lo, hi := 0.0, math.Inf(1), math.Inf(-1)
	for _, f := range values {
		sum += f
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}
	m["sum"] = sum
	m["avg"] = sum / float64(len(values))
	m["min"] = lo
	m["max"] = hi
	return m
}

// runScript evaluates a JavaScript snippet with $ bound to a copy of the
// execution context. The value of the last statement is returned; when it
// is undefined the (possibly modified) $ is returned instead.
func (e *WorkflowEngine) runScript(ctx context.Context, script string, data map[string]interface{}) (interface{}, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("context is not serialisable: %w", err)
	}

	vm := goja.New()
	if _, err := vm.RunString(fmt.Sprintf("var $ = %s;", raw)); err != nil {
		return nil, fmt.Errorf("error binding context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.scriptTimeout)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	val, err := vm.RunString(script)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("script interrupted: %w", ctxErr)
		}
		return nil, fmt.Errorf("error executing javascript: %w", err)
	}
	if val == nil || goja.IsUndefined(val) {
		val = vm.Get("$")
	}
	return exportJSON(val.Export())
}

// exportJSON round-trips a goja export through JSON so results only hold
// plain maps, slices, strings, float64 and bool.
func exportJSON(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("script result is not serialisable: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
