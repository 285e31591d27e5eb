package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// ResolveParams validates input against defs and fills in defaults.
// Unknown names, missing required values, type mismatches, and values
// outside Allowed are rejected with ErrInvalidParams.
func ResolveParams(defs []Parameter, input map[string]any) (map[string]any, error) {
	byName := make(map[string]Parameter, len(defs))
	for _, p := range defs {
		byName[p.Name] = p
	}
	var unknown []string
	for name := range input {
		if _, ok := byName[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: unknown parameter(s) %s", ErrInvalidParams, strings.Join(unknown, ", "))
	}

	out := make(map[string]any, len(defs))
	for _, p := range defs {
		v, ok := input[p.Name]
		if !ok || v == nil {
			if p.Default != nil {
				out[p.Name] = cloneValue(p.Default)
				continue
			}
			if p.Required {
				return nil, fmt.Errorf("%w: missing required parameter %s", ErrInvalidParams, p.Name)
			}
			continue
		}
		if !typeMatches(p.Type, v) {
			return nil, fmt.Errorf("%w: parameter %s must be %s, got %T", ErrInvalidParams, p.Name, p.Type, v)
		}
		if len(p.Allowed) > 0 && !containsValue(p.Allowed, v) {
			return nil, fmt.Errorf("%w: parameter %s: value %v not allowed", ErrInvalidParams, p.Name, v)
		}
		out[p.Name] = v
	}
	return out, nil
}

func typeMatches(typ string, v any) bool {
	switch typ {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		_, ok := toFloat(v)
		return ok
	case TypeInteger:
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f) && !math.IsInf(f, 0)
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func containsValue(allowed []any, v any) bool {
	for _, candidate := range allowed {
		if valuesEqual(candidate, v) {
			return true
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}
