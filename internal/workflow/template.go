package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// singleField matches a string that is exactly one {{ .a.b.c }} lookup.
var singleField = regexp.MustCompile(`^\{\{\s*\.([A-Za-z_][A-Za-z0-9_\-]*(?:\.[A-Za-z_][A-Za-z0-9_\-]*)*)\s*\}\}$`)

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"default": func(fallback, v any) any {
		if v == nil {
			return fallback
		}
		if s, ok := v.(string); ok && s == "" {
			return fallback
		}
		return v
	},
}

// templateData is the value templates are executed against.
func templateData(executionID, workflowID string, params map[string]any, steps map[string]map[string]any) map[string]any {
	if params == nil {
		params = map[string]any{}
	}
	if steps == nil {
		steps = map[string]map[string]any{}
	}
	stepsAny := make(map[string]any, len(steps))
	for id, s := range steps {
		stepsAny[id] = s
	}
	return map[string]any{
		"params":       params,
		"steps":        stepsAny,
		"execution_id": executionID,
		"workflow_id":  workflowID,
	}
}

// renderString expands templates in s. A string that is exactly one field
// lookup returns the looked-up value unchanged, keeping its JSON type.
func renderString(s string, data map[string]any) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	if m := singleField.FindStringSubmatch(strings.TrimSpace(s)); m != nil {
		return lookupPath(data, strings.Split(m[1], "."))
	}
	tmpl, err := template.New("value").Funcs(templateFuncs).Option("missingkey=error").Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", s, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render template %q: %w", s, err)
	}
	return buf.String(), nil
}

func lookupPath(data map[string]any, path []string) (any, error) {
	var cur any = data
	for i, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("render: .%s is not an object", strings.Join(path[:i], "."))
		}
		cur, ok = m[key]
		if !ok {
			return nil, fmt.Errorf("render: .%s is not defined", strings.Join(path[:i+1], "."))
		}
	}
	return cur, nil
}

// renderValue walks maps and slices, rendering every string.
func renderValue(v any, data map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return renderString(t, data)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			r, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			r, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// renderPath renders a request path; the result is always a string.
func renderPath(path string, data map[string]any) (string, error) {
	v, err := renderString(path, data)
	if err != nil {
		return "", err
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}
