package discovery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/danmuck/docmesh/internal/registry"
	"gopkg.in/yaml.v3"
)

var ErrInvalidSpec = errors.New("discovery: invalid spec")

// methodOrder fixes the order endpoints of one path are reported in.
var methodOrder = []string{"get", "put", "post", "delete", "patch", "head", "options"}

// Spec is the parsed view of an OpenAPI document.
type Spec struct {
	Format    string              `json:"format"`
	Title     string              `json:"title,omitempty"`
	Version   string              `json:"version,omitempty"`
	Endpoints []registry.Endpoint `json:"endpoints"`
}

// ParseSpec reads an OpenAPI 3.x or Swagger 2.0 document in JSON or YAML.
func ParseSpec(data []byte) (Spec, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Spec{}, fmt.Errorf("%w: empty document", ErrInvalidSpec)
	}
	var doc map[string]any
	var err error
	if trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &doc)
	} else {
		err = yaml.Unmarshal(trimmed, &doc)
	}
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if doc == nil {
		return Spec{}, fmt.Errorf("%w: document is not an object", ErrInvalidSpec)
	}

	var spec Spec
	switch {
	case stringField(doc, "openapi") != "":
		v := stringField(doc, "openapi")
		if !strings.HasPrefix(v, "3.") {
			return Spec{}, fmt.Errorf("%w: unsupported openapi version %q", ErrInvalidSpec, v)
		}
		spec.Format = "openapi " + v
	case stringField(doc, "swagger") != "":
		v := stringField(doc, "swagger")
		if !strings.HasPrefix(v, "2.") {
			return Spec{}, fmt.Errorf("%w: unsupported swagger version %q", ErrInvalidSpec, v)
		}
		spec.Format = "swagger " + v
	default:
		return Spec{}, fmt.Errorf("%w: missing openapi or swagger version", ErrInvalidSpec)
	}

	if info, ok := doc["info"].(map[string]any); ok {
		spec.Title = stringField(info, "title")
		spec.Version = stringField(info, "version")
	}

	paths, ok := doc["paths"].(map[string]any)
	if !ok {
		return Spec{}, fmt.Errorf("%w: paths object is required", ErrInvalidSpec)
	}
	keys := make([]string, 0, len(paths))
	for p := range paths {
		if strings.HasPrefix(p, "x-") {
			continue
		}
		keys = append(keys, p)
	}
	sort.Strings(keys)

	spec.Endpoints = make([]registry.Endpoint, 0, len(keys))
	for _, p := range keys {
		if !strings.HasPrefix(p, "/") {
			return Spec{}, fmt.Errorf("%w: path %q must start with /", ErrInvalidSpec, p)
		}
		item, ok := paths[p].(map[string]any)
		if !ok {
			continue
		}
		for _, method := range methodOrder {
			op, ok := item[method].(map[string]any)
			if !ok {
				continue
			}
			spec.Endpoints = append(spec.Endpoints, registry.Endpoint{
				Method:      strings.ToUpper(method),
				Path:        p,
				OperationID: stringField(op, "operationId"),
				Summary:     stringField(op, "summary"),
				Tags:        stringList(op["tags"]),
			})
		}
	}
	return spec, nil
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case int:
		return strconv.Itoa(v) + ".0"
	case float64:
		// unquoted YAML versions such as `swagger: 2.0` decode as numbers.
		if v == math.Trunc(v) {
			return strconv.FormatFloat(v, 'f', 1, 64)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
