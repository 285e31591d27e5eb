package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidDefinition = errors.New("workflow: invalid definition")
	ErrInvalidParams     = errors.New("workflow: invalid parameters")
)

// Duration is a time.Duration that encodes as a Go duration string.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "1.5s" style strings or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*d = 0
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(v * float64(time.Second))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

// Parameter types accepted by definitions.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

var parameterTypes = map[string]struct{}{
	TypeString: {}, TypeInteger: {}, TypeNumber: {}, TypeBoolean: {}, TypeObject: {}, TypeArray: {},
}

var actionMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "PATCH": {}, "DELETE": {},
}

// Parameter declares one input accepted by a workflow.
type Parameter struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Allowed     []any  `json:"allowed,omitempty" yaml:"allowed,omitempty"`
}

// RetryPolicy bounds how a failing action is retried.
type RetryPolicy struct {
	MaxAttempts  int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialDelay Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay     Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Multiplier   float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	Jitter       bool     `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// Compensation is the request that undoes a succeeded action.
type Compensation struct {
	Method string         `json:"method,omitempty" yaml:"method,omitempty"`
	Path   string         `json:"path" yaml:"path"`
	Body   map[string]any `json:"body,omitempty" yaml:"body,omitempty"`
}

// Action is one service call in a workflow.
type Action struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Service    string         `json:"service" yaml:"service"`
	Method     string         `json:"method,omitempty" yaml:"method,omitempty"`
	Path       string         `json:"path" yaml:"path"`
	Body       map[string]any `json:"body,omitempty" yaml:"body,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Retry      RetryPolicy    `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout    Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Compensate *Compensation  `json:"compensate,omitempty" yaml:"compensate,omitempty"`
}

// Definition is the declarative body of a workflow.
type Definition struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int         `json:"version,omitempty" yaml:"version,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Actions     []Action    `json:"actions" yaml:"actions"`
	Tags        []string    `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedBy   string      `json:"created_by,omitempty" yaml:"created_by,omitempty"`
}

// Clone returns a deep copy of the definition.
func (def Definition) Clone() Definition {
	out := def
	out.Tags = cloneStrings(def.Tags)
	if def.Parameters != nil {
		out.Parameters = make([]Parameter, len(def.Parameters))
		for i, p := range def.Parameters {
			p.Default = cloneValue(p.Default)
			if p.Allowed != nil {
				allowed := make([]any, len(p.Allowed))
				for j, v := range p.Allowed {
					allowed[j] = cloneValue(v)
				}
				p.Allowed = allowed
			}
			out.Parameters[i] = p
		}
	}
	if def.Actions != nil {
		out.Actions = make([]Action, len(def.Actions))
		for i, a := range def.Actions {
			a.Body = cloneMap(a.Body)
			a.DependsOn = cloneStrings(a.DependsOn)
			if a.Compensate != nil {
				comp := *a.Compensate
				comp.Body = cloneMap(comp.Body)
				a.Compensate = &comp
			}
			out.Actions[i] = a
		}
	}
	return out
}

// Normalized clones the definition, applies defaults, and validates the result.
func (def Definition) Normalized() (Definition, error) {
	out := def.Clone()
	out.Name = strings.TrimSpace(out.Name)
	out.Description = strings.TrimSpace(out.Description)
	for i := range out.Parameters {
		p := &out.Parameters[i]
		p.Name = strings.TrimSpace(p.Name)
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
		if p.Type == "" {
			p.Type = TypeString
		}
	}
	for i := range out.Actions {
		a := &out.Actions[i]
		a.ID = strings.TrimSpace(a.ID)
		a.Service = strings.TrimSpace(a.Service)
		a.Method = strings.ToUpper(strings.TrimSpace(a.Method))
		if a.Method == "" {
			a.Method = "POST"
		}
		if a.Retry.MaxAttempts < 1 {
			a.Retry.MaxAttempts = 1
		}
		if a.Retry.Multiplier == 0 {
			a.Retry.Multiplier = 2
		}
		if a.Compensate != nil {
			a.Compensate.Method = strings.ToUpper(strings.TrimSpace(a.Compensate.Method))
			if a.Compensate.Method == "" {
				a.Compensate.Method = "POST"
			}
		}
	}
	if err := out.Validate(); err != nil {
		return Definition{}, err
	}
	return out, nil
}

// Validate reports the first structural problem in the definition.
func (def Definition) Validate() error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if len(def.Actions) == 0 {
		return fmt.Errorf("%w: workflow %s: at least one action is required", ErrInvalidDefinition, def.Name)
	}
	params := make(map[string]struct{}, len(def.Parameters))
	for i, p := range def.Parameters {
		if p.Name == "" {
			return fmt.Errorf("%w: parameter[%d]: name is required", ErrInvalidDefinition, i)
		}
		if _, dup := params[p.Name]; dup {
			return fmt.Errorf("%w: duplicate parameter %s", ErrInvalidDefinition, p.Name)
		}
		params[p.Name] = struct{}{}
		if _, ok := parameterTypes[p.Type]; !ok {
			return fmt.Errorf("%w: parameter %s: unknown type %q", ErrInvalidDefinition, p.Name, p.Type)
		}
		if p.Default != nil && !typeMatches(p.Type, p.Default) {
			return fmt.Errorf("%w: parameter %s: default is not a %s", ErrInvalidDefinition, p.Name, p.Type)
		}
	}
	ids := make(map[string]struct{}, len(def.Actions))
	for i, a := range def.Actions {
		if !validActionID(a.ID) {
			return fmt.Errorf("%w: action[%d]: invalid id %q", ErrInvalidDefinition, i, a.ID)
		}
		if _, dup := ids[a.ID]; dup {
			return fmt.Errorf("%w: duplicate action id %s", ErrInvalidDefinition, a.ID)
		}
		ids[a.ID] = struct{}{}
		if a.Service == "" {
			return fmt.Errorf("%w: action %s: service is required", ErrInvalidDefinition, a.ID)
		}
		if !strings.HasPrefix(a.Path, "/") {
			return fmt.Errorf("%w: action %s: path must start with /", ErrInvalidDefinition, a.ID)
		}
		if _, ok := actionMethods[strings.ToUpper(a.Method)]; a.Method != "" && !ok {
			return fmt.Errorf("%w: action %s: unsupported method %s", ErrInvalidDefinition, a.ID, a.Method)
		}
		if a.Timeout < 0 {
			return fmt.Errorf("%w: action %s: timeout must be >= 0", ErrInvalidDefinition, a.ID)
		}
		if a.Retry.MaxAttempts < 0 || a.Retry.InitialDelay < 0 || a.Retry.MaxDelay < 0 {
			return fmt.Errorf("%w: action %s: retry values must be >= 0", ErrInvalidDefinition, a.ID)
		}
		if c := a.Compensate; c != nil {
			if !strings.HasPrefix(c.Path, "/") {
				return fmt.Errorf("%w: action %s: compensation path must start with /", ErrInvalidDefinition, a.ID)
			}
			if _, ok := actionMethods[strings.ToUpper(c.Method)]; c.Method != "" && !ok {
				return fmt.Errorf("%w: action %s: unsupported compensation method %s", ErrInvalidDefinition, a.ID, c.Method)
			}
		}
	}
	for _, a := range def.Actions {
		for _, dep := range a.DependsOn {
			if dep == a.ID {
				return fmt.Errorf("%w: action %s depends on itself", ErrInvalidDefinition, a.ID)
			}
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: action %s depends on unknown action %s", ErrInvalidDefinition, a.ID, dep)
			}
		}
	}
	if _, err := def.Plan(); err != nil {
		return err
	}
	return nil
}

// Plan groups actions into dependency levels. Every action in a level
// depends only on actions from earlier levels; members are sorted by ID.
func (def Definition) Plan() ([][]Action, error) {
	byID := make(map[string]Action, len(def.Actions))
	indegree := make(map[string]int, len(def.Actions))
	dependents := make(map[string][]string, len(def.Actions))
	for _, a := range def.Actions {
		byID[a.ID] = a
		if _, ok := indegree[a.ID]; !ok {
			indegree[a.ID] = 0
		}
	}
	for _, a := range def.Actions {
		for _, dep := range dedupeStrings(a.DependsOn) {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("%w: action %s depends on unknown action %s", ErrInvalidDefinition, a.ID, dep)
			}
			indegree[a.ID]++
			dependents[dep] = append(dependents[dep], a.ID)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	var levels [][]Action
	placed := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		level := make([]Action, len(ready))
		var next []string
		for i, id := range ready {
			level[i] = byID[id]
			for _, child := range dependents[id] {
				indegree[child]--
				if indegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		placed += len(level)
		levels = append(levels, level)
		ready = next
	}
	if placed != len(byID) {
		var stuck []string
		for id, n := range indegree {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: dependency cycle among %s", ErrInvalidDefinition, strings.Join(stuck, ", "))
	}
	return levels, nil
}

// Action returns the action with id.
func (def Definition) Action(id string) (Action, bool) {
	for _, a := range def.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

// LoadDefinitionFile reads a YAML or JSON definition from path.
func LoadDefinitionFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, err
	}
	var def Definition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(strings.NewReader(string(data)))
		dec.DisallowUnknownFields()
		err = dec.Decode(&def)
	default:
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		err = dec.Decode(&def)
	}
	if err != nil {
		return Definition{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidDefinition, path, err)
	}
	return def.Normalized()
}

// LoadDefinitionDir loads every *.yaml, *.yml and *.json file in dir, sorted by file name.
func LoadDefinitionDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Definition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		def, err := LoadDefinitionFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func validActionID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-') {
			return false
		}
	}
	return true
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
