package promptstore

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("promptstore: not found")
	ErrInvalidPrompt   = errors.New("promptstore: invalid prompt")
	ErrConflict        = errors.New("promptstore: conflict")
	ErrMissingVariable = errors.New("promptstore: missing variable")
	ErrInvalidABTest   = errors.New("promptstore: invalid ab test")
	ErrTestInactive    = errors.New("promptstore: ab test inactive")
)

const DefaultCategory = "general"

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Prompt is the current state of one prompt template plus its history.
type Prompt struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Category    string          `json:"category" yaml:"category"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Content     string          `json:"content" yaml:"content"`
	Variables   []string        `json:"variables" yaml:"variables"`
	Tags        []string        `json:"tags,omitempty" yaml:"tags,omitempty"`
	Version     int             `json:"version" yaml:"version"`
	Active      bool            `json:"active" yaml:"active"`
	CreatedBy   string          `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" yaml:"updated_at"`
	History     []PromptVersion `json:"history,omitempty" yaml:"history"`
}

// PromptVersion is one immutable content revision.
type PromptVersion struct {
	Version       int       `json:"version" yaml:"version"`
	Content       string    `json:"content" yaml:"content"`
	Variables     []string  `json:"variables" yaml:"variables"`
	ChangeSummary string    `json:"change_summary,omitempty" yaml:"change_summary,omitempty"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
}

// CreateRequest carries the fields accepted when creating a prompt.
type CreateRequest struct {
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags"`
	CreatedBy   string   `json:"created_by"`
}

// UpdateRequest carries optional prompt changes; nil fields are left alone.
type UpdateRequest struct {
	Content       *string  `json:"content"`
	Description   *string  `json:"description"`
	Tags          []string `json:"tags"`
	ChangeSummary string   `json:"change_summary"`
}

func (p *Prompt) clone() Prompt {
	out := *p
	out.Variables = append([]string(nil), p.Variables...)
	if p.Tags != nil {
		out.Tags = append([]string(nil), p.Tags...)
	}
	out.History = make([]PromptVersion, len(p.History))
	for i, v := range p.History {
		out.History[i] = v
		out.History[i].Variables = append([]string(nil), v.Variables...)
	}
	return out
}

// ExtractVariables returns the sorted unique placeholder names in content.
func ExtractVariables(content string) []string {
	seen := make(map[string]struct{})
	for _, m := range placeholderPattern.FindAllStringSubmatch(content, -1) {
		seen[m[1]] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Render substitutes every placeholder in content with vars.
func Render(content string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return v
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("%w: %s", ErrMissingVariable, strings.Join(dedupe(missing), ", "))
	}
	return out, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '-') {
			return false
		}
	}
	return true
}

func normalizeCreate(req CreateRequest) (CreateRequest, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.ToLower(strings.TrimSpace(req.Category))
	if req.Category == "" {
		req.Category = DefaultCategory
	}
	if !validName(req.Name) {
		return req, fmt.Errorf("%w: name must match [a-z0-9_-]+, got %q", ErrInvalidPrompt, req.Name)
	}
	if !validName(req.Category) {
		return req, fmt.Errorf("%w: category must match [a-z0-9_-]+, got %q", ErrInvalidPrompt, req.Category)
	}
	if strings.TrimSpace(req.Content) == "" {
		return req, fmt.Errorf("%w: content is required", ErrInvalidPrompt)
	}
	return req, nil
}

func dedupe(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i > 0 && in[i-1] == s {
			continue
		}
		out = append(out, s)
	}
	return out
}
