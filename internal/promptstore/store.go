package promptstore

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store keeps prompts and A/B tests in memory.
type Store struct {
	mu      sync.RWMutex
	prompts map[string]*Prompt
	tests   map[string]*ABTest
	now     func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		prompts: make(map[string]*Prompt),
		tests:   make(map[string]*ABTest),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new prompt at version 1.
func (s *Store) Create(req CreateRequest) (Prompt, error) {
	req, err := normalizeCreate(req)
	if err != nil {
		return Prompt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.findByNameLocked(req.Category, req.Name); ok {
		return Prompt{}, fmt.Errorf("%w: prompt %s/%s already exists", ErrConflict, req.Category, req.Name)
	}
	now := s.now()
	vars := ExtractVariables(req.Content)
	p := &Prompt{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Category:    req.Category,
		Description: strings.TrimSpace(req.Description),
		Content:     req.Content,
		Variables:   vars,
		Tags:        req.Tags,
		Version:     1,
		Active:      true,
		CreatedBy:   strings.TrimSpace(req.CreatedBy),
		CreatedAt:   now,
		UpdatedAt:   now,
		History: []PromptVersion{{
			Version:       1,
			Content:       req.Content,
			Variables:     vars,
			ChangeSummary: "initial version",
			CreatedAt:     now,
		}},
	}
	s.prompts[p.ID] = p
	return p.clone(), nil
}

// Get returns one prompt by id, including soft-deleted prompts.
func (s *Store) Get(id string) (Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prompts[strings.TrimSpace(id)]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: prompt %s", ErrNotFound, id)
	}
	return p.clone(), nil
}

// GetByName returns the active prompt with category and name.
func (s *Store) GetByName(category, name string) (Prompt, error) {
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "" {
		category = DefaultCategory
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.findByNameLocked(category, strings.TrimSpace(name))
	if !ok {
		return Prompt{}, fmt.Errorf("%w: prompt %s/%s", ErrNotFound, category, name)
	}
	return p.clone(), nil
}

func (s *Store) findByNameLocked(category, name string) (*Prompt, bool) {
	for _, p := range s.prompts {
		if p.Active && p.Category == category && p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// List returns active prompts, optionally filtered by category.
func (s *Store) List(category string) []Prompt {
	category = strings.ToLower(strings.TrimSpace(category))
	s.mu.RLock()
	out := make([]Prompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		if !p.Active || (category != "" && p.Category != category) {
			continue
		}
		out = append(out, p.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Update applies req. Only a content change appends a version.
func (s *Store) Update(id string, req UpdateRequest) (Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.activeLocked(id)
	if err != nil {
		return Prompt{}, err
	}
	if req.Content != nil && strings.TrimSpace(*req.Content) == "" {
		return Prompt{}, fmt.Errorf("%w: content cannot be empty", ErrInvalidPrompt)
	}
	now := s.now()
	if req.Description != nil {
		p.Description = strings.TrimSpace(*req.Description)
	}
	if req.Tags != nil {
		p.Tags = append([]string(nil), req.Tags...)
	}
	if req.Content != nil && *req.Content != p.Content {
		summary := strings.TrimSpace(req.ChangeSummary)
		if summary == "" {
			summary = fmt.Sprintf("update to v%d", p.Version+1)
		}
		s.appendVersionLocked(p, *req.Content, summary, now)
	}
	p.UpdatedAt = now
	return p.clone(), nil
}

// Versions returns the full version history, oldest first.
func (s *Store) Versions(id string) ([]PromptVersion, error) {
	p, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return p.History, nil
}

// Version returns one historical version.
func (s *Store) Version(id string, version int) (PromptVersion, error) {
	p, err := s.Get(id)
	if err != nil {
		return PromptVersion{}, err
	}
	for _, v := range p.History {
		if v.Version == version {
			return v, nil
		}
	}
	return PromptVersion{}, fmt.Errorf("%w: prompt %s version %d", ErrNotFound, id, version)
}

// Rollback appends a new version whose content equals version.
func (s *Store) Rollback(id string, version int) (Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.activeLocked(id)
	if err != nil {
		return Prompt{}, err
	}
	var target *PromptVersion
	for i := range p.History {
		if p.History[i].Version == version {
			target = &p.History[i]
			break
		}
	}
	if target == nil {
		return Prompt{}, fmt.Errorf("%w: prompt %s version %d", ErrNotFound, id, version)
	}
	now := s.now()
	s.appendVersionLocked(p, target.Content, fmt.Sprintf("rollback to v%d", version), now)
	p.UpdatedAt = now
	return p.clone(), nil
}

// Delete soft-deletes a prompt; it stays readable by id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.activeLocked(id)
	if err != nil {
		return err
	}
	p.Active = false
	p.UpdatedAt = s.now()
	return nil
}

// RenderPrompt renders the current content of prompt id with vars.
func (s *Store) RenderPrompt(id string, vars map[string]string) (string, Prompt, error) {
	p, err := s.Get(id)
	if err != nil {
		return "", Prompt{}, err
	}
	out, err := Render(p.Content, vars)
	return out, p, err
}

func (s *Store) activeLocked(id string) (*Prompt, error) {
	p, ok := s.prompts[strings.TrimSpace(id)]
	if !ok || !p.Active {
		return nil, fmt.Errorf("%w: prompt %s", ErrNotFound, id)
	}
	return p, nil
}

func (s *Store) appendVersionLocked(p *Prompt, content, summary string, at time.Time) {
	vars := ExtractVariables(content)
	p.Version++
	p.Content = content
	p.Variables = vars
	p.History = append(p.History, PromptVersion{
		Version:       p.Version,
		Content:       content,
		Variables:     vars,
		ChangeSummary: summary,
		CreatedAt:     at,
	})
}
