package registry

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrServiceNotFound = errors.New("registry: service not found")
	ErrInvalidService  = errors.New("registry: invalid service")
)

// Endpoint is one HTTP operation exposed by a registered service.
type Endpoint struct {
	Method      string   `json:"method"`
	Path        string   `json:"path"`
	OperationID string   `json:"operation_id,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Service is the registry record for one ecosystem service.
type Service struct {
	Name         string            `json:"name"`
	BaseURL      string            `json:"base_url"`
	Version      string            `json:"version,omitempty"`
	Description  string            `json:"description,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Endpoints    []Endpoint        `json:"endpoints,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeen     time.Time         `json:"last_seen"`
}

func (s Service) clone() Service {
	out := s
	if s.Tags != nil {
		out.Tags = append([]string(nil), s.Tags...)
	}
	if s.Endpoints != nil {
		out.Endpoints = make([]Endpoint, len(s.Endpoints))
		for i, ep := range s.Endpoints {
			out.Endpoints[i] = ep
			if ep.Tags != nil {
				out.Endpoints[i].Tags = append([]string(nil), ep.Tags...)
			}
		}
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Validate checks service name format and base URL shape.
func (s Service) Validate() error {
	name := strings.TrimSpace(s.Name)
	if !ValidName(name) {
		return fmt.Errorf("%w: invalid name %q", ErrInvalidService, s.Name)
	}
	raw := strings.TrimSpace(s.BaseURL)
	if raw == "" {
		return fmt.Errorf("%w: base_url is required", ErrInvalidService)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: base_url must be an absolute http(s) url, got %q", ErrInvalidService, raw)
	}
	for i, ep := range s.Endpoints {
		if strings.TrimSpace(ep.Method) == "" || !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%w: endpoint[%d] requires method and absolute path", ErrInvalidService, i)
		}
	}
	return nil
}

// Registry stores services by name.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Service
	now   func() time.Time
}

// Option customizes registry construction.
type Option func(*Registry)

// WithClock overrides the registry time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New initializes an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		items: make(map[string]Service),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates and upserts svc, keeping the first registration time.
func (r *Registry) Register(svc Service) (Service, error) {
	svc.Name = strings.TrimSpace(svc.Name)
	svc.BaseURL = strings.TrimRight(strings.TrimSpace(svc.BaseURL), "/")
	if err := svc.Validate(); err != nil {
		return Service{}, err
	}
	// normalize a copy; the caller's endpoint slice stays untouched.
	svc = svc.clone()
	for i := range svc.Endpoints {
		svc.Endpoints[i].Method = strings.ToUpper(strings.TrimSpace(svc.Endpoints[i].Method))
	}

	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	svc.RegisteredAt = now
	if prev, ok := r.items[svc.Name]; ok {
		svc.RegisteredAt = prev.RegisteredAt
	}
	svc.LastSeen = now
	stored := svc.clone()
	r.items[svc.Name] = stored
	return stored.clone(), nil
}

// Unregister removes a service by name.
func (r *Registry) Unregister(name string) error {
	key := strings.TrimSpace(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[key]; !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, key)
	}
	delete(r.items, key)
	return nil
}

// Get returns a copy of one service.
func (r *Registry) Get(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.items[strings.TrimSpace(name)]
	if !ok {
		return Service{}, false
	}
	return svc.clone(), true
}

// List returns copies of all services ordered by name.
func (r *Registry) List() []Service {
	r.mu.RLock()
	out := make([]Service, 0, len(r.items))
	for _, svc := range r.items {
		out = append(out, svc.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// Len reports the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Heartbeat refreshes LastSeen for one service.
func (r *Registry) Heartbeat(name string) error {
	key := strings.TrimSpace(name)
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.items[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, key)
	}
	svc.LastSeen = now
	r.items[key] = svc
	return nil
}

// Resolve returns the base URL for one service.
func (r *Registry) Resolve(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.items[strings.TrimSpace(name)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return svc.BaseURL, nil
}

// Stale lists services not seen within maxAge.
func (r *Registry) Stale(maxAge time.Duration) []string {
	cutoff := r.now().Add(-maxAge)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return staleLocked(r.items, cutoff)
}

// Prune removes and returns services not seen within maxAge.
func (r *Registry) Prune(maxAge time.Duration) []string {
	cutoff := r.now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	names := staleLocked(r.items, cutoff)
	for _, name := range names {
		delete(r.items, name)
	}
	return names
}

func staleLocked(items map[string]Service, cutoff time.Time) []string {
	names := make([]string, 0)
	for name, svc := range items {
		if svc.LastSeen.Before(cutoff) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ValidName reports whether name is a lowercase dotted/dashed identifier.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(name)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
