package promptstore

import (
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Variant names one arm of an A/B test.
type Variant string

const (
	VariantA Variant = "A"
	VariantB Variant = "B"
)

// ParseVariant accepts "a"/"b" in any case.
func ParseVariant(raw string) (Variant, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "A":
		return VariantA, nil
	case "B":
		return VariantB, nil
	default:
		return "", fmt.Errorf("%w: unknown variant %q", ErrInvalidABTest, raw)
	}
}

// VariantResult counts traffic and successes for one arm.
type VariantResult struct {
	Impressions int `json:"impressions" yaml:"impressions"`
	Successes   int `json:"successes" yaml:"successes"`
}

// ABTest splits traffic between two prompts. TrafficSplit is the share sent to B.
type ABTest struct {
	ID           string                     `json:"id" yaml:"id"`
	Name         string                     `json:"name" yaml:"name"`
	PromptA      string                     `json:"prompt_a" yaml:"prompt_a"`
	PromptB      string                     `json:"prompt_b" yaml:"prompt_b"`
	TrafficSplit float64                    `json:"traffic_split" yaml:"traffic_split"`
	Active       bool                       `json:"active" yaml:"active"`
	Results      map[Variant]*VariantResult `json:"results" yaml:"results"`
	CreatedAt    time.Time                  `json:"created_at" yaml:"created_at"`
}

func (t *ABTest) clone() ABTest {
	out := *t
	out.Results = make(map[Variant]*VariantResult, len(t.Results))
	for k, v := range t.Results {
		r := *v
		out.Results[k] = &r
	}
	return out
}

func (t *ABTest) result(v Variant) *VariantResult {
	if t.Results == nil {
		t.Results = make(map[Variant]*VariantResult)
	}
	r, ok := t.Results[v]
	if !ok {
		r = &VariantResult{}
		t.Results[v] = r
	}
	return r
}

// PromptFor returns the prompt id served by variant v.
func (t ABTest) PromptFor(v Variant) string {
	if v == VariantB {
		return t.PromptB
	}
	return t.PromptA
}

// VariantStats is the reporting view of one arm.
type VariantStats struct {
	Impressions int     `json:"impressions"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}

// ABTestResults summarizes an A/B test.
type ABTestResults struct {
	TestID   string                   `json:"test_id"`
	Active   bool                     `json:"active"`
	Variants map[Variant]VariantStats `json:"variants"`
	Leader   Variant                  `json:"leader,omitempty"`
}

// CreateABTest registers a test between two existing prompts.
func (s *Store) CreateABTest(name, promptA, promptB string, split float64) (ABTest, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ABTest{}, fmt.Errorf("%w: name is required", ErrInvalidABTest)
	}
	if math.IsNaN(split) || split < 0 || split > 1 {
		return ABTest{}, fmt.Errorf("%w: traffic_split must be within [0,1], got %v", ErrInvalidABTest, split)
	}
	if strings.TrimSpace(promptA) == strings.TrimSpace(promptB) {
		return ABTest{}, fmt.Errorf("%w: prompt_a and prompt_b must differ", ErrInvalidABTest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range []string{promptA, promptB} {
		if _, err := s.activeLocked(id); err != nil {
			return ABTest{}, err
		}
	}
	t := &ABTest{
		ID:           uuid.NewString(),
		Name:         name,
		PromptA:      strings.TrimSpace(promptA),
		PromptB:      strings.TrimSpace(promptB),
		TrafficSplit: split,
		Active:       true,
		Results: map[Variant]*VariantResult{
			VariantA: {},
			VariantB: {},
		},
		CreatedAt: s.now(),
	}
	s.tests[t.ID] = t
	return t.clone(), nil
}

// ABTest returns one test by id.
func (s *Store) ABTest(id string) (ABTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tests[strings.TrimSpace(id)]
	if !ok {
		return ABTest{}, fmt.Errorf("%w: ab test %s", ErrNotFound, id)
	}
	return t.clone(), nil
}

// EndABTest stops assigning traffic for a test.
func (s *Store) EndABTest(id string) (ABTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tests[strings.TrimSpace(id)]
	if !ok {
		return ABTest{}, fmt.Errorf("%w: ab test %s", ErrNotFound, id)
	}
	t.Active = false
	return t.clone(), nil
}

// SelectVariant deterministically assigns userKey to an arm and records an impression.
// An empty key is always served variant A.
func (s *Store) SelectVariant(testID, userKey string) (Variant, Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tests[strings.TrimSpace(testID)]
	if !ok {
		return "", Prompt{}, fmt.Errorf("%w: ab test %s", ErrNotFound, testID)
	}
	if !t.Active {
		return "", Prompt{}, fmt.Errorf("%w: %s", ErrTestInactive, testID)
	}
	v := assignVariant(t.ID, userKey, t.TrafficSplit)
	p, ok := s.prompts[t.PromptFor(v)]
	if !ok {
		return "", Prompt{}, fmt.Errorf("%w: prompt %s", ErrNotFound, t.PromptFor(v))
	}
	t.result(v).Impressions++
	return v, p.clone(), nil
}

// RecordOutcome counts a success (or a plain outcome) for one arm.
func (s *Store) RecordOutcome(testID string, v Variant, success bool) error {
	if v != VariantA && v != VariantB {
		return fmt.Errorf("%w: unknown variant %q", ErrInvalidABTest, v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tests[strings.TrimSpace(testID)]
	if !ok {
		return fmt.Errorf("%w: ab test %s", ErrNotFound, testID)
	}
	if success {
		t.result(v).Successes++
	}
	return nil
}

// ABTestResults reports per-arm rates and the current leader.
func (s *Store) ABTestResults(testID string) (ABTestResults, error) {
	t, err := s.ABTest(testID)
	if err != nil {
		return ABTestResults{}, err
	}
	out := ABTestResults{
		TestID:   t.ID,
		Active:   t.Active,
		Variants: make(map[Variant]VariantStats, 2),
	}
	for _, v := range []Variant{VariantA, VariantB} {
		r := VariantResult{}
		if got, ok := t.Results[v]; ok && got != nil {
			r = *got
		}
		stats := VariantStats{Impressions: r.Impressions, Successes: r.Successes}
		if r.Impressions > 0 {
			stats.SuccessRate = float64(r.Successes) / float64(r.Impressions)
		}
		out.Variants[v] = stats
	}
	a, b := out.Variants[VariantA], out.Variants[VariantB]
	switch {
	case a.Impressions == 0 && b.Impressions == 0:
	case a.SuccessRate > b.SuccessRate:
		out.Leader = VariantA
	case b.SuccessRate > a.SuccessRate:
		out.Leader = VariantB
	}
	return out, nil
}

func assignVariant(testID, userKey string, split float64) Variant {
	userKey = strings.TrimSpace(userKey)
	if userKey == "" {
		return VariantA
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(testID + "|" + userKey))
	bucket := float64(h.Sum32()) / float64(math.MaxUint32+1)
	if bucket < split {
		return VariantB
	}
	return VariantA
}
