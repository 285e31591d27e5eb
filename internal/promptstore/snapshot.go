package promptstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

type snapshot struct {
	Prompts []Prompt `yaml:"prompts"`
	ABTests []ABTest `yaml:"ab_tests"`
}

// SaveFile writes every prompt and test to path as YAML.
func (s *Store) SaveFile(path string) error {
	s.mu.RLock()
	snap := snapshot{
		Prompts: make([]Prompt, 0, len(s.prompts)),
		ABTests: make([]ABTest, 0, len(s.tests)),
	}
	for _, p := range s.prompts {
		snap.Prompts = append(snap.Prompts, p.clone())
	}
	for _, t := range s.tests {
		snap.ABTests = append(snap.ABTests, t.clone())
	}
	s.mu.RUnlock()

	sort.Slice(snap.Prompts, func(i, j int) bool { return snap.Prompts[i].ID < snap.Prompts[j].ID })
	sort.Slice(snap.ABTests, func(i, j int) bool { return snap.ABTests[i].ID < snap.ABTests[j].ID })

	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("promptstore: encode snapshot: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(path, data, 0o644)
}

// LoadFile replaces the store contents with the snapshot at path.
// A missing file leaves the store empty and is not an error.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("promptstore: parse snapshot %s: %w", path, err)
	}

	prompts := make(map[string]*Prompt, len(snap.Prompts))
	for i := range snap.Prompts {
		p := snap.Prompts[i]
		if p.ID == "" {
			return fmt.Errorf("promptstore: snapshot prompt[%d] missing id", i)
		}
		if p.Variables == nil {
			p.Variables = ExtractVariables(p.Content)
		}
		prompts[p.ID] = &p
	}
	tests := make(map[string]*ABTest, len(snap.ABTests))
	for i := range snap.ABTests {
		t := snap.ABTests[i]
		if t.ID == "" {
			return fmt.Errorf("promptstore: snapshot ab_test[%d] missing id", i)
		}
		tests[t.ID] = &t
	}

	s.mu.Lock()
	s.prompts = prompts
	s.tests = tests
	s.mu.Unlock()
	return nil
}

// writeFileAtomic writes to a temp file, fsyncs, then renames over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
