// Package pending persists the {branch: escalation task id} records that the
// retry sweeps work through, one JSON file per record set.
package pending

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Record is one branch blocked on an escalation task.
type Record struct {
	Branch string `json:"branch"`
	TaskID string `json:"task_id"`
}

// Store is a JSON-file backed map of branch to escalation task id. Every
// mutation is written through atomically so a restart loses nothing.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

func (s *Store) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read pending records: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return map[string]string{}, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pending records %s: %w", s.path, err)
	}
	// Older files wrap the map: {"pending": {...}}.
	if inner, ok := raw["pending"]; ok && len(raw) == 1 && len(inner) > 0 && inner[0] == '{' {
		var m map[string]string
		if err := json.Unmarshal(inner, &m); err != nil {
			return nil, fmt.Errorf("parse pending records %s: %w", s.path, err)
		}
		if m == nil {
			m = map[string]string{}
		}
		return m, nil
	}

	m := make(map[string]string, len(raw))
	for branch, v := range raw {
		var id string
		if err := json.Unmarshal(v, &id); err != nil {
			return nil, fmt.Errorf("parse pending record %q: %w", branch, err)
		}
		m[branch] = id
	}
	return m, nil
}

func (s *Store) save(m map[string]string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pending records: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("write pending records: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("close pending records: %w", err)
	}
	if err := os.Rename(name, s.path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("replace pending records: %w", err)
	}
	return nil
}

// All returns the records sorted by branch.
func (s *Store) All() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(m))
	for b, id := range m {
		out = append(out, Record{Branch: b, TaskID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Branch < out[j].Branch })
	return out, nil
}

// Get returns the task id recorded for branch.
func (s *Store) Get(branch string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return "", false, err
	}
	id, ok := m[branch]
	return id, ok, nil
}

// Put records or replaces the escalation task for branch.
func (s *Store) Put(branch, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	m[branch] = taskID
	return s.save(m)
}

// Remove deletes branch. Removing an absent branch is a no-op.
func (s *Store) Remove(branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := m[branch]; !ok {
		return nil
	}
	delete(m, branch)
	return s.save(m)
}
