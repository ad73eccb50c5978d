package store

import (
	"github.com/git-pkgs/scriptwatch/internal/core"
)

// JSONFindings keeps findings newest-first in a JSON array. The set of
// known keys is held in memory so Seen never touches the disk.
type JSONFindings struct {
	file *jsonFile[[]core.Finding]
	keys map[string]bool
}

var _ FindingsStore = (*JSONFindings)(nil)

// NewJSONFindings opens or creates the findings file at path.
func NewJSONFindings(path string) (*JSONFindings, error) {
	file, err := newJSONFile[[]core.Finding](path)
	if err != nil {
		return nil, err
	}
	all, err := file.read()
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool, len(all))
	for _, f := range all {
		keys[f.Key()] = true
	}
	return &JSONFindings{file: file, keys: keys}, nil
}

func (s *JSONFindings) Seen(key string) (bool, error) {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	return s.keys[key], nil
}

func (s *JSONFindings) Record(findings ...core.Finding) ([]core.Finding, error) {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()

	var fresh []core.Finding
	batch := make(map[string]bool)
	for _, f := range findings {
		key := f.Key()
		if s.keys[key] || batch[key] {
			continue
		}
		batch[key] = true
		fresh = append(fresh, f)
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	all, err := s.file.read()
	if err != nil {
		return nil, err
	}
	// Newest first; a batch is stored reversed so Undelivered returns it
	// in its original order.
	updated := make([]core.Finding, 0, len(fresh)+len(all))
	for i := len(fresh) - 1; i >= 0; i-- {
		updated = append(updated, fresh[i])
	}
	updated = append(updated, all...)
	if err := s.file.write(updated); err != nil {
		return nil, err
	}

	for key := range batch {
		s.keys[key] = true
	}
	return fresh, nil
}

func (s *JSONFindings) MarkDelivered(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	s.file.mu.Lock()
	defer s.file.mu.Unlock()

	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}

	all, err := s.file.read()
	if err != nil {
		return err
	}
	changed := false
	for i := range all {
		if want[all[i].Key()] && !all[i].Delivered {
			all[i].Delivered = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.file.write(all)
}

func (s *JSONFindings) Undelivered() ([]core.Finding, error) {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()

	all, err := s.file.read()
	if err != nil {
		return nil, err
	}
	var out []core.Finding
	for i := len(all) - 1; i >= 0; i-- {
		if !all[i].Delivered {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// All returns every finding, newest first.
func (s *JSONFindings) All() ([]core.Finding, error) {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	return s.file.read()
}

func (s *JSONFindings) Close() error { return nil }
