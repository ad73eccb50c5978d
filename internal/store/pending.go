package store

import (
	"github.com/git-pkgs/scriptwatch/internal/core"
)

// JSONPending keeps not-yet-completed scan jobs, one per package name.
type JSONPending struct {
	file *jsonFile[[]core.ScanJob]
}

var _ PendingStore = (*JSONPending)(nil)

func NewJSONPending(path string) (*JSONPending, error) {
	file, err := newJSONFile[[]core.ScanJob](path)
	if err != nil {
		return nil, err
	}
	return &JSONPending{file: file}, nil
}

// Append adds jobs whose package is not already pending.
func (s *JSONPending) Append(jobs ...core.ScanJob) error {
	if len(jobs) == 0 {
		return nil
	}
	s.file.mu.Lock()
	defer s.file.mu.Unlock()

	all, err := s.file.read()
	if err != nil {
		return err
	}
	names := make(map[string]bool, len(all))
	for _, j := range all {
		names[j.PackageName] = true
	}
	added := false
	for _, j := range jobs {
		if names[j.PackageName] {
			continue
		}
		names[j.PackageName] = true
		all = append(all, j)
		added = true
	}
	if !added {
		return nil
	}
	return s.file.write(all)
}

func (s *JSONPending) Remove(packageName string) error {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()

	all, err := s.file.read()
	if err != nil {
		return err
	}
	kept := all[:0]
	for _, j := range all {
		if j.PackageName != packageName {
			kept = append(kept, j)
		}
	}
	if len(kept) == len(all) {
		return nil
	}
	return s.file.write(kept)
}

func (s *JSONPending) List() ([]core.ScanJob, error) {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	return s.file.read()
}
