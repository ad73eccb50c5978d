package store

import (
	"github.com/git-pkgs/scriptwatch/internal/core"
)

// JSONCursor persists the feed cursor as {"sequenceToken": <token>}.
type JSONCursor struct {
	file *jsonFile[*core.Cursor]
}

var _ CursorStore = (*JSONCursor)(nil)

func NewJSONCursor(path string) (*JSONCursor, error) {
	file, err := newJSONFile[*core.Cursor](path)
	if err != nil {
		return nil, err
	}
	return &JSONCursor{file: file}, nil
}

// Load returns ok=false when no cursor has been saved.
func (s *JSONCursor) Load() (core.Sequence, bool, error) {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()

	c, err := s.file.read()
	if err != nil {
		return nil, false, err
	}
	if c == nil || c.Seq.IsZero() {
		return nil, false, nil
	}
	return c.Seq, true, nil
}

func (s *JSONCursor) Save(seq core.Sequence) error {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	return s.file.write(&core.Cursor{Seq: seq})
}
