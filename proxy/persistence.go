package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists registry state as pretty-printed JSON files in a data
// directory. Writes are whole-file rewrites through a temp file + rename so
// a crash mid-write never leaves a truncated file behind.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	logger *LogMonitor
}

func NewFileStore(dir string, logger *LogMonitor) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Load reads name (e.g. "keys.json") into v. A missing file is not an
// error; ok reports whether the file existed.
func (s *FileStore) Load(name string, v any) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parsing %s: %w", name, err)
	}
	return true, nil
}

// Save rewrites name with v marshalled as two-space indented JSON.
// It returns any marshalling or write error; saveLogged logs it instead.
func (s *FileStore) Save(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", name, err)
	}

	target := filepath.Join(s.dir, name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("renaming %s: %w", name, err)
	}
	return nil
}

// saveLogged wraps Save for the debounced write-behind paths where the
// caller has nowhere to surface the error.
func (s *FileStore) saveLogged(name string, v any) {
	if err := s.Save(name, v); err != nil && s.logger != nil {
		s.logger.Errorf("persistence: %v", err)
	}
}
