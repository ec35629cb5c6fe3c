package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Dir resolves the on-disk state directory. COURIER_STATE_DIR overrides;
// otherwise XDG_CONFIG_HOME/courier, falling back to ~/.config/courier.
func Dir() (string, error) {
	dir := os.Getenv("COURIER_STATE_DIR")
	if dir == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to resolve home directory: %w", err)
			}
			base = filepath.Join(home, ".config")
		}
		dir = filepath.Join(base, "courier")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

// Store reads and writes JSON state files under the state directory.
// Each file gets its own write lock so concurrent async persists of the
// same resource serialize without a global lock across resources.
type Store struct {
	dir   string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Path returns the absolute path of a state file.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Dir returns the state directory root.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) fileLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// LoadJSON reads a state file into v. A missing file is not an error:
// v is left untouched and ok is false.
func (s *Store) LoadJSON(name string, v interface{}) (ok bool, err error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return true, nil
}

// SaveJSON writes v to a state file atomically (temp file + rename).
func (s *Store) SaveJSON(name string, v interface{}) error {
	lock := s.fileLock(name)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	path := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// SaveJSONAsync persists v in the background. Persistence is fail-soft:
// errors are logged and never surfaced, the in-memory state stays
// authoritative until the next successful write.
func (s *Store) SaveJSONAsync(name string, v interface{}) {
	go func() {
		if err := s.SaveJSON(name, v); err != nil {
			log.Printf("⚠️ [STORE] Async persist of %s failed: %v", name, err)
		}
	}()
}
