package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when a path does not exist in the store.
var ErrNotFound = errors.New("not found")

// FileStore is the byte store behind a session directory. Paths are
// slash-separated and relative to the store root.
type FileStore interface {
	Write(ctx context.Context, name string, data []byte) error
	Read(ctx context.Context, name string) ([]byte, error)
	// List returns the names of the entries directly under dir, sorted.
	List(ctx context.Context, dir string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// Config holds file store configuration
type Config struct {
	// Root is the directory all paths are relative to.
	// Special value ":memory:" creates an in-memory store (useful for tests)
	Root string
}

// MemoryRoot selects the in-memory store.
const MemoryRoot = ":memory:"

// NewFileStore creates the store selected by cfg.
// The ctx parameter is currently unused but kept for API consistency
func NewFileStore(ctx context.Context, cfg *Config) (FileStore, error) {
	if cfg == nil || cfg.Root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if cfg.Root == MemoryRoot {
		return NewMemoryStore(), nil
	}
	return NewLocalStore(cfg.Root)
}

// LocalStore keeps files on disk below a root directory.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

// Root returns the directory backing the store.
func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) full(name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" {
		return "", fmt.Errorf("invalid path %q", name)
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Write stores data atomically (temp file + rename).
func (s *LocalStore) Write(ctx context.Context, name string, data []byte) error {
	full, err := s.full(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}
	return nil
}

// Read returns the content at name or ErrNotFound.
func (s *LocalStore) Read(ctx context.Context, name string) ([]byte, error) {
	full, err := s.full(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// List returns the sorted entry names under dir; a missing dir is empty.
func (s *LocalStore) List(ctx context.Context, dir string) ([]string, error) {
	full := s.root
	if dir != "" && dir != "." {
		var err error
		if full, err = s.full(dir); err != nil {
			return nil, err
		}
	}
	entries, err := os.ReadDir(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a file or directory tree. Missing paths are not an error.
func (s *LocalStore) Delete(ctx context.Context, name string) error {
	full, err := s.full(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// MemoryStore is a FileStore held in a map.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string][]byte)}
}

func cleanName(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

func (s *MemoryStore) Write(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[cleanName(name)] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[cleanName(name)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) List(ctx context.Context, dir string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := cleanName(dir)
	if prefix != "" {
		prefix += "/"
	}
	seen := map[string]bool{}
	for name := range s.files {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		seen[rest] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clean := cleanName(name)
	delete(s.files, clean)
	for k := range s.files {
		if strings.HasPrefix(k, clean+"/") {
			delete(s.files, k)
		}
	}
	return nil
}

// Len reports the number of stored files.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}
