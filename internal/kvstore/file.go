package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var keyRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)

// FileStore keeps one JSON file per key in a directory so state survives
// restarts of the scheduler process.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates a FileStore and ensures the directory exists.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: mkdir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) validateKey(key string) error {
	if !keyRe.MatchString(key) {
		return fmt.Errorf("kvstore: invalid key %q", key)
	}
	return nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *FileStore) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if err := s.validateKey(k); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(s.path(k))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("kvstore: read %s: %w", k, err)
		}
		out[k] = data
	}
	return out, nil
}

// Set writes each value to a temp file and renames it into place so readers
// never observe a half-written document.
func (s *FileStore) Set(_ context.Context, values map[string]any) error {
	for k := range values {
		if err := s.validateKey(k); err != nil {
			return err
		}
	}
	encoded, err := encode(values)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, data := range encoded {
		tmp := s.path(k) + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("kvstore: write %s: %w", k, err)
		}
		if err := os.Rename(tmp, s.path(k)); err != nil {
			if rmErr := os.Remove(tmp); rmErr != nil {
				slog.Debug("kvstore temp cleanup failed", "key", k, "error", rmErr)
			}
			return fmt.Errorf("kvstore: rename %s: %w", k, err)
		}
	}
	return nil
}

func (s *FileStore) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		if err := s.validateKey(k); err != nil {
			return err
		}
		if err := os.Remove(s.path(k)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("kvstore: remove %s: %w", k, err)
		}
	}
	return nil
}

func (s *FileStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("kvstore: glob: %w", err)
	}
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		keys = append(keys, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}
