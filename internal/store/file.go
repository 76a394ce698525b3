package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore keeps the whole map in one JSON file. Every write re-marshals
// the map to a sibling .tmp file and renames it over the target, so a crash
// mid-write leaves either the old file or the new one, never a torn value.
// Expected marker counts are small enough that whole-map rewrites are fine.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]string
}

// OpenFile loads (or creates) the store file at path.
func OpenFile(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &Error{Op: "open", Err: err}
		}
	}

	s := &FileStore{path: path, data: make(map[string]string)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, &Error{Op: "open", Err: err}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, &Error{Op: "open", Err: err}
		}
	}
	return s, nil
}

func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.data[key]
	s.data[key] = value
	if err := s.flushLocked(); err != nil {
		// Roll back the in-memory map so a failed flush is not observable.
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return &Error{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *FileStore) Del(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.data[key]
	if !had {
		return nil
	}
	delete(s.data, key)
	if err := s.flushLocked(); err != nil {
		s.data[key] = prev
		return &Error{Op: "del", Key: key, Err: err}
	}
	return nil
}

func (s *FileStore) Keys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Close() error { return nil }

// flushLocked writes the map atomically. Callers hold s.mu.
func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
