// Package config stores the small amount of persistent per-agent
// configuration named in spec.md section 6: the desired online state, the
// agent's display name (with a transitional fallback to a legacy key), and
// the changerecorder package's own legacy migration input. It is backed by
// YAML (gopkg.in/yaml.v2), the teacher's serialization library of choice,
// rather than inventing a bespoke format for data that's just a flat
// key/value bag.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// Keys used by the core. Applications may store additional keys alongside
// these; Store treats all keys as opaque.
const (
	KeyDesiredOnlineState = "Agent/DesiredOnlineState"
	KeyAgentName          = "Agent/Name"
	// KeyResourceNameFallback is the legacy key consulted when KeyAgentName
	// is absent (spec.md section 6, "transitional read-only fallback").
	KeyResourceNameFallback = "Resource/Name"
)

// Store is a small persistent key/value document, one per agent, written
// atomically (write-temp, fsync, rename) so a crash never leaves it
// corrupted.
type Store struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// Open loads the store at path, or starts empty if it does not yet exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path, values: map[string]string{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return s, nil
}

// Get returns the string value for key and whether it was present.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// GetWithFallback returns the value for key, or for fallback if key is
// absent, matching the "transitional read-only fallback" contract for
// Agent/Name -> Resource/Name.
func (s *Store) GetWithFallback(key, fallback string) (string, bool) {
	if v, ok := s.Get(key); ok {
		return v, true
	}
	return s.Get(fallback)
}

// GetBool parses a boolean-valued key, defaulting to def if absent or
// unparseable.
func (s *Store) GetBool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch v {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return def
	}
}

// Set stores a value and persists the store to disk.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	snapshot := cloneMap(s.values)
	s.mu.Unlock()
	return s.writeAtomic(snapshot)
}

// SetBool is a convenience wrapper around Set for boolean-valued keys.
func (s *Store) SetBool(key string, value bool) error {
	if value {
		return s.Set(key, "true")
	}
	return s.Set(key, "false")
}

func (s *Store) writeAtomic(values map[string]string) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tmp, err := os.CreateTemp(dirOf(s.path), ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("renaming temp config file: %w", err)
	}
	return nil
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
