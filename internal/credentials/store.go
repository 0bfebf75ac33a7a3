// Package credentials holds secrets for managed fleets (Proxmox API tokens,
// per-device passwords) loaded once at boot from the environment and an
// optional YAML file. Values never appear in logs or tool responses; the
// store is the single in-process access point.
package credentials

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store is an immutable-after-load map of credential references to values.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{values: map[string]string{}}
}

// Load builds a store from an optional YAML file plus environment variables.
// The file format is a flat map of name -> value. Environment variables with
// the LARES_CRED_ prefix are added with the prefix stripped and the rest
// lowercased, overriding file entries.
func Load(path string) (*Store, error) {
	s := &Store{values: map[string]string{}}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read credentials file: %w", err)
			}
		} else {
			var fileValues map[string]string
			if err := yaml.Unmarshal(data, &fileValues); err != nil {
				return nil, fmt.Errorf("parse credentials file: %w", err)
			}
			for k, v := range fileValues {
				s.values[k] = v
			}
		}
	}

	const prefix = "LARES_CRED_"
	for _, entry := range os.Environ() {
		if !strings.HasPrefix(entry, prefix) {
			continue
		}
		kv := strings.SplitN(strings.TrimPrefix(entry, prefix), "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue
		}
		s.values[strings.ToLower(kv[0])] = kv[1]
	}

	return s, nil
}

// Get returns the credential value for a reference.
func (s *Store) Get(ref string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[ref]
	return v, ok
}

// Put stores a credential value under a reference. Used for secrets created
// at runtime, such as generated managed-user password hashes.
func (s *Store) Put(ref, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[ref] = value
}

// Refs lists the known credential references. Values are never enumerated.
func (s *Store) Refs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]string, 0, len(s.values))
	for k := range s.values {
		refs = append(refs, k)
	}
	return refs
}

// Redact replaces any occurrence of a stored credential value in text with a
// placeholder. Applied to subprocess output before it reaches responses.
func (s *Store) Redact(text string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.values {
		if v == "" {
			continue
		}
		text = strings.ReplaceAll(text, v, "[redacted]")
	}
	return text
}
