// Package secrets keeps endpoint credentials encrypted at rest. Each entry
// is keyed by endpoint name and sealed with a key derived from the
// MASTER_KEY environment variable.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/exp/maps"
)

const (
	MasterKeyEnv = "MASTER_KEY"

	// DefaultEndpoint holds the credentials used by endpoints that have no
	// entry of their own.
	DefaultEndpoint = "default"
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Store interface {
	Get(endpoint string) (Credentials, error)
	Put(endpoint string, creds Credentials) error
	Remove(endpoint string) error
	Endpoints() []string
}

// ErrNotFound is returned by Get and Remove for an unknown endpoint.
type ErrNotFound struct {
	Endpoint string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("no credentials stored for %s", e.Endpoint)
}

// GenerateMasterKey creates a 32-byte random key and returns it as a hex string.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// FileStore is a JSON file mapping endpoint names to sealed credentials.
// Every change is written back to the file immediately.
type FileStore struct {
	mu        sync.RWMutex
	masterKey []byte
	path      string
	entries   map[string]string
}

// OpenFile opens the store at path, creating an empty one if it does not
// exist yet.
func OpenFile(path, masterKeyHex string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("path to secrets file required")
	}
	if masterKeyHex == "" {
		return nil, fmt.Errorf("%s environment variable not set", MasterKeyEnv)
	}
	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}

	s := &FileStore{masterKey: masterKey, path: path, entries: map[string]string{}}
	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &s.entries); err != nil {
			return nil, fmt.Errorf("failed to parse secrets file %s: %w", path, err)
		}
	}
	return s, nil
}

// OpenFromEnv opens the store at path with the key from MASTER_KEY.
func OpenFromEnv(path string) (*FileStore, error) {
	return OpenFile(path, os.Getenv(MasterKeyEnv))
}

func (s *FileStore) Get(endpoint string) (Credentials, error) {
	s.mu.RLock()
	sealed, ok := s.entries[endpoint]
	s.mu.RUnlock()
	if !ok {
		return Credentials{}, &ErrNotFound{Endpoint: endpoint}
	}

	key, err := deriveKey(s.masterKey, endpoint)
	if err != nil {
		return Credentials{}, err
	}
	plaintext, err := open(key, sealed)
	if err != nil {
		return Credentials{}, fmt.Errorf("%s: %w", endpoint, err)
	}
	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return Credentials{}, fmt.Errorf("failed to parse credentials for %s: %w", endpoint, err)
	}
	return creds, nil
}

func (s *FileStore) Put(endpoint string, creds Credentials) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint name required")
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	key, err := deriveKey(s.masterKey, endpoint)
	if err != nil {
		return err
	}
	sealed, err := seal(key, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[endpoint] = sealed
	return s.save()
}

func (s *FileStore) Remove(endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[endpoint]; !ok {
		return &ErrNotFound{Endpoint: endpoint}
	}
	delete(s.entries, endpoint)
	return s.save()
}

// Endpoints lists the stored endpoint names in sorted order.
func (s *FileStore) Endpoints() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := maps.Keys(s.entries)
	sort.Strings(names)
	return names
}

// save writes through a temporary file so a crash never leaves a
// truncated store behind. Callers hold mu.
func (s *FileStore) save() error {
	b, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".secrets-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write secrets: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write secrets: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("failed to set secrets file mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to save secrets file: %w", err)
	}
	return nil
}
