package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrBadCredentials indicates a user_id/password pair did not validate.
var ErrBadCredentials = errors.New("invalid user_id or password")

// PasswordStore persists SHA-256 password digests in a single JSON file
// keyed by user_id. The on-disk format is exactly
// {username: sha256(password)}, which external tooling reads directly;
// switching to a salted KDF would silently change that contract.
type PasswordStore struct {
	path string

	mu     sync.RWMutex
	hashes map[string]string
}

// NewPasswordStore loads (or creates) the password file at path.
func NewPasswordStore(path string) (*PasswordStore, error) {
	s := &PasswordStore{path: path, hashes: map[string]string{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PasswordStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read password store: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var hashes map[string]string
	if err := json.Unmarshal(data, &hashes); err != nil {
		return fmt.Errorf("parse password store: %w", err)
	}
	s.hashes = hashes
	return nil
}

func (s *PasswordStore) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create password store dir: %w", err)
	}
	data, err := json.MarshalIndent(s.hashes, "", "  ")
	if err != nil {
		return fmt.Errorf("encode password store: %w", err)
	}
	return os.WriteFile(s.path, data, 0o600)
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// SetPassword creates or overwrites a user's password digest.
func (s *PasswordStore) SetPassword(userID, password string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("user_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[userID] = hashPassword(password)
	return s.saveLocked()
}

// Verify checks a user_id/password pair against the stored digest using a
// constant-time comparison to avoid timing side channels.
func (s *PasswordStore) Verify(userID, password string) error {
	s.mu.RLock()
	want, ok := s.hashes[strings.TrimSpace(userID)]
	s.mu.RUnlock()
	if !ok {
		return ErrBadCredentials
	}
	got := hashPassword(password)
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return ErrBadCredentials
	}
	return nil
}

// Exists reports whether a user_id has a password on file.
func (s *PasswordStore) Exists(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hashes[strings.TrimSpace(userID)]
	return ok
}
