package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// InternalTokenHeader is the header carrying the shared secret for
// service-to-service calls.
const InternalTokenHeader = "X-Internal-Token"

// ErrInvalidInternalToken is returned when a caller's internal token does
// not match the process-wide shared secret.
var ErrInvalidInternalToken = errors.New("invalid internal token")

// LoadOrCreateInternalToken reads the internal token persisted at path,
// generating and persisting a new random one on first run, so an
// operator never has to provision the secret by hand.
func LoadOrCreateInternalToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		token := strings.TrimSpace(string(data))
		if token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read internal token: %w", err)
	}

	token, genErr := generateToken()
	if genErr != nil {
		return "", genErr
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create internal token dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("persist internal token: %w", err)
	}
	return token, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate internal token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CheckInternalToken compares a presented token against the configured
// secret in constant time.
func CheckInternalToken(want, got string) error {
	if want == "" {
		return ErrInvalidInternalToken
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return ErrInvalidInternalToken
	}
	return nil
}

// ImpersonationPrefix is prepended to a user id when an internal caller
// (e.g. the forum's sub-agent backend) authenticates as that user without
// a password.
const ImpersonationPrefix = "INTERNAL_TOKEN:"

// ParseImpersonation splits an "INTERNAL_TOKEN:<user_id>" bearer value
// into the impersonated user id. ok is false if the value doesn't carry
// the impersonation prefix.
func ParseImpersonation(value string) (userID string, ok bool) {
	if !strings.HasPrefix(value, ImpersonationPrefix) {
		return "", false
	}
	return strings.TrimPrefix(value, ImpersonationPrefix), true
}
