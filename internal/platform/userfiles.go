package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UserFiles loads the per-request user documents the Agent Graph
// Executor's prompt assembly consumes: the free-form
// profile text and the skills manifest referencing sibling skill files.
type UserFiles struct {
	profileDir string
	skillsDir  string
}

// NewUserFiles builds a loader rooted at the configured directories.
func NewUserFiles(cfg UserFilesConfig) *UserFiles {
	return &UserFiles{profileDir: cfg.ProfileDir, skillsDir: cfg.SkillsDir}
}

// Profile returns the user's free-form profile text, or "" when the
// user has no profile file. The profile is free-form text loaded
// per-request from a per-user file.
func (u *UserFiles) Profile(userID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(u.profileDir, sanitizeUserID(userID)+".txt"))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("platform: read profile for %s: %w", userID, err)
	}
	return string(data), nil
}

// SetProfile writes the user's profile text.
func (u *UserFiles) SetProfile(userID, text string) error {
	if err := os.MkdirAll(u.profileDir, 0o755); err != nil {
		return fmt.Errorf("platform: create profile dir: %w", err)
	}
	return os.WriteFile(filepath.Join(u.profileDir, sanitizeUserID(userID)+".txt"), []byte(text), 0o644)
}

// SkillManifest returns the list of skill file paths referenced by the
// user's manifest, one JSON array per user referencing sibling text
// files. Paths are resolved relative to the
// skills directory so the prompt block can name them directly.
func (u *UserFiles) SkillManifest(userID string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(u.skillsDir, sanitizeUserID(userID)+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("platform: read skill manifest for %s: %w", userID, err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("platform: parse skill manifest for %s: %w", userID, err)
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		out = append(out, filepath.Join(u.skillsDir, filepath.Base(n)))
	}
	return out, nil
}

// sanitizeUserID strips path separators so a crafted user id cannot
// escape the per-user file directories.
func sanitizeUserID(userID string) string {
	return filepath.Base(strings.TrimSpace(userID))
}
