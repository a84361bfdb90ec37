package forum

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/oasisrun/agentplatform/pkg/models"
)

// ErrTagCollision indicates an expert tag already exists for the user
// (either as one of their own custom experts, or as a built-in tag).
var ErrTagCollision = errors.New("forum: expert tag already in use")

// ErrExpertNotFound indicates tag does not name a custom expert owned by
// the user.
var ErrExpertNotFound = errors.New("forum: expert not found")

// Visibility tags an expert's origin in roster listings: built-ins are
// public, per-user experts are custom.
type Visibility string

const (
	VisibilityPublic Visibility = "public"
	VisibilityCustom Visibility = "custom"
)

// RosterEntry is one expert as returned by Roster.List.
type RosterEntry struct {
	models.ExpertConfig
	Visibility Visibility `json:"visibility"`
}

// Roster is the Expert Roster: a built-in catalog loaded once at
// startup plus per-user custom experts persisted as one JSON file per
// user. A per-user mutex serializes tag-uniqueness checks against
// custom-expert file writes.
type Roster struct {
	builtin []models.ExpertConfig

	dir string

	mu      sync.Mutex
	userMus map[string]*sync.Mutex
}

// NewRoster builds a Roster whose custom-expert files live under dir.
// builtin is the catalog loaded from the startup JSON document.
func NewRoster(builtin []models.ExpertConfig, dir string) *Roster {
	for i := range builtin {
		builtin[i].Builtin = true
	}
	return &Roster{
		builtin: builtin,
		dir:     dir,
		userMus: make(map[string]*sync.Mutex),
	}
}

// LoadBuiltinCatalog reads the startup JSON document of built-in expert
// definitions.
func LoadBuiltinCatalog(path string) ([]models.ExpertConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("forum: read builtin expert catalog: %w", err)
	}
	var experts []models.ExpertConfig
	if err := json.Unmarshal(data, &experts); err != nil {
		return nil, fmt.Errorf("forum: parse builtin expert catalog: %w", err)
	}
	return experts, nil
}

func (r *Roster) lockFor(user string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.userMus[user]
	if !ok {
		m = &sync.Mutex{}
		r.userMus[user] = m
	}
	return m
}

func (r *Roster) customPath(user string) string {
	return filepath.Join(r.dir, user+"_experts.json")
}

func (r *Roster) loadCustom(user string) ([]models.ExpertConfig, error) {
	data, err := os.ReadFile(r.customPath(user))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("forum: read custom experts for %s: %w", user, err)
	}
	var experts []models.ExpertConfig
	if err := json.Unmarshal(data, &experts); err != nil {
		return nil, fmt.Errorf("forum: parse custom experts for %s: %w", user, err)
	}
	return experts, nil
}

func (r *Roster) saveCustom(user string, experts []models.ExpertConfig) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("forum: create expert directory: %w", err)
	}
	data, err := json.MarshalIndent(experts, "", "  ")
	if err != nil {
		return fmt.Errorf("forum: marshal custom experts for %s: %w", user, err)
	}
	if err := os.WriteFile(r.customPath(user), data, 0o644); err != nil {
		return fmt.Errorf("forum: write custom experts for %s: %w", user, err)
	}
	return nil
}

// builtinTags reports whether tag matches any built-in expert.
func (r *Roster) builtinTags() map[string]struct{} {
	tags := make(map[string]struct{}, len(r.builtin))
	for _, e := range r.builtin {
		tags[e.Tag] = struct{}{}
	}
	return tags
}

// Add validates and persists a new custom expert for user.
func (r *Roster) Add(user string, expert models.ExpertConfig) error {
	if expert.Name == "" || expert.Tag == "" || expert.Persona == "" {
		return fmt.Errorf("forum: expert name, tag, and persona are required")
	}

	lock := r.lockFor(user)
	lock.Lock()
	defer lock.Unlock()

	if _, collides := r.builtinTags()[expert.Tag]; collides {
		return ErrTagCollision
	}
	custom, err := r.loadCustom(user)
	if err != nil {
		return err
	}
	for _, e := range custom {
		if e.Tag == expert.Tag {
			return ErrTagCollision
		}
	}

	expert.Builtin = false
	custom = append(custom, expert)
	return r.saveCustom(user, custom)
}

// Update overwrites every field but Tag on the custom expert identified
// by tag.
func (r *Roster) Update(user, tag string, changes models.ExpertConfig) error {
	lock := r.lockFor(user)
	lock.Lock()
	defer lock.Unlock()

	custom, err := r.loadCustom(user)
	if err != nil {
		return err
	}
	found := false
	for i := range custom {
		if custom[i].Tag == tag {
			changes.Tag = tag
			changes.Builtin = false
			custom[i] = changes
			found = true
			break
		}
	}
	if !found {
		return ErrExpertNotFound
	}
	return r.saveCustom(user, custom)
}

// Delete removes the custom expert identified by tag.
func (r *Roster) Delete(user, tag string) error {
	lock := r.lockFor(user)
	lock.Lock()
	defer lock.Unlock()

	custom, err := r.loadCustom(user)
	if err != nil {
		return err
	}
	out := custom[:0]
	found := false
	for _, e := range custom {
		if e.Tag == tag {
			found = true
			continue
		}
		out = append(out, e)
	}
	if !found {
		return ErrExpertNotFound
	}
	return r.saveCustom(user, out)
}

// List returns the built-in catalog (marked public) plus user's custom
// experts (marked custom).
func (r *Roster) List(user string) ([]RosterEntry, error) {
	lock := r.lockFor(user)
	lock.Lock()
	custom, err := r.loadCustom(user)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]RosterEntry, 0, len(r.builtin)+len(custom))
	for _, e := range r.builtin {
		out = append(out, RosterEntry{ExpertConfig: e, Visibility: VisibilityPublic})
	}
	for _, e := range custom {
		out = append(out, RosterEntry{ExpertConfig: e, Visibility: VisibilityCustom})
	}
	return out, nil
}

// Resolve finds an expert (built-in or custom to user) by tag or name,
// used by the Discussion Engine's step resolution.
func (r *Roster) Resolve(user, nameOrTag string) (models.ExpertConfig, bool) {
	entries, err := r.List(user)
	if err != nil {
		return models.ExpertConfig{}, false
	}
	for _, e := range entries {
		if e.Tag == nameOrTag || e.Name == nameOrTag {
			return e.ExpertConfig, true
		}
	}
	return models.ExpertConfig{}, false
}

// Visible returns the experts available to user, optionally filtered to
// a subset of tags; an empty tag list selects every expert visible to
// the user.
func (r *Roster) Visible(user string, tags []string) ([]models.ExpertConfig, error) {
	entries, err := r.List(user)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		out := make([]models.ExpertConfig, len(entries))
		for i, e := range entries {
			out[i] = e.ExpertConfig
		}
		return out, nil
	}

	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		want[t] = struct{}{}
	}
	var out []models.ExpertConfig
	for _, e := range entries {
		if _, ok := want[e.Tag]; ok {
			out = append(out, e.ExpertConfig)
		}
	}
	return out, nil
}
