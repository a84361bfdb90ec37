// Package platform holds the startup configuration and the immutable
// RuntimeContext value that replaces process-wide singletons: built once
// at startup, passed explicitly into every subsystem. Configuration is a
// single YAML file with OASIS_-prefixed environment overrides.
package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oasisrun/agentplatform/internal/mcp"
	"github.com/oasisrun/agentplatform/internal/tts"
)

// ServerConfig holds the listen addresses of the three HTTP surfaces.
// A single binary may host all of them; separate addresses keep
// the subsystems independently reachable.
type ServerConfig struct {
	AgentAddr     string `yaml:"agent_addr"`
	ForumAddr     string `yaml:"forum_addr"`
	SchedulerAddr string `yaml:"scheduler_addr"`

	// AgentURL is how the scheduler and forum processes reach the agent
	// over HTTP; defaults to http://127.0.0.1 + AgentAddr's port.
	AgentURL string `yaml:"agent_url"`
}

// ModelConfig selects and parameterizes the Model Gateway's vendor.
type ModelConfig struct {
	// Provider is one of "anthropic", "openai", "google", "ollama".
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`

	// VisionSupported is the vendor capability probe: when false, image
	// attachments are stripped with an apology note.
	VisionSupported bool `yaml:"vision_supported"`

	MaxTokens int `yaml:"max_tokens"`
}

// CheckpointConfig selects the Checkpoint Store backend.
type CheckpointConfig struct {
	// Path of the SQLite database file. Empty selects the in-memory
	// store (useful for tests and throwaway runs).
	Path string `yaml:"path"`
}

// AuthConfig locates the credential material.
type AuthConfig struct {
	UsersFile         string `yaml:"users_file"`
	InternalTokenFile string `yaml:"internal_token_file"`
}

// ForumConfig locates the expert roster files.
type ForumConfig struct {
	BuiltinExpertsFile string `yaml:"builtin_experts_file"`
	CustomExpertsDir   string `yaml:"custom_experts_dir"`
}

// UserFilesConfig locates per-user profile and skill documents.
type UserFilesConfig struct {
	ProfileDir string `yaml:"profile_dir"`
	SkillsDir  string `yaml:"skills_dir"`
}

// ToolProviderConfig describes one tool-provider subprocess. The
// shape mirrors mcp.ServerConfig's stdio transport fields.
type ToolProviderConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// ObservabilityConfig tunes logging and tracing.
// Metrics are always registered; tracing activates only when an OTLP
// endpoint is set.
type ObservabilityConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Config is the full startup configuration of the platform.
type Config struct {
	Server        ServerConfig                  `yaml:"server"`
	Model         ModelConfig                   `yaml:"model"`
	Checkpoint    CheckpointConfig              `yaml:"checkpoint"`
	Auth          AuthConfig                    `yaml:"auth"`
	Forum         ForumConfig                   `yaml:"forum"`
	UserFiles     UserFilesConfig               `yaml:"user_files"`
	ToolProviders map[string]ToolProviderConfig `yaml:"tool_providers"`

	// TTS drives the /tts passthrough endpoint; the synthesis services
	// themselves (Edge/OpenAI/ElevenLabs) are out-of-scope collaborators
	// reached at their HTTP contract.
	TTS tts.Config `yaml:"tts"`

	Observability ObservabilityConfig `yaml:"observability"`

	// DataDir is the base directory defaults are derived from when the
	// individual paths above are left empty.
	DataDir string `yaml:"data_dir"`
}

// Load reads the YAML config at path, applies defaults and OASIS_*
// environment overrides. A missing file yields the pure-default config.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("platform: read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("platform: parse config: %w", err)
			}
		}
	}
	applyEnvOverrides(cfg)
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Server.AgentAddr == "" {
		c.Server.AgentAddr = ":8100"
	}
	if c.Server.ForumAddr == "" {
		c.Server.ForumAddr = ":8101"
	}
	if c.Server.SchedulerAddr == "" {
		c.Server.SchedulerAddr = ":8102"
	}
	if c.Server.AgentURL == "" {
		c.Server.AgentURL = "http://127.0.0.1" + portOf(c.Server.AgentAddr)
	}
	if c.Model.Provider == "" {
		c.Model.Provider = "anthropic"
	}
	if c.Model.MaxTokens <= 0 {
		c.Model.MaxTokens = 4096
	}
	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = filepath.Join(c.DataDir, "checkpoints.db")
	}
	if c.Auth.UsersFile == "" {
		c.Auth.UsersFile = filepath.Join(c.DataDir, "users.json")
	}
	if c.Auth.InternalTokenFile == "" {
		c.Auth.InternalTokenFile = filepath.Join(c.DataDir, "internal_token")
	}
	if c.Forum.BuiltinExpertsFile == "" {
		c.Forum.BuiltinExpertsFile = filepath.Join(c.DataDir, "experts.json")
	}
	if c.Forum.CustomExpertsDir == "" {
		c.Forum.CustomExpertsDir = filepath.Join(c.DataDir, "experts")
	}
	if c.UserFiles.ProfileDir == "" {
		c.UserFiles.ProfileDir = filepath.Join(c.DataDir, "profiles")
	}
	if c.UserFiles.SkillsDir == "" {
		c.UserFiles.SkillsDir = filepath.Join(c.DataDir, "skills")
	}
	c.TTS.ApplyDefaults()
}

func portOf(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i:]
	}
	return addr
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("OASIS_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("OASIS_AGENT_ADDR")); v != "" {
		cfg.Server.AgentAddr = normalizeAddr(v)
	}
	if v := strings.TrimSpace(os.Getenv("OASIS_FORUM_ADDR")); v != "" {
		cfg.Server.ForumAddr = normalizeAddr(v)
	}
	if v := strings.TrimSpace(os.Getenv("OASIS_SCHEDULER_ADDR")); v != "" {
		cfg.Server.SchedulerAddr = normalizeAddr(v)
	}
	if v := strings.TrimSpace(os.Getenv("OASIS_AGENT_URL")); v != "" {
		cfg.Server.AgentURL = v
	}
	if v := strings.TrimSpace(os.Getenv("OASIS_MODEL_PROVIDER")); v != "" {
		cfg.Model.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("OASIS_MODEL_API_KEY")); v != "" {
		cfg.Model.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OASIS_MODEL_BASE_URL")); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("OASIS_MODEL")); v != "" {
		cfg.Model.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("OASIS_MODEL_VISION")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Model.VisionSupported = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("OASIS_CHECKPOINT_PATH")); v != "" {
		cfg.Checkpoint.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("OASIS_LOG_LEVEL")); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("OASIS_OTLP_ENDPOINT")); v != "" {
		cfg.Observability.OTLPEndpoint = v
	}
}

// normalizeAddr allows a bare port in environment overrides.
func normalizeAddr(v string) string {
	if !strings.Contains(v, ":") {
		return ":" + v
	}
	return v
}

// MCPServerConfig converts one tool-provider entry into the stdio
// transport config the Tool Registry loads.
func (t ToolProviderConfig) MCPServerConfig(id string) *mcp.ServerConfig {
	return &mcp.ServerConfig{
		ID:        id,
		Transport: mcp.TransportStdio,
		Command:   t.Command,
		Args:      t.Args,
		Env:       t.Env,
	}
}
