package platform

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.AgentAddr != ":8100" || cfg.Server.ForumAddr != ":8101" || cfg.Server.SchedulerAddr != ":8102" {
		t.Errorf("addrs = %+v", cfg.Server)
	}
	if cfg.Server.AgentURL != "http://127.0.0.1:8100" {
		t.Errorf("AgentURL = %q", cfg.Server.AgentURL)
	}
	if cfg.Model.Provider != "anthropic" || cfg.Model.MaxTokens != 4096 {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Checkpoint.Path != filepath.Join("data", "checkpoints.db") {
		t.Errorf("checkpoint path = %q", cfg.Checkpoint.Path)
	}
	if cfg.Auth.UsersFile != filepath.Join("data", "users.json") {
		t.Errorf("users file = %q", cfg.Auth.UsersFile)
	}
}

func TestLoadParsesYAMLAndKeepsExplicitValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oasis.yaml")
	doc := `
server:
  agent_addr: ":9000"
model:
  provider: openai
  model: gpt-4o
  vision_supported: true
checkpoint:
  path: /var/lib/oasis/cp.db
tool_providers:
  filemanager:
    command: ./providers/filemanager
    args: ["--root", "/srv/files"]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.AgentAddr != ":9000" {
		t.Errorf("agent addr = %q", cfg.Server.AgentAddr)
	}
	if cfg.Server.AgentURL != "http://127.0.0.1:9000" {
		t.Errorf("agent url = %q", cfg.Server.AgentURL)
	}
	if cfg.Model.Provider != "openai" || !cfg.Model.VisionSupported {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Checkpoint.Path != "/var/lib/oasis/cp.db" {
		t.Errorf("checkpoint = %q", cfg.Checkpoint.Path)
	}

	tp, ok := cfg.ToolProviders["filemanager"]
	if !ok {
		t.Fatal("filemanager provider missing")
	}
	mc := tp.MCPServerConfig("filemanager")
	if mc.Command != "./providers/filemanager" || len(mc.Args) != 2 {
		t.Errorf("mcp config = %+v", mc)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OASIS_MODEL_PROVIDER", "ollama")
	t.Setenv("OASIS_AGENT_ADDR", "7777")
	t.Setenv("OASIS_MODEL_VISION", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Provider != "ollama" {
		t.Errorf("provider = %q", cfg.Model.Provider)
	}
	if cfg.Server.AgentAddr != ":7777" {
		t.Errorf("agent addr = %q (bare port should gain a colon)", cfg.Server.AgentAddr)
	}
	if !cfg.Model.VisionSupported {
		t.Error("vision override not applied")
	}
}
