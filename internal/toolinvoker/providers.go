package toolinvoker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/oasisrun/agentplatform/internal/agent"
	"github.com/oasisrun/agentplatform/internal/mcp"
)

// ProviderGroup names one of the fixed tool-provider subprocess groups
// launched at startup: "one per tool-group: scheduler, search,
// filemanager, commander, forum-facade, push".
type ProviderGroup string

const (
	GroupScheduler   ProviderGroup = "scheduler"
	GroupSearch      ProviderGroup = "search"
	GroupFileManager ProviderGroup = "filemanager"
	GroupCommander   ProviderGroup = "commander"
	GroupForumFacade ProviderGroup = "forum-facade"
	GroupPush        ProviderGroup = "push"
)

// Registry owns the set of tool-provider subprocess connections and the
// flat agent.ToolRegistry namespace collected from their advertised
// tool lists.
type Registry struct {
	logger  *slog.Logger
	clients map[ProviderGroup]*mcp.Client
	tools   *agent.ToolRegistry
}

// NewRegistry builds an empty Registry. Call Load for each configured
// provider group, then Tools() to get the flat namespace to hand to an
// Invoker.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		clients: make(map[ProviderGroup]*mcp.Client),
		tools:   agent.NewToolRegistry(),
	}
}

// Load launches (or connects to) the subprocess for group per cfg,
// fetches its advertised tool list via list_tools, and registers each as
// an agent.Tool backed by call_tool. A failure to connect to one
// provider does not prevent other groups from loading; it is logged and
// that group's tools are simply absent from the namespace.
func (r *Registry) Load(ctx context.Context, group ProviderGroup, cfg *mcp.ServerConfig) error {
	if cfg == nil {
		return fmt.Errorf("toolinvoker: nil config for group %s", group)
	}
	if cfg.ID == "" {
		cfg.ID = string(group)
	}
	client := mcp.NewClient(cfg, r.logger.With("tool_group", group))
	if err := client.Connect(ctx); err != nil {
		r.logger.Error("tool-provider subprocess failed to connect", "group", group, "error", err)
		return fmt.Errorf("connect provider %s: %w", group, err)
	}
	if err := client.RefreshCapabilities(ctx); err != nil {
		r.logger.Error("tool-provider subprocess failed to list tools", "group", group, "error", err)
		return fmt.Errorf("list_tools on provider %s: %w", group, err)
	}
	r.clients[group] = client
	for _, t := range client.Tools() {
		r.tools.Register(&subprocessTool{client: client, def: t, group: group})
	}
	return nil
}

// Tools returns the flat registry namespace to back an Invoker.
func (r *Registry) Tools() *agent.ToolRegistry {
	return r.tools
}

// Close disconnects every loaded provider subprocess.
func (r *Registry) Close() {
	for group, client := range r.clients {
		if err := client.Close(); err != nil {
			r.logger.Warn("error closing tool-provider subprocess", "group", group, "error", err)
		}
	}
}

// subprocessTool adapts one MCP-advertised tool into agent.Tool, calling
// call_tool over the provider's stdio-framed JSON-RPC connection.
type subprocessTool struct {
	client *mcp.Client
	def    *mcp.MCPTool
	group  ProviderGroup
}

func (t *subprocessTool) Name() string { return t.def.Name }

func (t *subprocessTool) Description() string { return t.def.Description }

func (t *subprocessTool) Schema() json.RawMessage { return t.def.InputSchema }

func (t *subprocessTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return &agent.ToolResult{Content: "invalid tool arguments: " + err.Error(), IsError: true}, nil
		}
	}
	res, err := t.client.CallTool(ctx, t.def.Name, args)
	if err != nil {
		// Provider subprocess crash or transport failure: surfaced as an
		// error tool-result, not an aborted turn.
		return &agent.ToolResult{Content: "tool provider error: " + err.Error(), IsError: true}, nil
	}
	content := ""
	for i, c := range res.Content {
		if i > 0 {
			content += "\n"
		}
		content += c.Text
	}
	return &agent.ToolResult{Content: content, IsError: res.IsError}, nil
}
