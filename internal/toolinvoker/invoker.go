// Package toolinvoker implements the Tool Registry & Invoker: a flat
// namespace of tools collected from tool-provider subprocesses at
// startup, dispatched per-turn under a per-call enabled-set filter and
// per-user parameter injection. It sits directly on top of
// agent.ToolRegistry and agent.Tool, with internal/mcp's stdio/HTTP
// JSON-RPC transports on the provider side.
package toolinvoker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oasisrun/agentplatform/internal/agent"
	"github.com/oasisrun/agentplatform/internal/observability"
	"github.com/oasisrun/agentplatform/pkg/models"
)

// EnabledSet is the optional per-turn subset of tool names allowed to
// run. A nil EnabledSet means all tools are enabled; a non-nil, empty
// EnabledSet means none are.
type EnabledSet map[string]struct{}

// NewEnabledSet builds an EnabledSet from a list of tool names. Passing
// nil (as opposed to an empty, non-nil slice) must be done by the caller
// directly assigning a nil EnabledSet — this constructor always returns
// a non-nil set, even for an empty names slice, matching "empty subset
// means none enabled".
func NewEnabledSet(names []string) EnabledSet {
	set := make(EnabledSet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Allows reports whether name is permitted by this set. A nil set
// allows everything.
func (s EnabledSet) Allows(name string) bool {
	if s == nil {
		return true
	}
	_, ok := s[name]
	return ok
}

// userScopedTools receive an injected "username" parameter: the file,
// command, alarm, and push tools whose execution is scoped to the
// requesting user.
var userScopedTools = map[string]struct{}{
	"list_files":   {},
	"read_file":    {},
	"write_file":   {},
	"delete_file":  {},
	"run_command":  {},
	"create_alarm": {},
	"send_push":    {},
}

// sessionScopedTools additionally receive an injected "session_id"
// parameter. Only alarm creation needs it.
var sessionScopedTools = map[string]struct{}{
	"create_alarm": {},
}

// Call is one tool-call request to be dispatched, matching the Model
// Gateway's {call_id, name, args-object} shape.
type Call struct {
	CallID string
	Name   string
	Args   json.RawMessage
}

// Result is the tool-result produced for one Call, in the same order as
// the requests were submitted.
type Result struct {
	CallID  string
	Content string
	Status  models.ThreadToolResultStatus
}

// Invoker dispatches a turn's tool-call requests against the flat
// namespace collected from tool-provider subprocesses (via Registry),
// honoring the enabled-set and injecting contextual identity.
type Invoker struct {
	registry *agent.ToolRegistry
	logger   *slog.Logger

	// Metrics is optional; when set, per-tool execution counts and
	// latencies are recorded. Assign before first use.
	Metrics *observability.Metrics
}

// New builds an Invoker over registry. A nil logger falls back to
// slog.Default().
func New(registry *agent.ToolRegistry, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{registry: registry, logger: logger}
}

// IsInternal reports whether name is a tool known to the Registry. A
// call is "internal" when true; otherwise it is "external" and
// must be returned to the caller to execute.
func (inv *Invoker) IsInternal(name string) bool {
	_, ok := inv.registry.Get(name)
	return ok
}

// Context carries the contextual identity injected into user-scoped
// tool arguments.
type Context struct {
	UserID    string
	SessionID string
}

// Invoke dispatches calls in parallel to their subprocesses, applying
// the enabled-set filter first and identity injection second. Results
// are returned in the same order as calls. Only internal calls
// (IsInternal) should be passed here; external calls go back to the
// caller to execute.
func (inv *Invoker) Invoke(ctx context.Context, calls []Call, enabled EnabledSet, ic Context) []Result {
	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		if !enabled.Allows(call.Name) {
			inv.recordExecution(call.Name, models.ThreadToolResultDisabled, time.Time{})
			results[i] = Result{
				CallID: call.CallID,
				Content: fmt.Sprintf(
					"tool %q is currently disabled for this conversation; ask the user to re-enable it if you need it",
					call.Name,
				),
				Status: models.ThreadToolResultDisabled,
			}
			continue
		}

		wg.Add(1)
		go func(i int, call Call) {
			defer wg.Done()
			start := time.Now()
			results[i] = inv.invokeOne(ctx, call, ic)
			inv.recordExecution(call.Name, results[i].Status, start)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (inv *Invoker) invokeOne(ctx context.Context, call Call, ic Context) Result {
	tool, ok := inv.registry.Get(call.Name)
	if !ok {
		return Result{
			CallID:  call.CallID,
			Content: "tool not found: " + call.Name,
			Status:  models.ThreadToolResultError,
		}
	}

	if err := validateArgs(tool, call.Args); err != nil {
		return Result{
			CallID:  call.CallID,
			Content: "tool arguments do not match the tool's schema: " + err.Error(),
			Status:  models.ThreadToolResultError,
		}
	}

	args, err := injectIdentity(call.Args, call.Name, ic)
	if err != nil {
		return Result{
			CallID:  call.CallID,
			Content: "invalid tool arguments: " + err.Error(),
			Status:  models.ThreadToolResultError,
		}
	}

	res, err := tool.Execute(ctx, args)
	if err != nil {
		inv.logger.Warn("tool provider call failed", "tool", call.Name, "error", err)
		return Result{
			CallID:  call.CallID,
			Content: "tool execution failed: " + err.Error(),
			Status:  models.ThreadToolResultError,
		}
	}
	status := models.ThreadToolResultOK
	if res.IsError {
		status = models.ThreadToolResultError
	}
	return Result{CallID: call.CallID, Content: res.Content, Status: status}
}

// injectIdentity adds "username" (and, for alarm creation, "session_id")
// to the argument object for tools that require user-scoped execution,
// leaving other tools' arguments untouched.
func injectIdentity(args json.RawMessage, toolName string, ic Context) (json.RawMessage, error) {
	_, wantsUser := userScopedTools[toolName]
	_, wantsSession := sessionScopedTools[toolName]
	if !wantsUser && !wantsSession {
		if len(args) == 0 {
			return json.RawMessage("{}"), nil
		}
		return args, nil
	}

	var obj map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &obj); err != nil {
			return nil, fmt.Errorf("tool arguments must be a JSON object: %w", err)
		}
	}
	if obj == nil {
		obj = map[string]any{}
	}
	if wantsUser {
		obj["username"] = ic.UserID
	}
	if wantsSession {
		obj["session_id"] = ic.SessionID
	}
	return json.Marshal(obj)
}

// ToolDefinition is the catalog shape returned by GET /tools.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Catalog returns every registered tool's name and description, sorted
// by name for a stable response.
func (inv *Invoker) Catalog() []ToolDefinition {
	tools := inv.registry.AsLLMTools()
	out := make([]ToolDefinition, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolDefinition{Name: t.Name(), Description: t.Description()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AsLLMTools exposes the registry's tools for advertising to the Model
// Gateway, optionally filtered to the enabled set (the "filtered
// tool-spec set advertised to the model: intersection of registry and
// enabled-set).
func (inv *Invoker) AsLLMTools(enabled EnabledSet) []agent.Tool {
	all := inv.registry.AsLLMTools()
	out := make([]agent.Tool, 0, len(all))
	for _, t := range all {
		if enabled.Allows(t.Name()) {
			out = append(out, t)
		}
	}
	return out
}

func (inv *Invoker) recordExecution(toolName string, status models.ThreadToolResultStatus, start time.Time) {
	if inv.Metrics == nil {
		return
	}
	label := "success"
	switch status {
	case models.ThreadToolResultDisabled:
		label = "disabled"
	case models.ThreadToolResultError, models.ThreadToolResultCancelled:
		label = "error"
	}
	inv.Metrics.ToolExecutionCounter.WithLabelValues(toolName, label).Inc()
	if !start.IsZero() {
		inv.Metrics.ToolExecutionDuration.WithLabelValues(toolName).Observe(time.Since(start).Seconds())
	}
}
