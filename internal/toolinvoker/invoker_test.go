package toolinvoker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/oasisrun/agentplatform/internal/agent"
)

type fakeTool struct {
	name string
	fn   func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error)
}

func (f *fakeTool) Name() string                   { return f.name }
func (f *fakeTool) Description() string            { return "fake tool " + f.name }
func (f *fakeTool) Schema() json.RawMessage        { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return f.fn(ctx, params)
}

func newTestInvoker(t *testing.T, tools ...agent.Tool) *Invoker {
	t.Helper()
	reg := agent.NewToolRegistry()
	for _, tool := range tools {
		reg.Register(tool)
	}
	return New(reg, nil)
}

func TestEnabledSetSemantics(t *testing.T) {
	var nilSet EnabledSet
	if !nilSet.Allows("anything") {
		t.Fatal("nil EnabledSet must allow everything")
	}

	empty := NewEnabledSet(nil)
	if empty.Allows("list_files") {
		t.Fatal("empty, non-nil EnabledSet must allow nothing")
	}

	some := NewEnabledSet([]string{"list_files"})
	if !some.Allows("list_files") || some.Allows("run_command") {
		t.Fatal("EnabledSet must allow exactly its members")
	}
}

func TestInvokeDisabledToolShortCircuits(t *testing.T) {
	called := false
	tool := &fakeTool{name: "run_command", fn: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
		called = true
		return &agent.ToolResult{Content: "ran"}, nil
	}}
	inv := newTestInvoker(t, tool)

	results := inv.Invoke(context.Background(), []Call{{CallID: "1", Name: "run_command"}}, NewEnabledSet([]string{"list_files"}), Context{UserID: "u1"})
	if called {
		t.Fatal("disabled tool must not be dispatched to its subprocess")
	}
	if len(results) != 1 || results[0].Status != "disabled" {
		t.Fatalf("expected disabled result, got %+v", results)
	}
}

func TestInvokeInjectsIdentity(t *testing.T) {
	var seen map[string]any
	tool := &fakeTool{name: "create_alarm", fn: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
		_ = json.Unmarshal(params, &seen)
		return &agent.ToolResult{Content: "ok"}, nil
	}}
	inv := newTestInvoker(t, tool)

	args, _ := json.Marshal(map[string]any{"at": "09:00"})
	inv.Invoke(context.Background(), []Call{{CallID: "1", Name: "create_alarm", Args: args}}, nil, Context{UserID: "alice", SessionID: "s1"})

	if seen["username"] != "alice" || seen["session_id"] != "s1" {
		t.Fatalf("expected injected identity, got %+v", seen)
	}
	if seen["at"] != "09:00" {
		t.Fatalf("expected original args preserved, got %+v", seen)
	}
}

func TestInvokePreservesOrder(t *testing.T) {
	tool := &fakeTool{name: "echo", fn: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
		return &agent.ToolResult{Content: string(params)}, nil
	}}
	inv := newTestInvoker(t, tool)

	calls := []Call{
		{CallID: "a", Name: "echo", Args: json.RawMessage(`{"n":1}`)},
		{CallID: "b", Name: "echo", Args: json.RawMessage(`{"n":2}`)},
		{CallID: "c", Name: "echo", Args: json.RawMessage(`{"n":3}`)},
	}
	results := inv.Invoke(context.Background(), calls, nil, Context{})
	for i, r := range results {
		if r.CallID != calls[i].CallID {
			t.Fatalf("result order mismatch at %d: got %s want %s", i, r.CallID, calls[i].CallID)
		}
	}
}

func TestIsInternal(t *testing.T) {
	tool := &fakeTool{name: "known", fn: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
		return &agent.ToolResult{}, nil
	}}
	inv := newTestInvoker(t, tool)
	if !inv.IsInternal("known") {
		t.Fatal("registered tool must be internal")
	}
	if inv.IsInternal("external_tool") {
		t.Fatal("unregistered tool must be external")
	}
}
