package graph

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/oasisrun/agentplatform/internal/agent"
	"github.com/oasisrun/agentplatform/internal/checkpoint"
	"github.com/oasisrun/agentplatform/internal/toolinvoker"
	"github.com/oasisrun/agentplatform/pkg/models"
)

// stubProvider returns a fixed sequence of completions, one per call to
// Complete, in order.
type stubProvider struct {
	turns [][]*agent.CompletionChunk
	calls int
}

func (p *stubProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.calls >= len(p.turns) {
		p.calls++
		ch := make(chan *agent.CompletionChunk, 1)
		ch <- &agent.CompletionChunk{Done: true}
		close(ch)
		return ch, nil
	}
	turn := p.turns[p.calls]
	p.calls++
	ch := make(chan *agent.CompletionChunk, len(turn))
	for _, c := range turn {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *stubProvider) Name() string          { return "stub" }
func (p *stubProvider) Models() []agent.Model { return []agent.Model{{ID: "stub-model"}} }
func (p *stubProvider) SupportsTools() bool   { return true }

type echoTool struct{}

func (echoTool) Name() string            { return "echo_tool" }
func (echoTool) Description() string     { return "echoes input" }
func (echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "echoed"}, nil
}

func newTestExecutor(t *testing.T, provider agent.LLMProvider) (*Executor, checkpoint.Store) {
	t.Helper()
	store := checkpoint.NewMemoryStore()
	reg := agent.NewToolRegistry()
	reg.Register(echoTool{})
	inv := toolinvoker.New(reg, nil)
	return New(Config{Provider: provider, Invoker: inv, Store: store}), store
}

func TestRunSimpleTextTurn(t *testing.T) {
	provider := &stubProvider{
		turns: [][]*agent.CompletionChunk{
			{{Text: "hello "}, {Text: "world"}, {Done: true}},
		},
	}
	exec, store := newTestExecutor(t, provider)

	out, err := exec.Run(context.Background(), Input{UserID: "u1", SessionID: "s1", Text: "hi", AllToolsEnabled: true})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out != "hello world" {
		t.Fatalf("got %q, want %q", out, "hello world")
	}

	snap, err := store.LoadLatest(context.Background(), models.ThreadID("u1", "s1"))
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("expected 2 persisted messages (user+assistant), got %d", len(snap.Messages))
	}
	if snap.Messages[0].Role != models.RoleUser || snap.Messages[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected roles: %+v", snap.Messages)
	}
}

func TestRunWithInternalToolCall(t *testing.T) {
	provider := &stubProvider{
		turns: [][]*agent.CompletionChunk{
			{{ToolCall: &models.ToolCall{ID: "c1", Name: "echo_tool", Input: json.RawMessage(`{}`)}}, {Done: true}},
			{{Text: "done"}, {Done: true}},
		},
	}
	exec, store := newTestExecutor(t, provider)

	out, err := exec.Run(context.Background(), Input{UserID: "u1", SessionID: "s1", Text: "use tool", AllToolsEnabled: true})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out != "done" {
		t.Fatalf("got %q, want %q", out, "done")
	}

	snap, _ := store.LoadLatest(context.Background(), models.ThreadID("u1", "s1"))
	var sawToolResult bool
	for _, m := range snap.Messages {
		if m.Role == models.RoleTool {
			sawToolResult = true
			if len(m.ToolResults) != 1 || m.ToolResults[0].ToolCallID != "c1" {
				t.Fatalf("unexpected tool result message: %+v", m)
			}
		}
	}
	if !sawToolResult {
		t.Fatal("expected a persisted tool-result message")
	}
}

func TestRunStopsAtExternalToolCall(t *testing.T) {
	provider := &stubProvider{
		turns: [][]*agent.CompletionChunk{
			{{ToolCall: &models.ToolCall{ID: "c1", Name: "external_only", Input: json.RawMessage(`{}`)}}, {Done: true}},
		},
	}
	exec, store := newTestExecutor(t, provider)

	events, err := exec.RunStream(context.Background(), Input{UserID: "u1", SessionID: "s1", Text: "hi", AllToolsEnabled: true})
	if err != nil {
		t.Fatalf("RunStream returned error: %v", err)
	}
	var sawDone bool
	for ev := range events {
		if ev.Kind == EventDone {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatal("expected EventDone when terminating at an external tool call")
	}

	snap, _ := store.LoadLatest(context.Background(), models.ThreadID("u1", "s1"))
	last := snap.Messages[len(snap.Messages)-1]
	if last.Role != models.RoleAssistant || len(last.UnsatisfiedToolCallIDs()) != 1 {
		t.Fatalf("expected the assistant message's external call to remain unanswered, got %+v", last)
	}
}

func TestSanitizeHistoryDropsUnsatisfiedInternalCall(t *testing.T) {
	reg := agent.NewToolRegistry()
	reg.Register(echoTool{})
	inv := toolinvoker.New(reg, nil)

	history := []models.ThreadMessage{
		{Role: models.RoleUser, Content: models.NewPlainContent("hi")},
		{
			Role:      models.RoleAssistant,
			Content:   models.NewPlainContent(""),
			ToolCalls: []models.ToolCall{{ID: "c1", Name: "echo_tool"}},
		},
	}
	out := sanitizeHistory(history, inv)
	if len(out) != 1 {
		t.Fatalf("expected dangling internal-call assistant message to be dropped, got %d messages", len(out))
	}
}

func TestSanitizeHistoryKeepsUnsatisfiedExternalCall(t *testing.T) {
	reg := agent.NewToolRegistry()
	inv := toolinvoker.New(reg, nil)

	history := []models.ThreadMessage{
		{Role: models.RoleUser, Content: models.NewPlainContent("hi")},
		{
			Role:      models.RoleAssistant,
			Content:   models.NewPlainContent(""),
			ToolCalls: []models.ToolCall{{ID: "c1", Name: "external_only"}},
		},
	}
	out := sanitizeHistory(history, inv)
	if len(out) != 2 {
		t.Fatalf("expected external-call assistant message to be preserved, got %d messages", len(out))
	}
}

func TestCancellationProducesTerminationSuffixAndRepair(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	reg := agent.NewToolRegistry()
	reg.Register(echoTool{})
	inv := toolinvoker.New(reg, nil)
	threadID := models.ThreadID("u1", "s1")

	exec := New(Config{Provider: &stubProvider{}, Invoker: inv, Store: store})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan Event, 4)
	exec.handleCancellation(ctx, threadID, "partial", []models.ToolCall{{ID: "c1", Name: "echo_tool"}}, out)
	close(out)

	var sawCancelled bool
	for ev := range out {
		if ev.Kind == EventCancelled {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Fatal("expected EventCancelled")
	}

	snap, err := store.LoadLatest(context.Background(), threadID)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	var assistantMsg *models.ThreadMessage
	for i := range snap.Messages {
		if snap.Messages[i].Role == models.RoleAssistant {
			assistantMsg = &snap.Messages[i]
		}
	}
	if assistantMsg == nil {
		t.Fatal("expected a persisted assistant message")
	}
	if !strings.HasSuffix(assistantMsg.Content.Text(), "⚠️ (reply terminated by user)") {
		t.Fatalf("assistant message missing termination suffix: %q", assistantMsg.Content.Text())
	}
	if len(assistantMsg.UnsatisfiedToolCallIDs()) != 0 {
		t.Fatalf("expected repair to have satisfied the dangling tool call, got %+v", assistantMsg)
	}
}

func TestEnabledSetSignatureDistinguishesAllFromEmpty(t *testing.T) {
	all := enabledSetSignature(nil, true)
	empty := enabledSetSignature(nil, false)
	if all == empty {
		t.Fatal("signature for all-enabled must differ from empty-subset")
	}
}

func TestNoticeCacheFiresOnlyOnChange(t *testing.T) {
	c := newNoticeCache()
	if c.needsNotice("u1", "a") {
		t.Fatal("first turn for a user should never need a notice")
	}
	if c.needsNotice("u1", "a") {
		t.Fatal("unchanged signature should not need a notice")
	}
	if !c.needsNotice("u1", "b") {
		t.Fatal("changed signature should need a notice")
	}
}
