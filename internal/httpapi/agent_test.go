package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oasisrun/agentplatform/internal/agent"
	"github.com/oasisrun/agentplatform/internal/auth"
	"github.com/oasisrun/agentplatform/internal/checkpoint"
	"github.com/oasisrun/agentplatform/internal/graph"
	"github.com/oasisrun/agentplatform/internal/session"
	"github.com/oasisrun/agentplatform/internal/toolinvoker"
	"github.com/oasisrun/agentplatform/pkg/models"
)

// scriptedProvider replays a fixed sequence of completions. Safe for
// concurrent use: the forum engine invokes experts in parallel.
type scriptedProvider struct {
	mu    sync.Mutex
	turns [][]*agent.CompletionChunk
	calls int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	var turn []*agent.CompletionChunk
	if p.calls < len(p.turns) {
		turn = p.turns[p.calls]
	} else {
		turn = []*agent.CompletionChunk{{Text: "ok"}, {Done: true}}
	}
	p.calls++
	p.mu.Unlock()
	ch := make(chan *agent.CompletionChunk, len(turn))
	for _, c := range turn {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string          { return "scripted" }
func (p *scriptedProvider) Models() []agent.Model { return nil }
func (p *scriptedProvider) SupportsTools() bool   { return true }

type listFilesTool struct{}

func (listFilesTool) Name() string            { return "list_files" }
func (listFilesTool) Description() string     { return "lists the user's files" }
func (listFilesTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (listFilesTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "a.txt\nb.txt"}, nil
}

type agentFixture struct {
	server *httptest.Server
	store  checkpoint.Store
	token  string
}

func newAgentFixture(t *testing.T, provider agent.LLMProvider) *agentFixture {
	t.Helper()

	store := checkpoint.NewMemoryStore()
	reg := agent.NewToolRegistry()
	reg.Register(listFilesTool{})
	inv := toolinvoker.New(reg, nil)
	exec := graph.New(graph.Config{Provider: provider, Invoker: inv, Store: store})
	sessions := session.New(store, exec, nil)

	passwords, err := auth.NewPasswordStore(filepath.Join(t.TempDir(), "users.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := passwords.SetPassword("u1", "secret"); err != nil {
		t.Fatal(err)
	}

	const token = "test-internal-token"
	jwtSvc := auth.NewJWTService("test-jwt-secret", time.Hour)
	srv := NewAgentServer(sessions, inv, passwords, jwtSvc, token, nil, AgentConfig{MaxTokens: 1024}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &agentFixture{server: ts, store: store, token: token}
}

func (f *agentFixture) post(t *testing.T, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

// readSSE collects every unescaped data frame until the stream ends.
func readSSE(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		frames = append(frames, UnescapeSSE(strings.TrimPrefix(line, "data: ")))
	}
	return frames
}

func TestLogin(t *testing.T) {
	f := newAgentFixture(t, &scriptedProvider{})

	resp, _ := f.post(t, "/login", map[string]string{"user_id": "u1", "password": "secret"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid login status = %d", resp.StatusCode)
	}

	resp, _ = f.post(t, "/login", map[string]string{"user_id": "u1", "password": "wrong"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad password status = %d", resp.StatusCode)
	}

	resp, _ = f.post(t, "/login", map[string]string{"user_id": "nobody", "password": "x"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unknown user status = %d", resp.StatusCode)
	}
}

func TestLoginIssuesUsableBearerToken(t *testing.T) {
	f := newAgentFixture(t, &scriptedProvider{})

	_, body := f.post(t, "/login", map[string]string{"user_id": "u1", "password": "secret"}, nil)
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("login response carries no token")
	}

	// The token replaces the password on later calls.
	resp, _ := f.post(t, "/sessions", map[string]string{"user_id": "u1"},
		map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer-authed sessions status = %d", resp.StatusCode)
	}

	// But only for the user it names.
	resp, _ = f.post(t, "/sessions", map[string]string{"user_id": "u2"},
		map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("cross-user bearer status = %d, want 401", resp.StatusCode)
	}
}

func TestAskPersistsThread(t *testing.T) {
	f := newAgentFixture(t, &scriptedProvider{
		turns: [][]*agent.CompletionChunk{{{Text: "hello there"}, {Done: true}}},
	})

	resp, body := f.post(t, "/ask", map[string]any{
		"user_id": "u1", "password": "secret", "session_id": "s1", "text": "hi",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["response"] != "hello there" {
		t.Errorf("response = %v", body["response"])
	}

	snap, err := f.store.LoadLatest(context.Background(), models.ThreadID("u1", "s1"))
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if len(snap.Messages) != 2 {
		t.Errorf("persisted %d messages, want 2", len(snap.Messages))
	}
}

func TestAskStreamWithToolMarkers(t *testing.T) {
	f := newAgentFixture(t, &scriptedProvider{
		turns: [][]*agent.CompletionChunk{
			{{ToolCall: &models.ToolCall{ID: "c1", Name: "list_files", Input: json.RawMessage(`{}`)}}, {Done: true}},
			{{Text: "you have "}, {Text: "2 files"}, {Done: true}},
		},
	})

	raw, _ := json.Marshal(map[string]any{
		"user_id": "u1", "password": "secret", "session_id": "s1",
		"text": "list my files, then tell me how many there are",
	})
	resp, err := f.server.Client().Post(f.server.URL+"/ask_stream", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	frames := readSSE(t, resp)
	if len(frames) == 0 || frames[len(frames)-1] != doneSentinel {
		t.Fatalf("stream must end with [DONE], got %v", frames)
	}
	var sawTool bool
	for _, fr := range frames {
		if strings.Contains(fr, "🔧 tool: list_files") {
			sawTool = true
		}
	}
	if !sawTool {
		t.Errorf("no tool marker in frames %v", frames)
	}
	if !strings.Contains(strings.Join(frames, ""), "2 files") {
		t.Errorf("final answer missing from frames %v", frames)
	}
}

func TestDisabledToolIntercept(t *testing.T) {
	f := newAgentFixture(t, &scriptedProvider{
		turns: [][]*agent.CompletionChunk{
			{{ToolCall: &models.ToolCall{ID: "c1", Name: "list_files", Input: json.RawMessage(`{}`)}}, {Done: true}},
			{{Text: "that tool is disabled right now"}, {Done: true}},
		},
	})

	resp, body := f.post(t, "/ask", map[string]any{
		"user_id": "u1", "password": "secret", "session_id": "s1",
		"text":          "list my files",
		"enabled_tools": []string{},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["response"] != "that tool is disabled right now" {
		t.Errorf("response = %v", body["response"])
	}

	snap, _ := f.store.LoadLatest(context.Background(), models.ThreadID("u1", "s1"))
	var sawDisabled bool
	for _, m := range snap.Messages {
		for _, r := range m.ToolResults {
			if r.Status == models.ThreadToolResultDisabled {
				sawDisabled = true
			}
		}
	}
	if !sawDisabled {
		t.Error("expected a disabled-status tool result in the thread")
	}
}

func TestToolsRequiresInternalToken(t *testing.T) {
	f := newAgentFixture(t, &scriptedProvider{})

	resp, err := f.server.Client().Get(f.server.URL + "/tools")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("no token status = %d, want 403", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/tools", nil)
	req.Header.Set(auth.InternalTokenHeader, f.token)
	resp, err = f.server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with token status = %d", resp.StatusCode)
	}
	var body struct {
		Tools []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Tools) != 1 || body.Tools[0].Name != "list_files" {
		t.Errorf("tools = %+v", body.Tools)
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newAgentFixture(t, &scriptedProvider{
		turns: [][]*agent.CompletionChunk{
			{{Text: "answer one"}, {Done: true}},
			{{Text: "answer two"}, {Done: true}},
		},
	})

	for i, sess := range []string{"s1", "s2"} {
		resp, _ := f.post(t, "/ask", map[string]any{
			"user_id": "u1", "password": "secret", "session_id": sess,
			"text": fmt.Sprintf("question %d", i+1),
		}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("ask %s status = %d", sess, resp.StatusCode)
		}
	}

	resp, body := f.post(t, "/sessions", map[string]string{"user_id": "u1", "password": "secret"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sessions status = %d", resp.StatusCode)
	}
	sessions, _ := body["sessions"].([]any)
	if len(sessions) != 2 {
		t.Fatalf("listed %d sessions, want 2", len(sessions))
	}

	resp, body = f.post(t, "/session_history", map[string]string{
		"user_id": "u1", "password": "secret", "session_id": "s1",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("history has %d messages, want 2", len(msgs))
	}

	resp, _ = f.post(t, "/delete_session", map[string]string{
		"user_id": "u1", "password": "secret", "session_id": "s1",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	// delete_session then session_history returns empty messages.
	_, body = f.post(t, "/session_history", map[string]string{
		"user_id": "u1", "password": "secret", "session_id": "s1",
	}, nil)
	msgs, _ = body["messages"].([]any)
	if len(msgs) != 0 {
		t.Errorf("history after delete = %v", msgs)
	}

	// The other session is untouched.
	_, body = f.post(t, "/session_history", map[string]string{
		"user_id": "u1", "password": "secret", "session_id": "s2",
	}, nil)
	msgs, _ = body["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("sibling session lost messages: %v", msgs)
	}
}

func TestSystemTriggerRunsDetachedTurn(t *testing.T) {
	f := newAgentFixture(t, &scriptedProvider{
		turns: [][]*agent.CompletionChunk{{{Text: "all quiet"}, {Done: true}}},
	})

	resp, _ := f.post(t, "/system_trigger", map[string]string{
		"user_id": "u1", "text": "status?", "session_id": "s2",
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("no token status = %d, want 403", resp.StatusCode)
	}

	resp, body := f.post(t, "/system_trigger", map[string]string{
		"user_id": "u1", "text": "status?", "session_id": "s2",
	}, map[string]string{auth.InternalTokenHeader: f.token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "received" {
		t.Errorf("body = %v", body)
	}

	// The turn runs detached; wait for it to land in the checkpoint.
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := f.store.LoadLatest(context.Background(), models.ThreadID("u1", "s2"))
		if err == nil && len(snap.Messages) == 2 {
			user := snap.Messages[0]
			if user.TriggerSource != graph.TriggerSourceSystem {
				t.Fatalf("trigger source = %q", user.TriggerSource)
			}
			if !strings.Contains(user.Content.Text(), "status?") {
				t.Fatalf("user message = %q", user.Content.Text())
			}
			if !strings.Contains(user.Content.Text(), "System-triggered") {
				t.Fatalf("user message not wrapped: %q", user.Content.Text())
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("triggered turn never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOasisAskBridge(t *testing.T) {
	f := newAgentFixture(t, &scriptedProvider{
		turns: [][]*agent.CompletionChunk{{{Text: `{"reply_to": null, "content": "my view", "votes": []}`}, {Done: true}}},
	})

	resp, body := f.post(t, "/oasis/ask", map[string]string{
		"session_id": "oasis_t1_critic", "topic": "should we?", "history": "#1 [a]: yes", "user_id": "u1",
	}, map[string]string{auth.InternalTokenHeader: f.token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" || !strings.Contains(body["content"].(string), "my view") {
		t.Errorf("body = %v", body)
	}

	// The sub-agent thread lives in the owner's namespace.
	if _, err := f.store.LoadLatest(context.Background(), models.ThreadID("u1", "oasis_t1_critic")); err != nil {
		t.Errorf("expected sub-agent thread in u1's namespace: %v", err)
	}
}
