package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oasisrun/agentplatform/internal/agent"
	"github.com/oasisrun/agentplatform/internal/forum"
	"github.com/oasisrun/agentplatform/pkg/models"
)

func builtinExperts() []models.ExpertConfig {
	return []models.ExpertConfig{
		{Name: "Creative", Tag: "creative", Persona: "thinks expansively", Temperature: 0.9},
		{Name: "Critical", Tag: "critical", Persona: "finds flaws", Temperature: 0.2},
	}
}

type forumFixture struct {
	server *httptest.Server
	engine *forum.Engine
}

func newForumFixture(t *testing.T, provider agent.LLMProvider) *forumFixture {
	t.Helper()
	roster := forum.NewRoster(builtinExperts(), t.TempDir())
	engine := forum.NewEngine(roster, provider, provider, nil, nil)
	srv := NewForumServer(engine, roster, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &forumFixture{server: ts, engine: engine}
}

func (f *forumFixture) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := f.server.Client().Post(f.server.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestTopicLifecycleOverHTTP(t *testing.T) {
	provider := &scriptedProvider{} // every turn: "ok" -> fallback raw post
	f := newForumFixture(t, provider)

	resp, body := f.postJSON(t, "/topics", map[string]any{
		"question":   "should we launch feature X?",
		"user_id":    "u1",
		"max_rounds": 1,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d (%v)", resp.StatusCode, body)
	}
	topicID, _ := body["topic_id"].(string)
	if topicID == "" || body["status"] != "pending" {
		t.Fatalf("create body = %v", body)
	}

	// Block on the conclusion endpoint until the async run finishes.
	resp2, err := f.server.Client().Get(f.server.URL + "/topics/" + topicID + "/conclusion?timeout=5")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("conclusion status = %d", resp2.StatusCode)
	}
	var conc struct {
		Conclusion string `json:"conclusion"`
		Rounds     int    `json:"rounds"`
		TotalPosts int    `json:"total_posts"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&conc); err != nil {
		t.Fatal(err)
	}
	if conc.Conclusion == "" {
		t.Error("empty conclusion")
	}
	if conc.Rounds != 1 {
		t.Errorf("rounds = %d, want 1 (max_rounds=1 runs exactly one round)", conc.Rounds)
	}
	if conc.TotalPosts != 2 {
		t.Errorf("total_posts = %d, want 2 (one per expert)", conc.TotalPosts)
	}

	// Detail view agrees.
	resp3, err := f.server.Client().Get(f.server.URL + "/topics/" + topicID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp3.Body.Close()
	var detail struct {
		Status string        `json:"status"`
		Posts  []models.Post `json:"posts"`
	}
	if err := json.NewDecoder(resp3.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.Status != string(models.TopicConcluded) {
		t.Errorf("status = %s", detail.Status)
	}
	if len(detail.Posts) != 2 {
		t.Errorf("posts = %d, want 2", len(detail.Posts))
	}

	// Listing is public.
	resp4, err := f.server.Client().Get(f.server.URL + "/topics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp4.Body.Close()
	var listing struct {
		Topics []map[string]any `json:"topics"`
	}
	json.NewDecoder(resp4.Body).Decode(&listing)
	if len(listing.Topics) != 1 {
		t.Errorf("topics listed = %d, want 1", len(listing.Topics))
	}
}

func TestTopicStreamEmitsPostsAndDone(t *testing.T) {
	f := newForumFixture(t, &scriptedProvider{})

	_, body := f.postJSON(t, "/topics", map[string]any{
		"question": "q", "user_id": "u1", "max_rounds": 1,
	})
	topicID := body["topic_id"].(string)

	resp, err := f.server.Client().Get(f.server.URL + "/topics/" + topicID + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	frames := readSSE(t, resp)
	if len(frames) == 0 || frames[len(frames)-1] != doneSentinel {
		t.Fatalf("stream frames = %v", frames)
	}
	var sawRound, sawPost, sawConclusion bool
	for _, fr := range frames[:len(frames)-1] {
		var ev struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(fr), &ev); err != nil {
			t.Fatalf("frame %q is not JSON: %v", fr, err)
		}
		switch ev.Type {
		case "round":
			sawRound = true
		case "post":
			sawPost = true
		case "conclusion":
			sawConclusion = true
		}
	}
	if !sawRound || !sawPost || !sawConclusion {
		t.Errorf("missing event kinds: round=%v post=%v conclusion=%v", sawRound, sawPost, sawConclusion)
	}
}

func TestConclusionTimesOutWhileDiscussing(t *testing.T) {
	// A provider that never finishes within the poll window.
	slow := &slowProvider{delay: 2 * time.Second}
	f := newForumFixture(t, slow)

	_, body := f.postJSON(t, "/topics", map[string]any{
		"question": "q", "user_id": "u1", "max_rounds": 1,
	})
	topicID := body["topic_id"].(string)

	resp, err := f.server.Client().Get(f.server.URL + "/topics/" + topicID + "/conclusion?timeout=0")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
}

func TestUnknownTopic404(t *testing.T) {
	f := newForumFixture(t, &scriptedProvider{})
	resp, err := f.server.Client().Get(f.server.URL + "/topics/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestExpertCRUDOverHTTP(t *testing.T) {
	f := newForumFixture(t, &scriptedProvider{})

	// Catalog starts with the built-ins.
	resp, err := f.server.Client().Get(f.server.URL + "/experts?user_id=u1")
	if err != nil {
		t.Fatal(err)
	}
	var catalog struct {
		Experts []struct {
			Tag        string `json:"tag"`
			Visibility string `json:"visibility"`
		} `json:"experts"`
	}
	json.NewDecoder(resp.Body).Decode(&catalog)
	resp.Body.Close()
	if len(catalog.Experts) != 2 {
		t.Fatalf("builtin catalog = %+v", catalog.Experts)
	}

	// Add a custom expert.
	resp2, body := f.postJSON(t, "/experts/user", map[string]any{
		"user_id": "u1", "name": "Data", "tag": "data", "persona": "argues from numbers", "temperature": 0.4,
	})
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("add status = %d (%v)", resp2.StatusCode, body)
	}

	// Tag collision with a built-in is rejected.
	resp3, _ := f.postJSON(t, "/experts/user", map[string]any{
		"user_id": "u1", "name": "X", "tag": "creative", "persona": "p",
	})
	if resp3.StatusCode != http.StatusBadRequest {
		t.Errorf("collision status = %d, want 400", resp3.StatusCode)
	}

	// The custom expert shows up tagged custom.
	resp4, _ := f.server.Client().Get(f.server.URL + "/experts?user_id=u1")
	catalog.Experts = nil
	json.NewDecoder(resp4.Body).Decode(&catalog)
	resp4.Body.Close()
	var foundCustom bool
	for _, e := range catalog.Experts {
		if e.Tag == "data" && e.Visibility == "custom" {
			foundCustom = true
		}
	}
	if !foundCustom {
		t.Fatalf("custom expert missing from catalog: %+v", catalog.Experts)
	}

	// Update keeps the tag immutable but overwrites fields.
	raw, _ := json.Marshal(map[string]any{"user_id": "u1", "name": "Data v2", "persona": "numbers first"})
	req, _ := http.NewRequest(http.MethodPut, f.server.URL+"/experts/user/data", bytes.NewReader(raw))
	resp5, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp5.Body.Close()
	if resp5.StatusCode != http.StatusOK {
		t.Errorf("update status = %d", resp5.StatusCode)
	}

	// Delete, then the listing omits it.
	req, _ = http.NewRequest(http.MethodDelete, f.server.URL+"/experts/user/data?user_id=u1", nil)
	resp6, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp6.Body.Close()
	if resp6.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp6.StatusCode)
	}

	resp7, _ := f.server.Client().Get(f.server.URL + "/experts?user_id=u1")
	catalog.Experts = nil
	json.NewDecoder(resp7.Body).Decode(&catalog)
	resp7.Body.Close()
	for _, e := range catalog.Experts {
		if e.Tag == "data" {
			t.Error("deleted expert still listed")
		}
	}

	// Deleting again is a 404.
	req, _ = http.NewRequest(http.MethodDelete, f.server.URL+"/experts/user/data?user_id=u1", nil)
	resp8, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp8.Body.Close()
	if resp8.StatusCode != http.StatusNotFound {
		t.Errorf("double delete status = %d, want 404", resp8.StatusCode)
	}
}

// slowProvider stalls every completion long enough for timeout tests.
type slowProvider struct {
	delay time.Duration
}

func (p *slowProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 1)
	go func() {
		defer close(ch)
		select {
		case <-ctx.Done():
		case <-time.After(p.delay):
			ch <- &agent.CompletionChunk{Text: "late", Done: true}
		}
	}()
	return ch, nil
}

func (p *slowProvider) Name() string          { return "slow" }
func (p *slowProvider) Models() []agent.Model { return nil }
func (p *slowProvider) SupportsTools() bool   { return false }
