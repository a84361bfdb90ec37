package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oasisrun/agentplatform/internal/trigger"
	"github.com/oasisrun/agentplatform/pkg/models"
)

func newSchedulerFixture(t *testing.T) *httptest.Server {
	t.Helper()
	sched := trigger.NewScheduler(trigger.FirerFunc(func(ctx context.Context, job models.CronJob) error { return nil }))
	srv := NewSchedulerServer(sched, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestTaskCRUDOverHTTP(t *testing.T) {
	ts := newSchedulerFixture(t)

	raw, _ := json.Marshal(map[string]string{
		"user_id": "u1", "session_id": "s2", "cron": "* * * * *", "text": "status?",
	})
	resp, err := ts.Client().Post(ts.URL+"/tasks", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	var created struct {
		TaskID  string `json:"task_id"`
		NextRun string `json:"next_run"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || created.TaskID == "" || created.NextRun == "" {
		t.Fatalf("create: status=%d body=%+v", resp.StatusCode, created)
	}

	resp2, err := ts.Client().Get(ts.URL + "/tasks")
	if err != nil {
		t.Fatal(err)
	}
	var listing struct {
		Tasks []models.CronJob `json:"tasks"`
	}
	json.NewDecoder(resp2.Body).Decode(&listing)
	resp2.Body.Close()
	if len(listing.Tasks) != 1 || listing.Tasks[0].TaskID != created.TaskID {
		t.Fatalf("listing = %+v", listing.Tasks)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/tasks/"+created.TaskID, nil)
	resp3, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp3.StatusCode)
	}

	resp4, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp4.Body.Close()
	if resp4.StatusCode != http.StatusNotFound {
		t.Errorf("double delete status = %d, want 404", resp4.StatusCode)
	}
}

func TestTaskValidation(t *testing.T) {
	ts := newSchedulerFixture(t)

	cases := []map[string]string{
		{"user_id": "", "cron": "* * * * *", "text": "x"},
		{"user_id": "u1", "cron": "", "text": "x"},
		{"user_id": "u1", "cron": "not a cron", "text": "x"},
	}
	for _, body := range cases {
		raw, _ := json.Marshal(body)
		resp, err := ts.Client().Post(ts.URL+"/tasks", "application/json", bytes.NewReader(raw))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %v: status = %d, want 400", body, resp.StatusCode)
		}
	}
}
