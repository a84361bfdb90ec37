package toolinvoker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/oasisrun/agentplatform/internal/agent"
	"github.com/oasisrun/agentplatform/pkg/models"
)

// schemaedTool advertises a real parameter schema.
type schemaedTool struct {
	called bool
}

func (s *schemaedTool) Name() string        { return "send_push" }
func (s *schemaedTool) Description() string { return "sends a push notification" }
func (s *schemaedTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message": {"type": "string"},
			"priority": {"type": "integer", "minimum": 0, "maximum": 2}
		},
		"required": ["message"]
	}`)
}
func (s *schemaedTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	s.called = true
	return &agent.ToolResult{Content: "sent"}, nil
}

func TestInvokeValidatesArgumentsAgainstSchema(t *testing.T) {
	tool := &schemaedTool{}
	inv := newTestInvoker(t, tool)

	cases := []struct {
		name       string
		args       string
		wantStatus models.ThreadToolResultStatus
	}{
		{"valid", `{"message": "hi", "priority": 1}`, models.ThreadToolResultOK},
		{"missing required", `{"priority": 1}`, models.ThreadToolResultError},
		{"wrong type", `{"message": 42}`, models.ThreadToolResultError},
		{"out of range", `{"message": "hi", "priority": 9}`, models.ThreadToolResultError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tool.called = false
			results := inv.Invoke(context.Background(),
				[]Call{{CallID: "1", Name: "send_push", Args: json.RawMessage(tc.args)}},
				nil, Context{UserID: "u1"})
			if results[0].Status != tc.wantStatus {
				t.Errorf("status = %s, want %s (content: %s)", results[0].Status, tc.wantStatus, results[0].Content)
			}
			if tc.wantStatus == models.ThreadToolResultError && tool.called {
				t.Error("tool dispatched despite failing schema validation")
			}
		})
	}
}
