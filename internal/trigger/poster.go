package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oasisrun/agentplatform/internal/auth"
	"github.com/oasisrun/agentplatform/pkg/models"
)

// fireTimeout bounds one POST to the Agent. There is no retry.
const fireTimeout = 10 * time.Second

// AgentPoster fires trigger messages at the Agent's /system_trigger
// endpoint, carrying the internal-service token.
type AgentPoster struct {
	agentURL      string
	internalToken string
	client        *http.Client
}

// NewAgentPoster builds a Firer posting to agentURL (the Agent's base
// URL, without the /system_trigger path).
func NewAgentPoster(agentURL, internalToken string, client *http.Client) *AgentPoster {
	if client == nil {
		client = &http.Client{Timeout: fireTimeout}
	}
	return &AgentPoster{agentURL: agentURL, internalToken: internalToken, client: client}
}

// Fire implements Firer.
func (p *AgentPoster) Fire(ctx context.Context, job models.CronJob) error {
	body, err := json.Marshal(map[string]string{
		"user_id":    job.UserID,
		"text":       job.Text,
		"session_id": job.SessionID,
	})
	if err != nil {
		return fmt.Errorf("trigger: encode fire body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, fireTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.agentURL+"/system_trigger", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("trigger: build fire request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.InternalTokenHeader, p.internalToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("trigger: post system_trigger: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("trigger: agent returned %d", resp.StatusCode)
	}
	return nil
}
