package forum

import (
	"context"

	"github.com/oasisrun/agentplatform/internal/graph"
)

// askRunner is the narrow surface this bridge needs from
// internal/session.Manager, named independently so this package doesn't
// import internal/session directly (session already imports graph and
// checkpoint; forum stays a leaf alongside them).
type askRunner interface {
	Ask(ctx context.Context, in graph.Input) (string, error)
}

// SessionSubAgentRunner adapts a Session & Task Manager into the
// forum.SubAgentRunner interface Backend B needs, implementing the
// "{owner_user}#oasis_{topic_id}_{expert_name}" thread convention and
// internal impersonation (the caller is expected
// to have already authorized this request via INTERNAL_TOKEN:<user_id>
// before reaching here; this type only shapes the graph.Input).
type SessionSubAgentRunner struct {
	manager askRunner
}

// NewSessionSubAgentRunner builds a SubAgentRunner backed by manager.
func NewSessionSubAgentRunner(manager askRunner) *SessionSubAgentRunner {
	return &SessionSubAgentRunner{manager: manager}
}

// RunTurn implements forum.SubAgentRunner.
func (s *SessionSubAgentRunner) RunTurn(ctx context.Context, userID, sessionID, text, systemPersona string, enabledTools []string) (string, error) {
	in := graph.Input{
		UserID:      userID,
		SessionID:   sessionID,
		Text:        text,
		UserProfile: systemPersona,
	}
	if enabledTools == nil {
		in.AllToolsEnabled = true
	} else {
		in.EnabledTools = enabledTools
	}
	return s.manager.Ask(ctx, in)
}

// expertSessionPrefix reports whether sessionID names a sub-agent
// session spawned by the Discussion Engine for topicID (used by the
// Ingress Surface to recognize S4's "u1's session list includes these
// expert sessions" scenario without the session layer needing to know
// about forum topics).
func expertSessionPrefix(topicID string) string {
	return "oasis_" + topicID + "_"
}
