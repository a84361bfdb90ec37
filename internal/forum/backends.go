package forum

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/oasisrun/agentplatform/internal/agent"
	"github.com/oasisrun/agentplatform/pkg/models"
)

// participationInstruction is appended to every expert prompt, demanding
// the strict JSON reply shape.
const participationInstruction = `请以如下 JSON 格式回复，不要添加任何其他文字或代码块标记：
{"reply_to": <回复的帖子编号，若不回复特定帖子则为 null>, "content": "<你的观点>", "votes": [{"post_id": <编号>, "direction": "up"|"down"}, ...]}`

// directLLMBackend is Backend A: a stateless, single-shot prompt per
// invocation containing the full current post list. Cheap, and no
// tools.
type directLLMBackend struct {
	provider agent.LLMProvider
}

func (b *directLLMBackend) Participate(ctx context.Context, topicID string, expert models.ExpertConfig, posts []models.Post) (string, error) {
	prompt := fmt.Sprintf(
		"你的身份：%s\n%s\n\n当前讨论帖子：\n%s\n\n%s",
		expert.Name, expert.Persona, formatPosts(posts), participationInstruction,
	)
	// CompletionRequest has no per-call temperature field in this
	// gateway shape (Model/System/Messages/Tools/MaxTokens only), so
	// expert.Temperature differentiates personas only through prompt
	// framing, not a decoding parameter.
	req := &agent.CompletionRequest{
		System:    expert.Persona,
		Messages:  []agent.CompletionMessage{{Role: "user", Content: prompt}},
		MaxTokens: 1024,
	}

	chunks, err := b.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for chunk := range chunks {
		select {
		case <-ctx.Done():
			return text.String(), ctx.Err()
		default:
		}
		if chunk.Error != nil {
			return text.String(), chunk.Error
		}
		text.WriteString(chunk.Text)
		if chunk.Done {
			break
		}
	}
	return text.String(), nil
}

// subAgentBackend is Backend B: each expert is backed by its own
// thread in the Agent Graph Executor, thread_id =
// "{owner_user}#oasis_{topic_id}_{expert_name}", authenticated as the
// owner via internal impersonation, routed through the Session & Task
// Manager. Only the delta of new posts since the last call is sent
// once the sub-agent's own thread history already carries earlier
// context, keeping token usage linear in posts rather than quadratic.
type subAgentBackend struct {
	runner       SubAgentRunner
	ownerUserID  string
	enabledTools []string

	mu         sync.Mutex
	lastOffset map[string]int // sessionID -> count of posts already delivered
}

func subAgentSessionID(topicID, expertName string) string {
	return fmt.Sprintf("oasis_%s_%s", topicID, expertName)
}

func (b *subAgentBackend) Participate(ctx context.Context, topicID string, expert models.ExpertConfig, posts []models.Post) (string, error) {
	sessionID := subAgentSessionID(topicID, expert.Name)

	b.mu.Lock()
	if b.lastOffset == nil {
		b.lastOffset = make(map[string]int)
	}
	offset, seen := b.lastOffset[sessionID]
	b.mu.Unlock()

	// An unknown offset means the full history must be sent once and
	// the tracking reinitialized. Topics don't survive process restart,
	// so "unknown" only occurs on this expert's first call, which is
	// exactly when the full backlog should be sent.
	delta := posts
	if seen && offset < len(posts) {
		delta = posts[offset:]
	} else if seen {
		delta = nil
	}

	var text, persona string
	if !seen {
		persona = fmt.Sprintf(
			"你正在参与一场多专家讨论。你的身份：%s。%s\n你将在后续多轮中持续发言，请记住自己的立场与此前发言。",
			expert.Name, expert.Persona,
		)
		text = fmt.Sprintf("讨论主题启动。当前帖子：\n%s\n\n%s", formatPosts(delta), participationInstruction)
	} else {
		text = fmt.Sprintf("新增帖子：\n%s\n\n%s", formatPosts(delta), participationInstruction)
	}

	reply, err := b.runner.RunTurn(ctx, b.ownerUserID, sessionID, text, persona, b.enabledTools)

	b.mu.Lock()
	b.lastOffset[sessionID] = len(posts)
	b.mu.Unlock()

	return reply, err
}
