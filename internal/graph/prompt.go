package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// basePromptTemplate is the static portion of the system prompt: a
// listing of every known tool name.
const basePromptTemplate = `You are a helpful assistant with access to the following tools:
%s

Use a tool only when it helps answer the user's request. If a tool is not
in this list, do not attempt to call it.`

// systemTriggerTemplate wraps a user message whose origin is a scheduler
// or other internal caller rather than a human.
const systemTriggerTemplate = "[System-triggered message, not from the human user directly]\n%s"

// toolStateNoticeTemplate is prepended exactly once when the enabled-set
// changes between turns for a user.
const toolStateNoticeTemplate = "(Note: the set of tools available to you has changed for this turn.)\n"

// noticeCache tracks, per user, the last enabled-tool-set signature used
// so the "tool state changed" notice is injected only when it actually
// changed — keeping the system prompt prefix stable across turns for
// provider-side prompt caching.
type noticeCache struct {
	mu   sync.Mutex
	last map[string]string
}

func newNoticeCache() *noticeCache {
	return &noticeCache{last: make(map[string]string)}
}

// needsNotice reports whether the enabled-set signature differs from
// the last one recorded for userID, and records the new signature.
func (c *noticeCache) needsNotice(userID, signature string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.last[userID]
	c.last[userID] = signature
	if !ok {
		// First turn for this user: no prior baseline to diverge from.
		return false
	}
	return prev != signature
}

// enabledSetSignature builds a stable signature for an (possibly nil)
// enabled-tool-set, used as the noticeCache key. nil (all enabled) gets
// its own sentinel distinct from any concrete subset, including the
// empty subset.
func enabledSetSignature(names []string, allEnabled bool) string {
	if allEnabled {
		return "*"
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// buildSystemPrompt assembles the system prompt from (a) the base
// template listing known tool names, (b) the user's profile text if
// any, (c) a skills manifest block, and (d) the tool-state notice when
// needed.
func buildSystemPrompt(toolNames []string, userProfile string, skillManifest []string, notice bool) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf(basePromptTemplate, strings.Join(toolNames, ", ")))

	if strings.TrimSpace(userProfile) != "" {
		b.WriteString("\n\nUser profile:\n")
		b.WriteString(strings.TrimSpace(userProfile))
	}

	if len(skillManifest) > 0 {
		b.WriteString("\n\nAvailable skill files:\n")
		for _, s := range skillManifest {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteString("\n")
		}
	}

	if notice {
		b.WriteString("\n\n")
		b.WriteString(toolStateNoticeTemplate)
	}

	return b.String()
}

