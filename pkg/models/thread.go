package models

import (
	"strings"
	"time"
)

// PartKind tags the variant carried by a Part.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
	PartFile  PartKind = "file"
	PartAudio PartKind = "audio"
)

// Part is one element of a multipart thread-message body. Exactly the
// fields relevant to Kind are populated; the others are zero.
type Part struct {
	Kind PartKind `json:"kind"`

	Text string `json:"text,omitempty"` // PartText

	DataURI string `json:"data_uri,omitempty"` // PartImage

	Filename string `json:"filename,omitempty"`  // PartFile
	FileText string `json:"file_text,omitempty"` // PartFile, when parseable (e.g. PDF extraction)
	FileData []byte `json:"file_data,omitempty"` // PartFile, raw bytes when not parseable or requested

	AudioData   []byte `json:"audio_data,omitempty"`   // PartAudio
	AudioFormat string `json:"audio_format,omitempty"` // PartAudio, e.g. "ogg", "mp3"
}

// ThreadContent is the tagged variant replacing a duck-typed
// string-or-list message body: exactly one of Plain
// or Parts is meaningful; IsMultipart reports which. This is distinct
// from the channel-routing Message.Content (a plain string) because the
// Agent Graph Executor needs to distinguish image/file/audio parts for
// multimodal stripping where the channel layer does not.
type ThreadContent struct {
	Plain string
	Parts []Part
}

// NewPlainContent builds a single-text ThreadContent.
func NewPlainContent(text string) ThreadContent {
	return ThreadContent{Plain: text}
}

// NewMultipartContent builds a ThreadContent carrying structured parts.
func NewMultipartContent(parts ...Part) ThreadContent {
	return ThreadContent{Parts: parts}
}

// IsMultipart reports whether this content carries structured parts
// rather than a bare string.
func (c ThreadContent) IsMultipart() bool {
	return len(c.Parts) > 0
}

// Text extracts a single canonical string, used uniformly by session
// listing and history-sanitization code so callers never switch on the
// underlying shape themselves.
func (c ThreadContent) Text() string {
	if !c.IsMultipart() {
		return c.Plain
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Kind == PartText {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// HasBinary reports whether any part carries image/file/audio payload,
// i.e. whether this content is a stripping candidate once it ages out of
// the current turn.
func (c ThreadContent) HasBinary() bool {
	for _, p := range c.Parts {
		switch p.Kind {
		case PartImage, PartAudio:
			return true
		case PartFile:
			if len(p.FileData) > 0 {
				return true
			}
		}
	}
	return false
}

// Stripped returns a copy of c with binary parts replaced by compact
// textual placeholders.
func (c ThreadContent) Stripped() ThreadContent {
	if !c.IsMultipart() {
		return c
	}
	out := make([]Part, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch p.Kind {
		case PartImage:
			out = append(out, Part{Kind: PartText, Text: "[user uploaded image]"})
		case PartAudio:
			out = append(out, Part{Kind: PartText, Text: "[user uploaded audio]"})
		case PartFile:
			out = append(out, Part{Kind: PartText, Text: "[user uploaded file: " + p.Filename + "]"})
		default:
			out = append(out, p)
		}
	}
	return ThreadContent{Parts: out}
}

// ThreadToolResultStatus distinguishes a normal tool result from one
// synthesized by cancellation/closure repair or policy interception, so
// downstream consumers (session listing, transcript display) can tell
// them apart without string-matching content.
type ThreadToolResultStatus string

const (
	ThreadToolResultOK        ThreadToolResultStatus = "ok"
	ThreadToolResultError     ThreadToolResultStatus = "error"
	ThreadToolResultCancelled ThreadToolResultStatus = "cancelled"
	ThreadToolResultDisabled  ThreadToolResultStatus = "disabled"
)

// ThreadToolResult is the output of one tool execution within a
// ThreadMessage, bound to the call-id it answers.
type ThreadToolResult struct {
	ToolCallID string                 `json:"tool_call_id"`
	Content    string                 `json:"content"`
	Status     ThreadToolResultStatus `json:"status"`
}

// IsError reports whether this result represents a failure of any kind.
func (r ThreadToolResult) IsError() bool {
	return r.Status == ThreadToolResultError || r.Status == ThreadToolResultCancelled || r.Status == ThreadToolResultDisabled
}

// ThreadMessage is one entry in a Thread: the tagged
// four-kind variant (User/Assistant/Tool-result/System) driving the
// Agent Graph Executor, Checkpoint Store, and Forum sub-agent sessions.
// It is kept distinct from the channel-routing Message above; the two
// are bridged at the Session & Task Manager boundary.
type ThreadMessage struct {
	ID            string             `json:"id"`
	ThreadID      string             `json:"thread_id"`
	Role          Role               `json:"role"`
	Content       ThreadContent      `json:"content"`
	ToolCalls     []ToolCall         `json:"tool_calls,omitempty"`
	ToolResults   []ThreadToolResult `json:"tool_results,omitempty"`
	TriggerSource string             `json:"trigger_source,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// UnsatisfiedToolCallIDs returns the ids of tool-call requests on this
// message that have no matching entry in ToolResults, preserving request
// order. Used by history sanitization and cancellation repair.
func (m *ThreadMessage) UnsatisfiedToolCallIDs() []string {
	if len(m.ToolCalls) == 0 {
		return nil
	}
	satisfied := make(map[string]bool, len(m.ToolResults))
	for _, r := range m.ToolResults {
		satisfied[r.ToolCallID] = true
	}
	var out []string
	for _, c := range m.ToolCalls {
		if !satisfied[c.ID] {
			out = append(out, c.ID)
		}
	}
	return out
}

// ThreadID builds the opaque thread identifier from its components. The
// "#" separator is a composition rule, not a structural requirement.
func ThreadID(userID, sessionID string) string {
	return userID + "#" + sessionID
}

// SplitThreadID reverses ThreadID, returning ok=false if id does not
// contain the separator.
func SplitThreadID(id string) (userID, sessionID string, ok bool) {
	idx := strings.Index(id, "#")
	if idx < 0 {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}

// ThreadPrefix builds the "u#" prefix used by list/delete-by-user
// operations.
func ThreadPrefix(userID string) string {
	return userID + "#"
}
