// Package httpapi is the Ingress Surface: the HTTP and SSE
// endpoints of the Agent, Forum, and Scheduler subsystems. Handlers stay
// thin — authenticate, shape the request, delegate to the Session & Task
// Manager, Discussion Engine, or trigger Scheduler — and translate
// domain errors to status codes only at this boundary. Routing
// follows internal/web's plain http.ServeMux + method-check-per-handler
// idiom.
package httpapi

import (
	"fmt"
	"net/http"
	"strings"
)

// doneSentinel terminates every SSE stream.
const doneSentinel = "[DONE]"

// EscapeSSE encodes arbitrary text for a single "data: " line: literal
// backslashes are doubled, then newlines become "\n", so a frame never
// contains a raw newline. Clients reverse the escape.
func EscapeSSE(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

// UnescapeSSE reverses EscapeSSE. Scanning left to right keeps the pair
// an involution on arbitrary payloads (a "\\n" round-trips to backslash
// + 'n', not a newline).
func UnescapeSSE(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		switch s[i+1] {
		case '\\':
			b.WriteByte('\\')
			i++
		case 'n':
			b.WriteByte('\n')
			i++
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// sseWriter frames "data: ...\n\n" events over a flushed HTTP response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter sets the SSE headers and returns a writer, or ok=false if
// the ResponseWriter cannot stream.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

// send emits one escaped data frame.
func (s *sseWriter) send(payload string) {
	fmt.Fprintf(s.w, "data: %s\n\n", EscapeSSE(payload))
	s.flusher.Flush()
}

// sendRaw emits one pre-escaped data frame (for payloads that are
// already newline-free, e.g. compact JSON or the [DONE] sentinel).
func (s *sseWriter) sendRaw(payload string) {
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.flusher.Flush()
}

// done emits the terminal [DONE] frame.
func (s *sseWriter) done() {
	s.sendRaw(doneSentinel)
}
