package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oasisrun/agentplatform/internal/auth"
	"github.com/oasisrun/agentplatform/internal/graph"
	"github.com/oasisrun/agentplatform/internal/observability"
	"github.com/oasisrun/agentplatform/internal/session"
	"github.com/oasisrun/agentplatform/internal/toolinvoker"
	"github.com/oasisrun/agentplatform/internal/tts"
	"github.com/oasisrun/agentplatform/pkg/models"
)

// systemTriggerTimeout bounds the background turn a /system_trigger
// request kicks off; the HTTP response acknowledges receipt
// immediately.
const systemTriggerTimeout = 5 * time.Minute

// UserFileLoader is the narrow surface the agent endpoints need for
// per-request prompt material.
type UserFileLoader interface {
	Profile(userID string) (string, error)
	SkillManifest(userID string) ([]string, error)
}

// AgentConfig carries the per-deployment model parameters the ingress
// copies into every graph.Input.
type AgentConfig struct {
	Model           string
	MaxTokens       int
	VisionSupported bool
	TTS             *tts.Config
}

// AgentServer hosts the Agent subsystem's HTTP surface.
type AgentServer struct {
	sessions      *session.Manager
	invoker       *toolinvoker.Invoker
	passwords     *auth.PasswordStore
	jwt           *auth.JWTService
	internalToken string
	userFiles     UserFileLoader
	cfg           AgentConfig
	logger        *slog.Logger

	// Metrics is optional; when set, HTTP request metrics are recorded
	// and /metrics is mounted. Assign before Routes is called.
	Metrics *observability.Metrics
}

// NewAgentServer wires the agent ingress. jwt may be nil to disable
// bearer-token logins (password-per-request only).
func NewAgentServer(sessions *session.Manager, invoker *toolinvoker.Invoker, passwords *auth.PasswordStore, jwt *auth.JWTService, internalToken string, userFiles UserFileLoader, cfg AgentConfig, logger *slog.Logger) *AgentServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentServer{
		sessions:      sessions,
		invoker:       invoker,
		passwords:     passwords,
		jwt:           jwt,
		internalToken: internalToken,
		userFiles:     userFiles,
		cfg:           cfg,
		logger:        logger,
	}
}

// Routes registers every agent endpoint on mux.
func (s *AgentServer) Routes(mux *http.ServeMux) {
	route := func(path string, handler http.HandlerFunc) {
		mux.HandleFunc(path, withHTTPMetrics(s.Metrics, path, handler))
	}
	route("/login", s.handleLogin)
	route("/ask", s.handleAsk)
	route("/ask_stream", s.handleAskStream)
	route("/cancel", s.handleCancel)
	route("/tools", s.handleTools)
	route("/sessions", s.handleSessions)
	route("/session_history", s.handleSessionHistory)
	route("/delete_session", s.handleDeleteSession)
	route("/system_trigger", s.handleSystemTrigger)
	route("/oasis/ask", s.handleOasisAsk)
	route("/tts", s.handleTTS)
	if s.Metrics != nil {
		mux.Handle("/metrics", promhttp.Handler())
	}
}

// Handler returns the complete agent HTTP handler.
func (s *AgentServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return mux
}

type fileAttachment struct {
	Name string `json:"name"`
	Text string `json:"text,omitempty"`
	Data []byte `json:"data,omitempty"`
}

type audioAttachment struct {
	Data   []byte `json:"data"`
	Format string `json:"format"`
}

type askRequest struct {
	UserID    string `json:"user_id"`
	Password  string `json:"password"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`

	// EnabledTools distinguishes absent (nil pointer: all tools) from an
	// explicit subset, including the empty one.
	EnabledTools *[]string `json:"enabled_tools"`

	Images []string          `json:"images,omitempty"`
	Files  []fileAttachment  `json:"files,omitempty"`
	Audios []audioAttachment `json:"audios,omitempty"`
}

func (s *AgentServer) buildInput(req askRequest, triggerSource string) graph.Input {
	in := graph.Input{
		UserID:          req.UserID,
		SessionID:       req.SessionID,
		Text:            req.Text,
		TriggerSource:   triggerSource,
		VisionSupported: s.cfg.VisionSupported,
		Model:           s.cfg.Model,
		MaxTokens:       s.cfg.MaxTokens,
	}
	if req.EnabledTools == nil {
		in.AllToolsEnabled = true
	} else {
		in.EnabledTools = *req.EnabledTools
	}

	if len(req.Images)+len(req.Files)+len(req.Audios) > 0 {
		parts := []models.Part{{Kind: models.PartText, Text: req.Text}}
		for _, uri := range req.Images {
			parts = append(parts, models.Part{Kind: models.PartImage, DataURI: uri})
		}
		for _, f := range req.Files {
			parts = append(parts, models.Part{Kind: models.PartFile, Filename: f.Name, FileText: f.Text, FileData: f.Data})
		}
		for _, a := range req.Audios {
			parts = append(parts, models.Part{Kind: models.PartAudio, AudioData: a.Data, AudioFormat: a.Format})
		}
		in.Parts = parts
	}

	if s.userFiles != nil {
		if profile, err := s.userFiles.Profile(req.UserID); err == nil {
			in.UserProfile = profile
		} else {
			s.logger.Warn("loading user profile", "user_id", req.UserID, "error", err)
		}
		if skills, err := s.userFiles.SkillManifest(req.UserID); err == nil {
			in.SkillManifest = skills
		} else {
			s.logger.Warn("loading skill manifest", "user_id", req.UserID, "error", err)
		}
	}
	return in
}

// requireUser validates the caller's identity: the user_id/password
// pair, or — when the body carries no password — a bearer token issued
// by /login for the same user_id. Writes the HTTP error itself when
// validation fails.
func (s *AgentServer) requireUser(w http.ResponseWriter, r *http.Request, userID, password string) bool {
	if password == "" && s.jwt != nil {
		if bearer, ok := bearerToken(r); ok {
			user, err := s.jwt.Validate(bearer)
			if err == nil && user.ID == userID {
				return true
			}
		}
	}
	if err := s.passwords.Verify(userID, password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid user_id or password")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

func (s *AgentServer) requireInternal(w http.ResponseWriter, r *http.Request) bool {
	if err := auth.CheckInternalToken(s.internalToken, r.Header.Get(auth.InternalTokenHeader)); err != nil {
		writeError(w, http.StatusForbidden, "invalid internal token")
		return false
	}
	return true
}

func (s *AgentServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		UserID   string `json:"user_id"`
		Password string `json:"password"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if !s.requireUser(w, r, req.UserID, req.Password) {
		return
	}
	resp := map[string]string{"status": "ok"}
	if s.jwt != nil {
		if token, err := s.jwt.Generate(&models.User{ID: req.UserID}); err == nil {
			resp["token"] = token
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AgentServer) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req askRequest
	if !readJSON(w, r, &req) {
		return
	}
	if !s.requireUser(w, r, req.UserID, req.Password) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	text, err := s.sessions.Ask(r.Context(), s.buildInput(req, ""))
	if err != nil {
		// Upstream failures were already folded into the thread as
		// assistant text; an error here means the turn itself
		// could not run.
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": text})
}

func (s *AgentServer) handleAskStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req askRequest
	if !readJSON(w, r, &req) {
		return
	}
	if !s.requireUser(w, r, req.UserID, req.Password) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	events, err := s.sessions.AskStream(r.Context(), s.buildInput(req, ""))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	s.streamEvents(sse, events)
}

// streamEvents frames executor events: token chunks verbatim,
// "\n🔧 tool: NAME...\n" around tool use, [DONE] at the end — including
// after cancellation, which is never an error to the user.
func (s *AgentServer) streamEvents(sse *sseWriter, events <-chan graph.Event) {
	for ev := range events {
		switch ev.Kind {
		case graph.EventText:
			sse.send(ev.Text)
		case graph.EventToolCall:
			sse.send("\n🔧 tool: " + ev.ToolName + "...\n")
		case graph.EventDone, graph.EventCancelled:
			if ev.Err != nil {
				sse.send(ev.Err.Error())
			}
		}
	}
	sse.done()
}

func (s *AgentServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		UserID    string `json:"user_id"`
		Password  string `json:"password"`
		SessionID string `json:"session_id"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if !s.requireUser(w, r, req.UserID, req.Password) {
		return
	}
	if err := s.sessions.Cancel(r.Context(), req.UserID, req.SessionID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AgentServer) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	if !s.requireInternal(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.invoker.Catalog()})
}

func (s *AgentServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		UserID   string `json:"user_id"`
		Password string `json:"password"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if !s.requireUser(w, r, req.UserID, req.Password) {
		return
	}
	summaries, err := s.sessions.ListSessions(r.Context(), req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, map[string]any{
			"session_id":    sum.SessionID,
			"title":         sum.Title,
			"last_message":  sum.LastMessage,
			"message_count": sum.MessageCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *AgentServer) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		UserID    string `json:"user_id"`
		Password  string `json:"password"`
		SessionID string `json:"session_id"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if !s.requireUser(w, r, req.UserID, req.Password) {
		return
	}
	msgs, err := s.sessions.History(r.Context(), req.UserID, req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"messages": []any{}})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// messageJSON renders one thread message for /session_history,
// preserving multimodal content for user messages.
func messageJSON(m models.ThreadMessage) map[string]any {
	out := map[string]any{
		"role":    string(m.Role),
		"content": m.Content.Text(),
	}
	if m.Content.IsMultipart() {
		out["parts"] = m.Content.Parts
	}
	if len(m.ToolCalls) > 0 {
		out["tool_calls"] = m.ToolCalls
	}
	if len(m.ToolResults) > 0 {
		out["tool_results"] = m.ToolResults
	}
	if m.TriggerSource != "" {
		out["trigger_source"] = m.TriggerSource
	}
	return out
}

func (s *AgentServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		UserID    string `json:"user_id"`
		Password  string `json:"password"`
		SessionID string `json:"session_id"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if !s.requireUser(w, r, req.UserID, req.Password) {
		return
	}

	var err error
	if req.SessionID == "" {
		err = s.sessions.DeleteAllForUser(r.Context(), req.UserID)
	} else {
		err = s.sessions.DeleteSession(r.Context(), req.UserID, req.SessionID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AgentServer) handleSystemTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if !s.requireInternal(w, r) {
		return
	}
	var req struct {
		UserID    string `json:"user_id"`
		Text      string `json:"text"`
		SessionID string `json:"session_id"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.UserID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "user_id and session_id are required")
		return
	}

	in := s.buildInput(askRequest{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Text:      req.Text,
	}, graph.TriggerSourceSystem)

	// The trigger turn runs detached from this request: the scheduler
	// only needs an acknowledgement that the prompt was received.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), systemTriggerTimeout)
		defer cancel()
		if _, err := s.sessions.Ask(ctx, in); err != nil {
			s.logger.Warn("system trigger turn failed", "user_id", req.UserID, "session_id", req.SessionID, "error", err)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (s *AgentServer) handleOasisAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if !s.requireInternal(w, r) {
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		Topic     string `json:"topic"`
		History   string `json:"history"`
		UserID    string `json:"user_id"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.UserID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "user_id and session_id are required")
		return
	}

	text := req.History
	if strings.TrimSpace(req.Topic) != "" {
		text = req.Topic + "\n\n" + req.History
	}
	content, err := s.sessions.Ask(r.Context(), s.buildInput(askRequest{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Text:      text,
	}, ""))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"content": err.Error(), "status": "error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content, "status": "ok"})
}

// handleTTS synthesizes the text through the configured provider chain
// and streams the audio back; the synthesis services are external and
// reached at their HTTP contract.
func (s *AgentServer) handleTTS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if s.cfg.TTS == nil || !s.cfg.TTS.Enabled {
		writeError(w, http.StatusServiceUnavailable, "tts backend not configured")
		return
	}
	var req struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	cfg := *s.cfg.TTS
	if req.Voice != "" {
		cfg.Edge.Voice = req.Voice
		cfg.OpenAI.Voice = req.Voice
	}

	result, err := tts.TextToSpeech(r.Context(), &cfg, req.Text, "")
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer tts.Cleanup(result)

	audio, err := os.Open(result.AudioPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer audio.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, audio); err != nil {
		s.logger.Warn("streaming tts audio", "error", err)
	}
}
