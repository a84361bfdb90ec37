package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oasisrun/agentplatform/internal/forum"
	"github.com/oasisrun/agentplatform/pkg/models"
)

// defaultConclusionWait is used when /conclusion is called without a
// timeout parameter.
const defaultConclusionWait = 60 * time.Second

// ForumServer hosts the Forum subsystem's HTTP surface. Topic listing
// and detail are deliberately public; the expert CRUD operates on the
// caller-named user's own roster.
type ForumServer struct {
	engine *forum.Engine
	roster *forum.Roster
	logger *slog.Logger
}

// NewForumServer wires the forum ingress.
func NewForumServer(engine *forum.Engine, roster *forum.Roster, logger *slog.Logger) *ForumServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ForumServer{engine: engine, roster: roster, logger: logger}
}

// Routes registers every forum endpoint on mux.
func (s *ForumServer) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/topics", s.handleTopics)
	mux.HandleFunc("/topics/", s.handleTopicSubtree)
	mux.HandleFunc("/experts", s.handleExperts)
	mux.HandleFunc("/experts/user", s.handleUserExperts)
	mux.HandleFunc("/experts/user/", s.handleUserExpertByTag)
}

// Handler returns the complete forum HTTP handler.
func (s *ForumServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return mux
}

func (s *ForumServer) handleTopics(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTopic(w, r)
	case http.MethodGet:
		s.listTopics(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST required")
	}
}

func (s *ForumServer) createTopic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question        string   `json:"question"`
		UserID          string   `json:"user_id"`
		MaxRounds       int      `json:"max_rounds"`
		ExpertTags      []string `json:"expert_tags"`
		ScheduleYAML    string   `json:"schedule_yaml"`
		ScheduleFile    string   `json:"schedule_file"`
		UseBotSession   bool     `json:"use_bot_session"`
		BotEnabledTools []string `json:"bot_enabled_tools"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	topic, err := s.engine.Start(forum.RunRequest{
		Question:        req.Question,
		UserID:          req.UserID,
		MaxRounds:       req.MaxRounds,
		ExpertTags:      req.ExpertTags,
		ScheduleYAML:    req.ScheduleYAML,
		ScheduleFile:    req.ScheduleFile,
		UseBotSession:   req.UseBotSession,
		BotEnabledTools: req.BotEnabledTools,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"topic_id": topic.TopicID,
		"status":   string(models.TopicPending),
	})
}

func (s *ForumServer) listTopics(w http.ResponseWriter, r *http.Request) {
	topics := s.engine.Topics().List(r.URL.Query().Get("user_id"))
	out := make([]map[string]any, 0, len(topics))
	for _, t := range topics {
		out = append(out, map[string]any{
			"topic_id":      t.TopicID,
			"question":      t.Question,
			"owner_user_id": t.OwnerUserID,
			"status":        string(t.Status),
			"current_round": t.CurrentRound,
			"max_rounds":    t.MaxRounds,
			"post_count":    len(t.Posts),
			"created_at":    t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": out})
}

// handleTopicSubtree dispatches /topics/{id}, /topics/{id}/stream, and
// /topics/{id}/conclusion by hand-parsing the path, matching
// internal/web's subtree-handler idiom.
func (s *ForumServer) handleTopicSubtree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/topics/"), "/")
	parts := strings.Split(rest, "/")

	topic, ok := s.engine.Topics().Get(parts[0])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown topic")
		return
	}

	switch {
	case len(parts) == 1:
		s.topicDetail(w, topic)
	case len(parts) == 2 && parts[1] == "stream":
		s.streamTopic(w, r, topic)
	case len(parts) == 2 && parts[1] == "conclusion":
		s.topicConclusion(w, r, topic)
	default:
		writeError(w, http.StatusNotFound, "unknown path")
	}
}

func (s *ForumServer) topicDetail(w http.ResponseWriter, topic *forum.Topic) {
	t := topic.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"topic_id":      t.TopicID,
		"question":      t.Question,
		"owner_user_id": t.OwnerUserID,
		"status":        string(t.Status),
		"current_round": t.CurrentRound,
		"max_rounds":    t.MaxRounds,
		"posts":         t.Posts,
		"conclusion":    t.Conclusion,
		"created_at":    t.CreatedAt,
	})
}

// streamTopic frames the topic's event feed as SSE: round banners,
// each new post, the final conclusion, then [DONE].
func (s *ForumServer) streamTopic(w http.ResponseWriter, r *http.Request, topic *forum.Topic) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := topic.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				sse.done()
				return
			}
			payload, err := json.Marshal(feedEventJSON(ev))
			if err != nil {
				continue
			}
			sse.sendRaw(string(payload))
			if ev.Kind == forum.FeedDone {
				sse.done()
				return
			}
		}
	}
}

func feedEventJSON(ev forum.FeedEvent) map[string]any {
	out := map[string]any{"type": string(ev.Kind)}
	switch ev.Kind {
	case forum.FeedRound:
		out["round"] = ev.Round
	case forum.FeedPost:
		out["post"] = ev.Post
	case forum.FeedConclusion:
		out["conclusion"] = ev.Conclusion
		out["status"] = string(ev.Status)
	case forum.FeedDone:
		out["status"] = string(ev.Status)
	}
	return out
}

func (s *ForumServer) topicConclusion(w http.ResponseWriter, r *http.Request, topic *forum.Topic) {
	wait := defaultConclusionWait
	if v := r.URL.Query().Get("timeout"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		wait = time.Duration(secs) * time.Second
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	t, err := topic.WaitConclusion(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "conclusion not ready")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	conclusion := ""
	if t.Conclusion != nil {
		conclusion = *t.Conclusion
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conclusion":  conclusion,
		"rounds":      t.CurrentRound,
		"total_posts": len(t.Posts),
	})
}

func (s *ForumServer) handleExperts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	entries, err := s.roster.List(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"experts": entries})
}

type expertRequest struct {
	UserID      string  `json:"user_id"`
	Name        string  `json:"name"`
	Tag         string  `json:"tag"`
	Persona     string  `json:"persona"`
	Temperature float64 `json:"temperature"`
}

func (r expertRequest) config() models.ExpertConfig {
	return models.ExpertConfig{
		Name:        r.Name,
		Tag:         r.Tag,
		Persona:     r.Persona,
		Temperature: r.Temperature,
	}
}

func (s *ForumServer) handleUserExperts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req expertRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.roster.Add(req.UserID, req.config()); err != nil {
		writeRosterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "tag": req.Tag})
}

func (s *ForumServer) handleUserExpertByTag(w http.ResponseWriter, r *http.Request) {
	tag := strings.Trim(strings.TrimPrefix(r.URL.Path, "/experts/user/"), "/")
	if tag == "" {
		writeError(w, http.StatusBadRequest, "expert tag is required")
		return
	}

	switch r.Method {
	case http.MethodPut:
		var req expertRequest
		if !readJSON(w, r, &req) {
			return
		}
		if err := s.roster.Update(req.UserID, tag, req.config()); err != nil {
			writeRosterError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "tag": tag})

	case http.MethodDelete:
		userID := r.URL.Query().Get("user_id")
		if err := s.roster.Delete(userID, tag); err != nil {
			writeRosterError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "tag": tag})

	default:
		writeError(w, http.StatusMethodNotAllowed, "PUT or DELETE required")
	}
}

func writeRosterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, forum.ErrTagCollision):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, forum.ErrExpertNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}
