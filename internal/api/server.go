// Package api is the surrounding application's HTTP surface over the task
// store and conversation log. The scheduler core itself owns no wire
// protocol; this server is a thin adapter for operators and producers.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agentflow/internal/domain"
	"agentflow/internal/store"
)

type Server struct {
	store *store.Store
}

func NewServer(st *store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{store: st}

	r.Get("/health", s.health)
	r.Post("/api/tasks", s.createTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Post("/api/sessions", s.createSession)
	r.Get("/api/sessions/{id}", s.getSession)
	r.Get("/api/sessions/{id}/messages", s.getMessages)
	r.Post("/api/sessions/{id}/messages", s.appendMessage)
	r.Get("/api/users/{userID}/sessions", s.listUserSessions)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type createTaskReq struct {
	UserID      string          `json:"user_id"`
	HandlerName string          `json:"handler_name"`
	Payload     json.RawMessage `json:"payload"`
	NextRunAt   *time.Time      `json:"next_run_at"`
	IntervalMs  int64           `json:"interval_ms"`
	CronExpr    string          `json:"cron_expr"`
}

type idResp struct {
	ID string `json:"id"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	nextRun := time.Now()
	if req.NextRunAt != nil {
		nextRun = *req.NextRunAt
	}

	var (
		id  string
		err error
	)
	if req.CronExpr != "" {
		id, err = s.store.CreateCronTask(r.Context(), req.UserID, req.HandlerName, req.Payload, nextRun, req.CronExpr)
	} else {
		id, err = s.store.CreateTask(r.Context(), req.UserID, req.HandlerName, req.Payload, nextRun, time.Duration(req.IntervalMs)*time.Millisecond)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, taskJSON(t))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListRecentTasks(r.Context(), 100)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskJSON(t))
	}
	writeJSON(w, 200, out)
}

func taskJSON(t domain.Task) map[string]any {
	return map[string]any{
		"id":           t.ID,
		"user_id":      t.UserID,
		"handler_name": t.HandlerName,
		"status":       t.Status,
		"next_run_at":  t.NextRunAt.Format(time.RFC3339),
		"interval_ms":  t.Interval.Milliseconds(),
		"cron_expr":    t.CronExpr,
		"created_at":   t.CreatedAt.Format(time.RFC3339),
		"updated_at":   t.UpdatedAt.Format(time.RFC3339),
	}
}

type createSessionReq struct {
	UserID string `json:"user_id"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	id, err := s.store.CreateSession(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, sessionJSON(sess))
}

func (s *Server) listUserSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessionsForUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionJSON(sess))
	}
	writeJSON(w, 200, out)
}

func sessionJSON(sess domain.Session) map[string]any {
	return map[string]any{
		"id":         sess.ID,
		"user_id":    sess.UserID,
		"created_at": sess.CreatedAt.Format(time.RFC3339),
		"updated_at": sess.UpdatedAt.Format(time.RFC3339),
	}
}

type appendMessageReq struct {
	Role string          `json:"role"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

func (s *Server) appendMessage(w http.ResponseWriter, r *http.Request) {
	var req appendMessageReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	err := s.store.AppendMessage(r.Context(), chi.URLParam(r, "id"), domain.Role(req.Role), req.Name, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.GetMessages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"seq":       m.Seq,
			"role":      m.Role,
			"name":      m.Name,
			"data":      m.Data,
			"timestamp": m.Timestamp.Format(time.RFC3339),
		})
	}
	writeJSON(w, 200, out)
}

func writeError(w http.ResponseWriter, err error) {
	var verr *store.ValidationError
	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Error(), 400)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", 404)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
