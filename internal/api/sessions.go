package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/nugget/mnemo/internal/agent"
	"github.com/nugget/mnemo/internal/memory"
)

// TurnRequest is the body of POST /v1/sessions/{sessionID}/turns.
type TurnRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	reply, err := s.agent.HandleTurn(r.Context(), sessionID, req.UserID, req.Message)
	switch {
	case errors.Is(err, agent.ErrInvalidInput):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		// The caller went away while waiting for the session.
		s.logger.Debug("turn not started", "session", sessionID, "error", err)
		s.errorResponse(w, http.StatusServiceUnavailable, "session busy")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, reply, s.logger)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	res := s.agent.ResetConversation(r.Context(), r.URL.Query().Get("user_id"), chi.URLParam(r, "sessionID"))
	w.Header().Set("Content-Type", "application/json")
	if !res.Success {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(res.Err, memory.ErrInvalidKey):
			code = http.StatusBadRequest
		case errors.Is(res.Err, agent.ErrSessionBusy):
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
	}
	writeJSON(w, res, s.logger)
}

// sessionKey reads the session key from the path and user_id query
// parameter, writing a 400 when either is missing.
func (s *Server) sessionKey(w http.ResponseWriter, r *http.Request) (memory.Key, bool) {
	key := memory.Key{
		UserID:    r.URL.Query().Get("user_id"),
		SessionID: chi.URLParam(r, "sessionID"),
	}
	if err := key.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return key, false
	}
	return key, true
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	key, ok := s.sessionKey(w, r)
	if !ok {
		return
	}
	msgs, err := s.store.Messages(r.Context(), key)
	if err != nil {
		s.logger.Error("list messages failed", "session", key.String(), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"messages": nonNil(msgs), "count": len(msgs)}, s.logger)
}

func (s *Server) handleFacts(w http.ResponseWriter, r *http.Request) {
	key, ok := s.sessionKey(w, r)
	if !ok {
		return
	}
	facts, err := s.store.Facts(r.Context(), key)
	if err != nil {
		s.logger.Error("list facts failed", "session", key.String(), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list facts")
		return
	}
	slices.Reverse(facts)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"facts": nonNil(facts), "count": len(facts)}, s.logger)
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	key, ok := s.sessionKey(w, r)
	if !ok {
		return
	}
	steps, err := s.store.Steps(r.Context(), key)
	if err != nil {
		s.logger.Error("list steps failed", "session", key.String(), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list steps")
		return
	}
	slices.Reverse(steps)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"steps": nonNil(steps), "count": len(steps)}, s.logger)
}

func (s *Server) handleTodos(w http.ResponseWriter, r *http.Request) {
	if s.todos == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "to-do store not configured")
		return
	}
	key, ok := s.sessionKey(w, r)
	if !ok {
		return
	}
	items, err := s.todos.ListAll(r.Context(), key)
	if err != nil {
		s.logger.Error("list todos failed", "session", key.String(), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list to-do items")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"items": nonNil(items), "count": len(items)}, s.logger)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	key, ok := s.sessionKey(w, r)
	if !ok {
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "md"
	}
	if format != "md" && format != "html" {
		s.errorResponse(w, http.StatusBadRequest, "format must be md or html")
		return
	}

	msgs, err := s.store.Messages(r.Context(), key)
	if err != nil {
		s.logger.Error("load transcript failed", "session", key.String(), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}

	md := TranscriptMarkdown(key, msgs)
	if format == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(md))
		return
	}

	html, err := TranscriptHTML(md)
	if err != nil {
		s.logger.Error("render transcript failed", "session", key.String(), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to render transcript")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
