package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/zentech/yunzhi/internal/session"
	"github.com/zentech/yunzhi/internal/storage"
)

// SessionListResponse is the body of GET /sessions and of websocket pushes.
type SessionListResponse struct {
	Type     string                   `json:"type,omitempty"`
	Sessions []storage.SessionSummary `json:"sessions"`
	Synced   bool                     `json:"synced"`
	Error    string                   `json:"error,omitempty"`
}

func (s *Server) listResponse(sessions []storage.SessionSummary) SessionListResponse {
	resp := SessionListResponse{Sessions: sessions, Synced: s.sessions.Synced()}
	if resp.Sessions == nil {
		resp.Sessions = []storage.SessionSummary{}
	}
	if err := s.sessions.Err(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// handleListSessions returns the live list, optionally fuzzy-filtered by ?q=.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var sessions []storage.SessionSummary
	if q := r.URL.Query().Get("q"); q != "" {
		sessions = s.sessions.Find(q)
	} else {
		sessions = s.sessions.Sessions()
	}
	s.writeJSON(w, s.listResponse(sessions))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := s.syncer.Get(r.Context(), id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, rec)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var err error
	if e, ok := s.engines.lookup(id); ok {
		err = e.DeleteSession(r.Context(), id)
	} else {
		err = s.syncer.DeleteSession(r.Context(), id)
	}
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.engines.forget(id)
	w.WriteHeader(http.StatusNoContent)
}

type setPublicRequest struct {
	Public *bool `json:"public"`
}

func (s *Server) handleSetPublic(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req setPublicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Public == nil {
		s.writeError(w, `body must be {"public": bool}`, http.StatusBadRequest)
		return
	}

	if err := s.syncer.SetPublic(r.Context(), id, *req.Public); err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"id": id, "isPublic": *req.Public})
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrSessionNotFound) {
		s.writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	var werr *session.StoreWriteError
	if errors.As(err, &werr) {
		slog.Error("session write failed", "op", werr.Op, "session", werr.SessionID, "error", werr.Err)
	}
	s.writeError(w, err.Error(), http.StatusInternalServerError)
}
