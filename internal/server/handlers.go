package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/codemux/codemux/internal/provider"
	"github.com/codemux/codemux/internal/session"
)

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.workspaces.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, workspaces)
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	info, err := s.workspaces.Get(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "workspace not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) removeWorkspace(w http.ResponseWriter, r *http.Request) {
	if err := s.workspaces.Remove(r.Context(), chi.URLParam(r, "workspaceID")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.history.Get(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type compactRequest struct {
	Source string `json:"source,omitempty"` // "user" (default) or "force-compaction"
	Model  string `json:"model,omitempty"`
}

func (s *Server) compactWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	if _, err := s.workspaces.Get(r.Context(), workspaceID); err != nil {
		writeError(w, http.StatusNotFound, "workspace not found")
		return
	}

	var req compactRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	source := session.SourceUser
	if req.Source == string(session.SourceForce) {
		source = session.SourceForce
	}
	model := req.Model
	if model == "" {
		model = s.appConfig.Model
	}

	op, err := s.sessions.Get(workspaceID).StartCompaction(r.Context(), source, session.StartCompactionOptions{
		Stream: provider.StreamOptions{Model: model},
	})
	switch {
	case errors.Is(err, session.ErrCompactionActive):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, session.ErrNothingToCompact):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"operationID": op.ID,
		"messageID":   op.StreamMessageID,
	})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.scheduler.Tasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type createTaskRequest struct {
	ParentWorkspaceID string `json:"parentWorkspaceID"`
	ToolCallID        string `json:"toolCallID"`
	Agent             string `json:"agent"`
	Prompt            string `json:"prompt"`
	Model             string `json:"model,omitempty"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ParentWorkspaceID == "" || req.ToolCallID == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "parentWorkspaceID, toolCallID and prompt are required")
		return
	}
	if req.Agent == "" {
		req.Agent = "exec"
	}

	childID, err := s.scheduler.CreateAgentTask(r.Context(), req.ParentWorkspaceID, req.ToolCallID, req.Agent, req.Prompt, req.Model)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"childWorkspaceID": childID})
}
