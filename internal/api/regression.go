package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fledge-hq/fledge/internal/core"
)

func (s *Server) handleGetOpenRegression(w http.ResponseWriter, r *http.Request) {
	childID := core.ChildID(chi.URLParam(r, "childID"))

	ev, err := s.engine.GetOpenRegression(r.Context(), childID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	if ev == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"child_id": childID,
			"open":     false,
		})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"child_id": childID,
		"open":     true,
		"event":    ev,
	})
}

func (s *Server) handleGetRegression(w http.ResponseWriter, r *http.Request) {
	id := core.RegressionID(chi.URLParam(r, "eventID"))

	ev, err := s.engine.GetRegression(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, ev)
}

type conversationRequest struct {
	ParentNotes string `json:"parent_notes,omitempty"`
}

func (s *Server) handleMarkConversation(w http.ResponseWriter, r *http.Request) {
	id := core.RegressionID(chi.URLParam(r, "eventID"))

	var req conversationRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}

	ev, err := s.engine.MarkConversationHeld(r.Context(), id, req.ParentNotes)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, ev)
}

type explanationRequest struct {
	Explanation string `json:"explanation"`
}

func (s *Server) handleRecordExplanation(w http.ResponseWriter, r *http.Request) {
	id := core.RegressionID(chi.URLParam(r, "eventID"))

	var req explanationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Explanation == "" {
		s.respondError(w, http.StatusBadRequest, "Explanation is required")
		return
	}

	ev, err := s.engine.RecordChildExplanation(r.Context(), id, req.Explanation)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, ev)
}

func (s *Server) handleResolveRegression(w http.ResponseWriter, r *http.Request) {
	id := core.RegressionID(chi.URLParam(r, "eventID"))

	ev, err := s.engine.ResolveRegression(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, ev)
}

func (s *Server) handleRevertRegression(w http.ResponseWriter, r *http.Request) {
	id := core.RegressionID(chi.URLParam(r, "eventID"))

	ev, err := s.engine.RevertMonitoring(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, ev)
}
