package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fledge-hq/fledge/internal/core"
)

func (s *Server) handleGetMilestone(w http.ResponseWriter, r *http.Request) {
	childID := core.ChildID(chi.URLParam(r, "childID"))

	status, err := s.engine.GetMilestoneStatus(r.Context(), childID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleGetEligibility(w http.ResponseWriter, r *http.Request) {
	childID := core.ChildID(chi.URLParam(r, "childID"))

	elig, err := s.engine.CheckEligibility(r.Context(), childID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, elig)
}

func (s *Server) handleGetMonitoring(w http.ResponseWriter, r *http.Request) {
	childID := core.ChildID(chi.URLParam(r, "childID"))

	m, err := s.engine.GetMonitoring(r.Context(), childID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleGetLadder(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"levels": s.engine.Ladder().Levels(),
	})
}
