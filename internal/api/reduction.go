package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fledge-hq/fledge/internal/core"
)

func (s *Server) handleGetReduction(w http.ResponseWriter, r *http.Request) {
	childID := core.ChildID(chi.URLParam(r, "childID"))

	cfg, err := s.engine.GetReduction(r.Context(), childID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleCheckReduction(w http.ResponseWriter, r *http.Request) {
	childID := core.ChildID(chi.URLParam(r, "childID"))

	eligible, err := s.engine.CheckAutomaticReduction(r.Context(), childID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"child_id": childID,
		"eligible": eligible,
	})
}

func (s *Server) handleApplyReduction(w http.ResponseWriter, r *http.Request) {
	childID := core.ChildID(chi.URLParam(r, "childID"))

	cfg, err := s.engine.ApplyAutomaticReduction(r.Context(), childID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleRequestOverride(w http.ResponseWriter, r *http.Request) {
	childID := core.ChildID(chi.URLParam(r, "childID"))

	cfg, err := s.engine.RequestReductionOverride(r.Context(), childID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleAgreeOverride(w http.ResponseWriter, r *http.Request) {
	childID := core.ChildID(chi.URLParam(r, "childID"))

	cfg, err := s.engine.AgreeReductionOverride(r.Context(), childID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, cfg)
}
