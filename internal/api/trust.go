package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fledge-hq/fledge/internal/core"
	"github.com/fledge-hq/fledge/internal/trust"
)

// factorInput is the wire form of one observed factor.
type factorInput struct {
	Type        string     `json:"type"`
	Category    string     `json:"category"`
	Value       int        `json:"value"`
	Description string     `json:"description,omitempty"`
	OccurredAt  *time.Time `json:"occurred_at,omitempty"`
}

type recordFactorsRequest struct {
	Factors []factorInput `json:"factors"`
}

func (s *Server) handleRecordFactors(w http.ResponseWriter, r *http.Request) {
	childID := core.ChildID(chi.URLParam(r, "childID"))

	var req recordFactorsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if len(req.Factors) == 0 {
		s.respondError(w, http.StatusBadRequest, "At least one factor is required")
		return
	}

	now := time.Now().UTC()
	factors := make([]trust.Factor, 0, len(req.Factors))
	for _, in := range req.Factors {
		switch trust.Category(in.Category) {
		case trust.CategoryPositive, trust.CategoryNeutral, trust.CategoryConcerning:
		default:
			s.respondError(w, http.StatusBadRequest, "Unknown factor category: "+in.Category)
			return
		}
		if in.Type == "" {
			s.respondError(w, http.StatusBadRequest, "Factor type is required")
			return
		}

		occurredAt := now
		if in.OccurredAt != nil {
			occurredAt = *in.OccurredAt
		}

		factors = append(factors, trust.Factor{
			Type:        trust.FactorType(in.Type),
			Category:    trust.Category(in.Category),
			Value:       in.Value,
			Description: in.Description,
			OccurredAt:  occurredAt,
		})
	}

	update, err := s.engine.RecordFactors(r.Context(), childID, factors)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, update)
}

func (s *Server) handleGetScore(w http.ResponseWriter, r *http.Request) {
	childID := core.ChildID(chi.URLParam(r, "childID"))

	score, err := s.engine.GetScore(r.Context(), childID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, score)
}

func (s *Server) handleGetScoreHistory(w http.ResponseWriter, r *http.Request) {
	childID := core.ChildID(chi.URLParam(r, "childID"))

	score, err := s.engine.GetScore(r.Context(), childID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	history := score.History
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid since timestamp")
			return
		}
		var filtered []trust.Snapshot
		for _, snap := range history {
			if !snap.RecordedAt.Before(since) {
				filtered = append(filtered, snap)
			}
		}
		history = filtered
	}

	if r.URL.Query().Get("daily") == "true" {
		history = trust.CollapseDaily(history)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"child_id": childID,
		"history":  history,
		"count":    len(history),
	})
}
