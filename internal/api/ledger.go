package api

import (
	"net/http"
	"strconv"

	"github.com/fledge-hq/fledge/internal/ledger"
)

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	if s.ledgerStore == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Ledger not configured")
		return
	}

	opts := ledger.QueryOptions{Limit: 100}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			opts.Limit = limit
		}
	}
	opts.Action = r.URL.Query().Get("action")
	opts.Actor = r.URL.Query().Get("actor")
	if childID := r.URL.Query().Get("child_id"); childID != "" {
		opts.EntityType = "child"
		opts.EntityID = childID
	}

	entries, err := s.ledgerStore.Query(opts)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	count, _ := s.ledgerStore.Count()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
		"total":   count,
	})
}

func (s *Server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	if s.ledgerStore == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Ledger not configured")
		return
	}

	if err := s.ledgerStore.VerifyChain(); err != nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	count, _ := s.ledgerStore.Count()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"valid":   true,
		"entries": count,
	})
}
