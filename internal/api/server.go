// Package api provides the HTTP API server for Fledge.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fledge-hq/fledge/internal/core"
	"github.com/fledge-hq/fledge/internal/engine"
	"github.com/fledge-hq/fledge/internal/ledger"
	"github.com/fledge-hq/fledge/internal/logging"
	"github.com/fledge-hq/fledge/internal/scheduler"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	engine      *engine.Service
	ledgerStore *ledger.Store
	scheduler   *scheduler.Scheduler
	wsHub       *WebSocketHub

	log *logging.Logger
}

// Config for the server
type Config struct {
	Port        int
	Engine      *engine.Service
	LedgerStore *ledger.Store
	Scheduler   *scheduler.Scheduler
}

// New creates a new API server
func New(cfg Config) *Server {
	s := &Server{
		engine:      cfg.Engine,
		ledgerStore: cfg.LedgerStore,
		scheduler:   cfg.Scheduler,
		wsHub:       NewWebSocketHub(),
		log:         logging.WithField("component", "api"),
	}

	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRouter configures all routes
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Scores and factors
		r.Route("/children/{childID}", func(r chi.Router) {
			r.Post("/factors", s.handleRecordFactors)
			r.Get("/score", s.handleGetScore)
			r.Get("/score/history", s.handleGetScoreHistory)

			// Milestones
			r.Get("/milestone", s.handleGetMilestone)
			r.Get("/eligibility", s.handleGetEligibility)
			r.Get("/monitoring", s.handleGetMonitoring)

			// Regression (open event for this child)
			r.Get("/regression", s.handleGetOpenRegression)

			// Automatic reduction
			r.Get("/reduction", s.handleGetReduction)
			r.Post("/reduction/check", s.handleCheckReduction)
			r.Post("/reduction/apply", s.handleApplyReduction)
			r.Post("/reduction/override", s.handleRequestOverride)
			r.Post("/reduction/override/agree", s.handleAgreeOverride)
		})

		// Regression workflow by event ID
		r.Route("/regressions/{eventID}", func(r chi.Router) {
			r.Get("/", s.handleGetRegression)
			r.Post("/conversation", s.handleMarkConversation)
			r.Post("/explanation", s.handleRecordExplanation)
			r.Post("/resolve", s.handleResolveRegression)
			r.Post("/revert", s.handleRevertRegression)
		})

		// Milestone ladder definition
		r.Get("/ladder", s.handleGetLadder)

		// Audit ledger
		r.Get("/ledger", s.handleGetLedger)
		r.Get("/ledger/verify", s.handleVerifyLedger)

		// Scheduler introspection
		r.Get("/tasks", s.handleGetTasks)

		// Health
		r.Get("/health", s.handleHealth)
	})

	// WebSocket for live dashboard updates
	r.Get("/ws", s.handleWebSocket)

	s.router = r
}

// Start starts the server
func (s *Server) Start() error {
	go s.wsHub.Run()

	s.log.Info("API server starting on http://localhost%s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the router for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Publish implements engine.EventSink: engine facts become WebSocket
// broadcasts.
func (s *Server) Publish(eventType string, data interface{}) {
	s.wsHub.Broadcast(WebSocketMessage{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// --- Response helpers ---

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondEngineError maps the engine's error taxonomy onto HTTP status codes:
// validation 400, conflict 409, precondition 422, unknown entities 404.
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrScoreNotFound),
		errors.Is(err, core.ErrRegressionNotFound),
		errors.Is(err, core.ErrRecordNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case core.IsValidation(err):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case core.IsConflict(err):
		s.respondError(w, http.StatusConflict, err.Error())
	case core.IsPrecondition(err):
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"ws_clients": s.wsHub.ClientCount(),
	})
}

func (s *Server) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.respondJSON(w, http.StatusOK, []interface{}{})
		return
	}
	s.respondJSON(w, http.StatusOK, s.scheduler.Tasks())
}
