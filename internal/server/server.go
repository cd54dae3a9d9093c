package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lazyhollow/doppel/internal/chat"
	"github.com/lazyhollow/doppel/internal/engine"
	"github.com/lazyhollow/doppel/internal/store"
)

// Server is the doppel HTTP API server.
type Server struct {
	db           *store.DB
	embedder     engine.Embedder
	orchestrator *chat.Orchestrator
	router       chi.Router
	version      string
	started      time.Time
}

// New creates a new Server. The orchestrator may be nil, in which case
// the chat route reports 503 and the rest of the API still works.
func New(db *store.DB, embedder engine.Embedder, orch *chat.Orchestrator, version string) *Server {
	s := &Server{
		db:           db,
		embedder:     embedder,
		orchestrator: orch,
		version:      version,
		started:      time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Everything below is scoped to one user.
		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Post("/chat", s.handleChat)
			r.Get("/search", s.handleSearch)

			r.Get("/facts", s.handleListFacts)
			r.Post("/facts", s.handleAddFact)
			r.Post("/facts/sweep", s.handleSweepFacts)
			r.Post("/facts/{key}/approve", s.handleApproveFact)
			r.Delete("/facts/{key}", s.handleDeleteFact)

			r.Get("/memories", s.handleListMemories)
			r.Post("/memories", s.handleAddMemory)
			r.Post("/memories/decay", s.handleDecayMemories)
			r.Post("/memories/{id}/approve", s.handleApproveMemory)
			r.Post("/memories/{id}/recall", s.handleRecallMemory)
			r.Delete("/memories/{id}", s.handleDeleteMemory)

			r.Get("/rules", s.handleListRules)
			r.Patch("/rules/{id}", s.handleUpdateRule)
			r.Post("/rules/{id}/observed", s.handleRuleObserved)
			r.Post("/rules/{id}/applied", s.handleRuleApplied)
			r.Delete("/rules/{id}", s.handleDeleteRule)

			r.Get("/documents", s.handleListDocuments)
			r.Post("/documents", s.handleAddDocument)
			r.Delete("/documents/{id}", s.handleDeleteDocument)
		})
	})

	s.router = r
}

type ctxKey int

const userKey ctxKey = 0

// requireUser rejects requests without an x-user-id header. Every
// memory row is scoped to a user, so an anonymous request has nothing
// to act on.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("x-user-id")
		if userID == "" {
			http.Error(w, `{"error":"x-user-id header required"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
