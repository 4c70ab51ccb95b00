package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/mirror/internal/engine"
)

// maxBodyBytes bounds request bodies; documents arrive as extracted text.
const maxBodyBytes = 4 << 20

type Server struct {
	router *chi.Mux
	port   int
	engine *engine.Engine
	logger *slog.Logger
	http   *http.Server
}

// NewServer wires the routes. Owner-facing routes require apiToken when it
// is non-empty; the visitor-facing answer route is always open.
func NewServer(port int, apiToken string, eng *engine.Engine, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		engine: eng,
		logger: logger,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/mirror/status", s.status)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/answer", s.answer)

		r.Group(func(r chi.Router) {
			if apiToken != "" {
				r.Use(BearerAuthMiddleware(apiToken))
			}
			r.Post("/ingest", s.ingest)
			r.Post("/reconcile", s.reconcile)
			r.Post("/profile", s.profile)
			r.Delete("/tenants/{tenant}/sources/{source}", s.forget)
		})
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Service string `json:"service"`
		engine.Status
	}{
		Service: "mirror",
		Status:  s.engine.Status(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
