// Package server provides the Rade ingress HTTP server: it receives GitHub
// webhooks, verifies them, and hands qualifying events to the dispatcher off
// the response path.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/radehq/rade/internal/config"
	"github.com/radehq/rade/internal/dispatch"
	"github.com/radehq/rade/internal/github"
	"github.com/radehq/rade/internal/session"
)

// Server is the Rade ingress HTTP server.
type Server struct {
	config     *config.Config
	store      *session.Store
	dispatcher *dispatch.Dispatcher
	router     chi.Router
}

// New creates a Server around an open store and a dispatcher.
func New(cfg *config.Config, store *session.Store, dispatcher *dispatch.Dispatcher) *Server {
	s := &Server{
		config:     cfg,
		store:      store,
		dispatcher: dispatcher,
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the HTTP router, exposed for tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start runs the HTTP server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.config.Addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("rade ingress listening on %s", s.config.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/api/github/webhook", s.handleWebhook)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Get("/{id}", s.handleGetSession)
	})

	// Health checks.
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "rade"})
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	return r
}

// --- Handlers ---

// handleWebhook verifies and acknowledges a webhook delivery, then processes
// it in the background so GitHub never waits on a dispatch.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	if !github.VerifySignature(body, sig, s.config.GitHubWebhookSecret) {
		log.Println("webhook: invalid signature")
		writeError(w, http.StatusForbidden, "invalid signature")
		return
	}

	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	log.Printf("webhook: received %s event", eventType)

	go s.processEvent(eventType, body)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"event":  eventType,
	})
}

// processEvent classifies and dispatches one verified delivery. It runs
// detached from the request; every outcome is logged, nothing is fatal.
func (s *Server) processEvent(eventType string, body []byte) {
	fields, rejection, err := github.Classify(eventType, body, s.config.AllowedUsers)
	if err != nil {
		log.Printf("webhook: %v", err)
		return
	}
	if rejection != nil {
		log.Printf("webhook: %s event skipped: %s", eventType, rejection)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sess, created, err := s.dispatcher.Dispatch(ctx, fields)
	if err != nil {
		log.Printf("webhook: dispatch failed for %s: %v", fields.SourceKey, err)
		return
	}
	if created {
		log.Printf("webhook: session %s dispatched for %s#%d", sess.ID, fields.Repo, fields.PRNumber)
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.List()
	if err != nil {
		log.Printf("api: listing sessions: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// --- Helpers ---

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
