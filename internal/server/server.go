// Package server provides the local status server: health, engine status,
// conversation inspection and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/scrypster/digime/internal/config"
	"github.com/scrypster/digime/internal/engine"
	"github.com/scrypster/digime/internal/storage"
	"github.com/scrypster/digime/pkg/types"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 200
	defaultWindow      = 20
)

// StatusSource is the running engine.
type StatusSource interface {
	Status() engine.Status
	Metrics() *engine.Metrics
}

// History is the read side of the conversation store.
type History interface {
	storage.HistoryInspector
	Window(conversationID string, max int) []types.Message
}

// RelationshipLister lists known contacts.
type RelationshipLister interface {
	All() []types.RelationshipProfile
}

// Deps are the sources the server reads from. Relationships is optional.
type Deps struct {
	Engine        StatusSource
	History       History
	Relationships RelationshipLister
	Version       string
}

// Server serves the local status API.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger *zap.Logger
	done   chan struct{}
}

// New creates a Server.
func New(cfg config.ServerConfig, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if deps.History == nil {
		return nil, errors.New("server: history is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Server{cfg: cfg, deps: deps, logger: logger, done: make(chan struct{})}, nil
}

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(securityHeadersMiddleware)
	router.Use(s.recoverMiddleware)

	router.Handle("/metrics", promhttp.HandlerFor(s.deps.Engine.Metrics().Registry, promhttp.HandlerOpts{}))

	router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{id}", s.handleConversation)
		r.Get("/search", s.handleSearch)
		r.Get("/relationships", s.handleRelationships)
	})
	return router
}

// Start listens on the configured address and serves until ctx is done.
// It returns the actual address, which matters when Port is 0.
func (s *Server) Start(ctx context.Context) (string, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	actualAddr := listener.Addr().String()

	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server: serve failed", zap.Error(err))
		}
	}()

	go func() {
		defer close(s.done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("server: shutdown error", zap.Error(err))
		}
		<-served
	}()

	s.logger.Info("server: listening", zap.String("addr", actualAddr))
	return actualAddr, nil
}

// Done is closed once a started server has shut down.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("server: handler panic", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Engine.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": s.deps.Version,
		"running": st.Running,
		"breaker": st.Breaker,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Engine.Status())
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	within := 24 * time.Hour
	if raw := r.URL.Query().Get("within"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "within must be a positive duration")
			return
		}
		within = d
	}
	ids := s.deps.History.ActiveConversations(within)
	out := make([]storage.ConversationSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.deps.History.Summary(id))
	}
	writeJSON(w, http.StatusOK, out)
}

type conversationResponse struct {
	Summary  storage.ConversationSummary `json:"summary"`
	Messages []messageView               `json:"messages"`
}

type messageView struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"message_id"`
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "conversation id is required")
		return
	}
	limit, ok := parseLimit(w, r, defaultWindow)
	if !ok {
		return
	}

	summary := s.deps.History.Summary(id)
	if summary.MessageCount == 0 {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	window := s.deps.History.Window(id, limit)
	resp := conversationResponse{Summary: summary, Messages: make([]messageView, 0, len(window))}
	for _, m := range window {
		resp.Messages = append(resp.Messages, messageView{
			Sender:    m.Sender,
			Text:      m.Text,
			Timestamp: m.Timestamp,
			MessageID: m.PlatformMessageID,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, ok := parseLimit(w, r, defaultSearchLimit)
	if !ok {
		return
	}
	hits := s.deps.History.Search(q, limit)
	if hits == nil {
		hits = []storage.SearchHit{}
	}
	writeJSON(w, http.StatusOK, hits)
}

func (s *Server) handleRelationships(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Relationships == nil {
		writeJSON(w, http.StatusOK, []types.RelationshipProfile{})
		return
	}
	profiles := s.deps.Relationships.All()
	if profiles == nil {
		profiles = []types.RelationshipProfile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if n > maxSearchLimit {
		n = maxSearchLimit
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
