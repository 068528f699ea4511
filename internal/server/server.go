// Package server is the HTTP ingress: the aggregator webhook, the operator
// API, the realtime stream and the public media and health endpoints.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"chatbridge/internal/bus"
	"chatbridge/internal/channel"
	"chatbridge/internal/domain"
	"chatbridge/internal/ingest"
	"chatbridge/internal/metrics"
)

const (
	maxWebhookBody      = 1 << 20
	maxAPIBody          = 64 << 10
	defaultPingInterval = 25 * time.Second
)

// Pipeline is the ingestion surface the router drives.
type Pipeline interface {
	Handle(ctx context.Context, adapter channel.Adapter, in channel.Inbound)
	SendManual(ctx context.Context, req ingest.ManualSend) (ingest.SendResult, error)
}

// Store is the read side of the store gateway plus the auto-mode toggle.
type Store interface {
	ListChats(ctx context.Context, filter domain.ChatFilter) ([]domain.Chat, error)
	ListMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error)
	SetAutoMode(ctx context.Context, chatID string, enabled bool) (domain.Chat, error)
	GetMedia(ctx context.Context, id string) (domain.MediaFile, error)
}

// WebhookSource is the aggregator adapter: it turns parsed payloads into
// inbound events and sends replies back.
type WebhookSource interface {
	channel.Adapter
	Normalize(ev channel.AggregatorEvent) []channel.Inbound
}

type Config struct {
	Addr          string
	APIKey        string
	WebhookSecret string
	Version       string
	PingInterval  time.Duration

	Pipeline   Pipeline
	Store      Store
	Aggregator WebhookSource // nil disables the webhook route
	Feed       *bus.EventBus
	Logger     *slog.Logger
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	validate *validator.Validate
	mux      *http.ServeMux
	server   *http.Server
}

func New(cfg Config) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		validate: newValidator(),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /media/{id}", s.handleMedia)
	if s.cfg.Aggregator != nil {
		s.mux.HandleFunc("POST /webhook/{secret}", s.handleWebhook)
	}

	s.mux.HandleFunc("POST /api/send", s.requireAPIKey(s.handleSend))
	s.mux.HandleFunc("GET /api/chats", s.requireAPIKey(s.handleListChats))
	s.mux.HandleFunc("GET /api/chats/{id}/messages", s.requireAPIKey(s.handleListMessages))
	s.mux.HandleFunc("PUT /api/chats/{id}/auto-mode", s.requireAPIKey(s.handleAutoMode))
	s.mux.HandleFunc("GET /api/stream", s.requireAPIKey(s.handleStream))
	s.mux.HandleFunc("GET /metrics", s.requireAPIKey(metrics.Collector.Handler()))
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("http server starting", "addr", s.cfg.Addr, "auth", s.cfg.APIKey != "", "webhook", s.cfg.Aggregator != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// requireAPIKey checks X-API-Key when a key is configured.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next(rw, r)
			return
		}
		got := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
			writeJSON(rw, http.StatusUnauthorized, map[string]any{"success": false, "error": "unauthorized"})
			return
		}
		next(rw, r)
	}
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]any{"success": false, "error": msg})
}
