// Package api serves the dashboard HTTP API and websocket push feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"healthmon/internal/config"
	"healthmon/internal/engine"
	"healthmon/internal/metrics"
	"healthmon/internal/model"
	"healthmon/internal/monitor"
	"healthmon/internal/state"
	"healthmon/internal/storage"
)

// TestSender delivers a notification synchronously on the outbound channels.
type TestSender interface {
	SendNow(ctx context.Context, d model.Delivery) error
}

type Options struct {
	Config     *config.Manager
	Settings   *config.SettingsManager
	Registry   storage.Registry
	Watcher    *storage.Watcher
	State      *state.Store
	Engine     *engine.Engine
	Supervisor *monitor.Supervisor
	Sender     TestSender
	Hub        *Hub
	Logger     *slog.Logger
	Version    string
}

type Server struct {
	cfg        *config.Manager
	settings   *config.SettingsManager
	registry   storage.Registry
	watcher    *storage.Watcher
	state      *state.Store
	engine     *engine.Engine
	supervisor *monitor.Supervisor
	sender     TestSender
	hub        *Hub
	logger     *slog.Logger
	version    string
	started    time.Time
	router     *chi.Mux
}

func New(opts Options) *Server {
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(opts.Logger)
	}
	s := &Server{
		cfg:        opts.Config,
		settings:   opts.Settings,
		registry:   opts.Registry,
		watcher:    opts.Watcher,
		state:      opts.State,
		engine:     opts.Engine,
		supervisor: opts.Supervisor,
		sender:     opts.Sender,
		hub:        hub,
		logger:     opts.Logger,
		version:    opts.Version,
		started:    time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() *chi.Mux {
	origins := []string{"*"}
	if s.cfg != nil && len(s.cfg.Get().API.AllowedOrigins) > 0 {
		origins = s.cfg.Get().API.AllowedOrigins
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Route("/services", func(r chi.Router) {
			r.Get("/", s.handleListServices)
			r.Post("/", s.handleCreateService)
			r.Put("/{id}", s.handleUpdateService)
			r.Delete("/{id}", s.handleDeleteService)
			r.Get("/{id}/state", s.handleServiceState)
			r.Get("/{id}/logs", s.handleServiceLogs)
		})
		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleListNotifications)
			r.Delete("/", s.handleClearNotifications)
			r.Post("/read-all", s.handleMarkAllRead)
			r.Post("/test", s.handleTestNotification)
			r.Post("/{id}/read", s.handleMarkRead)
		})
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Get("/config/alerts", s.handleGetAlertConfig)
		r.Put("/config/alerts", s.handlePutAlertConfig)
	})
	return r
}

// Start serves the API until ctx is done. It returns nil when the API is
// disabled.
func Start(ctx context.Context, s *Server) *http.Server {
	if s == nil || s.cfg == nil {
		return nil
	}
	current := s.cfg.Get().API
	if !current.Enabled {
		if s.logger != nil {
			s.logger.Info("api disabled")
		}
		return nil
	}
	if s.logger != nil {
		s.logger.Info("api enabled", "addr", current.Addr)
	}
	go s.hub.Run(ctx)

	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket upgrade failed", "err", err)
		}
		return
	}
	snapshot := Message{Type: "snapshot", Data: map[string]any{
		"services":      s.state.List(),
		"notifications": s.engine.Inbox().List(0),
		"unread":        s.engine.Inbox().UnreadCount(),
	}}
	s.hub.serve(r.Context(), conn, snapshot)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(out)
}
