package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"healthmon/internal/config"
	"healthmon/internal/model"
	"healthmon/internal/monitor"
	"healthmon/internal/normalize"
	"healthmon/internal/state"
	"healthmon/internal/storage"
)

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.logger == nil {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type statusResponse struct {
	Status        string                   `json:"status"`
	Time          string                   `json:"time"`
	Version       string                   `json:"version"`
	Uptime        string                   `json:"uptime"`
	ConfigPath    string                   `json:"config_path"`
	Transport     string                   `json:"transport"`
	Registry      string                   `json:"registry"`
	Streams       map[string]monitor.Phase `json:"streams"`
	Notifications int                      `json:"notifications"`
	Unread        int                      `json:"unread"`
	Dashboards    int                      `json:"dashboards"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		Uptime:     strings.TrimSpace(humanize.RelTime(s.started, time.Now(), "", "")),
		Dashboards: s.hub.Clients(),
	}
	if s.cfg != nil {
		cfg := s.cfg.Get()
		resp.ConfigPath = s.cfg.Path()
		resp.Transport = cfg.Stream.Transport
		resp.Registry = cfg.Registry.Driver
	}
	if s.supervisor != nil {
		resp.Streams = s.supervisor.Phases()
	}
	if s.engine != nil {
		resp.Notifications = s.engine.Inbox().Len()
		resp.Unread = s.engine.Inbox().UnreadCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

type serviceView struct {
	model.RegisteredService
	Status model.Status `json:"status"`
	Unread int          `json:"unread_notifications"`
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	unread := s.engine.Inbox().UnreadByService()
	out := make([]serviceView, 0, len(services))
	for _, svc := range services {
		view := serviceView{RegisteredService: svc, Unread: unread[svc.ID]}
		if st, ok := s.state.Status(svc.ID); ok {
			view.Status = st
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var svc model.RegisteredService
	if err := decodeJSON(w, r, &svc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	svc.ID = ""
	created, err := s.registry.Create(r.Context(), svc)
	if err != nil {
		s.registryError(w, err)
		return
	}
	s.supervisor.EnsureConnection(created)
	s.watcher.Trigger()
	if s.logger != nil {
		s.logger.Info("service registered", "service_id", created.ID, "service_name", created.Name)
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch storage.ServicePatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := s.registry.Update(r.Context(), id, patch)
	if err != nil {
		s.registryError(w, err)
		return
	}
	s.supervisor.EnsureConnection(updated)
	s.watcher.Trigger()
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Delete(r.Context(), id); err != nil {
		s.registryError(w, err)
		return
	}
	s.supervisor.Teardown(id)
	s.watcher.Trigger()
	if s.logger != nil {
		s.logger.Info("service removed", "service_id", id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) registryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrInvalid):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type stateView struct {
	state.ServiceState
	LastSeen string `json:"last_seen,omitempty"`
	Uptime   string `json:"uptime,omitempty"`
}

func (s *Server) handleServiceState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.state.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, storage.ErrNotFound)
		return
	}
	view := stateView{ServiceState: st}
	if st.Metrics != nil {
		view.LastSeen = humanize.Time(st.Metrics.LastUpdate)
		view.Uptime = formatUptime(st.Metrics.ServiceUptime)
	}
	writeJSON(w, http.StatusOK, view)
}

// formatUptime renders seconds of uptime, e.g. "3 hours".
func formatUptime(seconds float64) string {
	if seconds <= 0 {
		return ""
	}
	now := time.Now()
	since := now.Add(-time.Duration(seconds * float64(time.Second)))
	return strings.TrimSpace(humanize.RelTime(since, now, "", ""))
}

func (s *Server) handleServiceLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logs, ok := s.state.Logs(id, queryInt(r, "limit"))
	if !ok {
		writeError(w, http.StatusNotFound, storage.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service_id": id,
		"logs":       logs,
		"count":      len(logs),
	})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	inbox := s.engine.Inbox()
	list := inbox.List(queryInt(r, "limit"))
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": list,
		"count":         len(list),
		"unread":        inbox.UnreadCount(),
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid notification id: %w", err))
		return
	}
	if !s.engine.MarkRead(id) {
		writeError(w, http.StatusNotFound, errors.New("notification not found"))
		return
	}
	s.hub.Publish("read", "", map[string]any{"id": id, "unread": s.engine.Inbox().UnreadCount()})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	n := s.engine.MarkAllRead()
	s.hub.Publish("read", "", map[string]any{"all": true, "unread": 0})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "marked": n})
}

func (s *Server) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	s.engine.Clear()
	s.hub.Publish("cleared", "", nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type testRequest struct {
	ServiceName string      `json:"service_name"`
	Type        model.Level `json:"type"`
	Message     string      `json:"message"`
}

// handleTestNotification sends one delivery through email and SMS using the
// current recipients, bypassing dedup and the in-app list.
func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	if s.sender == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no outbound channels configured"))
		return
	}
	var req testRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.ServiceName == "" {
		req.ServiceName = "Test Service"
	}
	if req.Type == "" {
		req.Type = model.LevelError
	}
	if req.Message == "" {
		req.Message = "This is a test notification."
	}
	settings := s.settings.Snapshot()
	now := time.Now()
	d := model.Delivery{
		ServiceName: req.ServiceName,
		Severity:    req.Type,
		Message:     req.Message,
		Timestamp:   now.Format(normalize.DisplayLayout),
		Emails:      settings.Emails,
		Phones:      settings.Phones,
		Email:       settings.EmailEnabled && len(settings.Emails) > 0,
		SMS:         settings.SMSEnabled && len(settings.Phones) > 0,
		CreatedAt:   now.UTC(),
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.sender.SendNow(ctx, d); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "email": d.Email, "sms": d.SMS})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Snapshot())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	next := s.settings.Snapshot()
	if err := decodeJSON(w, r, &next); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	next.Emails = sanitizeList(next.Emails)
	next.Phones = sanitizeList(next.Phones)
	if err := s.settings.Update(next); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

// alertConfig is the hot-reloadable part of the process config.
type alertConfig struct {
	HighCPUThreshold    float64 `json:"high_cpu_threshold"`
	HighMemoryThreshold float64 `json:"high_memory_threshold"`
	AlertCooldown       string  `json:"alert_cooldown"`
	AITimeout           string  `json:"ai_timeout"`
}

func alertConfigFrom(cfg *config.Config) alertConfig {
	return alertConfig{
		HighCPUThreshold:    cfg.Notifications.HighCPUThreshold,
		HighMemoryThreshold: cfg.Notifications.HighMemoryThreshold,
		AlertCooldown:       cfg.Notifications.AlertCooldown.String(),
		AITimeout:           cfg.AI.Timeout.String(),
	}
}

func (s *Server) handleGetAlertConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("config manager unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, alertConfigFrom(s.cfg.Get()))
}

func (s *Server) handlePutAlertConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("config manager unavailable"))
		return
	}
	current := s.cfg.Get()
	req := alertConfigFrom(current)
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cooldown, err := time.ParseDuration(req.AlertCooldown)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("alert_cooldown: %w", err))
		return
	}
	aiTimeout, err := time.ParseDuration(req.AITimeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("ai_timeout: %w", err))
		return
	}
	next := *current
	next.Notifications.HighCPUThreshold = req.HighCPUThreshold
	next.Notifications.HighMemoryThreshold = req.HighMemoryThreshold
	next.Notifications.AlertCooldown = cooldown
	next.AI.Timeout = aiTimeout
	if err := config.Validate(&next); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cfg.Update(&next); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.engine != nil {
		s.engine.UpdateConfig(s.cfg.Get())
	}
	writeJSON(w, http.StatusOK, alertConfigFrom(s.cfg.Get()))
}

func sanitizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
