package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"healthmon/internal/config"
	"healthmon/internal/metrics"
	"healthmon/internal/model"
	"healthmon/internal/notifications"
	"healthmon/internal/summary"
)

// Summarizer rewords a log message. Any error means no summary.
type Summarizer interface {
	Summarize(ctx context.Context, message string) (string, error)
}

// Dispatcher hands deliveries to outbound channels without blocking.
type Dispatcher interface {
	Dispatch(d model.Delivery)
}

// Engine decides whether a classified entry becomes a notification and
// which channels it goes out on.
type Engine struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	inbox      *notifications.Store
	dedupe     *DedupeIndex
	summarizer Summarizer
	dispatcher Dispatcher
	cfg        atomic.Value
	cooldown   *Cooldown

	mu        sync.Mutex
	down      map[string]bool
	listeners []func(model.NotificationRecord)
}

func NewEngine(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, inbox *notifications.Store, dedupe *DedupeIndex, summarizer Summarizer, dispatcher Dispatcher) *Engine {
	if inbox == nil {
		inbox = notifications.NewStore(cfg.Notifications.StoreLimit)
	}
	if dedupe == nil {
		dedupe = NewDedupeIndex(cfg.Notifications.DedupeCapacity)
	}
	e := &Engine{
		logger:     logger,
		metrics:    m,
		inbox:      inbox,
		dedupe:     dedupe,
		summarizer: summarizer,
		dispatcher: dispatcher,
		cooldown:   NewCooldown(),
		down:       make(map[string]bool),
	}
	e.cfg.Store(cfg)
	inbox.OnEvict(func(rec model.NotificationRecord) {
		e.dedupe.Unpin(rec.Key().String())
	})
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Inbox() *notifications.Store {
	return e.inbox
}

// OnNotify registers fn to receive every created record.
func (e *Engine) OnNotify(fn func(model.NotificationRecord)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Evaluate applies the notification policy to one classified entry. The
// record is returned only when an in-app notification was created; email and
// SMS delivery may still happen when it is not. Every entry that passes the
// policy is handed to the dispatcher, which picks the channels.
func (e *Engine) Evaluate(entry model.ClassifiedLogEntry, serviceID, serviceName string, settings model.NotificationSettings) (model.NotificationRecord, bool) {
	if entry.Level != model.LevelWarning && entry.Level != model.LevelError {
		return model.NotificationRecord{}, false
	}

	key := model.DedupKey{
		ServiceID:    serviceID,
		RawTimestamp: entry.RawTimestamp,
		Level:        entry.Level,
		Message:      entry.Message,
	}.String()
	if e.dedupe.SeenOrRecord(key) {
		e.metrics.RecordSuppressed("duplicate")
		return model.NotificationRecord{}, false
	}

	sendEmail := settings.EmailEnabled && len(settings.Emails) > 0
	sendSMS := settings.SMSEnabled && len(settings.Phones) > 0
	if !settings.InAppEnabled && !sendEmail && !sendSMS {
		e.metrics.RecordSuppressed("in_app_disabled")
		return model.NotificationRecord{}, false
	}

	message := entry.Message
	if settings.AIAssistEnabled {
		message = e.summarize(entry.Message, serviceID)
	}

	var (
		rec     model.NotificationRecord
		created bool
	)
	if settings.InAppEnabled {
		e.dedupe.Pin(key)
		rec = e.inbox.Add(model.NotificationRecord{
			Severity:     entry.Level,
			Message:      message,
			RawTimestamp: entry.RawTimestamp,
			ServiceID:    serviceID,
			ServiceName:  serviceName,
			Entry:        entry,
		})
		created = true
		e.metrics.RecordNotification(string(entry.Level))
		e.metrics.SetUnread(e.inbox.UnreadCount())
		if e.logger != nil {
			e.logger.Info("notification created",
				"notification_id", rec.ID,
				"service_id", serviceID,
				"service_name", serviceName,
				"severity", entry.Level,
			)
		}
		e.emit(rec)
	} else {
		e.metrics.RecordSuppressed("in_app_disabled")
	}

	if e.dispatcher != nil {
		e.dispatcher.Dispatch(model.Delivery{
			ServiceID:   serviceID,
			ServiceName: serviceName,
			Severity:    entry.Level,
			Message:     message,
			Timestamp:   entry.Timestamp,
			Emails:      append([]string(nil), settings.Emails...),
			Phones:      append([]string(nil), settings.Phones...),
			Email:       sendEmail,
			SMS:         sendSMS,
			CreatedAt:   time.Now().UTC(),
		})
	}
	return rec, created
}

func (e *Engine) summarize(message, serviceID string) string {
	if e.summarizer == nil {
		return message
	}
	timeout := e.config().AI.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	out, err := e.summarizer.Summarize(ctx, message)
	out = strings.TrimSpace(out)
	if err != nil || out == "" || out == summary.FallbackMessage {
		e.metrics.RecordSummary("fallback")
		if e.logger != nil && err != nil {
			e.logger.Warn("ai summary unavailable", "service_id", serviceID, "err", err)
		}
		return message
	}
	e.metrics.RecordSummary("ok")
	return out
}

func (e *Engine) emit(rec model.NotificationRecord) {
	e.mu.Lock()
	listeners := append(([]func(model.NotificationRecord))(nil), e.listeners...)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(rec)
	}
}

// MarkRead, MarkAllRead and Clear keep the unread gauge current.
func (e *Engine) MarkRead(id int64) bool {
	ok := e.inbox.MarkRead(id)
	e.metrics.SetUnread(e.inbox.UnreadCount())
	return ok
}

func (e *Engine) MarkAllRead() int {
	n := e.inbox.MarkAllRead()
	e.metrics.SetUnread(e.inbox.UnreadCount())
	return n
}

func (e *Engine) Clear() {
	e.inbox.Clear()
	e.metrics.SetUnread(0)
}
