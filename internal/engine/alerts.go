package engine

import (
	"fmt"
	"time"

	"healthmon/internal/model"
	"healthmon/internal/normalize"
)

// ServiceDown raises one error notification per outage when the serviceDown
// category is enabled. Repeated calls before ServiceUp are ignored.
func (e *Engine) ServiceDown(serviceID, serviceName string, settings model.NotificationSettings) (model.NotificationRecord, bool) {
	e.mu.Lock()
	if e.down[serviceID] {
		e.mu.Unlock()
		return model.NotificationRecord{}, false
	}
	e.down[serviceID] = true
	e.mu.Unlock()

	if !settings.Categories.ServiceDown {
		return model.NotificationRecord{}, false
	}
	return e.Evaluate(syntheticEntry(model.LevelError, fmt.Sprintf("Service %s is down", serviceName)), serviceID, serviceName, settings)
}

// ServiceUp ends the current outage so the next ServiceDown alerts again.
func (e *Engine) ServiceUp(serviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.down, serviceID)
}

// CheckMetrics raises threshold warnings for CPU and memory, at most once per
// cooldown per service and metric.
func (e *Engine) CheckMetrics(serviceID, serviceName string, m model.MetricsSnapshot, settings model.NotificationSettings) []model.NotificationRecord {
	cfg := e.config().Notifications
	var out []model.NotificationRecord
	if settings.Categories.HighCPU && m.CPUUsage >= cfg.HighCPUThreshold &&
		e.cooldown.AllowKey(serviceID+"|cpu", cfg.AlertCooldown) {
		msg := fmt.Sprintf("High CPU usage on %s: %.1f%%", serviceName, m.CPUUsage)
		if rec, ok := e.Evaluate(syntheticEntry(model.LevelWarning, msg), serviceID, serviceName, settings); ok {
			out = append(out, rec)
		}
	}
	if settings.Categories.HighMemory && m.MemoryUsage >= cfg.HighMemoryThreshold &&
		e.cooldown.AllowKey(serviceID+"|memory", cfg.AlertCooldown) {
		msg := fmt.Sprintf("High memory usage on %s: %.1f%%", serviceName, m.MemoryUsage)
		if rec, ok := e.Evaluate(syntheticEntry(model.LevelWarning, msg), serviceID, serviceName, settings); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Forget drops per-service alert state after deregistration.
func (e *Engine) Forget(serviceID string) {
	e.ServiceUp(serviceID)
	e.cooldown.Forget(serviceID + "|")
}

func syntheticEntry(level model.Level, message string) model.ClassifiedLogEntry {
	now := time.Now()
	return model.ClassifiedLogEntry{
		Level:        level,
		Timestamp:    now.Format(normalize.DisplayLayout),
		RawTimestamp: now.UTC().Format(time.RFC3339Nano),
		Message:      message,
	}
}
