package storage

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"healthmon/internal/model"
)

// Watcher polls a Registry and reports the full service list whenever it
// changes. Trigger forces an immediate poll.
type Watcher struct {
	reg      Registry
	interval time.Duration
	logger   *slog.Logger
	kick     chan struct{}
	last     string
}

func NewWatcher(reg Registry, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{reg: reg, interval: interval, logger: logger, kick: make(chan struct{}, 1)}
}

func (w *Watcher) Trigger() {
	if w == nil {
		return
	}
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done. onChange is called once at start and then
// only when the registry content differs from the last report.
func (w *Watcher) Run(ctx context.Context, onChange func([]model.RegisteredService)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.poll(ctx, onChange)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.kick:
		}
		w.poll(ctx, onChange)
	}
}

func (w *Watcher) poll(ctx context.Context, onChange func([]model.RegisteredService)) {
	services, err := w.reg.List(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("registry poll failed", "err", err)
		}
		return
	}
	fp := fingerprint(services)
	if fp == w.last {
		return
	}
	w.last = fp
	onChange(services)
}

func fingerprint(services []model.RegisteredService) string {
	var b strings.Builder
	for _, svc := range services {
		b.WriteString(svc.ID)
		b.WriteByte('|')
		b.WriteString(svc.Name)
		b.WriteByte('|')
		b.WriteString(svc.Address)
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(svc.Port))
		b.WriteByte('|')
		b.WriteString(string(svc.Kind))
		b.WriteByte('\n')
	}
	return b.String()
}
