// Package monitor runs one health feed connection per registered service.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"healthmon/internal/config"
	"healthmon/internal/engine"
	"healthmon/internal/ingest"
	"healthmon/internal/logging"
	"healthmon/internal/metrics"
	"healthmon/internal/model"
	"healthmon/internal/normalize"
	"healthmon/internal/state"
)

type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseStreaming    Phase = "streaming"
	PhaseReconnecting Phase = "reconnecting"
	PhaseClosed       Phase = "closed"
)

// Update kinds passed to Deps.Publish.
const (
	UpdateStatus  = "status"
	UpdateMetrics = "metrics"
	UpdateLog     = "log"
)

// Deps are the collaborators shared by every connection.
type Deps struct {
	Transport  ingest.Transport
	State      *state.Store
	Engine     *engine.Engine
	Settings   func() model.NotificationSettings
	Classifier normalize.Classifier
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	// Retry is the fixed delay between reconnect attempts.
	Retry   time.Duration
	Publish func(kind, serviceID string, data any)
}

func (d *Deps) settings() model.NotificationSettings {
	if d.Settings == nil {
		return model.DefaultNotificationSettings()
	}
	return d.Settings()
}

func (d *Deps) publish(kind, serviceID string, data any) {
	if d.Publish != nil {
		d.Publish(kind, serviceID, data)
	}
}

// Connection owns the feed subscription of one service and reconnects it
// until closed.
type Connection struct {
	deps   *Deps
	state  *state.Handle
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	svc   model.RegisteredService
	phase Phase
}

func newConnection(parent context.Context, svc model.RegisteredService, deps *Deps, h *state.Handle) *Connection {
	ctx, cancel := context.WithCancel(parent)
	return &Connection{
		deps:   deps,
		state:  h,
		logger: logging.ForService(deps.Logger, svc.ID, svc.Name),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		svc:    svc,
		phase:  PhaseDisconnected,
	}
}

func (c *Connection) Service() model.RegisteredService {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.svc
}

func (c *Connection) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) rename(name string) {
	c.mu.Lock()
	c.svc.Name = name
	c.mu.Unlock()
}

func (c *Connection) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Debug("stream state", "state", p)
	}
}

// close stops the loop. With discard set the service state and alert
// bookkeeping are dropped as well.
func (c *Connection) close(discard bool) {
	c.cancel()
	c.setPhase(PhaseClosed)
	if discard {
		c.state.Remove()
		if c.deps.Engine != nil {
			c.deps.Engine.Forget(c.svc.ID)
		}
	}
}

func (c *Connection) run() {
	defer close(c.done)
	for c.ctx.Err() == nil {
		svc := c.Service()
		c.setPhase(PhaseConnecting)
		sub, err := c.deps.Transport.Subscribe(c.ctx, svc.Address, svc.Port)
		if err == nil {
			if c.logger != nil {
				c.logger.Info("stream connected", "addr", svc.Address, "port", svc.Port)
			}
			err = c.stream(sub)
			_ = sub.Close()
		}
		if c.ctx.Err() != nil {
			return
		}
		c.fail(err)
		c.setPhase(PhaseReconnecting)
		c.deps.Metrics.IncReconnects()
		if !ingest.BackoffSleep(c.ctx, c.deps.Retry) {
			return
		}
	}
}

func (c *Connection) stream(sub ingest.Subscription) error {
	first := true
	for {
		ev, err := sub.Next(c.ctx)
		if err != nil {
			if errors.Is(err, ingest.ErrMalformed) {
				c.deps.Metrics.RecordEvent("malformed")
				if c.logger != nil {
					c.logger.Warn("skipping malformed health event", "err", err)
				}
				continue
			}
			return err
		}
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}
		if first {
			first = false
			c.streaming()
		}
		c.handle(ev)
	}
}

func (c *Connection) streaming() {
	svc := c.Service()
	c.setPhase(PhaseStreaming)
	if !c.state.SetStatus(model.StatusRunning) {
		return
	}
	c.deps.publish(UpdateStatus, svc.ID, model.StatusRunning)
	if c.deps.Engine != nil {
		c.deps.Engine.ServiceUp(svc.ID)
	}
}

// handle applies one event in arrival order: each log line is classified,
// evaluated and appended, then the metrics snapshot is replaced. Writes stop
// once the state claim is superseded.
func (c *Connection) handle(ev model.HealthEvent) {
	svc := c.Service()
	settings := c.deps.settings()
	for _, raw := range ev.ApplicationLogs {
		if c.ctx.Err() != nil || !c.state.Live() {
			return
		}
		entry := c.deps.Classifier.Classify(raw)
		if c.deps.Engine != nil {
			c.deps.Engine.Evaluate(entry, svc.ID, svc.Name, settings)
		}
		if !c.state.AppendLog(entry) {
			return
		}
		c.deps.Metrics.RecordLog(string(entry.Level))
		c.deps.publish(UpdateLog, svc.ID, entry)
	}
	if c.ctx.Err() != nil {
		return
	}
	snap := model.MetricsSnapshot{
		CPUUsage:          ev.CPUUsage,
		MemoryUsage:       ev.MemoryUsage,
		ActiveConnections: ev.ActiveConnections,
		ServiceUptime:     ev.ServiceUptime,
		LastUpdate:        time.Now(),
	}
	if !c.state.UpdateMetrics(snap) {
		return
	}
	c.deps.Metrics.RecordEvent("ok")
	c.deps.publish(UpdateMetrics, svc.ID, snap)
	if c.deps.Engine != nil {
		c.deps.Engine.CheckMetrics(svc.ID, svc.Name, snap, settings)
	}
}

func (c *Connection) fail(err error) {
	svc := c.Service()
	if c.logger != nil {
		if err == nil || errors.Is(err, ingest.ErrClosed) {
			c.logger.Info("stream closed")
		} else {
			c.logger.Warn("stream failed", "err", err, "retry_in", c.deps.Retry)
		}
	}
	if !c.state.SetStatus(model.StatusStopped) {
		return
	}
	c.deps.publish(UpdateStatus, svc.ID, model.StatusStopped)
	if c.deps.Engine != nil {
		c.deps.Engine.ServiceDown(svc.ID, svc.Name, c.deps.settings())
	}
}

func retryOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return config.DefaultRetry
	}
	return d
}
