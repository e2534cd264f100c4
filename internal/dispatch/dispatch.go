// Package dispatch delivers notifications over email, SMS and Kafka off the
// stream goroutines.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"healthmon/internal/metrics"
	"healthmon/internal/model"
)

const (
	defaultBufferSize   = 256
	defaultDrainTimeout = 5 * time.Second
	sendTimeout         = 30 * time.Second
)

// Channel is one outbound delivery mechanism.
type Channel interface {
	Name() string
	// Accepts reports whether d should go out on this channel.
	Accepts(d model.Delivery) bool
	Send(ctx context.Context, d model.Delivery) error
	Close() error
}

type Option func(*Dispatcher)

func WithBufferSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.bufSize = n
		}
	}
}

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithOnError sets the callback for failed sends. Default: log a warning.
func WithOnError(f func(channel string, d model.Delivery, err error)) Option {
	return func(d *Dispatcher) { d.errFunc = f }
}

// Dispatcher queues deliveries on a buffered channel drained by a fixed set
// of workers. Dispatch never blocks; a full queue drops the delivery.
type Dispatcher struct {
	channels  []Channel
	ch        chan model.Delivery
	wg        sync.WaitGroup
	logger    *slog.Logger
	metrics   *metrics.Metrics
	errFunc   func(string, model.Delivery, error)
	bufSize   int
	workers   int
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func New(logger *slog.Logger, channels []Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		channels: channels,
		logger:   logger,
		bufSize:  defaultBufferSize,
		workers:  1,
	}
	d.errFunc = func(channel string, dl model.Delivery, err error) {
		if d.logger != nil {
			d.logger.Warn("notification delivery failed",
				"channel", channel,
				"service_id", dl.ServiceID,
				"service_name", dl.ServiceName,
				"err", err,
			)
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ch = make(chan model.Delivery, d.bufSize)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.drain()
	}
	return d
}

func (d *Dispatcher) Dispatch(dl model.Delivery) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- dl:
	default:
		if d.logger != nil {
			d.logger.Warn("dispatch queue full, dropping delivery", "service_id", dl.ServiceID, "severity", dl.Severity)
		}
		d.metrics.RecordDispatch("queue", errors.New("queue full"))
	}
}

// SendNow delivers synchronously on every accepting channel and joins the
// errors. Used by the test-notification endpoint.
func (d *Dispatcher) SendNow(ctx context.Context, dl model.Delivery) error {
	var errs []error
	for _, c := range d.channels {
		if !c.Accepts(dl) {
			continue
		}
		err := c.Send(ctx, dl)
		d.metrics.RecordDispatch(c.Name(), err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops intake, waits for queued deliveries up to a timeout, then
// closes every channel.
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.ch)
		d.mu.Unlock()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(defaultDrainTimeout):
			if d.logger != nil {
				d.logger.Warn("dispatch drain timed out")
			}
		}
		var errs []error
		for _, c := range d.channels {
			if cerr := c.Close(); cerr != nil {
				errs = append(errs, cerr)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

func (d *Dispatcher) drain() {
	defer d.wg.Done()
	for dl := range d.ch {
		for _, c := range d.channels {
			if !c.Accepts(dl) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			err := c.Send(ctx, dl)
			cancel()
			d.metrics.RecordDispatch(c.Name(), err)
			if err != nil {
				d.errFunc(c.Name(), dl, err)
			}
		}
	}
}
