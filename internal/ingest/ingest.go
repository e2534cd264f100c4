// Package ingest subscribes to per-service health feeds.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"healthmon/internal/config"
	"healthmon/internal/model"
)

var (
	// ErrClosed is returned once the feed ended cleanly, either by the
	// remote side or through Close.
	ErrClosed = errors.New("subscription closed")
	// ErrMalformed marks a message that could not be decoded. The
	// subscription stays usable.
	ErrMalformed = errors.New("malformed health event")
)

// Subscription delivers health events in arrival order.
type Subscription interface {
	Next(ctx context.Context) (model.HealthEvent, error)
	Close() error
}

type Transport interface {
	Subscribe(ctx context.Context, address string, port int) (Subscription, error)
}

func NewTransport(cfg config.StreamConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Transport {
	case "", "websocket":
		return NewWebSocketTransport(cfg.Path, cfg.DialTimeout, logger), nil
	case "tcp":
		return NewTCPStreamTransport(cfg.DialTimeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown stream transport %q", cfg.Transport)
	}
}

// BackoffSleep waits d or until ctx is done, reporting whether the full wait
// elapsed.
func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// splitAddress accepts a bare host or a URL and returns host and whether the
// original scheme asked for TLS.
func splitAddress(address string) (string, bool) {
	address = strings.TrimSpace(address)
	if strings.Contains(address, "://") {
		if u, err := url.Parse(address); err == nil && u.Host != "" {
			host := u.Hostname()
			secure := u.Scheme == "https" || u.Scheme == "wss"
			return host, secure
		}
	}
	address = strings.TrimSuffix(address, "/")
	if host, _, err := net.SplitHostPort(address); err == nil {
		return host, false
	}
	return address, false
}

func hostPort(address string, port int) (string, bool) {
	host, secure := splitAddress(address)
	return net.JoinHostPort(host, strconv.Itoa(port)), secure
}
