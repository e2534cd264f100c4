package ingest

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"healthmon/internal/model"
)

// TCPStreamTransport reads newline-delimited JSON health events from a plain
// TCP connection.
type TCPStreamTransport struct {
	dialer *net.Dialer
	logger *slog.Logger
}

func NewTCPStreamTransport(dialTimeout time.Duration, logger *slog.Logger) *TCPStreamTransport {
	return &TCPStreamTransport{
		dialer: &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second},
		logger: logger,
	}
}

func (t *TCPStreamTransport) Subscribe(ctx context.Context, address string, port int) (Subscription, error) {
	addr, _ := hostPort(address, port)
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if t.logger != nil {
		t.logger.Debug("tcp feed connected", "addr", addr)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	return &tcpSubscription{conn: conn, scanner: scanner, closed: make(chan struct{})}, nil
}

type tcpSubscription struct {
	conn      net.Conn
	scanner   *bufio.Scanner
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *tcpSubscription) Next(ctx context.Context) (model.HealthEvent, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		ev, err := DecodeHealthEvent([]byte(line))
		if err != nil {
			return model.HealthEvent{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return ev, nil
	}
	select {
	case <-s.closed:
		return model.HealthEvent{}, ErrClosed
	default:
	}
	if err := s.scanner.Err(); err != nil {
		return model.HealthEvent{}, fmt.Errorf("read health event: %w", err)
	}
	return model.HealthEvent{}, ErrClosed
}

func (s *tcpSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
