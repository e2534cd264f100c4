package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"healthmon/internal/model"
)

// WebSocketTransport dials ws://address:port<path> and reads one JSON health
// event per text message.
type WebSocketTransport struct {
	path   string
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewWebSocketTransport(path string, dialTimeout time.Duration, logger *slog.Logger) *WebSocketTransport {
	if path == "" {
		path = "/health"
	}
	return &WebSocketTransport{
		path: path,
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger: logger,
	}
}

func (t *WebSocketTransport) Subscribe(ctx context.Context, address string, port int) (Subscription, error) {
	host, secure := hostPort(address, port)
	u := url.URL{Scheme: "ws", Host: host, Path: t.path}
	if secure {
		u.Scheme = "wss"
	}
	conn, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	if t.logger != nil {
		t.logger.Debug("websocket feed connected", "addr", u.String())
	}
	return newWSSubscription(conn), nil
}

type wsSubscription struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSSubscription(conn *websocket.Conn) *wsSubscription {
	return &wsSubscription{conn: conn, closed: make(chan struct{})}
}

func (s *wsSubscription) Next(ctx context.Context) (model.HealthEvent, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		select {
		case <-s.closed:
			return model.HealthEvent{}, ErrClosed
		default:
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return model.HealthEvent{}, ErrClosed
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return model.HealthEvent{}, fmt.Errorf("feed closed with code %d: %w", closeErr.Code, err)
		}
		return model.HealthEvent{}, fmt.Errorf("read health event: %w", err)
	}
	ev, err := DecodeHealthEvent(data)
	if err != nil {
		return model.HealthEvent{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return ev, nil
}

func (s *wsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = s.conn.Close()
	})
	return err
}
