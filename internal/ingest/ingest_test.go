package ingest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"healthmon/internal/model"
)

func TestDecodeHealthEventCamelCase(t *testing.T) {
	data := []byte(`{
		"cpuUsage": 42.5,
		"memoryUsage": "61.2",
		"activeConnections": 7,
		"serviceUptime": 3600,
		"timestamp": 1704067200000,
		"applicationLogs": [
			{"level": "ERROR", "timestamp": "2024-01-01T00:00:00Z", "message": "disk full"},
			"2024-01-01 10:00:00 [WRN] High latency",
			{"msg": "no level"}
		]
	}`)
	ev, err := DecodeHealthEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.CPUUsage != 42.5 || ev.MemoryUsage != 61.2 || ev.ActiveConnections != 7 || ev.ServiceUptime != 3600 {
		t.Fatalf("unexpected metrics %+v", ev)
	}
	if ev.Timestamp != "1704067200000" {
		t.Fatalf("numeric timestamp not preserved: %q", ev.Timestamp)
	}
	if len(ev.ApplicationLogs) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(ev.ApplicationLogs))
	}
	first := ev.ApplicationLogs[0]
	if first.Kind != model.RawStructured || first.Level != "ERROR" || first.Message != "disk full" {
		t.Fatalf("unexpected structured log %+v", first)
	}
	if ev.ApplicationLogs[1].Kind != model.RawFreeText {
		t.Fatalf("expected free text log")
	}
	if third := ev.ApplicationLogs[2]; third.Kind != model.RawStructured || third.Level != "" || third.Message != "no level" {
		t.Fatalf("unexpected levelless log %+v", third)
	}
}

func TestDecodeHealthEventSnakeCase(t *testing.T) {
	ev, err := DecodeHealthEvent([]byte(`{"cpu_usage": 1, "memory_usage": 2, "active_connections": 3, "logs": []}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.CPUUsage != 1 || ev.MemoryUsage != 2 || ev.ActiveConnections != 3 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestDecodeHealthEventRejectsGarbage(t *testing.T) {
	if _, err := DecodeHealthEvent([]byte(`not json`)); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := DecodeHealthEvent([]byte(`null`)); err == nil {
		t.Fatalf("expected error for null")
	}
}

func TestSplitAddress(t *testing.T) {
	cases := map[string]string{
		"localhost":             "localhost:8080",
		"http://10.0.0.5":       "10.0.0.5:8080",
		"http://10.0.0.5:3000/": "10.0.0.5:8080",
		"10.0.0.5:3000":         "10.0.0.5:8080",
	}
	for in, want := range cases {
		if got, _ := hostPort(in, 8080); got != want {
			t.Fatalf("%q: expected %q, got %q", in, want, got)
		}
	}
	if _, secure := hostPort("https://example.com", 443); !secure {
		t.Fatalf("https should select tls")
	}
}

func TestBackoffSleepCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if BackoffSleep(ctx, 5*time.Second) {
		t.Fatalf("expected cancelled sleep")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancel did not interrupt sleep")
	}
	if !BackoffSleep(context.Background(), time.Millisecond) {
		t.Fatalf("expected full sleep")
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	return host, port
}

func TestWebSocketTransport(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"cpuUsage": 10}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{broken`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"cpuUsage": 20}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, strings.TrimPrefix(srv.URL, "http://"))
	tr := NewWebSocketTransport("/health", time.Second, nil)
	sub, err := tr.Subscribe(context.Background(), "http://"+host, port)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ctx := context.Background()
	ev, err := sub.Next(ctx)
	if err != nil || ev.CPUUsage != 10 {
		t.Fatalf("first event: %+v %v", ev, err)
	}
	if _, err := sub.Next(ctx); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	ev, err = sub.Next(ctx)
	if err != nil || ev.CPUUsage != 20 {
		t.Fatalf("third event: %+v %v", ev, err)
	}
	if _, err := sub.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected clean close, got %v", err)
	}
}

func TestTCPStreamTransport(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("{\"cpuUsage\": 5}\n\n{\"memoryUsage\": 6}\n"))
		_ = conn.Close()
	}()

	host, port := splitHostPort(t, ln.Addr().String())
	sub, err := NewTCPStreamTransport(time.Second, nil).Subscribe(context.Background(), host, port)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ctx := context.Background()
	if ev, err := sub.Next(ctx); err != nil || ev.CPUUsage != 5 {
		t.Fatalf("first event: %+v %v", ev, err)
	}
	if ev, err := sub.Next(ctx); err != nil || ev.MemoryUsage != 6 {
		t.Fatalf("second event: %+v %v", ev, err)
	}
	if _, err := sub.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on EOF, got %v", err)
	}
}

func TestSubscriptionCloseUnblocksNext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	host, port := splitHostPort(t, ln.Addr().String())
	sub, err := NewTCPStreamTransport(time.Second, nil).Subscribe(context.Background(), host, port)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	conn := <-accepted
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed after cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Next did not return after cancel")
	}
}
