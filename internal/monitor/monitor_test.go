package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"healthmon/internal/config"
	"healthmon/internal/engine"
	"healthmon/internal/ingest"
	"healthmon/internal/model"
	"healthmon/internal/normalize"
	"healthmon/internal/state"
)

type fakeSub struct {
	events chan model.HealthEvent
	end    chan error
	once   sync.Once
	closed chan struct{}
}

func newFakeSub() *fakeSub {
	return &fakeSub{
		events: make(chan model.HealthEvent, 16),
		end:    make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeSub) Next(ctx context.Context) (model.HealthEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case err := <-s.end:
		return model.HealthEvent{}, err
	case <-s.closed:
		return model.HealthEvent{}, ingest.ErrClosed
	case <-ctx.Done():
		return model.HealthEvent{}, ctx.Err()
	}
}

func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeTransport struct {
	mu     sync.Mutex
	subs   chan *fakeSub
	calls  []time.Time
	refuse bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(chan *fakeSub, 16)}
}

func (t *fakeTransport) Subscribe(ctx context.Context, address string, port int) (ingest.Subscription, error) {
	t.mu.Lock()
	t.calls = append(t.calls, time.Now())
	refuse := t.refuse
	t.mu.Unlock()
	if refuse {
		return nil, errors.New("connection refused")
	}
	sub := newFakeSub()
	t.subs <- sub
	return sub, nil
}

func (t *fakeTransport) callTimes() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Time(nil), t.calls...)
}

func (t *fakeTransport) next(tb testing.TB) *fakeSub {
	tb.Helper()
	select {
	case sub := <-t.subs:
		return sub
	case <-time.After(2 * time.Second):
		tb.Fatalf("no subscription opened")
		return nil
	}
}

type harness struct {
	transport *fakeTransport
	state     *state.Store
	engine    *engine.Engine
	sup       *Supervisor
	settings  model.NotificationSettings
}

func newHarness(t *testing.T, retry time.Duration) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	h := &harness{
		transport: newFakeTransport(),
		state:     state.NewStore(0),
		settings:  model.DefaultNotificationSettings(),
	}
	h.engine = engine.NewEngine(cfg, nil, nil, nil, nil, nil, nil)
	h.sup = NewSupervisor(Deps{
		Transport:  h.transport,
		State:      h.state,
		Engine:     h.engine,
		Settings:   func() model.NotificationSettings { return h.settings },
		Classifier: normalize.Classifier{Location: time.UTC},
		Retry:      retry,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.sup.Shutdown(ctx)
	})
	return h
}

func service(id string) model.RegisteredService {
	return model.RegisteredService{ID: id, Name: "svc " + id, Address: "127.0.0.1", Port: 8080, Kind: model.KindGeneric}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func diskLow() model.HealthEvent {
	return model.HealthEvent{
		CPUUsage:    12.5,
		MemoryUsage: 40,
		ApplicationLogs: []model.RawLogLine{
			model.Structured("warning", "2024-01-01T00:00:00Z", "disk low"),
		},
	}
}

func TestDefaultRetryInterval(t *testing.T) {
	sup := NewSupervisor(Deps{State: state.NewStore(0)})
	if sup.deps.Retry != 5*time.Second {
		t.Fatalf("expected 5s retry, got %v", sup.deps.Retry)
	}
}

func TestFirstEventMarksRunningAndNotifies(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	if !h.sup.EnsureConnection(service("a")) {
		t.Fatalf("expected connection to start")
	}
	if st, _ := h.state.Status("a"); st != model.StatusConnecting {
		t.Fatalf("expected Connecting before first event, got %s", st)
	}
	sub := h.transport.next(t)
	sub.events <- diskLow()

	waitUntil(t, "event applied", func() bool {
		snap, _ := h.state.Get("a")
		return snap.Metrics != nil
	})
	if st, _ := h.state.Status("a"); st != model.StatusRunning {
		t.Fatalf("expected Running, got %s", st)
	}
	snap, _ := h.state.Get("a")
	if snap.Metrics == nil || snap.Metrics.CPUUsage != 12.5 {
		t.Fatalf("metrics not applied: %+v", snap.Metrics)
	}
	recs := h.engine.Inbox().List(0)
	if len(recs) != 1 || recs[0].Message != "disk low" || recs[0].Read || recs[0].ServiceID != "a" {
		t.Fatalf("unexpected notifications %+v", recs)
	}
	if h.sup.Phases()["a"] != PhaseStreaming {
		t.Fatalf("expected streaming phase, got %s", h.sup.Phases()["a"])
	}
}

func TestEnsureConnectionIsIdempotent(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	h.sup.EnsureConnection(service("a"))
	h.transport.next(t)
	if h.sup.EnsureConnection(service("a")) {
		t.Fatalf("second ensure should be a no-op")
	}
	renamed := service("a")
	renamed.Name = "billing"
	if h.sup.EnsureConnection(renamed) {
		t.Fatalf("rename should not restart the connection")
	}
	if snap, _ := h.state.Get("a"); snap.ServiceName != "billing" {
		t.Fatalf("rename not applied: %q", snap.ServiceName)
	}
	if h.sup.Count() != 1 {
		t.Fatalf("expected one connection, got %d", h.sup.Count())
	}
	select {
	case <-h.transport.subs:
		t.Fatalf("unexpected second subscription")
	case <-time.After(30 * time.Millisecond):
	}

	moved := renamed
	moved.Port = 9090
	if !h.sup.EnsureConnection(moved) {
		t.Fatalf("address change should restart the connection")
	}
	h.transport.next(t)
	if h.sup.Count() != 1 {
		t.Fatalf("expected one connection after restart, got %d", h.sup.Count())
	}
}

func TestCloseMarksStoppedAndRetries(t *testing.T) {
	retry := 80 * time.Millisecond
	h := newHarness(t, retry)
	h.sup.EnsureConnection(service("b"))
	sub := h.transport.next(t)
	sub.events <- diskLow()
	waitUntil(t, "running", func() bool {
		st, _ := h.state.Status("b")
		return st == model.StatusRunning
	})

	sub.end <- ingest.ErrClosed
	waitUntil(t, "stopped", func() bool {
		st, _ := h.state.Status("b")
		return st == model.StatusStopped
	})
	h.transport.next(t)
	calls := h.transport.callTimes()
	if len(calls) != 2 {
		t.Fatalf("expected a reconnect attempt, got %d calls", len(calls))
	}
	if gap := calls[1].Sub(calls[0]); gap < retry {
		t.Fatalf("reconnected after %v, before the retry interval", gap)
	}
	snap, _ := h.state.Get("b")
	if snap.Metrics == nil || len(snap.Logs) != 1 {
		t.Fatalf("last known state should be retained: %+v", snap)
	}
}

func TestRedeliveryAfterReconnectNotifiesOnce(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	h.sup.EnsureConnection(service("a"))
	sub := h.transport.next(t)
	sub.events <- diskLow()
	waitUntil(t, "first log", func() bool {
		logs, _ := h.state.Logs("a", 0)
		return len(logs) == 1
	})
	sub.end <- errors.New("connection reset")

	sub = h.transport.next(t)
	sub.events <- diskLow()
	waitUntil(t, "redelivered log", func() bool {
		logs, _ := h.state.Logs("a", 0)
		return len(logs) == 2
	})
	if n := h.engine.Inbox().Len(); n != 1 {
		t.Fatalf("expected one notification, got %d", n)
	}
}

func TestRefusedConnectionRetriesIndefinitely(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.transport.refuse = true
	h.sup.EnsureConnection(service("a"))
	waitUntil(t, "several attempts", func() bool {
		return len(h.transport.callTimes()) >= 4
	})
	if st, _ := h.state.Status("a"); st != model.StatusStopped {
		t.Fatalf("expected Stopped, got %s", st)
	}
}

func TestServiceDownAlertOncePerOutage(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.settings.Categories.ServiceDown = true
	h.transport.refuse = true
	h.sup.EnsureConnection(service("a"))
	waitUntil(t, "several attempts", func() bool {
		return len(h.transport.callTimes()) >= 3
	})
	recs := h.engine.Inbox().List(0)
	if len(recs) != 1 || recs[0].Severity != model.LevelError || recs[0].Message != "Service svc a is down" {
		t.Fatalf("unexpected notifications %+v", recs)
	}
}

func TestTeardownDiscardsStateAndIgnoresEvents(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	h.sup.EnsureConnection(service("c"))
	sub := h.transport.next(t)
	sub.events <- diskLow()
	waitUntil(t, "streaming", func() bool {
		st, _ := h.state.Status("c")
		return st == model.StatusRunning
	})

	if !h.sup.Teardown("c") {
		t.Fatalf("expected teardown")
	}
	if h.state.Exists("c") {
		t.Fatalf("state not discarded")
	}
	late := diskLow()
	late.ApplicationLogs[0] = model.Structured("error", "2024-01-01T00:00:01Z", "late")
	select {
	case sub.events <- late:
	default:
	}
	time.Sleep(50 * time.Millisecond)
	if h.state.Exists("c") {
		t.Fatalf("late event recreated state")
	}
	for _, rec := range h.engine.Inbox().List(0) {
		if rec.Message == "late" {
			t.Fatalf("late event produced a notification")
		}
	}
	if h.sup.Count() != 0 {
		t.Fatalf("expected no connections, got %d", h.sup.Count())
	}
}

func TestReconcile(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	h.sup.Reconcile([]model.RegisteredService{service("a"), service("b")})
	h.transport.next(t)
	h.transport.next(t)
	if ids := h.sup.IDs(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected ids %v", ids)
	}
	h.sup.Reconcile([]model.RegisteredService{service("b")})
	if ids := h.sup.IDs(); len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("unexpected ids after removal %v", ids)
	}
	if h.state.Exists("a") {
		t.Fatalf("removed service state kept")
	}
}

func TestMalformedEventDoesNotDropStream(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.sup.EnsureConnection(service("a"))
	sub := h.transport.next(t)
	sub.end <- ingest.ErrMalformed
	sub.events <- diskLow()
	waitUntil(t, "log after malformed event", func() bool {
		logs, _ := h.state.Logs("a", 0)
		return len(logs) == 1
	})
	if len(h.transport.callTimes()) != 1 {
		t.Fatalf("malformed event should not reconnect")
	}
}

func TestPublishHook(t *testing.T) {
	var mu sync.Mutex
	kinds := map[string]int{}
	h := newHarness(t, time.Hour)
	h.sup.deps.Publish = func(kind, serviceID string, data any) {
		mu.Lock()
		kinds[kind]++
		mu.Unlock()
	}
	h.sup.EnsureConnection(service("a"))
	sub := h.transport.next(t)
	sub.events <- diskLow()
	waitUntil(t, "metrics update published", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return kinds[UpdateMetrics] == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if kinds[UpdateStatus] != 1 || kinds[UpdateLog] != 1 {
		t.Fatalf("unexpected published updates %v", kinds)
	}
}

func TestReplacedConnectionCannotWriteState(t *testing.T) {
	h := newHarness(t, time.Hour)
	svc := service("a")
	stale := h.state.Claim(svc.ID, svc.Name)
	old := newConnection(context.Background(), svc, h.sup.deps, stale)
	defer old.cancel()

	moved := svc
	moved.Port = 9090
	if !h.sup.EnsureConnection(moved) {
		t.Fatalf("expected connection to start")
	}
	h.transport.next(t)

	old.streaming()
	old.handle(diskLow())
	snap, ok := h.state.Get("a")
	if !ok {
		t.Fatalf("state missing")
	}
	if len(snap.Logs) != 0 || snap.Metrics != nil || snap.Status != model.StatusConnecting {
		t.Fatalf("replaced connection wrote state: %+v", snap)
	}
	if h.engine.Inbox().Len() != 0 {
		t.Fatalf("replaced connection produced a notification")
	}
}
