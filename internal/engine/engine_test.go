package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"healthmon/internal/config"
	"healthmon/internal/model"
	"healthmon/internal/normalize"
	"healthmon/internal/notifications"
	"healthmon/internal/summary"
)

type fakeSummarizer struct {
	out   string
	err   error
	calls int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, message string) (string, error) {
	f.calls++
	return f.out, f.err
}

type fakeDispatcher struct {
	mu         sync.Mutex
	deliveries []model.Delivery
}

func (f *fakeDispatcher) Dispatch(d model.Delivery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, d)
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deliveries)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.AI.Timeout = 100 * time.Millisecond
	cfg.Notifications.AlertCooldown = time.Hour
	return cfg
}

func newEngineForTest(cfg *config.Config, s Summarizer, d Dispatcher) *Engine {
	return NewEngine(cfg, nil, nil, notifications.NewStore(cfg.Notifications.StoreLimit), NewDedupeIndex(cfg.Notifications.DedupeCapacity), s, d)
}

func warning(msg string) model.ClassifiedLogEntry {
	return model.ClassifiedLogEntry{
		Level:        model.LevelWarning,
		Timestamp:    "01/01/2024, 12:00:00 AM",
		RawTimestamp: "2024-01-01T00:00:00Z",
		Message:      msg,
	}
}

func TestWarningCreatesUnreadNotification(t *testing.T) {
	eng := newEngineForTest(testConfig(), nil, nil)
	rec, ok := eng.Evaluate(warning("disk low"), "svc-a", "Alpha", model.DefaultNotificationSettings())
	if !ok {
		t.Fatalf("expected notification")
	}
	if rec.Message != "disk low" || rec.Read || rec.Severity != model.LevelWarning || rec.ServiceID != "svc-a" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if eng.Inbox().UnreadCount() != 1 {
		t.Fatalf("expected 1 unread, got %d", eng.Inbox().UnreadCount())
	}
}

func TestInfoNeverNotifies(t *testing.T) {
	disp := &fakeDispatcher{}
	eng := newEngineForTest(testConfig(), nil, disp)
	settings := model.DefaultNotificationSettings()
	settings.EmailEnabled = true
	settings.Emails = []string{"ops@example.com"}
	entry := warning("all good")
	entry.Level = model.LevelInfo
	if _, ok := eng.Evaluate(entry, "svc-a", "Alpha", settings); ok {
		t.Fatalf("info entry produced a notification")
	}
	if disp.count() != 0 || eng.Inbox().Len() != 0 {
		t.Fatalf("info entry had side effects")
	}
}

func TestRedeliveryCreatesOneNotification(t *testing.T) {
	eng := newEngineForTest(testConfig(), nil, nil)
	settings := model.DefaultNotificationSettings()
	entry := warning("disk low")
	entry.Level = model.LevelError
	if _, ok := eng.Evaluate(entry, "svc-a", "Alpha", settings); !ok {
		t.Fatalf("expected first notification")
	}
	if _, ok := eng.Evaluate(entry, "svc-a", "Alpha", settings); ok {
		t.Fatalf("duplicate produced a notification")
	}
	if _, ok := eng.Evaluate(entry, "svc-b", "Beta", settings); !ok {
		t.Fatalf("same entry on another service should notify")
	}
	if eng.Inbox().Len() != 2 {
		t.Fatalf("expected 2 records, got %d", eng.Inbox().Len())
	}
}

func TestRedeliveryWithoutTimestampNotifiesOnce(t *testing.T) {
	disp := &fakeDispatcher{}
	eng := newEngineForTest(testConfig(), nil, disp)
	settings := model.DefaultNotificationSettings()
	settings.EmailEnabled = true
	settings.Emails = []string{"ops@example.com"}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := normalize.Classifier{Location: time.UTC, Now: func() time.Time {
		now = now.Add(time.Second)
		return now
	}}
	for i := 0; i < 3; i++ {
		entry := c.Classify(model.Structured("error", "", "db connection lost"))
		eng.Evaluate(entry, "svc-a", "Alpha", settings)
	}
	if eng.Inbox().Len() != 1 {
		t.Fatalf("expected 1 record, got %d", eng.Inbox().Len())
	}
	if disp.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", disp.count())
	}
}

func TestInAppDisabledStillDispatches(t *testing.T) {
	disp := &fakeDispatcher{}
	eng := newEngineForTest(testConfig(), nil, disp)
	settings := model.NotificationSettings{
		InAppEnabled: false,
		EmailEnabled: true,
		SMSEnabled:   true,
		Emails:       []string{"ops@example.com"},
		Phones:       []string{"+15550100"},
	}
	entry := warning("boom")
	entry.Level = model.LevelError
	if _, ok := eng.Evaluate(entry, "svc-a", "Alpha", settings); ok {
		t.Fatalf("record created with in-app disabled")
	}
	if eng.Inbox().Len() != 0 {
		t.Fatalf("inbox not empty")
	}
	if disp.count() != 1 {
		t.Fatalf("expected one delivery, got %d", disp.count())
	}
	d := disp.deliveries[0]
	if !d.Email || !d.SMS || d.Message != "boom" || d.Severity != model.LevelError {
		t.Fatalf("unexpected delivery %+v", d)
	}
}

func TestEmptyRecipientsDisableEmailAndSMS(t *testing.T) {
	disp := &fakeDispatcher{}
	eng := newEngineForTest(testConfig(), nil, disp)
	settings := model.DefaultNotificationSettings()
	settings.EmailEnabled = true
	settings.SMSEnabled = true
	eng.Evaluate(warning("x"), "svc-a", "Alpha", settings)
	if disp.count() != 1 {
		t.Fatalf("expected delivery for broker channels, got %d", disp.count())
	}
	if d := disp.deliveries[0]; d.Email || d.SMS {
		t.Fatalf("email or sms requested without recipients: %+v", d)
	}
}

func TestAISentinelKeepsOriginalMessage(t *testing.T) {
	ai := &fakeSummarizer{out: summary.FallbackMessage}
	disp := &fakeDispatcher{}
	eng := newEngineForTest(testConfig(), ai, disp)
	settings := model.DefaultNotificationSettings()
	settings.AIAssistEnabled = true
	settings.EmailEnabled = true
	settings.Emails = []string{"ops@example.com"}
	rec, ok := eng.Evaluate(warning("NullPointerException at Foo.java:12"), "svc-a", "Alpha", settings)
	if !ok {
		t.Fatalf("expected notification")
	}
	if rec.Message != "NullPointerException at Foo.java:12" {
		t.Fatalf("sentinel leaked into message: %q", rec.Message)
	}
	if disp.deliveries[0].Message != rec.Message {
		t.Fatalf("delivery message differs from record")
	}
}

func TestAIRewriteUsedEverywhere(t *testing.T) {
	ai := &fakeSummarizer{out: "The app hit a bug."}
	disp := &fakeDispatcher{}
	eng := newEngineForTest(testConfig(), ai, disp)
	settings := model.DefaultNotificationSettings()
	settings.AIAssistEnabled = true
	settings.SMSEnabled = true
	settings.Phones = []string{"+15550100"}
	rec, _ := eng.Evaluate(warning("NPE"), "svc-a", "Alpha", settings)
	if rec.Message != "The app hit a bug." {
		t.Fatalf("expected rewritten message, got %q", rec.Message)
	}
	if rec.Entry.Message != "NPE" {
		t.Fatalf("original entry should be preserved")
	}
	if disp.deliveries[0].Message != "The app hit a bug." {
		t.Fatalf("sms should use rewritten message")
	}
}

func TestAIErrorFallsBack(t *testing.T) {
	ai := &fakeSummarizer{err: errors.New("timeout")}
	eng := newEngineForTest(testConfig(), ai, nil)
	settings := model.DefaultNotificationSettings()
	settings.AIAssistEnabled = true
	rec, _ := eng.Evaluate(warning("disk low"), "svc-a", "Alpha", settings)
	if rec.Message != "disk low" {
		t.Fatalf("expected original message, got %q", rec.Message)
	}
	if ai.calls != 1 {
		t.Fatalf("expected one ai call, got %d", ai.calls)
	}
}

func TestEvictedRecordUnpinsKey(t *testing.T) {
	cfg := testConfig()
	cfg.Notifications.StoreLimit = 1
	cfg.Notifications.DedupeCapacity = 1
	eng := newEngineForTest(cfg, nil, nil)
	settings := model.DefaultNotificationSettings()

	a, b, c := warning("a"), warning("b"), warning("c")
	eng.Evaluate(a, "svc", "S", settings)
	eng.Evaluate(b, "svc", "S", settings)
	keyA := model.DedupKey{ServiceID: "svc", RawTimestamp: a.RawTimestamp, Level: a.Level, Message: a.Message}.String()
	if !eng.dedupe.Seen(keyA) {
		t.Fatalf("evicted key should remain known while it fits the lru")
	}
	eng.Evaluate(c, "svc", "S", settings)
	if eng.dedupe.Seen(keyA) {
		t.Fatalf("expected oldest unpinned key to age out")
	}
	if _, ok := eng.Evaluate(c, "svc", "S", settings); ok {
		t.Fatalf("live record key must stay deduplicated")
	}
}

func TestServiceDownOncePerOutage(t *testing.T) {
	eng := newEngineForTest(testConfig(), nil, nil)
	settings := model.DefaultNotificationSettings()
	if _, ok := eng.ServiceDown("svc", "Alpha", settings); ok {
		t.Fatalf("category disabled should not notify")
	}
	eng.ServiceUp("svc")

	settings.Categories.ServiceDown = true
	rec, ok := eng.ServiceDown("svc", "Alpha", settings)
	if !ok || rec.Message != "Service Alpha is down" || rec.Severity != model.LevelError {
		t.Fatalf("unexpected service down record %+v ok=%v", rec, ok)
	}
	if _, ok := eng.ServiceDown("svc", "Alpha", settings); ok {
		t.Fatalf("second alert during the same outage")
	}
	eng.ServiceUp("svc")
	time.Sleep(time.Millisecond)
	if _, ok := eng.ServiceDown("svc", "Alpha", settings); !ok {
		t.Fatalf("expected alert for new outage")
	}
}

func TestCheckMetricsCooldown(t *testing.T) {
	eng := newEngineForTest(testConfig(), nil, nil)
	settings := model.DefaultNotificationSettings()
	settings.Categories.HighCPU = true
	settings.Categories.HighMemory = true
	hot := model.MetricsSnapshot{CPUUsage: 95, MemoryUsage: 97}
	if got := eng.CheckMetrics("svc", "Alpha", hot, settings); len(got) != 2 {
		t.Fatalf("expected cpu and memory alerts, got %d", len(got))
	}
	if got := eng.CheckMetrics("svc", "Alpha", hot, settings); len(got) != 0 {
		t.Fatalf("expected cooldown to suppress, got %d", len(got))
	}
	if got := eng.CheckMetrics("other", "Beta", model.MetricsSnapshot{CPUUsage: 10}, settings); len(got) != 0 {
		t.Fatalf("below threshold should not alert")
	}
}

func TestOnNotifyListeners(t *testing.T) {
	eng := newEngineForTest(testConfig(), nil, nil)
	var got []int64
	eng.OnNotify(func(rec model.NotificationRecord) { got = append(got, rec.ID) })
	eng.Evaluate(warning("x"), "svc", "S", model.DefaultNotificationSettings())
	if len(got) != 1 {
		t.Fatalf("expected listener call")
	}
}
