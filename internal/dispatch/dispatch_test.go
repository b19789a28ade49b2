package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ContactPipe/internal/content"
	"github.com/BTreeMap/ContactPipe/internal/messaging"
	"github.com/BTreeMap/ContactPipe/internal/models"
	"github.com/BTreeMap/ContactPipe/internal/store"
)

var testNow = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

type testRig struct {
	store      *store.InMemoryStore
	msg        *messaging.MockService
	dispatcher *Dispatcher
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	st := store.NewInMemoryStore()
	msg := messaging.NewMockService()
	renderer := content.NewRenderer(st, nil, nil)
	d, err := NewDispatcher(st, msg, renderer, DefaultConfig())
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	d.WithClock(func() time.Time { return testNow })
	return &testRig{store: st, msg: msg, dispatcher: d}
}

func (r *testRig) seedUser(t *testing.T, id string) models.User {
	t.Helper()
	u := models.User{
		ID:           id,
		ExternalID:   "+15550001111",
		Name:         "Test User",
		CadenceLevel: 1,
		Active:       true,
		CreatedAt:    testNow.Add(-30 * 24 * time.Hour),
	}
	if err := r.store.SaveUser(u); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	return u
}

func (r *testRig) seedTemplate(t *testing.T, taskType models.TaskType) {
	t.Helper()
	tpl := models.Template{
		ID: "tpl_" + string(taskType), Type: taskType,
		Text: "Hi {NAME}!", Weight: 1, Enabled: true,
	}
	if err := r.store.SaveTemplate(tpl); err != nil {
		t.Fatalf("SaveTemplate failed: %v", err)
	}
}

func (r *testRig) seedDueTask(t *testing.T, id, userID string, taskType models.TaskType) models.Task {
	t.Helper()
	task := models.Task{
		ID: id, UserID: userID, Type: taskType,
		Status:      models.TaskStatusScheduled,
		ScheduledAt: testNow.Add(-time.Hour),
		DueAt:       testNow.Add(-10 * time.Minute),
		CreatedAt:   testNow.Add(-time.Hour),
	}
	if err := r.store.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

const canonicalTo = "15550001111"

func TestDispatchSendsDueTask(t *testing.T) {
	r := newTestRig(t)
	r.seedUser(t, "u_1")
	r.seedTemplate(t, models.TaskTypePing)
	r.seedDueTask(t, "task_1", "u_1", models.TaskTypePing)

	stats, err := r.dispatcher.DispatchDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}
	if stats.Sent != 1 {
		t.Fatalf("stats.Sent = %d, want 1", stats.Sent)
	}

	sent := r.msg.SentTo(canonicalTo)
	if len(sent) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(sent))
	}
	if sent[0].Body != "Hi Test User!" {
		t.Errorf("message body = %q", sent[0].Body)
	}

	task, _ := r.store.GetTask("task_1")
	if task.Status != models.TaskStatusSent {
		t.Errorf("task status = %s, want sent", task.Status)
	}
	if task.SentAt == nil || !task.SentAt.Equal(testNow) {
		t.Errorf("task sent_at = %v, want %v", task.SentAt, testNow)
	}
	if events := r.store.EventsOfType(models.EventTaskSent); len(events) != 1 {
		t.Errorf("expected 1 task_sent event, got %d", len(events))
	}
}

func TestDispatchSkipsNotYetDue(t *testing.T) {
	r := newTestRig(t)
	r.seedUser(t, "u_1")
	r.seedTemplate(t, models.TaskTypePing)
	future := models.Task{
		ID: "task_future", UserID: "u_1", Type: models.TaskTypePing,
		Status: models.TaskStatusScheduled, DueAt: testNow.Add(2 * time.Hour),
	}
	if err := r.store.CreateTask(future); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	stats, err := r.dispatcher.DispatchDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}
	if stats.Due != 0 {
		t.Errorf("stats.Due = %d, want 0", stats.Due)
	}
}

// overlappingService delegates to the mock but starts a second dispatch pass
// from inside the first delivery, the way two poll cycles can interleave
// around a slow send.
type overlappingService struct {
	*messaging.MockService
	redispatch func()
	fired      bool
}

func (o *overlappingService) SendMessage(ctx context.Context, to, body string) error {
	if !o.fired {
		o.fired = true
		o.redispatch()
	}
	return o.MockService.SendMessage(ctx, to, body)
}

func TestOverlappingCyclesDeliverOnce(t *testing.T) {
	st := store.NewInMemoryStore()
	mock := messaging.NewMockService()
	svc := &overlappingService{MockService: mock}
	d, err := NewDispatcher(st, svc, content.NewRenderer(st, nil, nil), DefaultConfig())
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	d.WithClock(func() time.Time { return testNow })
	svc.redispatch = func() {
		if _, err := d.DispatchDue(context.Background(), 10); err != nil {
			t.Errorf("overlapping cycle failed: %v", err)
		}
	}

	r := &testRig{store: st, msg: mock, dispatcher: d}
	r.seedUser(t, "u_1")
	r.seedTemplate(t, models.TaskTypePing)
	r.seedDueTask(t, "task_1", "u_1", models.TaskTypePing)

	if _, err := d.DispatchDue(context.Background(), 10); err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}
	if sent := mock.SentTo(canonicalTo); len(sent) != 1 {
		t.Fatalf("delivered %d messages across overlapping cycles, want 1", len(sent))
	}
	task, _ := st.GetTask("task_1")
	if task.Status != models.TaskStatusSent {
		t.Errorf("task status = %s, want sent", task.Status)
	}
	if events := st.EventsOfType(models.EventTaskSent); len(events) != 1 {
		t.Errorf("expected 1 task_sent event, got %d", len(events))
	}
}

func TestAbandonedClaimIsRecovered(t *testing.T) {
	r := newTestRig(t)
	r.seedUser(t, "u_1")
	r.seedTemplate(t, models.TaskTypePing)
	r.seedDueTask(t, "task_1", "u_1", models.TaskTypePing)

	// A crashed cycle left the task claimed ten minutes ago.
	if claimed, _ := r.store.ClaimTask("task_1", testNow.Add(-10*time.Minute)); !claimed {
		t.Fatal("setup claim failed")
	}

	stats, err := r.dispatcher.DispatchDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}
	if stats.Sent != 1 {
		t.Errorf("stats.Sent = %d, want 1 after recovering the claim", stats.Sent)
	}
	task, _ := r.store.GetTask("task_1")
	if task.Status != models.TaskStatusSent {
		t.Errorf("task status = %s, want sent", task.Status)
	}
}

func TestTransientFailureRetriesThenFails(t *testing.T) {
	r := newTestRig(t)
	r.seedUser(t, "u_1")
	r.seedTemplate(t, models.TaskTypePing)
	r.seedDueTask(t, "task_1", "u_1", models.TaskTypePing)
	r.msg.FailWith(canonicalTo, messaging.Transient(errors.New("connection reset")))

	// First two cycles leave the task scheduled for retry.
	for cycle := 1; cycle <= 2; cycle++ {
		stats, err := r.dispatcher.DispatchDue(context.Background(), 10)
		if err != nil {
			t.Fatalf("cycle %d failed: %v", cycle, err)
		}
		if stats.Retried != 1 {
			t.Fatalf("cycle %d: stats.Retried = %d, want 1", cycle, stats.Retried)
		}
		task, _ := r.store.GetTask("task_1")
		if task.Status != models.TaskStatusScheduled {
			t.Fatalf("cycle %d: task status = %s, want scheduled", cycle, task.Status)
		}
		if task.Attempts != cycle {
			t.Fatalf("cycle %d: attempts = %d, want %d", cycle, task.Attempts, cycle)
		}
	}

	// Third failure exhausts the retry budget.
	stats, err := r.dispatcher.DispatchDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("final cycle failed: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("stats.Failed = %d, want 1", stats.Failed)
	}
	task, _ := r.store.GetTask("task_1")
	if task.Status != models.TaskStatusFailed {
		t.Errorf("task status = %s, want failed", task.Status)
	}
	if task.ResultCode != ResultCodeMaxAttempts {
		t.Errorf("result code = %q, want %q", task.ResultCode, ResultCodeMaxAttempts)
	}
}

func TestBlockedRecipientFailsImmediately(t *testing.T) {
	r := newTestRig(t)
	r.seedUser(t, "u_1")
	r.seedTemplate(t, models.TaskTypePing)
	r.seedDueTask(t, "task_1", "u_1", models.TaskTypePing)
	r.msg.FailWith(canonicalTo, messaging.ErrRecipientBlocked)

	stats, err := r.dispatcher.DispatchDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("stats.Failed = %d, want 1", stats.Failed)
	}

	task, _ := r.store.GetTask("task_1")
	if task.Status != models.TaskStatusFailed || task.ResultCode != ResultCodeBlocked {
		t.Errorf("task = %s/%q, want failed/%q", task.Status, task.ResultCode, ResultCodeBlocked)
	}

	user, _ := r.store.GetUser("u_1")
	if !user.Blocked {
		t.Error("user not flagged blocked after permanent delivery failure")
	}
}

func TestBlockedUserTasksFailWithoutSending(t *testing.T) {
	r := newTestRig(t)
	u := r.seedUser(t, "u_1")
	u.Blocked = true
	if err := r.store.SaveUser(u); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	r.seedTemplate(t, models.TaskTypePing)
	r.seedDueTask(t, "task_1", "u_1", models.TaskTypePing)

	stats, err := r.dispatcher.DispatchDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("stats.Failed = %d, want 1", stats.Failed)
	}
	if sent := r.msg.SentTo(canonicalTo); len(sent) != 0 {
		t.Errorf("delivered %d messages to a blocked user", len(sent))
	}
}

func TestDailyCapDefersTask(t *testing.T) {
	r := newTestRig(t)
	r.seedUser(t, "u_1")
	r.seedTemplate(t, models.TaskTypePing)

	// Three contacts already sent inside the rolling window consume the cap.
	for i, taskType := range []models.TaskType{models.TaskTypeDailyPrompt, models.TaskTypeDailyPush, models.TaskTypeLimitInfo} {
		id := "task_prev" + string(rune('a'+i))
		task := models.Task{
			ID: id, UserID: "u_1", Type: taskType,
			Status: models.TaskStatusScheduled, DueAt: testNow.Add(-6 * time.Hour),
		}
		if err := r.store.CreateTask(task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
		if _, err := r.store.MarkTaskSent(id, testNow.Add(-5*time.Hour)); err != nil {
			t.Fatalf("MarkTaskSent failed: %v", err)
		}
	}
	r.seedDueTask(t, "task_new", "u_1", models.TaskTypePing)

	stats, err := r.dispatcher.DispatchDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}
	if stats.Deferred != 1 {
		t.Errorf("stats.Deferred = %d, want 1", stats.Deferred)
	}

	task, _ := r.store.GetTask("task_new")
	if task.Status != models.TaskStatusScheduled {
		t.Errorf("task status = %s, want scheduled (left for a later poll)", task.Status)
	}
}

func TestRenderFailureFailsTask(t *testing.T) {
	r := newTestRig(t)
	r.seedUser(t, "u_1")
	// No template seeded for the type.
	r.seedDueTask(t, "task_1", "u_1", models.TaskTypePing)

	stats, err := r.dispatcher.DispatchDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("stats.Failed = %d, want 1", stats.Failed)
	}
	task, _ := r.store.GetTask("task_1")
	if task.ResultCode != "render_error" {
		t.Errorf("result code = %q, want render_error", task.ResultCode)
	}
}

func TestDispatchHonorsLimit(t *testing.T) {
	r := newTestRig(t)
	r.seedUser(t, "u_1")
	r.seedTemplate(t, models.TaskTypePing)
	r.seedDueTask(t, "task_1", "u_1", models.TaskTypePing)
	r.seedDueTask(t, "task_2", "u_1", models.TaskTypePing)
	r.seedDueTask(t, "task_3", "u_1", models.TaskTypePing)

	stats, err := r.dispatcher.DispatchDue(context.Background(), 2)
	if err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}
	if stats.Due != 2 {
		t.Errorf("stats.Due = %d, want 2 with limit 2", stats.Due)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, true},
		{"zero timeout", func(c *Config) { c.SendTimeout = 0 }, true},
		{"zero rate", func(c *Config) { c.RatePerSecond = 0 }, true},
		{"zero cap window", func(c *Config) { c.DailyCapWindow = 0 }, true},
		{"stale claim age inside send timeout", func(c *Config) { c.StaleClaimAfter = 10 * time.Second }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
