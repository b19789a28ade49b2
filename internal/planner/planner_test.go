package planner

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/BTreeMap/ContactPipe/internal/cadence"
	"github.com/BTreeMap/ContactPipe/internal/models"
	"github.com/BTreeMap/ContactPipe/internal/store"
	"github.com/BTreeMap/ContactPipe/internal/window"
)

// planning runs in these tests are pinned to mid-morning UTC so contact
// windows are always open.
var testNow = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

func newTestPlanner(t *testing.T, st store.Store) *Planner {
	t.Helper()
	mgr, err := cadence.NewManager(st, cadence.DefaultConfig())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	mgr.WithClock(func() time.Time { return testNow })
	assigner := window.NewAssigner(nil, rand.New(rand.NewPCG(7, 11)))
	p, err := NewPlanner(st, mgr, nil, assigner, DefaultConfig())
	if err != nil {
		t.Fatalf("NewPlanner failed: %v", err)
	}
	return p.WithClock(func() time.Time { return testNow })
}

func seedUser(t *testing.T, st store.Store, id string, lastResponseAgo time.Duration) models.User {
	t.Helper()
	last := testNow.Add(-lastResponseAgo)
	seen := last
	u := models.User{
		ID:             id,
		ExternalID:     "+1555000" + id,
		CadenceLevel:   1,
		LastResponseAt: &last,
		LastSeenAt:     &seen,
		Active:         true,
		CreatedAt:      testNow.Add(-90 * 24 * time.Hour),
	}
	if err := st.SaveUser(u); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	return u
}

func seedSentTask(t *testing.T, st store.Store, id, userID string, taskType models.TaskType, sentAgo time.Duration) {
	t.Helper()
	sentAt := testNow.Add(-sentAgo)
	task := models.Task{
		ID: id, UserID: userID, Type: taskType,
		Status: models.TaskStatusScheduled, DueAt: sentAt,
	}
	if err := st.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := st.MarkTaskSent(id, sentAt); err != nil {
		t.Fatalf("MarkTaskSent failed: %v", err)
	}
}

func taskTypes(tasks []models.Task) map[models.TaskType]int {
	counts := make(map[models.TaskType]int)
	for _, task := range tasks {
		counts[task.Type]++
	}
	return counts
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"zero ping interval", func(c *Config) { c.PingMinInterval = 0 }, true},
		{"zero nudge limit", func(c *Config) { c.NudgeWeeklyLimit = 0 }, true},
		{"inverted recovery thresholds", func(c *Config) { c.RecoveryInactiveNormal = 10 * 24 * time.Hour }, true},
		{"inverted limit-info bounds", func(c *Config) { c.LimitInfoMax = 0 }, true},
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

func TestPlanRespectsDailyCap(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestPlanner(t, st)
	u := seedUser(t, st, "u_1", 12*time.Hour)
	// No subscription, one free action left: DAILY_PROMPT, PING, NUDGE and
	// LIMIT_INFO are all eligible.
	u.FreeActionsLeft = 1
	if err := st.SaveUser(u); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}

	created, err := p.PlanForUser(&u)
	if err != nil {
		t.Fatalf("PlanForUser failed: %v", err)
	}
	if created > 3 {
		t.Errorf("created %d tasks, cap is 3", created)
	}

	tasks, _ := st.ListTasks(store.TaskFilter{UserID: "u_1", Status: "scheduled"})
	if len(tasks) != created {
		t.Errorf("scheduled tasks = %d, created = %d", len(tasks), created)
	}
	// Priority order keeps the highest-priority candidates when truncating.
	counts := taskTypes(tasks)
	if counts[models.TaskTypeDailyPrompt] != 1 {
		t.Errorf("expected DAILY_PROMPT among planned tasks, got %v", counts)
	}
	if counts[models.TaskTypePing] != 1 {
		t.Errorf("expected PING among planned tasks, got %v", counts)
	}
}

func TestPlanIsIdempotent(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestPlanner(t, st)
	u := seedUser(t, st, "u_1", 12*time.Hour)

	first, err := p.PlanForUser(&u)
	if err != nil {
		t.Fatalf("first PlanForUser failed: %v", err)
	}
	if first == 0 {
		t.Fatal("expected tasks on first run")
	}

	second, err := p.PlanForUser(&u)
	if err != nil {
		t.Fatalf("second PlanForUser failed: %v", err)
	}
	if second != 0 {
		t.Errorf("second run created %d tasks, want 0", second)
	}
}

func TestPlanSkipsStoppedUser(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestPlanner(t, st)
	u := seedUser(t, st, "u_1", 20*24*time.Hour)

	created, err := p.PlanForUser(&u)
	if err != nil {
		t.Fatalf("PlanForUser failed: %v", err)
	}
	if created != 0 {
		t.Errorf("created %d tasks for stopped user, want 0", created)
	}
	// The stop transition schedules the farewell; no proactive tasks follow.
	tasks, _ := st.ListTasks(store.TaskFilter{UserID: "u_1", Status: "scheduled"})
	for _, task := range tasks {
		if task.Type != models.TaskTypeFarewell {
			t.Errorf("unexpected proactive task %s for stopped user", task.Type)
		}
	}
}

func TestPlanSkipsProactiveOptOut(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestPlanner(t, st)
	u := seedUser(t, st, "u_1", 12*time.Hour)
	prefs := models.DefaultPreferences("u_1")
	prefs.AllowProactive = false
	if err := st.SavePreferences(prefs); err != nil {
		t.Fatalf("SavePreferences failed: %v", err)
	}

	created, err := p.PlanForUser(&u)
	if err != nil {
		t.Fatalf("PlanForUser failed: %v", err)
	}
	if created != 0 {
		t.Errorf("created %d tasks for opted-out user, want 0", created)
	}
}

func TestReducedLevelOnlyRecovery(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestPlanner(t, st)

	t.Run("three days silent is not enough inactivity", func(t *testing.T) {
		// Scenario: 3 days of silence puts the user at reduced cadence, but
		// recovery requires 7 days of inactivity.
		u := seedUser(t, st, "u_a", 3*24*time.Hour)
		created, err := p.PlanForUser(&u)
		if err != nil {
			t.Fatalf("PlanForUser failed: %v", err)
		}
		if created != 0 {
			t.Errorf("created %d tasks, want 0 before the inactivity gate opens", created)
		}
	})

	t.Run("eight days silent yields one recovery", func(t *testing.T) {
		u := seedUser(t, st, "u_b", 8*24*time.Hour)
		created, err := p.PlanForUser(&u)
		if err != nil {
			t.Fatalf("PlanForUser failed: %v", err)
		}
		if created != 1 {
			t.Fatalf("created %d tasks, want exactly 1", created)
		}
		tasks, _ := st.ListTasks(store.TaskFilter{UserID: "u_b", Status: "scheduled"})
		if len(tasks) != 1 || tasks[0].Type != models.TaskTypeRecovery {
			t.Errorf("expected a single RECOVERY task, got %v", taskTypes(tasks))
		}
	})

	t.Run("recent recovery blocks another", func(t *testing.T) {
		u := seedUser(t, st, "u_c", 8*24*time.Hour)
		seedSentTask(t, st, "task_rec", "u_c", models.TaskTypeRecovery, 2*24*time.Hour)
		created, err := p.PlanForUser(&u)
		if err != nil {
			t.Fatalf("PlanForUser failed: %v", err)
		}
		if created != 0 {
			t.Errorf("created %d tasks, want 0 within recovery spacing", created)
		}
	})
}

func TestNudgeGating(t *testing.T) {
	t.Run("subscriber gets no nudge", func(t *testing.T) {
		st := store.NewInMemoryStore()
		p := newTestPlanner(t, st)
		u := seedUser(t, st, "u_1", 12*time.Hour)
		u.Subscribed = true
		if err := st.SaveUser(u); err != nil {
			t.Fatalf("SaveUser failed: %v", err)
		}

		if _, err := p.PlanForUser(&u); err != nil {
			t.Fatalf("PlanForUser failed: %v", err)
		}
		tasks, _ := st.ListTasks(store.TaskFilter{UserID: "u_1", Type: models.TaskTypeNudge})
		if len(tasks) != 0 {
			t.Errorf("subscriber received %d NUDGE tasks", len(tasks))
		}
	})

	t.Run("recent nudge blocks another", func(t *testing.T) {
		st := store.NewInMemoryStore()
		p := newTestPlanner(t, st)
		u := seedUser(t, st, "u_1", 12*time.Hour)
		seedSentTask(t, st, "task_n1", "u_1", models.TaskTypeNudge, 24*time.Hour)

		if _, err := p.PlanForUser(&u); err != nil {
			t.Fatalf("PlanForUser failed: %v", err)
		}
		tasks, _ := st.ListTasks(store.TaskFilter{UserID: "u_1", Type: models.TaskTypeNudge, Status: "scheduled"})
		if len(tasks) != 0 {
			t.Errorf("NUDGE scheduled within 48h of the previous one")
		}
	})

	t.Run("weekly limit blocks a third nudge", func(t *testing.T) {
		st := store.NewInMemoryStore()
		p := newTestPlanner(t, st)
		u := seedUser(t, st, "u_1", 12*time.Hour)
		seedSentTask(t, st, "task_n1", "u_1", models.TaskTypeNudge, 3*24*time.Hour)
		seedSentTask(t, st, "task_n2", "u_1", models.TaskTypeNudge, 6*24*time.Hour)

		if _, err := p.PlanForUser(&u); err != nil {
			t.Fatalf("PlanForUser failed: %v", err)
		}
		tasks, _ := st.ListTasks(store.TaskFilter{UserID: "u_1", Type: models.TaskTypeNudge, Status: "scheduled"})
		if len(tasks) != 0 {
			t.Errorf("third NUDGE scheduled inside the trailing 7-day window")
		}
	})
}

func TestLimitInfoAndNudgeTogether(t *testing.T) {
	// Scenario: no subscription, 1 free action remaining, no recent NUDGE.
	// Both LIMIT_INFO and NUDGE are candidates; the cap keeps the highest
	// priority three.
	st := store.NewInMemoryStore()
	p := newTestPlanner(t, st)
	u := seedUser(t, st, "u_1", 12*time.Hour)
	u.FreeActionsLeft = 1
	if err := st.SaveUser(u); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}

	created, err := p.PlanForUser(&u)
	if err != nil {
		t.Fatalf("PlanForUser failed: %v", err)
	}
	if created != 3 {
		t.Fatalf("created %d tasks, want 3 (daily cap)", created)
	}
	counts := taskTypes(mustList(t, st, "u_1"))
	for _, want := range []models.TaskType{models.TaskTypeDailyPrompt, models.TaskTypePing, models.TaskTypeNudge} {
		if counts[want] != 1 {
			t.Errorf("expected %s in planned set, got %v", want, counts)
		}
	}
	if counts[models.TaskTypeLimitInfo] != 0 {
		t.Errorf("LIMIT_INFO survived cap truncation over higher priorities: %v", counts)
	}
}

func TestPlanCountsSentTowardCap(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestPlanner(t, st)
	u := seedUser(t, st, "u_1", 12*time.Hour)
	// Three proactive contacts already sent today exhaust the cap.
	seedSentTask(t, st, "task_s1", "u_1", models.TaskTypeDailyPrompt, 2*time.Hour)
	seedSentTask(t, st, "task_s2", "u_1", models.TaskTypeDailyPush, 3*time.Hour)
	seedSentTask(t, st, "task_s3", "u_1", models.TaskTypeLimitInfo, 4*time.Hour)

	created, err := p.PlanForUser(&u)
	if err != nil {
		t.Fatalf("PlanForUser failed: %v", err)
	}
	if created != 0 {
		t.Errorf("created %d tasks with cap already consumed, want 0", created)
	}
}

func TestDailyPromptGateUsesUserTimezone(t *testing.T) {
	// A user in Auckland (UTC+13) who got their daily prompt at 09:00 local
	// must not get a second one from an afternoon run on the same local day,
	// even though a UTC day boundary passed in between.
	loc, err := time.LoadLocation("Pacific/Auckland")
	if err != nil {
		t.Skipf("timezone database unavailable: %v", err)
	}
	now := time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC) // 14:00 in Auckland

	st := store.NewInMemoryStore()
	mgr, err := cadence.NewManager(st, cadence.DefaultConfig())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	mgr.WithClock(func() time.Time { return now })
	assigner := window.NewAssigner(nil, rand.New(rand.NewPCG(7, 11)))
	p, err := NewPlanner(st, mgr, nil, assigner, DefaultConfig())
	if err != nil {
		t.Fatalf("NewPlanner failed: %v", err)
	}
	p.WithClock(func() time.Time { return now })

	last := now.Add(-2 * time.Hour)
	u := models.User{
		ID:             "u_nz",
		ExternalID:     "+15550009999",
		CadenceLevel:   1,
		LastResponseAt: &last,
		LastSeenAt:     &last,
		Active:         true,
		CreatedAt:      now.Add(-90 * 24 * time.Hour),
	}
	if err := st.SaveUser(u); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	prefs := models.DefaultPreferences("u_nz")
	prefs.Timezone = loc.String()
	if err := st.SavePreferences(prefs); err != nil {
		t.Fatalf("SavePreferences failed: %v", err)
	}

	// Sent 20:00 UTC on March 9: the previous UTC day, but 09:00 on the same
	// March 10 Auckland day as the planning run.
	sentAt := time.Date(2025, 3, 9, 20, 0, 0, 0, time.UTC)
	if err := st.CreateTask(models.Task{
		ID: "task_dp", UserID: "u_nz", Type: models.TaskTypeDailyPrompt,
		Status: models.TaskStatusScheduled, DueAt: sentAt,
	}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := st.MarkTaskSent("task_dp", sentAt); err != nil {
		t.Fatalf("MarkTaskSent failed: %v", err)
	}

	if _, err := p.PlanForUser(&u); err != nil {
		t.Fatalf("PlanForUser failed: %v", err)
	}
	tasks, _ := st.ListTasks(store.TaskFilter{UserID: "u_nz", Type: models.TaskTypeDailyPrompt, Status: "scheduled"})
	if len(tasks) != 0 {
		t.Errorf("second DAILY_PROMPT scheduled on the same Auckland day")
	}
}

func TestPlanAllUsersStats(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestPlanner(t, st)
	seedUser(t, st, "u_1", 12*time.Hour)
	seedUser(t, st, "u_2", 12*time.Hour)

	stats, err := p.PlanAllUsers()
	if err != nil {
		t.Fatalf("PlanAllUsers failed: %v", err)
	}
	if stats.Users != 2 {
		t.Errorf("stats.Users = %d, want 2", stats.Users)
	}
	if stats.UsersWithTasks != 2 {
		t.Errorf("stats.UsersWithTasks = %d, want 2", stats.UsersWithTasks)
	}
	if stats.Tasks == 0 {
		t.Error("expected tasks planned across users")
	}
}

func TestPlannedTasksGetDueTimes(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestPlanner(t, st)
	u := seedUser(t, st, "u_1", 12*time.Hour)

	if _, err := p.PlanForUser(&u); err != nil {
		t.Fatalf("PlanForUser failed: %v", err)
	}
	for _, task := range mustList(t, st, "u_1") {
		if !task.DueAt.After(testNow) {
			t.Errorf("task %s due at %v, not after planning time", task.ID, task.DueAt)
		}
		if task.Status != models.TaskStatusScheduled {
			t.Errorf("task %s status = %s, want scheduled", task.ID, task.Status)
		}
	}
}

func mustList(t *testing.T, st store.Store, userID string) []models.Task {
	t.Helper()
	tasks, err := st.ListTasks(store.TaskFilter{UserID: userID, Status: "scheduled"})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	return tasks
}
