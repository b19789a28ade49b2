// Package planner builds the daily set of proactive contact tasks.
//
// A planning run walks every active user, recomputes their cadence level,
// gates candidate contact kinds on recent send history and subscription
// state, and inserts the survivors as scheduled tasks with due times inside
// the allowed contact windows. Runs are idempotent given unchanged upstream
// state: a candidate whose type already has a pending task is skipped.
package planner

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ContactPipe/internal/cadence"
	"github.com/BTreeMap/ContactPipe/internal/models"
	"github.com/BTreeMap/ContactPipe/internal/store"
	"github.com/BTreeMap/ContactPipe/internal/util"
	"github.com/BTreeMap/ContactPipe/internal/window"
)

// SubscriptionService reports subscription and usage-limit state for a user.
// The planner uses it to gate NUDGE (no active subscription) and LIMIT_INFO
// (1-2 free actions remaining) candidates.
type SubscriptionService interface {
	HasActiveSubscription(userID string) (bool, error)
	FreeActionsRemaining(userID string) (int, error)
}

// StoreSubscriptionService answers subscription queries from the user record
// itself. Deployments with an external billing system substitute their own
// implementation.
type StoreSubscriptionService struct {
	store store.Store
}

// NewStoreSubscriptionService creates a store-backed SubscriptionService.
func NewStoreSubscriptionService(st store.Store) *StoreSubscriptionService {
	return &StoreSubscriptionService{store: st}
}

func (s *StoreSubscriptionService) HasActiveSubscription(userID string) (bool, error) {
	u, err := s.store.GetUser(userID)
	if err != nil {
		return false, err
	}
	if u == nil {
		return false, models.ErrUserNotFound
	}
	return u.Subscribed, nil
}

func (s *StoreSubscriptionService) FreeActionsRemaining(userID string) (int, error) {
	u, err := s.store.GetUser(userID)
	if err != nil {
		return 0, err
	}
	if u == nil {
		return 0, models.ErrUserNotFound
	}
	return u.FreeActionsLeft, nil
}

var _ SubscriptionService = (*StoreSubscriptionService)(nil)

// Config holds the planner gating thresholds.
type Config struct {
	// PingMinInterval is the minimum gap between consecutive sent PINGs.
	PingMinInterval time.Duration
	// NudgeMinInterval is the minimum gap between consecutive sent NUDGEs.
	NudgeMinInterval time.Duration
	// NudgeWeeklyLimit caps NUDGEs sent inside NudgeWindow.
	NudgeWeeklyLimit int
	// NudgeWindow is the trailing window for NudgeWeeklyLimit.
	NudgeWindow time.Duration
	// RecoveryInactiveNormal gates RECOVERY at normal cadence.
	RecoveryInactiveNormal time.Duration
	// RecoveryInactiveReduced gates RECOVERY at reduced cadence.
	RecoveryInactiveReduced time.Duration
	// RecoveryMinInterval is the minimum gap between sent RECOVERY contacts.
	RecoveryMinInterval time.Duration
	// LimitInfoMin/LimitInfoMax bound the free-action count that triggers a
	// LIMIT_INFO contact.
	LimitInfoMin int
	LimitInfoMax int
}

// DefaultConfig returns the standard gating thresholds: PINGs and NUDGEs at
// least 48h apart, at most 2 NUDGEs per trailing 7 days, RECOVERY after 3
// days inactive (7 at reduced cadence) and at least 5 days apart, LIMIT_INFO
// at 1-2 free actions remaining.
func DefaultConfig() Config {
	return Config{
		PingMinInterval:         48 * time.Hour,
		NudgeMinInterval:        48 * time.Hour,
		NudgeWeeklyLimit:        2,
		NudgeWindow:             7 * 24 * time.Hour,
		RecoveryInactiveNormal:  3 * 24 * time.Hour,
		RecoveryInactiveReduced: 7 * 24 * time.Hour,
		RecoveryMinInterval:     5 * 24 * time.Hour,
		LimitInfoMin:            1,
		LimitInfoMax:            2,
	}
}

// Validate checks the thresholds for internal consistency.
func (c Config) Validate() error {
	if c.PingMinInterval <= 0 || c.NudgeMinInterval <= 0 {
		return fmt.Errorf("contact intervals must be positive")
	}
	if c.NudgeWeeklyLimit <= 0 || c.NudgeWindow <= 0 {
		return fmt.Errorf("nudge window limits must be positive")
	}
	if c.RecoveryInactiveNormal <= 0 || c.RecoveryInactiveReduced <= 0 || c.RecoveryMinInterval <= 0 {
		return fmt.Errorf("recovery thresholds must be positive")
	}
	if c.RecoveryInactiveNormal > c.RecoveryInactiveReduced {
		return fmt.Errorf("recovery inactivity threshold at normal cadence (%v) exceeds reduced cadence (%v)",
			c.RecoveryInactiveNormal, c.RecoveryInactiveReduced)
	}
	if c.LimitInfoMin <= 0 || c.LimitInfoMax < c.LimitInfoMin {
		return fmt.Errorf("limit-info bounds invalid: min=%d max=%d", c.LimitInfoMin, c.LimitInfoMax)
	}
	return nil
}

// Stats summarizes one planning run.
type Stats struct {
	Users          int `json:"users"`
	Tasks          int `json:"tasks"`
	UsersWithTasks int `json:"users_with_tasks"`
}

// Planner builds proactive contact tasks for active users.
type Planner struct {
	store    store.Store
	cadence  *cadence.Manager
	subs     SubscriptionService
	assigner *window.Assigner
	cfg      Config
	now      func() time.Time
}

// NewPlanner creates a Planner. A nil subs falls back to the store-backed
// subscription service; a nil assigner uses the default contact windows.
func NewPlanner(st store.Store, mgr *cadence.Manager, subs SubscriptionService, assigner *window.Assigner, cfg Config) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid planner config: %w", err)
	}
	if subs == nil {
		subs = NewStoreSubscriptionService(st)
	}
	if assigner == nil {
		assigner = window.NewAssigner(nil, nil)
	}
	return &Planner{
		store:    st,
		cadence:  mgr,
		subs:     subs,
		assigner: assigner,
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

// WithClock overrides the planner's time source. Tests use this to pin the
// planning run to a fixed instant.
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

// PlanAllUsers runs one planning pass over every active user. A failure
// evaluating one user is logged and skipped; it never aborts the batch.
func (p *Planner) PlanAllUsers() (Stats, error) {
	users, err := p.store.ListActiveUsers()
	if err != nil {
		return Stats{}, fmt.Errorf("list active users failed: %w", err)
	}
	stats := Stats{Users: len(users)}
	for i := range users {
		created, err := p.PlanForUser(&users[i])
		if err != nil {
			slog.Error("Planner.PlanAllUsers: planning user failed", "error", err, "userID", users[i].ID)
			continue
		}
		stats.Tasks += created
		if created > 0 {
			stats.UsersWithTasks++
		}
	}
	slog.Info("Planner.PlanAllUsers: planning run complete",
		"users", stats.Users, "tasks", stats.Tasks, "usersWithTasks", stats.UsersWithTasks)
	return stats, nil
}

// PlanForUser plans proactive contacts for a single user and returns the
// number of tasks created.
func (p *Planner) PlanForUser(u *models.User) (int, error) {
	level, err := p.cadence.ComputeLevel(u)
	if err != nil {
		return 0, fmt.Errorf("compute cadence level failed: %w", err)
	}
	if level == cadence.LevelStopped {
		slog.Debug("Planner.PlanForUser: cadence stopped, no tasks", "userID", u.ID)
		return 0, nil
	}
	if u.Blocked {
		slog.Debug("Planner.PlanForUser: user blocked, no tasks", "userID", u.ID)
		return 0, nil
	}

	prefs, err := p.store.GetPreferences(u.ID)
	if err != nil {
		return 0, fmt.Errorf("load preferences failed: %w", err)
	}
	if !prefs.AllowProactive {
		slog.Debug("Planner.PlanForUser: proactive contact disabled", "userID", u.ID)
		return 0, nil
	}

	now := p.now()
	remaining, err := p.remainingSlots(u.ID, prefs, now)
	if err != nil {
		return 0, err
	}
	if remaining <= 0 {
		slog.Debug("Planner.PlanForUser: daily cap reached", "userID", u.ID, "cap", prefs.MaxContactsPerDay)
		return 0, nil
	}

	candidates, err := p.candidates(u, prefs, level, now)
	if err != nil {
		return 0, err
	}
	if len(candidates) > remaining {
		candidates = candidates[:remaining]
	}

	pending, err := p.store.PendingTaskTypes(u.ID)
	if err != nil {
		return 0, fmt.Errorf("load pending task types failed: %w", err)
	}

	created := 0
	for _, taskType := range candidates {
		if pending[taskType] {
			slog.Debug("Planner.PlanForUser: candidate already pending", "userID", u.ID, "type", taskType)
			continue
		}
		dueAt, ok := p.assigner.DueTime(now, prefs)
		if !ok {
			slog.Debug("Planner.PlanForUser: no contact window left today", "userID", u.ID, "type", taskType)
			continue
		}
		task := models.Task{
			ID:          util.GenerateTaskID(),
			UserID:      u.ID,
			Type:        taskType,
			Status:      models.TaskStatusScheduled,
			ScheduledAt: now,
			DueAt:       dueAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := p.store.CreateTask(task); err != nil {
			return created, fmt.Errorf("create %s task failed: %w", taskType, err)
		}
		p.logTaskCreated(task)
		pending[taskType] = true
		created++
	}
	return created, nil
}

// remainingSlots computes how many proactive contacts are still allowed for
// the user today: the preference cap minus contacts already sent today minus
// pending proactive tasks due before the end of the user's local day.
func (p *Planner) remainingSlots(userID string, prefs models.Preferences, now time.Time) (int, error) {
	dayStart := localDayStart(prefs, now)
	dayEnd := dayStart.Add(24 * time.Hour)

	sentToday, err := p.store.CountSentSince(userID, dayStart, nil)
	if err != nil {
		return 0, fmt.Errorf("count sent today failed: %w", err)
	}

	scheduled, err := p.store.ListTasks(store.TaskFilter{UserID: userID, Status: string(models.TaskStatusScheduled)})
	if err != nil {
		return 0, fmt.Errorf("list scheduled tasks failed: %w", err)
	}
	pendingToday := 0
	for _, t := range scheduled {
		if t.Type.IsProactive() && t.DueAt.Before(dayEnd) {
			pendingToday++
		}
	}
	return prefs.MaxContactsPerDay - sentToday - pendingToday, nil
}

// candidates builds the gated candidate list in priority order for the
// user's cadence level.
func (p *Planner) candidates(u *models.User, prefs models.Preferences, level cadence.Level, now time.Time) ([]models.TaskType, error) {
	if level == cadence.LevelReduced {
		ok, err := p.recoveryEligible(u, now, p.cfg.RecoveryInactiveReduced)
		if err != nil {
			return nil, err
		}
		if ok {
			return []models.TaskType{models.TaskTypeRecovery}, nil
		}
		return nil, nil
	}

	var out []models.TaskType

	sentDailyToday, err := p.sentToday(u.ID, models.TaskTypeDailyPrompt, prefs, now)
	if err != nil {
		return nil, err
	}
	if !sentDailyToday {
		out = append(out, models.TaskTypeDailyPrompt)
	}

	pingOK, err := p.lastSentBefore(u.ID, models.TaskTypePing, now.Add(-p.cfg.PingMinInterval))
	if err != nil {
		return nil, err
	}
	if pingOK {
		out = append(out, models.TaskTypePing)
	}

	nudgeOK, err := p.nudgeEligible(u.ID, now)
	if err != nil {
		return nil, err
	}
	if nudgeOK {
		out = append(out, models.TaskTypeNudge)
	}

	free, err := p.subs.FreeActionsRemaining(u.ID)
	if err != nil {
		return nil, fmt.Errorf("query free actions failed: %w", err)
	}
	if free >= p.cfg.LimitInfoMin && free <= p.cfg.LimitInfoMax {
		out = append(out, models.TaskTypeLimitInfo)
	}

	recoveryOK, err := p.recoveryEligible(u, now, p.cfg.RecoveryInactiveNormal)
	if err != nil {
		return nil, err
	}
	if recoveryOK {
		out = append(out, models.TaskTypeRecovery)
	}

	return out, nil
}

// nudgeEligible gates NUDGE on subscription state, the minimum gap since the
// last sent NUDGE, and the trailing-window send limit.
func (p *Planner) nudgeEligible(userID string, now time.Time) (bool, error) {
	subscribed, err := p.subs.HasActiveSubscription(userID)
	if err != nil {
		return false, fmt.Errorf("query subscription failed: %w", err)
	}
	if subscribed {
		return false, nil
	}
	ok, err := p.lastSentBefore(userID, models.TaskTypeNudge, now.Add(-p.cfg.NudgeMinInterval))
	if err != nil || !ok {
		return false, err
	}
	recent, err := p.store.CountSentSince(userID, now.Add(-p.cfg.NudgeWindow), []models.TaskType{models.TaskTypeNudge})
	if err != nil {
		return false, fmt.Errorf("count recent nudges failed: %w", err)
	}
	return recent < p.cfg.NudgeWeeklyLimit, nil
}

// recoveryEligible gates RECOVERY on user inactivity and spacing from the
// previous RECOVERY contact.
func (p *Planner) recoveryEligible(u *models.User, now time.Time, inactiveFor time.Duration) (bool, error) {
	if now.Sub(lastActivity(u)) < inactiveFor {
		return false, nil
	}
	return p.lastSentBefore(u.ID, models.TaskTypeRecovery, now.Add(-p.cfg.RecoveryMinInterval))
}

// lastSentBefore reports whether the most recent sent task of the given type
// is older than cutoff, or absent entirely.
func (p *Planner) lastSentBefore(userID string, taskType models.TaskType, cutoff time.Time) (bool, error) {
	last, err := p.store.LastSentAt(userID, taskType)
	if err != nil {
		return false, fmt.Errorf("query last %s failed: %w", taskType, err)
	}
	return last == nil || last.Before(cutoff), nil
}

// sentToday reports whether a task of the given type was sent since midnight
// of the current day in the user's timezone, the same day boundary
// remainingSlots uses.
func (p *Planner) sentToday(userID string, taskType models.TaskType, prefs models.Preferences, now time.Time) (bool, error) {
	count, err := p.store.CountSentSince(userID, localDayStart(prefs, now), []models.TaskType{taskType})
	if err != nil {
		return false, fmt.Errorf("count %s today failed: %w", taskType, err)
	}
	return count > 0, nil
}

// localDayStart returns midnight of the current day in the user's preference
// timezone, falling back to UTC when the timezone is empty or unknown.
func localDayStart(prefs models.Preferences, now time.Time) time.Time {
	loc, err := time.LoadLocation(prefs.Timezone)
	if err != nil || prefs.Timezone == "" {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// lastActivity returns the most recent sign of life for the user: last seen,
// falling back to last response, falling back to account creation.
func lastActivity(u *models.User) time.Time {
	if u.LastSeenAt != nil {
		return *u.LastSeenAt
	}
	if u.LastResponseAt != nil {
		return *u.LastResponseAt
	}
	return u.CreatedAt
}

func (p *Planner) logTaskCreated(t models.Task) {
	meta, err := json.Marshal(map[string]any{"taskID": t.ID, "type": string(t.Type), "dueAt": t.DueAt})
	if err != nil {
		slog.Error("Planner.logTaskCreated: marshal meta failed", "error", err, "taskID", t.ID)
		meta = []byte("{}")
	}
	if err := p.store.LogEvent(models.Event{
		ID:        util.GenerateEventID(),
		UserID:    t.UserID,
		Type:      models.EventTaskCreated,
		MetaJSON:  string(meta),
		CreatedAt: t.CreatedAt,
	}); err != nil {
		slog.Error("Planner.logTaskCreated: log event failed", "error", err, "taskID", t.ID)
	}
	slog.Debug("Planner.PlanForUser: task created", "userID", t.UserID, "type", t.Type, "dueAt", t.DueAt)
}
