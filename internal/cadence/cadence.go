// Package cadence maintains per-user engagement levels for ContactPipe.
//
// The cadence level is a three-state machine driven entirely by response
// recency: Normal (full contact), Reduced (recovery contacts only), and
// Stopped (no proactive contact). The level is always recomputed from the
// stored last-response timestamp, never accumulated, so inconsistencies
// self-heal on the next pass.
package cadence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ContactPipe/internal/models"
	"github.com/BTreeMap/ContactPipe/internal/store"
	"github.com/BTreeMap/ContactPipe/internal/util"
	"github.com/BTreeMap/ContactPipe/internal/window"
)

// Level is the engagement tier governing proactive contact frequency.
type Level int

const (
	// LevelNormal allows the full contact mix.
	LevelNormal Level = 1
	// LevelReduced restricts contact to gentle recovery messages.
	LevelReduced Level = 2
	// LevelStopped suppresses all proactive contact.
	LevelStopped Level = 3
)

// String returns the human-readable level name.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelReduced:
		return "reduced"
	case LevelStopped:
		return "stopped"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// StopReasonNoResponse is recorded when silence crosses the stop threshold.
const StopReasonNoResponse = "no_response_14d"

// Config holds the cadence thresholds.
type Config struct {
	// ReducedAfterDays is the whole days of silence after which contact is reduced.
	ReducedAfterDays int
	// StoppedAfterDays is the whole days of silence after which contact stops.
	StoppedAfterDays int
	// ResponseWindow is how long after a sent contact an inbound message
	// still counts as a reply to it.
	ResponseWindow time.Duration
	// FarewellDelay is how long after stopping the farewell message goes out.
	FarewellDelay time.Duration
}

// DefaultConfig returns the standard thresholds: reduce after 2 days,
// stop after 14, attribute replies within 48 hours, farewell one hour later.
func DefaultConfig() Config {
	return Config{
		ReducedAfterDays: 2,
		StoppedAfterDays: 14,
		ResponseWindow:   48 * time.Hour,
		FarewellDelay:    time.Hour,
	}
}

// Validate rejects configurations that would make the state machine
// degenerate. Called at startup so bad thresholds fail fast.
func (c Config) Validate() error {
	if c.ReducedAfterDays <= 0 {
		return fmt.Errorf("invalid cadence config: ReducedAfterDays must be positive, got %d", c.ReducedAfterDays)
	}
	if c.StoppedAfterDays <= c.ReducedAfterDays {
		return fmt.Errorf("invalid cadence config: StoppedAfterDays (%d) must exceed ReducedAfterDays (%d)", c.StoppedAfterDays, c.ReducedAfterDays)
	}
	if c.ResponseWindow <= 0 {
		return fmt.Errorf("invalid cadence config: ResponseWindow must be positive, got %s", c.ResponseWindow)
	}
	return nil
}

// LevelForSilence is the pure transition function mapping whole days of
// silence to a level. A negative value (no response recorded) maps to Normal.
func (c Config) LevelForSilence(days int) Level {
	switch {
	case days < 0:
		return LevelNormal
	case days >= c.StoppedAfterDays:
		return LevelStopped
	case days >= c.ReducedAfterDays:
		return LevelReduced
	default:
		return LevelNormal
	}
}

// Manager computes and maintains per-user cadence levels.
type Manager struct {
	store store.Store
	cfg   Config
	now   func() time.Time
}

// NewManager creates a cadence manager. Invalid thresholds are a startup error.
func NewManager(st store.Store, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{store: st, cfg: cfg, now: time.Now}, nil
}

// WithClock overrides the time source (tests only).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Config returns the active cadence configuration.
func (m *Manager) Config() Config { return m.cfg }

// ComputeLevel recomputes the user's cadence level from elapsed silence and
// persists it. On a transition into Stopped it cancels all pending proactive
// tasks and schedules exactly one farewell. Pure function of stored state:
// repeated calls with unchanged input produce no further transitions.
func (m *Manager) ComputeLevel(user *models.User) (Level, error) {
	if user == nil {
		return LevelNormal, models.ErrUserNotFound
	}

	days := -1
	if user.LastResponseAt != nil {
		days = int(m.now().Sub(*user.LastResponseAt).Hours() / 24)
	}
	newLevel := m.cfg.LevelForSilence(days)
	oldLevel := Level(user.CadenceLevel)
	if oldLevel == 0 {
		oldLevel = LevelNormal
	}

	if newLevel == oldLevel {
		return newLevel, nil
	}

	if newLevel == LevelStopped {
		if err := m.stop(user, StopReasonNoResponse); err != nil {
			return oldLevel, err
		}
	} else {
		// Leaving Stopped clears the stop reason.
		if err := m.store.SetCadenceLevel(user.ID, int(newLevel), ""); err != nil {
			return oldLevel, fmt.Errorf("persist cadence level: %w", err)
		}
		user.StoppedReason = ""
	}
	user.CadenceLevel = int(newLevel)

	m.logEvent(user.ID, models.EventCadenceLevelChanged, map[string]any{
		"from_level":  int(oldLevel),
		"to_level":    int(newLevel),
		"silent_days": days,
	})
	slog.Info("Manager.ComputeLevel: cadence level changed", "userID", user.ID, "from", oldLevel.String(), "to", newLevel.String())
	return newLevel, nil
}

// stop moves the user to Stopped: records the reason, cancels all pending
// proactive tasks atomically with the level change, and schedules exactly
// one farewell contact.
func (m *Manager) stop(user *models.User, reason string) error {
	if err := m.store.SetCadenceLevel(user.ID, int(LevelStopped), reason); err != nil {
		return fmt.Errorf("persist stopped level: %w", err)
	}
	user.StoppedReason = reason

	canceled, err := m.store.CancelPendingTasks(user.ID, models.ProactiveTaskTypes)
	if err != nil {
		return fmt.Errorf("cancel pending tasks: %w", err)
	}

	prefs, err := m.store.GetPreferences(user.ID)
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}

	now := m.now()
	farewell := models.Task{
		ID:          util.GenerateTaskID(),
		UserID:      user.ID,
		Type:        models.TaskTypeFarewell,
		Status:      models.TaskStatusScheduled,
		ScheduledAt: now,
		DueAt:       window.NextOutsideQuietHours(now.Add(m.cfg.FarewellDelay), prefs),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateTask(farewell); err != nil {
		return fmt.Errorf("create farewell task: %w", err)
	}

	m.logEvent(user.ID, models.EventCadenceStopped, map[string]any{
		"reason":         reason,
		"canceled_tasks": canceled,
	})
	slog.Info("Manager.stop: cadence stopped", "userID", user.ID, "reason", reason, "canceledTasks", canceled)
	return nil
}

// RecordResponse marks a qualifying user response at the given time and
// restores the cadence to Normal if it was reduced or stopped. Idempotent:
// repeating the call with the same timestamp leaves the same final state.
func (m *Manager) RecordResponse(userID string, at time.Time) error {
	user, err := m.store.GetUser(userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return models.ErrUserNotFound
	}

	oldLevel := Level(user.CadenceLevel)
	if err := m.store.RecordUserResponse(userID, at); err != nil {
		return fmt.Errorf("record response: %w", err)
	}

	if oldLevel > LevelNormal {
		// A pending farewell no longer applies once the user is back.
		if _, err := m.store.CancelPendingTasks(userID, []models.TaskType{models.TaskTypeFarewell}); err != nil {
			return fmt.Errorf("cancel farewell: %w", err)
		}
		m.logEvent(userID, models.EventCadenceRestored, map[string]any{
			"from_level": int(oldLevel),
			"to_level":   int(LevelNormal),
		})
		slog.Info("Manager.RecordResponse: cadence restored", "userID", userID, "fromLevel", oldLevel.String())
	}
	return nil
}

// IsWithinResponseWindow reports whether a proactive contact was sent to the
// user within the response window and no later response has been recorded.
// Absent history is never an error and yields false.
func (m *Manager) IsWithinResponseWindow(userID string) (bool, error) {
	last, err := m.store.LastSentTask(userID, nil)
	if err != nil {
		return false, fmt.Errorf("load last sent task: %w", err)
	}
	if last == nil || last.SentAt == nil {
		return false, nil
	}
	if m.now().Sub(*last.SentAt) > m.cfg.ResponseWindow {
		return false, nil
	}

	user, err := m.store.GetUser(userID)
	if err != nil {
		return false, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return false, nil
	}
	if user.LastResponseAt != nil && user.LastResponseAt.After(*last.SentAt) {
		return false, nil
	}
	return true, nil
}

// logEvent records an analytics event; event write failures are logged but
// never propagate into the calling transition.
func (m *Manager) logEvent(userID, eventType string, meta map[string]any) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		slog.Error("Manager.logEvent: marshal meta failed", "error", err, "eventType", eventType)
		metaJSON = nil
	}
	e := models.Event{
		ID:        util.GenerateEventID(),
		UserID:    userID,
		Type:      eventType,
		MetaJSON:  string(metaJSON),
		CreatedAt: m.now(),
	}
	if err := m.store.LogEvent(e); err != nil {
		slog.Error("Manager.logEvent: log event failed", "error", err, "eventType", eventType, "userID", userID)
	}
}
