// Package tracker classifies inbound user activity and updates cadence and
// task state accordingly.
//
// An inbound message inside the response window counts as a reply to the
// outstanding contact: the cadence resets, the sent task flips to replied,
// and pending PING/NUDGE tasks due soon are pushed out so the user is not
// contacted again right after responding. Activity outside the window only
// refreshes last-seen, except that any message from a stopped user restores
// the cadence. The tracker performs store writes only; it never sends
// messages.
package tracker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ContactPipe/internal/cadence"
	"github.com/BTreeMap/ContactPipe/internal/models"
	"github.com/BTreeMap/ContactPipe/internal/store"
	"github.com/BTreeMap/ContactPipe/internal/util"
)

// postponeableTypes are the pending contact kinds pushed out when the user
// replies. Other pending tasks keep their due time.
var postponeableTypes = []models.TaskType{models.TaskTypePing, models.TaskTypeNudge}

// Config holds the tracker's postponement and reaction settings.
type Config struct {
	// PostponeHorizon bounds which pending tasks are postponed on reply:
	// only those due within the horizon move.
	PostponeHorizon time.Duration
	// ThanksOnReply schedules an immediate THANKS reaction task when a reply
	// is recorded, unless one is already pending.
	ThanksOnReply bool
}

// DefaultConfig postpones tasks due within 48h and leaves the THANKS
// reaction disabled.
func DefaultConfig() Config {
	return Config{
		PostponeHorizon: 48 * time.Hour,
		ThanksOnReply:   false,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.PostponeHorizon <= 0 {
		return fmt.Errorf("postpone horizon must be positive, got %v", c.PostponeHorizon)
	}
	return nil
}

// Result reports how an inbound message was classified.
type Result struct {
	Reply     bool `json:"reply"`
	Postponed int  `json:"postponed"`
}

// Tracker processes inbound activity.
type Tracker struct {
	store   store.Store
	cadence *cadence.Manager
	cfg     Config
	now     func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(st store.Store, mgr *cadence.Manager, cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracker config: %w", err)
	}
	return &Tracker{store: st, cadence: mgr, cfg: cfg, now: time.Now}, nil
}

// WithClock overrides the tracker's time source for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// HandleInbound processes one inbound message from the user observed at the
// given time. Zero at means now.
func (t *Tracker) HandleInbound(userID string, at time.Time) (Result, error) {
	if userID == "" {
		return Result{}, models.ErrEmptyUserID
	}
	if at.IsZero() {
		at = t.now()
	}

	withinWindow, err := t.cadence.IsWithinResponseWindow(userID)
	if err != nil {
		return Result{}, fmt.Errorf("classify inbound failed: %w", err)
	}
	if !withinWindow {
		// A stopped user is restored by any inbound message; there is no
		// outstanding contact left to attribute the reply to.
		stopped, err := t.userStopped(userID)
		if err != nil {
			return Result{}, err
		}
		withinWindow = stopped
	}

	var res Result
	if withinWindow {
		res, err = t.recordReply(userID, at)
		if err != nil {
			return res, err
		}
	} else {
		t.logEvent(userID, models.EventInboundActivity, map[string]any{"at": at})
		slog.Debug("Tracker.HandleInbound: activity outside response window", "userID", userID)
	}

	if err := t.store.UpdateLastSeen(userID, at); err != nil {
		return res, fmt.Errorf("update last seen failed: %w", err)
	}
	return res, nil
}

// userStopped reports whether the user's cadence is currently stopped.
func (t *Tracker) userStopped(userID string) (bool, error) {
	user, err := t.store.GetUser(userID)
	if err != nil {
		return false, fmt.Errorf("load user failed: %w", err)
	}
	if user == nil {
		return false, nil
	}
	return cadence.Level(user.CadenceLevel) == cadence.LevelStopped, nil
}

// recordReply resets the cadence, flips the answered task to replied and
// postpones pending contacts due soon.
func (t *Tracker) recordReply(userID string, at time.Time) (Result, error) {
	if err := t.cadence.RecordResponse(userID, at); err != nil {
		return Result{}, fmt.Errorf("record response failed: %w", err)
	}

	if last, err := t.store.LastSentTask(userID, nil); err != nil {
		slog.Error("Tracker.recordReply: load last sent task failed", "error", err, "userID", userID)
	} else if last != nil && last.Status == models.TaskStatusSent {
		if _, err := t.store.MarkTaskReplied(last.ID); err != nil {
			slog.Error("Tracker.recordReply: mark replied failed", "error", err, "taskID", last.ID)
		}
	}

	prefs, err := t.store.GetPreferences(userID)
	if err != nil {
		return Result{Reply: true}, fmt.Errorf("load preferences failed: %w", err)
	}
	offset := time.Duration(prefs.PostponeHours) * time.Hour
	postponed, err := t.store.PostponePendingTasks(userID, postponeableTypes, at, t.cfg.PostponeHorizon, offset)
	if err != nil {
		return Result{Reply: true}, fmt.Errorf("postpone pending tasks failed: %w", err)
	}
	if postponed > 0 {
		t.logEvent(userID, models.EventTasksPostponed, map[string]any{"count": postponed, "offsetHours": prefs.PostponeHours})
	}

	t.logEvent(userID, models.EventInboundReply, map[string]any{"at": at, "postponed": postponed})
	slog.Info("Tracker.recordReply: reply recorded", "userID", userID, "postponed", postponed)

	if t.cfg.ThanksOnReply {
		if err := t.scheduleThanks(userID, at); err != nil {
			slog.Error("Tracker.recordReply: schedule thanks failed", "error", err, "userID", userID)
		}
	}
	return Result{Reply: true, Postponed: postponed}, nil
}

// scheduleThanks creates an immediate THANKS reaction task unless one is
// already pending.
func (t *Tracker) scheduleThanks(userID string, at time.Time) error {
	pending, err := t.store.PendingTaskTypes(userID)
	if err != nil {
		return fmt.Errorf("load pending task types failed: %w", err)
	}
	if pending[models.TaskTypeThanks] {
		return nil
	}
	task := models.Task{
		ID:          util.GenerateTaskID(),
		UserID:      userID,
		Type:        models.TaskTypeThanks,
		Status:      models.TaskStatusScheduled,
		ScheduledAt: at,
		DueAt:       at,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	if err := t.store.CreateTask(task); err != nil {
		return fmt.Errorf("create thanks task failed: %w", err)
	}
	t.logEvent(userID, models.EventTaskCreated, map[string]any{"taskID": task.ID, "type": string(task.Type)})
	return nil
}

func (t *Tracker) logEvent(userID, eventType string, meta map[string]any) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		slog.Error("Tracker.logEvent: marshal meta failed", "error", err, "eventType", eventType)
		metaJSON = []byte("{}")
	}
	if err := t.store.LogEvent(models.Event{
		ID:        util.GenerateEventID(),
		UserID:    userID,
		Type:      eventType,
		MetaJSON:  string(metaJSON),
		CreatedAt: t.now(),
	}); err != nil {
		slog.Error("Tracker.logEvent: log event failed", "error", err, "eventType", eventType, "userID", userID)
	}
}
