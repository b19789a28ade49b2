// Package dispatch delivers due tasks through the messaging channel.
//
// The dispatcher polls for scheduled tasks whose due time has passed and
// claims each with a conditional scheduled -> sending transition before the
// delivery attempt, so overlapping poll cycles never deliver the same task
// twice. Transient delivery errors release the claim back to scheduled for a
// later retry up to a bounded attempt count; a blocked recipient fails the
// task immediately and flags the user unreachable. Claims abandoned by a
// crashed cycle are recovered at the start of the next one.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/ContactPipe/internal/content"
	"github.com/BTreeMap/ContactPipe/internal/messaging"
	"github.com/BTreeMap/ContactPipe/internal/models"
	"github.com/BTreeMap/ContactPipe/internal/store"
	"github.com/BTreeMap/ContactPipe/internal/util"
)

// ResultCodeBlocked marks tasks failed because the recipient blocked or
// deactivated the channel.
const ResultCodeBlocked = "blocked"

// ResultCodeMaxAttempts marks tasks failed after exhausting transient
// retries.
const ResultCodeMaxAttempts = "max_attempts"

// Config holds dispatcher tuning knobs.
type Config struct {
	// MaxAttempts bounds transient-failure retries before a task is failed.
	MaxAttempts int
	// SendTimeout bounds a single delivery attempt.
	SendTimeout time.Duration
	// RatePerSecond caps outbound sends per second across all users.
	RatePerSecond float64
	// RateBurst is the limiter burst size.
	RateBurst int
	// DailyCapWindow is the rolling window used for the per-user sent cap.
	DailyCapWindow time.Duration
	// StaleClaimAfter is how long a task may sit in sending before it is
	// treated as abandoned and returned to the queue. Must exceed SendTimeout.
	StaleClaimAfter time.Duration
}

// DefaultConfig returns the standard dispatcher settings: 3 attempts, 30s
// per send, 5 messages/second with a burst of 10, 24h rolling cap window,
// claims recovered after 5 minutes.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		SendTimeout:     30 * time.Second,
		RatePerSecond:   5,
		RateBurst:       10,
		DailyCapWindow:  24 * time.Hour,
		StaleClaimAfter: 5 * time.Minute,
	}
}

// Validate checks the settings for internal consistency.
func (c Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("send timeout must be positive, got %v", c.SendTimeout)
	}
	if c.RatePerSecond <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("rate limit must be positive, got %v/%d", c.RatePerSecond, c.RateBurst)
	}
	if c.DailyCapWindow <= 0 {
		return fmt.Errorf("daily cap window must be positive, got %v", c.DailyCapWindow)
	}
	if c.StaleClaimAfter <= c.SendTimeout {
		return fmt.Errorf("stale claim age %v must exceed send timeout %v", c.StaleClaimAfter, c.SendTimeout)
	}
	return nil
}

// Stats summarizes one dispatch cycle.
type Stats struct {
	Due      int `json:"due"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Retried  int `json:"retried"`
	Deferred int `json:"deferred"`
}

// Dispatcher delivers due tasks.
type Dispatcher struct {
	store    store.Store
	msg      messaging.Service
	renderer *content.Renderer
	limiter  *rate.Limiter
	cfg      Config
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(st store.Store, msg messaging.Service, renderer *content.Renderer, cfg Config) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}
	return &Dispatcher{
		store:    st,
		msg:      msg,
		renderer: renderer,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

// WithClock overrides the dispatcher's time source for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// DispatchDue delivers up to limit due tasks ordered by due time. A failure
// on one task is recorded on that task and never aborts the cycle.
func (d *Dispatcher) DispatchDue(ctx context.Context, limit int) (Stats, error) {
	now := d.now()
	recovered, err := d.store.RecoverStaleClaims(now.Add(-d.cfg.StaleClaimAfter))
	if err != nil {
		slog.Error("Dispatcher.DispatchDue: stale claim recovery failed", "error", err)
	} else if recovered > 0 {
		slog.Warn("Dispatcher.DispatchDue: recovered abandoned claims", "count", recovered)
	}
	tasks, err := d.store.DueTasks(now, limit)
	if err != nil {
		return Stats{}, fmt.Errorf("query due tasks failed: %w", err)
	}
	stats := Stats{Due: len(tasks)}
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		switch outcome := d.dispatchOne(ctx, task); outcome {
		case outcomeSent:
			stats.Sent++
		case outcomeFailed:
			stats.Failed++
		case outcomeRetried:
			stats.Retried++
		case outcomeDeferred:
			stats.Deferred++
		}
	}
	if stats.Due > 0 {
		slog.Info("Dispatcher.DispatchDue: cycle complete",
			"due", stats.Due, "sent", stats.Sent, "failed", stats.Failed,
			"retried", stats.Retried, "deferred", stats.Deferred)
	}
	return stats, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeRetried
	outcomeDeferred
)

func (d *Dispatcher) dispatchOne(ctx context.Context, task models.Task) outcome {
	user, err := d.store.GetUser(task.UserID)
	if err != nil {
		slog.Error("Dispatcher.dispatchOne: load user failed", "error", err, "taskID", task.ID, "userID", task.UserID)
		return outcomeDeferred
	}
	if user == nil {
		slog.Warn("Dispatcher.dispatchOne: task references missing user", "taskID", task.ID, "userID", task.UserID)
		d.failTask(task, "user_missing")
		return outcomeFailed
	}
	if user.Blocked {
		d.failTask(task, ResultCodeBlocked)
		return outcomeFailed
	}

	atCap, err := d.atDailyCap(user.ID, task.Type)
	if err != nil {
		slog.Error("Dispatcher.dispatchOne: cap check failed", "error", err, "taskID", task.ID)
		return outcomeDeferred
	}
	if atCap {
		slog.Debug("Dispatcher.dispatchOne: daily cap reached, leaving pending", "taskID", task.ID, "userID", user.ID)
		return outcomeDeferred
	}

	body, err := d.renderer.Render(ctx, task, *user)
	if err != nil {
		slog.Error("Dispatcher.dispatchOne: render failed", "error", err, "taskID", task.ID, "type", task.Type)
		d.failTask(task, "render_error")
		return outcomeFailed
	}

	recipient, err := d.msg.ValidateAndCanonicalizeRecipient(user.ExternalID)
	if err != nil {
		slog.Error("Dispatcher.dispatchOne: invalid recipient", "error", err, "taskID", task.ID, "userID", user.ID)
		d.failTask(task, "invalid_recipient")
		return outcomeFailed
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return outcomeDeferred
	}

	// Claim the task out of the queue before delivering: once it is marked
	// sending no other cycle will pick it up.
	claimed, err := d.store.ClaimTask(task.ID, d.now())
	if err != nil {
		slog.Error("Dispatcher.dispatchOne: claim failed", "error", err, "taskID", task.ID)
		return outcomeDeferred
	}
	if !claimed {
		slog.Debug("Dispatcher.dispatchOne: task claimed by another cycle", "taskID", task.ID)
		return outcomeDeferred
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err = d.msg.SendMessage(sendCtx, recipient, body)
	cancel()
	if err != nil {
		return d.handleSendError(task, user, err)
	}

	sent, err := d.store.MarkTaskSent(task.ID, d.now())
	if err != nil {
		slog.Error("Dispatcher.dispatchOne: mark sent failed", "error", err, "taskID", task.ID)
		return outcomeDeferred
	}
	if !sent {
		slog.Error("Dispatcher.dispatchOne: claimed task no longer sending", "taskID", task.ID)
		return outcomeDeferred
	}
	d.logEvent(task.UserID, models.EventTaskSent, map[string]any{"taskID": task.ID, "type": string(task.Type)})
	slog.Info("Dispatcher.dispatchOne: task sent", "taskID", task.ID, "userID", task.UserID, "type", task.Type)
	return outcomeSent
}

// handleSendError sorts a delivery error for a claimed task into permanent
// (recipient blocked) or transient (everything else) handling. Transient
// failures with retry budget left release the claim back to scheduled.
func (d *Dispatcher) handleSendError(task models.Task, user *models.User, err error) outcome {
	if messaging.IsPermanent(err) {
		slog.Warn("Dispatcher.handleSendError: recipient blocked", "taskID", task.ID, "userID", user.ID)
		d.failTask(task, ResultCodeBlocked)
		if berr := d.store.SetUserBlocked(user.ID, true); berr != nil {
			slog.Error("Dispatcher.handleSendError: flag user blocked failed", "error", berr, "userID", user.ID)
		}
		return outcomeFailed
	}
	if !messaging.IsTransient(err) {
		slog.Warn("Dispatcher.handleSendError: unclassified send error, treating as transient",
			"taskID", task.ID, "error", err)
	}

	attempts, aerr := d.store.IncrementTaskAttempts(task.ID)
	if aerr != nil {
		slog.Error("Dispatcher.handleSendError: increment attempts failed", "error", aerr, "taskID", task.ID)
		attempts = task.Attempts + 1
	}
	if attempts >= d.cfg.MaxAttempts {
		slog.Warn("Dispatcher.handleSendError: retries exhausted", "taskID", task.ID, "attempts", attempts, "error", err)
		d.failTask(task, ResultCodeMaxAttempts)
		return outcomeFailed
	}
	if released, rerr := d.store.ReleaseTask(task.ID); rerr != nil {
		slog.Error("Dispatcher.handleSendError: release claim failed", "error", rerr, "taskID", task.ID)
	} else if !released {
		slog.Error("Dispatcher.handleSendError: claimed task no longer sending", "taskID", task.ID)
	}
	slog.Debug("Dispatcher.handleSendError: transient failure, will retry",
		"taskID", task.ID, "attempts", attempts, "error", err)
	return outcomeRetried
}

// atDailyCap re-checks the rolling sent cap at send time. Planning already
// respects the cap, but replies and immediate tasks created since the
// planning run can consume slots first.
func (d *Dispatcher) atDailyCap(userID string, taskType models.TaskType) (bool, error) {
	if !taskType.IsProactive() {
		return false, nil
	}
	prefs, err := d.store.GetPreferences(userID)
	if err != nil {
		return false, fmt.Errorf("load preferences failed: %w", err)
	}
	sent, err := d.store.CountSentSince(userID, d.now().Add(-d.cfg.DailyCapWindow), nil)
	if err != nil {
		return false, fmt.Errorf("count recent sends failed: %w", err)
	}
	return sent >= prefs.MaxContactsPerDay, nil
}

func (d *Dispatcher) failTask(task models.Task, resultCode string) {
	changed, err := d.store.MarkTaskFailed(task.ID, resultCode)
	if err != nil {
		slog.Error("Dispatcher.failTask: mark failed errored", "error", err, "taskID", task.ID)
		return
	}
	if changed {
		d.logEvent(task.UserID, models.EventTaskFailed, map[string]any{"taskID": task.ID, "resultCode": resultCode})
	}
}

func (d *Dispatcher) logEvent(userID, eventType string, meta map[string]any) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		slog.Error("Dispatcher.logEvent: marshal meta failed", "error", err, "eventType", eventType)
		metaJSON = []byte("{}")
	}
	if err := d.store.LogEvent(models.Event{
		ID:        util.GenerateEventID(),
		UserID:    userID,
		Type:      eventType,
		MetaJSON:  string(metaJSON),
		CreatedAt: d.now(),
	}); err != nil {
		slog.Error("Dispatcher.logEvent: log event failed", "error", err, "eventType", eventType, "userID", userID)
	}
}
