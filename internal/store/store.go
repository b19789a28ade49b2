// Package store provides storage backends for ContactPipe.
//
// It defines the Store interface consumed by the cadence, planner, dispatch
// and tracker modules, with SQLite and PostgreSQL implementations plus an
// in-memory store for tests.
package store

import (
	"time"

	"github.com/BTreeMap/ContactPipe/internal/models"
)

// Opts holds configuration options for store construction.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store construction.
type Option func(*Opts)

// WithDSN sets the database DSN (file path for SQLite, connection URL for Postgres).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// TaskFilter selects tasks for ListTasks. Zero-valued fields are ignored.
// Status accepts the persisted statuses plus the virtual "due" predicate.
type TaskFilter struct {
	UserID string
	Status string
	Type   models.TaskType
	Limit  int
}

// Store is the durable source of truth for users, preferences, tasks,
// templates and events.
//
// All task status transitions are conditional on the current status and
// report whether a row actually changed, so overlapping poll cycles cannot
// apply the same transition twice.
type Store interface {
	// Users
	GetUser(id string) (*models.User, error)
	GetUserByExternalID(externalID string) (*models.User, error)
	ListActiveUsers() ([]models.User, error)
	SaveUser(u models.User) error
	SetCadenceLevel(userID string, level int, stoppedReason string) error
	RecordUserResponse(userID string, at time.Time) error
	UpdateLastSeen(userID string, at time.Time) error
	SetUserBlocked(userID string, blocked bool) error

	// Preferences. GetPreferences returns defaults when no row exists;
	// absent data is never an error.
	GetPreferences(userID string) (models.Preferences, error)
	SavePreferences(p models.Preferences) error

	// Tasks
	CreateTask(t models.Task) error
	GetTask(id string) (*models.Task, error)
	ListTasks(f TaskFilter) ([]models.Task, error)
	// DueTasks returns scheduled tasks with due_at <= now ordered by due_at
	// ascending, capped at limit.
	DueTasks(now time.Time, limit int) ([]models.Task, error)
	// PendingTaskTypes returns the set of types that currently have a
	// scheduled task for the user (planner dedupe).
	PendingTaskTypes(userID string) (map[models.TaskType]bool, error)
	// ClaimTask transitions scheduled -> sending, reserving the task for one
	// dispatch cycle before the delivery attempt. Returns false if the task
	// was no longer scheduled (already claimed or completed elsewhere).
	ClaimTask(id string, at time.Time) (bool, error)
	// ReleaseTask transitions sending -> scheduled, returning a claimed task
	// to the queue after a transient delivery failure.
	ReleaseTask(id string) (bool, error)
	// RecoverStaleClaims returns sending tasks last updated before cutoff to
	// scheduled, so claims abandoned by a crashed cycle are retried. Returns
	// the number recovered.
	RecoverStaleClaims(cutoff time.Time) (int, error)
	// MarkTaskSent transitions a scheduled or claimed (sending) task to sent.
	// Returns false if the task was already in a terminal state.
	MarkTaskSent(id string, at time.Time) (bool, error)
	// MarkTaskFailed transitions a scheduled or claimed (sending) task to
	// failed with a result code.
	MarkTaskFailed(id string, resultCode string) (bool, error)
	// MarkTaskReplied transitions sent -> replied.
	MarkTaskReplied(id string) (bool, error)
	// IncrementTaskAttempts bumps the transient-failure counter and returns
	// the new value.
	IncrementTaskAttempts(id string) (int, error)
	// CancelPendingTasks cancels all scheduled tasks of the given types for
	// the user and returns the number canceled. Empty types cancels every
	// pending task.
	CancelPendingTasks(userID string, types []models.TaskType) (int, error)
	// PostponePendingTasks moves due_at to now+offset for scheduled tasks of
	// the given types whose due_at lies in (now, now+horizon]. Returns the
	// number postponed.
	PostponePendingTasks(userID string, types []models.TaskType, now time.Time, horizon, offset time.Duration) (int, error)
	// CountSentSince counts tasks of the given types sent (or replied) to the
	// user at or after since. Empty types counts all proactive types.
	CountSentSince(userID string, since time.Time, types []models.TaskType) (int, error)
	// LastSentAt returns the most recent sent_at for the given type, or nil.
	LastSentAt(userID string, taskType models.TaskType) (*time.Time, error)
	// LastSentTask returns the most recently sent task among the given types,
	// or nil when the user has no sent history. Empty types means all
	// proactive types.
	LastSentTask(userID string, types []models.TaskType) (*models.Task, error)

	// Templates. Returns enabled templates for the type; tone filters when
	// non-empty.
	Templates(taskType models.TaskType, tone string) ([]models.Template, error)
	SaveTemplate(t models.Template) error

	// Events
	LogEvent(e models.Event) error
	ListEvents(userID string, limit int) ([]models.Event, error)

	Close() error
}
