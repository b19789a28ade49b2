// Package models defines the core data structures for ContactPipe.
//
// It includes types for users, proactive contact tasks, message templates,
// user preferences, and analytics events, which are shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// TaskType identifies the kind of proactive contact a task delivers.
type TaskType string

const (
	// TaskTypePing is a warm check-in message.
	TaskTypePing TaskType = "PING"
	// TaskTypeNudge is a soft subscription-upsell contact.
	TaskTypeNudge TaskType = "NUDGE"
	// TaskTypeDailyPrompt invites the user to request their daily message.
	TaskTypeDailyPrompt TaskType = "DAILY_PROMPT"
	// TaskTypeDailyPush delivers generated daily content directly.
	TaskTypeDailyPush TaskType = "DAILY_PUSH"
	// TaskTypeRecovery re-engages a user who has gone quiet.
	TaskTypeRecovery TaskType = "RECOVERY"
	// TaskTypeLimitInfo warns the user about remaining free actions.
	TaskTypeLimitInfo TaskType = "LIMIT_INFO"
	// TaskTypePostConversion thanks a user shortly after purchasing.
	TaskTypePostConversion TaskType = "POST_CONVERSION"
	// TaskTypeFarewell is the single goodbye sent when cadence stops.
	TaskTypeFarewell TaskType = "FAREWELL"
	// TaskTypeThanks is an immediate reaction to a user message.
	TaskTypeThanks TaskType = "THANKS"
	// TaskTypeReact is an immediate lightweight reaction.
	TaskTypeReact TaskType = "REACT"
)

// ProactiveTaskTypes lists the contact kinds that count against the daily
// contact cap and are subject to cadence gating. THANKS and REACT are
// immediate reactions and excluded.
var ProactiveTaskTypes = []TaskType{
	TaskTypePing, TaskTypeNudge, TaskTypeDailyPrompt, TaskTypeDailyPush,
	TaskTypeRecovery, TaskTypeLimitInfo, TaskTypePostConversion,
}

// IsProactive reports whether the task type counts against the daily cap.
func (t TaskType) IsProactive() bool {
	for _, p := range ProactiveTaskTypes {
		if t == p {
			return true
		}
	}
	return false
}

// IsValidTaskType checks if the given task type is supported.
func IsValidTaskType(t TaskType) bool {
	switch t {
	case TaskTypePing, TaskTypeNudge, TaskTypeDailyPrompt, TaskTypeDailyPush,
		TaskTypeRecovery, TaskTypeLimitInfo, TaskTypePostConversion,
		TaskTypeFarewell, TaskTypeThanks, TaskTypeReact:
		return true
	default:
		return false
	}
}

// TaskStatus represents the lifecycle state of a task.
//
// "due" is not a persisted state: a task is due once it is still scheduled
// and its DueAt has passed. The dispatcher evaluates that predicate lazily.
type TaskStatus string

const (
	TaskStatusScheduled TaskStatus = "scheduled"
	// TaskStatusSending marks a task claimed by one dispatch cycle while the
	// delivery attempt is in flight. Claims abandoned by a crashed cycle are
	// returned to scheduled by stale-claim recovery.
	TaskStatusSending  TaskStatus = "sending"
	TaskStatusSent     TaskStatus = "sent"
	TaskStatusReplied  TaskStatus = "replied"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusCanceled TaskStatus = "canceled"
)

// Task represents a scheduled proactive contact for a single user.
type Task struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Type        TaskType   `json:"type"`
	Status      TaskStatus `json:"status"`
	PayloadJSON string     `json:"payload_json,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	DueAt       time.Time  `json:"due_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	Attempts    int        `json:"attempts"`
	ResultCode  string     `json:"result_code,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsDue reports whether the task is eligible for dispatch at the given time.
func (t Task) IsDue(now time.Time) bool {
	return t.Status == TaskStatusScheduled && !t.DueAt.After(now)
}

// Payload decodes the task payload into a generic map. A missing payload
// yields an empty map, never an error.
func (t Task) Payload() (map[string]any, error) {
	if t.PayloadJSON == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(t.PayloadJSON), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// User represents an engagement record for one contactable user.
type User struct {
	ID              string     `json:"id"`
	ExternalID      string     `json:"external_id"` // channel-level recipient identifier
	Name            string     `json:"name,omitempty"`
	CadenceLevel    int        `json:"cadence_level"`
	LastResponseAt  *time.Time `json:"last_response_at,omitempty"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	StoppedReason   string     `json:"stopped_reason,omitempty"`
	Blocked         bool       `json:"blocked"`
	Active          bool       `json:"active"`
	Subscribed      bool       `json:"subscribed"`
	FreeActionsLeft int        `json:"free_actions_left"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Preferences holds per-user contact preferences.
//
// Quiet hours are stored as minutes since local midnight so windows that
// cross midnight (e.g. 22:00-08:00) are representable without special cases.
type Preferences struct {
	UserID            string `json:"user_id"`
	QuietStartMinutes int    `json:"quiet_start_minutes"`
	QuietEndMinutes   int    `json:"quiet_end_minutes"`
	Timezone          string `json:"timezone"`
	MaxContactsPerDay int    `json:"max_contacts_per_day"`
	AllowProactive    bool   `json:"allow_proactive"`
	PostponeHours     int    `json:"postpone_hours"`
}

// DefaultPreferences returns the preference record used for users who have
// not customized anything: quiet 22:00-08:00, UTC, 3 contacts/day,
// proactive contact allowed, 24h postpone-on-reply.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:            userID,
		QuietStartMinutes: 22 * 60,
		QuietEndMinutes:   8 * 60,
		Timezone:          "UTC",
		MaxContactsPerDay: 3,
		AllowProactive:    true,
		PostponeHours:     24,
	}
}

// Template is a message template for one task type and tone.
type Template struct {
	ID      string   `json:"id"`
	Type    TaskType `json:"type"`
	Tone    string   `json:"tone,omitempty"`
	Text    string   `json:"text"`
	Weight  int      `json:"weight"`
	Enabled bool     `json:"enabled"`
}

// Event is an analytics event recorded for operational review.
type Event struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	MetaJSON  string    `json:"meta_json,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Event types emitted by the cadence, planner, dispatch and tracker modules.
const (
	EventCadenceLevelChanged = "cadence_level_changed"
	EventCadenceRestored     = "cadence_restored"
	EventCadenceStopped      = "cadence_stopped"
	EventTaskCreated         = "task_created"
	EventTaskSent            = "task_sent"
	EventTaskFailed          = "task_failed"
	EventTasksCanceled       = "tasks_canceled"
	EventTasksPostponed      = "tasks_postponed"
	EventInboundReply        = "inbound_reply"
	EventInboundActivity     = "inbound_activity"
)

// Error variables for better error handling and testability
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrInvalidTaskType = errors.New("invalid task type")
	ErrEmptyUserID     = errors.New("user id cannot be empty")
)

// Validate checks structural validity of a task before insertion.
func (t Task) Validate() error {
	if t.UserID == "" {
		return ErrEmptyUserID
	}
	if !IsValidTaskType(t.Type) {
		return ErrInvalidTaskType
	}
	return nil
}
