// Package store provides storage backends for ContactPipe.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/ContactPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists all ContactPipe state in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// ---- Users ----

func (s *SQLiteStore) GetUser(id string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUser failed", "error", err, "userID", id)
		return nil, fmt.Errorf("get user failed: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) GetUserByExternalID(externalID string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE external_id = ?`, externalID)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUserByExternalID failed", "error", err, "externalID", externalID)
		return nil, fmt.Errorf("get user by external id failed: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) ListActiveUsers() ([]models.User, error) {
	rows, err := s.db.Query(`SELECT ` + userColumns + ` FROM users WHERE active = 1 AND blocked = 0`)
	if err != nil {
		slog.Error("SQLiteStore ListActiveUsers query failed", "error", err)
		return nil, fmt.Errorf("list active users failed: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user failed: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users failed: %w", err)
	}
	slog.Debug("SQLiteStore ListActiveUsers succeeded", "count", len(users))
	return users, nil
}

func (s *SQLiteStore) SaveUser(u models.User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, external_id, name, cadence_level, last_response_at, last_seen_at, stopped_reason, blocked, active, subscribed, free_actions_left, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   external_id = excluded.external_id,
		   name = excluded.name,
		   cadence_level = excluded.cadence_level,
		   last_response_at = excluded.last_response_at,
		   last_seen_at = excluded.last_seen_at,
		   stopped_reason = excluded.stopped_reason,
		   blocked = excluded.blocked,
		   active = excluded.active,
		   subscribed = excluded.subscribed,
		   free_actions_left = excluded.free_actions_left`,
		u.ID, u.ExternalID, nilIfEmpty(u.Name), u.CadenceLevel, u.LastResponseAt,
		u.LastSeenAt, nilIfEmpty(u.StoppedReason), u.Blocked, u.Active, u.Subscribed, u.FreeActionsLeft, u.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveUser failed", "error", err, "userID", u.ID)
		return fmt.Errorf("save user failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetCadenceLevel(userID string, level int, stoppedReason string) error {
	res, err := s.db.Exec(
		`UPDATE users SET cadence_level = ?, stopped_reason = ? WHERE id = ?`,
		level, nilIfEmpty(stoppedReason), userID,
	)
	if err != nil {
		slog.Error("SQLiteStore SetCadenceLevel failed", "error", err, "userID", userID)
		return fmt.Errorf("set cadence level failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

func (s *SQLiteStore) RecordUserResponse(userID string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE users SET last_response_at = ?, cadence_level = 1, stopped_reason = NULL WHERE id = ?`,
		at, userID,
	)
	if err != nil {
		slog.Error("SQLiteStore RecordUserResponse failed", "error", err, "userID", userID)
		return fmt.Errorf("record user response failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateLastSeen(userID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE users SET last_seen_at = ? WHERE id = ?`, at, userID)
	if err != nil {
		slog.Error("SQLiteStore UpdateLastSeen failed", "error", err, "userID", userID)
		return fmt.Errorf("update last seen failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetUserBlocked(userID string, blocked bool) error {
	_, err := s.db.Exec(`UPDATE users SET blocked = ? WHERE id = ?`, blocked, userID)
	if err != nil {
		slog.Error("SQLiteStore SetUserBlocked failed", "error", err, "userID", userID)
		return fmt.Errorf("set user blocked failed: %w", err)
	}
	return nil
}

// ---- Preferences ----

func (s *SQLiteStore) GetPreferences(userID string) (models.Preferences, error) {
	var p models.Preferences
	err := s.db.QueryRow(
		`SELECT user_id, quiet_start_minutes, quiet_end_minutes, timezone, max_contacts_per_day, allow_proactive, postpone_hours
		 FROM preferences WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.QuietStartMinutes, &p.QuietEndMinutes, &p.Timezone, &p.MaxContactsPerDay, &p.AllowProactive, &p.PostponeHours)
	if err == sql.ErrNoRows {
		return models.DefaultPreferences(userID), nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetPreferences failed", "error", err, "userID", userID)
		return models.Preferences{}, fmt.Errorf("get preferences failed: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) SavePreferences(p models.Preferences) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO preferences (user_id, quiet_start_minutes, quiet_end_minutes, timezone, max_contacts_per_day, allow_proactive, postpone_hours)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.QuietStartMinutes, p.QuietEndMinutes, p.Timezone, p.MaxContactsPerDay, p.AllowProactive, p.PostponeHours,
	)
	if err != nil {
		slog.Error("SQLiteStore SavePreferences failed", "error", err, "userID", p.UserID)
		return fmt.Errorf("save preferences failed: %w", err)
	}
	return nil
}

// ---- Tasks ----

func (s *SQLiteStore) CreateTask(t models.Task) error {
	_, err := s.db.Exec(
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, string(t.Type), string(t.Status), nilIfEmpty(t.PayloadJSON),
		t.ScheduledAt, t.DueAt, t.SentAt, t.Attempts, nilIfEmpty(t.ResultCode), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateTask failed", "error", err, "taskID", t.ID, "userID", t.UserID)
		return fmt.Errorf("create task failed: %w", err)
	}
	slog.Debug("SQLiteStore CreateTask succeeded", "taskID", t.ID, "type", t.Type, "dueAt", t.DueAt)
	return nil
}

func (s *SQLiteStore) GetTask(id string) (*models.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetTask failed", "error", err, "taskID", id)
		return nil, fmt.Errorf("get task failed: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) ListTasks(f TaskFilter) ([]models.Task, error) {
	clause, args := buildTaskFilterClause(f, false)
	query := `SELECT ` + taskColumns + ` FROM tasks` + clause + ` ORDER BY due_at ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT ?`
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListTasks query failed", "error", err)
		return nil, fmt.Errorf("list tasks failed: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks failed: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) DueTasks(now time.Time, limit int) ([]models.Task, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'scheduled' AND due_at <= ?
		 ORDER BY due_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore DueTasks query failed", "error", err)
		return nil, fmt.Errorf("due tasks query failed: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due tasks iteration failed: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) PendingTaskTypes(userID string) (map[models.TaskType]bool, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT type FROM tasks WHERE user_id = ? AND status = 'scheduled'`, userID,
	)
	if err != nil {
		slog.Error("SQLiteStore PendingTaskTypes query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("pending task types failed: %w", err)
	}
	defer rows.Close()

	pending := make(map[models.TaskType]bool)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan pending type failed: %w", err)
		}
		pending[models.TaskType(t)] = true
	}
	return pending, rows.Err()
}

func (s *SQLiteStore) ClaimTask(id string, at time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'sending', updated_at = ? WHERE id = ? AND status = 'scheduled'`,
		at, id,
	)
	if err != nil {
		slog.Error("SQLiteStore ClaimTask failed", "error", err, "taskID", id)
		return false, fmt.Errorf("claim task failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseTask(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'scheduled', updated_at = ? WHERE id = ? AND status = 'sending'`,
		time.Now(), id,
	)
	if err != nil {
		slog.Error("SQLiteStore ReleaseTask failed", "error", err, "taskID", id)
		return false, fmt.Errorf("release task failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) RecoverStaleClaims(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'scheduled', updated_at = ? WHERE status = 'sending' AND updated_at < ?`,
		time.Now(), cutoff,
	)
	if err != nil {
		slog.Error("SQLiteStore RecoverStaleClaims failed", "error", err)
		return 0, fmt.Errorf("recover stale claims failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) MarkTaskSent(id string, at time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'sent', sent_at = ?, updated_at = ? WHERE id = ? AND status IN ('scheduled', 'sending')`,
		at, at, id,
	)
	if err != nil {
		slog.Error("SQLiteStore MarkTaskSent failed", "error", err, "taskID", id)
		return false, fmt.Errorf("mark task sent failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) MarkTaskFailed(id string, resultCode string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'failed', result_code = ?, updated_at = ? WHERE id = ? AND status IN ('scheduled', 'sending')`,
		nilIfEmpty(resultCode), time.Now(), id,
	)
	if err != nil {
		slog.Error("SQLiteStore MarkTaskFailed failed", "error", err, "taskID", id)
		return false, fmt.Errorf("mark task failed failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) MarkTaskReplied(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'replied', updated_at = ? WHERE id = ? AND status = 'sent'`,
		time.Now(), id,
	)
	if err != nil {
		slog.Error("SQLiteStore MarkTaskReplied failed", "error", err, "taskID", id)
		return false, fmt.Errorf("mark task replied failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) IncrementTaskAttempts(id string) (int, error) {
	_, err := s.db.Exec(
		`UPDATE tasks SET attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		time.Now(), id,
	)
	if err != nil {
		return 0, fmt.Errorf("increment attempts failed: %w", err)
	}
	var attempts int
	if err := s.db.QueryRow(`SELECT attempts FROM tasks WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read attempts failed: %w", err)
	}
	return attempts, nil
}

func (s *SQLiteStore) CancelPendingTasks(userID string, types []models.TaskType) (int, error) {
	query := `UPDATE tasks SET status = 'canceled', updated_at = ? WHERE user_id = ? AND status = 'scheduled'`
	args := []interface{}{time.Now(), userID}
	if len(types) > 0 {
		query += ` AND type IN (` + sqlitePlaceholders(len(types)) + `)`
		args = append(args, typeArgs(types)...)
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		slog.Error("SQLiteStore CancelPendingTasks failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("cancel pending tasks failed: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("SQLiteStore CancelPendingTasks succeeded", "userID", userID, "canceled", n)
	return int(n), nil
}

func (s *SQLiteStore) PostponePendingTasks(userID string, types []models.TaskType, now time.Time, horizon, offset time.Duration) (int, error) {
	types = typesOrProactive(types)
	query := `UPDATE tasks SET due_at = ?, updated_at = ?
		 WHERE user_id = ? AND status = 'scheduled'
		 AND due_at > ? AND due_at <= ?
		 AND type IN (` + sqlitePlaceholders(len(types)) + `)`
	args := []interface{}{now.Add(offset), now, userID, now, now.Add(horizon)}
	args = append(args, typeArgs(types)...)
	res, err := s.db.Exec(query, args...)
	if err != nil {
		slog.Error("SQLiteStore PostponePendingTasks failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("postpone pending tasks failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) CountSentSince(userID string, since time.Time, types []models.TaskType) (int, error) {
	types = typesOrProactive(types)
	query := `SELECT COUNT(*) FROM tasks
		 WHERE user_id = ? AND status IN ('sent', 'replied') AND sent_at >= ?
		 AND type IN (` + sqlitePlaceholders(len(types)) + `)`
	args := []interface{}{userID, since}
	args = append(args, typeArgs(types)...)
	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		slog.Error("SQLiteStore CountSentSince failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("count sent since failed: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) LastSentAt(userID string, taskType models.TaskType) (*time.Time, error) {
	var sentAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT MAX(sent_at) FROM tasks
		 WHERE user_id = ? AND type = ? AND status IN ('sent', 'replied')`,
		userID, string(taskType),
	).Scan(&sentAt)
	if err != nil {
		slog.Error("SQLiteStore LastSentAt failed", "error", err, "userID", userID, "type", taskType)
		return nil, fmt.Errorf("last sent at failed: %w", err)
	}
	if !sentAt.Valid {
		return nil, nil
	}
	return &sentAt.Time, nil
}

func (s *SQLiteStore) LastSentTask(userID string, types []models.TaskType) (*models.Task, error) {
	types = typesOrProactive(types)
	query := `SELECT ` + taskColumns + ` FROM tasks
		 WHERE user_id = ? AND status = 'sent' AND sent_at IS NOT NULL
		 AND type IN (` + sqlitePlaceholders(len(types)) + `)
		 ORDER BY sent_at DESC LIMIT 1`
	args := []interface{}{userID}
	args = append(args, typeArgs(types)...)
	row := s.db.QueryRow(query, args...)
	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LastSentTask failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("last sent task failed: %w", err)
	}
	return &t, nil
}

// ---- Templates ----

func (s *SQLiteStore) Templates(taskType models.TaskType, tone string) ([]models.Template, error) {
	query := `SELECT id, type, tone, text, weight, enabled FROM templates WHERE type = ? AND enabled = 1`
	args := []interface{}{string(taskType)}
	if tone != "" {
		query += ` AND tone = ?`
		args = append(args, tone)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore Templates query failed", "error", err, "type", taskType)
		return nil, fmt.Errorf("templates query failed: %w", err)
	}
	defer rows.Close()

	var templates []models.Template
	for rows.Next() {
		var t models.Template
		var tmplTone sql.NullString
		if err := rows.Scan(&t.ID, &t.Type, &tmplTone, &t.Text, &t.Weight, &t.Enabled); err != nil {
			return nil, fmt.Errorf("scan template failed: %w", err)
		}
		t.Tone = tmplTone.String
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func (s *SQLiteStore) SaveTemplate(t models.Template) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO templates (id, type, tone, text, weight, enabled) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Type), nilIfEmpty(t.Tone), t.Text, t.Weight, t.Enabled,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveTemplate failed", "error", err, "templateID", t.ID)
		return fmt.Errorf("save template failed: %w", err)
	}
	return nil
}

// ---- Events ----

func (s *SQLiteStore) LogEvent(e models.Event) error {
	_, err := s.db.Exec(
		`INSERT INTO events (id, user_id, type, meta_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Type, nilIfEmpty(e.MetaJSON), e.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore LogEvent failed", "error", err, "eventType", e.Type, "userID", e.UserID)
		return fmt.Errorf("log event failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(userID string, limit int) ([]models.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, type, meta_json, created_at FROM events
		 WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore ListEvents query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("list events failed: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		var meta sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event failed: %w", err)
		}
		e.MetaJSON = meta.String
		events = append(events, e)
	}
	return events, rows.Err()
}
