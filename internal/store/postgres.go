// Package store provides storage backends for ContactPipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ContactPipe/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists all ContactPipe state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

// ---- Users ----

func (s *PostgresStore) GetUser(id string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUser failed", "error", err, "userID", id)
		return nil, fmt.Errorf("get user failed: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByExternalID(externalID string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUserByExternalID failed", "error", err, "externalID", externalID)
		return nil, fmt.Errorf("get user by external id failed: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) ListActiveUsers() ([]models.User, error) {
	rows, err := s.db.Query(`SELECT ` + userColumns + ` FROM users WHERE active = TRUE AND blocked = FALSE`)
	if err != nil {
		slog.Error("PostgresStore ListActiveUsers query failed", "error", err)
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
	return users, nil
}

func (s *PostgresStore) SaveUser(u models.User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, external_id, name, cadence_level, last_response_at, last_seen_at, stopped_reason, blocked, active, subscribed, free_actions_left, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   external_id = EXCLUDED.external_id,
		   name = EXCLUDED.name,
		   cadence_level = EXCLUDED.cadence_level,
		   last_response_at = EXCLUDED.last_response_at,
		   last_seen_at = EXCLUDED.last_seen_at,
		   stopped_reason = EXCLUDED.stopped_reason,
		   blocked = EXCLUDED.blocked,
		   active = EXCLUDED.active,
		   subscribed = EXCLUDED.subscribed,
		   free_actions_left = EXCLUDED.free_actions_left`,
		u.ID, u.ExternalID, nilIfEmpty(u.Name), u.CadenceLevel, u.LastResponseAt,
		u.LastSeenAt, nilIfEmpty(u.StoppedReason), u.Blocked, u.Active, u.Subscribed, u.FreeActionsLeft, u.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveUser failed", "error", err, "userID", u.ID)
		return fmt.Errorf("save user failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetCadenceLevel(userID string, level int, stoppedReason string) error {
	res, err := s.db.Exec(
		`UPDATE users SET cadence_level = $1, stopped_reason = $2 WHERE id = $3`,
		level, nilIfEmpty(stoppedReason), userID,
	)
	if err != nil {
		slog.Error("PostgresStore SetCadenceLevel failed", "error", err, "userID", userID)
		return fmt.Errorf("set cadence level failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) RecordUserResponse(userID string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE users SET last_response_at = $1, cadence_level = 1, stopped_reason = NULL WHERE id = $2`,
		at, userID,
	)
	if err != nil {
		slog.Error("PostgresStore RecordUserResponse failed", "error", err, "userID", userID)
		return fmt.Errorf("record user response failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateLastSeen(userID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE users SET last_seen_at = $1 WHERE id = $2`, at, userID)
	if err != nil {
		slog.Error("PostgresStore UpdateLastSeen failed", "error", err, "userID", userID)
		return fmt.Errorf("update last seen failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetUserBlocked(userID string, blocked bool) error {
	_, err := s.db.Exec(`UPDATE users SET blocked = $1 WHERE id = $2`, blocked, userID)
	if err != nil {
		slog.Error("PostgresStore SetUserBlocked failed", "error", err, "userID", userID)
		return fmt.Errorf("set user blocked failed: %w", err)
	}
	return nil
}

// ---- Preferences ----

func (s *PostgresStore) GetPreferences(userID string) (models.Preferences, error) {
	var p models.Preferences
	err := s.db.QueryRow(
		`SELECT user_id, quiet_start_minutes, quiet_end_minutes, timezone, max_contacts_per_day, allow_proactive, postpone_hours
		 FROM preferences WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.QuietStartMinutes, &p.QuietEndMinutes, &p.Timezone, &p.MaxContactsPerDay, &p.AllowProactive, &p.PostponeHours)
	if err == sql.ErrNoRows {
		return models.DefaultPreferences(userID), nil
	}
	if err != nil {
		slog.Error("PostgresStore GetPreferences failed", "error", err, "userID", userID)
		return models.Preferences{}, fmt.Errorf("get preferences failed: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) SavePreferences(p models.Preferences) error {
	_, err := s.db.Exec(
		`INSERT INTO preferences (user_id, quiet_start_minutes, quiet_end_minutes, timezone, max_contacts_per_day, allow_proactive, postpone_hours)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO UPDATE SET
		   quiet_start_minutes = EXCLUDED.quiet_start_minutes,
		   quiet_end_minutes = EXCLUDED.quiet_end_minutes,
		   timezone = EXCLUDED.timezone,
		   max_contacts_per_day = EXCLUDED.max_contacts_per_day,
		   allow_proactive = EXCLUDED.allow_proactive,
		   postpone_hours = EXCLUDED.postpone_hours`,
		p.UserID, p.QuietStartMinutes, p.QuietEndMinutes, p.Timezone, p.MaxContactsPerDay, p.AllowProactive, p.PostponeHours,
	)
	if err != nil {
		slog.Error("PostgresStore SavePreferences failed", "error", err, "userID", p.UserID)
		return fmt.Errorf("save preferences failed: %w", err)
	}
	return nil
}

// ---- Tasks ----

func (s *PostgresStore) CreateTask(t models.Task) error {
	_, err := s.db.Exec(
		`INSERT INTO tasks (`+taskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.UserID, string(t.Type), string(t.Status), nilIfEmpty(t.PayloadJSON),
		t.ScheduledAt, t.DueAt, t.SentAt, t.Attempts, nilIfEmpty(t.ResultCode), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateTask failed", "error", err, "taskID", t.ID, "userID", t.UserID)
		return fmt.Errorf("create task failed: %w", err)
	}
	slog.Debug("PostgresStore CreateTask succeeded", "taskID", t.ID, "type", t.Type, "dueAt", t.DueAt)
	return nil
}

func (s *PostgresStore) GetTask(id string) (*models.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetTask failed", "error", err, "taskID", id)
		return nil, fmt.Errorf("get task failed: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) ListTasks(f TaskFilter) ([]models.Task, error) {
	clause, args := buildTaskFilterClause(f, true)
	query := `SELECT ` + taskColumns + ` FROM tasks` + clause + ` ORDER BY due_at ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListTasks query failed", "error", err)
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

func (s *PostgresStore) DueTasks(now time.Time, limit int) ([]models.Task, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'scheduled' AND due_at <= $1
		 ORDER BY due_at ASC LIMIT $2`,
		now, limit,
	)
	if err != nil {
		slog.Error("PostgresStore DueTasks query failed", "error", err)
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

func (s *PostgresStore) PendingTaskTypes(userID string) (map[models.TaskType]bool, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT type FROM tasks WHERE user_id = $1 AND status = 'scheduled'`, userID,
	)
	if err != nil {
		slog.Error("PostgresStore PendingTaskTypes query failed", "error", err, "userID", userID)
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

func (s *PostgresStore) ClaimTask(id string, at time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'sending', updated_at = $1 WHERE id = $2 AND status = 'scheduled'`,
		at, id,
	)
	if err != nil {
		slog.Error("PostgresStore ClaimTask failed", "error", err, "taskID", id)
		return false, fmt.Errorf("claim task failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) ReleaseTask(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'scheduled', updated_at = $1 WHERE id = $2 AND status = 'sending'`,
		time.Now(), id,
	)
	if err != nil {
		slog.Error("PostgresStore ReleaseTask failed", "error", err, "taskID", id)
		return false, fmt.Errorf("release task failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) RecoverStaleClaims(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'scheduled', updated_at = $1 WHERE status = 'sending' AND updated_at < $2`,
		time.Now(), cutoff,
	)
	if err != nil {
		slog.Error("PostgresStore RecoverStaleClaims failed", "error", err)
		return 0, fmt.Errorf("recover stale claims failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) MarkTaskSent(id string, at time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'sent', sent_at = $1, updated_at = $1 WHERE id = $2 AND status IN ('scheduled', 'sending')`,
		at, id,
	)
	if err != nil {
		slog.Error("PostgresStore MarkTaskSent failed", "error", err, "taskID", id)
		return false, fmt.Errorf("mark task sent failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) MarkTaskFailed(id string, resultCode string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'failed', result_code = $1, updated_at = $2 WHERE id = $3 AND status IN ('scheduled', 'sending')`,
		nilIfEmpty(resultCode), time.Now(), id,
	)
	if err != nil {
		slog.Error("PostgresStore MarkTaskFailed failed", "error", err, "taskID", id)
		return false, fmt.Errorf("mark task failed failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) MarkTaskReplied(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'replied', updated_at = $1 WHERE id = $2 AND status = 'sent'`,
		time.Now(), id,
	)
	if err != nil {
		slog.Error("PostgresStore MarkTaskReplied failed", "error", err, "taskID", id)
		return false, fmt.Errorf("mark task replied failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) IncrementTaskAttempts(id string) (int, error) {
	var attempts int
	err := s.db.QueryRow(
		`UPDATE tasks SET attempts = attempts + 1, updated_at = $1 WHERE id = $2 RETURNING attempts`,
		time.Now(), id,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("increment attempts failed: %w", err)
	}
	return attempts, nil
}

func (s *PostgresStore) CancelPendingTasks(userID string, types []models.TaskType) (int, error) {
	query := `UPDATE tasks SET status = 'canceled', updated_at = $1 WHERE user_id = $2 AND status = 'scheduled'`
	args := []interface{}{time.Now(), userID}
	if len(types) > 0 {
		query += ` AND type IN (` + postgresPlaceholders(len(args)+1, len(types)) + `)`
		args = append(args, typeArgs(types)...)
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		slog.Error("PostgresStore CancelPendingTasks failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("cancel pending tasks failed: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("PostgresStore CancelPendingTasks succeeded", "userID", userID, "canceled", n)
	return int(n), nil
}

func (s *PostgresStore) PostponePendingTasks(userID string, types []models.TaskType, now time.Time, horizon, offset time.Duration) (int, error) {
	types = typesOrProactive(types)
	query := `UPDATE tasks SET due_at = $1, updated_at = $2
		 WHERE user_id = $3 AND status = 'scheduled'
		 AND due_at > $4 AND due_at <= $5
		 AND type IN (` + postgresPlaceholders(6, len(types)) + `)`
	args := []interface{}{now.Add(offset), now, userID, now, now.Add(horizon)}
	args = append(args, typeArgs(types)...)
	res, err := s.db.Exec(query, args...)
	if err != nil {
		slog.Error("PostgresStore PostponePendingTasks failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("postpone pending tasks failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) CountSentSince(userID string, since time.Time, types []models.TaskType) (int, error) {
	types = typesOrProactive(types)
	query := `SELECT COUNT(*) FROM tasks
		 WHERE user_id = $1 AND status IN ('sent', 'replied') AND sent_at >= $2
		 AND type IN (` + postgresPlaceholders(3, len(types)) + `)`
	args := []interface{}{userID, since}
	args = append(args, typeArgs(types)...)
	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		slog.Error("PostgresStore CountSentSince failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("count sent since failed: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) LastSentAt(userID string, taskType models.TaskType) (*time.Time, error) {
	var sentAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT MAX(sent_at) FROM tasks
		 WHERE user_id = $1 AND type = $2 AND status IN ('sent', 'replied')`,
		userID, string(taskType),
	).Scan(&sentAt)
	if err != nil {
		slog.Error("PostgresStore LastSentAt failed", "error", err, "userID", userID, "type", taskType)
		return nil, fmt.Errorf("last sent at failed: %w", err)
	}
	if !sentAt.Valid {
		return nil, nil
	}
	return &sentAt.Time, nil
}

func (s *PostgresStore) LastSentTask(userID string, types []models.TaskType) (*models.Task, error) {
	types = typesOrProactive(types)
	query := `SELECT ` + taskColumns + ` FROM tasks
		 WHERE user_id = $1 AND status = 'sent' AND sent_at IS NOT NULL
		 AND type IN (` + postgresPlaceholders(2, len(types)) + `)
		 ORDER BY sent_at DESC LIMIT 1`
	args := []interface{}{userID}
	args = append(args, typeArgs(types)...)
	row := s.db.QueryRow(query, args...)
	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LastSentTask failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("last sent task failed: %w", err)
	}
	return &t, nil
}

// ---- Templates ----

func (s *PostgresStore) Templates(taskType models.TaskType, tone string) ([]models.Template, error) {
	query := `SELECT id, type, tone, text, weight, enabled FROM templates WHERE type = $1 AND enabled = TRUE`
	args := []interface{}{string(taskType)}
	if tone != "" {
		query += ` AND tone = $2`
		args = append(args, tone)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore Templates query failed", "error", err, "type", taskType)
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

func (s *PostgresStore) SaveTemplate(t models.Template) error {
	_, err := s.db.Exec(
		`INSERT INTO templates (id, type, tone, text, weight, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   type = EXCLUDED.type,
		   tone = EXCLUDED.tone,
		   text = EXCLUDED.text,
		   weight = EXCLUDED.weight,
		   enabled = EXCLUDED.enabled`,
		t.ID, string(t.Type), nilIfEmpty(t.Tone), t.Text, t.Weight, t.Enabled,
	)
	if err != nil {
		slog.Error("PostgresStore SaveTemplate failed", "error", err, "templateID", t.ID)
		return fmt.Errorf("save template failed: %w", err)
	}
	return nil
}

// ---- Events ----

func (s *PostgresStore) LogEvent(e models.Event) error {
	_, err := s.db.Exec(
		`INSERT INTO events (id, user_id, type, meta_json, created_at) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.UserID, e.Type, nilIfEmpty(e.MetaJSON), e.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore LogEvent failed", "error", err, "eventType", e.Type, "userID", e.UserID)
		return fmt.Errorf("log event failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(userID string, limit int) ([]models.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, type, meta_json, created_at FROM events
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		slog.Error("PostgresStore ListEvents query failed", "error", err, "userID", userID)
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
