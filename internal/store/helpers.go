package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/ContactPipe/internal/models"
)

// DetectDSNType reports "postgres" for connection URLs and key=value DSNs,
// "sqlite" for plain file paths.
func DetectDSNType(dsn string) string {
	if strings.Contains(dsn, "postgres://") || strings.Contains(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// typesOrProactive substitutes the full proactive type set when the caller
// passes no explicit types.
func typesOrProactive(types []models.TaskType) []models.TaskType {
	if len(types) == 0 {
		return models.ProactiveTaskTypes
	}
	return types
}

// typeArgs converts task types to query arguments.
func typeArgs(types []models.TaskType) []interface{} {
	args := make([]interface{}, len(types))
	for i, t := range types {
		args[i] = string(t)
	}
	return args
}

// sqlitePlaceholders builds a "?, ?, ?" list of length n.
func sqlitePlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// postgresPlaceholders builds a "$start, $start+1, ..." list of length n.
func postgresPlaceholders(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

const taskColumns = "id, user_id, type, status, payload_json, scheduled_at, due_at, sent_at, attempts, result_code, created_at, updated_at"

// scanTask scans a Task from sql.Rows.
func scanTask(rows *sql.Rows) (models.Task, error) {
	var t models.Task
	var payloadJSON, resultCode sql.NullString
	var sentAt sql.NullTime
	err := rows.Scan(
		&t.ID, &t.UserID, &t.Type, &t.Status, &payloadJSON, &t.ScheduledAt,
		&t.DueAt, &sentAt, &t.Attempts, &resultCode, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, fmt.Errorf("scan task failed: %w", err)
	}
	t.PayloadJSON = payloadJSON.String
	t.ResultCode = resultCode.String
	if sentAt.Valid {
		t.SentAt = &sentAt.Time
	}
	return t, nil
}

// scanTaskRow scans a Task from a single sql.Row.
func scanTaskRow(row *sql.Row) (models.Task, error) {
	var t models.Task
	var payloadJSON, resultCode sql.NullString
	var sentAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.UserID, &t.Type, &t.Status, &payloadJSON, &t.ScheduledAt,
		&t.DueAt, &sentAt, &t.Attempts, &resultCode, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, err
	}
	t.PayloadJSON = payloadJSON.String
	t.ResultCode = resultCode.String
	if sentAt.Valid {
		t.SentAt = &sentAt.Time
	}
	return t, nil
}

const userColumns = "id, external_id, name, cadence_level, last_response_at, last_seen_at, stopped_reason, blocked, active, subscribed, free_actions_left, created_at"

// userScanner abstracts sql.Row and sql.Rows for user scanning.
type userScanner interface {
	Scan(dest ...interface{}) error
}

// scanUser scans a User from a row or rows cursor.
func scanUser(sc userScanner) (models.User, error) {
	var u models.User
	var name, stoppedReason sql.NullString
	var lastResponseAt, lastSeenAt sql.NullTime
	err := sc.Scan(
		&u.ID, &u.ExternalID, &name, &u.CadenceLevel, &lastResponseAt,
		&lastSeenAt, &stoppedReason, &u.Blocked, &u.Active, &u.Subscribed, &u.FreeActionsLeft, &u.CreatedAt,
	)
	if err != nil {
		return u, err
	}
	u.Name = name.String
	u.StoppedReason = stoppedReason.String
	if lastResponseAt.Valid {
		u.LastResponseAt = &lastResponseAt.Time
	}
	if lastSeenAt.Valid {
		u.LastSeenAt = &lastSeenAt.Time
	}
	return u, nil
}

// buildTaskFilterClause translates a TaskFilter into a WHERE clause using the
// given placeholder style ("?" when postgres is false).
func buildTaskFilterClause(f TaskFilter, postgres bool) (string, []interface{}) {
	var conds []string
	var args []interface{}
	ph := func() string {
		if postgres {
			return fmt.Sprintf("$%d", len(args))
		}
		return "?"
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		conds = append(conds, "user_id = "+ph())
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		conds = append(conds, "type = "+ph())
	}
	switch f.Status {
	case "":
		// no status condition
	case "due":
		// virtual status: still scheduled and past due
		args = append(args, time.Now())
		conds = append(conds, "status = 'scheduled' AND due_at <= "+ph())
	default:
		args = append(args, f.Status)
		conds = append(conds, "status = "+ph())
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
