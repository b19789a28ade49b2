// Package store provides storage backends for ContactPipe.
//
// This file implements an in-memory store used by tests and local development.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ContactPipe/internal/models"
)

// InMemoryStore is a mutex-protected in-memory implementation of Store.
type InMemoryStore struct {
	mu        sync.RWMutex
	users     map[string]models.User
	prefs     map[string]models.Preferences
	tasks     map[string]models.Task
	templates map[string]models.Template
	events    []models.Event
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:     make(map[string]models.User),
		prefs:     make(map[string]models.Preferences),
		tasks:     make(map[string]models.Task),
		templates: make(map[string]models.Template),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func typeSet(types []models.TaskType) map[models.TaskType]bool {
	set := make(map[models.TaskType]bool, len(types))
	for _, t := range typesOrProactive(types) {
		set[t] = true
	}
	return set
}

// ---- Users ----

func (s *InMemoryStore) GetUser(id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *InMemoryStore) GetUserByExternalID(externalID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ExternalID == externalID {
			return &u, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListActiveUsers() ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var users []models.User
	for _, u := range s.users {
		if u.Active && !u.Blocked {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *InMemoryStore) SaveUser(u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *InMemoryStore) SetCadenceLevel(userID string, level int, stoppedReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.ErrUserNotFound
	}
	u.CadenceLevel = level
	u.StoppedReason = stoppedReason
	s.users[userID] = u
	return nil
}

func (s *InMemoryStore) RecordUserResponse(userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.ErrUserNotFound
	}
	at2 := at
	u.LastResponseAt = &at2
	u.CadenceLevel = 1
	u.StoppedReason = ""
	s.users[userID] = u
	return nil
}

func (s *InMemoryStore) UpdateLastSeen(userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.ErrUserNotFound
	}
	at2 := at
	u.LastSeenAt = &at2
	s.users[userID] = u
	return nil
}

func (s *InMemoryStore) SetUserBlocked(userID string, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.ErrUserNotFound
	}
	u.Blocked = blocked
	s.users[userID] = u
	return nil
}

// ---- Preferences ----

func (s *InMemoryStore) GetPreferences(userID string) (models.Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.prefs[userID]; ok {
		return p, nil
	}
	return models.DefaultPreferences(userID), nil
}

func (s *InMemoryStore) SavePreferences(p models.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.UserID] = p
	return nil
}

// ---- Tasks ----

func (s *InMemoryStore) CreateTask(t models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

func (s *InMemoryStore) GetTask(id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *InMemoryStore) ListTasks(f TaskFilter) ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var tasks []models.Task
	for _, t := range s.tasks {
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		switch f.Status {
		case "":
		case "due":
			if !t.IsDue(now) {
				continue
			}
		default:
			if string(t.Status) != f.Status {
				continue
			}
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].DueAt.Before(tasks[j].DueAt) })
	if f.Limit > 0 && len(tasks) > f.Limit {
		tasks = tasks[:f.Limit]
	}
	return tasks, nil
}

func (s *InMemoryStore) DueTasks(now time.Time, limit int) ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []models.Task
	for _, t := range s.tasks {
		if t.IsDue(now) {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].DueAt.Before(tasks[j].DueAt) })
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *InMemoryStore) PendingTaskTypes(userID string) (map[models.TaskType]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := make(map[models.TaskType]bool)
	for _, t := range s.tasks {
		if t.UserID == userID && t.Status == models.TaskStatusScheduled {
			pending[t.Type] = true
		}
	}
	return pending, nil
}

func (s *InMemoryStore) ClaimTask(id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != models.TaskStatusScheduled {
		return false, nil
	}
	t.Status = models.TaskStatusSending
	t.UpdatedAt = at
	s.tasks[id] = t
	return true, nil
}

func (s *InMemoryStore) ReleaseTask(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != models.TaskStatusSending {
		return false, nil
	}
	t.Status = models.TaskStatusScheduled
	t.UpdatedAt = time.Now()
	s.tasks[id] = t
	return true, nil
}

func (s *InMemoryStore) RecoverStaleClaims(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recovered := 0
	for id, t := range s.tasks {
		if t.Status != models.TaskStatusSending || !t.UpdatedAt.Before(cutoff) {
			continue
		}
		t.Status = models.TaskStatusScheduled
		t.UpdatedAt = time.Now()
		s.tasks[id] = t
		recovered++
	}
	return recovered, nil
}

func (s *InMemoryStore) MarkTaskSent(id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || (t.Status != models.TaskStatusScheduled && t.Status != models.TaskStatusSending) {
		return false, nil
	}
	at2 := at
	t.Status = models.TaskStatusSent
	t.SentAt = &at2
	t.UpdatedAt = at
	s.tasks[id] = t
	return true, nil
}

func (s *InMemoryStore) MarkTaskFailed(id string, resultCode string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || (t.Status != models.TaskStatusScheduled && t.Status != models.TaskStatusSending) {
		return false, nil
	}
	t.Status = models.TaskStatusFailed
	t.ResultCode = resultCode
	t.UpdatedAt = time.Now()
	s.tasks[id] = t
	return true, nil
}

func (s *InMemoryStore) MarkTaskReplied(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != models.TaskStatusSent {
		return false, nil
	}
	t.Status = models.TaskStatusReplied
	t.UpdatedAt = time.Now()
	s.tasks[id] = t
	return true, nil
}

func (s *InMemoryStore) IncrementTaskAttempts(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0, models.ErrTaskNotFound
	}
	t.Attempts++
	t.UpdatedAt = time.Now()
	s.tasks[id] = t
	return t.Attempts, nil
}

func (s *InMemoryStore) CancelPendingTasks(userID string, types []models.TaskType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var filter map[models.TaskType]bool
	if len(types) > 0 {
		filter = typeSet(types)
	}
	canceled := 0
	for id, t := range s.tasks {
		if t.UserID != userID || t.Status != models.TaskStatusScheduled {
			continue
		}
		if filter != nil && !filter[t.Type] {
			continue
		}
		t.Status = models.TaskStatusCanceled
		t.UpdatedAt = time.Now()
		s.tasks[id] = t
		canceled++
	}
	return canceled, nil
}

func (s *InMemoryStore) PostponePendingTasks(userID string, types []models.TaskType, now time.Time, horizon, offset time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	filter := typeSet(types)
	postponed := 0
	for id, t := range s.tasks {
		if t.UserID != userID || t.Status != models.TaskStatusScheduled || !filter[t.Type] {
			continue
		}
		if !t.DueAt.After(now) || t.DueAt.After(now.Add(horizon)) {
			continue
		}
		t.DueAt = now.Add(offset)
		t.UpdatedAt = now
		s.tasks[id] = t
		postponed++
	}
	return postponed, nil
}

func (s *InMemoryStore) CountSentSince(userID string, since time.Time, types []models.TaskType) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	filter := typeSet(types)
	count := 0
	for _, t := range s.tasks {
		if t.UserID != userID || !filter[t.Type] {
			continue
		}
		if t.Status != models.TaskStatusSent && t.Status != models.TaskStatusReplied {
			continue
		}
		if t.SentAt != nil && !t.SentAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) LastSentAt(userID string, taskType models.TaskType) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *time.Time
	for _, t := range s.tasks {
		if t.UserID != userID || t.Type != taskType || t.SentAt == nil {
			continue
		}
		if t.Status != models.TaskStatusSent && t.Status != models.TaskStatusReplied {
			continue
		}
		if last == nil || t.SentAt.After(*last) {
			at := *t.SentAt
			last = &at
		}
	}
	return last, nil
}

func (s *InMemoryStore) LastSentTask(userID string, types []models.TaskType) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	filter := typeSet(types)
	var last *models.Task
	for _, t := range s.tasks {
		if t.UserID != userID || !filter[t.Type] || t.SentAt == nil {
			continue
		}
		if t.Status != models.TaskStatusSent {
			continue
		}
		if last == nil || t.SentAt.After(*last.SentAt) {
			task := t
			last = &task
		}
	}
	return last, nil
}

// ---- Templates ----

func (s *InMemoryStore) Templates(taskType models.TaskType, tone string) ([]models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var templates []models.Template
	for _, t := range s.templates {
		if t.Type != taskType || !t.Enabled {
			continue
		}
		if tone != "" && t.Tone != tone {
			continue
		}
		templates = append(templates, t)
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].ID < templates[j].ID })
	return templates, nil
}

func (s *InMemoryStore) SaveTemplate(t models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
	return nil
}

// ---- Events ----

func (s *InMemoryStore) LogEvent(e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *InMemoryStore) ListEvents(userID string, limit int) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []models.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].UserID == userID {
			events = append(events, s.events[i])
			if limit > 0 && len(events) == limit {
				break
			}
		}
	}
	return events, nil
}

// EventsOfType returns all recorded events of the given type (test helper).
func (s *InMemoryStore) EventsOfType(eventType string) []models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []models.Event
	for _, e := range s.events {
		if e.Type == eventType {
			events = append(events, e)
		}
	}
	return events
}
