package store

import (
	"database/sql"
	"fmt"
	"time"
)

const taskColumns = `id, org_id, creator_id, title, description, status, priority, due_date, created_at, updated_at`

// CreateTask inserts a new task record.
func (s *Store) CreateTask(t *Task) error {
	if t == nil {
		return fmt.Errorf("task is nil")
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, org_id, creator_id, title, description, status, priority, due_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OrgID, t.CreatorID, t.Title, t.Description,
		string(t.Status), string(t.Priority), nullableTimeUnix(t.DueDate),
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID scoped to an organization. Scoping the
// lookup prevents cross-org reads even with a leaked task ID.
func (s *Store) GetTask(orgID, id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE org_id = ? AND id = ?`, orgID, id)
	return scanTask(row)
}

// ListTasks returns all tasks for an organization, newest first.
func (s *Store) ListTasks(orgID string) ([]*Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks
		WHERE org_id = ? ORDER BY created_at DESC, rowid DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask modifies an existing task record.
func (s *Store) UpdateTask(t *Task) error {
	if t == nil {
		return fmt.Errorf("task is nil")
	}
	t.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?, due_date = ?, updated_at = ?
		WHERE org_id = ? AND id = ?`,
		t.Title, t.Description, string(t.Status), string(t.Priority),
		nullableTimeUnix(t.DueDate), t.UpdatedAt.Unix(), t.OrgID, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("task %q not found", t.ID)
	}
	return nil
}

// DeleteTask removes a task scoped to an organization.
func (s *Store) DeleteTask(orgID, id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE org_id = ? AND id = ?`, orgID, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("task %q not found", id)
	}
	return nil
}

func scanTask(sc scanner) (*Task, error) {
	var t Task
	var status, priority string
	var dueDate sql.NullInt64
	var createdAt, updatedAt int64

	err := sc.Scan(&t.ID, &t.OrgID, &t.CreatorID, &t.Title, &t.Description,
		&status, &priority, &dueDate, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = TaskStatus(status)
	t.Priority = TaskPriority(priority)
	t.DueDate = nullableUnixTime(dueDate)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}
