package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/camhq/cam/internal/model"
)

// AppendTaskLog appends one log line to a task.
func (s *Store) AppendTaskLog(ctx context.Context, taskID, line string, at model.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_logs (task_id, line, created_at) VALUES (?,?,?)`,
		taskID, line, at.Format(model.TimeFormat))
	return errors.Wrapf(err, "failed to append log for task %s", taskID)
}

// ListTaskLogs returns a task's log lines in append order.
func (s *Store) ListTaskLogs(ctx context.Context, taskID string) ([]*model.TaskLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, line, created_at FROM task_logs WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list logs for task %s", taskID)
	}
	defer rows.Close()

	var out []*model.TaskLog
	for rows.Next() {
		var (
			l  model.TaskLog
			ts string
		)
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Line, &ts); err != nil {
			return nil, errors.Wrap(err, "failed to scan task log")
		}
		if parsed, perr := parseStoredTime(ts); perr == nil {
			l.CreatedAt = parsed
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
