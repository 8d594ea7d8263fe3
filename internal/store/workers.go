package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/camhq/cam/internal/model"
)

const workerColumns = `id, name, supported_agent_ids, max_concurrent, mode, status,
	current_task_id, last_heartbeat_at, reported_env_vars,
	total_tasks_completed, total_tasks_failed, uptime_since`

func scanWorker(row rowScanner) (*model.Worker, error) {
	var (
		w                         model.Worker
		mode, status              string
		supportedIDs, reportedEnv string
		lastHeartbeat, uptime     string
	)
	err := row.Scan(
		&w.ID, &w.Name, &supportedIDs, &w.MaxConcurrent, &mode, &status,
		&w.CurrentTaskID, &lastHeartbeat, &reportedEnv,
		&w.TotalTasksCompleted, &w.TotalTasksFailed, &uptime,
	)
	if err != nil {
		return nil, err
	}
	w.Mode = model.WorkerMode(mode)
	w.Status = model.WorkerStatus(status)
	w.SupportedAgentIDs = unmarshalStrings(supportedIDs)
	w.ReportedEnvVars = unmarshalStrings(reportedEnv)
	if t, perr := parseStoredTime(lastHeartbeat); perr == nil {
		w.LastHeartbeatAt = t
	}
	if t, perr := parseStoredTime(uptime); perr == nil {
		w.UptimeSince = t
	}
	return &w, nil
}

// UpsertWorker registers a worker or refreshes its registration. Lifecycle
// fields (status, current task, counters) are preserved on re-registration.
func (s *Store) UpsertWorker(ctx context.Context, w *model.Worker) error {
	if w.SupportedAgentIDs == nil {
		w.SupportedAgentIDs = []string{}
	}
	if w.ReportedEnvVars == nil {
		w.ReportedEnvVars = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (`+workerColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			supported_agent_ids = excluded.supported_agent_ids,
			max_concurrent = excluded.max_concurrent,
			mode = excluded.mode,
			last_heartbeat_at = excluded.last_heartbeat_at,
			reported_env_vars = excluded.reported_env_vars`,
		w.ID, w.Name, marshalJSON(w.SupportedAgentIDs), w.MaxConcurrent, string(w.Mode),
		string(w.Status), w.CurrentTaskID, w.LastHeartbeatAt.Format(model.TimeFormat),
		marshalJSON(w.ReportedEnvVars), w.TotalTasksCompleted, w.TotalTasksFailed,
		w.UptimeSince.Format(model.TimeFormat),
	)
	return errors.Wrapf(err, "failed to upsert worker %s", w.ID)
}

// GetWorker loads one worker. Returns nil, nil when the id is unknown.
func (s *Store) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get worker %s", id)
	}
	return w, nil
}

// ListWorkers returns every registered worker.
func (s *Store) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workers")
	}
	defer rows.Close()
	var out []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan worker")
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// TouchHeartbeat refreshes last_heartbeat_at (and optional metrics-bearing
// fields) unconditionally.
func (s *Store) TouchHeartbeat(ctx context.Context, id string, at model.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat_at = ? WHERE id = ?`, at.Format(model.TimeFormat), id)
	if err != nil {
		return errors.Wrapf(err, "failed to touch heartbeat for worker %s", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Errorf("worker %s not registered", id)
	}
	return nil
}

// CASWorkerStatus transitions a worker's status iff its current status
// matches expected, setting current_task_id along the way. The false return
// is the lost-race signal for the dispatcher's worker bind.
func (s *Store) CASWorkerStatus(ctx context.Context, id string, expected, next model.WorkerStatus, currentTaskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status = ?, current_task_id = ? WHERE id = ? AND status = ?`,
		string(next), currentTaskID, id, string(expected))
	if err != nil {
		return false, errors.Wrapf(err, "failed to transition worker %s", id)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetWorkerStatus forces a worker's status and current task id.
func (s *Store) SetWorkerStatus(ctx context.Context, id string, status model.WorkerStatus, currentTaskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status = ?, current_task_id = ? WHERE id = ?`,
		string(status), currentTaskID, id)
	return errors.Wrapf(err, "failed to set worker %s status", id)
}

// BumpWorkerCounters increments the completion/failure tallies.
func (s *Store) BumpWorkerCounters(ctx context.Context, id string, completed, failed int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET total_tasks_completed = total_tasks_completed + ?,
			total_tasks_failed = total_tasks_failed + ? WHERE id = ?`,
		completed, failed, id)
	return errors.Wrapf(err, "failed to bump counters for worker %s", id)
}

// ListStaleWorkers returns workers whose heartbeat is older than the cutoff
// and whose status is not already offline.
func (s *Store) ListStaleWorkers(ctx context.Context, cutoff model.Time) ([]*model.Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers
		 WHERE last_heartbeat_at < ? AND status IN ('idle', 'busy', 'draining')`,
		cutoff.Format(model.TimeFormat))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale workers")
	}
	defer rows.Close()
	var out []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan worker")
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListLiveWorkersSupporting returns workers with a heartbeat at or after
// cutoff that support the given agent definition.
func (s *Store) ListLiveWorkersSupporting(ctx context.Context, agentDefinitionID string, cutoff model.Time) ([]*model.Worker, error) {
	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.Worker
	for _, w := range workers {
		if w.Status == model.WorkerOffline {
			continue
		}
		if w.LastHeartbeatAt.Before(cutoff.Time) {
			continue
		}
		if !w.Supports(agentDefinitionID) {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}
