package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/camhq/cam/internal/model"
)

// taskColumns is the canonical column list; scanTask must match its order.
const taskColumns = `id, title, description, agent_definition_id, repo_url, base_branch,
	work_branch, work_dir, status, source, retry_count, max_retries, depends_on,
	group_id, assigned_worker_id, pr_url, summary, log_file_url, feedback,
	review_comment, reviewed_at, input_files, input_condition, created_at,
	queued_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                                 model.Task
		status, source                    string
		dependsOn, inputFiles             string
		reviewedAt, queuedAt              sql.NullString
		startedAt, completedAt, createdAt sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.AgentDefinitionID, &t.RepoURL, &t.BaseBranch,
		&t.WorkBranch, &t.WorkDir, &status, &source, &t.RetryCount, &t.MaxRetries, &dependsOn,
		&t.GroupID, &t.AssignedWorkerID, &t.PRURL, &t.Summary, &t.LogFileURL, &t.Feedback,
		&t.ReviewComment, &reviewedAt, &inputFiles, &t.InputCondition, &createdAt,
		&queuedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	t.Source = model.TaskSource(source)
	t.DependsOn = unmarshalStrings(dependsOn)
	t.InputFiles = unmarshalStrings(inputFiles)

	if createdAt.Valid {
		if created, perr := parseStoredTime(createdAt.String); perr == nil {
			t.CreatedAt = created
		}
	}
	t.ReviewedAt = parseNullTime(reviewedAt)
	t.QueuedAt = parseNullTime(queuedAt)
	t.StartedAt = parseNullTime(startedAt)
	t.CompletedAt = parseNullTime(completedAt)
	return &t, nil
}

func parseStoredTime(raw string) (model.Time, error) {
	parsed, err := time.Parse(model.TimeFormat, raw)
	if err != nil {
		return model.Time{}, errors.Wrapf(err, "invalid stored timestamp %q", raw)
	}
	return model.NewTime(parsed), nil
}

func parseNullTime(ns sql.NullString) *model.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	parsed, err := parseStoredTime(ns.String)
	if err != nil {
		return nil
	}
	return &parsed
}

func nullTime(t *model.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(model.TimeFormat)
}

// CreateTask inserts a single task.
func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertTask(ctx, tx, t)
	})
}

// CreateTasks inserts every task atomically; used by the pipeline expander
// so a failed insert leaves no partial DAG behind.
func (s *Store) CreateTasks(ctx context.Context, tasks []*model.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tasks {
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertTask(ctx context.Context, tx *sql.Tx, t *model.Task) error {
	if t.DependsOn == nil {
		t.DependsOn = []string{}
	}
	if t.InputFiles == nil {
		t.InputFiles = []string{}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, t.AgentDefinitionID, t.RepoURL, t.BaseBranch,
		t.WorkBranch, t.WorkDir, string(t.Status), string(t.Source), t.RetryCount, t.MaxRetries,
		marshalJSON(t.DependsOn), t.GroupID, t.AssignedWorkerID, t.PRURL, t.Summary,
		t.LogFileURL, t.Feedback, t.ReviewComment, nullTime(t.ReviewedAt),
		marshalJSON(t.InputFiles), t.InputCondition, t.CreatedAt.Format(model.TimeFormat),
		nullTime(t.QueuedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	return errors.Wrapf(err, "failed to insert task %s", t.ID)
}

// GetTask loads one task. Returns nil, nil when the id is unknown.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get task %s", id)
	}
	return t, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status  model.TaskStatus
	GroupID string
	Source  model.TaskSource
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.GroupID != "" {
		conds = append(conds, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, string(f.Source))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*model.Task, error) {
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListGroupTasks returns every task in a group ordered by creation.
func (s *Store) ListGroupTasks(ctx context.Context, groupID string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE group_id = ? ORDER BY created_at ASC, id ASC`, groupID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list tasks for group %s", groupID)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListDispatchCandidates returns the dispatch window: scheduler tasks in
// queued or waiting, queued first, oldest queuedAt first, capped at limit.
// When supportedAgentIDs is non-empty the window is restricted to those
// agent definitions.
func (s *Store) ListDispatchCandidates(ctx context.Context, supportedAgentIDs []string, limit int) ([]*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE source = 'scheduler' AND status IN ('queued', 'waiting')`
	var args []any
	if len(supportedAgentIDs) > 0 {
		placeholders := strings.Repeat("?,", len(supportedAgentIDs))
		query += ` AND agent_definition_id IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, id := range supportedAgentIDs {
			args = append(args, id)
		}
	}
	query += `
		ORDER BY CASE status WHEN 'queued' THEN 0 ELSE 1 END,
			queued_at IS NULL, queued_at ASC, created_at ASC
		LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dispatch candidates")
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListRunningByWorker returns running scheduler tasks assigned to a worker.
func (s *Store) ListRunningByWorker(ctx context.Context, workerID string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE assigned_worker_id = ? AND status = 'running' AND source = 'scheduler'`, workerID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list running tasks for worker %s", workerID)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListDependents returns tasks whose dependsOn contains id.
func (s *Store) ListDependents(ctx context.Context, id string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE EXISTS (SELECT 1 FROM json_each(tasks.depends_on) WHERE json_each.value = ?)`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list dependents of %s", id)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// DependencyStatuses loads the status of every listed task id. Missing ids
// are absent from the result map.
func (s *Store) DependencyStatuses(ctx context.Context, ids []string) (map[string]model.TaskStatus, error) {
	out := make(map[string]model.TaskStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status FROM tasks WHERE id IN (`+placeholders[:len(placeholders)-1]+`)`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load dependency statuses")
	}
	defer rows.Close()
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, errors.Wrap(err, "failed to scan dependency status")
		}
		out[id] = model.TaskStatus(status)
	}
	return out, rows.Err()
}

// TaskMutation describes the fields a CAS transition sets. Zero-valued
// fields are left untouched; Set* flags make clearing explicit.
type TaskMutation struct {
	Status model.TaskStatus

	SetTitle bool
	Title    string

	SetDescription bool
	Description    string

	SetAssignedWorker bool
	AssignedWorkerID  string

	SetRetryCount bool
	RetryCount    int

	SetMaxRetries bool
	MaxRetries    int

	SetPRURL bool
	PRURL    string

	SetSummary bool
	Summary    string

	SetLogFileURL bool
	LogFileURL    string

	SetFeedback bool
	Feedback    string

	SetReviewComment bool
	ReviewComment    string

	SetQueuedAt bool
	QueuedAt    *model.Time

	SetStartedAt bool
	StartedAt    *model.Time

	SetCompletedAt bool
	CompletedAt    *model.Time

	SetReviewedAt bool
	ReviewedAt    *model.Time
}

func (m TaskMutation) apply(set *[]string, args *[]any) {
	add := func(col string, v any) {
		*set = append(*set, col+" = ?")
		*args = append(*args, v)
	}
	if m.Status != "" {
		add("status", string(m.Status))
	}
	if m.SetTitle {
		add("title", m.Title)
	}
	if m.SetDescription {
		add("description", m.Description)
	}
	if m.SetAssignedWorker {
		add("assigned_worker_id", m.AssignedWorkerID)
	}
	if m.SetRetryCount {
		add("retry_count", m.RetryCount)
	}
	if m.SetMaxRetries {
		add("max_retries", m.MaxRetries)
	}
	if m.SetPRURL {
		add("pr_url", m.PRURL)
	}
	if m.SetSummary {
		add("summary", m.Summary)
	}
	if m.SetLogFileURL {
		add("log_file_url", m.LogFileURL)
	}
	if m.SetFeedback {
		add("feedback", m.Feedback)
	}
	if m.SetReviewComment {
		add("review_comment", m.ReviewComment)
	}
	if m.SetQueuedAt {
		add("queued_at", nullTime(m.QueuedAt))
	}
	if m.SetStartedAt {
		add("started_at", nullTime(m.StartedAt))
	}
	if m.SetCompletedAt {
		add("completed_at", nullTime(m.CompletedAt))
	}
	if m.SetReviewedAt {
		add("reviewed_at", nullTime(m.ReviewedAt))
	}
}

// CASTask applies mut to the task iff its current status is one of expected.
// Returns the updated row and true when the write landed, or nil and false
// when the row moved under us (or does not exist). This is the single
// conditional-update primitive every lifecycle transition goes through.
func (s *Store) CASTask(ctx context.Context, id string, expected []model.TaskStatus, mut TaskMutation) (*model.Task, bool, error) {
	var set []string
	var args []any
	mut.apply(&set, &args)
	if len(set) == 0 {
		return nil, false, errors.New("empty task mutation")
	}

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ?`, strings.Join(set, ", "))
	args = append(args, id)
	if len(expected) > 0 {
		placeholders := strings.Repeat("?,", len(expected))
		query += ` AND status IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, st := range expected {
			args = append(args, string(st))
		}
	}
	query += ` RETURNING ` + taskColumns

	row := s.db.QueryRowContext(ctx, query, args...)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to update task %s", id)
	}
	return t, true, nil
}

// UpdateTaskFields applies mut unconditionally (no status guard). Used for
// non-transition field writes such as storing a PR URL.
func (s *Store) UpdateTaskFields(ctx context.Context, id string, mut TaskMutation) (*model.Task, error) {
	t, ok, err := s.CASTask(ctx, id, nil, mut)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return t, nil
}

// DeleteTask removes a task and everything referencing it in one
// transaction: its log lines, its id inside other tasks' dependsOn arrays,
// and audit events whose payload references it. Retried up to three times
// on foreign-key contention.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return retryOnConstraint(3, 50*time.Millisecond, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_logs WHERE task_id = ?`, id); err != nil {
				return errors.Wrap(err, "failed to delete task logs")
			}
			// Strip the id from every other task's dependsOn array.
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET depends_on = (
					SELECT COALESCE(json_group_array(value), '[]')
					FROM json_each(tasks.depends_on) WHERE value <> ?
				)
				WHERE EXISTS (SELECT 1 FROM json_each(tasks.depends_on) WHERE value = ?)`,
				id, id); err != nil {
				return errors.Wrap(err, "failed to strip dependency references")
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM system_events WHERE json_extract(payload, '$.taskId') = ?`, id); err != nil {
				return errors.Wrap(err, "failed to delete task events")
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
				return errors.Wrap(err, "failed to delete task")
			}
			return nil
		})
	})
}
