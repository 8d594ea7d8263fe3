package store

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/camhq/cam/internal/model"
)

// AppendEvent writes one audit record. The audit append happens before any
// broadcast so the table is always the authoritative replay source.
func (s *Store) AppendEvent(ctx context.Context, e *model.SystemEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_events (id, type, actor, payload, timestamp) VALUES (?,?,?,?,?)`,
		e.ID, e.Type, e.Actor, string(e.Payload), e.Timestamp.Format(model.TimeFormat))
	return errors.Wrapf(err, "failed to append event %s", e.Type)
}

// EventFilter narrows ListEvents. TypePrefix matches the dotted namespace
// by prefix; TaskID and GroupID match against payload correlation ids.
type EventFilter struct {
	TypePrefix string
	TaskID     string
	GroupID    string
	Limit      int
}

// ListEvents reads audit records oldest first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]*model.SystemEvent, error) {
	query := `SELECT id, type, actor, payload, timestamp FROM system_events`
	var conds []string
	var args []any
	if f.TypePrefix != "" {
		conds = append(conds, "type LIKE ?")
		args = append(args, f.TypePrefix+"%")
	}
	if f.TaskID != "" {
		conds = append(conds, "json_extract(payload, '$.taskId') = ?")
		args = append(args, f.TaskID)
	}
	if f.GroupID != "" {
		conds = append(conds, "json_extract(payload, '$.groupId') = ?")
		args = append(args, f.GroupID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	// rowid order is insertion order, which is the order the CAS
	// transitions landed; timestamps alone can tie within a millisecond.
	query += " ORDER BY rowid ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}
	defer rows.Close()

	var out []*model.SystemEvent
	for rows.Next() {
		var (
			e       model.SystemEvent
			payload string
			ts      string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Actor, &payload, &ts); err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		e.Payload = []byte(payload)
		if parsed, perr := parseStoredTime(ts); perr == nil {
			e.Timestamp = parsed
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
