package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/npezzotti/go-realtime/internal/events"
)

var updateQueries = map[events.Category]string{
	events.CategoryInterview: "SELECT id, user_id, COALESCE(job_id, ''), session_id, status, data, updated_at " +
		"FROM interview_sessions WHERE user_id = $1 AND id > $2 " +
		"AND status IN ('ready', 'in_progress', 'completed') ORDER BY id ASC LIMIT $3",
	events.CategoryApplication: "SELECT id, user_id, COALESCE(job_id, ''), application_id, status, data, updated_at " +
		"FROM applications WHERE user_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3",
	events.CategoryJob: "SELECT id, user_id, job_id, job_id, status, data, updated_at " +
		"FROM jobs WHERE user_id = $1 AND id > $2 AND status = 'active' ORDER BY id ASC LIMIT $3",
	events.CategorySystem: "SELECT id, COALESCE(user_id, ''), '', '', severity, data, created_at " +
		"FROM system_updates WHERE (user_id = $1 OR user_id IS NULL) AND id > $2 ORDER BY id ASC LIMIT $3",
}

var latestQueries = map[events.Category]string{
	events.CategoryInterview:   "SELECT COALESCE(MAX(id), 0) FROM interview_sessions WHERE user_id = $1",
	events.CategoryApplication: "SELECT COALESCE(MAX(id), 0) FROM applications WHERE user_id = $1",
	events.CategoryJob:         "SELECT COALESCE(MAX(id), 0) FROM jobs WHERE user_id = $1",
	events.CategorySystem:      "SELECT COALESCE(MAX(id), 0) FROM system_updates WHERE user_id = $1 OR user_id IS NULL",
}

// FetchUpdates returns up to limit records of the given kind newer than afterId, oldest first.
func (db *PgRepository) FetchUpdates(ctx context.Context, kind events.Category, userId string, afterId int64, limit int) ([]UpdateRecord, error) {
	query, ok := updateQueries[kind]
	if !ok {
		return nil, fmt.Errorf("no update query for %q", kind)
	}

	rows, err := db.conn.QueryContext(ctx, query, userId, afterId, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s updates: %w", kind, err)
	}
	defer rows.Close()

	var records []UpdateRecord
	for rows.Next() {
		var (
			rec  UpdateRecord
			data []byte
		)
		if err := rows.Scan(
			&rec.Id,
			&rec.UserId,
			&rec.JobId,
			&rec.RefId,
			&rec.Status,
			&data,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan %s update: %w", kind, err)
		}

		if len(data) > 0 {
			if err := json.Unmarshal(data, &rec.Data); err != nil {
				return nil, fmt.Errorf("decode %s update %d: %w", kind, rec.Id, err)
			}
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// LatestUpdateId returns the highest record id of the given kind visible to the user, or 0.
func (db *PgRepository) LatestUpdateId(ctx context.Context, kind events.Category, userId string) (int64, error) {
	query, ok := latestQueries[kind]
	if !ok {
		return 0, fmt.Errorf("no latest id query for %q", kind)
	}

	var id int64
	if err := db.conn.QueryRowContext(ctx, query, userId).Scan(&id); err != nil {
		return 0, fmt.Errorf("query latest %s id: %w", kind, err)
	}

	return id, nil
}

// Notify publishes payload on a LISTEN/NOTIFY channel.
func (db *PgRepository) Notify(ctx context.Context, channel, payload string) error {
	if _, err := db.conn.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("notify %q: %w", channel, err)
	}

	return nil
}
