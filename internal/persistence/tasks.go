package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveTask saves or updates a task record.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, rec TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, priority, status, result, error, stall_count, submitted_at, started_at, ended_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			priority = excluded.priority,
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			stall_count = excluded.stall_count,
			submitted_at = excluded.submitted_at,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			updated_at = CURRENT_TIMESTAMP
	`, rec.ID, rec.Priority, rec.Status, rec.Result, rec.Error, rec.StallCount,
		encodeTime(rec.SubmittedAt), encodeTime(rec.StartedAt), encodeTime(rec.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task record by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, priority, status, result, error, stall_count, submitted_at, started_at, ended_at
		FROM tasks
		WHERE id = ?
	`, id)

	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, fmt.Errorf("task not found: %s", id)
	}
	if err != nil {
		return TaskRecord{}, fmt.Errorf("failed to query task: %w", err)
	}
	return rec, nil
}

// ListTasks returns all task records, oldest submission first.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, priority, status, result, error, stall_count, submitted_at, started_at, ended_at
		FROM tasks
		ORDER BY submitted_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var recs []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (TaskRecord, error) {
	var rec TaskRecord
	var submitted, started, ended string

	err := row.Scan(&rec.ID, &rec.Priority, &rec.Status, &rec.Result, &rec.Error,
		&rec.StallCount, &submitted, &started, &ended)
	if err != nil {
		return TaskRecord{}, err
	}

	if rec.SubmittedAt, err = decodeTime(submitted); err != nil {
		return TaskRecord{}, err
	}
	if rec.StartedAt, err = decodeTime(started); err != nil {
		return TaskRecord{}, err
	}
	if rec.EndedAt, err = decodeTime(ended); err != nil {
		return TaskRecord{}, err
	}
	return rec, nil
}
