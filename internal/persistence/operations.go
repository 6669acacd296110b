package persistence

import (
	"context"
	"fmt"
)

// SaveOperation saves or updates an operation record.
func (s *SQLiteStore) SaveOperation(ctx context.Context, rec OperationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (id, type, parent_id, status, percentage, total_steps, current_step, reason, created_at, ended_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			parent_id = excluded.parent_id,
			status = excluded.status,
			percentage = excluded.percentage,
			total_steps = excluded.total_steps,
			current_step = excluded.current_step,
			reason = excluded.reason,
			created_at = excluded.created_at,
			ended_at = excluded.ended_at,
			updated_at = CURRENT_TIMESTAMP
	`, rec.ID, rec.Type, rec.ParentID, rec.Status, rec.Percentage, rec.TotalSteps,
		rec.CurrentStep, rec.Reason, encodeTime(rec.CreatedAt), encodeTime(rec.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert operation: %w", err)
	}
	return nil
}

// ListOperations returns all operation records, oldest first.
func (s *SQLiteStore) ListOperations(ctx context.Context) ([]OperationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, parent_id, status, percentage, total_steps, current_step, reason, created_at, ended_at
		FROM operations
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var recs []OperationRecord
	for rows.Next() {
		var rec OperationRecord
		var created, ended string
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.ParentID, &rec.Status, &rec.Percentage,
			&rec.TotalSteps, &rec.CurrentStep, &rec.Reason, &created, &ended); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		if rec.CreatedAt, err = decodeTime(created); err != nil {
			return nil, err
		}
		if rec.EndedAt, err = decodeTime(ended); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
