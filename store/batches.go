package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tradingagents/analysisd/task"
)

// CreateBatch inserts a batch document.
func (s *Store) CreateBatch(ctx context.Context, b *task.Batch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (batch_id, user_id, status, total, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.Status, b.Total, encodeTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch loads a batch document by id.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*task.Batch, error) {
	var (
		b         task.Batch
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT batch_id, user_id, status, total, completed, failed, cancelled, created_at
		FROM batches WHERE batch_id = ?`, batchID).
		Scan(&b.ID, &b.UserID, &b.Status, &b.Total, &b.Completed, &b.Failed, &b.Cancelled, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	if b.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	return &b, nil
}

// BumpBatch increments the aggregate counter for one finished member task
// and flips the batch status to done when every member is terminal.
func (s *Store) BumpBatch(ctx context.Context, batchID string, outcome task.Status) error {
	if batchID == "" {
		return nil
	}

	var column string
	switch outcome {
	case task.StatusCompleted:
		column = "completed"
	case task.StatusFailed:
		column = "failed"
	case task.StatusCancelled:
		column = "cancelled"
	default:
		return fmt.Errorf("bump batch: non-terminal outcome %q", outcome)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE batches SET
			`+column+` = `+column+` + 1,
			status = CASE
				WHEN completed + failed + cancelled + 1 >= total THEN 'done'
				ELSE status
			END
		WHERE batch_id = ?`, batchID)
	if err != nil {
		return fmt.Errorf("bump batch: %w", err)
	}
	return nil
}
