package store

import (
	"context"
	"time"

	"github.com/imalyk/go-image-processor/pkg/job"
)

// ResetProcessing returns an orphaned PROCESSING job to PENDING for another
// attempt. It is the only path that moves a job backwards and it refuses to
// push retryCount past maxRetries.
func (s *Store) ResetProcessing(ctx context.Context, id string, retryCount int, step, msg string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status=?, retry_count=?, progress=0, started_at=NULL, completed_at=NULL,
    current_step=?, error_message=?, updated_at=?
WHERE id=? AND status=? AND ? <= max_retries`,
		job.StatusPending, retryCount, step, job.Truncate(msg), now, id, job.StatusProcessing, retryCount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FailProcessing terminates an orphaned PROCESSING job.
func (s *Store) FailProcessing(ctx context.Context, id string, msg string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status=?, completed_at=?, current_step=?, error_message=?, updated_at=?
WHERE id=? AND status=?`,
		job.StatusFailed, now, "failed", job.Truncate(msg), now, id, job.StatusProcessing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
