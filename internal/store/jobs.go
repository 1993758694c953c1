package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/imalyk/go-image-processor/pkg/job"
)

// Create inserts a new PENDING job, filling id, defaults and timestamps.
func (s *Store) Create(ctx context.Context, j *job.Job) error {
	if j.Input == nil {
		return job.Invalid("inputData is required")
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Type == "" {
		j.Type = j.Input.Kind()
	}
	j.Status = job.StatusPending
	if j.MaxRetries <= 0 {
		j.MaxRetries = job.DefaultMaxRetries
	}
	if j.TotalSteps <= 0 {
		j.TotalSteps = j.Input.StageCount()
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	j.StartedAt, j.CompletedAt = nil, nil

	input, err := encodeJSON(j.Input)
	if err != nil {
		return fmt.Errorf("encode inputData: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs (id, type, status, priority, progress, current_step, total_steps, completed_steps,
  input_data, error_message, retry_count, max_retries, owner_id, project_id, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, ?, ?, 0, ?, NULL, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Type, j.Status, j.Priority, nullString(j.CurrentStep), j.TotalSteps,
		input, j.RetryCount, j.MaxRetries, j.OwnerID, nullString(j.ProjectID), j.CreatedAt, j.UpdatedAt)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, job.ErrNotFound)
	}
	return j, err
}

// Patch applies a partial update. The write is a compare-and-set on the status
// read in the same transaction, so a concurrent status change makes it fail
// rather than overwrite.
func (s *Store) Patch(ctx context.Context, id string, p job.Patch) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, job.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	next, err := apply(cur, p, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}

	var output any
	if next.Output != nil {
		if output, err = encodeJSON(next.Output); err != nil {
			return nil, fmt.Errorf("encode outputData: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `
UPDATE jobs
SET status=?, progress=?, current_step=?, completed_steps=?, output_data=?, error_message=?,
    artifact_id=?, updated_at=?, started_at=?, completed_at=?
WHERE id=? AND status=?`,
		next.Status, next.Progress, nullString(next.CurrentStep), next.CompletedSteps, output,
		nullString(next.ErrorMessage), nullString(next.ArtifactID), next.UpdatedAt,
		nullableTime(next.StartedAt), nullableTime(next.CompletedAt), id, cur.Status)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("job %s: %w: status changed concurrently", id, job.ErrInvalidTransition)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

// apply computes the patched job and its guarded side effects.
func apply(cur *job.Job, p job.Patch, now time.Time) (*job.Job, error) {
	if cur.Status.Terminal() {
		return nil, job.ErrTerminal
	}
	next := *cur
	if p.Status != nil {
		if !p.Status.Valid() {
			return nil, job.Invalid("unknown status %q", *p.Status)
		}
		if !job.CanTransition(cur.Status, *p.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, cur.Status, *p.Status)
		}
		next.Status = *p.Status
	}
	if p.Progress != nil {
		next.Progress = job.ClampProgress(*p.Progress)
	}
	if p.CurrentStep != nil {
		next.CurrentStep = *p.CurrentStep
	}
	if p.CompletedSteps != nil {
		next.CompletedSteps = max(0, *p.CompletedSteps)
	}
	if p.Output != nil {
		next.Output = p.Output
	}
	if p.ErrorMessage != nil {
		next.ErrorMessage = job.Truncate(*p.ErrorMessage)
	}
	if p.ArtifactID != nil {
		next.ArtifactID = *p.ArtifactID
	}

	if next.Status == job.StatusProcessing && next.StartedAt == nil {
		t := now
		next.StartedAt = &t
	}
	if next.Status.Finished() {
		t := now
		next.CompletedAt = &t
	} else {
		next.CompletedAt = nil
	}
	next.UpdatedAt = now
	return &next, nil
}

// Claim moves a PENDING job to PROCESSING. It reports false when another
// processor won the job first.
func (s *Store) Claim(ctx context.Context, id string) (*job.Job, bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status=?, started_at=COALESCE(started_at, ?), current_step=?, updated_at=?
WHERE id=? AND status=?`,
		job.StatusProcessing, now, "starting", now, id, job.StatusPending)
	if err != nil {
		return nil, false, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, false, nil
	}
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return j, true, nil
}

// PendingIDs returns up to limit claimable job ids, highest priority first and
// newest first within a priority. A limit <= 0 returns all of them.
func (s *Store) PendingIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM jobs
WHERE status = ?
ORDER BY priority DESC, created_at DESC, rowid DESC
LIMIT ?`, job.StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
