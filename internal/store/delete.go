package store

import (
	"context"
	"fmt"

	"github.com/imalyk/go-image-processor/pkg/job"
)

// Delete removes the owner's jobs among ids and returns the removed rows so
// the caller can clean up their artifacts. Ids that do not exist or belong to
// someone else are ignored.
func (s *Store) Delete(ctx context.Context, ownerID string, ids []string) ([]*job.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.deleteWhere(ctx, Filter{OwnerID: ownerID, IDs: ids})
}

// DeleteAll removes every job of the owner.
func (s *Store) DeleteAll(ctx context.Context, ownerID string) ([]*job.Job, error) {
	if ownerID == "" {
		return nil, job.Invalid("owner is required")
	}
	return s.deleteWhere(ctx, Filter{OwnerID: ownerID})
}

func (s *Store) deleteWhere(ctx context.Context, f Filter) ([]*job.Job, error) {
	where, args := f.where()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT `+summaryColumns+` FROM jobs`+where, args...)
	if err != nil {
		return nil, err
	}
	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`+where, args...); err != nil {
		return nil, fmt.Errorf("delete jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}
