package store

import (
	"context"
	"strings"

	"github.com/imalyk/go-image-processor/pkg/job"
)

type Filter struct {
	OwnerID string
	Status  job.Status
	Type    job.Type
	IDs     []string
	Limit   int
	Offset  int
}

func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.OwnerID != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if len(f.IDs) > 0 {
		conds = append(conds, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns a page of jobs without their input/output payloads, newest
// first, plus the total number of matching jobs.
func (s *Store) List(ctx context.Context, f Filter) ([]*job.Job, int, error) {
	where, args := f.where()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+summaryColumns+` FROM jobs`+where+`
ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, append(args, limit, max(0, f.Offset))...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	return out, total, rows.Err()
}

// ListByStatus returns every job in status with full payloads, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status job.Status) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
