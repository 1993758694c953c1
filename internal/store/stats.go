package store

import (
	"context"

	"github.com/imalyk/go-image-processor/pkg/job"
)

// Counts aggregates jobs per status for one owner (all owners when empty).
func (s *Store) Counts(ctx context.Context, ownerID string) (map[job.Status]int, error) {
	where, args := Filter{OwnerID: ownerID}.where()
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[job.Status]int, len(job.Statuses))
	for _, st := range job.Statuses {
		out[st] = 0
	}
	for rows.Next() {
		var st job.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
