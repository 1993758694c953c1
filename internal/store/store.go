// Package store persists jobs in SQLite and owns the status compare-and-set
// that makes claiming safe across concurrent drains.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/imalyk/go-image-processor/pkg/job"
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "jobs.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one writer; every claim and patch is serialized through this connection
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  id              TEXT PRIMARY KEY,
  type            TEXT NOT NULL,
  status          TEXT NOT NULL,
  priority        INTEGER NOT NULL DEFAULT 0,
  progress        INTEGER NOT NULL DEFAULT 0,
  current_step    TEXT,
  total_steps     INTEGER NOT NULL DEFAULT 1,
  completed_steps INTEGER NOT NULL DEFAULT 0,
  input_data      TEXT,
  output_data     TEXT,
  error_message   TEXT,
  retry_count     INTEGER NOT NULL DEFAULT 0,
  max_retries     INTEGER NOT NULL DEFAULT 3,
  owner_id        TEXT NOT NULL,
  project_id      TEXT,
  artifact_id     TEXT,
  created_at      DATETIME NOT NULL,
  updated_at      DATETIME NOT NULL,
  started_at      DATETIME,
  completed_at    DATETIME
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id, status);
`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `id, type, status, priority, progress, current_step, total_steps, completed_steps,
input_data, output_data, error_message, retry_count, max_retries, owner_id, project_id, artifact_id,
created_at, updated_at, started_at, completed_at`

// summaryColumns matches jobColumns but leaves the opaque payloads out.
const summaryColumns = `id, type, status, priority, progress, current_step, total_steps, completed_steps,
NULL, NULL, error_message, retry_count, max_retries, owner_id, project_id, artifact_id,
created_at, updated_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*job.Job, error) {
	var (
		j                           job.Job
		step, input, output, errMsg sql.NullString
		project, artifact           sql.NullString
		startedAt, completedAt      sql.NullTime
	)
	if err := sc.Scan(&j.ID, &j.Type, &j.Status, &j.Priority, &j.Progress, &step, &j.TotalSteps, &j.CompletedSteps,
		&input, &output, &errMsg, &j.RetryCount, &j.MaxRetries, &j.OwnerID, &project, &artifact,
		&j.CreatedAt, &j.UpdatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	j.CurrentStep = step.String
	j.ErrorMessage = errMsg.String
	j.ProjectID = project.String
	j.ArtifactID = artifact.String
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		j.CompletedAt = &t
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()

	if input.Valid && input.String != "" {
		p, err := job.DecodeParams(j.Type, []byte(input.String))
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", j.ID, err)
		}
		j.Input = p
	}
	if output.Valid && output.String != "" {
		var out job.Output
		if err := json.Unmarshal([]byte(output.String), &out); err != nil {
			return nil, fmt.Errorf("job %s: decode outputData: %w", j.ID, err)
		}
		j.Output = &out
	}
	return &j, nil
}

func encodeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
