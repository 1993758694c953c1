// Package jobs is the submission, patch, delete and retry surface over the
// job store.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/imalyk/go-image-processor/internal/artifact"
	"github.com/imalyk/go-image-processor/internal/store"
	"github.com/imalyk/go-image-processor/pkg/job"
)

type Store interface {
	Create(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, f store.Filter) ([]*job.Job, int, error)
	Counts(ctx context.Context, ownerID string) (map[job.Status]int, error)
	Patch(ctx context.Context, id string, p job.Patch) (*job.Job, error)
	Delete(ctx context.Context, ownerID string, ids []string) ([]*job.Job, error)
	DeleteAll(ctx context.Context, ownerID string) ([]*job.Job, error)
}

type Trigger interface {
	Trigger()
}

// Canceler aborts an in-flight run.
type Canceler interface {
	Cancel(id string) bool
}

// SubmitRequest is one job as a client submits it.
type SubmitRequest struct {
	Type       job.Type        `json:"type"`
	Priority   int             `json:"priority,omitempty"`
	ProjectID  string          `json:"projectId,omitempty"`
	MaxRetries int             `json:"maxRetries,omitempty"`
	TotalSteps int             `json:"totalSteps,omitempty"`
	InputData  json.RawMessage `json:"inputData"`
}

type ListResult struct {
	Jobs   []*job.Job         `json:"jobs"`
	Total  int                `json:"total"`
	Counts map[job.Status]int `json:"counts"`
}

type Service struct {
	store      Store
	artifacts  artifact.Store
	trigger    Trigger
	canceler   Canceler
	logger     *slog.Logger
	maxRetries int
}

// New builds the service. artifacts, trigger and canceler may be nil.
func New(s Store, artifacts artifact.Store, trigger Trigger, canceler Canceler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, artifacts: artifacts, trigger: trigger, canceler: canceler, logger: logger}
}

// WithMaxRetries sets the maxRetries given to submissions that do not name one.
func (s *Service) WithMaxRetries(n int) *Service {
	s.maxRetries = n
	return s
}

// Submit validates every request before creating any job, so one bad entry
// rejects the whole batch.
func (s *Service) Submit(ctx context.Context, owner string, reqs []SubmitRequest) ([]*job.Job, error) {
	if owner == "" {
		return nil, job.ErrUnauthorized
	}
	if len(reqs) == 0 {
		return nil, job.Invalid("no jobs submitted")
	}

	pending := make([]*job.Job, 0, len(reqs))
	for i, r := range reqs {
		if r.Type == "" {
			return nil, job.Invalid("job %d: type is required", i)
		}
		params, err := job.DecodeParams(r.Type, r.InputData)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		if err := params.Validate(); err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		if r.MaxRetries < 0 || r.TotalSteps < 0 {
			return nil, job.Invalid("job %d: maxRetries and totalSteps must not be negative", i)
		}
		if r.MaxRetries == 0 {
			r.MaxRetries = s.maxRetries
		}
		pending = append(pending, &job.Job{
			Type:       r.Type,
			Priority:   r.Priority,
			ProjectID:  r.ProjectID,
			MaxRetries: r.MaxRetries,
			TotalSteps: r.TotalSteps,
			OwnerID:    owner,
			Input:      params,
		})
	}

	created := make([]*job.Job, 0, len(pending))
	for _, j := range pending {
		if err := s.store.Create(ctx, j); err != nil {
			return created, fmt.Errorf("create job: %w", err)
		}
		s.logger.Info("job submitted", "job_id", j.ID, "type", j.Type, "owner_id", owner)
		created = append(created, j)
	}
	s.wake()
	return created, nil
}

// Get returns the job when owner owns it. Someone else's job reads as absent.
func (s *Service) Get(ctx context.Context, owner, id string) (*job.Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != owner {
		return nil, fmt.Errorf("job %s: %w", id, job.ErrNotFound)
	}
	return j, nil
}

func (s *Service) List(ctx context.Context, owner string, f store.Filter) (ListResult, error) {
	if owner == "" {
		return ListResult{}, job.ErrUnauthorized
	}
	if f.Status != "" && !f.Status.Valid() {
		return ListResult{}, job.Invalid("unknown status %q", f.Status)
	}
	f.OwnerID = owner
	list, total, err := s.store.List(ctx, f)
	if err != nil {
		return ListResult{}, fmt.Errorf("list jobs: %w", err)
	}
	counts, err := s.store.Counts(ctx, owner)
	if err != nil {
		return ListResult{}, fmt.Errorf("count jobs: %w", err)
	}
	if list == nil {
		list = []*job.Job{}
	}
	return ListResult{Jobs: list, Total: total, Counts: counts}, nil
}

// Patch updates a job the owner holds. Moving it to CANCELLED also aborts a
// run in progress.
func (s *Service) Patch(ctx context.Context, owner, id string, p job.Patch) (*job.Job, error) {
	if p.Empty() {
		return nil, job.Invalid("empty patch")
	}
	// Only a dispatcher claim moves a job into PROCESSING.
	if p.Status != nil && *p.Status == job.StatusProcessing {
		return nil, fmt.Errorf("job %s: %w: status PROCESSING is set by the worker", id, job.ErrInvalidTransition)
	}
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.OwnerID != owner {
		return nil, fmt.Errorf("job %s: %w", id, job.ErrUnauthorized)
	}
	next, err := s.store.Patch(ctx, id, p)
	if err != nil {
		return nil, err
	}
	if p.Status != nil && next.Status.Terminal() && s.canceler != nil && s.canceler.Cancel(id) {
		s.logger.Info("stopped running job", "job_id", id, "status", next.Status)
	}
	return next, nil
}

// Delete removes the owner's jobs and then, best effort, their artifacts.
func (s *Service) Delete(ctx context.Context, owner string, ids []string) (int, error) {
	if owner == "" {
		return 0, job.ErrUnauthorized
	}
	if len(ids) == 0 {
		return 0, job.Invalid("jobIds is required")
	}
	deleted, err := s.store.Delete(ctx, owner, ids)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	s.cleanup(ctx, deleted)
	return len(deleted), nil
}

func (s *Service) DeleteAll(ctx context.Context, owner string) (int, error) {
	if owner == "" {
		return 0, job.ErrUnauthorized
	}
	deleted, err := s.store.DeleteAll(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	s.cleanup(ctx, deleted)
	return len(deleted), nil
}

func (s *Service) cleanup(ctx context.Context, deleted []*job.Job) {
	for _, j := range deleted {
		if s.canceler != nil {
			s.canceler.Cancel(j.ID)
		}
		if j.ArtifactID == "" || s.artifacts == nil {
			continue
		}
		if err := s.artifacts.Delete(ctx, j.ArtifactID, j.OwnerID); err != nil {
			s.logger.Warn("failed to delete artifact", "job_id", j.ID, "artifact_id", j.ArtifactID, "error", err)
		}
	}
}

// Retry creates fresh PENDING copies of the owner's terminal jobs.
// Ids that are missing, foreign or not retryable are left out silently, and
// the originals are never modified.
func (s *Service) Retry(ctx context.Context, owner string, ids []string) ([]*job.Job, error) {
	if owner == "" {
		return nil, job.ErrUnauthorized
	}
	if len(ids) == 0 {
		return nil, job.Invalid("jobIds is required")
	}

	clones := []*job.Job{}
	for _, id := range ids {
		orig, err := s.store.Get(ctx, id)
		if errors.Is(err, job.ErrNotFound) {
			continue
		}
		if err != nil {
			return clones, err
		}
		if orig.OwnerID != owner || !orig.Status.Terminal() || orig.Input == nil {
			continue
		}
		clone := &job.Job{
			Type:       orig.Type,
			Priority:   orig.Priority,
			TotalSteps: orig.TotalSteps,
			MaxRetries: orig.MaxRetries,
			OwnerID:    orig.OwnerID,
			ProjectID:  orig.ProjectID,
			Input:      orig.Input,
		}
		if err := s.store.Create(ctx, clone); err != nil {
			return clones, fmt.Errorf("create retry of %s: %w", id, err)
		}
		s.logger.Info("job retried", "job_id", clone.ID, "retry_of", orig.ID)
		clones = append(clones, clone)
	}
	if len(clones) > 0 {
		s.wake()
	}
	return clones, nil
}

func (s *Service) wake() {
	if s.trigger != nil {
		s.trigger.Trigger()
	}
}
