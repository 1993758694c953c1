// Package recovery reconciles jobs left in PROCESSING by a previous process.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/imalyk/go-image-processor/pkg/job"
)

type Store interface {
	ListByStatus(ctx context.Context, status job.Status) ([]*job.Job, error)
	ResetProcessing(ctx context.Context, id string, retryCount int, step, msg string) (bool, error)
	FailProcessing(ctx context.Context, id string, msg string) (bool, error)
}

// ActiveSet reports jobs a live processor in this process still holds.
type ActiveSet interface {
	Active(id string) bool
}

type Trigger interface {
	Trigger()
}

type Report struct {
	Scanned   int      `json:"scanned"`
	Requeued  []string `json:"requeued"`
	Failed    []string `json:"failed"`
	Skipped   []string `json:"skipped"`
	Triggered bool     `json:"triggered"`
}

type StuckJob struct {
	ID          string        `json:"id"`
	Type        job.Type      `json:"type"`
	OwnerID     string        `json:"ownerId"`
	CurrentStep string        `json:"currentStep,omitempty"`
	RetryCount  int           `json:"retryCount"`
	MaxRetries  int           `json:"maxRetries"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	Stuck       time.Duration `json:"-"`
	StuckFor    string        `json:"stuckFor"`
}

type Sweeper struct {
	store   Store
	active  ActiveSet
	trigger Trigger
	logger  *slog.Logger
}

// New builds a sweeper. active and trigger may be nil.
func New(store Store, active ActiveSet, trigger Trigger, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, active: active, trigger: trigger, logger: logger}
}

// Sweep requeues or fails every PROCESSING job that no live processor holds.
// Running it twice in a row is a no-op the second time.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	report := Report{Requeued: []string{}, Failed: []string{}, Skipped: []string{}}
	jobs, err := s.store.ListByStatus(ctx, job.StatusProcessing)
	if err != nil {
		return report, fmt.Errorf("list processing jobs: %w", err)
	}
	report.Scanned = len(jobs)

	for _, j := range jobs {
		if s.active != nil && s.active.Active(j.ID) {
			report.Skipped = append(report.Skipped, j.ID)
			continue
		}
		logger := s.logger.With("job_id", j.ID, "retry_count", j.RetryCount, "max_retries", j.MaxRetries)

		if j.RetryCount < j.MaxRetries {
			attempt := j.RetryCount + 1
			step := fmt.Sprintf("recovering (attempt %d/%d)", attempt, j.MaxRetries)
			msg := fmt.Sprintf("job was interrupted while %s; requeued for attempt %d of %d", describeStep(j), attempt, j.MaxRetries)
			ok, err := s.store.ResetProcessing(ctx, j.ID, attempt, step, msg)
			if err != nil {
				return report, fmt.Errorf("reset job %s: %w", j.ID, err)
			}
			if !ok {
				report.Skipped = append(report.Skipped, j.ID)
				continue
			}
			logger.Warn("requeued interrupted job", "attempt", attempt)
			report.Requeued = append(report.Requeued, j.ID)
			continue
		}

		msg := fmt.Sprintf("%v: job was interrupted %d times, giving up", job.ErrRecoveryExhausted, j.RetryCount+1)
		ok, err := s.store.FailProcessing(ctx, j.ID, msg)
		if err != nil {
			return report, fmt.Errorf("fail job %s: %w", j.ID, err)
		}
		if !ok {
			report.Skipped = append(report.Skipped, j.ID)
			continue
		}
		logger.Error("interrupted job exhausted its retries")
		report.Failed = append(report.Failed, j.ID)
	}

	if len(report.Requeued) > 0 && s.trigger != nil {
		s.trigger.Trigger()
		report.Triggered = true
	}
	s.logger.Info("recovery sweep finished",
		"scanned", report.Scanned, "requeued", len(report.Requeued), "failed", len(report.Failed), "skipped", len(report.Skipped))
	return report, nil
}

// Stuck lists PROCESSING jobs with how long each has been running as of now.
func (s *Sweeper) Stuck(ctx context.Context, now time.Time) ([]StuckJob, error) {
	jobs, err := s.store.ListByStatus(ctx, job.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("list processing jobs: %w", err)
	}
	out := make([]StuckJob, 0, len(jobs))
	for _, j := range jobs {
		since := j.UpdatedAt
		if j.StartedAt != nil {
			since = *j.StartedAt
		}
		d := now.Sub(since).Truncate(time.Second)
		out = append(out, StuckJob{
			ID:          j.ID,
			Type:        j.Type,
			OwnerID:     j.OwnerID,
			CurrentStep: j.CurrentStep,
			RetryCount:  j.RetryCount,
			MaxRetries:  j.MaxRetries,
			StartedAt:   j.StartedAt,
			Stuck:       d,
			StuckFor:    d.String(),
		})
	}
	return out, nil
}

func describeStep(j *job.Job) string {
	if j.CurrentStep == "" {
		return "processing"
	}
	return "at step " + j.CurrentStep
}
