// Package worker claims pending jobs and runs them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/imalyk/go-image-processor/internal/pipeline"
	"github.com/imalyk/go-image-processor/pkg/job"
)

const (
	DefaultBatchSize   = 5
	DefaultConcurrency = 2
)

// Store is the part of the job store the dispatcher needs.
type Store interface {
	PendingIDs(ctx context.Context, limit int) ([]string, error)
	Claim(ctx context.Context, id string) (*job.Job, bool, error)
	Patch(ctx context.Context, id string, p job.Patch) (*job.Job, error)
}

type Runner interface {
	Run(ctx context.Context, j *job.Job, progress pipeline.ProgressFunc) (*job.Output, error)
}

type Options struct {
	BatchSize   int
	Concurrency int
}

type DrainOptions struct {
	// All keeps draining batches until no pending job is left.
	All bool
}

// Summary counts what one drain did.
type Summary struct {
	Batches   int `json:"batches"`
	Claimed   int `json:"claimed"`
	Skipped   int `json:"skipped"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Abandoned int `json:"abandoned"`
}

func (s *Summary) add(o Summary) {
	s.Batches += o.Batches
	s.Claimed += o.Claimed
	s.Skipped += o.Skipped
	s.Completed += o.Completed
	s.Failed += o.Failed
	s.Cancelled += o.Cancelled
	s.Abandoned += o.Abandoned
}

type Dispatcher struct {
	store  Store
	runner Runner
	opts   Options
	logger *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewDispatcher(store Store, runner Runner, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		runner: runner,
		opts:   opts,
		logger: logger,
		ready:  make(chan struct{}),
		active: make(map[string]context.CancelFunc),
	}
}

// Open lets drains proceed. Until it is called every Drain blocks, so the
// startup recovery sweep always runs before the first claim.
func (d *Dispatcher) Open() {
	d.readyOnce.Do(func() { close(d.ready) })
}

// Active reports whether id is being run by this process.
func (d *Dispatcher) Active(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[id]
	return ok
}

// Cancel aborts the in-flight run of id, if any.
func (d *Dispatcher) Cancel(id string) bool {
	d.mu.Lock()
	cancel, ok := d.active[id]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (d *Dispatcher) Drain(ctx context.Context, opts DrainOptions) (Summary, error) {
	var total Summary
	select {
	case <-d.ready:
	case <-ctx.Done():
		return total, ctx.Err()
	}

	for {
		ids, err := d.store.PendingIDs(ctx, d.opts.BatchSize)
		if err != nil {
			return total, fmt.Errorf("list pending jobs: %w", err)
		}
		if len(ids) == 0 {
			return total, nil
		}
		batch := d.runBatch(ctx, ids)
		total.add(batch)
		if err := ctx.Err(); err != nil {
			return total, err
		}
		// Every id went to another drainer; stop rather than spin on them.
		if !opts.All || batch.Claimed == 0 {
			return total, nil
		}
	}
}

func (d *Dispatcher) runBatch(ctx context.Context, ids []string) Summary {
	var (
		mu  sync.Mutex
		sum = Summary{Batches: 1}
		wg  sync.WaitGroup
		sem = make(chan struct{}, d.opts.Concurrency)
	)
	record := func(f func(*Summary)) {
		mu.Lock()
		f(&sum)
		mu.Unlock()
	}

	for _, id := range ids {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return sum
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			d.process(ctx, id, record)
		}(id)
	}
	wg.Wait()
	return sum
}

func (d *Dispatcher) process(ctx context.Context, id string, record func(func(*Summary))) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The id is marked active before the claim commits, so a recovery sweep
	// running in between never takes a claimed job for an orphan.
	if !d.track(id, cancel) {
		d.logger.Debug("job already running in this process", "job_id", id)
		record(func(s *Summary) { s.Skipped++ })
		return
	}
	defer d.untrack(id)

	j, ok, err := d.store.Claim(ctx, id)
	if err != nil {
		d.logger.Error("failed to claim job", "job_id", id, "error", err)
		record(func(s *Summary) { s.Skipped++ })
		return
	}
	if !ok {
		d.logger.Debug("job already claimed", "job_id", id)
		record(func(s *Summary) { s.Skipped++ })
		return
	}
	record(func(s *Summary) { s.Claimed++ })
	logger := d.logger.With("job_id", j.ID, "type", j.Type)
	logger.Info("job claimed", "retry_count", j.RetryCount)

	out, runErr := d.runSafely(runCtx, j)

	switch {
	case ctx.Err() != nil:
		// Shutdown. The job stays PROCESSING and the next recovery sweep requeues it.
		logger.Warn("job abandoned on shutdown", "error", ctx.Err())
		record(func(s *Summary) { s.Abandoned++ })
	case runCtx.Err() != nil:
		logger.Info("job cancelled")
		record(func(s *Summary) { s.Cancelled++ })
	case runErr != nil:
		d.markFailure(ctx, j, runErr)
		record(func(s *Summary) { s.Failed++ })
	default:
		err := d.markCompleted(ctx, j, out)
		switch {
		case err == nil:
			record(func(s *Summary) { s.Completed++ })
		case errors.Is(err, job.ErrTerminal), errors.Is(err, job.ErrInvalidTransition), errors.Is(err, job.ErrNotFound):
			logger.Info("job finished after leaving PROCESSING, result dropped", "error", err)
			record(func(s *Summary) { s.Cancelled++ })
		default:
			d.markFailure(ctx, j, fmt.Errorf("finalize job: %w", err))
			record(func(s *Summary) { s.Failed++ })
		}
	}
}

func (d *Dispatcher) runSafely(ctx context.Context, j *job.Job) (out *job.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while running job: %v", r)
		}
	}()
	return d.runner.Run(ctx, j, d.reportProgress(j))
}

func (d *Dispatcher) reportProgress(j *job.Job) pipeline.ProgressFunc {
	return func(ctx context.Context, step string, completed, total int) {
		progress := job.ClampProgress(completed * 100 / max(1, total))
		if progress == 100 {
			progress = 99
		}
		if _, err := d.markStatus(ctx, j.ID, job.StatusProcessing, job.Patch{
			Progress:       &progress,
			CurrentStep:    &step,
			CompletedSteps: &completed,
		}); err != nil {
			d.logger.Warn("failed to update progress", "job_id", j.ID, "error", err)
		}
	}
}

func (d *Dispatcher) markStatus(ctx context.Context, id string, status job.Status, p job.Patch) (*job.Job, error) {
	p.Status = &status
	return d.store.Patch(ctx, id, p)
}

func (d *Dispatcher) markCompleted(ctx context.Context, j *job.Job, out *job.Output) error {
	progress := 100
	step := "completed"
	empty := ""
	completed := out.ProcessSteps.Count()
	if _, err := d.markStatus(ctx, j.ID, job.StatusCompleted, job.Patch{
		Progress:       &progress,
		CurrentStep:    &step,
		CompletedSteps: &completed,
		Output:         out,
		ArtifactID:     &out.ArtifactID,
		ErrorMessage:   &empty,
	}); err != nil {
		return err
	}
	d.logger.Info("job completed", "job_id", j.ID, "artifact_id", out.ArtifactID, "steps", completed)
	return nil
}

func (d *Dispatcher) markFailure(ctx context.Context, j *job.Job, cause error) {
	errMsg := job.Truncate(cause.Error())
	step := "failed"
	d.logger.Error("job failed", "job_id", j.ID, "error", errMsg)
	if _, err := d.markStatus(ctx, j.ID, job.StatusFailed, job.Patch{
		CurrentStep:  &step,
		ErrorMessage: &errMsg,
	}); err != nil {
		d.logger.Error("failed to mark job failure", "job_id", j.ID, "error", err)
	}
}

func (d *Dispatcher) track(id string, cancel context.CancelFunc) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.active[id]; ok {
		return false
	}
	d.active[id] = cancel
	return true
}

func (d *Dispatcher) untrack(id string) {
	d.mu.Lock()
	delete(d.active, id)
	d.mu.Unlock()
}
