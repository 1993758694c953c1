// Package pipeline executes image jobs: the four-stage one-click pipeline and
// the single-stage job kinds.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/imalyk/go-image-processor/internal/artifact"
	"github.com/imalyk/go-image-processor/internal/provider"
	"github.com/imalyk/go-image-processor/internal/serializer"
	"github.com/imalyk/go-image-processor/pkg/job"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollAttempts = 30
)

type BackgroundReplacer interface {
	ReplaceBackground(ctx context.Context, req provider.BackgroundRequest) (string, error)
}

// TaskAPI is a submit-then-poll generator.
type TaskAPI interface {
	Submit(ctx context.Context, req provider.TaskRequest) (string, error)
	Poll(ctx context.Context, taskID string) (provider.TaskResult, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ProgressFunc is told about each finished stage.
type ProgressFunc func(ctx context.Context, step string, completed, total int)

type Deps struct {
	Serializer *serializer.Serializer
	Background BackgroundReplacer
	Outpaint   TaskAPI
	Upscale    TaskAPI
	Fetcher    Fetcher
	Artifacts  artifact.Store
	Logger     *slog.Logger
}

type Options struct {
	PollInterval  time.Duration
	PollAttempts  int
	WatermarkText string
}

type Runner struct {
	deps Deps
	opts Options
	log  *slog.Logger
}

func New(deps Deps, opts Options) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = DefaultPollAttempts
	}
	if opts.WatermarkText == "" {
		opts.WatermarkText = DefaultWatermarkText
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{deps: deps, opts: opts, log: logger}
}

// Run executes j and returns its output. A returned error fails the job.
func (r *Runner) Run(ctx context.Context, j *job.Job, progress ProgressFunc) (*job.Output, error) {
	if progress == nil {
		progress = func(context.Context, string, int, int) {}
	}
	switch p := j.Input.(type) {
	case *job.PipelineParams:
		return r.runPipeline(ctx, j, p, progress)
	case *job.BackgroundReplaceParams:
		return r.runSingle(ctx, j, job.StageBackgroundReplace, progress, func(ctx context.Context) (string, error) {
			return r.replaceBackground(ctx, p.ImageURL, p.BackgroundURL, p.Prompt)
		})
	case *job.OutpaintParams:
		return r.runSingle(ctx, j, job.StageOutpaint, progress, func(ctx context.Context) (string, error) {
			return r.outpaint(ctx, p.ImageURL, p.Prompt, p.OutpaintOptions)
		})
	case *job.UpscaleParams:
		return r.runSingle(ctx, j, job.StageUpscale, progress, func(ctx context.Context) (string, error) {
			return r.upscale(ctx, p.ImageURL, p.Scale)
		})
	case *job.WatermarkParams:
		return r.runWatermark(ctx, j, p, progress)
	case nil:
		return nil, fmt.Errorf("job %s has no input", j.ID)
	default:
		return nil, fmt.Errorf("unsupported job input %T", p)
	}
}

func (r *Runner) runPipeline(ctx context.Context, j *job.Job, p *job.PipelineParams, progress ProgressFunc) (*job.Output, error) {
	logger := r.log.With("job_id", j.ID)
	out := &job.Output{RequestedSteps: p.Steps, StageErrors: map[job.Stage]string{}}
	total := max(1, p.Steps.Count())
	// With one requested stage there is nothing to degrade to.
	only := p.Steps.Count() == 1
	completed := 0
	current := p.ImageURL

	stages := []struct {
		stage job.Stage
		run   func(ctx context.Context, in string) (string, error)
	}{
		{job.StageBackgroundReplace, func(ctx context.Context, in string) (string, error) {
			return r.replaceBackground(ctx, in, p.BackgroundURL, p.Prompt)
		}},
		{job.StageOutpaint, func(ctx context.Context, in string) (string, error) {
			return r.outpaint(ctx, in, p.Prompt, p.Outpaint)
		}},
		{job.StageUpscale, func(ctx context.Context, in string) (string, error) {
			return r.upscale(ctx, in, p.UpscaleScale)
		}},
	}
	for _, s := range stages {
		if !p.Steps.Get(s.stage) {
			continue
		}
		next, err := s.run(ctx, current)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err != nil {
			serr := &job.StageError{Stage: s.stage, Err: err}
			if only {
				return nil, serr
			}
			logger.Warn("stage failed, continuing with previous image", "stage", s.stage, "error", err)
			out.StageErrors[s.stage] = job.Truncate(serr.Error())
		} else {
			current = next
			out.ProcessSteps.Set(s.stage, true)
		}
		completed++
		progress(ctx, string(s.stage), completed, total)
	}

	data, err := r.deps.Fetcher.Fetch(ctx, current)
	if err != nil {
		return nil, fmt.Errorf("fetch result image: %w", err)
	}
	if p.Steps.Watermark {
		marked, err := Watermark(data, firstNonEmpty(p.WatermarkText, r.opts.WatermarkText))
		if err != nil {
			if only {
				return nil, &job.StageError{Stage: job.StageWatermark, Err: err}
			}
			logger.Warn("stage failed, continuing with previous image", "stage", job.StageWatermark, "error", err)
			out.StageErrors[job.StageWatermark] = job.Truncate((&job.StageError{Stage: job.StageWatermark, Err: err}).Error())
		} else {
			data = marked
			out.ProcessSteps.Watermark = true
		}
		completed++
		progress(ctx, string(job.StageWatermark), completed, total)
	}

	if err := r.persist(ctx, j, data, out); err != nil {
		return nil, err
	}
	if len(out.StageErrors) == 0 {
		out.StageErrors = nil
	}
	logger.Info("pipeline finished", "requested", p.Steps.Count(), "ran", out.ProcessSteps.Count())
	return out, nil
}

// runSingle runs a one-stage job. Its stage failure is the job failure.
func (r *Runner) runSingle(ctx context.Context, j *job.Job, stage job.Stage, progress ProgressFunc, run func(context.Context) (string, error)) (*job.Output, error) {
	out := &job.Output{}
	out.RequestedSteps.Set(stage, true)

	result, err := run(ctx)
	if err != nil {
		return nil, &job.StageError{Stage: stage, Err: err}
	}
	out.ProcessSteps.Set(stage, true)
	progress(ctx, string(stage), 1, 1)

	data, err := r.deps.Fetcher.Fetch(ctx, result)
	if err != nil {
		return nil, fmt.Errorf("fetch result image: %w", err)
	}
	if err := r.persist(ctx, j, data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runner) runWatermark(ctx context.Context, j *job.Job, p *job.WatermarkParams, progress ProgressFunc) (*job.Output, error) {
	out := &job.Output{RequestedSteps: job.StepSet{Watermark: true}}
	data, err := r.deps.Fetcher.Fetch(ctx, p.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch source image: %w", err)
	}
	marked, err := Watermark(data, firstNonEmpty(p.Text, r.opts.WatermarkText))
	if err != nil {
		return nil, &job.StageError{Stage: job.StageWatermark, Err: err}
	}
	out.ProcessSteps.Watermark = true
	progress(ctx, string(job.StageWatermark), 1, 1)
	if err := r.persist(ctx, j, marked, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runner) persist(ctx context.Context, j *job.Job, data []byte, out *job.Output) error {
	name := artifact.Name(j.ID)
	u, err := r.deps.Artifacts.Put(ctx, data, name, j.OwnerID)
	if err != nil {
		return fmt.Errorf("persist artifact: %w", err)
	}
	out.ResultURL = u
	out.ArtifactID = name
	return nil
}

// replaceBackground goes through the serializer: the upstream accepts a
// single concurrent request per account.
func (r *Runner) replaceBackground(ctx context.Context, imageURL, backgroundURL, prompt string) (string, error) {
	if r.deps.Background == nil || r.deps.Serializer == nil {
		return "", errors.New("background replacement is not configured")
	}
	req := provider.BackgroundRequest{ImageURL: imageURL, BackgroundURL: backgroundURL, Prompt: prompt}
	return serializer.Do(ctx, r.deps.Serializer, func(ctx context.Context) (string, error) {
		return r.deps.Background.ReplaceBackground(ctx, req)
	})
}

func (r *Runner) outpaint(ctx context.Context, imageURL, prompt string, o job.OutpaintOptions) (string, error) {
	return r.runTask(ctx, r.deps.Outpaint, job.StageOutpaint, provider.TaskRequest{
		ImageURL: imageURL, Prompt: prompt, Left: o.Left, Right: o.Right, Top: o.Top, Bottom: o.Bottom,
	})
}

func (r *Runner) upscale(ctx context.Context, imageURL string, scale int) (string, error) {
	if scale == 0 {
		scale = 2
	}
	return r.runTask(ctx, r.deps.Upscale, job.StageUpscale, provider.TaskRequest{ImageURL: imageURL, Scale: scale})
}

// runTask submits a task and polls it until SUCCEEDED or FAILED. Any other
// status, and transient poll errors, keep the loop going.
func (r *Runner) runTask(ctx context.Context, api TaskAPI, stage job.Stage, req provider.TaskRequest) (string, error) {
	if api == nil {
		return "", fmt.Errorf("%s is not configured", stage)
	}
	taskID, err := api.Submit(ctx, req)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	var result string
	err = Poll(ctx, r.opts.PollInterval, r.opts.PollAttempts, func(ctx context.Context) (bool, error) {
		res, err := api.Poll(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			r.log.Debug("poll failed, retrying", "stage", stage, "task_id", taskID, "error", err)
			return false, nil
		}
		switch res.Status {
		case provider.TaskSucceeded:
			if res.ResultURL == "" {
				return false, errors.New("task succeeded without a result url")
			}
			result = res.ResultURL
			return true, nil
		case provider.TaskFailed:
			return false, fmt.Errorf("task %s failed: %s", taskID, res.Error)
		}
		return false, nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
