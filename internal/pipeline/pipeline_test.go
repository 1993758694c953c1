package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/imalyk/go-image-processor/internal/provider"
	"github.com/imalyk/go-image-processor/internal/serializer"
	"github.com/imalyk/go-image-processor/pkg/job"
)

type fakeBackground struct {
	err   error
	calls int
}

func (f *fakeBackground) ReplaceBackground(ctx context.Context, req provider.BackgroundRequest) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return req.ImageURL + "+bg", nil
}

type fakeTasks struct {
	suffix  string
	pending int
	fail    bool

	mu    sync.Mutex
	polls int
	seen  []provider.TaskRequest
}

func (f *fakeTasks) Submit(ctx context.Context, req provider.TaskRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, req)
	return "task-" + req.ImageURL, nil
}

func (f *fakeTasks) Poll(ctx context.Context, taskID string) (provider.TaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls <= f.pending {
		return provider.TaskResult{Status: provider.TaskPending}, nil
	}
	if f.fail {
		return provider.TaskResult{Status: provider.TaskFailed, Error: "model error"}, nil
	}
	req := f.seen[len(f.seen)-1]
	return provider.TaskResult{Status: provider.TaskSucceeded, ResultURL: req.ImageURL + f.suffix}, nil
}

type fakeFetcher struct {
	data    []byte
	fetched []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.fetched = append(f.fetched, url)
	return f.data, nil
}

type memArtifacts struct {
	objects map[string][]byte
	err     error
}

func (m *memArtifacts) Put(ctx context.Context, data []byte, name, owner string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[owner+"/"+name] = data
	return "http://store/" + owner + "/" + name, nil
}

func (m *memArtifacts) Delete(ctx context.Context, name, owner string) error {
	delete(m.objects, owner+"/"+name)
	return nil
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: 80, B: uint8(y * 8), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

type fixture struct {
	bg        *fakeBackground
	outpaint  *fakeTasks
	upscale   *fakeTasks
	fetcher   *fakeFetcher
	artifacts *memArtifacts
	runner    *Runner
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		bg:        &fakeBackground{},
		outpaint:  &fakeTasks{suffix: "+out", pending: 1},
		upscale:   &fakeTasks{suffix: "+up"},
		fetcher:   &fakeFetcher{data: testPNG(t)},
		artifacts: &memArtifacts{},
	}
	f.runner = New(Deps{
		Serializer: serializer.New(serializer.Options{Spacing: time.Millisecond, Cooldown: 10 * time.Millisecond}),
		Background: f.bg,
		Outpaint:   f.outpaint,
		Upscale:    f.upscale,
		Fetcher:    f.fetcher,
		Artifacts:  f.artifacts,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Options{PollInterval: time.Millisecond, PollAttempts: 5})
	return f
}

func oneClick() *job.Job {
	return &job.Job{
		ID:      "job-1",
		Type:    job.TypeOneClick,
		OwnerID: "user-1",
		Input: &job.PipelineParams{
			ImageURL:      "src",
			BackgroundURL: "bg",
			Prompt:        "beach",
			Outpaint:      job.OutpaintOptions{Left: 10},
			UpscaleScale:  4,
			Steps:         job.StepSet{BackgroundReplace: true, Outpaint: true, Upscale: true, Watermark: true},
		},
	}
}

func TestPipelineAllStages(t *testing.T) {
	f := newFixture(t)
	var steps []string
	out, err := f.runner.Run(context.Background(), oneClick(), func(_ context.Context, step string, done, total int) {
		steps = append(steps, fmt.Sprintf("%s %d/%d", step, done, total))
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := job.StepSet{BackgroundReplace: true, Outpaint: true, Upscale: true, Watermark: true}
	if out.ProcessSteps != want || out.RequestedSteps != want {
		t.Fatalf("unexpected steps %+v", out)
	}
	if len(out.StageErrors) != 0 {
		t.Fatalf("unexpected stage errors %v", out.StageErrors)
	}
	if got := f.fetcher.fetched[0]; got != "src+bg+out+up" {
		t.Fatalf("stages did not chain, fetched %s", got)
	}
	if f.upscale.seen[0].Scale != 4 || f.outpaint.seen[0].Left != 10 {
		t.Fatalf("stage options not forwarded: %+v %+v", f.upscale.seen[0], f.outpaint.seen[0])
	}
	if out.ArtifactID != "job-1.png" || out.ResultURL != "http://store/user-1/job-1.png" {
		t.Fatalf("unexpected artifact %s %s", out.ArtifactID, out.ResultURL)
	}
	if len(steps) != 4 || steps[3] != "watermark 4/4" {
		t.Fatalf("unexpected progress %v", steps)
	}
}

func TestPipelineContinuesPastFailedStage(t *testing.T) {
	f := newFixture(t)
	f.bg.err = errors.New("upstream 500")

	out, err := f.runner.Run(context.Background(), oneClick(), nil)
	if err != nil {
		t.Fatalf("a failed stage must not fail the job: %v", err)
	}
	want := job.StepSet{BackgroundReplace: false, Outpaint: true, Upscale: true, Watermark: true}
	if out.ProcessSteps != want {
		t.Fatalf("processSteps = %+v, want %+v", out.ProcessSteps, want)
	}
	if out.StageErrors[job.StageBackgroundReplace] == "" {
		t.Fatal("expected the background stage error to be recorded")
	}
	if f.outpaint.seen[0].ImageURL != "src" {
		t.Fatalf("outpaint should receive the original image, got %s", f.outpaint.seen[0].ImageURL)
	}
}

func TestPipelineSkipsDisabledStages(t *testing.T) {
	f := newFixture(t)
	j := oneClick()
	j.Input.(*job.PipelineParams).Steps = job.StepSet{Upscale: true}

	out, err := f.runner.Run(context.Background(), j, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.bg.calls != 0 || len(f.outpaint.seen) != 0 {
		t.Fatal("disabled stages must not be called")
	}
	if out.ProcessSteps != (job.StepSet{Upscale: true}) {
		t.Fatalf("unexpected steps %+v", out.ProcessSteps)
	}
	if !bytes.Equal(f.artifacts.objects["user-1/job-1.png"], f.fetcher.data) {
		t.Fatal("without watermark the fetched bytes are stored as is")
	}
}

func TestPipelineOnlyStageFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	f.bg.err = errors.New("upstream 500")
	j := oneClick()
	j.Input.(*job.PipelineParams).Steps = job.StepSet{BackgroundReplace: true}

	out, err := f.runner.Run(context.Background(), j, nil)
	var serr *job.StageError
	if !errors.As(err, &serr) || serr.Stage != job.StageBackgroundReplace {
		t.Fatalf("expected background stage error, got out=%+v err=%v", out, err)
	}
	if len(f.artifacts.objects) != 0 || len(f.fetcher.fetched) != 0 {
		t.Fatal("the source image must not be stored as a result")
	}
}

func TestSingleStageFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	f.upscale.fail = true
	j := &job.Job{ID: "job-2", Type: job.TypeUpscale, OwnerID: "u", Input: &job.UpscaleParams{ImageURL: "src", Scale: 2}}

	_, err := f.runner.Run(context.Background(), j, nil)
	var serr *job.StageError
	if !errors.As(err, &serr) || serr.Stage != job.StageUpscale {
		t.Fatalf("expected upscale stage error, got %v", err)
	}
	if len(f.artifacts.objects) != 0 {
		t.Fatal("nothing should be persisted for a failed job")
	}
}

func TestTaskPollTimeout(t *testing.T) {
	f := newFixture(t)
	f.outpaint.pending = 100
	j := &job.Job{ID: "job-3", Type: job.TypeOutpaint, OwnerID: "u", Input: &job.OutpaintParams{ImageURL: "src"}}

	_, err := f.runner.Run(context.Background(), j, nil)
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("expected poll timeout, got %v", err)
	}
}

func TestArtifactFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	f.artifacts.err = errors.New("bucket gone")
	j := &job.Job{ID: "job-4", Type: job.TypeWatermark, OwnerID: "u", Input: &job.WatermarkParams{ImageURL: "src"}}

	if _, err := f.runner.Run(context.Background(), j, nil); err == nil {
		t.Fatal("expected persist error")
	}
}

func TestCancelledRunStops(t *testing.T) {
	f := newFixture(t)
	f.outpaint.pending = 100
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	f.runner.opts.PollAttempts = 1000

	_, err := f.runner.Run(ctx, oneClick(), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWatermarkDeterministic(t *testing.T) {
	src := testPNG(t)
	a, err := Watermark(src, "imageq")
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	b, _ := Watermark(src, "imageq")
	if !bytes.Equal(a, b) {
		t.Fatal("same input must give the same output")
	}
	if bytes.Equal(a, src) {
		t.Fatal("watermark did not change the image")
	}
	img, err := png.Decode(bytes.NewReader(a))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if img.Bounds() != image.Rect(0, 0, 64, 32) {
		t.Fatalf("size changed: %v", img.Bounds())
	}
}

func TestWatermarkRejectsGarbage(t *testing.T) {
	if _, err := Watermark([]byte("not an image"), "x"); err == nil {
		t.Fatal("expected decode error")
	}
}
