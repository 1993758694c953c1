package recovery

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/imalyk/go-image-processor/internal/store"
	"github.com/imalyk/go-image-processor/pkg/job"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type counter struct{ n int }

func (c *counter) Trigger() { c.n++ }

type activeSet map[string]bool

func (a activeSet) Active(id string) bool { return a[id] }

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// orphan leaves a job in PROCESSING as if its process had crashed.
func orphan(t *testing.T, s *store.Store, retryCount, maxRetries int) string {
	t.Helper()
	ctx := context.Background()
	j := &job.Job{
		OwnerID:    "u1",
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		Input:      &job.WatermarkParams{ImageURL: "http://img/a.png"},
	}
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok, err := s.Claim(ctx, j.ID); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	return j.ID
}

func TestSweepRequeuesWithinBudget(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id := orphan(t, s, 1, 3)
	trig := &counter{}

	report, err := New(s, nil, trig, quiet).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.Requeued) != 1 || !report.Triggered {
		t.Fatalf("unexpected report %+v", report)
	}
	j, _ := s.Get(ctx, id)
	if j.Status != job.StatusPending || j.RetryCount != 2 || j.StartedAt != nil || j.Progress != 0 {
		t.Fatalf("unexpected job after reset %+v", j)
	}
	if j.CurrentStep != "recovering (attempt 2/3)" || j.ErrorMessage == "" {
		t.Fatalf("unexpected step %q / message %q", j.CurrentStep, j.ErrorMessage)
	}
	if trig.n != 1 {
		t.Fatalf("expected one trigger, got %d", trig.n)
	}

	// claiming again sets a fresh startedAt
	again, ok, err := s.Claim(ctx, id)
	if err != nil || !ok || again.StartedAt == nil {
		t.Fatalf("reclaim: %+v %v %v", again, ok, err)
	}
}

func TestSweepFailsExhaustedJob(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id := orphan(t, s, 3, 3)
	trig := &counter{}

	report, err := New(s, nil, trig, quiet).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.Failed) != 1 || report.Triggered {
		t.Fatalf("unexpected report %+v", report)
	}
	j, _ := s.Get(ctx, id)
	if j.Status != job.StatusFailed || j.CompletedAt == nil {
		t.Fatalf("unexpected job after sweep %+v", j)
	}
	if !strings.Contains(j.ErrorMessage, job.ErrRecoveryExhausted.Error()) {
		t.Fatalf("error message should name exhaustion: %q", j.ErrorMessage)
	}
	if trig.n != 0 {
		t.Fatal("nothing requeued, nothing to trigger")
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	orphan(t, s, 0, 3)
	orphan(t, s, 0, 3)
	trig := &counter{}
	sw := New(s, nil, trig, quiet)

	if _, err := sw.Sweep(ctx); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	report, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if report.Scanned != 0 || len(report.Requeued) != 0 {
		t.Fatalf("second sweep should find nothing, got %+v", report)
	}
	if trig.n != 1 {
		t.Fatalf("expected exactly one trigger, got %d", trig.n)
	}
}

func TestSweepSkipsLiveJobs(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	live := orphan(t, s, 0, 3)
	dead := orphan(t, s, 0, 3)

	report, err := New(s, activeSet{live: true}, nil, quiet).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != live {
		t.Fatalf("unexpected report %+v", report)
	}
	if j, _ := s.Get(ctx, live); j.Status != job.StatusProcessing {
		t.Fatalf("live job was touched: %s", j.Status)
	}
	if j, _ := s.Get(ctx, dead); j.Status != job.StatusPending {
		t.Fatalf("orphan was not requeued: %s", j.Status)
	}
}

func TestStuckReportsElapsed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id := orphan(t, s, 0, 3)

	stuck, err := New(s, nil, nil, quiet).Stuck(ctx, time.Now().Add(90*time.Second))
	if err != nil {
		t.Fatalf("stuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != id {
		t.Fatalf("unexpected stuck list %+v", stuck)
	}
	if stuck[0].Stuck < 89*time.Second {
		t.Fatalf("elapsed too small: %v", stuck[0].Stuck)
	}
}
