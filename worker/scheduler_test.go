package worker

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-image-processor/pkg/job"
)

type countingDrainer struct {
	mu    sync.Mutex
	calls []DrainOptions
	hold  time.Duration
	seen  chan struct{}
}

func (c *countingDrainer) Drain(ctx context.Context, opts DrainOptions) (Summary, error) {
	c.mu.Lock()
	c.calls = append(c.calls, opts)
	c.mu.Unlock()
	time.Sleep(c.hold)
	select {
	case c.seen <- struct{}{}:
	default:
	}
	return Summary{}, nil
}

func (c *countingDrainer) snapshot() []DrainOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DrainOptions(nil), c.calls...)
}

func TestTriggersCoalesce(t *testing.T) {
	d := &countingDrainer{hold: 30 * time.Millisecond, seen: make(chan struct{}, 8)}
	s := NewScheduler(d, SchedulerOptions{}, quiet)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Trigger()
	<-d.seen
	for i := 0; i < 10; i++ {
		s.Trigger()
	}
	time.Sleep(100 * time.Millisecond)

	calls := d.snapshot()
	if len(calls) < 2 || len(calls) > 3 {
		t.Fatalf("expected triggers to coalesce, got %d drains", len(calls))
	}
	if !calls[0].All {
		t.Fatal("Trigger must drain everything pending")
	}
}

func TestWakeSingleBatch(t *testing.T) {
	d := &countingDrainer{seen: make(chan struct{}, 1)}
	s := NewScheduler(d, SchedulerOptions{}, quiet)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Wake(false)
	select {
	case <-d.seen:
	case <-time.After(time.Second):
		t.Fatal("wake did not drain")
	}
	if calls := d.snapshot(); calls[0].All {
		t.Fatal("Wake(false) must drain a single batch")
	}
}

func TestTickerDrains(t *testing.T) {
	d := &countingDrainer{seen: make(chan struct{}, 4)}
	s := NewScheduler(d, SchedulerOptions{Tick: 10 * time.Millisecond}, quiet)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-d.seen:
		case <-time.After(time.Second):
			t.Fatal("ticker did not drain")
		}
	}
}

func TestRedisWakeMessage(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	key := "imageq:test:wake:" + time.Now().Format("150405.000")

	d := &countingDrainer{seen: make(chan struct{}, 1)}
	s := NewScheduler(d, SchedulerOptions{Redis: client, WakeKey: key, PollTimeout: 100 * time.Millisecond}, quiet)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if err := Publish(ctx, client, key, job.WakeMessage{Reason: "test", All: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-d.seen:
	case <-time.After(3 * time.Second):
		t.Fatal("wake message did not trigger a drain")
	}
}
