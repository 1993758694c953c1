package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-image-processor/pkg/job"
)

const DefaultWakeKey = "imageq:wake"

type Drainer interface {
	Drain(ctx context.Context, opts DrainOptions) (Summary, error)
}

type SchedulerOptions struct {
	// Tick drains on a fixed interval when positive.
	Tick time.Duration
	// Redis, when set, is watched for wake messages on WakeKey.
	Redis       *redis.Client
	WakeKey     string
	PollTimeout time.Duration
}

// Scheduler runs drains one at a time, on demand and on a ticker.
type Scheduler struct {
	drainer Drainer
	opts    SchedulerOptions
	logger  *slog.Logger

	wake chan struct{}
	all  atomic.Bool
}

func NewScheduler(drainer Drainer, opts SchedulerOptions, logger *slog.Logger) *Scheduler {
	if opts.WakeKey == "" {
		opts.WakeKey = DefaultWakeKey
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		drainer: drainer,
		opts:    opts,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Trigger asks for a drain of everything pending. It never blocks; triggers
// arriving while a drain is queued collapse into it.
func (s *Scheduler) Trigger() {
	s.Wake(true)
}

// Wake asks for one batch, or for everything pending when all is set.
func (s *Scheduler) Wake(all bool) {
	if all {
		s.all.Store(true)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.Redis != nil {
		go s.listen(ctx)
	}

	var tick <-chan time.Time
	if s.opts.Tick > 0 {
		ticker := time.NewTicker(s.opts.Tick)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			s.drain(ctx, s.all.Swap(false))
		case <-tick:
			s.drain(ctx, true)
		}
	}
}

func (s *Scheduler) drain(ctx context.Context, all bool) {
	sum, err := s.drainer.Drain(ctx, DrainOptions{All: all})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("drain failed", "error", err)
		return
	}
	if sum.Claimed > 0 {
		s.logger.Info("drain finished",
			"claimed", sum.Claimed, "completed", sum.Completed, "failed", sum.Failed,
			"cancelled", sum.Cancelled, "skipped", sum.Skipped)
	}
}

// listen turns wake messages pushed by other processes into local triggers.
func (s *Scheduler) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := s.opts.Redis.BLPop(ctx, s.opts.PollTimeout, s.opts.WakeKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error("failed to pop wake message", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if len(res) < 2 {
			continue
		}

		var msg job.WakeMessage
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			s.logger.Error("invalid wake payload", "error", err)
			continue
		}
		s.logger.Info("received wake message", "reason", msg.Reason, "all", msg.All)
		s.Wake(msg.All)
	}
}

// Publish pushes a wake message for whichever server listens on key.
func Publish(ctx context.Context, client *redis.Client, key string, msg job.WakeMessage) error {
	if key == "" {
		key = DefaultWakeKey
	}
	if msg.RequestedAt.IsZero() {
		msg.RequestedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal wake message: %w", err)
	}
	if err := client.RPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("push wake message: %w", err)
	}
	return nil
}
