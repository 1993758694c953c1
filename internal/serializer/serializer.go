// Package serializer runs calls against a concurrency-limited upstream one at a
// time, in FIFO order, with a minimum spacing between call starts and a
// cooldown after the upstream signals throttling.
package serializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/imalyk/go-image-processor/pkg/job"
)

const (
	DefaultSpacing  = time.Second
	DefaultCooldown = 60 * time.Second
)

type Options struct {
	// Spacing is the minimum time between two call starts.
	Spacing time.Duration
	// Cooldown is how long dispatch pauses after a throttled call.
	Cooldown time.Duration
	// IsThrottled classifies a call error as a rate or concurrency limit signal.
	IsThrottled func(error) bool
	// Gate, when set, extends single-flight and cooldown to other processes.
	Gate   Gate
	Logger *slog.Logger
}

type call struct {
	ctx    context.Context
	run    func(context.Context) error
	finish func(error)
}

type Serializer struct {
	opts Options

	mu            sync.Mutex
	queue         []*call
	running       bool
	lastStart     time.Time
	cooldownUntil time.Time
}

func New(opts Options) *Serializer {
	if opts.Spacing <= 0 {
		opts.Spacing = DefaultSpacing
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.IsThrottled == nil {
		opts.IsThrottled = func(err error) bool { return errors.Is(err, job.ErrProviderThrottled) }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Serializer{opts: opts}
}

// Future is the pending result of an enqueued call.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed once the call has finished or was dropped.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Enqueue appends work to the queue. ctx is passed to work and, if it is
// cancelled before the call is dispatched, the call is dropped without
// consuming a slot.
func Enqueue[T any](ctx context.Context, s *Serializer, work func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	s.push(&call{
		ctx: ctx,
		run: func(ctx context.Context) error {
			f.val, f.err = work(ctx)
			return f.err
		},
		finish: func(err error) {
			if err != nil && f.err == nil {
				f.err = err
			}
			close(f.done)
		},
	})
	return f
}

// Do enqueues work and waits for its result.
func Do[T any](ctx context.Context, s *Serializer, work func(context.Context) (T, error)) (T, error) {
	return Enqueue(ctx, s, work).Wait(ctx)
}

// Len returns the number of calls waiting for dispatch.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// CooldownUntil returns the end of the current cooldown window, if any.
func (s *Serializer) CooldownUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldownUntil
}

func (s *Serializer) push(c *call) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	start := !s.running
	s.running = true
	s.mu.Unlock()

	if start {
		go s.drain()
	}
}

func (s *Serializer) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		c := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		readyAt := s.lastStart.Add(s.opts.Spacing)
		if s.cooldownUntil.After(readyAt) {
			readyAt = s.cooldownUntil
		}
		s.mu.Unlock()

		if err := sleepUntil(c.ctx, readyAt); err != nil {
			c.finish(err)
			continue
		}
		s.dispatch(c)
	}
}

func (s *Serializer) dispatch(c *call) {
	release := func() {}
	if s.opts.Gate != nil {
		r, err := s.opts.Gate.Acquire(c.ctx)
		if err != nil {
			c.finish(fmt.Errorf("acquire shared gate: %w", err))
			return
		}
		release = r
	}

	s.mu.Lock()
	s.lastStart = time.Now()
	s.mu.Unlock()

	err := runSafely(c)
	release()

	if err != nil && s.opts.IsThrottled(err) {
		until := time.Now().Add(s.opts.Cooldown)
		s.mu.Lock()
		s.cooldownUntil = until
		waiting := len(s.queue)
		s.mu.Unlock()
		s.opts.Logger.Warn("upstream throttled, pausing dispatch", "cooldown", s.opts.Cooldown, "queued", waiting, "error", err)
		if s.opts.Gate != nil {
			if gerr := s.opts.Gate.Cooldown(context.WithoutCancel(c.ctx), s.opts.Cooldown); gerr != nil {
				s.opts.Logger.Error("failed to publish shared cooldown", "error", gerr)
			}
		}
	}
	c.finish(err)
}

func runSafely(c *call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("serialized call panicked: %v", r)
		}
	}()
	return c.run(c.ctx)
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
