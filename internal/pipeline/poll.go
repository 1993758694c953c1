package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrPollTimeout = errors.New("poll attempts exhausted")

// Poll waits interval, then calls check, at most attempts times, until check
// reports done. It returns early when ctx is cancelled.
func Poll(ctx context.Context, interval time.Duration, attempts int, check func(context.Context) (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrPollTimeout, attempts)
}
