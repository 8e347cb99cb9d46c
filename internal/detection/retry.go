package detection

import (
	"context"
	"time"
)

// withRetry runs fn up to MaxRetries+1 times with exponential backoff
// between attempts. It gives up as soon as ctx is done.
func (s *Service) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := s.initialBackoff
	var err error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying upstream call", "op", op, "attempt", attempt, "backoff", backoff, "error", err)
			if !sleepWithContext(ctx, backoff) {
				return err
			}
			backoff = nextBackoff(backoff, s.maxBackoff)
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
