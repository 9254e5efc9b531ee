// Package retry provides a bounded exponential backoff schedule: a fixed
// attempt count and a precomputed delay table consumed by a loop with a
// deterministic end.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Schedule describes how a failed operation is retried.
type Schedule struct {
	Attempts  int           // retries after the first try (0 = try once)
	BaseDelay time.Duration // delay before the first retry
	MaxDelay  time.Duration // cap for any single delay
}

// DefaultSchedule returns 3 retries starting at 100ms, capped at 2s.
func DefaultSchedule() Schedule {
	return Schedule{
		Attempts:  3,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  2 * time.Second,
	}
}

func (s Schedule) Validate() error {
	if s.Attempts < 0 {
		return errors.New("retry: Attempts cannot be negative")
	}
	if s.BaseDelay < 0 || s.MaxDelay < 0 {
		return errors.New("retry: delays cannot be negative")
	}
	if s.MaxDelay > 0 && s.MaxDelay < s.BaseDelay {
		return errors.New("retry: MaxDelay must be >= BaseDelay")
	}
	return nil
}

// Delays returns the wait before each retry: BaseDelay doubled per retry and
// capped at MaxDelay.
func (s Schedule) Delays() []time.Duration {
	if s.Attempts <= 0 {
		return nil
	}
	out := make([]time.Duration, s.Attempts)
	d := s.BaseDelay
	for i := range out {
		if s.MaxDelay > 0 && d > s.MaxDelay {
			d = s.MaxDelay
		}
		out[i] = d
		// stop doubling once capped so large attempt counts cannot overflow
		if s.MaxDelay == 0 || d < s.MaxDelay {
			d *= 2
		}
	}
	return out
}

// Total is the worst-case time spent waiting between tries.
func (s Schedule) Total() time.Duration {
	var sum time.Duration
	for _, d := range s.Delays() {
		sum += d
	}
	return sum
}

// ExhaustedError is returned when every try failed.
type ExhaustedError struct {
	Tries int
	Err   error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry failed after %d tries: %v", e.Tries, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, the schedule is exhausted, or ctx is done.
// fn receives the zero-based try number.
func Do(ctx context.Context, s Schedule, fn func(try int) error) error {
	delays := s.Delays()
	var lastErr error
	for try := 0; try <= len(delays); try++ {
		if try > 0 {
			timer := time.NewTimer(delays[try-1])
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled before try %d: %w", try+1, ctx.Err())
			case <-timer.C:
			}
		}
		err := fn(try)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after try %d: %w", try+1, ctx.Err())
		}
	}
	return &ExhaustedError{Tries: len(delays) + 1, Err: lastErr}
}
