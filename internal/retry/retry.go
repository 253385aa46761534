// Package retry provides the bounded, cancellable backoff used by every
// probe in the remediation engine.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrExhausted is returned when every attempt was used.
	ErrExhausted = errors.New("retries exhausted")
	// ErrTimedOut is returned when the overall time budget elapsed.
	ErrTimedOut = errors.New("timed out")
)

// Policy is a fixed-interval backoff with an attempt bound and an optional
// overall timeout. Cancelling the context stops it between attempts.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
	Clock       clockwork.Clock
}

func (p Policy) clock() clockwork.Clock {
	if p.Clock == nil {
		return clockwork.NewRealClock()
	}
	return p.Clock
}

// Budget is the longest a policy may run: Timeout if set, otherwise
// Interval * MaxAttempts.
func (p Policy) Budget() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return p.Interval * time.Duration(p.MaxAttempts)
}

// Sleep waits one interval or until ctx is done.
func (p Policy) Sleep(ctx context.Context) error {
	return Sleep(ctx, p.clock(), p.Interval)
}

// Sleep waits d on clock or until ctx is done.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

// Do calls fn until it reports done, the attempts run out, the timeout
// elapses or ctx is cancelled. The last error from fn is wrapped into the
// returned error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) (bool, error)) error {
	clock := p.clock()
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var deadline time.Time
	if p.Timeout > 0 {
		deadline = clock.Now().Add(p.Timeout)
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := fn(ctx, attempt)
		if done {
			return nil
		}
		last = err

		if attempt == attempts {
			break
		}
		if !deadline.IsZero() && !clock.Now().Add(p.Interval).Before(deadline) {
			return wrap(ErrTimedOut, fmt.Sprintf("after %s", p.Timeout), last)
		}
		if err := p.Sleep(ctx); err != nil {
			return err
		}
	}
	return wrap(ErrExhausted, fmt.Sprintf("%d attempts", attempts), last)
}

func wrap(sentinel error, detail string, last error) error {
	if last == nil {
		return fmt.Errorf("%w %s", sentinel, detail)
	}
	return fmt.Errorf("%w %s: %w", sentinel, detail, last)
}
