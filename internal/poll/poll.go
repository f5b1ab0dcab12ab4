// Package poll runs a condition at a fixed interval for a bounded number
// of attempts.
package poll

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrExhausted is returned when every attempt ran without the condition holding
var ErrExhausted = errors.New("poll attempts exhausted")

// Until evaluates cond up to attempts times, sleeping interval between
// attempts. It returns nil as soon as cond reports true, ErrExhausted when
// the attempts run out, or the context error when ctx ends first.
func Until(ctx context.Context, attempts int, interval time.Duration, cond func(context.Context) bool) error {
	if attempts <= 0 {
		return ErrExhausted
	}

	backoff := wait.Backoff{
		Duration: interval,
		Factor:   1,
		Steps:    attempts,
	}
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		return cond(ctx), nil
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case wait.Interrupted(err):
		return ErrExhausted
	default:
		return errors.Wrap(err, "poll")
	}
}
