package state

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// ExponentialBackoff tracks when an operation may be retried. Errors
// push the next permitted attempt out exponentially; success resets the
// curve.
type ExponentialBackoff struct {
	bo      *backoff.ExponentialBackOff
	clk     clock.Clock
	nextTry time.Time
}

func NewExponentialBackoff(clk clock.Clock, initial, max time.Duration) *ExponentialBackoff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.Reset()
	return &ExponentialBackoff{bo: bo, clk: clk}
}

// CanTryNow reports whether the backoff window has passed.
func (b *ExponentialBackoff) CanTryNow() bool {
	return !b.clk.Now().Before(b.nextTry)
}

// ReportError records a failed attempt and extends the window.
func (b *ExponentialBackoff) ReportError() {
	b.nextTry = b.clk.Now().Add(b.bo.NextBackOff())
}

// ReportSuccess resets the backoff to its initial interval.
func (b *ExponentialBackoff) ReportSuccess() {
	b.bo.Reset()
	b.nextTry = time.Time{}
}

// TimeRemainingUntilRetry returns how long until the next attempt is
// permitted, zero if it is permitted now.
func (b *ExponentialBackoff) TimeRemainingUntilRetry() time.Duration {
	d := b.nextTry.Sub(b.clk.Now())
	if d < 0 {
		return 0
	}
	return d
}
