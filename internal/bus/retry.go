package bus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Reader is the read side of a Subscription.
type Reader interface {
	Next(ctx context.Context) (*Batch, error)
}

// NewReadBackoff paces a consumer loop after failed reads: 100ms doubling
// up to 5s, jittered. Reset it after a successful read.
func NewReadBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	return b
}

// Sleep waits for d or until ctx is done, and reports whether the full
// delay elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
