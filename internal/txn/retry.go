package txn

import (
	"context"
	"fmt"
)

// Policy bounds how often an aborted attempt is retried.
type Policy struct {
	MaxAttempts int
}

// Attempt runs one optimistic attempt. It should re-read whatever it
// depends on each time it is called.
type Attempt func(ctx context.Context, attempt int) (Outcome, error)

// Run calls fn until it applies, fails with an error, or MaxAttempts
// aborted outcomes have been seen. It returns the last outcome and the
// number of attempts made. Exhausting the attempts is not an error; the
// returned outcome is then Aborted.
func (p Policy) Run(ctx context.Context, fn Attempt) (Outcome, int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var last Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, attempt - 1, err
		}
		out, err := fn(ctx, attempt)
		if err != nil {
			return out, attempt, fmt.Errorf("attempt %d: %w", attempt, err)
		}
		if out.Status != StatusAborted {
			return out, attempt, nil
		}
		last = out
	}
	return last, maxAttempts, nil
}
