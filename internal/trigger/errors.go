package trigger

import (
	"errors"
	"fmt"
)

// EmitLimitError is returned by Context.Emit when one executor emits more
// events in a single run than the engine allows. The executor's changes
// are discarded.
type EmitLimitError struct {
	Executor string
	Emitted  int
	Limit    int
}

func (e *EmitLimitError) Error() string {
	return fmt.Sprintf("executor %s exceeded emit limit: %d events > %d", e.Executor, e.Emitted, e.Limit)
}

// IsEmitLimit reports whether err is an EmitLimitError.
func IsEmitLimit(err error) bool {
	var el *EmitLimitError
	return errors.As(err, &el)
}
