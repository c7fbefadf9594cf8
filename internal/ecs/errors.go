package ecs

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEntity is returned when an update targets an entity that does not exist.
	ErrNoEntity = errors.New("entity does not exist")

	// ErrEntityMismatch is returned when merging changes that target different entities.
	ErrEntityMismatch = errors.New("changes target different entities")
)

// ValidationError reports malformed input: an unknown component, a bad
// component value or a structurally invalid change. It is raised before
// any store interaction.
type ValidationError struct {
	ID        ID
	Component string
	Reason    string
}

func (e *ValidationError) Error() string {
	switch {
	case e.ID != 0 && e.Component != "":
		return fmt.Sprintf("invalid change for entity %d: %s: %s", e.ID, e.Component, e.Reason)
	case e.ID != 0:
		return fmt.Sprintf("invalid change for entity %d: %s", e.ID, e.Reason)
	case e.Component != "":
		return fmt.Sprintf("invalid change: %s: %s", e.Component, e.Reason)
	default:
		return fmt.Sprintf("invalid change: %s", e.Reason)
	}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
