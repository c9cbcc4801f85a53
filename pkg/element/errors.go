package element

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConflict is returned when a conditional update loses a race. During
	// negotiation it means another queue acquired the element first.
	ErrConflict = errors.New("element conflict")

	ErrNotFound = errors.New("element not found")
)

// InconsistencyError reports sibling members that disagree on a value that
// must be shared across a request.
type InconsistencyError struct {
	Field  string
	Values []string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("inconsistent %s across members: %v", e.Field, e.Values)
}
