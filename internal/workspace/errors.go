package workspace

import (
	"fmt"
	"strings"
)

// GitOperationError is a failed workspace operation. The repository is left in
// its last consistent state.
type GitOperationError struct {
	Op        string
	Err       error
	Conflicts []string
}

func (e *GitOperationError) Error() string {
	if len(e.Conflicts) > 0 {
		return fmt.Sprintf("git %s: conflicts in %s: %v", e.Op, strings.Join(e.Conflicts, ", "), e.Err)
	}
	return fmt.Sprintf("git %s: %v", e.Op, e.Err)
}

func (e *GitOperationError) Unwrap() error { return e.Err }

func opError(op string, err error) error {
	return &GitOperationError{Op: op, Err: err}
}
