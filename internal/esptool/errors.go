package esptool

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no esptool installation can be located.
	ErrNotFound = errors.New("esptool not found")

	// ErrTimeout is returned when an invocation exceeds its time limit.
	ErrTimeout = errors.New("esptool timed out")
)

// ExitError reports a failed esptool invocation together with everything
// it printed.
type ExitError struct {
	Args   []string
	Code   int
	Output string
	Err    error
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	cmd := strings.Join(e.Args, " ")
	if e.Code >= 0 {
		if out == "" {
			return fmt.Sprintf("%s: exit status %d", cmd, e.Code)
		}
		return fmt.Sprintf("%s: exit status %d:\n%s", cmd, e.Code, out)
	}
	if out == "" {
		return fmt.Sprintf("%s: %v", cmd, e.Err)
	}
	return fmt.Sprintf("%s: %v:\n%s", cmd, e.Err, out)
}

func (e *ExitError) Unwrap() error { return e.Err }
