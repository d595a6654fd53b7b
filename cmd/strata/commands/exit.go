package commands

import (
	"errors"
	"fmt"

	"github.com/stratalabel/strata/pkg/engine"
)

// ExitError carries the process exit code of a failed command. A nil Err
// means the outcome was already reported and only the code matters.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// validationExit marks err as a fatal input error.
func validationExit(err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	return &ExitError{Code: 2, Err: err}
}

// stateExit converts a terminal run state into a command result.
func stateExit(state engine.RunState) error {
	if code := state.ExitCode(); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}
