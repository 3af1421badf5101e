package scd

import (
	"errors"
	"fmt"
)

// ErrColumnDiscovery is returned when a table's shape could not be determined
// from information_schema.
var ErrColumnDiscovery = errors.New("table shape could not be determined")

// StatementError wraps an executor failure with the phase it occurred in.
type StatementError struct {
	Phase string
	Err   error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("%s phase statement failed: %v", e.Phase, e.Err)
}

func (e *StatementError) Unwrap() error {
	return e.Err
}
