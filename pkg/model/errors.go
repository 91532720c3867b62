package model

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per failure kind a launch can report.
var (
	ErrMalformedDocument        = errors.New("malformed parameter document")
	ErrMissingInputFile         = errors.New("missing input file")
	ErrMissingOutputDeclaration = errors.New("missing output declaration")
	ErrOutputCountMismatch      = errors.New("output count mismatch")
	ErrUnrecognizedValueShape   = errors.New("unrecognized value shape")
	ErrEngineInvocation         = errors.New("engine invocation failed")
	ErrTransfer                 = errors.New("transfer failed")
	ErrLaunchTimeout            = errors.New("launch timed out")
	ErrNoReport                 = errors.New("no engine output report")
)

// LaunchError wraps an error with the launch state it happened in and the
// identifier or path it concerns.
type LaunchError struct {
	State      LaunchState
	Identifier string
	Path       string
	Err        error
}

func (e *LaunchError) Error() string {
	msg := string(e.State)
	if e.Identifier != "" {
		msg += fmt.Sprintf(" %q", e.Identifier)
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (%s)", e.Path)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// InvalidTransitionError is returned when a launch state transition is invalid.
type InvalidTransitionError struct {
	LaunchID string
	From     LaunchState
	To       LaunchState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid launch state transition: %s → %s (launch %s)", e.From, e.To, e.LaunchID)
}
