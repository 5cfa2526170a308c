package session

import (
	"errors"
	"fmt"

	"github.com/michaelbrown/coderun/internal/protocol"
	"github.com/michaelbrown/coderun/internal/relay"
)

var (
	// ErrBusy is returned for a run request while another run is active.
	ErrBusy = errors.New("run already in progress")
	// ErrNoActiveRun is returned for input or stop with no active run.
	ErrNoActiveRun = errors.New("no active run")
	// ErrClosed is returned once the session's connection has gone away.
	ErrClosed = errors.New("session closed")
	// ErrUnknownLanguage is returned for a run naming an unconfigured language.
	ErrUnknownLanguage = errors.New("unknown language")
)

// InfrastructureError is a failure of the service rather than of the
// submitted program: the workspace could not be written, or the isolation
// runtime could not start a sandbox.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// describe renders err as a status detail prefixed with its class.
func describe(err error) string {
	var infra *InfrastructureError
	switch {
	case errors.As(err, &infra):
		return "infrastructure: " + err.Error()
	case isProtocolError(err):
		return "protocol: " + err.Error()
	default:
		return fmt.Sprintf("internal: %v", err)
	}
}

func isProtocolError(err error) bool {
	return errors.Is(err, protocol.ErrMalformed) ||
		errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrNoActiveRun) ||
		errors.Is(err, ErrUnknownLanguage) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, relay.ErrInputFull) ||
		errors.Is(err, relay.ErrInputClosed)
}
