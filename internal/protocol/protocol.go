// Package protocol defines the JSON messages exchanged with callers over a
// session's connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed is wrapped by every decoding failure.
var ErrMalformed = errors.New("malformed message")

// Action is the kind of an inbound message.
type Action string

const (
	ActionRun   Action = "run"
	ActionInput Action = "input"
	ActionStop  Action = "stop"
)

// Inbound is a message from the caller.
type Inbound struct {
	Action Action `json:"action"`
	// run
	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"`
	Input    string `json:"input,omitempty"`
	// input
	Data string `json:"data,omitempty"`
	// EOF closes the program's stdin after this message's input. Valid on
	// run and input.
	EOF bool `json:"eof,omitempty"`
}

// Outbound message types.
const (
	TypeOutput = "output"
	TypeStatus = "status"
)

// Status states.
const (
	StateStarted  = "started"
	StateFinished = "finished"
	StateError    = "error"
)

// Outbound is a message to the caller.
type Outbound struct {
	Type        string `json:"type"`
	Data        string `json:"data,omitempty"`
	Stream      string `json:"stream,omitempty"`
	State       string `json:"state,omitempty"`
	Detail      string `json:"detail,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
}

// Decode parses and validates an inbound message.
func Decode(raw []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch msg.Action {
	case ActionRun:
		if msg.Code == "" {
			return Inbound{}, fmt.Errorf("%w: run requires code", ErrMalformed)
		}
	case ActionInput, ActionStop:
	case "":
		return Inbound{}, fmt.Errorf("%w: missing action", ErrMalformed)
	default:
		return Inbound{}, fmt.Errorf("%w: unknown action %q", ErrMalformed, msg.Action)
	}
	return msg, nil
}

// Output builds an output message.
func Output(executionID, stream string, data []byte) Outbound {
	return Outbound{Type: TypeOutput, ExecutionID: executionID, Stream: stream, Data: string(data)}
}

// Started builds the status sent once a sandbox is running.
func Started(executionID string) Outbound {
	return Outbound{Type: TypeStatus, State: StateStarted, ExecutionID: executionID, Detail: executionID}
}

// Finished builds the terminal status of a program that exited.
func Finished(executionID string, exitCode int) Outbound {
	return Outbound{
		Type:        TypeStatus,
		State:       StateFinished,
		ExecutionID: executionID,
		Detail:      "exit code " + strconv.Itoa(exitCode),
		ExitCode:    &exitCode,
	}
}

// Stopped builds the terminal status of a run stopped on request.
func Stopped(executionID string) Outbound {
	return Outbound{Type: TypeStatus, State: StateFinished, ExecutionID: executionID, Detail: "stopped"}
}

// Error builds an error status. executionID may be empty for errors not tied to a run.
func Error(executionID, detail string) Outbound {
	return Outbound{Type: TypeStatus, State: StateError, ExecutionID: executionID, Detail: detail}
}
