package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/coderun/internal/protocol"
	"github.com/michaelbrown/coderun/internal/relay"
	"github.com/michaelbrown/coderun/internal/sandbox"
	"github.com/michaelbrown/coderun/internal/workspace"
)

// State is a step in an execution's lifecycle. States only move forward.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// stopCause records why an execution was cancelled before exiting on its own.
type stopCause int

const (
	causeNone stopCause = iota
	causeStop
	causeReplace
	causeDisconnect
)

// Execution is one run of submitted code.
type Execution struct {
	ID string

	env      *Env
	conn     Conn
	code     string
	image    string
	command  []string
	filename string
	log      *logrus.Entry
	relay    *relay.Relay

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	onDone func(*Execution)

	mu    sync.Mutex
	state State
	cause stopCause
	exit  *sandbox.ExitStatus

	// outMu serializes output delivery against the terminal status.
	outMu   sync.Mutex
	discard bool
}

var errOutputDiscarded = errors.New("output discarded")

func newExecution(env *Env, conn Conn, code, image, filename string, command []string, log *logrus.Entry) *Execution {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	log = log.WithField("execution", id)
	return &Execution{
		ID:       id,
		env:      env,
		conn:     conn,
		code:     code,
		image:    image,
		command:  command,
		filename: filename,
		log:      log,
		relay:    relay.New(env.relayOptions(), log),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    StateCreated,
	}
}

// State returns the current lifecycle state.
func (e *Execution) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ExitStatus returns the program's exit status once it is known.
func (e *Execution) ExitStatus() (sandbox.ExitStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exit == nil {
		return sandbox.ExitStatus{}, false
	}
	return *e.exit, true
}

// Done is closed when the execution is terminated and its resources released.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

func (e *Execution) transition(to State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if to <= e.state {
		e.log.Warnf("Ignoring backward transition %s -> %s", e.state, to)
		return
	}
	e.log.Debugf("State %s -> %s", e.state, to)
	e.state = to
}

// Forward queues input for the program. Input is accepted from creation
// until the program's output reaches end of file.
func (e *Execution) Forward(data string) error {
	if e.State() >= StateDraining {
		return ErrNoActiveRun
	}
	if err := e.relay.Forward(data); err != nil {
		if errors.Is(err, relay.ErrClosed) {
			return ErrNoActiveRun
		}
		return err
	}
	return nil
}

// Stop cancels the execution. The first cause wins. Once the program's
// output has ended only a disconnect is recorded, so a program that already
// exited keeps its exit code.
func (e *Execution) Stop(cause stopCause) {
	e.mu.Lock()
	if e.cause == causeNone && (cause == causeDisconnect || e.state < StateDraining) {
		e.cause = cause
	}
	e.mu.Unlock()
	e.cancel()
}

// CloseInput closes the program's stdin once queued input is written.
func (e *Execution) CloseInput() error {
	if e.State() >= StateDraining {
		return ErrNoActiveRun
	}
	e.relay.CloseInput()
	return nil
}

func (e *Execution) stopCause() stopCause {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cause
}

func (e *Execution) sendOutput(c relay.Chunk) error {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	if e.discard || e.stopCause() == causeDisconnect {
		return errOutputDiscarded
	}
	return e.conn.Send(protocol.Output(e.ID, string(c.Stream), c.Data))
}

// discardOutput waits for any output in flight and drops everything after it.
func (e *Execution) discardOutput() {
	e.outMu.Lock()
	e.discard = true
	e.outMu.Unlock()
}

func (e *Execution) send(msg protocol.Outbound) {
	if e.stopCause() == causeDisconnect {
		return
	}
	if err := e.conn.Send(msg); err != nil {
		e.log.Debugf("Sending %s message: %v", msg.Type, err)
	}
}

// run drives the execution from Created to Terminated. Every path,
// including panics, ends in cleanup of the sandbox and the workspace.
func (e *Execution) run() {
	var (
		ws *workspace.Workspace
		h  sandbox.Handle
	)
	defer func() {
		if p := recover(); p != nil {
			e.discardOutput()
			e.log.Errorf("Execution panicked: %v\n%s", p, debug.Stack())
			e.send(protocol.Error(e.ID, fmt.Sprintf("internal: %v", p)))
		}
		e.cleanup(h, ws)
	}()

	var err error
	ws, err = e.env.Workspaces.Create(e.code, e.filename)
	if err != nil {
		e.send(protocol.Error(e.ID, describe(&InfrastructureError{Op: "creating workspace", Err: err})))
		return
	}

	e.transition(StateStarting)
	h, err = e.env.Launcher.Launch(e.ctx, sandbox.LaunchOpts{
		ExecutionID:  e.ID,
		Image:        e.image,
		Command:      e.command,
		WorkspaceDir: ws.HostPath,
	})
	if err != nil {
		if e.stopCause() != causeNone {
			e.send(protocol.Stopped(e.ID))
			return
		}
		e.log.Warnf("Sandbox launch failed: %v", err)
		e.send(protocol.Error(e.ID, describe(&InfrastructureError{Op: "launching sandbox", Err: err})))
		return
	}

	e.transition(StateRunning)
	e.log.Infof("Sandbox %s running %s", h.ID(), e.image)
	e.send(protocol.Started(e.ID))

	timeout := e.env.Config.Sandbox.Timeout
	runCtx, cancel := context.WithTimeout(e.ctx, timeout)
	defer cancel()

	relayDone := make(chan error, 1)
	go func() {
		relayDone <- e.relay.Run(h.Stdin(), map[relay.Stream]io.Reader{
			relay.Stdout: h.Stdout(),
			relay.Stderr: h.Stderr(),
		}, relay.SinkFunc(e.sendOutput))
	}()

	timedOut := false
	select {
	case <-e.relay.EOF():
	case <-runCtx.Done():
		timedOut = e.ctx.Err() == nil
		e.terminate(h)
	}

	e.transition(StateDraining)
	e.relay.Close()

	select {
	case err := <-relayDone:
		if err != nil {
			e.log.Warnf("Relay finished with error: %v", err)
		}
	case <-time.After(e.env.Config.Relay.DrainTimeout):
		e.log.Warnf("Output not drained within %s", e.env.Config.Relay.DrainTimeout)
		e.discardOutput()
		e.terminate(h)
	}

	// A program can close its streams and keep running, so the wait is
	// bounded by the same deadline as the run.
	type waitResult struct {
		status sandbox.ExitStatus
		err    error
	}
	waited := make(chan waitResult, 1)
	go func() {
		status, err := h.Wait()
		waited <- waitResult{status, err}
	}()

	var res waitResult
	select {
	case res = <-waited:
	case <-runCtx.Done():
		timedOut = timedOut || e.ctx.Err() == nil
		e.terminate(h)
		res = <-waited
	}

	if res.err == nil {
		e.mu.Lock()
		e.exit = &res.status
		e.mu.Unlock()
	}

	// Nothing may follow the terminal status.
	e.discardOutput()

	switch {
	case e.stopCause() != causeNone:
		e.send(protocol.Stopped(e.ID))
	case timedOut:
		e.log.Infof("Execution timed out after %s", timeout)
		e.send(protocol.Error(e.ID, fmt.Sprintf("timeout: execution exceeded %s", timeout)))
	case res.err != nil:
		e.send(protocol.Error(e.ID, describe(&InfrastructureError{Op: "waiting for sandbox", Err: res.err})))
	default:
		e.log.Infof("Program exited with code %d", res.status.Code)
		e.send(protocol.Finished(e.ID, res.status.Code))
	}
}

func (e *Execution) terminate(h sandbox.Handle) {
	if err := h.Terminate(); err != nil {
		e.log.Warnf("Terminating sandbox %s: %v", h.ID(), err)
	}
}

func (e *Execution) cleanup(h sandbox.Handle, ws *workspace.Workspace) {
	e.relay.Close()
	if h != nil {
		e.terminate(h)
	}
	if ws != nil {
		if err := e.env.Workspaces.Destroy(ws); err != nil {
			e.log.Errorf("Removing workspace %s: %v", ws.ID, err)
		}
	}
	e.transition(StateTerminated)
	e.cancel()

	if e.onDone != nil {
		e.onDone(e)
	}
	close(e.done)
}
