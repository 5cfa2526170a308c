// Package session coordinates the executions requested over one caller
// connection. A session owns at most one execution at any instant.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/coderun/internal/config"
	"github.com/michaelbrown/coderun/internal/protocol"
	"github.com/michaelbrown/coderun/internal/relay"
	"github.com/michaelbrown/coderun/internal/sandbox"
	"github.com/michaelbrown/coderun/internal/workspace"
)

// Conn is the caller's side of the connection. Send must be safe for
// concurrent use.
type Conn interface {
	Send(msg protocol.Outbound) error
}

// Workspaces allocates execution workspaces.
type Workspaces interface {
	Create(code, filename string) (*workspace.Workspace, error)
	Destroy(ws *workspace.Workspace) error
}

// Launcher starts sandboxes.
type Launcher interface {
	Launch(ctx context.Context, opts sandbox.LaunchOpts) (sandbox.Handle, error)
}

// Env holds what every session shares.
type Env struct {
	Config     *config.Config
	Workspaces Workspaces
	Launcher   Launcher
	Log        *logrus.Entry
}

func (env *Env) relayOptions() relay.Options {
	return relay.Options{
		ChunkSize:     env.Config.Relay.ChunkSize,
		OutputBuffer:  env.Config.Relay.OutputBuffer,
		InputBuffer:   env.Config.Relay.InputBuffer,
		AppendNewline: env.Config.Relay.AppendNewline,
	}
}

// Session is one caller connection.
type Session struct {
	ID string

	env  *Env
	conn Conn
	log  *logrus.Entry

	mu      sync.Mutex
	current *Execution
	closed  bool
}

// New creates a session for conn.
func New(env *Env, conn Conn) *Session {
	id := uuid.NewString()
	log := env.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		ID:   id,
		env:  env,
		conn: conn,
		log:  log.WithField("session", id),
	}
}

// Active returns the current execution, or nil.
func (s *Session) Active() *Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// OnMessage handles one raw inbound message. Failures are reported to the
// caller as error statuses; they never affect other sessions.
func (s *Session) OnMessage(raw []byte) {
	msg, err := protocol.Decode(raw)
	if err == nil {
		err = s.Handle(msg)
	}
	if err != nil {
		s.log.Debugf("Rejecting message: %v", err)
		if sendErr := s.conn.Send(protocol.Error("", describe(err))); sendErr != nil {
			s.log.Debugf("Sending error status: %v", sendErr)
		}
	}
}

// Handle applies a decoded message.
func (s *Session) Handle(msg protocol.Inbound) error {
	switch msg.Action {
	case protocol.ActionRun:
		e, err := s.Run(msg.Code, msg.Language, msg.Input)
		if err != nil || !msg.EOF {
			return err
		}
		// The program may already have exited; ending its input is still fine.
		e.relay.CloseInput()
		return nil
	case protocol.ActionInput:
		// An empty eof message only ends input.
		if msg.Data != "" || !msg.EOF {
			if err := s.Input(msg.Data); err != nil {
				return err
			}
		}
		if msg.EOF {
			return s.CloseInput()
		}
		return nil
	case protocol.ActionStop:
		return s.Stop()
	default:
		return fmt.Errorf("%w: unknown action %q", protocol.ErrMalformed, msg.Action)
	}
}

// Run starts an execution of code. With the reject policy it fails with
// ErrBusy while another execution is active; with the replace policy it
// stops the active execution and waits for its cleanup first. input, if
// non-empty, is queued as the program's first line of stdin.
func (s *Session) Run(code, language, input string) (*Execution, error) {
	lang, argv, err := s.env.Config.Language(language)
	if err != nil {
		s.log.Debugf("Resolving language: %v", err)
		return nil, fmt.Errorf("%w: %s (available: %s)", ErrUnknownLanguage, language,
			strings.Join(s.env.Config.LanguageNames(), ", "))
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if s.current == nil {
			e := newExecution(s.env, s.conn, code, lang.Image, lang.Filename, argv, s.log)
			e.onDone = s.release
			s.current = e
			s.mu.Unlock()

			if input != "" {
				if err := e.Forward(input); err != nil {
					s.log.Warnf("Queueing initial input: %v", err)
				}
			}
			e.log.Infof("Starting %s execution", lang.Image)
			go e.run()
			return e, nil
		}
		active := s.current
		s.mu.Unlock()

		if s.env.Config.Session.BusyPolicy != config.BusyReplace {
			return nil, ErrBusy
		}

		s.log.Infof("Replacing execution %s", active.ID)
		active.Stop(causeReplace)
		select {
		case <-active.Done():
		case <-time.After(s.env.Config.Session.CloseTimeout):
			return nil, &InfrastructureError{
				Op:  "replacing run",
				Err: fmt.Errorf("execution %s did not stop within %s", active.ID, s.env.Config.Session.CloseTimeout),
			}
		}
	}
}

// Input forwards data to the active execution's stdin.
func (s *Session) Input(data string) error {
	e := s.Active()
	if e == nil {
		return ErrNoActiveRun
	}
	return e.Forward(data)
}

// CloseInput closes the active execution's stdin after its queued input.
func (s *Session) CloseInput() error {
	e := s.Active()
	if e == nil {
		return ErrNoActiveRun
	}
	return e.CloseInput()
}

// Stop stops the active execution without waiting for it.
func (s *Session) Stop() error {
	e := s.Active()
	if e == nil {
		return ErrNoActiveRun
	}
	e.Stop(causeStop)
	return nil
}

// Close handles disconnect: it terminates the active execution and waits,
// up to the configured bound, for its sandbox and workspace to be released.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	e := s.current
	s.mu.Unlock()

	if e == nil {
		return
	}

	e.Stop(causeDisconnect)
	select {
	case <-e.Done():
	case <-time.After(s.env.Config.Session.CloseTimeout):
		s.log.Errorf("Execution %s still releasing resources after %s", e.ID, s.env.Config.Session.CloseTimeout)
	}
}

func (s *Session) release(e *Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == e {
		s.current = nil
	}
}
