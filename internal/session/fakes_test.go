package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/coderun/internal/config"
	"github.com/michaelbrown/coderun/internal/protocol"
	"github.com/michaelbrown/coderun/internal/sandbox"
	"github.com/michaelbrown/coderun/internal/workspace"
)

// program stands in for the sandboxed process.
type program func(stdin io.Reader, stdout, stderr io.Writer) int

func echoLine(stdin io.Reader, stdout, _ io.Writer) int {
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil {
		return 1
	}
	io.WriteString(stdout, line)
	return 0
}

// hang never exits on its own and never writes.
func hang(stdin io.Reader, _, _ io.Writer) int {
	io.Copy(io.Discard, stdin)
	return 0
}

type fakeHandle struct {
	id       string
	stdinR   *io.PipeReader
	stdinW   *io.PipeWriter
	outR     *io.PipeReader
	outW     *io.PipeWriter
	errR     *io.PipeReader
	errW     *io.PipeWriter
	exited   chan struct{}
	exitOnce sync.Once
	code     int
	onExit   func()

	terminated atomic.Bool
}

func startFake(id string, p program, onExit func()) *fakeHandle {
	h := &fakeHandle{id: id, exited: make(chan struct{}), onExit: onExit}
	h.stdinR, h.stdinW = io.Pipe()
	h.outR, h.outW = io.Pipe()
	h.errR, h.errW = io.Pipe()
	go func() {
		h.finish(p(h.stdinR, h.outW, h.errW))
	}()
	return h
}

func (h *fakeHandle) finish(code int) {
	h.exitOnce.Do(func() {
		h.code = code
		h.outW.Close()
		h.errW.Close()
		h.stdinR.CloseWithError(io.ErrClosedPipe)
		if h.onExit != nil {
			h.onExit()
		}
		close(h.exited)
	})
}

func (h *fakeHandle) ID() string            { return h.id }
func (h *fakeHandle) Stdin() io.WriteCloser { return h.stdinW }
func (h *fakeHandle) Stdout() io.Reader     { return h.outR }
func (h *fakeHandle) Stderr() io.Reader     { return h.errR }

func (h *fakeHandle) Wait() (sandbox.ExitStatus, error) {
	<-h.exited
	return sandbox.ExitStatus{Code: h.code}, nil
}

func (h *fakeHandle) Terminate() error {
	h.terminated.Store(true)
	h.finish(137)
	return nil
}

type fakeLauncher struct {
	mu         sync.Mutex
	program    program
	err        error
	panicMsg   string
	launches   int
	running    int
	maxRunning int
	handles    []*fakeHandle
}

func (l *fakeLauncher) Launch(ctx context.Context, opts sandbox.LaunchOpts) (sandbox.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.panicMsg != "" {
		panic(l.panicMsg)
	}
	if l.err != nil {
		return nil, l.err
	}

	if _, err := os.Stat(opts.WorkspaceDir); err != nil {
		return nil, errors.New("workspace missing at launch")
	}

	l.launches++
	l.running++
	if l.running > l.maxRunning {
		l.maxRunning = l.running
	}
	h := startFake("fake-"+opts.ExecutionID, l.program, func() {
		l.mu.Lock()
		l.running--
		l.mu.Unlock()
	})
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) set(p program, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.program, l.err = p, err
}

func (l *fakeLauncher) stats() (launches, maxRunning int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches, l.maxRunning
}

func (l *fakeLauncher) lastHandle() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}
	return l.handles[len(l.handles)-1]
}

// countingWorkspaces wraps a real manager and counts creations.
type countingWorkspaces struct {
	*workspace.Manager
	created atomic.Int32
	fail    error
}

func (c *countingWorkspaces) Create(code, filename string) (*workspace.Workspace, error) {
	if c.fail != nil {
		return nil, c.fail
	}
	c.created.Add(1)
	return c.Manager.Create(code, filename)
}

func (c *countingWorkspaces) remaining(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(c.Root())
	require.NoError(t, err)
	return len(entries)
}

// recordingConn records every outbound message. Output messages can be
// slowed by outputDelay or held until outputGate is closed.
type recordingConn struct {
	mu     sync.Mutex
	msgs   []protocol.Outbound
	notify chan protocol.Outbound

	outputDelay time.Duration
	outputGate  chan struct{}
}

func newRecordingConn() *recordingConn {
	return &recordingConn{notify: make(chan protocol.Outbound, 1024)}
}

func (c *recordingConn) Send(msg protocol.Outbound) error {
	if msg.Type == protocol.TypeOutput {
		if c.outputGate != nil {
			<-c.outputGate
		}
		time.Sleep(c.outputDelay)
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	select {
	case c.notify <- msg:
	default:
	}
	return nil
}

func (c *recordingConn) messages() []protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Outbound(nil), c.msgs...)
}

// next waits for the next message matching match.
func (c *recordingConn) next(t *testing.T, match func(protocol.Outbound) bool) protocol.Outbound {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-c.notify:
			if match(msg) {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for message; got %+v", c.messages())
			return protocol.Outbound{}
		}
	}
}

func isState(state string) func(protocol.Outbound) bool {
	return func(m protocol.Outbound) bool {
		return m.Type == protocol.TypeStatus && m.State == state
	}
}

func isTerminalStatus(m protocol.Outbound) bool {
	return m.Type == protocol.TypeStatus && (m.State == protocol.StateFinished || m.State == protocol.StateError)
}

func isOutput(m protocol.Outbound) bool {
	return m.Type == protocol.TypeOutput
}

type fixture struct {
	cfg        *config.Config
	launcher   *fakeLauncher
	workspaces *countingWorkspaces
	conn       *recordingConn
	session    *Session
}

func newFixture(t *testing.T, p program, mutate ...func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Sandbox.Timeout = 5 * time.Second
	cfg.Relay.DrainTimeout = time.Second
	cfg.Session.CloseTimeout = 3 * time.Second
	for _, m := range mutate {
		m(cfg)
	}

	mgr, err := workspace.NewManager(t.TempDir(), "")
	require.NoError(t, err)

	l := logrus.New()
	l.SetOutput(io.Discard)

	f := &fixture{
		cfg:        cfg,
		launcher:   &fakeLauncher{program: p},
		workspaces: &countingWorkspaces{Manager: mgr},
		conn:       newRecordingConn(),
	}
	f.session = New(&Env{
		Config:     cfg,
		Workspaces: f.workspaces,
		Launcher:   f.launcher,
		Log:        logrus.NewEntry(l),
	}, f.conn)
	t.Cleanup(f.session.Close)
	return f
}

func waitDone(t *testing.T, e *Execution) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("execution %s stuck in state %s", e.ID, e.State())
	}
}
