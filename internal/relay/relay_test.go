package relay

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// collector records chunks and notifies on each one.
type collector struct {
	mu     sync.Mutex
	chunks []Chunk
	notify chan Chunk
}

func newCollector() *collector {
	return &collector{notify: make(chan Chunk, 128)}
}

func (c *collector) Output(ch Chunk) error {
	c.mu.Lock()
	c.chunks = append(c.chunks, ch)
	c.mu.Unlock()
	select {
	case c.notify <- ch:
	default:
	}
	return nil
}

func (c *collector) text(s Stream) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, ch := range c.chunks {
		if ch.Stream == s {
			b.Write(ch.Data)
		}
	}
	return b.String()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestRunPreservesPerStreamOrder(t *testing.T) {
	r := New(Options{ChunkSize: 3, OutputBuffer: 2, InputBuffer: 1}, discardLog())
	sink := newCollector()

	var out, errOut strings.Builder
	for i := 0; i < 200; i++ {
		out.WriteString("o")
		out.WriteByte(byte('0' + i%10))
		errOut.WriteString("e")
		errOut.WriteByte(byte('0' + i%10))
	}

	err := r.Run(nopWriteCloser{io.Discard}, map[Stream]io.Reader{
		Stdout: strings.NewReader(out.String()),
		Stderr: strings.NewReader(errOut.String()),
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, out.String(), sink.text(Stdout))
	assert.Equal(t, errOut.String(), sink.text(Stderr))

	select {
	case <-r.EOF():
	default:
		t.Fatal("EOF not signalled after Run returned")
	}
}

func TestInteractiveOutputIsNotBatched(t *testing.T) {
	r := New(DefaultOptions(), discardLog())
	sink := newCollector()

	// A fake program: prints 1, reads a line, prints 2.
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	go func() {
		io.WriteString(stdoutW, "1\n")
		line, _ := bufio.NewReader(stdinR).ReadString('\n')
		io.WriteString(stdoutW, "2:"+line)
		stdoutW.Close()
	}()

	done := make(chan error, 1)
	go func() {
		done <- r.Run(stdinW, map[Stream]io.Reader{Stdout: stdoutR}, sink)
	}()

	select {
	case ch := <-sink.notify:
		assert.Equal(t, "1\n", string(ch.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("first output not delivered before input")
	}

	require.NoError(t, r.Forward("hello"))

	select {
	case ch := <-sink.notify:
		assert.Equal(t, "2:hello\n", string(ch.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("second output not delivered after input")
	}

	require.NoError(t, <-done)
}

func TestForwardQueuesBeforeRun(t *testing.T) {
	r := New(Options{InputBuffer: 2, AppendNewline: true}, discardLog())

	require.NoError(t, r.Forward("a"))
	require.NoError(t, r.Forward("b\n"))
	assert.ErrorIs(t, r.Forward("c"), ErrInputFull)

	var stdin bytes.Buffer
	var mu sync.Mutex
	w := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return stdin.Write(p)
	})

	// Keep the stream open until stdin has received both lines.
	outR, outW := io.Pipe()
	go func() {
		defer outW.Close()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			got := stdin.String()
			mu.Unlock()
			if got == "a\nb\n" {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	require.NoError(t, r.Run(nopWriteCloser{w}, map[Stream]io.Reader{Stdout: outR}, newCollector()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "a\nb\n", stdin.String())
}

func TestForwardWithoutNewline(t *testing.T) {
	r := New(Options{InputBuffer: 1, AppendNewline: false}, discardLog())
	require.NoError(t, r.Forward("raw"))
	assert.Equal(t, "raw", <-r.input)
}

func TestForwardAfterClose(t *testing.T) {
	r := New(DefaultOptions(), discardLog())
	r.Close()
	r.Close()
	assert.ErrorIs(t, r.Forward("x"), ErrClosed)
}

func TestCloseInputDeliversQueuedInputThenEOF(t *testing.T) {
	r := New(DefaultOptions(), discardLog())
	require.NoError(t, r.Forward("a"))
	require.NoError(t, r.Forward("b"))
	r.CloseInput()
	r.CloseInput()
	assert.ErrorIs(t, r.Forward("c"), ErrInputClosed)

	// Echoes stdin only once it reaches EOF.
	stdinR, stdinW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		data, _ := io.ReadAll(stdinR)
		outW.Write(data)
		outW.Close()
	}()

	done := make(chan error, 1)
	c := newCollector()
	go func() { done <- r.Run(stdinW, map[Stream]io.Reader{Stdout: outR}, c) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stdin was never closed")
	}
	assert.Equal(t, "a\nb\n", c.text(Stdout))
}

func TestFailingSinkKeepsDraining(t *testing.T) {
	r := New(Options{ChunkSize: 1, OutputBuffer: 1}, discardLog())

	calls := 0
	sink := SinkFunc(func(Chunk) error {
		calls++
		return errors.New("connection gone")
	})

	err := r.Run(nopWriteCloser{io.Discard}, map[Stream]io.Reader{
		Stdout: strings.NewReader(strings.Repeat("x", 1000)),
	}, sink)

	assert.ErrorContains(t, err, "connection gone")
	assert.Equal(t, 1, calls)
}

func TestSlowSinkAppliesBackpressure(t *testing.T) {
	r := New(Options{ChunkSize: 1, OutputBuffer: 1}, discardLog())

	release := make(chan struct{})
	sink := SinkFunc(func(Chunk) error {
		<-release
		return nil
	})

	outR, outW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- r.Run(nopWriteCloser{io.Discard}, map[Stream]io.Reader{Stdout: outR}, sink)
	}()

	// One chunk in the sink, one queued, one held by the pump: the fourth
	// write has nowhere to go until the sink is released.
	wrote := make(chan int, 1)
	go func() {
		n := 0
		for i := 0; i < 10; i++ {
			if _, err := outW.Write([]byte{'x'}); err != nil {
				break
			}
			n++
		}
		outW.Close()
		wrote <- n
	}()

	select {
	case <-wrote:
		t.Fatal("writer was never blocked by a stalled sink")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	assert.Equal(t, 10, <-wrote)
	require.NoError(t, <-done)
}

func TestUTF8NotSplitAcrossChunks(t *testing.T) {
	r := New(Options{ChunkSize: 1, OutputBuffer: 64}, discardLog())
	sink := newCollector()

	text := "héllo, 世界 🙂"
	require.NoError(t, r.Run(nopWriteCloser{io.Discard}, map[Stream]io.Reader{
		Stdout: strings.NewReader(text),
	}, sink))

	for _, ch := range sink.chunks {
		assert.True(t, utf8.Valid(ch.Data), "chunk %q splits a rune", ch.Data)
	}
	assert.Equal(t, text, sink.text(Stdout))
}

func TestCompletePrefix(t *testing.T) {
	euro := []byte("€") // 3 bytes
	assert.Equal(t, 0, completePrefix(euro[:1]))
	assert.Equal(t, 0, completePrefix(euro[:2]))
	assert.Equal(t, 3, completePrefix(euro))
	assert.Equal(t, 2, completePrefix(append([]byte("ab"), euro[:2]...)))
	assert.Equal(t, 1, completePrefix([]byte{0xff}))
	assert.Equal(t, 0, completePrefix(nil))
}

func TestReadErrorIsReported(t *testing.T) {
	r := New(DefaultOptions(), discardLog())
	outR, outW := io.Pipe()
	outW.CloseWithError(errors.New("boom"))

	err := r.Run(nopWriteCloser{io.Discard}, map[Stream]io.Reader{Stdout: outR}, newCollector())
	assert.ErrorContains(t, err, "boom")
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
