// Package relay pumps data between a caller and a sandboxed process:
// output chunks are forwarded as they are produced, and caller input is
// queued for the process's stdin.
package relay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInputFull is returned when the stdin queue is at capacity.
	ErrInputFull = errors.New("input buffer full")
	// ErrClosed is returned when input arrives after the relay stopped accepting it.
	ErrClosed = errors.New("relay closed")
	// ErrInputClosed is returned when input arrives after CloseInput.
	ErrInputClosed = errors.New("input already closed")
)

// Stream names an output stream of the sandbox.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Chunk is one fragment of output, in production order within its stream.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Sink receives output chunks.
type Sink interface {
	Output(c Chunk) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(c Chunk) error

func (f SinkFunc) Output(c Chunk) error { return f(c) }

// Options bound the relay's buffers.
type Options struct {
	ChunkSize     int  // maximum bytes read from a stream at once
	OutputBuffer  int  // chunks queued between the streams and the sink
	InputBuffer   int  // input messages queued for stdin
	AppendNewline bool // terminate input that lacks a trailing newline
}

// DefaultOptions returns the buffer sizes used when none are configured.
func DefaultOptions() Options {
	return Options{ChunkSize: 4096, OutputBuffer: 64, InputBuffer: 16, AppendNewline: true}
}

// Relay connects one execution's streams to its caller. Input may be
// queued with Forward before Run starts.
type Relay struct {
	opts Options
	log  *logrus.Entry

	input     chan string
	closed    chan struct{}
	closeOnce sync.Once
	eof       chan struct{}

	// inputMu orders Forward against CloseInput so nothing is queued
	// after the end of input.
	inputMu     sync.Mutex
	inputClosed bool
	inputDone   chan struct{}
}

// New creates a relay.
func New(opts Options, log *logrus.Entry) *Relay {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultOptions().ChunkSize
	}
	if opts.OutputBuffer <= 0 {
		opts.OutputBuffer = DefaultOptions().OutputBuffer
	}
	if opts.InputBuffer <= 0 {
		opts.InputBuffer = DefaultOptions().InputBuffer
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Relay{
		opts:   opts,
		log:    log,
		input:  make(chan string, opts.InputBuffer),
		closed:    make(chan struct{}),
		eof:       make(chan struct{}),
		inputDone: make(chan struct{}),
	}
}

// Forward queues data for the process's stdin without blocking.
func (r *Relay) Forward(data string) error {
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}

	if r.opts.AppendNewline && !strings.HasSuffix(data, "\n") {
		data += "\n"
	}

	r.inputMu.Lock()
	defer r.inputMu.Unlock()
	if r.inputClosed {
		return ErrInputClosed
	}
	select {
	case r.input <- data:
		return nil
	default:
		return ErrInputFull
	}
}

// CloseInput ends the process's input: stdin is closed after every queued
// message has been written. Later Forward calls fail with ErrInputClosed.
func (r *Relay) CloseInput() {
	r.inputMu.Lock()
	defer r.inputMu.Unlock()
	if !r.inputClosed {
		r.inputClosed = true
		close(r.inputDone)
	}
}

// Close stops accepting input. Queued input that was not yet written is dropped.
func (r *Relay) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
}

// EOF is closed once every output stream has reached end of file. Output
// read before that point may still be in flight to the sink.
func (r *Relay) EOF() <-chan struct{} {
	return r.eof
}

// Run relays until every stream reaches EOF and every chunk has been handed
// to the sink. Streams are read concurrently with stdin writes, so a silent
// process never delays input and a blocked stdin never delays output. A
// failing sink does not stop the pumps; later chunks are discarded so the
// process is never left blocked on a full pipe.
func (r *Relay) Run(stdin io.WriteCloser, streams map[Stream]io.Reader, sink Sink) error {
	chunks := make(chan Chunk, r.opts.OutputBuffer)

	var g errgroup.Group
	for name, rd := range streams {
		g.Go(func() error {
			return r.pump(name, rd, chunks)
		})
	}

	var pumpErr error
	go func() {
		pumpErr = g.Wait()
		close(chunks)
		close(r.eof)
	}()

	stop := make(chan struct{})
	go r.feed(stdin, stop)

	var sinkErr error
	for c := range chunks {
		if sinkErr != nil {
			continue
		}
		if err := sink.Output(c); err != nil {
			sinkErr = fmt.Errorf("delivering output: %w", err)
			r.log.Warnf("Output delivery failed, discarding remaining output: %v", err)
		}
	}

	close(stop)
	r.Close()
	if err := stdin.Close(); err != nil && !isClosed(err) {
		r.log.Debugf("closing stdin: %v", err)
	}

	// chunks is closed only after g.Wait returned, so pumpErr is set.
	return errors.Join(pumpErr, sinkErr)
}

func (r *Relay) pump(name Stream, rd io.Reader, chunks chan<- Chunk) error {
	buf := make([]byte, r.opts.ChunkSize)
	var pending []byte

	for {
		n, err := rd.Read(buf)
		if n > 0 {
			data := append(pending, buf[:n]...)
			k := completePrefix(data)
			if k > 0 {
				out := make([]byte, k)
				copy(out, data[:k])
				chunks <- Chunk{Stream: name, Data: out}
			}
			pending = append([]byte(nil), data[k:]...)
		}
		if err != nil {
			if len(pending) > 0 {
				chunks <- Chunk{Stream: name, Data: pending}
			}
			if err == io.EOF || isClosed(err) {
				return nil
			}
			return fmt.Errorf("reading %s: %w", name, err)
		}
	}
}

func (r *Relay) feed(stdin io.WriteCloser, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case data := <-r.input:
			if !r.write(stdin, data) {
				return
			}
		case <-r.inputDone:
			// Nothing is queued after inputDone closes, so draining what
			// is buffered delivers all remaining input in order.
			for {
				select {
				case data := <-r.input:
					if !r.write(stdin, data) {
						return
					}
				default:
					if err := stdin.Close(); err != nil && !isClosed(err) {
						r.log.Debugf("closing stdin: %v", err)
					}
					return
				}
			}
		}
	}
}

func (r *Relay) write(stdin io.Writer, data string) bool {
	if _, err := io.WriteString(stdin, data); err != nil {
		// The process closed stdin or exited; nothing more can be delivered.
		r.log.Debugf("writing stdin: %v", err)
		r.Close()
		return false
	}
	return true
}

// completePrefix returns the length of the longest prefix of b that does
// not end inside a multi-byte UTF-8 sequence.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

func isClosed(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
