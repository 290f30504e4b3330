package process

import (
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"
)

// EventKind tells what a worker reported.
type EventKind int

const (
	Stdout EventKind = iota
	Stderr
	Exited
)

func (k EventKind) String() string {
	switch k {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Event is delivered on Handle.Events in the order it was observed.
type Event struct {
	Kind EventKind
	Data []byte
	Code int   // Exited only; -1 when killed by a signal
	Err  error // Exited only; the error returned by Wait
}

// Handle is a running worker process. All output is captured into a bounded
// buffer, forwarded as events and fanned out to live subscribers.
type Handle struct {
	spec    Spec
	cmd     *exec.Cmd
	pid     int
	started time.Time
	output  *Buffer
	events  chan Event
	done    chan struct{}

	mu            sync.Mutex
	stopRequested bool
	exited        bool
	exitCode      int
	subs          map[chan []byte]struct{}
	closers       []io.Closer
}

// Start launches spec. An error means the worker never ran.
func Start(spec Spec) (*Handle, error) {
	h := &Handle{
		spec:   spec,
		cmd:    spec.BuildCommand(),
		output: NewBuffer(spec.OutputLimit),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		subs:   make(map[chan []byte]struct{}),
	}
	var outMirror, errMirror io.Writer
	if spec.Log.Enabled() {
		ow, ew, err := spec.Log.Writers(spec.Name)
		if err != nil {
			return nil, err
		}
		if ow != nil {
			outMirror = ow
			h.closers = append(h.closers, ow)
		}
		if ew != nil {
			errMirror = ew
			h.closers = append(h.closers, ew)
		}
	}
	h.cmd.Stdout = &stream{h: h, kind: Stdout, mirror: outMirror}
	h.cmd.Stderr = &stream{h: h, kind: Stderr, mirror: errMirror}

	if err := h.cmd.Start(); err != nil {
		h.closeLogs()
		return nil, err
	}
	h.pid = h.cmd.Process.Pid
	h.started = time.Now()
	go h.wait()
	return h, nil
}

// stream receives the worker output copied by os/exec.
type stream struct {
	h      *Handle
	kind   EventKind
	mirror io.Writer
}

func (s *stream) Write(p []byte) (int, error) {
	chunk := append([]byte(nil), p...)
	_, _ = s.h.output.Write(chunk)
	if s.mirror != nil {
		_, _ = s.mirror.Write(chunk)
	}
	s.h.publish(chunk)
	s.h.events <- Event{Kind: s.kind, Data: chunk}
	return len(p), nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	code := exitCode(err)

	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
	h.mu.Unlock()

	h.closeLogs()
	h.events <- Event{Kind: Exited, Code: code, Err: err}
	close(h.events)
	close(h.done)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func (h *Handle) closeLogs() {
	h.mu.Lock()
	cs := h.closers
	h.closers = nil
	h.mu.Unlock()
	for _, c := range cs {
		_ = c.Close()
	}
}

func (h *Handle) publish(chunk []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- chunk:
		default: // slow subscriber, drop
		}
	}
}

// Subscribe returns a channel receiving new output chunks until the worker
// exits or cancel is called.
func (h *Handle) Subscribe(size int) (<-chan []byte, func()) {
	if size <= 0 {
		size = 16
	}
	ch := make(chan []byte, size)
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Terminate marks the stop as requested and sends SIGTERM to the worker's
// process group. It does not wait for the exit.
func (h *Handle) Terminate() error {
	h.mu.Lock()
	h.stopRequested = true
	h.mu.Unlock()
	return terminate(h.pid)
}

// Events is closed after the Exited event.
func (h *Handle) Events() <-chan Event { return h.events }

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) PID() int { return h.pid }

func (h *Handle) Started() time.Time { return h.started }

func (h *Handle) Spec() Spec { return h.spec }

// Output returns the captured output so far.
func (h *Handle) Output() string { return h.output.String() }

// AppendOutput adds controller-generated text to the captured output.
func (h *Handle) AppendOutput(s string) { _, _ = h.output.WriteString(s) }

func (h *Handle) StopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopRequested
}

// ExitCode reports the exit code once the worker has exited.
func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exited
}
