package taskrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/DARPA-ASKEM/taskrunner/internal/bounded"
	"github.com/DARPA-ASKEM/taskrunner/internal/channel"
	"github.com/DARPA-ASKEM/taskrunner/internal/interrupt"
	"github.com/DARPA-ASKEM/taskrunner/internal/watchdog"
)

var (
	ErrOutputWritten = errors.New("output already written")
	ErrInputNotRead  = errors.New("input not read yet")
	ErrShutDown      = errors.New("task runner is shut down")
	ErrInvalidUTF8   = errors.New("input is not valid UTF-8")
)

// DoneMarker is the last progress payload, written right before the output.
var DoneMarker = []byte(`{"done":true}`)

type State int

const (
	Constructed State = iota
	InputRead
	ProgressReported
	OutputWritten
	ShutDown
)

func (s State) String() string {
	switch s {
	case Constructed:
		return "constructed"
	case InputRead:
		return "input read"
	case ProgressReported:
		return "progress reported"
	case OutputWritten:
		return "output written"
	case ShutDown:
		return "shut down"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Option func(*Runner)

// WithStdout replaces os.Stdout as the fallback for output and progress.
func WithStdout(w io.Writer) Option {
	return func(r *Runner) {
		r.stdout = w
	}
}

// WithWatchdogOptions configures the self-destruct watchdog.
func WithWatchdogOptions(opts ...watchdog.Option) Option {
	return func(r *Runner) {
		r.watchdogOpts = append(r.watchdogOpts, opts...)
	}
}

// WithInterruptOptions configures the cancellation handler.
func WithInterruptOptions(opts ...interrupt.Option) Option {
	return func(r *Runner) {
		r.interruptOpts = append(r.interruptOpts, opts...)
	}
}

// Runner is the single-shot contract seen by a task body: read one input,
// report progress any number of times, write one output, shut down.
//
// Runner is safe for concurrent use, although a task body normally drives
// it from a single goroutine.
type Runner struct {
	params   Params
	input    inputSource
	output   sink
	progress sink
	stdout   io.Writer

	watchdogOpts  []watchdog.Option
	interruptOpts []interrupt.Option
	selfDestruct  *watchdog.SelfDestruct
	cancellation  *interrupt.Handler

	readMx        sync.Mutex
	mx            sync.Mutex
	state         State
	payload       []byte
	inputRead     bool
	outputWritten bool
}

// New validates params and starts the self-destruct watchdog. A
// configuration error is returned before anything is started.
func New(ctx context.Context, params Params, opts ...Option) (*Runner, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		params:   params,
		input:    params.inputSource(),
		output:   sinkOf(params.OutputPipe),
		progress: sinkOf(params.ProgressPipe),
		stdout:   os.Stdout,
		state:    Constructed,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.cancellation = interrupt.New(r.interruptOpts...)
	r.selfDestruct = watchdog.New(params.Lifetime(), r.watchdogOpts...)
	if err := r.selfDestruct.Start(); err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "task runner started",
		"input_inline", r.input == inputInline,
		"input_pipe", params.InputPipe,
		"output_pipe", params.OutputPipe,
		"progress_pipe", params.ProgressPipe,
		"self_destruct", params.Lifetime().String(),
	)
	return r, nil
}

func (r *Runner) RequestID() string {
	return r.params.RequestID
}

func (r *Runner) Params() Params {
	return r.params
}

func (r *Runner) State() State {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.state
}

// SelfDestruct exposes the watchdog state, mostly for diagnostics.
func (r *Runner) SelfDestruct() watchdog.State {
	return r.selfDestruct.State()
}

// ReadInput returns the input payload. An inline payload is returned as is
// and the input channel is never touched. Otherwise the channel is drained,
// bounded by timeout. The payload is read once; later calls return it again
// without any I/O.
func (r *Runner) ReadInput(ctx context.Context, timeout time.Duration) ([]byte, error) {
	// readMx serializes readers without holding mx over the I/O
	r.readMx.Lock()
	defer r.readMx.Unlock()

	r.mx.Lock()
	state, inputRead, payload := r.state, r.inputRead, r.payload
	r.mx.Unlock()
	if state == ShutDown {
		return nil, ErrShutDown
	}
	if inputRead {
		return payload, nil
	}

	switch r.input {
	case inputInline:
		payload = []byte(r.params.Input)
	case inputChannel:
		var err error
		payload, err = bounded.Do(ctx, timeout, func() ([]byte, error) {
			return channel.Drain(r.params.InputPipe)
		})
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
	}

	r.mx.Lock()
	r.payload = payload
	r.inputRead = true
	if r.state == Constructed {
		r.state = InputRead
	}
	r.mx.Unlock()
	slog.DebugContext(ctx, "input read", "bytes", len(payload))
	return payload, nil
}

// ReadInputText is ReadInput for UTF-8 text.
func (r *Runner) ReadInputText(ctx context.Context, timeout time.Duration) (string, error) {
	b, err := r.ReadInput(ctx, timeout)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

// ReadInputJSON is ReadInput decoding the payload into v.
func (r *Runner) ReadInputJSON(ctx context.Context, timeout time.Duration, v any) error {
	b, err := r.ReadInput(ctx, timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parsing input: %w", err)
	}
	return nil
}

// WriteProgress reports progress. Without a progress channel the payload
// is printed to stdout and errors are not reported. Progress is not
// latched; it may be written any number of times.
func (r *Runner) WriteProgress(ctx context.Context, payload []byte, timeout time.Duration) error {
	r.mx.Lock()
	if err := r.checkWritable(); err != nil {
		r.mx.Unlock()
		return err
	}
	if r.state == InputRead {
		r.state = ProgressReported
	}
	r.mx.Unlock()

	return r.writeProgress(ctx, payload, timeout)
}

// WriteProgressJSON marshals v and reports it as progress.
func (r *Runner) WriteProgressJSON(ctx context.Context, v any, timeout time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}
	return r.WriteProgress(ctx, b, timeout)
}

func (r *Runner) writeProgress(ctx context.Context, payload []byte, timeout time.Duration) error {
	switch r.progress {
	case sinkStdout:
		r.printStdout(ctx, payload)
		return nil
	default:
		err := bounded.Run(ctx, timeout, func() error {
			return channel.Emit(r.params.ProgressPipe, payload)
		})
		if err != nil {
			return fmt.Errorf("writing progress: %w", err)
		}
		return nil
	}
}

// WriteOutput writes the single output of the task. A second call fails
// with ErrOutputWritten before any I/O. The latch is set before writing so
// that a failed write is never retried into a double write downstream.
//
// The done marker goes to the progress channel first, so a parent polling
// progress knows to stop. A failure to deliver it is logged and does not
// prevent the output.
func (r *Runner) WriteOutput(ctx context.Context, payload []byte, timeout time.Duration) error {
	r.mx.Lock()
	if err := r.checkWritable(); err != nil {
		r.mx.Unlock()
		return err
	}
	if r.outputWritten {
		r.mx.Unlock()
		return ErrOutputWritten
	}
	r.outputWritten = true
	r.state = OutputWritten
	r.mx.Unlock()

	if r.progress == sinkChannel {
		if err := r.writeProgress(ctx, DoneMarker, timeout); err != nil {
			slog.WarnContext(ctx, "done marker not delivered", "error", err)
		}
	}

	switch r.output {
	case sinkStdout:
		r.printStdout(ctx, payload)
	default:
		err := bounded.Run(ctx, timeout, func() error {
			return channel.Emit(r.params.OutputPipe, payload)
		})
		if err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
	}
	slog.DebugContext(ctx, "output written", "bytes", len(payload))
	return nil
}

// WriteOutputJSON marshals v and writes it as the output.
func (r *Runner) WriteOutputJSON(ctx context.Context, v any, timeout time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling output: %w", err)
	}
	return r.WriteOutput(ctx, b, timeout)
}

// Response is the envelope of a task result.
type Response struct {
	Response any `json:"response"`
}

// WriteResponse writes {"response": v} as the output.
func (r *Runner) WriteResponse(ctx context.Context, v any, timeout time.Duration) error {
	return r.WriteOutputJSON(ctx, Response{Response: v}, timeout)
}

// OnCancellation registers the cleanup run on SIGINT or SIGTERM, before the
// process exits non-zero. The last registration wins.
func (r *Runner) OnCancellation(cleanup func()) {
	r.cancellation.OnCancellation(cleanup)
}

// Shutdown stops the watchdog and the cancellation handler. It must run on
// every exit path, typically deferred right after New. Idempotent.
func (r *Runner) Shutdown() {
	r.mx.Lock()
	if r.state == ShutDown {
		r.mx.Unlock()
		return
	}
	r.state = ShutDown
	r.mx.Unlock()

	r.selfDestruct.Stop()
	r.cancellation.Close()
}

func (r *Runner) checkWritable() error {
	switch {
	case r.state == ShutDown:
		return ErrShutDown
	case !r.inputRead:
		return ErrInputNotRead
	}
	return nil
}

func (r *Runner) printStdout(ctx context.Context, payload []byte) {
	b := make([]byte, 0, len(payload)+1)
	b = append(b, payload...)
	b = append(b, '\n')
	if _, err := r.stdout.Write(b); err != nil {
		slog.DebugContext(ctx, "writing to stdout failed", "error", err)
	}
}

// Body is a task implementation.
type Body func(ctx context.Context, r *Runner) error

// Run constructs a Runner, runs body and shuts the Runner down on every
// path, panics included.
func Run(ctx context.Context, params Params, body Body, opts ...Option) error {
	r, err := New(ctx, params, opts...)
	if err != nil {
		return err
	}
	defer r.Shutdown()
	return body(ctx, r)
}
