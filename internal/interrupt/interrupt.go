// Package interrupt runs a single cleanup action when the process is asked
// to stop from the outside (SIGINT or SIGTERM), then exits non-zero.
//
// The handler holds one cleanup slot; registering again replaces it. Apart
// from one log line it performs no I/O of its own, and it does not wait for
// operations in flight.
package interrupt

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

type Option func(*Handler)

// WithExit replaces os.Exit.
func WithExit(exit func(code int)) Option {
	return func(h *Handler) {
		h.exit = exit
	}
}

// WithSignals replaces the default SIGINT and SIGTERM set.
func WithSignals(signals ...os.Signal) Option {
	return func(h *Handler) {
		h.notify = signals
	}
}

type Handler struct {
	mx      sync.Mutex
	cleanup func()
	signals chan os.Signal
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	closed  bool
	running bool // cleanup in progress on the loop goroutine

	notify []os.Signal
	exit   func(code int)
}

func New(opts ...Option) *Handler {
	h := &Handler{
		notify: []os.Signal{os.Interrupt, syscall.SIGTERM},
		exit:   os.Exit,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnCancellation stores cleanup in the slot, replacing any previous one.
// Signal delivery is installed on the first call.
func (h *Handler) OnCancellation(cleanup func()) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.cleanup = cleanup
	if h.closed || h.signals != nil {
		return
	}
	h.signals = make(chan os.Signal, 1)
	h.done = make(chan struct{})
	signal.Notify(h.signals, h.notify...)
	h.wg.Go(h.loop)
}

func (h *Handler) loop() {
	for {
		select {
		case <-h.done:
			return
		case sig := <-h.signals:
			h.handle(sig)
		}
	}
}

func (h *Handler) handle(sig os.Signal) {
	h.once.Do(func() {
		code := ExitCode(sig)
		defer h.exit(code)
		defer func() {
			if p := recover(); p != nil {
				slog.Error("cancellation cleanup panicked", "signal", sig.String(), "panic", p)
			}
		}()

		h.mx.Lock()
		cleanup := h.cleanup
		h.running = true
		h.mx.Unlock()

		slog.Warn("cancellation requested", "signal", sig.String(), "exit_code", code)
		if cleanup != nil {
			cleanup()
		}
	})
}

// Close stops signal delivery. Signals arriving afterwards get the default
// behaviour of the runtime. Idempotent.
func (h *Handler) Close() {
	h.mx.Lock()
	if h.closed {
		h.mx.Unlock()
		return
	}
	h.closed = true
	signals, running := h.signals, h.running
	h.mx.Unlock()

	if signals == nil {
		return
	}
	signal.Stop(signals)
	close(h.done)
	// a cleanup may close the handler from the loop goroutine itself
	if !running {
		h.wg.Wait()
	}
}

// ExitCode is the shell convention for a process ended by sig.
func ExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}

