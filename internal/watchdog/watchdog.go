// Package watchdog implements a self-destruct timer: the last-resort guard
// which kills the process once it outlives its maximum lifetime, e.g.
// because a task body deadlocked outside of any bounded operation.
//
// The kill is SIGKILL to the own pid. A process hung that long has already
// failed to react to graceful shutdown, so nothing catchable is sent.
package watchdog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var ErrNotIdle = errors.New("self-destruct already started")

type State int

const (
	Idle State = iota
	Running
	Stopped
	Expired
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Option func(*SelfDestruct)

// WithKill replaces the SIGKILL of the own process.
func WithKill(kill func()) Option {
	return func(s *SelfDestruct) {
		s.kill = kill
	}
}

// SelfDestruct moves Idle -> Running -> {Stopped, Expired}. Stopped and
// Expired are terminal.
type SelfDestruct struct {
	mx       sync.Mutex
	after    time.Duration
	state    State
	deadline time.Time
	timer    *time.Timer
	kill     func()
}

func New(after time.Duration, opts ...Option) *SelfDestruct {
	s := &SelfDestruct{
		after: after,
		kill:  killSelf,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the countdown. Only an Idle SelfDestruct can be started.
func (s *SelfDestruct) Start() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state != Idle {
		return fmt.Errorf("%w: state is %s", ErrNotIdle, s.state)
	}
	s.state = Running
	s.deadline = time.Now().Add(s.after)
	s.timer = time.AfterFunc(s.after, s.expire)
	return nil
}

// Stop cancels a running countdown and reports whether it did so. Calling
// it in any other state is a no-op.
func (s *SelfDestruct) Stop() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state != Running {
		return false
	}
	s.state = Stopped
	s.timer.Stop()
	return true
}

func (s *SelfDestruct) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// Deadline returns the moment of expiry, zero unless started.
func (s *SelfDestruct) Deadline() time.Time {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.deadline
}

func (s *SelfDestruct) expire() {
	s.mx.Lock()
	if s.state != Running {
		s.mx.Unlock()
		return
	}
	s.state = Expired
	s.mx.Unlock()

	slog.Error("self-destruct: maximum lifetime exceeded, killing process",
		"after", s.after.String(),
		"pid", os.Getpid(),
	)
	s.kill()
}

func killSelf() {
	_ = unix.Kill(os.Getpid(), unix.SIGKILL)
}
