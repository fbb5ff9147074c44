//go:build unix

package channel

import (
	"errors"
	"fmt"
	"os"

	"github.com/containerd/fifo"
	"golang.org/x/sys/unix"
)

var ErrNotFifo = errors.New("not a named pipe")

// Mkfifo creates a named pipe at path.
func Mkfifo(path string) error {
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return fmt.Errorf("creating named pipe %s: %w", path, err)
	}
	return nil
}

// Tap is the consuming end of a named pipe for a process that outlives
// several writers. It opens without waiting for a writer and keeps its own
// write end open, so a writer doing open/write/close repeatedly produces one
// continuous stream instead of an EOF after every cycle. Writers never block
// in open while the Tap exists.
//
// Call Release once no more writers are expected (e.g. the writing process
// has exited): reads then return the data still buffered in the pipe,
// followed by io.EOF.
type Tap struct {
	path string
	r    *os.File
	hold *os.File
}

func OpenTap(path string) (*Tap, error) {
	ok, err := fifo.IsFifo(path)
	if err != nil {
		return nil, fmt.Errorf("checking named pipe %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("opening %s: %w", path, ErrNotFifo)
	}
	// O_NONBLOCK keeps open from waiting for a writer, and makes the file
	// pollable, so Close interrupts a pending Read.
	r, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("opening named pipe %s for reading: %w", path, err)
	}
	hold, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("opening named pipe %s for holding: %w", path, err)
	}
	return &Tap{path: path, r: r, hold: hold}, nil
}

func (t *Tap) Path() string {
	return t.path
}

func (t *Tap) Read(p []byte) (int, error) {
	return t.r.Read(p)
}

// Release drops the held write end. Idempotent.
func (t *Tap) Release() error {
	if t.hold == nil {
		return nil
	}
	err := t.hold.Close()
	t.hold = nil
	return err
}

func (t *Tap) Close() error {
	return errors.Join(t.Release(), t.r.Close())
}
