//go:build unix

package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DARPA-ASKEM/taskrunner/internal/channel"
	"github.com/DARPA-ASKEM/taskrunner/internal/taskrunner"
)

var ErrNoPath = errors.New("command path is empty")

// DefaultGrace is used when Command.Grace is zero.
const DefaultGrace = 5 * time.Second

type Command struct {
	Path    string
	Args    []string
	Env     []string // nil: inherit the environment
	Timeout time.Duration
	Grace   time.Duration
}

type Request struct {
	ID     string // empty: random UUID
	Input  []byte
	Inline bool // pass Input as --input instead of a file
	// SelfDestruct is passed to the child, rounded up to whole seconds.
	// Zero keeps the child default.
	SelfDestruct time.Duration
}

// ProgressFunc is called for every progress value except the done marker.
type ProgressFunc func(ctx context.Context, requestID string, progress json.RawMessage)

type Result struct {
	RequestID string
	Path      string
	Args      []string
	Started   time.Time
	Stopped   time.Time
	State     *os.ProcessState
	Output    []byte
	Progress  []json.RawMessage
	Done      bool
	Stdout    *bytes.Buffer
	Stderr    *bytes.Buffer
	Err       error
}

// Failed returns the reason the task failed or an empty string.
func (r Result) Failed() string {
	if r.State == nil {
		if r.Err != nil {
			return r.Err.Error()
		}
		return "not started"
	}
	if ws, ok := r.State.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return "killed by signal " + ws.Signal().String()
	}
	if code := r.State.ExitCode(); code != 0 {
		return "exit code " + strconv.Itoa(code)
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return ""
}

// Run executes proto for a single request and waits for it. The returned
// error is Result.Err: nil only when the child exited with 0 and both
// channels were read cleanly.
func Run(ctx context.Context, proto Command, req Request, progressFunc ProgressFunc) (Result, error) {
	if proto.Path == "" {
		return Result{Err: ErrNoPath}, ErrNoPath
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	res := Result{
		RequestID: id,
		Path:      proto.Path,
		Stdout:    &bytes.Buffer{},
		Stderr:    &bytes.Buffer{},
	}
	fail := func(err error) (Result, error) {
		res.Err = err
		return res, err
	}

	dir, err := os.MkdirTemp("", "taskrunner-"+id+"-")
	if err != nil {
		return fail(fmt.Errorf("creating request directory: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.WarnContext(ctx, "removing request directory", "dir", dir, "error", err)
		}
	}()

	args := append([]string(nil), proto.Args...)
	args = append(args, "--id", id)
	if req.Inline {
		args = append(args, "--input", string(req.Input))
	} else {
		in := filepath.Join(dir, "input")
		if err := os.WriteFile(in, req.Input, 0o600); err != nil {
			return fail(fmt.Errorf("writing input: %w", err))
		}
		args = append(args, "--input-pipe", in)
	}
	if req.SelfDestruct > 0 {
		secs := int((req.SelfDestruct + time.Second - 1) / time.Second)
		args = append(args, "--self-destruct-timeout-seconds", strconv.Itoa(secs))
	}

	output, err := openTap(dir, "output")
	if err != nil {
		return fail(err)
	}
	defer closeTap(ctx, output)
	progress, err := openTap(dir, "progress")
	if err != nil {
		return fail(err)
	}
	defer closeTap(ctx, progress)
	args = append(args, "--output-pipe", output.Path(), "--progress-pipe", progress.Path())
	res.Args = args

	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, proto.Path, args...)
	cmd.Env = proto.Env
	cmd.Stdout = res.Stdout
	cmd.Stderr = res.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = proto.Grace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultGrace
	}

	var g errgroup.Group
	g.Go(func() error {
		b, err := io.ReadAll(output)
		res.Output = b
		if err != nil {
			return fmt.Errorf("reading output: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return readProgress(ctx, progress, func(raw json.RawMessage) {
			if isDone(raw) {
				res.Done = true
				return
			}
			res.Progress = append(res.Progress, raw)
			if progressFunc != nil {
				progressFunc(ctx, id, raw)
			}
		})
	})

	res.Started = time.Now().UTC()
	err = cmd.Start()
	if err == nil {
		slog.DebugContext(ctx, "task started", "request_id", id, "path", proto.Path, "pid", cmd.Process.Pid)
		err = cmd.Wait()
	}
	res.Stopped = time.Now().UTC()
	res.State = cmd.ProcessState

	// the child is gone: let the readers see the end of both streams
	err = errors.Join(err, output.Release(), progress.Release())
	res.Err = errors.Join(err, g.Wait())
	slog.DebugContext(ctx, "task finished",
		"request_id", id,
		"elapsed", res.Stopped.Sub(res.Started).String(),
		"failed", res.Failed(),
	)
	return res, res.Err
}

func openTap(dir, name string) (*channel.Tap, error) {
	path := filepath.Join(dir, name)
	if err := channel.Mkfifo(path); err != nil {
		return nil, err
	}
	tap, err := channel.OpenTap(path)
	if err != nil {
		return nil, err
	}
	return tap, nil
}

func closeTap(ctx context.Context, tap *channel.Tap) {
	if err := tap.Close(); err != nil {
		slog.WarnContext(ctx, "closing pipe", "path", tap.Path(), "error", err)
	}
}

// readProgress decodes r as a stream of JSON values. Writes of the child may
// be coalesced by the pipe, so message boundaries are not relied upon. After
// a malformed value the rest of the stream is discarded so the child never
// blocks on a full pipe.
func readProgress(ctx context.Context, r io.Reader, fn func(json.RawMessage)) error {
	dec := json.NewDecoder(r)
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			slog.WarnContext(ctx, "malformed progress", "error", err)
			_, _ = io.Copy(io.Discard, r)
			return fmt.Errorf("decoding progress: %w", err)
		}
		fn(raw)
	}
}

func isDone(raw json.RawMessage) bool {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return false
	}
	return bytes.Equal(buf.Bytes(), taskrunner.DoneMarker)
}
