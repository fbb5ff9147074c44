package taskrunner

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/DARPA-ASKEM/taskrunner/internal/model"
)

var (
	ErrMissingInput     = errors.New("configuration error: neither --input nor --input-pipe given")
	ErrMissingRequestID = errors.New("configuration error: --id is required")
)

// DefaultSelfDestructSeconds is the maximum lifetime of a task process.
const DefaultSelfDestructSeconds = int(model.DefaultSelfDestruct / time.Second)

// Params describe one invocation. They are read once at start and never
// change afterwards.
type Params struct {
	RequestID string
	// Input is an inline payload. It has precedence over InputPipe.
	Input        string
	InputPipe    string
	OutputPipe   string // empty: stdout
	ProgressPipe string // empty: stdout

	SelfDestructSeconds int
}

// RegisterFlags binds the invocation flags shared by every task binary.
func (p *Params) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&p.RequestID, "id", "", "request identifier, opaque to the task")
	fs.StringVar(&p.Input, "input", "", "inline input payload; wins over --input-pipe")
	fs.StringVar(&p.InputPipe, "input-pipe", "", "named pipe or file to read the input from")
	fs.StringVar(&p.OutputPipe, "output-pipe", "", "named pipe or file for the output (default stdout)")
	fs.StringVar(&p.ProgressPipe, "progress-pipe", "", "named pipe or file for progress (default stdout)")
	fs.IntVar(&p.SelfDestructSeconds, "self-destruct-timeout-seconds", DefaultSelfDestructSeconds, "kill the process after this many seconds")
}

func (p Params) Validate() error {
	if p.RequestID == "" {
		return ErrMissingRequestID
	}
	if p.Input == "" && p.InputPipe == "" {
		return ErrMissingInput
	}
	if p.SelfDestructSeconds < 0 {
		return fmt.Errorf("configuration error: --self-destruct-timeout-seconds must not be negative, got %d", p.SelfDestructSeconds)
	}
	return nil
}

// Lifetime is the self-destruct ceiling, falling back to 24 hours.
func (p Params) Lifetime() time.Duration {
	if p.SelfDestructSeconds <= 0 {
		return model.DefaultSelfDestruct
	}
	return time.Duration(p.SelfDestructSeconds) * time.Second
}

type inputSource int

const (
	inputInline inputSource = iota
	inputChannel
)

type sink int

const (
	sinkStdout sink = iota
	sinkChannel
)

func (p Params) inputSource() inputSource {
	if p.Input != "" {
		return inputInline
	}
	return inputChannel
}

func sinkOf(path string) sink {
	if path == "" {
		return sinkStdout
	}
	return sinkChannel
}
