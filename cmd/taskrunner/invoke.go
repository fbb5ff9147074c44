package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/DARPA-ASKEM/taskrunner/internal/invoke"
	"github.com/DARPA-ASKEM/taskrunner/internal/log"
)

type invokeFlags struct {
	id           string
	input        string
	inputFiles   []string
	inline       bool
	parallel     int
	selfDestruct time.Duration
	timeout      time.Duration
	grace        time.Duration
}

func invokeCmd() *cobra.Command {
	var flags invokeFlags
	cmd := &cobra.Command{
		Use:   "invoke [flags] -- binary [args...]",
		Short: "run a task binary the way a parent does and print its output",
		Long: `invoke runs a task binary with named pipes for the output and progress.
The input is --input, one request per --input-file or stdin. Progress is logged
to stderr, every output is printed to stdout on its own line.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doInvoke(cmd, args, flags)
		},
	}
	cmd.Flags().StringVar(&flags.id, "id", "", "request id (default random UUID), ignored for several input files")
	cmd.Flags().StringVar(&flags.input, "input", "", "input payload")
	cmd.Flags().StringArrayVar(&flags.inputFiles, "input-file", nil, "read a request input from file, may be repeated")
	cmd.Flags().BoolVar(&flags.inline, "inline", false, "pass the input as --input instead of a file")
	cmd.Flags().IntVar(&flags.parallel, "parallel", 1, "number of requests running at once")
	cmd.Flags().DurationVar(&flags.selfDestruct, "self-destruct", 0, "self-destruct timeout of the child (default from the child)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "timeout of the child (default invoke.timeout from config)")
	cmd.Flags().DurationVar(&flags.grace, "grace", 0, "delay between SIGTERM and SIGKILL (default invoke.grace from config)")
	return cmd
}

func doInvoke(cmd *cobra.Command, args []string, flags invokeFlags) error {
	attrs := slog.Group("taskrunner",
		slog.String("cmd", "invoke"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)

	proto := invoke.Command{
		Path:    args[0],
		Args:    args[1:],
		Timeout: config.Invoke.Timeout,
		Grace:   config.Invoke.Grace,
	}
	if flags.timeout > 0 {
		proto.Timeout = flags.timeout
	}
	if flags.grace > 0 {
		proto.Grace = flags.grace
	}

	reqs, err := requests(cmd.InOrStdin(), flags)
	if err != nil {
		return err
	}

	stdout := cmd.OutOrStdout()
	var errs []error
	for res, err := range invoke.RunAll(ctx, proto, reqs, flags.parallel, logProgress) {
		if reason := res.Failed(); reason != "" || err != nil {
			slog.ErrorContext(ctx, "task failed",
				"request_id", res.RequestID,
				"reason", reason,
				"stderr", res.Stderr.String(),
			)
			errs = append(errs, fmt.Errorf("task %s failed: %s", res.RequestID, reason))
			continue
		}
		if _, err := fmt.Fprintf(stdout, "%s\n", res.Output); err != nil {
			return fmt.Errorf("printing output: %w", err)
		}
		slog.DebugContext(ctx, "task done", "request_id", res.RequestID, "progress", len(res.Progress))
	}
	return errors.Join(errs...)
}

func requests(stdin io.Reader, flags invokeFlags) ([]invoke.Request, error) {
	req := invoke.Request{
		ID:           flags.id,
		Inline:       flags.inline,
		SelfDestruct: flags.selfDestruct,
	}
	switch {
	case flags.input != "":
		req.Input = []byte(flags.input)
		return []invoke.Request{req}, nil
	case len(flags.inputFiles) == 1:
		b, err := os.ReadFile(flags.inputFiles[0])
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		req.Input = b
		return []invoke.Request{req}, nil
	case len(flags.inputFiles) > 1:
		reqs := make([]invoke.Request, 0, len(flags.inputFiles))
		for _, path := range flags.inputFiles {
			b, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading input: %w", err)
			}
			reqs = append(reqs, invoke.Request{Input: b, Inline: flags.inline, SelfDestruct: flags.selfDestruct})
		}
		return reqs, nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("reading input from stdin: %w", err)
	}
	req.Input = b
	return []invoke.Request{req}, nil
}

func logProgress(ctx context.Context, requestID string, progress json.RawMessage) {
	slog.InfoContext(ctx, "progress", "request_id", requestID, "progress", progress)
}
