package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/DARPA-ASKEM/taskrunner/internal/log"
	"github.com/DARPA-ASKEM/taskrunner/internal/taskrunner"
)

const flagSelfDestruct = "self-destruct-timeout-seconds"

// taskCommand binds the invocation flags and runs body through a Runner.
func taskCommand(use, short string, body taskrunner.Body) *cobra.Command {
	var params taskrunner.Params
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
	}
	params.RegisterFlags(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if !cmd.Flags().Changed(flagSelfDestruct) {
			params.SelfDestructSeconds = int(config.SelfDestruct / time.Second)
		}
		attrs := slog.Group("taskrunner",
			slog.String("cmd", use),
			slog.String("request_id", params.RequestID),
			slog.Int("pid", os.Getpid()),
		)
		ctx := log.ContextAttrs(cmd.Context(), attrs)
		return taskrunner.Run(ctx, params, func(ctx context.Context, r *taskrunner.Runner) error {
			r.OnCancellation(func() {
				slog.WarnContext(ctx, "task canceled", "state", r.State().String())
			})
			return body(ctx, r)
		})
	}
	return cmd
}

func echoCmd() *cobra.Command {
	return taskCommand("echo", "echo the input JSON as the response", doEcho)
}

func incrementCmd() *cobra.Command {
	return taskCommand("increment", `read {"x": n} and respond {"y": n+1}`, doIncrement)
}

func doEcho(ctx context.Context, r *taskrunner.Runner) error {
	var in json.RawMessage
	if err := r.ReadInputJSON(ctx, config.Timeouts.Input, &in); err != nil {
		return err
	}
	reportProgress(ctx, r, 0)
	reportProgress(ctx, r, 100)
	return r.WriteResponse(ctx, in, config.Timeouts.Output)
}

type incrementInput struct {
	X *float64 `json:"x"`
}

type incrementOutput struct {
	Y float64 `json:"y"`
}

func doIncrement(ctx context.Context, r *taskrunner.Runner) error {
	var in incrementInput
	if err := r.ReadInputJSON(ctx, config.Timeouts.Input, &in); err != nil {
		return err
	}
	if in.X == nil {
		return fmt.Errorf("parsing input: field x is missing")
	}
	reportProgress(ctx, r, 50)
	return r.WriteResponse(ctx, incrementOutput{Y: *in.X + 1}, config.Timeouts.Output)
}

// reportProgress is best-effort: a parent that stopped listening to progress
// still gets the output.
func reportProgress(ctx context.Context, r *taskrunner.Runner, percent int) {
	err := r.WriteProgressJSON(ctx, map[string]int{"progress": percent}, config.Timeouts.Progress)
	if err != nil {
		slog.WarnContext(ctx, "progress not delivered", "progress", percent, "error", err)
	}
}
