// Package taskrunner implements the worker side of the task protocol: a
// parent launches one process per unit of work and talks to it through
// named channels given as flags.
//
// Protocol:
//
//	parent                               task process
//	  |  --id --input|--input-pipe            |
//	  |  --output-pipe --progress-pipe        |
//	  |  --self-destruct-timeout-seconds ---->| New: validate, start watchdog
//	  |---- input payload (one write) ------->| ReadInput
//	  |<--- {"progress": ...} (0..n) ---------| WriteProgress
//	  |<--- {"done":true} --------------------| WriteOutput
//	  |<--- {"response": ...} (one write) ----|
//	  |                                       | Shutdown: stop watchdog
//	  |<--- exit code ------------------------|
//
// Every channel operation is bounded by its own timeout (see package
// bounded). Output is latched: it is written at most once per process.
// Absent output or progress channels fall back to stdout, and logs go to
// stderr.
//
// Failures surface as the process exit code: 0 after success, 1 after any
// error returned by the task body, 128+signal after SIGINT/SIGTERM, and no
// code at all when the self-destruct watchdog kills the process. The
// output channel is not written in the failure case.
//
// Typical task body:
//
//	err := taskrunner.Run(ctx, params, func(ctx context.Context, r *taskrunner.Runner) error {
//		var in Input
//		if err := r.ReadInputJSON(ctx, time.Minute, &in); err != nil {
//			return err
//		}
//		_ = r.WriteProgressJSON(ctx, map[string]any{"progress": 50}, 10*time.Second)
//		return r.WriteResponse(ctx, compute(in), time.Minute)
//	})
package taskrunner
