// Package invoke is the parent side of the task protocol. It launches a task
// binary for one request and collects what the task reports.
//
// Run prepares a private directory per request:
//
//	taskrunner-<id>/
//	  input     plain file with the input payload (unless inline)
//	  output    named pipe, read until the child exits
//	  progress  named pipe, decoded as a stream of JSON values
//
// Both pipes are held open by the parent (see channel.Tap), so the child can
// open and close them as many times as it needs without the parent seeing
// a premature end of stream. They are released once the child is gone.
//
// The child is bounded by Command.Timeout. On timeout or cancellation it
// receives SIGTERM and, if it is still alive after Command.Grace, SIGKILL.
//
// RunAll runs many requests through the same command with a bounded level of
// parallelism.
package invoke
