//go:build unix

package invoke

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type outcome struct {
	res Result
	err error
}

// RunAll runs every request through proto, at most limit at a time, and
// yields the results in completion order. Breaking out of the loop cancels
// the requests still running.
//
//	for res, err := range invoke.RunAll(ctx, cmd, reqs, 4, nil) {}
func RunAll(ctx context.Context, proto Command, reqs []Request, limit int, progressFunc ProgressFunc) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		if limit <= 0 {
			limit = 1
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		done := make(chan outcome, limit)

		go func() {
			for _, req := range reqs {
				if gctx.Err() != nil {
					break
				}
				g.Go(func() error {
					res, err := Run(gctx, proto, req, progressFunc)
					select {
					case done <- outcome{res: res, err: err}:
					case <-gctx.Done():
					}
					// a failed task must not cancel its siblings
					return nil
				})
			}
			_ = g.Wait()
			close(done)
		}()

		for o := range done {
			if !yield(o.res, o.err) {
				return
			}
		}
	}
}
