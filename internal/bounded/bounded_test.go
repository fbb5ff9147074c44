package bounded_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/DARPA-ASKEM/taskrunner/internal/bounded"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDo(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")
	var testCases = []struct {
		scenario string
		op       func() (string, error)
		then     string
		thenErr  error
	}{
		{"value", func() (string, error) { return "payload", nil }, "payload", nil},
		{"error", func() (string, error) { return "", errBoom }, "", errBoom},
		{"slow but in time", func() (string, error) {
			time.Sleep(59 * time.Second)
			return "late", nil
		}, "late", nil},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				got, err := bounded.Do(t.Context(), time.Minute, tt.op)
				if tt.thenErr != nil {
					require.ErrorIs(t, err, tt.thenErr)
					return
				}
				require.NoError(t, err)
				require.Equal(t, tt.then, got)
			})
		})
	}
}

func TestDoTimeout(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		block := make(chan struct{})
		var finished atomic.Bool
		op := func() ([]byte, error) {
			<-block
			finished.Store(true)
			return []byte("too late"), nil
		}

		start := time.Now()
		got, err := bounded.Do(t.Context(), 30*time.Second, op)
		require.Equal(t, 30*time.Second, time.Since(start))
		require.Nil(t, got)
		require.ErrorIs(t, err, bounded.ErrTimeout)
		var terr *bounded.TimeoutError
		require.ErrorAs(t, err, &terr)
		require.Equal(t, 30*time.Second, terr.After)
		require.EqualError(t, err, "operation timed out after 30s")

		// the worker was abandoned, not cancelled
		synctest.Wait()
		require.False(t, finished.Load())
		close(block)
		synctest.Wait()
		require.True(t, finished.Load())
	})
}

func TestDoContext(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)

		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()
		start := time.Now()
		err := bounded.Run(ctx, time.Hour, func() error {
			<-block
			return nil
		})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Equal(t, time.Second, time.Since(start))
	})

	t.Run("already canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		var called atomic.Bool
		err := bounded.Run(ctx, time.Second, func() error {
			called.Store(true)
			return nil
		})
		require.ErrorIs(t, err, context.Canceled)
		require.False(t, called.Load())
	})
}

func TestDoNoBound(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		start := time.Now()
		err := bounded.Run(t.Context(), 0, func() error {
			time.Sleep(48 * time.Hour)
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 48*time.Hour, time.Since(start))
	})
}

func TestDoPanic(t *testing.T) {
	t.Parallel()
	_, err := bounded.Do(t.Context(), time.Second, func() (int, error) {
		panic("broken pipe handling")
	})
	require.EqualError(t, err, "operation panicked: broken pipe handling")
}
