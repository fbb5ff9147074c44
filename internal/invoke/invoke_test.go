package invoke_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/DARPA-ASKEM/taskrunner/internal/invoke"
	"github.com/DARPA-ASKEM/taskrunner/internal/taskrunner"
)

const (
	envChild  = "INVOKE_TEST_CHILD"
	envMarker = "INVOKE_TEST_MARKER"
)

// TestMain doubles as the task binary: with envChild set the test binary
// runs one task body instead of the tests.
func TestMain(m *testing.M) {
	if mode, ok := os.LookupEnv(envChild); ok {
		os.Exit(child(mode))
	}
	goleak.VerifyTestMain(m)
}

func child(mode string) int {
	var params taskrunner.Params
	fs := pflag.NewFlagSet("child", pflag.ContinueOnError)
	params.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		slog.Error("parsing flags", "error", err)
		return 2
	}

	err := taskrunner.Run(context.Background(), params, func(ctx context.Context, r *taskrunner.Runner) error {
		var in struct {
			X int `json:"x"`
		}
		if err := r.ReadInputJSON(ctx, time.Minute, &in); err != nil {
			return err
		}
		switch mode {
		case "increment":
			if err := r.WriteProgressJSON(ctx, map[string]int{"progress": 50}, time.Minute); err != nil {
				return err
			}
			return r.WriteResponse(ctx, map[string]int{"y": in.X + 1}, time.Minute)
		case "fail":
			return errors.New("unsupported model")
		case "hang":
			time.Sleep(time.Hour)
		case "cancel":
			r.OnCancellation(func() {
				_ = os.WriteFile(os.Getenv(envMarker), []byte("cleaned"), 0o600)
			})
			if err := r.WriteProgress(ctx, []byte(`{"progress": 1}`), time.Minute); err != nil {
				return err
			}
			time.Sleep(time.Hour)
		}
		return nil
	})
	if err != nil {
		slog.Error("task failed", "error", err)
		return 1
	}
	return 0
}

func command(t *testing.T, mode string, env ...string) invoke.Command {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	return invoke.Command{
		Path:    self,
		Env:     append(os.Environ(), append(env, envChild+"="+mode)...),
		Timeout: time.Minute,
		Grace:   5 * time.Second,
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    invoke.Request
	}{
		{"file", invoke.Request{ID: "req-file", Input: []byte(`{"x": 1}`)}},
		{"inline", invoke.Request{ID: "req-inline", Input: []byte(`{"x": 1}`), Inline: true}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			var mx sync.Mutex
			var seen []string
			progress := func(_ context.Context, id string, raw json.RawMessage) {
				mx.Lock()
				defer mx.Unlock()
				seen = append(seen, id+" "+string(raw))
			}

			res, err := invoke.Run(t.Context(), command(t, "increment"), tt.given, progress)
			require.NoError(t, err, res.Stderr.String())
			require.Empty(t, res.Failed())
			require.Equal(t, tt.given.ID, res.RequestID)
			require.JSONEq(t, `{"response": {"y": 2}}`, string(res.Output))
			require.True(t, res.Done)
			require.Len(t, res.Progress, 1)
			require.JSONEq(t, `{"progress": 50}`, string(res.Progress[0]))
			require.Equal(t, []string{tt.given.ID + ` {"progress":50}`}, seen)
			require.Contains(t, res.Args, "--output-pipe")
			require.False(t, res.Stopped.Before(res.Started))
		})
	}
}

func TestRunGeneratesID(t *testing.T) {
	t.Parallel()
	res, err := invoke.Run(t.Context(), command(t, "increment"), invoke.Request{Input: []byte(`{"x": 41}`)}, nil)
	require.NoError(t, err)
	require.Len(t, res.RequestID, 36)
	require.True(t, slices.Contains(res.Args, res.RequestID))
	require.JSONEq(t, `{"response": {"y": 42}}`, string(res.Output))
}

func TestRunFail(t *testing.T) {
	t.Parallel()
	res, err := invoke.Run(t.Context(), command(t, "fail"), invoke.Request{Input: []byte(`{}`)}, nil)
	require.Error(t, err)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, "exit code 1", res.Failed())
	require.Empty(t, res.Output)
	require.False(t, res.Done)
	require.Contains(t, res.Stderr.String(), "unsupported model")
}

func TestRunMissingInput(t *testing.T) {
	t.Parallel()
	// an empty inline payload is no input at all
	res, err := invoke.Run(t.Context(), command(t, "increment"), invoke.Request{Inline: true}, nil)
	require.Error(t, err)
	require.Equal(t, "exit code 1", res.Failed())
	require.Contains(t, res.Stderr.String(), "configuration error")
}

func TestRunSelfDestruct(t *testing.T) {
	t.Parallel()
	req := invoke.Request{Input: []byte(`{}`), SelfDestruct: 500 * time.Millisecond}
	res, err := invoke.Run(t.Context(), command(t, "hang"), req, nil)
	require.Error(t, err)
	require.Contains(t, res.Args, "1")
	require.Equal(t, "killed by signal killed", res.Failed())
	require.GreaterOrEqual(t, res.Stopped.Sub(res.Started), time.Second)
	require.Empty(t, res.Output)
}

func TestRunCancel(t *testing.T) {
	t.Parallel()

	t.Run("context", func(t *testing.T) {
		t.Parallel()
		marker := filepath.Join(t.TempDir(), "marker")
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		progress := func(context.Context, string, json.RawMessage) {
			cancel()
		}

		res, err := invoke.Run(ctx, command(t, "cancel", envMarker+"="+marker), invoke.Request{Input: []byte(`{}`)}, progress)
		require.Error(t, err)
		require.Equal(t, "exit code 143", res.Failed())
		require.False(t, res.Done)
		got, err := os.ReadFile(marker)
		require.NoError(t, err)
		require.Equal(t, "cleaned", string(got))
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		marker := filepath.Join(t.TempDir(), "marker")
		cmd := command(t, "cancel", envMarker+"="+marker)
		cmd.Timeout = time.Second

		res, err := invoke.Run(t.Context(), cmd, invoke.Request{Input: []byte(`{}`)}, nil)
		require.Error(t, err)
		require.Equal(t, "exit code 143", res.Failed())
		require.GreaterOrEqual(t, res.Stopped.Sub(res.Started), time.Second)
		require.Len(t, res.Progress, 1)
		require.FileExists(t, marker)
	})
}

func TestRunExecError(t *testing.T) {
	t.Parallel()

	res, err := invoke.Run(t.Context(), invoke.Command{Path: "does-not-exist"}, invoke.Request{Input: []byte(`{}`)}, nil)
	require.ErrorIs(t, err, exec.ErrNotFound)
	require.Nil(t, res.State)
	require.Contains(t, res.Failed(), "executable file not found")

	_, err = invoke.Run(t.Context(), invoke.Command{}, invoke.Request{}, nil)
	require.ErrorIs(t, err, invoke.ErrNoPath)
}

func TestRunAll(t *testing.T) {
	t.Parallel()
	var reqs []invoke.Request
	for x := range 5 {
		in, err := json.Marshal(map[string]int{"x": x})
		require.NoError(t, err)
		reqs = append(reqs, invoke.Request{ID: "req-" + string(rune('a'+x)), Input: in})
	}

	got := map[string]string{}
	for res, err := range invoke.RunAll(t.Context(), command(t, "increment"), reqs, 2, nil) {
		require.NoError(t, err)
		got[res.RequestID] = string(res.Output)
	}
	require.Len(t, got, 5)
	require.JSONEq(t, `{"response": {"y": 1}}`, got["req-a"])
	require.JSONEq(t, `{"response": {"y": 5}}`, got["req-e"])
}

func TestRunAllKeepsGoing(t *testing.T) {
	t.Parallel()
	reqs := []invoke.Request{
		{ID: "ok", Input: []byte(`{"x": 1}`)},
		{ID: "broken", Inline: true},
		{ID: "ok-too", Input: []byte(`{"x": 2}`)},
	}

	failed := map[string]string{}
	n := 0
	for res := range invoke.RunAll(t.Context(), command(t, "increment"), reqs, 1, nil) {
		n++
		failed[res.RequestID] = res.Failed()
	}
	require.Equal(t, 3, n)
	require.Equal(t, map[string]string{"ok": "", "broken": "exit code 1", "ok-too": ""}, failed)
}
