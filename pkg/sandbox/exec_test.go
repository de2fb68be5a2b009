package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codebox/internal/runtime"
)

func TestRunCodeSuccess(t *testing.T) {
	rt := newFakeRuntime()
	rt.guest = func(_ context.Context, _ string) (runtime.ExecOutput, error) {
		return runtime.ExecOutput{ExitCode: 0, Stdout: "hello\n"}, nil
	}

	sb, err := Create(context.Background(), rt, Options{Language: "python"})
	require.NoError(t, err)
	defer sb.Close()

	res, err := sb.RunCode(context.Background(), `print("hello")`, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.True(t, res.Succeeded())
	assert.Equal(t, StateReady, sb.State(), "sandbox must return to ready after a run")
}

func TestRunCodeGuestFailureIsData(t *testing.T) {
	rt := newFakeRuntime()
	rt.guest = func(_ context.Context, _ string) (runtime.ExecOutput, error) {
		return runtime.ExecOutput{ExitCode: 1, Stderr: "Traceback (most recent call last):\n"}, nil
	}

	sb, err := Create(context.Background(), rt, Options{Language: "python"})
	require.NoError(t, err)
	defer sb.Close()

	res, err := sb.RunCode(context.Background(), "raise RuntimeError()", RunOptions{})
	require.NoError(t, err, "guest failure must not surface as an engine error")
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "Traceback")
	assert.False(t, res.Succeeded())
}

func TestRunCodeTimeout(t *testing.T) {
	rt := newFakeRuntime()
	rt.guest = func(ctx context.Context, _ string) (runtime.ExecOutput, error) {
		<-ctx.Done()
		return runtime.ExecOutput{ExitCode: -1, Stdout: "partial output"}, ctx.Err()
	}

	sb, err := Create(context.Background(), rt, Options{Language: "python"})
	require.NoError(t, err)
	defer sb.Close()

	res, err := sb.RunCode(context.Background(), "while True: pass",
		RunOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err, "a timed-out run is a result, not an error")
	assert.True(t, res.TimedOut)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Equal(t, "partial output", res.Stdout, "output produced before the kill must survive")

	assert.Equal(t, 1, rt.killCount(), "the guest process must be killed inside the environment")
	assert.Equal(t, StateReady, sb.State(), "the environment must stay usable after a timeout")
}

func TestRunCodeDefaultTimeout(t *testing.T) {
	rt := newFakeRuntime()
	rt.guest = func(ctx context.Context, _ string) (runtime.ExecOutput, error) {
		<-ctx.Done()
		return runtime.ExecOutput{ExitCode: -1}, ctx.Err()
	}

	sb, err := Create(context.Background(), rt, Options{
		Language:       "python",
		DefaultTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer sb.Close()

	res, err := sb.RunCode(context.Background(), "while True: pass", RunOptions{})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
}

func TestRunCodeCallerCancellation(t *testing.T) {
	rt := newFakeRuntime()
	rt.guest = func(ctx context.Context, _ string) (runtime.ExecOutput, error) {
		<-ctx.Done()
		return runtime.ExecOutput{ExitCode: -1}, ctx.Err()
	}

	sb, err := Create(context.Background(), rt, Options{Language: "python"})
	require.NoError(t, err)
	defer sb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = sb.RunCode(ctx, "while True: pass", RunOptions{Timeout: time.Minute})
	require.Error(t, err, "caller cancellation is an error, not a timeout result")
	assert.Equal(t, 1, rt.killCount(), "the guest must still be killed on cancellation")
}

func TestRunCodeStagesSourceWithExtension(t *testing.T) {
	rt := newFakeRuntime()
	var script string
	rt.guest = func(_ context.Context, s string) (runtime.ExecOutput, error) {
		script = s
		return runtime.ExecOutput{ExitCode: 0}, nil
	}

	sb, err := Create(context.Background(), rt, Options{Language: "javascript"})
	require.NoError(t, err)
	defer sb.Close()

	_, err = sb.RunCode(context.Background(), "console.log(1)", RunOptions{})
	require.NoError(t, err)
	assert.Contains(t, script, ".js", "source artifact must carry the language extension")
	assert.Contains(t, script, "node", "run command must use the language interpreter")
	assert.True(t, strings.HasPrefix(script, "echo $$ > "), "run script must record the guest pid first")
}

func TestRunCodeSerialized(t *testing.T) {
	rt := newFakeRuntime()
	inFlight := make(chan struct{}, 1)
	rt.guest = func(_ context.Context, _ string) (runtime.ExecOutput, error) {
		select {
		case inFlight <- struct{}{}:
		default:
			t.Error("two executions overlapped on one sandbox")
		}
		time.Sleep(20 * time.Millisecond)
		<-inFlight
		return runtime.ExecOutput{ExitCode: 0}, nil
	}

	sb, err := Create(context.Background(), rt, Options{Language: "python"})
	require.NoError(t, err)
	defer sb.Close()

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, err := sb.RunCode(context.Background(), "pass", RunOptions{})
			assert.NoError(t, err)
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"plain":        "'plain'",
		"with space":   "'with space'",
		"it's":         `'it'\''s'`,
		"$(rm -rf /)":  "'$(rm -rf /)'",
		"`whoami`":     "'`whoami`'",
		"semi;colon":   "'semi;colon'",
	}
	for in, want := range cases {
		assert.Equal(t, want, shellQuote(in), in)
	}
}
