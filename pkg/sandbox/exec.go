package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codebox/internal/metrics"
	"codebox/internal/runtime"
)

// artifactDir holds per-execution source files and pid files inside the
// environment, kept out of the user-visible workspace listing.
const artifactDir = ".codebox"

// RunOptions configures one code execution.
type RunOptions struct {
	// Env is extra environment for the guest process, KEY=VALUE.
	Env []string

	// Timeout bounds wall-clock execution. Zero falls back to the
	// sandbox's default timeout; if that is also zero the run is
	// unbounded by the engine.
	Timeout time.Duration
}

// RunCode writes code into the environment, executes it with the profile's
// interpreter, and returns the captured outcome. Guest failure is data, not
// an error: a non-zero exit comes back inside the result. A run that
// exceeds its timeout is killed inside the environment, leaves the sandbox
// Ready, and reports TimedOut with whatever output was produced.
func (s *Sandbox) RunCode(ctx context.Context, code string, opts RunOptions) (*ExecutionResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	s.setState(StateExecuting)
	defer s.setState(StateReady)

	metrics.Get().ExecutionsInFlight.Inc()
	defer metrics.Get().ExecutionsInFlight.Dec()

	runID := uuid.New().String()[:8]
	sourcePath := fmt.Sprintf("%s/%s/run-%s%s", s.prof.WorkDir, artifactDir, runID, s.prof.SourceExt)
	pidPath := fmt.Sprintf("%s/%s/run-%s.pid", s.prof.WorkDir, artifactDir, runID)

	if err := s.writeArtifact(ctx, sourcePath, code); err != nil {
		metrics.Get().ExecutionsTotal.WithLabelValues(s.prof.Name, "error").Inc()
		return nil, err
	}
	defer s.removeArtifacts(sourcePath, pidPath)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = s.limits.defaultTimeout
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// The guest runs under a shell that records its own pid before exec'ing
	// the interpreter, so a timed-out run can be killed precisely without
	// stopping the environment.
	script := fmt.Sprintf("echo $$ > %s; exec %s",
		shellQuote(pidPath), shellJoin(s.prof.RunCommand(sourcePath)))

	start := time.Now()
	out, err := s.rt.Exec(runCtx, s.containerID, runtime.ExecSpec{
		Cmd:       []string{"sh", "-c", script},
		Env:       opts.Env,
		WorkDir:   s.prof.WorkDir,
		MaxOutput: s.limits.maxOutputBytes,
	})
	elapsed := time.Since(start)
	metrics.Get().ExecutionDuration.WithLabelValues(s.prof.Name).Observe(elapsed.Seconds())

	if err != nil {
		s.killGuest(pidPath)

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The run's own budget expired, not the caller's context.
			metrics.Get().ExecutionsTotal.WithLabelValues(s.prof.Name, "timeout").Inc()
			s.log.Info("execution timed out",
				zap.Duration("timeout", timeout), zap.Duration("elapsed", elapsed))
			return &ExecutionResult{
				Stdout:   out.Stdout,
				Stderr:   out.Stderr,
				ExitCode: TimeoutExitCode,
				TimedOut: true,
				Elapsed:  elapsed,
			}, nil
		}

		metrics.Get().ExecutionsTotal.WithLabelValues(s.prof.Name, "error").Inc()
		return nil, fmt.Errorf("execute code: %w", err)
	}

	status := "ok"
	if out.ExitCode != 0 {
		status = "guest_error"
	}
	metrics.Get().ExecutionsTotal.WithLabelValues(s.prof.Name, status).Inc()
	s.log.Debug("execution finished",
		zap.Int("exit_code", out.ExitCode), zap.Duration("elapsed", elapsed))

	return &ExecutionResult{
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		Elapsed:  elapsed,
	}, nil
}

// writeArtifact places the source file via the archive path so code of any
// size or content survives the trip byte-for-byte.
func (s *Sandbox) writeArtifact(ctx context.Context, dest, code string) error {
	if out, err := s.rt.Exec(ctx, s.containerID, runtime.ExecSpec{
		Cmd: []string{"mkdir", "-p", s.prof.WorkDir + "/" + artifactDir},
	}); err != nil || out.ExitCode != 0 {
		return fmt.Errorf("prepare artifact dir: %v", firstErr(err, out.Stderr))
	}
	archive, err := tarSingleFile(strings.TrimPrefix(dest, "/"), []byte(code))
	if err != nil {
		return fmt.Errorf("stage source: %w", err)
	}
	if err := s.rt.PutArchive(ctx, s.containerID, "/", archive); err != nil {
		return fmt.Errorf("stage source: %w", err)
	}
	return nil
}

// killGuest terminates the in-environment process recorded in pidPath. Used
// after timeout or caller cancellation so no orphan keeps burning the
// sandbox's cpu quota. Runs on a fresh context: the triggering one is
// already dead.
func (s *Sandbox) killGuest(pidPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	script := fmt.Sprintf("kill -9 $(cat %s) 2>/dev/null", shellQuote(pidPath))
	if _, err := s.rt.Exec(ctx, s.containerID, runtime.ExecSpec{
		Cmd: []string{"sh", "-c", script},
	}); err != nil {
		s.log.Warn("kill timed-out guest", zap.Error(err))
	}
}

// removeArtifacts clears per-run files, best effort.
func (s *Sandbox) removeArtifacts(paths ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range paths {
		script := fmt.Sprintf("rm -f %s", shellQuote(p))
		if _, err := s.rt.Exec(ctx, s.containerID, runtime.ExecSpec{
			Cmd: []string{"sh", "-c", script},
		}); err != nil {
			s.log.Debug("remove run artifact", zap.String("path", p), zap.Error(err))
		}
	}
}

// shellQuote wraps a string in single quotes for POSIX sh, escaping any
// embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}
