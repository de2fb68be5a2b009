package sandbox

import "time"

// TimeoutExitCode is the sentinel exit code reported when an execution is
// killed on timeout, distinguishing it from a normal non-zero guest exit
// together with TimedOut. 124 follows the coreutils timeout convention.
const TimeoutExitCode = 124

// ExecutionResult is the immutable outcome of one RunCode call. stdout and
// stderr are never merged; on timeout they hold whatever the guest produced
// before it was killed.
type ExecutionResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Succeeded reports a clean guest exit.
func (r *ExecutionResult) Succeeded() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// ComplianceReport maps each requested package spec to whether it is
// actually usable inside the environment. Advisory: it never mutates
// sandbox state and never gates execution by itself.
type ComplianceReport struct {
	Packages map[string]bool `json:"packages"`
}

// Satisfied reports whether every probed package is available.
func (c *ComplianceReport) Satisfied() bool {
	for _, ok := range c.Packages {
		if !ok {
			return false
		}
	}
	return true
}

// Missing returns the package specs that failed their probe.
func (c *ComplianceReport) Missing() []string {
	var missing []string
	for spec, ok := range c.Packages {
		if !ok {
			missing = append(missing, spec)
		}
	}
	return missing
}
