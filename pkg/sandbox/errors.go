package sandbox

import (
	"errors"

	"codebox/internal/profile"
	"codebox/internal/resources"
)

// Engine error taxonomy. Guest-code failure is never an error: it is
// reported inside ExecutionResult. These cover engine faults only.
var (
	// ErrUnsupportedLanguage is returned for a language with no profile.
	ErrUnsupportedLanguage = profile.ErrUnsupportedLanguage

	// ErrInvalidConfig is returned for unknown presets or bad overrides.
	ErrInvalidConfig = resources.ErrInvalidConfig

	// ErrProvisioningFailed is returned when the environment could not be
	// created, started, or its image obtained. No resources are leaked on
	// this path.
	ErrProvisioningFailed = errors.New("sandbox provisioning failed")

	// ErrRequirementsInstall is returned when the package-manager
	// invocation inside the environment exits non-zero. The
	// partially-created environment is torn down before this propagates.
	ErrRequirementsInstall = errors.New("requirements install failed")

	// ErrInvalidPath is returned for paths escaping the workspace root.
	ErrInvalidPath = errors.New("path escapes workspace root")

	// ErrFileNotFound is returned by read and delete operations on a
	// missing target. Deletes are strict for auditability.
	ErrFileNotFound = errors.New("file not found in sandbox")

	// ErrClosed is returned by every operation after Close. Close itself
	// is idempotent and never fails.
	ErrClosed = errors.New("sandbox is closed")

	// ErrPoolExhausted is returned by Pool.Acquire when the requested
	// resources exceed the pool's remaining budget.
	ErrPoolExhausted = errors.New("pool resource budget exhausted")
)
