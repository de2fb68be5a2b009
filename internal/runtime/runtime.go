// Package runtime is the boundary to the container-runtime collaborator.
// The Runtime interface mirrors the primitives the engine consumes
// (create/start/exec/copy/stop/remove plus image operations); DockerRuntime
// implements it against the Docker SDK. Everything above this package is
// runtime-agnostic, which is also what makes the engine testable without a
// daemon.
package runtime

import (
	"context"
	"io"
)

// CreateSpec describes a container to be created. Resource limits are part
// of the creation request: they are enforced from the first instruction
// executed inside the environment, never applied as a later mutation.
type CreateSpec struct {
	Image       string
	Name        string
	Cmd         []string
	WorkDir     string
	MemoryBytes int64
	CPUPeriod   int64
	CPUQuota    int64
	NetworkMode string
}

// ExecSpec describes a single process run inside a container.
type ExecSpec struct {
	Cmd       []string
	Env       []string
	WorkDir   string
	MaxOutput int64 // per-stream byte cap; 0 means unlimited
}

// ExecOutput is the collected outcome of an exec. On context cancellation
// Exec returns the output gathered so far together with the context error.
type ExecOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runtime is the container-runtime collaborator consumed by the engine.
type Runtime interface {
	CreateContainer(ctx context.Context, spec CreateSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, spec ExecSpec) (ExecOutput, error)

	// PutArchive extracts a tar stream into path inside the container;
	// GetArchive returns a tar stream of path. No shared filesystem with
	// the host is assumed.
	PutArchive(ctx context.Context, id, path string, content io.Reader) error
	GetArchive(ctx context.Context, id, path string) (io.ReadCloser, error)

	StopContainer(ctx context.Context, id string, graceSeconds int) error
	RemoveContainer(ctx context.Context, id string) error

	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	BuildImage(ctx context.Context, dockerfile, tag string) error
	RemoveImage(ctx context.Context, ref string) error

	// ListContainers returns the IDs of containers whose name carries the
	// given prefix, running or not.
	ListContainers(ctx context.Context, namePrefix string) ([]string, error)

	Close() error
}
