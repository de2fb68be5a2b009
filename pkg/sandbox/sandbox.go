// Package sandbox provisions short-lived, resource-constrained, isolated
// execution environments for untrusted code, runs code inside them under a
// wall-clock budget, moves files across the environment boundary, and
// guarantees teardown exactly once regardless of how far provisioning got.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codebox/internal/logging"
	"codebox/internal/metrics"
	"codebox/internal/profile"
	"codebox/internal/resources"
	"codebox/internal/runtime"
)

// State is the lifecycle state of a Sandbox. Transitions are strictly
// forward except the Ready/Executing cycle.
type State int32

const (
	StateReady State = iota
	StateExecuting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ContainerNamePrefix prefixes every container the engine creates, so leak
// checks can enumerate them through the runtime's listing primitive.
const ContainerNamePrefix = "codebox-"

const (
	defaultMaxOutputBytes = 1 << 20
	stopGraceSeconds      = 10
	imageRemoveRetries    = 3
	imageRemoveBackoff    = 2 * time.Second
)

// Options configures sandbox creation. Language is required; everything
// else has working defaults.
type Options struct {
	Language     string
	CustomImage  string
	Requirements []string

	// NetworkMode defaults to "none". Resource limits come from Preset
	// (default "small") with optional explicit Overrides on top.
	NetworkMode string
	Preset      string
	Resources   *resources.Overrides

	// BakeImage builds a per-sandbox ephemeral image with the
	// requirements preinstalled instead of installing them inside the
	// running environment. The image is owned by the Sandbox and removed
	// on Close.
	BakeImage bool

	// VerifyRequirements runs the advisory compliance check at the end of
	// provisioning; the report is available via ProvisionCompliance.
	VerifyRequirements bool

	// MaxOutputBytes caps each of stdout and stderr per execution.
	// Defaults to 1 MiB.
	MaxOutputBytes int64

	// DefaultTimeout bounds RunCode calls that pass no timeout of their
	// own. Zero means unbounded.
	DefaultTimeout time.Duration
}

// Sandbox owns exactly one environment handle from provisioning to
// teardown. The handle is never shared; operations on one Sandbox are
// totally ordered, Sandboxes are independent of each other.
type Sandbox struct {
	ID string

	rt     runtime.Runtime
	prof   profile.Profile
	res    resources.Config
	log    *zap.Logger
	limits limits
	reqs   []string

	containerID string
	ownedImage  string // ephemeral image removed on Close; never a custom image

	provisionReport *ComplianceReport

	opMu      sync.Mutex // serializes all container operations
	stateMu   sync.Mutex
	state     State
	closeOnce sync.Once
}

type limits struct {
	maxOutputBytes int64
	defaultTimeout time.Duration
}

// Create provisions a new sandbox: resolves the language profile and
// resource configuration, obtains the image, creates the environment with
// its limits applied atomically at creation, starts it idle, installs
// requirements, and returns a Ready sandbox. Any failure past creation
// tears the partial environment down before the error propagates.
func Create(ctx context.Context, rt runtime.Runtime, opts Options) (*Sandbox, error) {
	prof, err := profile.Resolve(opts.Language)
	if err != nil {
		return nil, err
	}

	presetName := opts.Preset
	if presetName == "" {
		presetName = "small"
	}
	overrides := resources.Overrides{}
	if opts.Resources != nil {
		overrides = *opts.Resources
	}
	if opts.NetworkMode != "" {
		overrides.NetworkMode = opts.NetworkMode
	}
	res, err := resources.Resolve(presetName, &overrides)
	if err != nil {
		return nil, err
	}

	maxOutput := opts.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}

	s := &Sandbox{
		ID:    uuid.New().String(),
		rt:    rt,
		prof:  prof,
		res:   res,
		reqs:  append([]string(nil), opts.Requirements...),
		log:   logging.L().With(zap.String("language", prof.Name)),
		state: StateReady,
		limits: limits{
			maxOutputBytes: maxOutput,
			defaultTimeout: opts.DefaultTimeout,
		},
	}
	s.log = s.log.With(zap.String("sandbox_id", s.ID))

	if err := s.provision(ctx, opts); err != nil {
		metrics.Get().ProvisionsTotal.WithLabelValues(prof.Name, "failed").Inc()
		return nil, err
	}

	metrics.Get().ProvisionsTotal.WithLabelValues(prof.Name, "ok").Inc()
	metrics.Get().SandboxesActive.Inc()
	s.log.Info("sandbox ready",
		zap.String("container_id", shortID(s.containerID)),
		zap.String("preset", res.Preset),
		zap.String("network_mode", res.NetworkMode),
		zap.Int("requirements", len(s.reqs)))
	return s, nil
}

// ProvisionCompliance returns the advisory report produced during
// provisioning when Options.VerifyRequirements was set, or nil.
func (s *Sandbox) ProvisionCompliance() *ComplianceReport {
	return s.provisionReport
}

// Language returns the sandbox's profile name.
func (s *Sandbox) Language() string { return s.prof.Name }

// Resources returns the immutable resource configuration.
func (s *Sandbox) Resources() resources.Config { return s.res }

// WorkspaceRoot returns the in-environment directory file operations are
// scoped to.
func (s *Sandbox) WorkspaceRoot() string { return s.prof.WorkDir }

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Close tears down the environment: stop, remove, and release of any
// ephemeral image the sandbox owns. It is idempotent and never returns an
// error; cleanup failures are logged as diagnostics because Close is the
// last-resort safety net and must not fail the caller's cleanup path.
func (s *Sandbox) Close() error {
	s.closeOnce.Do(func() {
		s.stateMu.Lock()
		wasProvisioned := s.containerID != ""
		s.state = StateClosed
		s.stateMu.Unlock()

		// Take the operation lock so teardown never races an in-flight
		// execution or file transfer; the wait is bounded because every
		// operation either completes or is killed on its own deadline.
		// New operations fail with ErrClosed before touching the handle.
		s.opMu.Lock()
		s.teardown(context.Background())
		s.opMu.Unlock()

		if wasProvisioned {
			metrics.Get().SandboxesActive.Dec()
		}
		s.log.Info("sandbox closed")
	})
	return nil
}

// checkOpen fails fast once the sandbox is closed. Callers hold opMu.
func (s *Sandbox) checkOpen() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	return nil
}

func (s *Sandbox) setState(st State) {
	s.stateMu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.stateMu.Unlock()
}

// provision runs the creation sequence. On any failure after a resource
// was allocated it tears down what exists before returning.
func (s *Sandbox) provision(ctx context.Context, opts Options) error {
	imageRef, err := s.resolveImage(ctx, opts)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%s%s-%s", ContainerNamePrefix, s.prof.Name, s.ID[:8])
	containerID, err := s.rt.CreateContainer(ctx, runtime.CreateSpec{
		Image:       imageRef,
		Name:        name,
		Cmd:         []string{"tail", "-f", "/dev/null"},
		WorkDir:     s.prof.WorkDir,
		MemoryBytes: s.res.MemoryBytes,
		CPUPeriod:   s.res.CPUPeriod,
		CPUQuota:    s.res.CPUQuota,
		NetworkMode: s.res.NetworkMode,
	})
	if err != nil {
		s.removeOwnedImage(ctx)
		return fmt.Errorf("%w: create environment: %v", ErrProvisioningFailed, err)
	}
	s.containerID = containerID

	if err := s.rt.StartContainer(ctx, containerID); err != nil {
		s.teardown(ctx)
		return fmt.Errorf("%w: start environment: %v", ErrProvisioningFailed, err)
	}

	if out, err := s.rt.Exec(ctx, containerID, runtime.ExecSpec{
		Cmd: []string{"mkdir", "-p", s.prof.WorkDir},
	}); err != nil || out.ExitCode != 0 {
		s.teardown(ctx)
		return fmt.Errorf("%w: prepare workspace root: %v", ErrProvisioningFailed, firstErr(err, out.Stderr))
	}

	if len(s.reqs) > 0 && !opts.BakeImage {
		if err := s.installRequirements(ctx); err != nil {
			s.teardown(ctx)
			return err
		}
	}

	if opts.VerifyRequirements && len(s.reqs) > 0 {
		report, err := s.complianceLocked(ctx, s.reqs)
		if err != nil {
			// Advisory: a failed probe run never fails provisioning.
			s.log.Warn("compliance check failed during provisioning", zap.Error(err))
		} else {
			s.provisionReport = report
		}
	}

	return nil
}

// resolveImage picks the image to run: custom image if given, otherwise the
// profile base, optionally baking requirements into an ephemeral image the
// sandbox will own.
func (s *Sandbox) resolveImage(ctx context.Context, opts Options) (string, error) {
	base := opts.CustomImage
	if base == "" {
		base = s.prof.BaseImage
	}

	if err := s.ensureImage(ctx, base); err != nil {
		return "", fmt.Errorf("%w: obtain image %s: %v", ErrProvisioningFailed, base, err)
	}

	if !opts.BakeImage || len(s.reqs) == 0 {
		return base, nil
	}

	tag := fmt.Sprintf("%simg-%s", ContainerNamePrefix, s.ID[:8])
	dockerfile := requirementsDockerfile(base, s.prof, s.reqs)
	if err := s.rt.BuildImage(ctx, dockerfile, tag); err != nil {
		return "", fmt.Errorf("%w: bake requirements image: %v", ErrRequirementsInstall, err)
	}
	s.ownedImage = tag
	return tag, nil
}

func (s *Sandbox) ensureImage(ctx context.Context, ref string) error {
	exists, err := s.rt.ImageExists(ctx, ref)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.rt.PullImage(ctx, ref)
}

// installRequirements runs the profile's package-manager command inside the
// started environment. A non-zero exit is fatal to provisioning.
func (s *Sandbox) installRequirements(ctx context.Context) error {
	out, err := s.rt.Exec(ctx, s.containerID, runtime.ExecSpec{
		Cmd:       s.prof.InstallCommand(s.reqs),
		WorkDir:   s.prof.WorkDir,
		MaxOutput: s.limits.maxOutputBytes,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequirementsInstall, err)
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("%w: exit code %d: %s", ErrRequirementsInstall, out.ExitCode, truncate(out.Stderr, 500))
	}
	s.log.Debug("requirements installed", zap.Strings("requirements", s.reqs))
	return nil
}

// teardown is the best-effort cleanup shared by Close and failed
// provisioning. Every error is swallowed into diagnostics.
func (s *Sandbox) teardown(ctx context.Context) {
	if s.containerID != "" {
		if err := s.rt.StopContainer(ctx, s.containerID, stopGraceSeconds); err != nil {
			s.log.Warn("stop environment", zap.Error(err))
		}
		if err := s.rt.RemoveContainer(ctx, s.containerID); err != nil {
			s.log.Warn("remove environment", zap.Error(err))
		}
		s.containerID = ""
	}
	s.removeOwnedImage(ctx)
}

// removeOwnedImage releases the ephemeral requirements image, if any. The
// runtime may still hold a reference briefly after container removal, so
// removal is retried.
func (s *Sandbox) removeOwnedImage(ctx context.Context) {
	if s.ownedImage == "" {
		return
	}
	var err error
	for attempt := 0; attempt < imageRemoveRetries; attempt++ {
		if err = s.rt.RemoveImage(ctx, s.ownedImage); err == nil {
			s.ownedImage = ""
			return
		}
		time.Sleep(imageRemoveBackoff)
	}
	s.log.Warn("remove ephemeral image", zap.String("image", s.ownedImage), zap.Error(err))
	s.ownedImage = ""
}

// requirementsDockerfile quotes each argv element so version operators in
// a requirement spec reach the package manager instead of the build shell.
func requirementsDockerfile(base string, prof profile.Profile, reqs []string) string {
	install := shellJoin(prof.InstallCommand(reqs))
	return fmt.Sprintf("FROM %s\nRUN %s\n", base, install)
}

func firstErr(err error, stderr string) interface{} {
	if err != nil {
		return err
	}
	return truncate(stderr, 500)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
