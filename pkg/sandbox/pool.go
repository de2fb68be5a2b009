package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"codebox/internal/logging"
	"codebox/internal/profile"
	"codebox/internal/resources"
	"codebox/internal/runtime"
)

// Pool creates sandboxes under a shared memory and cpu budget, and caches
// requirement-baked images keyed by their build inputs so repeated Acquire
// calls with the same language and requirements skip the install entirely.
type Pool struct {
	rt  runtime.Runtime
	log *zap.Logger

	mu        sync.Mutex
	memBudget int64             // bytes remaining
	cpuBudget float64           // cores remaining
	images    map[string]string // cache key -> image tag
	closed    bool
}

// NewPool builds a pool with the given total budgets. maxMemory accepts
// human-readable sizes ("4g", "512m"); maxCPU is in cores.
func NewPool(rt runtime.Runtime, maxMemory string, maxCPU float64) (*Pool, error) {
	memBytes, err := units.RAMInBytes(maxMemory)
	if err != nil {
		return nil, fmt.Errorf("%w: pool memory budget %q: %v", ErrInvalidConfig, maxMemory, err)
	}
	if memBytes <= 0 || maxCPU <= 0 {
		return nil, fmt.Errorf("%w: pool budgets must be positive", ErrInvalidConfig)
	}
	return &Pool{
		rt:        rt,
		log:       logging.L().With(zap.String("component", "pool")),
		memBudget: memBytes,
		cpuBudget: maxCPU,
		images:    map[string]string{},
	}, nil
}

// Acquire creates a sandbox against the pool's budget. When the sandbox has
// requirements, they are baked into a cached image shared across acquisitions
// with the same language and requirement set. The returned release function
// closes the sandbox and returns its share of the budget; it is safe to call
// more than once.
func (p *Pool) Acquire(ctx context.Context, opts Options) (*Sandbox, func(), error) {
	prof, err := profile.Resolve(opts.Language)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, err
	}

	if err := p.reserve(res.MemoryBytes, res.CPUCores()); err != nil {
		return nil, nil, err
	}

	image, err := p.cachedImage(ctx, prof, opts)
	if err != nil {
		p.release(res.MemoryBytes, res.CPUCores())
		return nil, nil, err
	}
	if image != "" {
		// Requirements live in the cached image already.
		opts.CustomImage = image
		opts.Requirements = nil
		opts.BakeImage = false
	}

	sb, err := Create(ctx, p.rt, opts)
	if err != nil {
		p.release(res.MemoryBytes, res.CPUCores())
		return nil, nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			sb.Close()
			p.release(res.MemoryBytes, res.CPUCores())
		})
	}
	return sb, release, nil
}

// cachedImage returns the tag of a baked requirements image for the
// options, building it on first use. Returns "" when no baking applies.
func (p *Pool) cachedImage(ctx context.Context, prof profile.Profile, opts Options) (string, error) {
	if len(opts.Requirements) == 0 {
		return "", nil
	}

	base := opts.CustomImage
	if base == "" {
		base = prof.BaseImage
	}
	key := imageCacheKey(base, opts.Requirements)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}
	if tag, ok := p.images[key]; ok {
		p.mu.Unlock()
		return tag, nil
	}
	p.mu.Unlock()

	tag := fmt.Sprintf("%spool-%s", ContainerNamePrefix, key[:12])
	dockerfile := requirementsDockerfile(base, prof, opts.Requirements)
	if err := p.rt.BuildImage(ctx, dockerfile, tag); err != nil {
		return "", fmt.Errorf("%w: bake pool image: %v", ErrRequirementsInstall, err)
	}
	p.log.Info("baked pool image",
		zap.String("tag", tag), zap.Int("requirements", len(opts.Requirements)))

	p.mu.Lock()
	p.images[key] = tag
	p.mu.Unlock()
	return tag, nil
}

func (p *Pool) reserve(memBytes int64, cpuCores float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if memBytes > p.memBudget || cpuCores > p.cpuBudget {
		return fmt.Errorf("%w: need %s/%0.2f cores, have %s/%0.2f cores",
			ErrPoolExhausted,
			units.BytesSize(float64(memBytes)), cpuCores,
			units.BytesSize(float64(p.memBudget)), p.cpuBudget)
	}
	p.memBudget -= memBytes
	p.cpuBudget -= cpuCores
	return nil
}

func (p *Pool) release(memBytes int64, cpuCores float64) {
	p.mu.Lock()
	p.memBudget += memBytes
	p.cpuBudget += cpuCores
	p.mu.Unlock()
}

// Close removes all cached images. Sandboxes acquired from the pool are not
// tracked here; their release functions own their teardown.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	images := p.images
	p.images = map[string]string{}
	p.mu.Unlock()

	for _, tag := range images {
		if err := p.rt.RemoveImage(ctx, tag); err != nil {
			p.log.Warn("remove pool image", zap.String("tag", tag), zap.Error(err))
		}
	}
}

func imageCacheKey(base string, requirements []string) string {
	reqs := append([]string(nil), requirements...)
	sort.Strings(reqs)
	h := sha256.Sum256([]byte(base + "\x00" + strings.Join(reqs, "\x00")))
	return hex.EncodeToString(h[:])
}
