// Package resources turns a named preset or explicit overrides into the
// concrete memory, CPU, and network constraints applied at container
// creation. Resolution is pure: no runtime interaction.
package resources

import (
	"errors"
	"fmt"

	units "github.com/docker/go-units"
)

// ErrInvalidConfig is returned for unknown presets or out-of-range overrides.
var ErrInvalidConfig = errors.New("invalid resource config")

// CPUPeriod is the scheduler period every quota is expressed against.
const CPUPeriod = 100_000

// Config is the resolved, immutable resource configuration of a sandbox.
type Config struct {
	Preset      string
	MemoryBytes int64
	CPUPeriod   int64
	CPUQuota    int64
	NetworkMode string
}

// CPUCores reports the quota as a fraction of cores.
func (c Config) CPUCores() float64 {
	if c.CPUPeriod <= 0 {
		return 0
	}
	return float64(c.CPUQuota) / float64(c.CPUPeriod)
}

// Overrides carries optional explicit constraints on top of a preset.
type Overrides struct {
	MemoryLimit string // e.g. "512m", "2g"
	CPUQuota    int64
	NetworkMode string
}

type preset struct {
	memLimit string
	cpuQuota int64
}

var presets = map[string]preset{
	"tiny":    {memLimit: "128m", cpuQuota: 25_000},
	"small":   {memLimit: "512m", cpuQuota: 50_000},
	"medium":  {memLimit: "1g", cpuQuota: 75_000},
	"large":   {memLimit: "2g", cpuQuota: 100_000},
	"xlarge":  {memLimit: "4g", cpuQuota: 150_000},
	"2xlarge": {memLimit: "8g", cpuQuota: 200_000},
	"4xlarge": {memLimit: "16g", cpuQuota: 300_000},
	"8xlarge": {memLimit: "32g", cpuQuota: 400_000},
}

var allowedNetworkModes = map[string]bool{
	"none":   true,
	"bridge": true,
	"host":   true,
}

// ResolvePreset resolves a named preset with network mode "none".
func ResolvePreset(name string) (Config, error) {
	return Resolve(name, nil)
}

// Resolve resolves a preset plus optional overrides into a Config. The
// preset must be known, the memory limit parsable and positive, the quota
// positive, and the network mode one of none/bridge/host.
func Resolve(presetName string, overrides *Overrides) (Config, error) {
	p, ok := presets[presetName]
	if !ok {
		return Config{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidConfig, presetName)
	}

	memLimit := p.memLimit
	cpuQuota := p.cpuQuota
	networkMode := "none"

	if overrides != nil {
		if overrides.MemoryLimit != "" {
			memLimit = overrides.MemoryLimit
		}
		if overrides.CPUQuota != 0 {
			cpuQuota = overrides.CPUQuota
		}
		if overrides.NetworkMode != "" {
			networkMode = overrides.NetworkMode
		}
	}

	memBytes, err := units.RAMInBytes(memLimit)
	if err != nil {
		return Config{}, fmt.Errorf("%w: memory limit %q: %v", ErrInvalidConfig, memLimit, err)
	}
	if memBytes <= 0 {
		return Config{}, fmt.Errorf("%w: memory limit must be positive, got %q", ErrInvalidConfig, memLimit)
	}
	if cpuQuota <= 0 {
		return Config{}, fmt.Errorf("%w: cpu quota must be positive, got %d", ErrInvalidConfig, cpuQuota)
	}
	if !allowedNetworkModes[networkMode] {
		return Config{}, fmt.Errorf("%w: network mode %q", ErrInvalidConfig, networkMode)
	}

	return Config{
		Preset:      presetName,
		MemoryBytes: memBytes,
		CPUPeriod:   CPUPeriod,
		CPUQuota:    cpuQuota,
		NetworkMode: networkMode,
	}, nil
}

// Presets returns the known preset names.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	return names
}
