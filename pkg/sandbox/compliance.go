package sandbox

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"codebox/internal/runtime"
)

// RunCompliance probes whether each package spec is actually usable inside
// the environment, using the profile's probe command. The report is keyed
// by the requirement strings as given; version constraints are stripped before
// probing. Advisory only: it never changes sandbox state.
func (s *Sandbox) RunCompliance(ctx context.Context, requirements []string) (*ComplianceReport, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.complianceLocked(ctx, requirements)
}

func (s *Sandbox) complianceLocked(ctx context.Context, requirements []string) (*ComplianceReport, error) {
	report := &ComplianceReport{Packages: make(map[string]bool, len(requirements))}
	for _, spec := range requirements {
		name := bareName(spec)
		if name == "" {
			report.Packages[spec] = false
			continue
		}
		out, err := s.rt.Exec(ctx, s.containerID, runtime.ExecSpec{
			Cmd:     s.prof.ProbeCommand(name),
			WorkDir: s.prof.WorkDir,
		})
		if err != nil {
			return nil, err
		}
		report.Packages[spec] = out.ExitCode == 0
	}
	if missing := report.Missing(); len(missing) > 0 {
		s.log.Info("compliance check found missing packages", zap.Strings("missing", missing))
	}
	return report, nil
}

// bareName strips a requirement spec down to the package name: everything
// before the first version operator, extras bracket, or whitespace. A
// leading @ marks an npm scope and belongs to the name, not a version pin.
func bareName(spec string) string {
	spec = strings.TrimSpace(spec)
	scope := ""
	if strings.HasPrefix(spec, "@") {
		scope, spec = "@", spec[1:]
	}
	if i := strings.IndexAny(spec, "=<>!~[ @"); i >= 0 {
		spec = spec[:i]
	}
	return scope + strings.TrimSpace(spec)
}
