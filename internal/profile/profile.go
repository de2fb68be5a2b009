// Package profile holds the static language registry: which base image a
// language runs on, how its packages are installed, and how a source file
// is executed. Adding a language means adding a registry entry.
package profile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnsupportedLanguage is returned when a language has no registry entry.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Profile describes one supported coding language. Command templates use
// the placeholders {{file}}, {{package}}, and {{packages}}; the last one
// expands to one argv element per package.
type Profile struct {
	Name            string
	BaseImage       string
	SourceExt       string
	WorkDir         string
	InstallTemplate []string
	RunTemplate     []string
	ProbeTemplate   []string
}

// InstallCommand renders the package-manager invocation for requirements.
func (p Profile) InstallCommand(requirements []string) []string {
	out := make([]string, 0, len(p.InstallTemplate)+len(requirements))
	for _, part := range p.InstallTemplate {
		if part == "{{packages}}" {
			out = append(out, requirements...)
			continue
		}
		out = append(out, part)
	}
	return out
}

// RunCommand renders the code-entry invocation for a source path.
func (p Profile) RunCommand(sourcePath string) []string {
	return render(p.RunTemplate, "{{file}}", sourcePath)
}

// ProbeCommand renders the minimal "is this package usable" probe. The
// probe exits zero when the package resolves inside the environment.
func (p Profile) ProbeCommand(pkg string) []string {
	return render(p.ProbeTemplate, "{{package}}", pkg)
}

func render(tmpl []string, placeholder, value string) []string {
	out := make([]string, 0, len(tmpl))
	for _, part := range tmpl {
		out = append(out, strings.ReplaceAll(part, placeholder, value))
	}
	return out
}

var registry = map[string]Profile{
	"python": {
		Name:            "python",
		BaseImage:       "python:3.12-slim-bookworm",
		SourceExt:       ".py",
		WorkDir:         "/workspace",
		InstallTemplate: []string{"pip", "install", "--no-cache-dir", "{{packages}}"},
		RunTemplate:     []string{"python3", "-u", "{{file}}"},
		ProbeTemplate: []string{
			"python3", "-c",
			`import importlib.metadata; importlib.metadata.version("{{package}}")`,
		},
	},
	"javascript": {
		Name:            "javascript",
		BaseImage:       "node:20-slim",
		SourceExt:       ".js",
		WorkDir:         "/workspace",
		InstallTemplate: []string{"npm", "install", "--no-audit", "--no-fund", "{{packages}}"},
		RunTemplate:     []string{"node", "{{file}}"},
		ProbeTemplate:   []string{"node", "-e", `require.resolve("{{package}}")`},
	},
}

// Resolve looks up the profile for a language name. The lookup is pure and
// accepts common aliases; an unknown name is a configuration error.
func Resolve(language string) (Profile, error) {
	p, ok := registry[Normalize(language)]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	return p, nil
}

// Names returns the supported language names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Normalize maps language aliases onto registry keys.
func Normalize(language string) string {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "py", "python3", "python":
		return "python"
	case "js", "node", "nodejs", "javascript":
		return "javascript"
	default:
		return strings.ToLower(strings.TrimSpace(language))
	}
}
