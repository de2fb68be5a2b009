package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAliases(t *testing.T) {
	cases := map[string]string{
		"python":     "python",
		"Python":     "python",
		"py":         "python",
		"python3":    "python",
		"javascript": "javascript",
		"js":         "javascript",
		"node":       "javascript",
		"NodeJS":     "javascript",
		" python ":   "python",
	}
	for in, want := range cases {
		p, err := Resolve(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, p.Name, in)
	}
}

func TestResolveUnknown(t *testing.T) {
	_, err := Resolve("fortran")
	require.ErrorIs(t, err, ErrUnsupportedLanguage)
	assert.Contains(t, err.Error(), "fortran")
}

func TestInstallCommandExpandsPackages(t *testing.T) {
	p, err := Resolve("python")
	require.NoError(t, err)

	cmd := p.InstallCommand([]string{"requests==2.31.0", "numpy"})
	assert.Equal(t, []string{"pip", "install", "--no-cache-dir", "requests==2.31.0", "numpy"}, cmd)
}

func TestInstallCommandKeepsSpecsAsSingleArgs(t *testing.T) {
	p, err := Resolve("javascript")
	require.NoError(t, err)

	cmd := p.InstallCommand([]string{"left-pad@1.3.0"})
	assert.Equal(t, []string{"npm", "install", "--no-audit", "--no-fund", "left-pad@1.3.0"}, cmd)
}

func TestRunCommand(t *testing.T) {
	py, err := Resolve("python")
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "-u", "/workspace/main.py"},
		py.RunCommand("/workspace/main.py"))

	js, err := Resolve("javascript")
	require.NoError(t, err)
	assert.Equal(t, []string{"node", "/workspace/main.js"},
		js.RunCommand("/workspace/main.js"))
}

func TestProbeCommand(t *testing.T) {
	p, err := Resolve("python")
	require.NoError(t, err)

	cmd := p.ProbeCommand("requests")
	require.Len(t, cmd, 3)
	assert.Contains(t, cmd[2], `importlib.metadata.version("requests")`)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"javascript", "python"}, Names())
}

func TestProfilesAreComplete(t *testing.T) {
	for _, name := range Names() {
		p, err := Resolve(name)
		require.NoError(t, err)
		assert.NotEmpty(t, p.BaseImage, name)
		assert.NotEmpty(t, p.SourceExt, name)
		assert.NotEmpty(t, p.WorkDir, name)
		assert.NotEmpty(t, p.InstallTemplate, name)
		assert.NotEmpty(t, p.RunTemplate, name)
		assert.NotEmpty(t, p.ProbeTemplate, name)
	}
}
