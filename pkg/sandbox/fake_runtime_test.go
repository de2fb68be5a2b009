package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/errdefs"

	"codebox/internal/runtime"
)

// fakeRuntime is an in-memory Runtime. It keeps a flat file map per
// container and dispatches exec commands on their argv so the engine's
// shell-level contract (mkdir/test/rm, pid-file scripts) is exercised
// without a daemon. Behavior is overridable per hook.
type fakeRuntime struct {
	mu sync.Mutex

	nextID     int
	containers map[string]*fakeContainer
	images     map[string]bool
	killed     []string // pid paths the engine asked to kill

	createErr  error
	startErr   error
	pullErr    error
	buildErr   error
	removedImg []string

	// guest handles the sh -c run script (pid file + exec interpreter).
	guest func(ctx context.Context, script string) (runtime.ExecOutput, error)
	// install handles the package-manager invocation.
	install func(ctx context.Context, cmd []string) (runtime.ExecOutput, error)
	// probe handles compliance probes, keyed by the probed package name.
	probe func(cmd []string) runtime.ExecOutput
}

type fakeContainer struct {
	running bool
	files   map[string][]byte
	dirs    map[string]bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: map[string]*fakeContainer{},
		images:     map[string]bool{"python:3.12-slim-bookworm": true, "node:20-slim": true},
	}
}

func (f *fakeRuntime) CreateContainer(_ context.Context, spec runtime.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.containers[id] = &fakeContainer{
		files: map[string][]byte{},
		dirs:  map[string]bool{},
	}
	return id, nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[id]
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	c.running = true
	return nil
}

func (f *fakeRuntime) Exec(ctx context.Context, id string, spec runtime.ExecSpec) (runtime.ExecOutput, error) {
	f.mu.Lock()
	c, ok := f.containers[id]
	f.mu.Unlock()
	if !ok {
		return runtime.ExecOutput{ExitCode: -1}, errdefs.NotFound(errors.New("no such container"))
	}
	if len(spec.Cmd) == 0 {
		return runtime.ExecOutput{ExitCode: -1}, errors.New("empty command")
	}

	switch spec.Cmd[0] {
	case "mkdir":
		f.mu.Lock()
		c.dirs[spec.Cmd[len(spec.Cmd)-1]] = true
		f.mu.Unlock()
		return runtime.ExecOutput{ExitCode: 0}, nil

	case "test":
		return f.execTest(c, spec.Cmd), nil

	case "rm":
		return f.execRm(c, spec.Cmd), nil

	case "pip", "npm":
		if f.install != nil {
			return f.install(ctx, spec.Cmd)
		}
		return runtime.ExecOutput{ExitCode: 0}, nil

	case "python3", "node":
		if f.probe != nil {
			return f.probe(spec.Cmd), nil
		}
		return runtime.ExecOutput{ExitCode: 0}, nil

	case "sh":
		return f.execScript(ctx, c, spec.Cmd[2])

	default:
		return runtime.ExecOutput{ExitCode: 0}, nil
	}
}

func (f *fakeRuntime) execTest(c *fakeContainer, cmd []string) runtime.ExecOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	flag, path := cmd[1], cmd[2]
	switch flag {
	case "-f":
		if _, ok := c.files[path]; ok {
			return runtime.ExecOutput{ExitCode: 0}
		}
	case "-d":
		if c.dirs[path] {
			return runtime.ExecOutput{ExitCode: 0}
		}
		for name := range c.dirs {
			if strings.HasPrefix(name, path+"/") {
				return runtime.ExecOutput{ExitCode: 0}
			}
		}
		for name := range c.files {
			if strings.HasPrefix(name, path+"/") {
				return runtime.ExecOutput{ExitCode: 0}
			}
		}
	}
	return runtime.ExecOutput{ExitCode: 1}
}

func (f *fakeRuntime) execRm(c *fakeContainer, cmd []string) runtime.ExecOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	flag, path := cmd[1], cmd[2]
	switch flag {
	case "-f":
		delete(c.files, path)
	case "-rf":
		for name := range c.dirs {
			if name == path || strings.HasPrefix(name, path+"/") {
				delete(c.dirs, name)
			}
		}
		for name := range c.files {
			if name == path || strings.HasPrefix(name, path+"/") {
				delete(c.files, name)
			}
		}
	}
	return runtime.ExecOutput{ExitCode: 0}
}

func (f *fakeRuntime) execScript(ctx context.Context, c *fakeContainer, script string) (runtime.ExecOutput, error) {
	switch {
	case strings.Contains(script, "kill -9"):
		f.mu.Lock()
		f.killed = append(f.killed, script)
		f.mu.Unlock()
		return runtime.ExecOutput{ExitCode: 0}, nil

	case strings.HasPrefix(script, "rm -f "):
		path := strings.Trim(strings.TrimPrefix(script, "rm -f "), "'")
		f.mu.Lock()
		delete(c.files, path)
		f.mu.Unlock()
		return runtime.ExecOutput{ExitCode: 0}, nil

	case strings.Contains(script, "exec "):
		if f.guest != nil {
			return f.guest(ctx, script)
		}
		return runtime.ExecOutput{ExitCode: 0, Stdout: "ok\n"}, nil

	default:
		return runtime.ExecOutput{ExitCode: 0}, nil
	}
}

func (f *fakeRuntime) PutArchive(_ context.Context, id, dest string, content io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	tr := tar.NewReader(content)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		abs := strings.TrimSuffix(dest, "/") + "/" + hdr.Name
		c.files[abs] = data
	}
}

func (f *fakeRuntime) GetArchive(_ context.Context, id, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, errdefs.NotFound(errors.New("no such container"))
	}
	data, ok := c.files[path]
	if !ok {
		return nil, errdefs.NotFound(errors.New("no such path"))
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	base := path[strings.LastIndex(path, "/")+1:]
	_ = tw.WriteHeader(&tar.Header{Name: base, Mode: 0o644, Size: int64(len(data))})
	_, _ = tw.Write(data)
	_ = tw.Close()
	return io.NopCloser(&buf), nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, id string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	c.running = false
	return nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) ImageExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *fakeRuntime) PullImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return f.pullErr
	}
	f.images[ref] = true
	return nil
}

func (f *fakeRuntime) BuildImage(_ context.Context, _, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buildErr != nil {
		return f.buildErr
	}
	f.images[tag] = true
	return nil
}

func (f *fakeRuntime) RemoveImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[ref] {
		return errdefs.NotFound(errors.New("no such image"))
	}
	delete(f.images, ref)
	f.removedImg = append(f.removedImg, ref)
	return nil
}

func (f *fakeRuntime) ListContainers(_ context.Context, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.containers))
	for id := range f.containers {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) containerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *fakeRuntime) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.killed)
}

func (f *fakeRuntime) hasImage(ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref]
}
