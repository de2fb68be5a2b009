package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"codebox/internal/metrics"
	"codebox/internal/runtime"
)

// resolvePath maps a caller-supplied relative path onto an absolute path
// under the workspace root. Absolute paths, empty paths, and any path that
// cleans to outside the root are rejected with ErrInvalidPath.
func (s *Sandbox) resolvePath(rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	cleaned := path.Clean(rel)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return s.prof.WorkDir + "/" + cleaned, nil
}

// WriteFile places content at the workspace-relative path, creating parent
// directories as needed and overwriting silently. The write is verified
// before it is reported successful.
func (s *Sandbox) WriteFile(ctx context.Context, rel string, content []byte) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	abs, err := s.resolvePath(rel)
	if err != nil {
		return err
	}

	err = s.writeFileLocked(ctx, abs, content)
	s.countTransfer("write", err)
	return err
}

func (s *Sandbox) writeFileLocked(ctx context.Context, abs string, content []byte) error {
	parent := path.Dir(abs)
	if out, err := s.rt.Exec(ctx, s.containerID, runtime.ExecSpec{
		Cmd: []string{"mkdir", "-p", parent},
	}); err != nil || out.ExitCode != 0 {
		return fmt.Errorf("create parent directory: %v", firstErr(err, out.Stderr))
	}

	archive, err := tarSingleFile(strings.TrimPrefix(abs, "/"), content)
	if err != nil {
		return fmt.Errorf("write file %s: %w", abs, err)
	}
	if err := s.rt.PutArchive(ctx, s.containerID, "/", archive); err != nil {
		return fmt.Errorf("write file %s: %w", abs, err)
	}

	// Verify: a copy the runtime accepted can still land wrong if the
	// destination turned out to be a directory.
	out, err := s.rt.Exec(ctx, s.containerID, runtime.ExecSpec{
		Cmd: []string{"test", "-f", abs},
	})
	if err != nil {
		return fmt.Errorf("verify file %s: %w", abs, err)
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("verify file %s: not a regular file after write", abs)
	}
	return nil
}

// ReadFile returns the content of the file at the workspace-relative path.
// A missing file is ErrFileNotFound.
func (s *Sandbox) ReadFile(ctx context.Context, rel string) ([]byte, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	abs, err := s.resolvePath(rel)
	if err != nil {
		return nil, err
	}

	data, err := s.readFileLocked(ctx, abs)
	s.countTransfer("read", err)
	return data, err
}

func (s *Sandbox) readFileLocked(ctx context.Context, abs string) ([]byte, error) {
	rc, err := s.rt.GetArchive(ctx, s.containerID, abs)
	if err != nil {
		if runtime.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, abs)
		}
		return nil, fmt.Errorf("read file %s: %w", abs, err)
	}
	defer rc.Close()

	data, err := untarSingleFile(rc)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", abs, err)
	}
	return data, nil
}

// DeleteFile removes the file at the workspace-relative path. Deleting a
// path that does not exist is ErrFileNotFound, not a silent no-op.
func (s *Sandbox) DeleteFile(ctx context.Context, rel string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	abs, err := s.resolvePath(rel)
	if err != nil {
		return err
	}

	err = s.removeLocked(ctx, abs, "-f", []string{"rm", "-f", abs})
	s.countTransfer("delete", err)
	return err
}

// WriteDir creates a directory (and parents) at the workspace-relative
// path. Idempotent.
func (s *Sandbox) WriteDir(ctx context.Context, rel string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	abs, err := s.resolvePath(rel)
	if err != nil {
		return err
	}

	out, err := s.rt.Exec(ctx, s.containerID, runtime.ExecSpec{
		Cmd: []string{"mkdir", "-p", abs},
	})
	if err != nil {
		s.countTransfer("mkdir", err)
		return fmt.Errorf("create directory %s: %w", abs, err)
	}
	if out.ExitCode != 0 {
		err = fmt.Errorf("create directory %s: %s", abs, truncate(out.Stderr, 200))
		s.countTransfer("mkdir", err)
		return err
	}
	s.countTransfer("mkdir", nil)
	return nil
}

// DeleteDir removes the directory at the workspace-relative path
// recursively. A missing directory is ErrFileNotFound.
func (s *Sandbox) DeleteDir(ctx context.Context, rel string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	abs, err := s.resolvePath(rel)
	if err != nil {
		return err
	}

	err = s.removeLocked(ctx, abs, "-d", []string{"rm", "-rf", abs})
	s.countTransfer("rmdir", err)
	return err
}

// removeLocked implements the strict-delete contract: probe with test
// <flag>, then remove.
func (s *Sandbox) removeLocked(ctx context.Context, abs, testFlag string, rmCmd []string) error {
	probe, err := s.rt.Exec(ctx, s.containerID, runtime.ExecSpec{
		Cmd: []string{"test", testFlag, abs},
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", abs, err)
	}
	if probe.ExitCode != 0 {
		return fmt.Errorf("%w: %s", ErrFileNotFound, abs)
	}

	out, err := s.rt.Exec(ctx, s.containerID, runtime.ExecSpec{Cmd: rmCmd})
	if err != nil {
		return fmt.Errorf("delete %s: %w", abs, err)
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("delete %s: %s", abs, truncate(out.Stderr, 200))
	}
	return nil
}

func (s *Sandbox) countTransfer(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Get().FileTransfersTotal.WithLabelValues(op, status).Inc()
}

// tarSingleFile builds an in-memory tar archive holding one regular file.
func tarSingleFile(name string, content []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// untarSingleFile extracts the first regular file from a tar stream.
func untarSingleFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("archive contained no regular file")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}
