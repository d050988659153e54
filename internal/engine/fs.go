package engine

import (
	"context"
	"os"

	"github.com/xec-sh/xec-go/internal/command"
)

// Handle is a filesystem resource acquired by TempFile/TempDir (§4.1):
// released exactly once, either explicitly via Release or implicitly when
// the owning Engine is disposed.
type Handle struct {
	Path string

	e        *Engine
	released bool
}

// Release removes the resource immediately and untracks it so Dispose
// doesn't try to remove it a second time.
func (h *Handle) Release() error {
	h.e.sh.mu.Lock()
	if h.released {
		h.e.sh.mu.Unlock()
		return nil
	}
	h.released = true
	for i, p := range h.e.sh.temps {
		if p == h.Path {
			h.e.sh.temps = append(h.e.sh.temps[:i], h.e.sh.temps[i+1:]...)
			break
		}
	}
	h.e.sh.mu.Unlock()
	return removeTemp(h.Path)
}

func (e *Engine) track(path string) {
	e.sh.mu.Lock()
	e.sh.temps = append(e.sh.temps, path)
	e.sh.mu.Unlock()
}

// TempFile creates an empty temp file under dir (host temp dir if empty),
// named from pattern (a "xec-*" default if empty), and tracks it for
// release on Dispose.
func (e *Engine) TempFile(dir, pattern string) (*Handle, error) {
	f, err := os.CreateTemp(dir, orDefault(pattern, "xec-*"))
	if err != nil {
		return nil, err
	}
	path := f.Name()
	_ = f.Close()
	e.track(path)
	return &Handle{Path: path, e: e}, nil
}

// TempDir creates a temp directory the same way TempFile creates a file.
func (e *Engine) TempDir(dir, pattern string) (*Handle, error) {
	path, err := os.MkdirTemp(dir, orDefault(pattern, "xec-*"))
	if err != nil {
		return nil, err
	}
	e.track(path)
	return &Handle{Path: path, e: e}, nil
}

// WithTempFile acquires a temp file, runs fn with its path, and guarantees
// release on every return path, including a panic inside fn.
func (e *Engine) WithTempFile(dir, pattern string, fn func(path string) error) error {
	h, err := e.TempFile(dir, pattern)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h.Path)
}

// WithTempDir is WithTempFile's directory counterpart.
func (e *Engine) WithTempDir(dir, pattern string, fn func(path string) error) error {
	h, err := e.TempDir(dir, pattern)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h.Path)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func removeTemp(path string) error {
	return os.RemoveAll(path)
}

// ReadFile, WriteFile, and DeleteFile are the cross-adapter file operations
// §4.1 names: each runs through whichever adapter this Engine is currently
// bound to (local, ssh, container, or cluster-pod) exactly the way Execute
// does, so reading a file against an ssh()/container()/pod() Engine reads
// it on that remote target, and each emits its matching file:* event.
func (e *Engine) ReadFile(ctx context.Context, path string) ([]byte, error) {
	obj := e.Command(&command.Command{Program: "cat", Args: []string{path}})
	res, err := obj.Run(ctx)
	if err != nil {
		return nil, err
	}
	e.sh.events.emit(fileEvent(EventFileRead, path, int64(len(res.Stdout))))
	return res.Stdout, nil
}

// WriteFile streams data to path via `tee`, so the same command works
// whether the bound adapter execs locally, over ssh, in a container, or in
// a pod, without any adapter needing a dedicated "write file" operation.
func (e *Engine) WriteFile(ctx context.Context, path string, data []byte) error {
	obj := e.Command(&command.Command{
		Program: "tee",
		Args:    []string{path},
		Stdin:   data,
		Stdout:  command.IgnoreSink,
	})
	if _, err := obj.Run(ctx); err != nil {
		return err
	}
	e.sh.events.emit(fileEvent(EventFileWrite, path, int64(len(data))))
	return nil
}

func (e *Engine) DeleteFile(ctx context.Context, path string) error {
	obj := e.Command(&command.Command{Program: "rm", Args: []string{"-f", path}})
	if _, err := obj.Run(ctx); err != nil {
		return err
	}
	e.sh.events.emit(fileEvent(EventFileDelete, path, 0))
	return nil
}
