package ssh

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"

	"github.com/xec-sh/xec-go/internal/adapter"
	"github.com/xec-sh/xec-go/internal/result"
)

// CopyTo uploads localPath to remotePath over an SFTP subsystem channel on
// the most recently used target connection, satisfying adapter.Copier.
// localPath may name a single file or a directory, in which case the whole
// tree is walked and mirrored under remotePath (§4.5's "support single
// file, recursive directory, and progress callback").
func (a *Adapter) CopyTo(ctx context.Context, localPath, remotePath string, progress adapter.ProgressCallback) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return a.withSFTP(ctx, func(client *sftp.Client) error {
			return uploadFile(client, localPath, remotePath, info.Size(), progress)
		})
	}
	return a.withSFTP(ctx, func(client *sftp.Client) error {
		return filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(localPath, p)
			if err != nil {
				return err
			}
			dst := path.Join(remotePath, filepath.ToSlash(rel))
			if d.IsDir() {
				if rel == "." {
					return client.MkdirAll(dst)
				}
				return client.MkdirAll(dst)
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			return uploadFile(client, p, dst, fi.Size(), progress)
		})
	})
}

func uploadFile(client *sftp.Client, localPath, remotePath string, size int64, progress adapter.ProgressCallback) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if dir := path.Dir(remotePath); dir != "." {
		if err := client.MkdirAll(dir); err != nil {
			return err
		}
	}

	dst, err := client.Create(remotePath)
	if err != nil {
		return err
	}
	defer dst.Close()

	return copyWithProgress(dst, src, size, progress)
}

// CopyFrom downloads remotePath to localPath. remotePath may name a single
// file or a directory, mirrored recursively under localPath.
func (a *Adapter) CopyFrom(ctx context.Context, remotePath, localPath string, progress adapter.ProgressCallback) error {
	return a.withSFTP(ctx, func(client *sftp.Client) error {
		info, err := client.Stat(remotePath)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return downloadFile(client, remotePath, localPath, info.Size(), progress)
		}

		walker := client.Walk(remotePath)
		for walker.Step() {
			if err := walker.Err(); err != nil {
				return err
			}
			rel, err := filepathRelSlash(remotePath, walker.Path())
			if err != nil {
				return err
			}
			dst := filepath.Join(localPath, filepath.FromSlash(rel))
			if walker.Stat().IsDir() {
				if err := os.MkdirAll(dst, 0o755); err != nil {
					return err
				}
				continue
			}
			if err := downloadFile(client, walker.Path(), dst, walker.Stat().Size(), progress); err != nil {
				return err
			}
		}
		return nil
	})
}

func downloadFile(client *sftp.Client, remotePath, localPath string, size int64, progress adapter.ProgressCallback) error {
	src, err := client.Open(remotePath)
	if err != nil {
		return err
	}
	defer src.Close()

	if dir := filepath.Dir(localPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	return copyWithProgress(dst, src, size, progress)
}

// filepathRelSlash is filepath.Rel for POSIX-style remote paths (sftp paths
// are always "/"-separated regardless of the local OS).
func filepathRelSlash(base, target string) (string, error) {
	rel, err := path.Rel(base, target)
	if err != nil {
		return "", err
	}
	return rel, nil
}

func (a *Adapter) withSFTP(ctx context.Context, fn func(*sftp.Client) error) error {
	a.mu.Lock()
	key := a.lastKey
	a.mu.Unlock()
	if key == "" {
		return &result.ValidationError{Field: "target.ssh", Reason: "no ssh target resolved for sftp; call Execute first"}
	}

	conn, err := a.pool.acquire(ctx, key)
	if err != nil {
		return &result.ConnectionError{Host: key, Wrapped: err}
	}
	defer a.pool.release(conn)

	client, err := sftp.NewClient(conn.client)
	if err != nil {
		return &result.AdapterError{Adapter: "ssh", Operation: "sftp-open", Wrapped: err}
	}
	defer client.Close()

	return fn(client)
}

type progressWriter struct {
	io.Writer
	written int64
	total   int64
	cb      adapter.ProgressCallback
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	w.written += int64(n)
	if w.cb != nil {
		w.cb(w.written, w.total)
	}
	return n, err
}

func copyWithProgress(dst io.Writer, src io.Reader, total int64, cb adapter.ProgressCallback) error {
	pw := &progressWriter{Writer: dst, total: total, cb: cb}
	_, err := io.Copy(pw, src)
	return err
}
