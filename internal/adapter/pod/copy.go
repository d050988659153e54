package pod

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/xec-sh/xec-go/internal/adapter"
	"github.com/xec-sh/xec-go/internal/command"
	"github.com/xec-sh/xec-go/internal/result"
)

// CopyTo streams localPath into the most recently Execute-d pod at
// remotePath as a gzipped tar archive piped through `exec <pod> -- tar
// xz`, satisfying adapter.Copier — the same tar+gzip shape the container
// adapter uses, since `kubectl cp` is itself implemented this way.
func (a *Adapter) CopyTo(ctx context.Context, localPath, remotePath string, progress adapter.ProgressCallback) error {
	target, err := a.copyTarget()
	if err != nil {
		return err
	}

	archive, totalSize, err := tarGzipFile(localPath, filepath.Base(remotePath))
	if err != nil {
		return err
	}

	destDir := filepath.Dir(remotePath)
	args := []string{"exec", "-i"}
	args = append(args, targetArgs(target)...)
	if target.Container != "" {
		args = append(args, "-c", target.Container)
	}
	args = append(args, target.Pod, "--", "sh", "-c",
		"mkdir -p "+command.EscapeRuntimeExec(destDir)+" && tar xz -C "+command.EscapeRuntimeExec(destDir))

	cmd := exec.CommandContext(ctx, a.bin(), args...)
	cmd.Stdin = newProgressReader(archive, totalSize, progress)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &result.ClusterPodError{Target: target.Pod, Operation: "copyTo", Wrapped: fmt.Errorf("%w: %s", err, stderr.Bytes())}
	}
	return nil
}

// CopyFrom streams remotePath out of the pod as a gzipped tar and extracts
// it to localPath.
func (a *Adapter) CopyFrom(ctx context.Context, remotePath, localPath string, progress adapter.ProgressCallback) error {
	target, err := a.copyTarget()
	if err != nil {
		return err
	}

	args := []string{"exec"}
	args = append(args, targetArgs(target)...)
	if target.Container != "" {
		args = append(args, "-c", target.Container)
	}
	args = append(args, target.Pod, "--", "sh", "-c",
		"tar cz -C "+command.EscapeRuntimeExec(filepath.Dir(remotePath))+" "+command.EscapeRuntimeExec(filepath.Base(remotePath)))

	cmd := exec.CommandContext(ctx, a.bin(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &result.ClusterPodError{Target: target.Pod, Operation: "copyFrom", Wrapped: err}
	}
	if err := cmd.Start(); err != nil {
		return &result.ClusterPodError{Target: target.Pod, Operation: "copyFrom", Wrapped: err}
	}

	if err := untarGzipTo(stdout, localPath, progress); err != nil {
		return &result.ClusterPodError{Target: target.Pod, Operation: "copyFrom", Wrapped: err}
	}
	return cmd.Wait()
}

func (a *Adapter) copyTarget() (*command.PodTarget, error) {
	a.mu.Lock()
	target := a.lastTarget
	a.mu.Unlock()
	if target == nil || target.Pod == "" {
		return nil, &result.ValidationError{Field: "target.pod", Reason: "no literal pod target resolved for copy; call Execute first"}
	}
	return target, nil
}

// tarGzipFile archives localPath into a gzipped tar stream whose root entry
// is named rootName. A plain file becomes a single-entry archive; a
// directory is walked recursively so the whole tree is mirrored under
// rootName (§4.5's "recursive directory" requirement), matching what the
// remote-side `tar cz` already does for CopyFrom.
func tarGzipFile(localPath, rootName string) (io.Reader, int64, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, 0, err
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	var totalSize int64
	if !info.IsDir() {
		if err := tarAddFile(tw, localPath, rootName, info); err != nil {
			return nil, 0, err
		}
		totalSize = info.Size()
	} else {
		base := rootName
		err := filepath.Walk(localPath, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(localPath, p)
			if err != nil {
				return err
			}
			name := base
			if rel != "." {
				name = filepath.ToSlash(filepath.Join(base, rel))
			}
			if fi.IsDir() {
				hdr := &tar.Header{Name: name + "/", Typeflag: tar.TypeDir, Mode: int64(fi.Mode().Perm())}
				return tw.WriteHeader(hdr)
			}
			totalSize += fi.Size()
			return tarAddFile(tw, p, name, fi)
		})
		if err != nil {
			return nil, 0, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, 0, err
	}
	if err := gw.Close(); err != nil {
		return nil, 0, err
	}
	return &buf, totalSize, nil
}

func tarAddFile(tw *tar.Writer, localPath, name string, info os.FileInfo) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := &tar.Header{Name: name, Mode: int64(info.Mode().Perm()), Size: info.Size()}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// untarGzipTo extracts every entry of a gzipped tar stream under localPath.
// A single-file archive extracts to localPath itself; a multi-entry
// (directory) archive is mirrored underneath it.
func untarGzipTo(r io.Reader, localPath string, progress adapter.ProgressCallback) error {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gr.Close()
	tr := tar.NewReader(gr)

	var written, total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		total += hdr.Size

		// Every archive carries one top-level component (the requested
		// file's or directory's base name). Stripping it maps the root
		// entry onto localPath itself and nested entries underneath it,
		// the same way `tar --strip-components=1` would.
		name := strings.TrimSuffix(filepath.ToSlash(hdr.Name), "/")
		rest := ""
		if i := strings.IndexByte(name, '/'); i >= 0 {
			rest = name[i+1:]
		}

		if hdr.Typeflag == tar.TypeDir {
			dst := localPath
			if rest != "" {
				dst = filepath.Join(localPath, filepath.FromSlash(rest))
			}
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			continue
		}

		dst := localPath
		if rest != "" {
			dst = filepath.Join(localPath, filepath.FromSlash(rest))
		}
		if dir := filepath.Dir(dst); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}

		out, err := os.Create(dst)
		if err != nil {
			return err
		}

		buf := make([]byte, 32*1024)
		for {
			n, rerr := tr.Read(buf)
			if n > 0 {
				if _, werr := out.Write(buf[:n]); werr != nil {
					out.Close()
					return werr
				}
				written += int64(n)
				if progress != nil {
					progress(written, total)
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				out.Close()
				return rerr
			}
		}
		out.Close()
	}
	return nil
}

type progressReader struct {
	io.Reader
	read  int64
	total int64
	cb    adapter.ProgressCallback
}

func newProgressReader(r io.Reader, total int64, cb adapter.ProgressCallback) io.Reader {
	if cb == nil {
		return r
	}
	return &progressReader{Reader: r, total: total, cb: cb}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.Reader.Read(buf)
	p.read += int64(n)
	p.cb(p.read, p.total)
	return n, err
}
