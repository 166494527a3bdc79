package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FileRef ties one local path to one remote path for a single transfer.
// Transferred only ever grows; it is safe to render as a progress counter.
type FileRef struct {
	LocalPath   string
	RemotePath  string
	Size        int64
	Transferred int64
}

const copyChunk = 128 * 1024

// Upload copies a local file to the instance. Both paths are confined to
// their allow-listed roots before any bytes move.
func (s *Session) Upload(ctx context.Context, ref *FileRef, onProgress func(transferred, total int64)) (int64, error) {
	local, err := confineLocal(s.cfg.LocalRoots, ref.LocalPath)
	if err != nil {
		return 0, err
	}
	remote, err := confineRemote(s.cfg.RemoteRoots, ref.RemotePath)
	if err != nil {
		return 0, err
	}

	client, err := s.sftpClient()
	if err != nil {
		return 0, err
	}

	src, err := os.Open(local)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", local, err)
	}
	defer src.Close()
	st, err := src.Stat()
	if err != nil {
		return 0, err
	}
	ref.Size = st.Size()

	if err := client.MkdirAll(path.Dir(remote)); err != nil {
		return 0, fmt.Errorf("mkdir %s: %w", path.Dir(remote), err)
	}
	dst, err := client.Create(remote)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", remote, err)
	}
	defer dst.Close()

	n, err := copyWithProgress(ctx, dst, src, ref, onProgress)
	if err != nil {
		return n, fmt.Errorf("upload %s: %w", ref.LocalPath, err)
	}
	return n, nil
}

// Download copies a remote file down. A missing remote file is
// ErrRemoteNotFound, distinct from a rejected path.
func (s *Session) Download(ctx context.Context, ref *FileRef, onProgress func(transferred, total int64)) (int64, error) {
	remote, err := confineRemote(s.cfg.RemoteRoots, ref.RemotePath)
	if err != nil {
		return 0, err
	}
	local, err := confineLocal(s.cfg.LocalRoots, ref.LocalPath)
	if err != nil {
		return 0, err
	}

	client, err := s.sftpClient()
	if err != nil {
		return 0, err
	}

	st, err := client.Stat(remote)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrRemoteNotFound, remote)
		}
		return 0, fmt.Errorf("stat %s: %w", remote, err)
	}
	ref.Size = st.Size()

	src, err := client.Open(remote)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", remote, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return 0, err
	}
	dst, err := os.Create(local)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", local, err)
	}
	defer dst.Close()

	n, err := copyWithProgress(ctx, dst, src, ref, onProgress)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", ref.RemotePath, err)
	}
	return n, nil
}

func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, ref *FileRef, onProgress func(transferred, total int64)) (int64, error) {
	buf := make([]byte, copyChunk)
	for {
		select {
		case <-ctx.Done():
			return ref.Transferred, ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			ref.Transferred += int64(wn)
			if onProgress != nil {
				onProgress(ref.Transferred, ref.Size)
			}
			if writeErr != nil {
				return ref.Transferred, writeErr
			}
			if wn < n {
				return ref.Transferred, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return ref.Transferred, nil
		}
		if readErr != nil {
			return ref.Transferred, readErr
		}
	}
}

// confineLocal resolves p and requires it to land under one of roots.
func confineLocal(roots []string, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty local path", ErrPathRejected)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrPathRejected, p)
	}
	abs = filepath.Clean(abs)
	for _, root := range roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(rootAbs, abs)
		if err != nil {
			continue
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			continue
		}
		return abs, nil
	}
	return "", fmt.Errorf("%w: %q", ErrPathRejected, p)
}

// confineRemote cleans p and requires it to land under one of the POSIX
// roots. Relative remote paths are rejected outright: the allow list is
// absolute, so a relative path has nothing to anchor to.
func confineRemote(roots []string, p string) (string, error) {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty remote path", ErrPathRejected)
	}
	clean := path.Clean(trimmed)
	if !path.IsAbs(clean) {
		return "", fmt.Errorf("%w: %q (remote paths must be absolute)", ErrPathRejected, p)
	}
	for _, root := range roots {
		r := path.Clean(root)
		if r == "/" || r == "." {
			continue
		}
		if clean == r || strings.HasPrefix(clean, r+"/") {
			return clean, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrPathRejected, p)
}
