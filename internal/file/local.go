package file

import (
	"errors"
	"io"
	"os"

	"github.com/3QSDN/shaka-packager/internal/status"
)

func init() {
	registerScheme("file", openLocal)
}

// localFile wraps an *os.File with the File error mapping.
type localFile struct {
	name string
	f    *os.File
}

func openLocal(path, mode string) (File, error) {
	var flag int
	switch mode {
	case "r":
		flag = os.O_RDONLY
	case "w":
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case "a":
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	default:
		return nil, status.Newf(status.InvalidArgument, "bad open mode %q", mode)
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, status.Wrap(status.FileFailure, err, "open "+path)
	}
	return &localFile{name: path, f: f}, nil
}

func (l *localFile) Name() string { return l.name }

func (l *localFile) Read(p []byte) (int, error) {
	n, err := l.f.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, status.ErrEndOfStream
		}
		return n, status.Wrap(status.FileFailure, err, "read "+l.name)
	}
	return n, nil
}

func (l *localFile) Write(p []byte) (int, error) {
	n, err := l.f.Write(p)
	if err != nil {
		return n, status.Wrap(status.FileFailure, err, "write "+l.name)
	}
	return n, nil
}

func (l *localFile) Flush() error {
	if err := l.f.Sync(); err != nil {
		return status.Wrap(status.FileFailure, err, "flush "+l.name)
	}
	return nil
}

func (l *localFile) Size() (int64, error) {
	fi, err := l.f.Stat()
	if err != nil {
		return 0, status.Wrap(status.FileFailure, err, "stat "+l.name)
	}
	return fi.Size(), nil
}

func (l *localFile) Seek(offset int64, whence int) (int64, error) {
	pos, err := l.f.Seek(offset, whence)
	if err != nil {
		return 0, status.Wrap(status.FileFailure, err, "seek "+l.name)
	}
	return pos, nil
}

func (l *localFile) Close() error {
	if err := l.f.Close(); err != nil {
		return status.Wrap(status.FileFailure, err, "close "+l.name)
	}
	return nil
}

func deleteLocal(path string) error {
	if err := os.Remove(path); err != nil {
		return status.Wrap(status.FileFailure, err, "delete "+path)
	}
	return nil
}

func renameLocal(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return status.Wrap(status.FileFailure, err, "rename "+src)
	}
	return nil
}

// NewTemp creates a writable temp file under dir (or the OS default when dir
// is empty) and returns its File plus the local path for later reopening.
func NewTemp(dir, pattern string) (File, string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, "", status.Wrap(status.FileFailure, err, "create temp file")
	}
	return &localFile{name: f.Name(), f: f}, f.Name(), nil
}
