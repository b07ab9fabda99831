// Package file provides the byte-stream abstraction used by every stage that
// touches storage. Resource names are URI-like; the scheme selects an
// implementation, defaulting to the local filesystem.
package file

import (
	"strings"
	"sync"

	"github.com/3QSDN/shaka-packager/internal/status"
)

// File is an open byte stream. Streaming stages only read or append; Seek is
// required only by the single-segment segmenter on its own temp file.
type File interface {
	// Name returns the name the file was opened with.
	Name() string
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	// Size returns the current size in bytes.
	Size() (int64, error)
	Close() error
}

// Seeker is implemented by files that support repositioning.
type Seeker interface {
	Seek(offset int64, whence int) (int64, error)
}

// openFunc opens the path portion of a resource name for the given mode.
type openFunc func(path, mode string) (File, error)

var (
	schemesMu sync.RWMutex
	schemes   = map[string]openFunc{}
)

func registerScheme(scheme string, fn openFunc) {
	schemesMu.Lock()
	defer schemesMu.Unlock()
	schemes[scheme] = fn
}

func splitName(name string) (scheme, path string) {
	if i := strings.Index(name, "://"); i >= 0 {
		return name[:i], name[i+3:]
	}
	return "file", name
}

// Open opens name for the given mode ("r", "w" or "a"). Unknown schemes fail
// with NOT_FOUND; I/O failures map to FILE_FAILURE.
func Open(name, mode string) (File, error) {
	scheme, path := splitName(name)
	schemesMu.RLock()
	fn, ok := schemes[scheme]
	schemesMu.RUnlock()
	if !ok {
		return nil, status.Newf(status.NotFound, "unknown file scheme %q", scheme)
	}
	return fn(path, mode)
}

// ReadAll opens name for reading and returns its full contents.
func ReadAll(name string) ([]byte, error) {
	f, err := Open(name, "r")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, size)
	chunk := make([]byte, 64*1024)
	for {
		n, err := f.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			if status.IsCode(err, status.EndOfStream) {
				return buf, nil
			}
			return nil, err
		}
		if n == 0 {
			return buf, nil
		}
	}
}

// WriteAll writes data to name, replacing any previous contents.
func WriteAll(name string, data []byte) error {
	f, err := Open(name, "w")
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Delete removes the named resource.
func Delete(name string) error {
	scheme, path := splitName(name)
	switch scheme {
	case "file":
		return deleteLocal(path)
	case "memory":
		deleteMemory(path)
		return nil
	}
	return status.Newf(status.NotFound, "unknown file scheme %q", scheme)
}

// Rename atomically replaces dst with src. Both names must share a scheme.
func Rename(src, dst string) error {
	ss, sp := splitName(src)
	ds, dp := splitName(dst)
	if ss != ds {
		return status.Newf(status.InvalidArgument, "rename across schemes %q -> %q", ss, ds)
	}
	switch ss {
	case "file":
		return renameLocal(sp, dp)
	case "memory":
		return renameMemory(sp, dp)
	}
	return status.Newf(status.NotFound, "unknown file scheme %q", ss)
}
