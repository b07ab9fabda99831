package file

import (
	"path/filepath"

	"github.com/3QSDN/shaka-packager/internal/status"
)

// atomicFile buffers writes into a sibling temp name and renames over the
// destination on Close. Manifest emitters use this so readers never observe
// a half-written playlist or MPD.
type atomicFile struct {
	dst  string
	tmp  string
	file File
}

// OpenAtomic opens name for writing through a temp-and-rename cycle.
func OpenAtomic(name string) (File, error) {
	scheme, path := splitName(name)
	var tmpPath string
	switch scheme {
	case "file":
		tmpPath = filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	case "memory":
		tmpPath = path + ".tmp"
	default:
		return nil, status.Newf(status.NotFound, "unknown file scheme %q", scheme)
	}
	tmpName := scheme + "://" + tmpPath
	f, err := Open(tmpName, "w")
	if err != nil {
		return nil, err
	}
	return &atomicFile{dst: name, tmp: tmpName, file: f}, nil
}

func (a *atomicFile) Name() string { return a.dst }

func (a *atomicFile) Read(p []byte) (int, error) {
	return 0, status.Newf(status.FileFailure, "read on write-only file %q", a.dst)
}

func (a *atomicFile) Write(p []byte) (int, error) { return a.file.Write(p) }
func (a *atomicFile) Flush() error                { return a.file.Flush() }
func (a *atomicFile) Size() (int64, error)        { return a.file.Size() }

func (a *atomicFile) Close() error {
	if err := a.file.Close(); err != nil {
		Delete(a.tmp)
		return err
	}
	return Rename(a.tmp, a.dst)
}

// Discard abandons the pending write, removing the temp file.
func (a *atomicFile) Discard() {
	a.file.Close()
	Delete(a.tmp)
}
