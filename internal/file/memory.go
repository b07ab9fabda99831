package file

import (
	"io"
	"sync"

	"github.com/3QSDN/shaka-packager/internal/status"
)

func init() {
	registerScheme("memory", openMemory)
}

// memStore backs the memory:// scheme. Contents survive close so tests and
// manifest consumers can read back what a stage wrote.
var memStore = struct {
	sync.Mutex
	m map[string][]byte
}{m: map[string][]byte{}}

// MemoryContents returns a copy of the bytes stored under memory://path.
func MemoryContents(path string) ([]byte, bool) {
	memStore.Lock()
	defer memStore.Unlock()
	b, ok := memStore.m[path]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true
}

// ClearMemory drops all memory:// contents. Tests call this between cases.
func ClearMemory() {
	memStore.Lock()
	defer memStore.Unlock()
	memStore.m = map[string][]byte{}
}

func deleteMemory(path string) {
	memStore.Lock()
	defer memStore.Unlock()
	delete(memStore.m, path)
}

func renameMemory(src, dst string) error {
	memStore.Lock()
	defer memStore.Unlock()
	b, ok := memStore.m[src]
	if !ok {
		return status.Newf(status.FileFailure, "rename: no such memory file %q", src)
	}
	memStore.m[dst] = b
	delete(memStore.m, src)
	return nil
}

type memoryFile struct {
	path    string
	buf     []byte
	pos     int64
	writing bool
	closed  bool
}

func openMemory(path, mode string) (File, error) {
	switch mode {
	case "r":
		b, ok := MemoryContents(path)
		if !ok {
			return nil, status.Newf(status.FileFailure, "no such memory file %q", path)
		}
		return &memoryFile{path: path, buf: b}, nil
	case "w":
		return &memoryFile{path: path, writing: true}, nil
	case "a":
		b, _ := MemoryContents(path)
		return &memoryFile{path: path, buf: b, pos: int64(len(b)), writing: true}, nil
	}
	return nil, status.Newf(status.InvalidArgument, "bad open mode %q", mode)
}

func (m *memoryFile) Name() string { return "memory://" + m.path }

func (m *memoryFile) Read(p []byte) (int, error) {
	if m.closed {
		return 0, status.Newf(status.FileFailure, "read on closed file %q", m.path)
	}
	if m.pos >= int64(len(m.buf)) {
		return 0, status.ErrEndOfStream
	}
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memoryFile) Write(p []byte) (int, error) {
	if m.closed || !m.writing {
		return 0, status.Newf(status.FileFailure, "write on read-only file %q", m.path)
	}
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:end], p)
	m.pos = end
	m.flush()
	return len(p), nil
}

func (m *memoryFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = m.pos
	case io.SeekEnd:
		base = int64(len(m.buf))
	default:
		return 0, status.Newf(status.InvalidArgument, "bad whence %d", whence)
	}
	pos := base + offset
	if pos < 0 {
		return 0, status.Newf(status.InvalidArgument, "seek before start of %q", m.path)
	}
	m.pos = pos
	return pos, nil
}

func (m *memoryFile) flush() {
	memStore.Lock()
	defer memStore.Unlock()
	b := make([]byte, len(m.buf))
	copy(b, m.buf)
	memStore.m[m.path] = b
}

func (m *memoryFile) Flush() error {
	if m.writing {
		m.flush()
	}
	return nil
}

func (m *memoryFile) Size() (int64, error) { return int64(len(m.buf)), nil }

func (m *memoryFile) Close() error {
	if m.writing && !m.closed {
		m.flush()
	}
	m.closed = true
	return nil
}
