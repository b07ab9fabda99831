package file

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3QSDN/shaka-packager/internal/status"
)

func TestLocalRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, WriteAll(path, []byte("ftypmoov")))

	got, err := ReadAll(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("ftypmoov"), got)

	f, err := Open(path, "r")
	require.NoError(t, err)
	size, err := f.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 8, size)
	require.NoError(t, f.Close())
}

func TestOpenUnknownScheme(t *testing.T) {
	t.Parallel()

	_, err := Open("gopher://x", "r")
	assert.Equal(t, status.NotFound, status.CodeOf(err))
}

func TestMemoryReadWrite(t *testing.T) {
	f, err := Open("memory://seg1.m4s", "w")
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, ok := MemoryContents("seg1.m4s")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, got)

	// Reads drain to END_OF_STREAM, the benign sentinel.
	r, err := Open("memory://seg1.m4s", "r")
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = r.Read(buf)
	assert.True(t, status.IsCode(err, status.EndOfStream))
}

func TestMemorySeekRewrite(t *testing.T) {
	f, err := Open("memory://rewrite.mp4", "w")
	require.NoError(t, err)
	_, err = f.Write([]byte("aaaabbbb"))
	require.NoError(t, err)

	s, ok := f.(Seeker)
	require.True(t, ok)
	_, err = s.Seek(0, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("cccc"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, _ := MemoryContents("rewrite.mp4")
	assert.Equal(t, []byte("ccccbbbb"), got)
}

func TestAtomicWriteRename(t *testing.T) {
	t.Parallel()

	dst := filepath.Join(t.TempDir(), "master.m3u8")
	f, err := OpenAtomic(dst)
	require.NoError(t, err)
	_, err = f.Write([]byte("#EXTM3U\n"))
	require.NoError(t, err)

	// Destination must not exist until Close renames the temp file over it.
	_, err = Open(dst, "r")
	require.Error(t, err)

	require.NoError(t, f.Close())
	got, err := ReadAll(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("#EXTM3U\n"), got)
}

func TestTempFile(t *testing.T) {
	t.Parallel()

	f, path, err := NewTemp(t.TempDir(), "packager-*.tmp")
	require.NoError(t, err)
	_, err = f.Write([]byte("frag"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := ReadAll(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("frag"), got)
	require.NoError(t, Delete(path))
}
