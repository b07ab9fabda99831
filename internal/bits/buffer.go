package bits

import (
	"encoding/binary"

	"github.com/3QSDN/shaka-packager/internal/status"
)

// BufferReader reads big-endian integers sequentially from a byte slice.
type BufferReader struct {
	data []byte
	pos  int
}

// NewBufferReader returns a BufferReader over data.
func NewBufferReader(data []byte) *BufferReader {
	return &BufferReader{data: data}
}

// Pos returns the read position.
func (r *BufferReader) Pos() int { return r.pos }

// BytesLeft returns the number of unread bytes.
func (r *BufferReader) BytesLeft() int { return len(r.data) - r.pos }

// HasBytes reports whether at least n bytes remain.
func (r *BufferReader) HasBytes(n int) bool { return r.BytesLeft() >= n }

func (r *BufferReader) readNBytes(n int, v *uint64) bool {
	if n < 1 || n > 8 || !r.HasBytes(n) {
		return false
	}
	var val uint64
	for i := 0; i < n; i++ {
		val = val<<8 | uint64(r.data[r.pos+i])
	}
	r.pos += n
	*v = val
	return true
}

// Read1 reads one byte.
func (r *BufferReader) Read1(v *uint8) bool {
	var u uint64
	if !r.readNBytes(1, &u) {
		return false
	}
	*v = uint8(u)
	return true
}

// Read2 reads a 16-bit big-endian integer.
func (r *BufferReader) Read2(v *uint16) bool {
	var u uint64
	if !r.readNBytes(2, &u) {
		return false
	}
	*v = uint16(u)
	return true
}

// Read3 reads a 24-bit big-endian integer.
func (r *BufferReader) Read3(v *uint32) bool {
	var u uint64
	if !r.readNBytes(3, &u) {
		return false
	}
	*v = uint32(u)
	return true
}

// Read4 reads a 32-bit big-endian integer.
func (r *BufferReader) Read4(v *uint32) bool {
	var u uint64
	if !r.readNBytes(4, &u) {
		return false
	}
	*v = uint32(u)
	return true
}

// Read4s reads a signed 32-bit big-endian integer.
func (r *BufferReader) Read4s(v *int32) bool {
	var u uint32
	if !r.Read4(&u) {
		return false
	}
	*v = int32(u)
	return true
}

// Read8 reads a 64-bit big-endian integer.
func (r *BufferReader) Read8(v *uint64) bool {
	return r.readNBytes(8, v)
}

// Read8s reads a signed 64-bit big-endian integer.
func (r *BufferReader) Read8s(v *int64) bool {
	var u uint64
	if !r.readNBytes(8, &u) {
		return false
	}
	*v = int64(u)
	return true
}

// ReadNBytesInto8 reads an n-byte (1..8) big-endian unsigned integer.
func (r *BufferReader) ReadNBytesInto8(n int, v *uint64) bool {
	return r.readNBytes(n, v)
}

// ReadBytes copies n bytes into out, which must have length n.
func (r *BufferReader) ReadBytes(out []byte) bool {
	if !r.HasBytes(len(out)) {
		return false
	}
	copy(out, r.data[r.pos:])
	r.pos += len(out)
	return true
}

// ReadVec appends n bytes to *out.
func (r *BufferReader) ReadVec(out *[]byte, n int) bool {
	if !r.HasBytes(n) {
		return false
	}
	*out = append(*out, r.data[r.pos:r.pos+n]...)
	r.pos += n
	return true
}

// SkipBytes advances past n bytes.
func (r *BufferReader) SkipBytes(n int) bool {
	if !r.HasBytes(n) {
		r.pos = len(r.data)
		return false
	}
	r.pos += n
	return true
}

// BufferWriter accumulates big-endian serialized data in a growable buffer.
type BufferWriter struct {
	buf []byte
}

// NewBufferWriter returns an empty writer with the given capacity hint.
func NewBufferWriter(capacity int) *BufferWriter {
	return &BufferWriter{buf: make([]byte, 0, capacity)}
}

// Size returns the number of bytes written.
func (w *BufferWriter) Size() int { return len(w.buf) }

// Bytes returns the written bytes. The slice aliases the writer's buffer.
func (w *BufferWriter) Bytes() []byte { return w.buf }

// Clear resets the writer to empty without releasing its buffer.
func (w *BufferWriter) Clear() { w.buf = w.buf[:0] }

// AppendInt appends v big-endian. Accepted types: uint8..uint64, int16..int64.
func (w *BufferWriter) AppendInt(v any) {
	switch x := v.(type) {
	case uint8:
		w.buf = append(w.buf, x)
	case uint16:
		w.buf = binary.BigEndian.AppendUint16(w.buf, x)
	case uint32:
		w.buf = binary.BigEndian.AppendUint32(w.buf, x)
	case uint64:
		w.buf = binary.BigEndian.AppendUint64(w.buf, x)
	case int16:
		w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(x))
	case int32:
		w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(x))
	case int64:
		w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(x))
	default:
		panic("bits: unsupported integer type")
	}
}

// AppendNBytes appends the low n bytes (1..8) of v big-endian.
func (w *BufferWriter) AppendNBytes(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		w.buf = append(w.buf, byte(v>>(8*uint(i))))
	}
}

// AppendBytes appends b verbatim.
func (w *BufferWriter) AppendBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// AppendString appends s verbatim.
func (w *BufferWriter) AppendString(s string) {
	w.buf = append(w.buf, s...)
}

// AppendBuffer appends another writer's contents.
func (w *BufferWriter) AppendBuffer(other *BufferWriter) {
	w.buf = append(w.buf, other.buf...)
}

// Swap exchanges the contents of two writers without copying.
func (w *BufferWriter) Swap(other *BufferWriter) {
	w.buf, other.buf = other.buf, w.buf
}

// WriteTo flushes the whole buffer to sink in a single write and clears it.
func (w *BufferWriter) WriteTo(sink interface{ Write([]byte) (int, error) }) error {
	if len(w.buf) == 0 {
		return nil
	}
	n, err := sink.Write(w.buf)
	if err != nil {
		return err
	}
	if n != len(w.buf) {
		return status.Newf(status.FileFailure, "short write: %d of %d bytes", n, len(w.buf))
	}
	w.Clear()
	return nil
}
