package bits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitReaderMSBFirst(t *testing.T) {
	t.Parallel()

	r := NewBitReader([]byte{0b1010_1100, 0b0101_0011})
	var v uint64
	require.True(t, r.ReadBits(3, &v))
	assert.EqualValues(t, 0b101, v)
	require.True(t, r.ReadBits(9, &v))
	assert.EqualValues(t, 0b0110_0010_1, v)
	assert.Equal(t, 4, r.BitsLeft())

	// Exhaustion latches: all further reads fail.
	require.False(t, r.ReadBits(5, &v))
	require.False(t, r.ReadBits(1, &v))
	assert.False(t, r.OK())
}

func TestBitReaderExpGolomb(t *testing.T) {
	t.Parallel()

	// ue(v) codewords 0..4: 1, 010, 011, 00100, 00101
	r := NewBitReader([]byte{0b1_010_011_0, 0b0100_0010, 0b1_0000000})
	want := []uint64{0, 1, 2, 3, 4}
	for _, w := range want {
		var v uint64
		require.True(t, r.ReadUE(&v))
		assert.Equal(t, w, v)
	}

	// se(v): codewords map 1,010,011 -> 0, 1, -1
	r = NewBitReader([]byte{0b1_010_011_0})
	var s int64
	require.True(t, r.ReadSE(&s))
	assert.EqualValues(t, 0, s)
	require.True(t, r.ReadSE(&s))
	assert.EqualValues(t, 1, s)
	require.True(t, r.ReadSE(&s))
	assert.EqualValues(t, -1, s)
}

func TestBufferReaderWidths(t *testing.T) {
	t.Parallel()

	r := NewBufferReader([]byte{
		0x01,
		0x02, 0x03,
		0x04, 0x05, 0x06,
		0x07, 0x08, 0x09, 0x0A,
		0xFF, 0xFE, 0xFD, 0xFC, 0xFB, 0xFA, 0xF9, 0xF8,
		0xAA, 0xBB, 0xCC,
	})

	var b uint8
	require.True(t, r.Read1(&b))
	assert.EqualValues(t, 0x01, b)

	var u16 uint16
	require.True(t, r.Read2(&u16))
	assert.EqualValues(t, 0x0203, u16)

	var u32 uint32
	require.True(t, r.Read3(&u32))
	assert.EqualValues(t, 0x040506, u32)
	require.True(t, r.Read4(&u32))
	assert.EqualValues(t, 0x0708090A, u32)

	var s64 int64
	require.True(t, r.Read8s(&s64))
	assert.EqualValues(t, -0x0001020304050608, s64)

	var u64 uint64
	require.True(t, r.ReadNBytesInto8(3, &u64))
	assert.EqualValues(t, 0xAABBCC, u64)

	assert.False(t, r.Read1(&b))
}

func TestBufferWriterAppend(t *testing.T) {
	t.Parallel()

	w := NewBufferWriter(16)
	w.AppendInt(uint8(0x01))
	w.AppendInt(uint16(0x0203))
	w.AppendInt(uint32(0x04050607))
	w.AppendInt(int32(-2))
	w.AppendNBytes(0xAABBCC, 3)
	w.AppendString("mdat")

	assert.Equal(t, []byte{
		0x01,
		0x02, 0x03,
		0x04, 0x05, 0x06, 0x07,
		0xFF, 0xFF, 0xFF, 0xFE,
		0xAA, 0xBB, 0xCC,
		'm', 'd', 'a', 't',
	}, w.Bytes())
}

type sinkBuf struct{ b []byte }

func (s *sinkBuf) Write(p []byte) (int, error) {
	s.b = append(s.b, p...)
	return len(p), nil
}

func TestBufferWriterWriteTo(t *testing.T) {
	t.Parallel()

	w := NewBufferWriter(0)
	w.AppendString("sidx")
	var sink sinkBuf
	require.NoError(t, w.WriteTo(&sink))
	assert.Equal(t, "sidx", string(sink.b))
	assert.Zero(t, w.Size())
}
