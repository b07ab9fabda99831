package aes

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3QSDN/shaka-packager/internal/status"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// NIST SP 800-38A F.5.1 CTR-AES128.
const (
	nistKey = "2b7e151628aed2a6abf7158809cf4f3c"
	nistIV  = "f0f1f2f3f4f5f6f7f8f9fafbfcfdfeff"
	nistPT  = "6bc1bee22e409f96e93d7e117393172a" +
		"ae2d8a571e03ac9c9eb76fac45af8e51" +
		"30c81c46a35ce411e5fbc1191a0a52ef" +
		"f69f2445df4f9b17ad2b417be66c3710"
	nistCT = "874d6191b620e3261bef6864990db6ce" +
		"9806f66b7970fdff8617187bb9fffdff" +
		"5ae4df3edbd5d35e5b4f09020db03eab" +
		"1e031dda2fbe03d1792170a0f3009cee"
)

func TestCTRNISTVector(t *testing.T) {
	t.Parallel()

	c, err := NewCTR(mustHex(t, nistKey), mustHex(t, nistIV))
	require.NoError(t, err)

	plain := mustHex(t, nistPT)
	out := make([]byte, len(plain))
	c.Crypt(plain, out)
	assert.Equal(t, mustHex(t, nistCT), out)

	// Decryption is the same keystream.
	require.NoError(t, c.SetIV(mustHex(t, nistIV)))
	back := make([]byte, len(out))
	c.Crypt(out, back)
	assert.Equal(t, plain, back)
}

func TestCTRSubsampleContinuation(t *testing.T) {
	t.Parallel()

	c, err := NewCTR(mustHex(t, nistKey), mustHex(t, nistIV))
	require.NoError(t, err)

	plain := mustHex(t, nistPT)
	var out []byte
	wantOffsets := []int{3, 3, 0}
	for i, n := range []int{3, 16, 45} {
		chunk := make([]byte, n)
		c.Crypt(plain[len(out):len(out)+n], chunk)
		out = append(out, chunk...)
		assert.Equal(t, wantOffsets[i], c.BlockOffset(), "after chunk %d", i)
	}
	assert.Equal(t, mustHex(t, nistCT), out)
}

func TestCTRUpdateIV16(t *testing.T) {
	t.Parallel()

	iv := mustHex(t, "fffffffffffffffffffffffffffffffe")
	c, err := NewCTR(mustHex(t, nistKey), iv)
	require.NoError(t, err)

	c.Crypt(make([]byte, 64), make([]byte, 64)) // 4 blocks
	c.UpdateIV()
	assert.Equal(t, mustHex(t, "00000000000000000000000000000002"), c.IV())
}

func TestCTRUpdateIV8Wrap(t *testing.T) {
	t.Parallel()

	iv := mustHex(t, "ffffffffffffffff")
	c, err := NewCTR(mustHex(t, nistKey), iv)
	require.NoError(t, err)

	c.Crypt(make([]byte, 100), make([]byte, 100))
	c.UpdateIV()
	assert.Equal(t, mustHex(t, "0000000000000000"), c.IV())
}

func TestCTRRejectsBadSizes(t *testing.T) {
	t.Parallel()

	_, err := NewCTR(make([]byte, 24), make([]byte, 16))
	assert.Equal(t, status.Unimplemented, status.CodeOf(err))

	_, err = NewCTR(make([]byte, 16), make([]byte, 12))
	assert.Equal(t, status.Unimplemented, status.CodeOf(err))
}

func TestCTREncryptDecryptIdentity(t *testing.T) {
	t.Parallel()

	for _, ivLen := range []int{8, 16} {
		iv := bytes.Repeat([]byte{0x42}, ivLen)
		enc, err := NewCTR(mustHex(t, nistKey), iv)
		require.NoError(t, err)
		dec, err := NewCTR(mustHex(t, nistKey), iv)
		require.NoError(t, err)

		for _, size := range []int{0, 1, 15, 16, 17, 1000} {
			plain := make([]byte, size)
			for i := range plain {
				plain[i] = byte(i * 7)
			}
			ct := make([]byte, size)
			enc.Crypt(plain, ct)
			pt := make([]byte, size)
			dec.Crypt(ct, pt)
			assert.Equal(t, plain, pt, "iv=%d size=%d", ivLen, size)
			enc.UpdateIV()
			dec.UpdateIV()
		}
	}
}

func TestCBCRoundTrip(t *testing.T) {
	t.Parallel()

	for _, keyLen := range []int{16, 24, 32} {
		key := bytes.Repeat([]byte{7}, keyLen)
		iv := bytes.Repeat([]byte{9}, 16)
		c, err := NewCBC(key, iv)
		require.NoError(t, err)

		for _, size := range []int{0, 1, 16, 31, 48} {
			plain := bytes.Repeat([]byte{0xAB}, size)
			enc := c.Encrypt(plain)
			// Padded output is always a whole number of blocks, at least one.
			assert.Zero(t, len(enc)%16)
			assert.GreaterOrEqual(t, len(enc), 16)
			got, err := c.Decrypt(enc)
			require.NoError(t, err)
			assert.Equal(t, plain, got)
		}
	}
}

func TestCBCRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := NewCBC(make([]byte, 15), make([]byte, 16))
	assert.Equal(t, status.Unimplemented, status.CodeOf(err))

	c, err := NewCBC(make([]byte, 16), make([]byte, 16))
	require.NoError(t, err)
	_, err = c.Decrypt(make([]byte, 15))
	assert.Equal(t, status.EncryptionFailure, status.CodeOf(err))
}
