// Package aes implements the AES-CTR and AES-CBC cores used by the CENC
// encryptor and decryptor. The CTR core carries the per-sample IV advance
// rules that common encryption requires, which the stdlib stream ciphers do
// not expose.
package aes

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/3QSDN/shaka-packager/internal/status"
)

// CTR is an AES-CTR (128-bit key) keystream generator. An 8-byte IV occupies
// the high half of the counter block with a 64-bit block counter below it; a
// 16-byte IV is the full initial counter block.
type CTR struct {
	block       cipher.Block
	iv          []byte
	counter     [16]byte
	keystream   [16]byte
	blockOffset int
	// blocks touched since the last SetIV/UpdateIV, partial blocks included
	encryptedBlocks uint64
}

// NewCTR returns a CTR core initialized with key (16 bytes) and iv (8 or 16
// bytes). Other sizes fail with UNIMPLEMENTED.
func NewCTR(key, iv []byte) (*CTR, error) {
	if len(key) != 16 {
		return nil, status.Newf(status.Unimplemented, "AES-CTR key size %d not supported", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, status.Wrap(status.EncryptionFailure, err, "init AES")
	}
	c := &CTR{block: block}
	if err := c.SetIV(iv); err != nil {
		return nil, err
	}
	return c, nil
}

// SetIV installs iv and resets the block counter and intra-block offset.
func (c *CTR) SetIV(iv []byte) error {
	if len(iv) != 8 && len(iv) != 16 {
		return status.Newf(status.Unimplemented, "AES-CTR IV size %d not supported", len(iv))
	}
	c.iv = append(c.iv[:0], iv...)
	for i := range c.counter {
		c.counter[i] = 0
	}
	copy(c.counter[:], iv)
	c.blockOffset = 0
	c.encryptedBlocks = 0
	return nil
}

// IV returns the current IV.
func (c *CTR) IV() []byte { return c.iv }

// BlockOffset returns the offset within the current keystream block. It is
// preserved across Crypt calls so subsample runs continue the keystream.
func (c *CTR) BlockOffset() int { return c.blockOffset }

// Crypt xors the keystream over in, writing to out (may alias in). CTR
// encryption and decryption are the same operation.
func (c *CTR) Crypt(in, out []byte) {
	for i := range in {
		if c.blockOffset == 0 {
			c.block.Encrypt(c.keystream[:], c.counter[:])
			c.encryptedBlocks++
		}
		out[i] = in[i] ^ c.keystream[c.blockOffset]
		c.blockOffset++
		if c.blockOffset == 16 {
			c.blockOffset = 0
			c.incrementCounter()
		}
	}
}

// incrementCounter adds one to the counter block: the low 8 bytes for an
// 8-byte IV, the full 128 bits with carry for a 16-byte IV.
func (c *CTR) incrementCounter() {
	low := 8
	if len(c.iv) == 16 {
		low = 0
	}
	for i := 15; i >= low; i-- {
		c.counter[i]++
		if c.counter[i] != 0 {
			break
		}
	}
}

// UpdateIV advances the IV for the next sample. A 16-byte IV grows by the
// number of blocks the previous sample touched, as a big-endian 128-bit add
// with wrap; an 8-byte IV is incremented by one as a 64-bit big-endian
// integer with wrap. The counter and block offset are reset.
func (c *CTR) UpdateIV() {
	switch len(c.iv) {
	case 16:
		add := c.encryptedBlocks
		for i := 15; i >= 0 && add > 0; i-- {
			sum := uint64(c.iv[i]) + (add & 0xFF)
			c.iv[i] = byte(sum)
			add = add>>8 + sum>>8
		}
	case 8:
		for i := 7; i >= 0; i-- {
			c.iv[i]++
			if c.iv[i] != 0 {
				break
			}
		}
	}
	iv := append([]byte(nil), c.iv...)
	c.SetIV(iv)
}
