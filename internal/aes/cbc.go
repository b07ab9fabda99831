package aes

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/3QSDN/shaka-packager/internal/status"
)

// CBC is an AES-CBC core supporting 128/192/256-bit keys with PKCS#7
// padding. Used by the key-source response path and the cbcs scheme.
type CBC struct {
	block cipher.Block
	iv    []byte
}

// NewCBC returns a CBC core. The IV must be one AES block.
func NewCBC(key, iv []byte) (*CBC, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, status.Newf(status.Unimplemented, "AES-CBC key size %d not supported", len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, status.Newf(status.Unimplemented, "AES-CBC IV size %d not supported", len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, status.Wrap(status.EncryptionFailure, err, "init AES")
	}
	return &CBC{block: block, iv: append([]byte(nil), iv...)}, nil
}

// Encrypt returns the padded ciphertext of plain. Empty input produces one
// full padding block.
func (c *CBC) Encrypt(plain []byte) []byte {
	padLen := aes.BlockSize - len(plain)%aes.BlockSize
	padded := make([]byte, len(plain)+padLen)
	copy(padded, plain)
	for i := len(plain); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)
	return out
}

// EncryptNoPad encrypts whole blocks in place without padding; the input
// length must be a block multiple.
func (c *CBC) EncryptNoPad(data []byte) error {
	if len(data)%aes.BlockSize != 0 {
		return status.Newf(status.EncryptionFailure, "input size %d not a block multiple", len(data))
	}
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(data, data)
	return nil
}

// DecryptNoPad decrypts whole blocks in place without padding; the input
// length must be a block multiple.
func (c *CBC) DecryptNoPad(data []byte) error {
	if len(data)%aes.BlockSize != 0 {
		return status.Newf(status.EncryptionFailure, "input size %d not a block multiple", len(data))
	}
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(data, data)
	return nil
}

// Decrypt strips PKCS#7 padding after decrypting.
func (c *CBC) Decrypt(enc []byte) ([]byte, error) {
	if len(enc) == 0 || len(enc)%aes.BlockSize != 0 {
		return nil, status.Newf(status.EncryptionFailure, "ciphertext size %d not a block multiple", len(enc))
	}
	out := make([]byte, len(enc))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, enc)
	padLen := int(out[len(out)-1])
	if padLen < 1 || padLen > aes.BlockSize || padLen > len(out) {
		return nil, status.New(status.EncryptionFailure, "bad PKCS#7 padding")
	}
	for _, b := range out[len(out)-padLen:] {
		if int(b) != padLen {
			return nil, status.New(status.EncryptionFailure, "bad PKCS#7 padding")
		}
	}
	return out[:len(out)-padLen], nil
}
