package keysource

import (
	"bytes"
	"encoding/hex"

	"github.com/3QSDN/shaka-packager/internal/bits"
	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// CommonSystemID is the W3C common PSSH system id ("1077efec-c0b2-4d02-
// ace3-3c1e52e2fb4b"), used when no DRM system is configured.
var CommonSystemID = []byte{
	0x10, 0x77, 0xEF, 0xEC, 0xC0, 0xB2, 0x4D, 0x02,
	0xAC, 0xE3, 0x3C, 0x1E, 0x52, 0xE2, 0xFB, 0x4B,
}

// Fixed serves one key for every request, built from hex strings.
type Fixed struct {
	key      EncryptionKey
	systemID []byte
}

// FixedOptions configures NewFixed.
type FixedOptions struct {
	KeyIDHex    string
	KeyHex      string
	IVHex       string // optional
	PsshDataHex string // raw DRM payload, wrapped into a pssh box
	SystemID    []byte // defaults to the common system id
}

// NewFixed builds a fixed key source.
func NewFixed(opts FixedOptions) (*Fixed, error) {
	keyID, err := hex.DecodeString(opts.KeyIDHex)
	if err != nil || len(keyID) != 16 {
		return nil, status.Newf(status.InvalidArgument, "bad key id hex %q", opts.KeyIDHex)
	}
	key, err := hex.DecodeString(opts.KeyHex)
	if err != nil || len(key) != 16 {
		return nil, status.Newf(status.InvalidArgument, "bad key hex %q", opts.KeyHex)
	}
	var iv []byte
	if opts.IVHex != "" {
		iv, err = hex.DecodeString(opts.IVHex)
		if err != nil || (len(iv) != 8 && len(iv) != 16) {
			return nil, status.Newf(status.InvalidArgument, "bad iv hex %q", opts.IVHex)
		}
	}
	psshData, err := hex.DecodeString(opts.PsshDataHex)
	if err != nil {
		return nil, status.Newf(status.InvalidArgument, "bad pssh hex %q", opts.PsshDataHex)
	}
	systemID := opts.SystemID
	if systemID == nil {
		systemID = CommonSystemID
	}
	if len(systemID) != 16 {
		return nil, status.New(status.InvalidArgument, "system id must be 16 bytes")
	}

	f := &Fixed{systemID: systemID}
	f.key = EncryptionKey{
		KeyID: keyID,
		Key:   key,
		IV:    iv,
		Systems: []media.ProtectionSystemInfo{{
			SystemID: systemID,
			PsshBox:  BuildPsshBox(systemID, [][]byte{keyID}, psshData),
		}},
	}
	return f, nil
}

// BuildPsshBox wraps DRM payload data in a complete pssh box. Key ids are
// written, in the version 1 form, only for the common system id; any other
// system id gets a version 0 box without key ids.
func BuildPsshBox(systemID []byte, keyIDs [][]byte, data []byte) []byte {
	w := bits.NewBufferWriter(64)
	version := uint8(0)
	if len(keyIDs) > 0 && bytes.Equal(systemID, CommonSystemID) {
		version = 1
	}
	w.AppendInt(uint32(0)) // size, patched below
	w.AppendString("pssh")
	w.AppendInt(uint32(version) << 24)
	w.AppendBytes(systemID)
	if version == 1 {
		w.AppendInt(uint32(len(keyIDs)))
		for _, kid := range keyIDs {
			w.AppendBytes(kid)
		}
	}
	w.AppendInt(uint32(len(data)))
	w.AppendBytes(data)
	box := w.Bytes()
	size := uint32(len(box))
	box[0] = byte(size >> 24)
	box[1] = byte(size >> 16)
	box[2] = byte(size >> 8)
	box[3] = byte(size)
	return box
}

// Capabilities implements KeySource.
func (f *Fixed) Capabilities() Capability {
	return CapContentID | CapPSSH | CapKeyIDs | CapAssetID | CapKeyRotation
}

// Fetch implements KeySource; every request resolves to the fixed key.
func (f *Fixed) Fetch(FetchRequest) error { return nil }

// Key implements KeySource. Crypto-period selectors return the same key for
// every period.
func (f *Fixed) Key(sel Selector) (*EncryptionKey, error) {
	// A nil key id selects the sole key of the set.
	if sel.Kind == SelectByKeyID && sel.KeyID != nil && !bytes.Equal(sel.KeyID, f.key.KeyID) {
		return nil, ErrKeyNotFound
	}
	k := f.key
	return &k, nil
}

// UUID implements KeySource.
func (f *Fixed) UUID() string {
	return hex.EncodeToString(f.systemID[0:4]) + "-" +
		hex.EncodeToString(f.systemID[4:6]) + "-" +
		hex.EncodeToString(f.systemID[6:8]) + "-" +
		hex.EncodeToString(f.systemID[8:10]) + "-" +
		hex.EncodeToString(f.systemID[10:16])
}

// SystemName implements KeySource.
func (f *Fixed) SystemName() string { return "FixedKey" }
