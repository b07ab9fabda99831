package crypto

import (
	"log/slog"

	"github.com/3QSDN/shaka-packager/internal/aes"
	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// KeyByID resolves a content key for a key id. The key-source adapter and
// tests implement it.
type KeyByID interface {
	Key(keyID []byte) ([]byte, error)
}

// Decryptor is the pipeline stage reversing CENC on an encrypted source.
// Samples without an EncryptionConfig pass through untouched.
type Decryptor struct {
	media.BaseHandler
	log  *slog.Logger
	keys KeyByID

	ctrByKey map[string]*aes.CTR
}

// NewDecryptor returns a decryptor resolving keys through keys.
func NewDecryptor(keys KeyByID) *Decryptor {
	return &Decryptor{
		log:      slog.With("component", "decryptor"),
		keys:     keys,
		ctrByKey: map[string]*aes.CTR{},
	}
}

// Process implements media.Handler.
func (d *Decryptor) Process(sd *media.StreamData) error {
	switch sd.Type {
	case media.DataStreamInfo:
		info := sd.Info.Clone()
		info.Encrypted = false
		info.DRM = nil
		return d.Dispatch(&media.StreamData{StreamIndex: sd.StreamIndex, Type: media.DataStreamInfo, Info: info})
	case media.DataMediaSample:
		s := sd.Sample
		if s.IsEOS() || s.Config == nil {
			return d.Dispatch(sd)
		}
		if err := d.decrypt(s); err != nil {
			return err
		}
		s.Config = nil
		return d.Dispatch(sd)
	default:
		return d.Dispatch(sd)
	}
}

// Flush implements media.Handler.
func (d *Decryptor) Flush() error { return d.FlushDown() }

func (d *Decryptor) decrypt(s *media.MediaSample) error {
	cfg := s.Config
	key, err := d.keys.Key(cfg.KeyID)
	if err != nil {
		return status.Convert(err, status.EncryptionFailure, "resolve decryption key")
	}

	switch cfg.Scheme {
	case media.SchemeCenc, "":
		ctr, ok := d.ctrByKey[string(key)]
		if !ok {
			if ctr, err = aes.NewCTR(key, cfg.PerSampleIV); err != nil {
				return err
			}
			d.ctrByKey[string(key)] = ctr
		} else if err := ctr.SetIV(cfg.PerSampleIV); err != nil {
			return err
		}
		return applyToCipherRegions(s.Data, cfg.Subsamples, func(region []byte) {
			ctr.Crypt(region, region)
		})
	case media.SchemeCbcs:
		cbc, err := aes.NewCBC(key, cfg.PerSampleIV)
		if err != nil {
			return err
		}
		var cbcErr error
		if err := applyToCipherRegions(s.Data, cfg.Subsamples, func(region []byte) {
			aligned := len(region) &^ 15
			if aligned == 0 {
				return
			}
			if err := cbc.DecryptNoPad(region[:aligned]); err != nil {
				cbcErr = err
			}
		}); err != nil {
			return err
		}
		return cbcErr
	}
	return status.Newf(status.Unimplemented, "decryption scheme %q not supported", cfg.Scheme)
}
