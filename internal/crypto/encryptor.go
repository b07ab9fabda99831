package crypto

import (
	"crypto/rand"
	"log/slog"

	"github.com/3QSDN/shaka-packager/internal/aes"
	"github.com/3QSDN/shaka-packager/internal/codecs"
	"github.com/3QSDN/shaka-packager/internal/keysource"
	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// EncryptionOptions configures one encryptor stage.
type EncryptionOptions struct {
	Scheme              media.ProtectionScheme // cenc or cbcs
	ClearLeadSeconds    float64
	CryptoPeriodSeconds float64 // 0 disables rotation
	IVSize              int     // 0 selects the scheme default (8 for cenc, 16 for cbcs)

	// Classification thresholds; zero selects the defaults.
	MaxSDPixels, MaxHDPixels, MaxUHD1Pixels uint64
}

// Encryptor is the pipeline stage applying CENC to one stream.
type Encryptor struct {
	media.BaseHandler
	log  *slog.Logger
	src  keysource.KeySource
	opts EncryptionOptions

	info          *media.StreamInfo
	trackType     keysource.TrackType
	key           *keysource.EncryptionKey
	ctr           *aes.CTR
	cbc           *aes.CBC
	constantIV    []byte
	clearLeadEnd  int64
	periodTicks   int64
	currentPeriod int64
	headerParser  sliceHeaderParser
	started       bool
}

// NewEncryptor returns an encryptor fed by src.
func NewEncryptor(src keysource.KeySource, opts EncryptionOptions) (*Encryptor, error) {
	switch opts.Scheme {
	case media.SchemeCenc, media.SchemeCbcs:
	case "":
		opts.Scheme = media.SchemeCenc
	default:
		return nil, status.Newf(status.Unimplemented, "protection scheme %q not supported", opts.Scheme)
	}
	if opts.IVSize == 0 {
		if opts.Scheme == media.SchemeCbcs {
			opts.IVSize = 16
		} else {
			opts.IVSize = 8
		}
	}
	if opts.IVSize != 8 && opts.IVSize != 16 {
		return nil, status.Newf(status.InvalidArgument, "bad IV size %d", opts.IVSize)
	}
	return &Encryptor{
		log:           slog.With("component", "encryptor"),
		src:           src,
		opts:          opts,
		currentPeriod: -1,
	}, nil
}

// Process implements media.Handler.
func (e *Encryptor) Process(d *media.StreamData) error {
	switch d.Type {
	case media.DataStreamInfo:
		return e.onStreamInfo(d)
	case media.DataMediaSample:
		if d.Sample.IsEOS() {
			return e.Dispatch(d)
		}
		return e.onSample(d)
	default:
		return e.Dispatch(d)
	}
}

// Flush implements media.Handler.
func (e *Encryptor) Flush() error { return e.FlushDown() }

func (e *Encryptor) onStreamInfo(d *media.StreamData) error {
	info := d.Info.Clone()
	e.trackType = keysource.ClassifyTrack(info, e.opts.MaxSDPixels, e.opts.MaxHDPixels, e.opts.MaxUHD1Pixels)

	key, err := e.fetchKey(0)
	if err != nil {
		return err
	}
	e.key = key
	e.clearLeadEnd = int64(e.opts.ClearLeadSeconds * float64(info.TimeScale))
	if e.opts.CryptoPeriodSeconds > 0 {
		e.periodTicks = int64(e.opts.CryptoPeriodSeconds * float64(info.TimeScale))
	}

	ivSize := uint8(e.opts.IVSize)
	var constantIV []byte
	if e.opts.Scheme == media.SchemeCbcs {
		// cbcs carries a constant IV in tenc instead of per-sample IVs.
		ivSize = 0
		constantIV = key.IV
		if constantIV == nil {
			constantIV = randomIV(16)
		}
		e.constantIV = constantIV
	}
	info.Encrypted = true
	info.DRM = &media.DRMInfo{
		Scheme:          e.opts.Scheme,
		DefaultKeyID:    key.KeyID,
		PerSampleIVSize: ivSize,
		ConstantIV:      constantIV,
		Systems:         key.Systems,
	}
	e.info = info

	if err := e.buildHeaderParser(info); err != nil {
		return err
	}
	return e.Dispatch(&media.StreamData{StreamIndex: d.StreamIndex, Type: media.DataStreamInfo, Info: info})
}

func (e *Encryptor) buildHeaderParser(info *media.StreamInfo) error {
	switch info.Codec {
	case media.CodecH264:
		cfg, err := codecs.ParseAVCDecoderConfig(info.ExtraData)
		if err != nil {
			return err
		}
		p, err := codecs.NewAVCSliceHeaderParser(cfg)
		if err != nil {
			return err
		}
		e.headerParser = p
	case media.CodecH265:
		cfg, err := codecs.ParseHEVCDecoderConfig(info.ExtraData)
		if err != nil {
			return err
		}
		p, err := codecs.NewHEVCSliceHeaderParser(cfg)
		if err != nil {
			return err
		}
		e.headerParser = p
	}
	return nil
}

func (e *Encryptor) fetchKey(period int64) (*keysource.EncryptionKey, error) {
	if e.opts.CryptoPeriodSeconds > 0 {
		return e.src.Key(keysource.Selector{
			Kind:              keysource.SelectByCryptoPeriod,
			CryptoPeriodIndex: uint32(period),
			TrackType:         e.trackType,
		})
	}
	return e.src.Key(keysource.Selector{Kind: keysource.SelectByTrackType, TrackType: e.trackType})
}

func randomIV(size int) []byte {
	iv := make([]byte, size)
	rand.Read(iv)
	return iv
}

func (e *Encryptor) onSample(d *media.StreamData) error {
	s := d.Sample
	if s.DTS < e.clearLeadEnd {
		return e.Dispatch(d)
	}

	// Key rotation at crypto period boundaries, deferred to the next key
	// frame so a GOP never mixes keys.
	if e.periodTicks > 0 {
		newPeriod := s.DTS / e.periodTicks
		boundaryOK := s.IsKeyFrame || e.info.Kind != media.KindVideo
		if newPeriod != e.currentPeriod && (boundaryOK || e.currentPeriod < 0) {
			key, err := e.fetchKey(newPeriod)
			if err != nil {
				return err
			}
			e.key = key
			e.currentPeriod = newPeriod
			e.started = false
			cfg := &media.EncryptionConfig{
				Scheme:      e.opts.Scheme,
				KeyID:       key.KeyID,
				PerSampleIV: key.IV,
			}
			if err := e.Dispatch(&media.StreamData{
				StreamIndex: d.StreamIndex,
				Type:        media.DataEncryptionConfig,
				Config:      cfg,
			}); err != nil {
				return err
			}
		}
	}

	if !e.started {
		if err := e.initCipher(); err != nil {
			return err
		}
		e.started = true
	}

	subs, err := BuildSubsamples(e.info, s.Data, e.headerParser)
	if err != nil {
		return err
	}

	cfg := &media.EncryptionConfig{
		Scheme: e.opts.Scheme,
		KeyID:  append([]byte(nil), e.key.KeyID...),
	}
	// Audio carries a single whole-sample subsample; the senc table omits
	// the layout in that case.
	if e.info.Kind == media.KindAudio && e.opts.Scheme == media.SchemeCenc {
		subsForBox := subs
		if len(subsForBox) == 1 && subsForBox[0].ClearBytes == 0 {
			subsForBox = nil
		}
		cfg.Subsamples = subsForBox
	} else {
		cfg.Subsamples = subs
	}

	switch e.opts.Scheme {
	case media.SchemeCenc:
		cfg.PerSampleIV = append([]byte(nil), e.ctr.IV()...)
		if err := applyToCipherRegions(s.Data, subs, func(region []byte) {
			e.ctr.Crypt(region, region)
		}); err != nil {
			return err
		}
		e.ctr.UpdateIV()
	case media.SchemeCbcs:
		var cbcErr error
		err := applyToCipherRegions(s.Data, subs, func(region []byte) {
			aligned := len(region) &^ 15
			if aligned == 0 {
				return
			}
			if err := e.cbc.EncryptNoPad(region[:aligned]); err != nil {
				cbcErr = err
			}
		})
		if err != nil {
			return err
		}
		if cbcErr != nil {
			return cbcErr
		}
	}

	s.Config = cfg
	return e.Dispatch(d)
}

func (e *Encryptor) initCipher() error {
	switch e.opts.Scheme {
	case media.SchemeCenc:
		iv := e.key.IV
		if iv == nil {
			iv = randomIV(e.opts.IVSize)
		}
		ctr, err := aes.NewCTR(e.key.Key, iv)
		if err != nil {
			return err
		}
		e.ctr = ctr
	case media.SchemeCbcs:
		cbc, err := aes.NewCBC(e.key.Key, e.constantIV)
		if err != nil {
			return err
		}
		e.cbc = cbc
	}
	return nil
}
