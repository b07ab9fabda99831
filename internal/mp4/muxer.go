package mp4

import (
	"log/slog"

	"github.com/3QSDN/shaka-packager/internal/event"
	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// MuxerOptions configures one output stream.
type MuxerOptions struct {
	Output          string
	SegmentTemplate string // empty selects single-segment mode
	TempDir         string
	Bandwidth       uint32

	FragmentDuration   float64 // seconds
	SegmentDuration    float64
	FragmentSAPAligned bool
	SegmentSAPAligned  bool
}

// Muxer is the terminal pipeline handler for one output stream: it builds
// the init segment, packs samples into fragments and segments, and notifies
// the listener.
type Muxer struct {
	log      *slog.Logger
	opts     MuxerOptions
	listener event.MuxerListener

	info       *media.StreamInfo
	segmenter  Segmenter
	fragmenter *Fragmenter
	seq        uint32

	pending      *media.MediaSample
	lastDuration int64

	fragmentTicks int64
	segmentTicks  int64

	segmentStart    int64
	segmentDuration int64
	segmentOpen     bool
	forceBoundary   bool

	firstDTS          int64
	hasFirstDTS       bool
	endDTS            int64
	durationReported  bool
	encryptionStarted bool
	finalized         bool
}

// NewMuxer returns a muxer writing per opts and reporting to listener (which
// may be nil).
func NewMuxer(opts MuxerOptions, listener event.MuxerListener) *Muxer {
	if listener == nil {
		listener = event.NopListener{}
	}
	return &Muxer{
		log:      slog.With("component", "mp4_muxer", "output", opts.Output),
		opts:     opts,
		listener: listener,
	}
}

// Process implements media.Handler.
func (m *Muxer) Process(d *media.StreamData) error {
	switch d.Type {
	case media.DataStreamInfo:
		return m.onStreamInfo(d.Info)
	case media.DataMediaSample:
		if d.Sample.IsEOS() {
			return m.finalize()
		}
		return m.addSample(d.Sample)
	case media.DataTextSample:
		return m.addSample(textToMediaSample(d.Text))
	case media.DataCueEvent:
		// The break applies after the sample still held in the lookahead.
		if err := m.flushPending(); err != nil {
			return err
		}
		m.forceBoundary = true
		m.listener.OnCueEvent(d.Cue.TimeInSeconds)
		return nil
	case media.DataEncryptionConfig:
		if err := m.flushPending(); err != nil {
			return err
		}
		m.forceBoundary = true
		m.listener.OnEncryptionInfoReady(false, d.Config.Scheme, d.Config.KeyID, d.Config.PerSampleIV, nil)
		return nil
	case media.DataSegmentInfo:
		return nil
	}
	return status.Newf(status.InvalidArgument, "unexpected stream data %s", d.Type)
}

// Flush implements media.Handler.
func (m *Muxer) Flush() error { return m.finalize() }

func (m *Muxer) onStreamInfo(info *media.StreamInfo) error {
	if m.info != nil {
		return status.New(status.InvalidArgument, "stream info delivered twice")
	}
	m.info = info
	m.fragmentTicks = int64(m.opts.FragmentDuration * float64(info.TimeScale))
	m.segmentTicks = int64(m.opts.SegmentDuration * float64(info.TimeScale))
	if m.segmentTicks <= 0 {
		m.segmentTicks = int64(info.TimeScale) * 6
	}
	if m.fragmentTicks <= 0 || m.fragmentTicks > m.segmentTicks {
		m.fragmentTicks = m.segmentTicks
	}

	ftyp := BuildFileType().Marshal("ftyp")
	movie, err := BuildMovie(info)
	if err != nil {
		return err
	}
	moov := movie.Marshal()

	if m.opts.SegmentTemplate == "" {
		m.segmenter = NewSingleSegmentSegmenter(m.opts.Output, m.opts.TempDir)
	} else {
		m.segmenter = NewMultiSegmentSegmenter(m.opts.Output, m.opts.SegmentTemplate, m.opts.Bandwidth)
	}
	if err := m.segmenter.Initialize(ftyp, moov, info.TimeScale); err != nil {
		return err
	}

	m.fragmenter = NewFragmenter(info)
	if info.DRM != nil {
		m.fragmenter.SetBaseKeyID(info.DRM.DefaultKeyID)
		m.listener.OnEncryptionInfoReady(true, info.DRM.Scheme, info.DRM.DefaultKeyID, nil, info.DRM.Systems)
	}
	m.listener.OnMediaStart(info, info.TimeScale)
	return nil
}

func (m *Muxer) addSample(s *media.MediaSample) error {
	if m.info == nil {
		return status.New(status.InvalidArgument, "sample before stream info")
	}
	if m.pending == nil {
		m.pending = s
		return nil
	}
	if m.pending.Duration == 0 {
		m.pending.Duration = s.DTS - m.pending.DTS
	}
	err := m.commit(m.pending)
	m.pending = s
	return err
}

// flushPending commits the lookahead sample, inferring its duration from
// the previous sample when the following one cannot supply it.
func (m *Muxer) flushPending() error {
	if m.pending == nil {
		return nil
	}
	if m.pending.Duration == 0 {
		m.pending.Duration = m.lastDuration
	}
	if m.pending.Duration == 0 {
		m.pending.Duration = 1
	}
	s := m.pending
	m.pending = nil
	return m.commit(s)
}

func (m *Muxer) commit(s *media.MediaSample) error {
	// A boundary request landing on an existing segment edge is already
	// satisfied.
	if m.forceBoundary && m.fragmenter.Empty() && !m.segmentOpen {
		m.forceBoundary = false
	}
	boundaryOK := s.IsKeyFrame || m.info.Kind != media.KindVideo
	if !m.fragmenter.Empty() {
		fragAligned := !m.opts.FragmentSAPAligned || boundaryOK
		segAligned := !m.opts.SegmentSAPAligned || boundaryOK
		switch {
		case m.forceBoundary && segAligned:
			if err := m.closeFragment(); err != nil {
				return err
			}
			if err := m.closeSegment(); err != nil {
				return err
			}
			m.forceBoundary = false
		case m.segmentDuration+m.fragmenter.FragmentDuration() >= m.segmentTicks && segAligned:
			if err := m.closeFragment(); err != nil {
				return err
			}
			if err := m.closeSegment(); err != nil {
				return err
			}
		case m.fragmenter.FragmentDuration() >= m.fragmentTicks && fragAligned:
			if err := m.closeFragment(); err != nil {
				return err
			}
		}
	}

	if !m.segmentOpen {
		m.segmentStart = s.DTS
		m.segmentOpen = true
	}
	if !m.hasFirstDTS {
		m.firstDTS = s.DTS
		m.hasFirstDTS = true
	}
	m.endDTS = s.DTS + s.Duration
	m.lastDuration = s.Duration

	if !m.durationReported {
		m.listener.OnSampleDurationReady(uint32(s.Duration))
		m.durationReported = true
	}
	if s.Config != nil && !m.encryptionStarted {
		m.encryptionStarted = true
		m.listener.OnEncryptionStart()
	}
	return m.fragmenter.AddSample(s)
}

func (m *Muxer) closeFragment() error {
	frag, err := m.fragmenter.FinalizeFragment()
	if err != nil {
		return err
	}
	m.seq++
	moof := &MovieFragment{SequenceNumber: m.seq, Tracks: []*TrackFragment{frag.Traf}}
	moofBytes := moof.FinalizeAndMarshal()
	payload := append(moofBytes, WrapBox("mdat", frag.MdatData)...)
	if err := m.segmenter.AddFragment(payload, frag.Reference); err != nil {
		return err
	}
	m.segmentDuration += int64(frag.Reference.SubsegmentDuration)
	return nil
}

func (m *Muxer) closeSegment() error {
	if !m.segmentOpen {
		return nil
	}
	name, size, err := m.segmenter.FinalizeSegment(m.segmentStart, m.segmentDuration)
	if err != nil {
		return err
	}
	if name != "" {
		m.listener.OnNewSegment(name, m.segmentStart, m.segmentDuration, size)
	}
	m.segmentDuration = 0
	m.segmentOpen = false
	return nil
}

func (m *Muxer) finalize() error {
	if m.finalized {
		return nil
	}
	if m.info == nil {
		return status.New(status.InvalidArgument, "no stream info before end of stream")
	}
	m.finalized = true

	if err := m.flushPending(); err != nil {
		return err
	}
	if !m.fragmenter.Empty() {
		if err := m.closeFragment(); err != nil {
			return err
		}
	}
	if err := m.closeSegment(); err != nil {
		return err
	}
	ranges, err := m.segmenter.Finalize()
	if err != nil {
		return err
	}
	duration := float64(m.endDTS-m.firstDTS) / float64(m.info.TimeScale)
	m.listener.OnMediaEnd(ranges, duration)
	m.log.Info("output finished", "duration_seconds", duration)
	return nil
}

// textToMediaSample packs a WebVTT cue into a wvtt sample (vttc box with a
// payl child; settings travel in a stag box).
func textToMediaSample(t *media.TextSample) *media.MediaSample {
	payl := WrapBox("payl", []byte(t.Payload))
	inner := payl
	if t.Settings != "" {
		inner = append(inner, WrapBox("sttg", []byte(t.Settings))...)
	}
	if t.ID != "" {
		inner = append(inner, WrapBox("iden", []byte(t.ID))...)
	}
	vttc := WrapBox("vttc", inner)
	return &media.MediaSample{
		DTS:        t.StartTime,
		PTS:        t.StartTime,
		Duration:   t.Duration(),
		IsKeyFrame: true,
		Data:       vttc,
	}
}

// BuildFileType returns the ftyp for fragmented DASH/HLS output.
func BuildFileType() *FileType {
	return &FileType{
		MajorBrand:   "isom",
		MinorVersion: 0,
		Brands:       []string{"isom", "iso8", "mp41", "dash"},
	}
}

// BuildMovie builds the moov for one output stream.
func BuildMovie(info *media.StreamInfo) (*Movie, error) {
	entry, handler, err := buildSampleEntry(info)
	if err != nil {
		return nil, err
	}

	track := &Track{
		Header: TrackHeader{
			TrackID:  info.TrackID,
			Duration: info.Duration,
		},
		Media: Media{
			Header: MediaHeader{
				Timescale: info.TimeScale,
				Duration:  info.Duration,
				Language:  iso639_2(info.Language),
			},
			HandlerType: handler,
			SampleTable: SampleTable{Descriptions: []*SampleEntry{entry}},
		},
	}
	if info.Video != nil {
		track.Header.Width = info.Video.Width
		track.Header.Height = info.Video.Height
	}
	if info.Audio != nil {
		track.Header.Volume = 0x0100
	}

	movie := &Movie{
		Header: MovieHeader{
			Timescale:   info.TimeScale,
			Duration:    info.Duration,
			NextTrackID: info.TrackID + 1,
		},
		Tracks: []*Track{track},
		Extends: &MovieExtends{
			Duration: info.Duration,
			Tracks:   []TrackExtends{{TrackID: info.TrackID}},
		},
	}
	if info.DRM != nil {
		for _, sys := range info.DRM.Systems {
			if len(sys.PsshBox) > 8 {
				p, err := UnmarshalPssh(sys.PsshBox[8:])
				if err != nil {
					return nil, err
				}
				movie.Pssh = append(movie.Pssh, *p)
			}
		}
	}
	return movie, nil
}

func buildSampleEntry(info *media.StreamInfo) (*SampleEntry, string, error) {
	entry := &SampleEntry{Kind: info.Kind}
	handler := "vide"
	switch info.Codec {
	case media.CodecH264:
		entry.Format = "avc1"
		entry.CodecConfigType = "avcC"
	case media.CodecH265:
		entry.Format = "hvc1"
		entry.CodecConfigType = "hvcC"
	case media.CodecVP9:
		entry.Format = "vp09"
		entry.CodecConfigType = "vpcC"
	case media.CodecAAC:
		entry.Format = "mp4a"
		entry.CodecConfigType = "esds"
		handler = "soun"
	case media.CodecOpus:
		entry.Format = "Opus"
		entry.CodecConfigType = "dOps"
		handler = "soun"
	case media.CodecText:
		entry.Format = "wvtt"
		entry.CodecConfigType = "vttC"
		handler = "text"
	default:
		return nil, "", status.Newf(status.Unimplemented, "cannot mux codec %s into mp4", info.Codec)
	}
	entry.CodecConfig = info.ExtraData

	switch info.Kind {
	case media.KindVideo:
		entry.Width = uint16(info.Video.Width)
		entry.Height = uint16(info.Video.Height)
		entry.PixelWidth = info.Video.PixelWidth
		entry.PixelHeight = info.Video.PixelHeight
	case media.KindAudio:
		entry.ChannelCount = uint16(info.Audio.NumChannels)
		entry.SampleSize = 16
		if info.Audio.SampleBits > 0 {
			entry.SampleSize = uint16(info.Audio.SampleBits)
		}
		entry.SampleRate = info.Audio.SamplingFrequency
		entry.MaxBitrate = info.Audio.MaxBitrate
		entry.AvgBitrate = info.Audio.AvgBitrate
	case media.KindText:
		if info.Text != nil {
			entry.CodecConfig = info.Text.CodecConfig
		}
		if len(entry.CodecConfig) == 0 {
			entry.CodecConfig = []byte("WEBVTT")
		}
	}

	if info.DRM != nil {
		original := entry.Format
		if info.Kind == media.KindAudio {
			entry.Format = "enca"
		} else {
			entry.Format = "encv"
		}
		entry.Sinf = &ProtectionSchemeInfo{
			DataFormat:    original,
			SchemeType:    string(info.DRM.Scheme),
			SchemeVersion: 0x00010000,
			Tenc: TrackEncryption{
				DefaultIsProtected:     true,
				DefaultPerSampleIVSize: info.DRM.PerSampleIVSize,
				DefaultKID:             info.DRM.DefaultKeyID,
				DefaultConstantIV:      info.DRM.ConstantIV,
			},
		}
	}
	return entry, handler, nil
}

// iso639_2 widens a two-letter tag to the three-letter form mdhd needs.
func iso639_2(lang string) string {
	if len(lang) == 3 {
		return lang
	}
	if code, ok := iso639Map[lang]; ok {
		return code
	}
	return "und"
}

var iso639Map = map[string]string{
	"en": "eng", "fr": "fra", "de": "deu", "es": "spa", "it": "ita",
	"ja": "jpn", "ko": "kor", "zh": "zho", "pt": "por", "ru": "rus",
	"nl": "nld", "sv": "swe", "no": "nor", "da": "dan", "fi": "fin",
	"pl": "pol", "tr": "tur", "ar": "ara", "he": "heb", "hi": "hin",
}
