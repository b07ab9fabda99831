package media

// ProtectionScheme is the CENC scheme fourcc.
type ProtectionScheme string

const (
	SchemeCenc ProtectionScheme = "cenc"
	SchemeCbc1 ProtectionScheme = "cbc1"
	SchemeCens ProtectionScheme = "cens"
	SchemeCbcs ProtectionScheme = "cbcs"
)

// Subsample is one contiguous clear+cipher region of a protected sample.
type Subsample struct {
	ClearBytes  uint16
	CipherBytes uint32
}

// EncryptionConfig describes the protection applied to one sample, or, when
// carried alone in a StreamData, announces the key taking effect for the
// following samples (key rotation).
type EncryptionConfig struct {
	Scheme      ProtectionScheme
	PerSampleIV []byte // 8 or 16 bytes; empty for constant-IV schemes
	KeyID       []byte // 16 bytes
	Subsamples  []Subsample
}

// TotalBytes returns the sum of clear and cipher bytes across subsamples.
func (c *EncryptionConfig) TotalBytes() uint64 {
	var n uint64
	for _, s := range c.Subsamples {
		n += uint64(s.ClearBytes) + uint64(s.CipherBytes)
	}
	return n
}

// MediaSample is one coded unit of an elementary stream. DTS and PTS are in
// the stream's time scale. Duration may be zero until the following sample
// fixes it. A zero-length payload with EOS set terminates the track.
type MediaSample struct {
	DTS        int64
	PTS        int64
	Duration   int64
	IsKeyFrame bool
	Data       []byte
	SideData   []byte
	Config     *EncryptionConfig
	eos        bool
}

// NewEOSSample returns the distinguished end-of-stream sample.
func NewEOSSample() *MediaSample {
	return &MediaSample{eos: true}
}

// IsEOS reports whether this is the end-of-stream marker.
func (s *MediaSample) IsEOS() bool { return s.eos }

// TextSample is one timed-text cue.
type TextSample struct {
	ID        string
	StartTime int64
	EndTime   int64
	Settings  string
	Payload   string
}

// Duration returns the cue duration in ticks.
func (s *TextSample) Duration() int64 { return s.EndTime - s.StartTime }

// SegmentInfo records the timing of one finished segment. Repeat==N means
// N+1 consecutive segments of equal duration starting at StartTime.
type SegmentInfo struct {
	StartTime int64
	Duration  int64
	Repeat    int
	// Size of the written segment in bytes; zero for subsegments of a
	// single-file output.
	Size uint64
	// IsSubsegment marks fragment-level info that should not surface in
	// manifests.
	IsSubsegment bool
}

// CueEvent is a manifest-visible break point.
type CueEvent struct {
	TimeInSeconds float64
}
