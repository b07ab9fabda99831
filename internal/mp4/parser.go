package mp4

import (
	"sort"

	"github.com/3QSDN/shaka-packager/internal/codecs"
	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

func init() {
	media.RegisterParser(media.ContainerMP4, func() media.Parser { return &Parser{} })
}

// pendingSample is a sample whose payload has a known absolute file range
// but may not be buffered yet.
type pendingSample struct {
	trackID    uint32
	offset     uint64
	size       uint32
	dts        int64
	pts        int64
	duration   int64
	isKeyFrame bool
	config     *media.EncryptionConfig
}

type parserTrack struct {
	info      *media.StreamInfo
	entry     *SampleEntry
	timescale uint32
	// Fragment state.
	defaultDuration uint32
	defaultSize     uint32
	defaultFlags    uint32
	nextDecodeTime  uint64
	scheme          media.ProtectionScheme
	perSampleIVSize uint8
	defaultKID      []byte
	// Key-rotation groups seen in the current fragment.
	fragmentGroups []CencSampleEncryptionInfoEntry
}

// Parser is the ISO-BMFF media parser. It accepts arbitrarily chunked input
// and handles both fragmented and non-fragmented files.
type Parser struct {
	cb   media.ParserCallbacks
	keys media.KeyFetcher

	buf       []byte
	bufOffset uint64 // absolute file offset of buf[0]
	parsePos  uint64 // absolute offset of the next top-level box

	moov        *Movie
	tracks      map[uint32]*parserTrack
	initialized bool
	failed      bool

	pending []pendingSample
}

// Init implements media.Parser.
func (p *Parser) Init(cb media.ParserCallbacks, keys media.KeyFetcher) {
	p.cb = cb
	p.keys = keys
	p.tracks = map[uint32]*parserTrack{}
}

// Parse implements media.Parser.
func (p *Parser) Parse(data []byte) error {
	if p.failed {
		return status.New(status.ParserFailure, "parser previously failed")
	}
	p.buf = append(p.buf, data...)
	if err := p.run(); err != nil {
		p.failed = true
		return err
	}
	return nil
}

// Flush implements media.Parser.
func (p *Parser) Flush() error {
	if p.failed {
		return status.New(status.ParserFailure, "parser previously failed")
	}
	if err := p.emitAvailable(); err != nil {
		p.failed = true
		return err
	}
	if len(p.pending) > 0 {
		p.failed = true
		return status.Newf(status.ParserFailure, "%d samples missing payload at end of stream", len(p.pending))
	}
	return nil
}

func (p *Parser) available(from uint64) []byte {
	if from < p.bufOffset {
		return nil
	}
	rel := from - p.bufOffset
	if rel > uint64(len(p.buf)) {
		return nil
	}
	return p.buf[rel:]
}

func (p *Parser) run() error {
	for {
		window := p.available(p.parsePos)
		if len(window) < 16 {
			break
		}
		h, err := ReadBoxHeader(window)
		if err != nil {
			return err
		}
		size := h.Size
		if size == 0 {
			// Box to end of file; only mdat is allowed to do this and its
			// extent is unknown until EOF, so stop structured parsing here.
			break
		}
		switch h.Type {
		case "mdat":
			// Sample payloads are pulled from the buffer by offset; the
			// box itself needs no parsing.
		case "moov", "moof", "sidx", "ftyp", "styp":
			if uint64(len(window)) < size {
				if err := p.emitAvailable(); err != nil {
					return err
				}
				return nil // wait for more input
			}
			payload := window[h.HeaderSize:size]
			if err := p.handleBox(h.Type, payload); err != nil {
				return err
			}
		default:
			// free, skip, uuid, meta...
		}
		p.parsePos += size
		if err := p.emitAvailable(); err != nil {
			return err
		}
		p.trim()
	}
	return p.emitAvailable()
}

func (p *Parser) handleBox(fourcc string, payload []byte) error {
	switch fourcc {
	case "moov":
		return p.handleMoov(payload)
	case "moof":
		return p.handleMoof(payload)
	}
	return nil
}

func (p *Parser) handleMoov(payload []byte) error {
	moov, err := UnmarshalMovie(payload)
	if err != nil {
		return err
	}
	p.moov = moov

	var infos []*media.StreamInfo
	anyEncrypted := false
	for _, trak := range moov.Tracks {
		if len(trak.Media.SampleTable.Descriptions) == 0 {
			continue
		}
		entry := trak.Media.SampleTable.Descriptions[0]
		info, err := streamInfoFromTrack(trak, moov)
		if err != nil {
			return err
		}
		t := &parserTrack{
			info:      info,
			entry:     entry,
			timescale: trak.Media.Header.Timescale,
		}
		if ext := moov.Extends; ext != nil {
			for _, trex := range ext.Tracks {
				if trex.TrackID == trak.Header.TrackID {
					t.defaultDuration = trex.DefaultSampleDuration
					t.defaultSize = trex.DefaultSampleSize
					t.defaultFlags = trex.DefaultSampleFlags
				}
			}
		}
		if entry.IsProtected() && entry.Sinf != nil {
			anyEncrypted = true
			t.scheme = media.ProtectionScheme(entry.Sinf.SchemeType)
			t.perSampleIVSize = entry.Sinf.Tenc.DefaultPerSampleIVSize
			t.defaultKID = entry.Sinf.Tenc.DefaultKID
		}
		p.tracks[trak.Header.TrackID] = t
		infos = append(infos, info)

		if len(trak.Media.SampleTable.SampleSizes) > 0 {
			if err := p.queueUnfragmentedSamples(trak); err != nil {
				return err
			}
		}
	}

	if anyEncrypted && p.keys != nil && len(moov.Pssh) > 0 {
		raw := moov.Pssh[0].Marshal()
		if err := p.keys.FetchByPSSH(raw); err != nil {
			return err
		}
	}

	p.initialized = true
	if p.cb.OnStreams != nil {
		p.cb.OnStreams(infos)
	}
	return nil
}

func streamInfoFromTrack(trak *Track, moov *Movie) (*media.StreamInfo, error) {
	entry := trak.Media.SampleTable.Descriptions[0]
	kind := KindFromHandler(trak.Media.HandlerType)
	info := &media.StreamInfo{
		Kind:      kind,
		TrackID:   trak.Header.TrackID,
		TimeScale: trak.Media.Header.Timescale,
		Duration:  trak.Media.Header.Duration,
		Language:  media.NormalizeLanguage(trak.Media.Header.Language),
		Encrypted: entry.IsProtected(),
		ExtraData: append([]byte(nil), entry.CodecConfig...),
	}

	switch entry.CodecConfigType {
	case "avcC":
		cfg, err := codecs.ParseAVCDecoderConfig(entry.CodecConfig)
		if err != nil {
			return nil, err
		}
		info.Codec = media.CodecH264
		info.CodecString = cfg.CodecString()
		v := &media.VideoInfo{
			Width: uint32(entry.Width), Height: uint32(entry.Height),
			PixelWidth: 1, PixelHeight: 1,
			NALULengthSize: cfg.LengthSize,
		}
		if len(cfg.SPS) > 0 {
			if sps, err := codecs.ParseAVCSPS(cfg.SPS[0]); err == nil {
				v.PixelWidth, v.PixelHeight = sps.SARWidth, sps.SARHeight
			}
		}
		if entry.PixelWidth > 0 {
			v.PixelWidth, v.PixelHeight = entry.PixelWidth, entry.PixelHeight
		}
		info.Video = v
	case "hvcC":
		cfg, err := codecs.ParseHEVCDecoderConfig(entry.CodecConfig)
		if err != nil {
			return nil, err
		}
		info.Codec = media.CodecH265
		info.CodecString = cfg.CodecString()
		info.Video = &media.VideoInfo{
			Width: uint32(entry.Width), Height: uint32(entry.Height),
			PixelWidth: 1, PixelHeight: 1,
			NALULengthSize: cfg.LengthSize,
		}
		if entry.PixelWidth > 0 {
			info.Video.PixelWidth, info.Video.PixelHeight = entry.PixelWidth, entry.PixelHeight
		}
	case "vpcC":
		if len(entry.CodecConfig) < 4 {
			return nil, status.New(status.ParserFailure, "truncated vpcC")
		}
		cfg, err := codecs.ParseVPCodecConfig(entry.CodecConfig[4:])
		if err != nil {
			return nil, err
		}
		info.Codec = media.CodecVP9
		info.CodecString = cfg.CodecString()
		info.Video = &media.VideoInfo{
			Width: uint32(entry.Width), Height: uint32(entry.Height),
			PixelWidth: 1, PixelHeight: 1,
		}
	case "esds":
		cfg, err := codecs.ParseAACAudioSpecificConfig(entry.CodecConfig)
		if err != nil {
			return nil, err
		}
		info.Codec = media.CodecAAC
		info.CodecString = cfg.CodecString()
		info.Audio = &media.AudioInfo{
			SampleBits:        uint32(entry.SampleSize),
			NumChannels:       cfg.OutputChannels(),
			SamplingFrequency: cfg.OutputFrequency(),
			MaxBitrate:        entry.MaxBitrate,
			AvgBitrate:        entry.AvgBitrate,
		}
	case "dOps":
		info.Codec = media.CodecOpus
		info.CodecString = "opus"
		info.Audio = &media.AudioInfo{
			SampleBits:        uint32(entry.SampleSize),
			NumChannels:       uint32(entry.ChannelCount),
			SamplingFrequency: 48000,
		}
	case "vttC":
		info.Codec = media.CodecText
		info.CodecString = "wvtt"
		info.Text = &media.TextInfo{CodecConfig: append([]byte(nil), entry.CodecConfig...)}
	default:
		return nil, status.Newf(status.Unimplemented, "unsupported sample entry %q", entry.UnprotectedFormat())
	}
	return info, nil
}

// queueUnfragmentedSamples walks the stbl tables and queues every sample
// with its absolute file range.
func (p *Parser) queueUnfragmentedSamples(trak *Track) error {
	stbl := &trak.Media.SampleTable
	if len(stbl.SampleToChunk) == 0 || len(stbl.ChunkOffsets) == 0 {
		return status.New(status.ParserFailure, "sample table missing chunk maps")
	}

	// Expand per-sample dts/duration from stts.
	var durations []uint32
	for _, e := range stbl.TimeToSample {
		for i := uint32(0); i < e.SampleCount; i++ {
			durations = append(durations, e.SampleDelta)
		}
	}
	if len(durations) != len(stbl.SampleSizes) {
		return status.Newf(status.ParserFailure, "stts covers %d samples, stsz %d", len(durations), len(stbl.SampleSizes))
	}
	// Composition offsets from ctts.
	ctsOffsets := make([]int64, len(durations))
	idx := 0
	for _, e := range stbl.CompositionOffset {
		for i := uint32(0); i < e.SampleCount && idx < len(ctsOffsets); i++ {
			ctsOffsets[idx] = e.SampleOffset
			idx++
		}
	}
	sync := map[uint32]bool{}
	for _, n := range stbl.SyncSamples {
		sync[n] = true
	}

	isSync := func(sampleNum uint32) bool {
		if !stbl.HasSyncSampleBox {
			return true
		}
		return sync[sampleNum]
	}

	var dts int64
	sampleNum := uint32(0)
	chunkIdx := 0
	for sc := 0; sc < len(stbl.SampleToChunk); sc++ {
		entry := stbl.SampleToChunk[sc]
		lastChunk := uint32(len(stbl.ChunkOffsets))
		if sc+1 < len(stbl.SampleToChunk) {
			lastChunk = stbl.SampleToChunk[sc+1].FirstChunk - 1
		}
		for chunk := entry.FirstChunk; chunk <= lastChunk; chunk++ {
			if chunkIdx >= len(stbl.ChunkOffsets) {
				break
			}
			offset := stbl.ChunkOffsets[chunkIdx]
			chunkIdx++
			for i := uint32(0); i < entry.SamplesPerChunk; i++ {
				if int(sampleNum) >= len(stbl.SampleSizes) {
					break
				}
				size := stbl.SampleSizes[sampleNum]
				duration := int64(durations[sampleNum])
				p.pending = append(p.pending, pendingSample{
					trackID:    trak.Header.TrackID,
					offset:     offset,
					size:       size,
					dts:        dts,
					pts:        dts + ctsOffsets[sampleNum],
					duration:   duration,
					isKeyFrame: isSync(sampleNum + 1),
				})
				offset += uint64(size)
				dts += duration
				sampleNum++
			}
		}
	}
	sort.SliceStable(p.pending, func(i, j int) bool { return p.pending[i].offset < p.pending[j].offset })
	return nil
}

func (p *Parser) handleMoof(payload []byte) error {
	if !p.initialized {
		return status.New(status.ParserFailure, "moof before moov")
	}
	ivSizes := map[uint32]uint8{}
	for id, t := range p.tracks {
		ivSizes[id] = t.perSampleIVSize
	}
	moof, err := UnmarshalMovieFragment(payload, ivSizes)
	if err != nil {
		return err
	}
	moofStart := p.parsePos

	for _, traf := range moof.Tracks {
		t, ok := p.tracks[traf.Header.TrackID]
		if !ok {
			continue
		}
		base := moofStart
		if traf.Header.Flags&TfhdBaseDataOffsetPresent != 0 {
			base = traf.Header.BaseDataOffset
		}
		dts := int64(t.nextDecodeTime)
		if traf.HasTfdt {
			dts = int64(traf.DecodeTime)
		}
		defaultDuration := traf.Header.DefaultSampleDuration
		if traf.Header.Flags&TfhdDefaultSampleDurationPresent == 0 {
			defaultDuration = t.defaultDuration
		}
		defaultSize := traf.Header.DefaultSampleSize
		if traf.Header.Flags&TfhdDefaultSampleSizePresent == 0 {
			defaultSize = t.defaultSize
		}
		defaultFlags := traf.Header.DefaultSampleFlags
		if traf.Header.Flags&TfhdDefaultSampleFlagsPresent == 0 {
			defaultFlags = t.defaultFlags
		}

		// Key rotation groups override the track defaults.
		groupEntries := t.defaultGroupEntries(traf)

		sampleIdx := 0
		for _, run := range traf.Runs {
			offset := base
			if run.Flags&TrunDataOffsetPresent != 0 {
				offset = base + uint64(run.DataOffset)
			}
			for i, e := range run.Entries {
				duration := e.Duration
				if run.Flags&TrunSampleDurationPresent == 0 {
					duration = defaultDuration
				}
				size := e.Size
				if run.Flags&TrunSampleSizePresent == 0 {
					size = defaultSize
				}
				flags := e.Flags
				if run.Flags&TrunSampleFlagsPresent == 0 {
					flags = defaultFlags
				}
				if i == 0 && run.Flags&TrunFirstSampleFlagsPresent != 0 {
					flags = run.FirstSampleFlags
				}
				cts := int64(0)
				if run.Flags&TrunSampleCTSOffsetPresent != 0 {
					cts = e.CTSOffset
				}

				ps := pendingSample{
					trackID:    traf.Header.TrackID,
					offset:     offset,
					size:       size,
					dts:        dts,
					pts:        dts + cts,
					duration:   int64(duration),
					isKeyFrame: flags&0x00010000 == 0, // non_sync_sample bit clear
				}
				if t.info.Encrypted && traf.Senc != nil && sampleIdx < len(traf.Senc.Entries) {
					senc := traf.Senc.Entries[sampleIdx]
					cfg := &media.EncryptionConfig{
						Scheme:      t.scheme,
						PerSampleIV: append([]byte(nil), senc.IV...),
						KeyID:       append([]byte(nil), t.keyIDForSample(groupEntries, traf, sampleIdx)...),
					}
					for _, sub := range senc.Subsamples {
						cfg.Subsamples = append(cfg.Subsamples, media.Subsample{
							ClearBytes: sub.ClearBytes, CipherBytes: sub.CipherBytes,
						})
					}
					ps.config = cfg
				}
				p.pending = append(p.pending, ps)
				offset += uint64(size)
				dts += int64(duration)
				sampleIdx++
			}
		}
		t.nextDecodeTime = uint64(dts)
	}
	sort.SliceStable(p.pending, func(i, j int) bool { return p.pending[i].offset < p.pending[j].offset })
	return nil
}

// defaultGroupEntries collects the seig descriptions for the fragment.
func (t *parserTrack) defaultGroupEntries(traf *TrackFragment) []CencSampleEncryptionInfoEntry {
	if traf.Sgpd != nil && traf.Sgpd.GroupingType == "seig" {
		return traf.Sgpd.CencEntries
	}
	return nil
}

// keyIDForSample resolves the key id considering seig sample groups.
func (t *parserTrack) keyIDForSample(groups []CencSampleEncryptionInfoEntry, traf *TrackFragment, sampleIdx int) []byte {
	if traf.Sbgp == nil || traf.Sbgp.GroupingType != "seig" || len(groups) == 0 {
		return t.defaultKID
	}
	n := sampleIdx
	for _, e := range traf.Sbgp.Entries {
		if n < int(e.SampleCount) {
			idx := e.GroupDescriptionIndex
			// Indices over 0x10000 reference fragment-local descriptions.
			if idx > 0x10000 {
				idx -= 0x10001
				if int(idx) < len(groups) {
					return groups[idx].KeyID
				}
			}
			return t.defaultKID
		}
		n -= int(e.SampleCount)
	}
	return t.defaultKID
}

// emitAvailable pushes every queued sample whose payload is fully buffered.
func (p *Parser) emitAvailable() error {
	for len(p.pending) > 0 {
		ps := p.pending[0]
		data := p.available(ps.offset)
		if uint64(len(data)) < uint64(ps.size) {
			return nil
		}
		t := p.tracks[ps.trackID]
		sample := &media.MediaSample{
			DTS:        ps.dts,
			PTS:        ps.pts,
			Duration:   ps.duration,
			IsKeyFrame: ps.isKeyFrame,
			Data:       append([]byte(nil), data[:ps.size]...),
			Config:     ps.config,
		}
		p.pending = p.pending[1:]
		if t == nil || p.cb.OnSample == nil {
			continue
		}
		if !p.cb.OnSample(ps.trackID, sample) {
			return status.New(status.Cancelled, "sample callback cancelled parsing")
		}
	}
	return nil
}

// trim discards buffered bytes no longer reachable by the parser or any
// pending sample.
func (p *Parser) trim() {
	if !p.initialized {
		return
	}
	keep := p.parsePos
	if len(p.pending) > 0 && p.pending[0].offset < keep {
		keep = p.pending[0].offset
	}
	if keep <= p.bufOffset {
		return
	}
	drop := keep - p.bufOffset
	if drop > uint64(len(p.buf)) {
		drop = uint64(len(p.buf))
	}
	p.buf = p.buf[drop:]
	p.bufOffset += drop
}
