package packager

import (
	"context"
	"encoding/hex"
	"log/slog"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/3QSDN/shaka-packager/internal/crypto"
	"github.com/3QSDN/shaka-packager/internal/cue"
	"github.com/3QSDN/shaka-packager/internal/event"
	"github.com/3QSDN/shaka-packager/internal/hls"
	"github.com/3QSDN/shaka-packager/internal/keysource"
	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/mp4"
	"github.com/3QSDN/shaka-packager/internal/mpd"
	"github.com/3QSDN/shaka-packager/internal/status"

	// Container parsers register themselves for the demuxer probe.
	_ "github.com/3QSDN/shaka-packager/internal/mpegts"
	_ "github.com/3QSDN/shaka-packager/internal/webm"
	_ "github.com/3QSDN/shaka-packager/internal/webvtt"
	_ "github.com/3QSDN/shaka-packager/internal/wvm"
)

const defaultBandwidth = 1000000

// Packager runs one packaging job: a set of stream descriptors against one
// set of packaging parameters.
type Packager struct {
	log         *slog.Logger
	params      PackagingParams
	descriptors []StreamDescriptor
	keySource   keysource.KeySource

	demuxers map[string]*media.Demuxer
	cueQueue *cue.SyncPointQueue

	mpdNotifier *mpd.Notifier
	hlsNotifier *hls.Notifier
}

// New validates the job and returns a Packager. keySource may be nil for
// clear content with clear sources.
func New(params PackagingParams, descriptors []StreamDescriptor, src keysource.KeySource) (*Packager, error) {
	if len(descriptors) == 0 {
		return nil, status.New(status.InvalidArgument, "no stream descriptors")
	}
	if params.Encryption != nil && src == nil {
		return nil, status.New(status.InvalidArgument, "encryption configured without a key source")
	}
	return &Packager{
		log:         slog.With("component", "packager"),
		params:      params.withDefaults(),
		descriptors: descriptors,
		keySource:   src,
	}, nil
}

// Cancel requests a prompt stop of every thread in the job.
func (p *Packager) Cancel() {
	for _, d := range p.demuxers {
		d.Cancel()
	}
	if p.cueQueue != nil {
		p.cueQueue.Cancel()
	}
}

// NewKeySource builds the key source described by the encryption params.
func NewKeySource(enc *EncryptionParams) (keysource.KeySource, error) {
	if enc == nil {
		return nil, nil
	}
	if enc.KeyServerURL != "" {
		var signer keysource.Signer
		if len(enc.SignerKeyPEM) > 0 {
			s, err := keysource.NewRSASigner(enc.SignerName, enc.SignerKeyPEM)
			if err != nil {
				return nil, err
			}
			signer = s
		}
		count := uint32(0)
		if enc.CryptoPeriodSeconds > 0 {
			count = 10
		}
		src := keysource.NewWidevine(keysource.WidevineOptions{
			ServerURL:         enc.KeyServerURL,
			Signer:            signer,
			CryptoPeriodCount: count,
		})
		contentID, err := hex.DecodeString(enc.ContentIDHex)
		if err != nil {
			return nil, status.Newf(status.InvalidArgument, "bad content id hex %q", enc.ContentIDHex)
		}
		if err := src.Fetch(keysource.FetchRequest{
			Kind:      keysource.FetchByContentID,
			ContentID: contentID,
			Policy:    enc.Policy,
		}); err != nil {
			return nil, err
		}
		return src, nil
	}
	return keysource.NewFixed(keysource.FixedOptions{
		KeyIDHex:    enc.KeyIDHex,
		KeyHex:      enc.KeyHex,
		IVHex:       enc.IVHex,
		PsshDataHex: enc.PsshDataHex,
	})
}

// Run executes the job, blocking until every stream finishes or fails. On
// success the manifests are written last; on failure they are never written.
func (p *Packager) Run(ctx context.Context) error {
	if err := p.setupNotifiers(); err != nil {
		return err
	}

	// One demuxer per distinct input.
	p.demuxers = map[string]*media.Demuxer{}
	var inputs []string
	for _, d := range p.descriptors {
		if _, ok := p.demuxers[d.Input]; !ok {
			p.demuxers[d.Input] = media.NewDemuxer(d.Input, keysource.AsKeyFetcher(p.keySource))
			inputs = append(inputs, d.Input)
		}
	}
	for _, name := range inputs {
		if err := p.demuxers[name].Initialize(ctx); err != nil {
			return err
		}
	}

	// Resolve track selection and count promoting (video) outputs.
	type outputPlan struct {
		desc    StreamDescriptor
		info    *media.StreamInfo
		trackID uint32
		index   int
	}
	var plans []outputPlan
	promoters := 0
	for i, d := range p.descriptors {
		info, err := selectStream(p.demuxers[d.Input].Streams(), d.Stream)
		if err != nil {
			return err
		}
		if info.Kind == media.KindVideo {
			promoters++
		}
		plans = append(plans, outputPlan{desc: d, info: info, trackID: info.TrackID, index: i})
	}
	if len(p.params.AdCues) > 0 {
		p.cueQueue = cue.NewSyncPointQueue(p.params.AdCues, promoters)
	}

	g, ctx := errgroup.WithContext(ctx)
	streamsByInput := map[string][]*media.Stream{}
	for _, plan := range plans {
		stream := media.NewStream(0)
		if err := p.demuxers[plan.desc.Input].Attach(plan.trackID, plan.index, stream); err != nil {
			return err
		}
		streamsByInput[plan.desc.Input] = append(streamsByInput[plan.desc.Input], stream)
		chain, err := p.buildChain(plan.desc, plan.info, plan.index)
		if err != nil {
			return err
		}
		g.Go(func() error { return stream.Run(ctx, chain) })
	}
	for _, name := range inputs {
		demuxer := p.demuxers[name]
		streams := streamsByInput[name]
		g.Go(func() error {
			if err := demuxer.Run(ctx); err != nil {
				return err
			}
			// The demuxer has pushed EOS on every track; closing lets each
			// consumer flush and return.
			for _, s := range streams {
				s.Close()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if p.mpdNotifier != nil {
			p.mpdNotifier.SetFailed()
		}
		if p.hlsNotifier != nil {
			p.hlsNotifier.SetFailed()
		}
		return err
	}

	if p.mpdNotifier != nil {
		if err := p.mpdNotifier.Flush(); err != nil {
			return err
		}
	}
	if p.hlsNotifier != nil {
		if err := p.hlsNotifier.Flush(); err != nil {
			return err
		}
	}
	p.log.Info("packaging complete", "streams", len(p.descriptors))
	return nil
}

func (p *Packager) setupNotifiers() error {
	if p.params.MPDOutput != "" {
		mpdType := mpd.Static
		if p.params.Dynamic {
			mpdType = mpd.Dynamic
		}
		p.mpdNotifier = mpd.NewNotifier(mpd.Options{
			Type:                 mpdType,
			MinBufferTimeSeconds: p.params.MinBufferTime,
			TimeShiftBufferDepth: p.params.TimeShiftBufferDepth,
			BaseURL:              p.params.BaseURL,
		}, p.params.MPDOutput)
	}
	if p.params.HLSMasterPlaylist != "" {
		playlistType := hls.VOD
		switch p.params.HLSPlaylistType {
		case "EVENT":
			playlistType = hls.Event
		case "LIVE":
			playlistType = hls.Live
		}
		p.hlsNotifier = hls.NewNotifier(hls.NotifierOptions{
			MasterPlaylistPath:   p.params.HLSMasterPlaylist,
			PlaylistType:         playlistType,
			DefaultLanguage:      p.params.DefaultLanguage,
			TimeShiftBufferDepth: p.params.TimeShiftBufferDepth,
		})
	}
	return nil
}

// selectStream resolves "video", "audio", "text" or a numeric index against
// the source's streams.
func selectStream(streams []*media.StreamInfo, selector string) (*media.StreamInfo, error) {
	switch selector {
	case "video", "audio", "text":
		var kind media.StreamKind
		switch selector {
		case "video":
			kind = media.KindVideo
		case "audio":
			kind = media.KindAudio
		case "text":
			kind = media.KindText
		}
		for _, s := range streams {
			if s.Kind == kind {
				return s, nil
			}
		}
		return nil, status.Newf(status.NotFound, "no %s stream in source", selector)
	}
	n, err := strconv.Atoi(selector)
	if err != nil || n < 0 || n >= len(streams) {
		return nil, status.Newf(status.InvalidArgument, "bad stream selector %q", selector)
	}
	return streams[n], nil
}

// buildChain assembles the handler pipeline for one output.
func (p *Packager) buildChain(desc StreamDescriptor, info *media.StreamInfo, index int) (media.Handler, error) {
	bandwidth := desc.Bandwidth
	if bandwidth == 0 {
		bandwidth = defaultBandwidth
	}

	listeners := event.NewCombinedListener()
	if p.mpdNotifier != nil {
		output := mpd.RepresentationOutput{}
		if desc.SegmentTemplate != "" {
			output.InitSegment = filepath.Base(desc.Output)
			output.SegmentTemplate = filepath.Base(desc.SegmentTemplate)
		} else {
			output.Media = filepath.Base(desc.Output)
		}
		listeners.Add(p.mpdNotifier.NewListener(bandwidth, output))
	}
	if p.hlsNotifier != nil {
		name := desc.HLSPlaylistName
		if name == "" {
			name = "stream_" + strconv.Itoa(index) + ".m3u8"
		}
		initURI := ""
		if desc.SegmentTemplate != "" {
			initURI = desc.Output
		}
		listeners.Add(p.hlsNotifier.NewListener(name, desc.HLSGroupID, desc.HLSName, initURI, bandwidth))
	}

	muxer := mp4.NewMuxer(mp4.MuxerOptions{
		Output:             desc.Output,
		SegmentTemplate:    desc.SegmentTemplate,
		TempDir:            p.params.TempDir,
		Bandwidth:          bandwidth,
		FragmentDuration:   p.params.FragmentDuration,
		SegmentDuration:    p.params.SegmentDuration,
		FragmentSAPAligned: p.params.FragmentSAPAligned,
		SegmentSAPAligned:  p.params.SegmentSAPAligned,
	}, listeners)

	var stages []media.ChainableHandler
	if info.Encrypted && p.keySource != nil {
		stages = append(stages, crypto.NewDecryptor(keyAdapter{keysource.AsKeyFetcher(p.keySource)}))
	}
	if desc.TrickPlayFactor > 1 {
		stages = append(stages, newTrickPlayHandler(desc.TrickPlayFactor))
	}
	if p.cueQueue != nil {
		stages = append(stages, cue.NewHandler(p.cueQueue))
	}
	if p.params.Encryption != nil && !desc.SkipEncryption {
		enc, err := crypto.NewEncryptor(p.keySource, crypto.EncryptionOptions{
			Scheme:              media.ProtectionScheme(p.params.Encryption.Scheme),
			ClearLeadSeconds:    p.params.Encryption.ClearLeadSeconds,
			CryptoPeriodSeconds: p.params.Encryption.CryptoPeriodSeconds,
			IVSize:              p.params.Encryption.IVSize,
		})
		if err != nil {
			return nil, err
		}
		stages = append(stages, enc)
	}
	stages = append(stages, newDescriptorOverrides(desc))
	return media.Chain(muxer, stages...), nil
}

// keyAdapter narrows the parser key fetcher to the decryptor's interface.
type keyAdapter struct{ fetcher media.KeyFetcher }

func (k keyAdapter) Key(keyID []byte) ([]byte, error) { return k.fetcher.Key(keyID) }

// descriptorOverrides applies per-descriptor stream info overrides
// (language, trick play factor) before the muxer sees the stream.
type descriptorOverrides struct {
	media.BaseHandler
	desc StreamDescriptor
}

func newDescriptorOverrides(desc StreamDescriptor) *descriptorOverrides {
	return &descriptorOverrides{desc: desc}
}

func (h *descriptorOverrides) Process(d *media.StreamData) error {
	if d.Type != media.DataStreamInfo {
		return h.Dispatch(d)
	}
	info := d.Info.Clone()
	if h.desc.Language != "" {
		info.Language = media.NormalizeLanguage(h.desc.Language)
	}
	if h.desc.TrickPlayFactor > 0 && info.Video != nil {
		info.Video.TrickPlayFactor = h.desc.TrickPlayFactor
	}
	return h.Dispatch(&media.StreamData{StreamIndex: d.StreamIndex, Type: media.DataStreamInfo, Info: info})
}

func (h *descriptorOverrides) Flush() error { return h.FlushDown() }

// trickPlayHandler keeps every Nth key frame, producing a reduced-rate
// rendition for fast scrubbing.
type trickPlayHandler struct {
	media.BaseHandler
	factor    uint32
	keyFrames uint32
}

func newTrickPlayHandler(factor uint32) *trickPlayHandler {
	return &trickPlayHandler{factor: factor}
}

func (h *trickPlayHandler) Process(d *media.StreamData) error {
	if d.Type != media.DataMediaSample || d.Sample.IsEOS() {
		return h.Dispatch(d)
	}
	if !d.Sample.IsKeyFrame {
		return nil
	}
	keep := h.keyFrames%h.factor == 0
	h.keyFrames++
	if !keep {
		return nil
	}
	// Durations are re-derived downstream from the kept samples' spacing.
	d.Sample.Duration = 0
	return h.Dispatch(d)
}

func (h *trickPlayHandler) Flush() error { return h.FlushDown() }
