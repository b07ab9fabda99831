package mp4

import (
	"bytes"

	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// Fragmenter accumulates one track's samples into a traf+mdat pair. The
// muxer owns fragment boundary policy; the fragmenter only collects and
// finalizes.
type Fragmenter struct {
	info    *media.StreamInfo
	trackID uint32

	entries     []TrunEntry
	mdat        []byte
	sencEntries []SencEntry
	sampleKIDs  [][]byte // per committed sample; nil when clear

	fragmentDuration         int64
	earliestPresentationTime int64
	firstSAPTime             int64
	hasSAPTime               bool
	decodeTime               uint64 // tfdt of the open fragment
	firstSampleSeen          bool
	baseKeyID                []byte
}

// NewFragmenter returns a fragmenter for the stream.
func NewFragmenter(info *media.StreamInfo) *Fragmenter {
	return &Fragmenter{info: info, trackID: info.TrackID}
}

// SetBaseKeyID records the tenc default key id so sample groups are only
// emitted when rotation diverges from it.
func (f *Fragmenter) SetBaseKeyID(kid []byte) { f.baseKeyID = kid }

// FragmentDuration returns the accumulated duration of the open fragment.
func (f *Fragmenter) FragmentDuration() int64 { return f.fragmentDuration }

// Empty reports whether the open fragment holds no samples.
func (f *Fragmenter) Empty() bool { return len(f.entries) == 0 }

// AddSample appends a finalized-duration sample to the open fragment.
func (f *Fragmenter) AddSample(s *media.MediaSample) error {
	if s.Duration <= 0 {
		return status.New(status.InvalidArgument, "sample duration not finalized")
	}
	if len(f.entries) == 0 {
		f.decodeTime = uint64(s.DTS)
		f.earliestPresentationTime = s.PTS
	} else if s.PTS < f.earliestPresentationTime {
		f.earliestPresentationTime = s.PTS
	}
	if s.IsKeyFrame && !f.hasSAPTime {
		f.firstSAPTime = s.PTS
		f.hasSAPTime = true
	}

	flags := SampleFlagNonSync
	if s.IsKeyFrame {
		flags = SampleFlagSync
	}
	f.entries = append(f.entries, TrunEntry{
		Duration:  uint32(s.Duration),
		Size:      uint32(len(s.Data)),
		Flags:     flags,
		CTSOffset: s.PTS - s.DTS,
	})
	f.mdat = append(f.mdat, s.Data...)
	f.fragmentDuration += s.Duration

	if s.Config != nil {
		f.sencEntries = append(f.sencEntries, SencEntry{
			IV:         append([]byte(nil), s.Config.PerSampleIV...),
			Subsamples: sencSubsamples(s.Config.Subsamples),
		})
		f.sampleKIDs = append(f.sampleKIDs, s.Config.KeyID)
	} else {
		f.sampleKIDs = append(f.sampleKIDs, nil)
	}
	return nil
}

func sencSubsamples(subs []media.Subsample) []SencSubsample {
	out := make([]SencSubsample, 0, len(subs))
	for _, s := range subs {
		out = append(out, SencSubsample{ClearBytes: s.ClearBytes, CipherBytes: s.CipherBytes})
	}
	return out
}

// Fragment is a finalized traf with its media payload and segment
// bookkeeping.
type Fragment struct {
	Traf      *TrackFragment
	MdatData  []byte
	Reference SegmentReference
}

// FinalizeFragment closes the open fragment and resets the accumulators.
func (f *Fragmenter) FinalizeFragment() (*Fragment, error) {
	if len(f.entries) == 0 {
		return nil, status.New(status.InvalidArgument, "no samples in fragment")
	}

	traf := &TrackFragment{
		Header:     TrackFragmentHeader{TrackID: f.trackID, Flags: TfhdDefaultBaseIsMoof},
		DecodeTime: f.decodeTime,
		HasTfdt:    true,
	}
	run := &TrackFragmentRun{Flags: TrunDataOffsetPresent}
	f.optimizeEntries(traf, run)
	traf.Runs = []*TrackFragmentRun{run}

	if len(f.sencEntries) > 0 {
		if len(f.sencEntries) != len(f.entries) {
			return nil, status.Newf(status.EncryptionFailure,
				"fragment mixes %d protected with %d total samples", len(f.sencEntries), len(f.entries))
		}
		f.attachAuxiliaryInfo(traf)
	}

	ref := SegmentReference{
		SubsegmentDuration:       uint32(f.fragmentDuration),
		EarliestPresentationTime: uint64(f.earliestPresentationTime),
		StartsWithSAP:            f.entries[0].Flags == SampleFlagSync,
	}
	if ref.StartsWithSAP {
		ref.SAPType = 1
	}
	if f.hasSAPTime {
		ref.FirstSAPTime = uint64(f.firstSAPTime)
		ref.HasSAPTime = true
		ref.SAPDeltaTime = uint32(f.firstSAPTime - f.earliestPresentationTime)
	}

	frag := &Fragment{Traf: traf, MdatData: f.mdat, Reference: ref}

	f.entries = nil
	f.mdat = nil
	f.sencEntries = nil
	f.sampleKIDs = nil
	f.fragmentDuration = 0
	f.hasSAPTime = false
	return frag, nil
}

// optimizeEntries raises per-sample values that agree across the run into
// tfhd defaults and drops absent fields from the trun.
func (f *Fragmenter) optimizeEntries(traf *TrackFragment, run *TrackFragmentRun) {
	sameDuration, sameSize, sameFlags, tailFlagsSame := true, true, true, true
	anyCTS := false
	first := f.entries[0]
	for i, e := range f.entries {
		if e.Duration != first.Duration {
			sameDuration = false
		}
		if e.Size != first.Size {
			sameSize = false
		}
		if e.Flags != first.Flags {
			sameFlags = false
		}
		if i >= 1 && e.Flags != f.entries[1].Flags {
			tailFlagsSame = false
		}
		if e.CTSOffset != 0 {
			anyCTS = true
		}
	}

	if sameDuration {
		traf.Header.Flags |= TfhdDefaultSampleDurationPresent
		traf.Header.DefaultSampleDuration = first.Duration
	} else {
		run.Flags |= TrunSampleDurationPresent
	}
	if sameSize {
		traf.Header.Flags |= TfhdDefaultSampleSizePresent
		traf.Header.DefaultSampleSize = first.Size
	} else {
		run.Flags |= TrunSampleSizePresent
	}
	switch {
	case sameFlags:
		traf.Header.Flags |= TfhdDefaultSampleFlagsPresent
		traf.Header.DefaultSampleFlags = first.Flags
	case len(f.entries) > 1 && tailFlagsSame:
		traf.Header.Flags |= TfhdDefaultSampleFlagsPresent
		traf.Header.DefaultSampleFlags = f.entries[1].Flags
		run.Flags |= TrunFirstSampleFlagsPresent
		run.FirstSampleFlags = first.Flags
	default:
		run.Flags |= TrunSampleFlagsPresent
	}
	if anyCTS {
		run.Flags |= TrunSampleCTSOffsetPresent
	}
	run.Entries = f.entries
}

// attachAuxiliaryInfo builds senc/saiz/saio and, when keys rotated away from
// the tenc default, the seig sample groups.
func (f *Fragmenter) attachAuxiliaryInfo(traf *TrackFragment) {
	senc := &SampleEncryption{Entries: f.sencEntries}
	traf.Senc = senc

	saiz := &SampleAuxiliaryInfoSizes{SampleCount: uint32(len(f.sencEntries))}
	sizes := make([]uint8, len(f.sencEntries))
	same := true
	for i, e := range f.sencEntries {
		size := len(e.IV)
		if len(e.Subsamples) > 0 {
			size += 2 + 6*len(e.Subsamples)
		}
		sizes[i] = uint8(size)
		if sizes[i] != sizes[0] {
			same = false
		}
	}
	if same && len(sizes) > 0 {
		saiz.DefaultSampleInfoSize = sizes[0]
	} else {
		saiz.Sizes = sizes
	}
	traf.Saiz = saiz
	// Offset is patched once the moof layout is known.
	traf.Saio = &SampleAuxiliaryInfoOffsets{Offsets: []uint64{0}}

	f.attachSampleGroups(traf)
}

func (f *Fragmenter) attachSampleGroups(traf *TrackFragment) {
	rotated := false
	for _, kid := range f.sampleKIDs {
		if kid != nil && !bytes.Equal(kid, f.baseKeyID) {
			rotated = true
			break
		}
	}
	if !rotated {
		return
	}

	sgpd := &SampleGroupDescription{GroupingType: "seig"}
	sbgp := &SampleToGroup{GroupingType: "seig"}
	groupIdx := map[string]uint32{}
	ivSize := uint8(0)
	if len(f.sencEntries) > 0 {
		ivSize = uint8(len(f.sencEntries[0].IV))
	}
	for _, kid := range f.sampleKIDs {
		key := string(kid)
		idx, ok := groupIdx[key]
		if !ok {
			entry := CencSampleEncryptionInfoEntry{
				IsProtected:     kid != nil,
				PerSampleIVSize: ivSize,
				KeyID:           kid,
			}
			if entry.KeyID == nil {
				entry.KeyID = make([]byte, 16)
				entry.PerSampleIVSize = 0
			}
			sgpd.CencEntries = append(sgpd.CencEntries, entry)
			idx = uint32(len(sgpd.CencEntries)) // 1-based
			groupIdx[key] = idx
		}
		descIdx := idx + 0x10000 // fragment-local
		if n := len(sbgp.Entries); n > 0 && sbgp.Entries[n-1].GroupDescriptionIndex == descIdx {
			sbgp.Entries[n-1].SampleCount++
		} else {
			sbgp.Entries = append(sbgp.Entries, SampleToGroupEntry{SampleCount: 1, GroupDescriptionIndex: descIdx})
		}
	}
	traf.Sgpd = sgpd
	traf.Sbgp = sbgp
}
