// Package packager wires the full pipeline: demuxers per input source,
// per-output handler chains (decrypt, cue-align, encrypt, mux), and the
// manifest notifiers, running them across goroutines with bounded queues.
package packager

import (
	"strconv"
	"strings"

	"github.com/3QSDN/shaka-packager/internal/status"
)

// StreamDescriptor selects one stream of one input and describes its
// output, parsed from the comma-separated key=value CLI form.
type StreamDescriptor struct {
	Input           string
	Stream          string // "audio", "video", "text" or a stream index
	Output          string
	SegmentTemplate string
	SkipEncryption  bool
	TrickPlayFactor uint32
	Bandwidth       uint32
	Language        string
	HLSName         string
	HLSGroupID      string
	HLSPlaylistName string
}

// ParseStreamDescriptor parses "input=a.mp4,stream=video,output=v.mp4,...".
func ParseStreamDescriptor(s string) (StreamDescriptor, error) {
	var d StreamDescriptor
	for _, field := range strings.Split(s, ",") {
		if field == "" {
			continue
		}
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return d, status.Newf(status.InvalidArgument, "bad stream descriptor field %q", field)
		}
		key, value := kv[0], kv[1]
		switch key {
		case "input", "in":
			d.Input = value
		case "stream", "stream_selector":
			d.Stream = value
		case "output", "out":
			d.Output = value
		case "segment_template":
			d.SegmentTemplate = value
		case "skip_encryption":
			d.SkipEncryption = value == "1" || value == "true"
		case "trick_play_factor":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return d, status.Newf(status.InvalidArgument, "bad trick_play_factor %q", value)
			}
			d.TrickPlayFactor = uint32(n)
		case "bandwidth", "bw":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return d, status.Newf(status.InvalidArgument, "bad bandwidth %q", value)
			}
			d.Bandwidth = uint32(n)
		case "language", "lang":
			d.Language = value
		case "hls_name":
			d.HLSName = value
		case "hls_group_id":
			d.HLSGroupID = value
		case "playlist_name", "hls_playlist_name":
			d.HLSPlaylistName = value
		default:
			return d, status.Newf(status.InvalidArgument, "unknown stream descriptor key %q", key)
		}
	}
	if d.Input == "" {
		return d, status.New(status.InvalidArgument, "stream descriptor missing input")
	}
	if d.Stream == "" {
		return d, status.New(status.InvalidArgument, "stream descriptor missing stream selector")
	}
	if d.Output == "" && d.SegmentTemplate == "" {
		return d, status.New(status.InvalidArgument, "stream descriptor missing output")
	}
	return d, nil
}
