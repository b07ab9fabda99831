package hls

import (
	"fmt"
	"strings"

	"github.com/3QSDN/shaka-packager/internal/media"
)

// MasterPlaylist renders the top-level playlist referencing every media
// playlist.
type MasterPlaylist struct {
	DefaultLanguage string
}

// Build renders the master playlist from the given media playlists.
func (m *MasterPlaylist) Build(playlists []*MediaPlaylist) string {
	var videos, audios []*MediaPlaylist
	for _, p := range playlists {
		switch p.Kind {
		case media.KindVideo:
			videos = append(videos, p)
		case media.KindAudio:
			audios = append(audios, p)
		}
	}

	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	fmt.Fprintf(&sb, "#EXT-X-VERSION:%d\n", version)

	// Audio renditions grouped by group id. DEFAULT lands on the first
	// rendition matching the default language, AUTOSELECT on the first of
	// each distinct language.
	groups := map[string][]*MediaPlaylist{}
	var groupOrder []string
	for _, a := range audios {
		gid := a.GroupID
		if gid == "" {
			gid = "audio"
		}
		if _, ok := groups[gid]; !ok {
			groupOrder = append(groupOrder, gid)
		}
		groups[gid] = append(groups[gid], a)
	}

	defaultAssigned := false
	autoselected := map[string]bool{}
	for _, gid := range groupOrder {
		for _, a := range groups[gid] {
			line := fmt.Sprintf("#EXT-X-MEDIA:TYPE=AUDIO,URI=%q,GROUP-ID=%q", a.Name, gid)
			if a.Language != "" && a.Language != "und" {
				line += fmt.Sprintf(",LANGUAGE=%q", a.Language)
			}
			name := a.StreamName
			if name == "" {
				name = "stream_" + a.Name
			}
			line += fmt.Sprintf(",NAME=%q", name)
			if !defaultAssigned && (m.DefaultLanguage == "" || a.Language == m.DefaultLanguage) {
				line += ",DEFAULT=YES,AUTOSELECT=YES"
				defaultAssigned = true
				autoselected[a.Language] = true
			} else if !autoselected[a.Language] {
				line += ",AUTOSELECT=YES"
				autoselected[a.Language] = true
			}
			if a.Channels > 0 {
				line += fmt.Sprintf(",CHANNELS=%q", fmt.Sprintf("%d", a.Channels))
			}
			sb.WriteString(line + "\n")
		}
	}

	maxAudioBandwidth := map[string]uint32{}
	audioCodec := map[string]string{}
	for _, gid := range groupOrder {
		for _, a := range groups[gid] {
			if a.Bandwidth > maxAudioBandwidth[gid] {
				maxAudioBandwidth[gid] = a.Bandwidth
			}
			if audioCodec[gid] == "" {
				audioCodec[gid] = a.Codec
			}
		}
	}

	writeVariant := func(v *MediaPlaylist, gid string) {
		bandwidth := v.Bandwidth
		codecs := v.Codec
		if gid != "" {
			bandwidth += maxAudioBandwidth[gid]
			if audioCodec[gid] != "" {
				codecs += "," + audioCodec[gid]
			}
		}
		line := fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,CODECS=%q", bandwidth, codecs)
		if v.Width > 0 {
			line += fmt.Sprintf(",RESOLUTION=%dx%d", v.Width, v.Height)
		}
		if gid != "" {
			line += fmt.Sprintf(",AUDIO=%q", gid)
		}
		sb.WriteString(line + "\n" + v.Name + "\n")
	}

	for _, v := range videos {
		if len(groupOrder) == 0 {
			writeVariant(v, "")
			continue
		}
		for _, gid := range groupOrder {
			writeVariant(v, gid)
		}
	}
	// Audio-only presentations list the audio playlists as variants.
	if len(videos) == 0 {
		for _, gid := range groupOrder {
			for _, a := range groups[gid] {
				line := fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,CODECS=%q\n%s\n", a.Bandwidth, a.Codec, a.Name)
				sb.WriteString(line)
			}
		}
	}
	return sb.String()
}
