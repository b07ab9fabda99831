package hls

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/3QSDN/shaka-packager/internal/event"
	"github.com/3QSDN/shaka-packager/internal/file"
	"github.com/3QSDN/shaka-packager/internal/media"
)

// NotifierOptions configures the HLS output set.
type NotifierOptions struct {
	MasterPlaylistPath string
	PlaylistType       PlaylistType
	DefaultLanguage    string
	// TimeShiftBufferDepth in seconds; > 0 slides live playlists.
	TimeShiftBufferDepth float64
}

// Notifier owns every media playlist plus the master playlist.
type Notifier struct {
	mu        sync.Mutex
	opts      NotifierOptions
	playlists []*MediaPlaylist
	log       *slog.Logger
	failed    bool
}

// NewNotifier returns an HLS notifier.
func NewNotifier(opts NotifierOptions) *Notifier {
	return &Notifier{
		opts: opts,
		log:  slog.With("component", "hls_notifier", "output", opts.MasterPlaylistPath),
	}
}

// SetFailed marks the presentation bad; playlists are then never written.
func (n *Notifier) SetFailed() {
	n.mu.Lock()
	n.failed = true
	n.mu.Unlock()
}

// NewListener returns the muxer listener for one track's playlist.
// initSegmentURI may be empty for single-file outputs.
func (n *Notifier) NewListener(playlistName, groupID, streamName, initSegmentURI string, bandwidth uint32) event.MuxerListener {
	p := NewMediaPlaylist(playlistName, n.opts.PlaylistType)
	p.GroupID = groupID
	p.StreamName = streamName
	p.Bandwidth = bandwidth
	if initSegmentURI != "" {
		p.SetInitSegment(filepath.Base(initSegmentURI))
	}
	n.mu.Lock()
	n.playlists = append(n.playlists, p)
	n.mu.Unlock()
	return &hlsListener{notifier: n, playlist: p}
}

// Flush writes every media playlist and the master playlist atomically.
func (n *Notifier) Flush() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failed {
		return nil
	}
	for _, p := range n.playlists {
		if err := writeAtomic(siblingPath(n.opts.MasterPlaylistPath, p.Name), p.Build()); err != nil {
			return err
		}
	}
	master := &MasterPlaylist{DefaultLanguage: n.opts.DefaultLanguage}
	return writeAtomic(n.opts.MasterPlaylistPath, master.Build(n.playlists))
}

// siblingPath replaces the final path component of base with name, keeping
// any URI scheme prefix intact.
func siblingPath(base, name string) string {
	if i := strings.Index(base, "://"); i >= 0 {
		scheme, rest := base[:i+3], base[i+3:]
		return scheme + filepath.Join(filepath.Dir(rest), name)
	}
	return filepath.Join(filepath.Dir(base), name)
}

func writeAtomic(path, contents string) error {
	f, err := file.OpenAtomic(path)
	if err != nil {
		return err
	}
	if _, err := f.Write([]byte(contents)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type hlsListener struct {
	event.NopListener
	notifier *Notifier
	playlist *MediaPlaylist

	pendingScheme  media.ProtectionScheme
	pendingKeyID   []byte
	pendingIV      []byte
	pendingSystems []media.ProtectionSystemInfo
	havePending    bool
}

func (l *hlsListener) OnMediaStart(info *media.StreamInfo, timeScale uint32) {
	l.notifier.mu.Lock()
	defer l.notifier.mu.Unlock()
	l.playlist.SetMediaInfo(info, timeScale)
	if l.playlist.Language == "" || l.playlist.Language == "und" {
		l.playlist.Language = info.Language
	}
}

// OnEncryptionInfoReady stores the initial key until encryption actually
// starts (after the clear lead); rotation keys are listed immediately.
func (l *hlsListener) OnEncryptionInfoReady(initial bool, scheme media.ProtectionScheme, keyID, iv []byte, systems []media.ProtectionSystemInfo) {
	l.notifier.mu.Lock()
	defer l.notifier.mu.Unlock()
	if initial {
		l.pendingScheme = scheme
		l.pendingKeyID = keyID
		l.pendingIV = iv
		l.pendingSystems = systems
		l.havePending = true
		return
	}
	l.playlist.AddKey(scheme, keyID, iv, systems)
}

func (l *hlsListener) OnEncryptionStart() {
	l.notifier.mu.Lock()
	defer l.notifier.mu.Unlock()
	if l.havePending {
		l.playlist.AddKey(l.pendingScheme, l.pendingKeyID, l.pendingIV, l.pendingSystems)
		l.havePending = false
	}
}

func (l *hlsListener) OnNewSegment(fileName string, startTime, duration int64, size uint64) {
	l.notifier.mu.Lock()
	l.playlist.AddSegment(filepath.Base(fileName), startTime, duration)
	if l.notifier.opts.TimeShiftBufferDepth > 0 {
		l.playlist.SlideWindow(l.notifier.opts.TimeShiftBufferDepth)
	}
	live := l.notifier.opts.PlaylistType == Live
	l.notifier.mu.Unlock()
	if live {
		if err := l.notifier.Flush(); err != nil {
			l.notifier.log.Error("playlist update failed", "error", err)
		}
	}
}

func (l *hlsListener) OnMediaEnd(ranges event.MediaRanges, durationSeconds float64) {}
