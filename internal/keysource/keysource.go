// Package keysource provides encryption keys to the packaging pipeline:
// a fixed key supplied on the command line, or a remote provider with
// signed requests and crypto-period rotation.
package keysource

import (
	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// TrackType partitions streams for per-quality keys.
type TrackType int

const (
	TrackUnspecified TrackType = iota
	TrackSD
	TrackHD
	TrackUHD1
	TrackUHD2
	TrackAudio
)

func (t TrackType) String() string {
	switch t {
	case TrackSD:
		return "SD"
	case TrackHD:
		return "HD"
	case TrackUHD1:
		return "UHD1"
	case TrackUHD2:
		return "UHD2"
	case TrackAudio:
		return "AUDIO"
	}
	return "UNSPECIFIED"
}

// Default classification thresholds in pixels per frame (576p, 1080p, 2160p).
const (
	DefaultMaxSDPixels   = 1024 * 576
	DefaultMaxHDPixels   = 1920 * 1080
	DefaultMaxUHD1Pixels = 4096 * 2160
)

// ClassifyTrack maps a stream to a track type by its maximum pixels per
// frame. Zero thresholds select the defaults.
func ClassifyTrack(info *media.StreamInfo, maxSD, maxHD, maxUHD1 uint64) TrackType {
	if info.Kind == media.KindAudio {
		return TrackAudio
	}
	if info.Kind != media.KindVideo || info.Video == nil {
		return TrackUnspecified
	}
	if maxSD == 0 {
		maxSD = DefaultMaxSDPixels
	}
	if maxHD == 0 {
		maxHD = DefaultMaxHDPixels
	}
	if maxUHD1 == 0 {
		maxUHD1 = DefaultMaxUHD1Pixels
	}
	pixels := uint64(info.Video.Width) * uint64(info.Video.Height)
	switch {
	case pixels <= maxSD:
		return TrackSD
	case pixels <= maxHD:
		return TrackHD
	case pixels <= maxUHD1:
		return TrackUHD1
	default:
		return TrackUHD2
	}
}

// EncryptionKey is one content key with its DRM system metadata.
type EncryptionKey struct {
	KeyID   []byte // 16 bytes
	Key     []byte // 16 bytes
	IV      []byte // optional explicit IV
	Systems []media.ProtectionSystemInfo
}

// FetchKind selects the lookup mode of a FetchRequest.
type FetchKind int

const (
	FetchByContentID FetchKind = iota
	FetchByPSSH
	FetchByKeyIDs
	FetchByAssetID
)

// FetchRequest is the single entry point covering every key-acquisition
// mode; Kind selects which fields apply.
type FetchRequest struct {
	Kind      FetchKind
	ContentID []byte
	Policy    string
	PSSH      []byte
	KeyIDs    [][]byte
	AssetID   uint32
}

// SelectorKind selects the lookup mode of a key Selector.
type SelectorKind int

const (
	SelectByTrackType SelectorKind = iota
	SelectByKeyID
	SelectByCryptoPeriod
)

// Selector identifies one key within a fetched keyset.
type Selector struct {
	Kind              SelectorKind
	TrackType         TrackType
	KeyID             []byte
	CryptoPeriodIndex uint32
}

// Capability bits let callers fail fast on unsupported selectors.
type Capability uint32

const (
	CapContentID Capability = 1 << iota
	CapPSSH
	CapKeyIDs
	CapAssetID
	CapKeyRotation
)

// KeySource supplies encryption keys. Key blocks for rotating sources until
// the requested crypto period is available.
type KeySource interface {
	Capabilities() Capability
	Fetch(req FetchRequest) error
	Key(sel Selector) (*EncryptionKey, error)
	// UUID returns the protection system id the source belongs to.
	UUID() string
	// SystemName names the source for diagnostics.
	SystemName() string
}

// fetcherAdapter exposes a KeySource as the media.KeyFetcher the container
// parsers use for decryption.
type fetcherAdapter struct{ src KeySource }

// AsKeyFetcher adapts src for parser consumption.
func AsKeyFetcher(src KeySource) media.KeyFetcher {
	if src == nil {
		return nil
	}
	return &fetcherAdapter{src: src}
}

func (a *fetcherAdapter) FetchByAssetID(assetID uint32) error {
	return a.src.Fetch(FetchRequest{Kind: FetchByAssetID, AssetID: assetID})
}

func (a *fetcherAdapter) FetchByPSSH(pssh []byte) error {
	return a.src.Fetch(FetchRequest{Kind: FetchByPSSH, PSSH: pssh})
}

func (a *fetcherAdapter) Key(keyID []byte) ([]byte, error) {
	key, err := a.src.Key(Selector{Kind: SelectByKeyID, KeyID: keyID})
	if err != nil {
		return nil, err
	}
	return key.Key, nil
}

// ErrKeyNotFound is returned when a selector matches nothing.
var ErrKeyNotFound = status.New(status.NotFound, "key not found")
