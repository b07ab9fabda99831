package keysource

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

// WidevineSystemID is the DRM system id of the reference remote provider.
var WidevineSystemID = []byte{
	0xED, 0xEF, 0x8B, 0xA9, 0x79, 0xD6, 0x4A, 0xCE,
	0xA3, 0xC8, 0x27, 0xDC, 0xD5, 0x1D, 0x21, 0xED,
}

// Poster issues one HTTP POST. Injected so tests run without a network.
type Poster interface {
	Post(url string, body []byte, timeout time.Duration) (response []byte, statusCode int, err error)
}

type httpPoster struct{}

func (httpPoster) Post(url string, body []byte, timeout time.Duration) ([]byte, int, error) {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, 0, status.Wrap(status.HTTPFailure, err, "key request")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, status.Wrap(status.HTTPFailure, err, "key response")
	}
	return data, resp.StatusCode, nil
}

// WidevineOptions configures the remote source.
type WidevineOptions struct {
	ServerURL string
	Signer    Signer
	Poster    Poster // nil selects the real HTTP client

	// Rotation; zero CryptoPeriodCount disables it.
	CryptoPeriodCount uint32

	MaxRetries     int
	InitialBackoff time.Duration
	RequestTimeout time.Duration
}

const rotationQueueDepth = 10

// Widevine fetches keys from a remote provider with signed requests. When
// rotation is enabled a producer goroutine keeps a bounded window of crypto
// periods ahead of the consumers.
type Widevine struct {
	log  *slog.Logger
	opts WidevineOptions

	mu        sync.Mutex
	cond      *sync.Cond
	keys      map[TrackType]*EncryptionKey            // non-rotating
	periods   map[uint32]map[TrackType]*EncryptionKey // rotating
	nextFetch uint32
	maxAsked  uint32
	latched   error
	cancelled bool
	started   bool

	// Request identity, set by Fetch.
	contentID []byte
	policy    string
	pssh      []byte
	assetID   uint32
	fetchKind FetchKind
}

// NewWidevine returns a remote key source.
func NewWidevine(opts WidevineOptions) *Widevine {
	if opts.Poster == nil {
		opts.Poster = httpPoster{}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	w := &Widevine{
		log:     slog.With("component", "widevine_key_source"),
		opts:    opts,
		keys:    map[TrackType]*EncryptionKey{},
		periods: map[uint32]map[TrackType]*EncryptionKey{},
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Capabilities implements KeySource.
func (w *Widevine) Capabilities() Capability {
	caps := CapContentID | CapPSSH | CapKeyIDs | CapAssetID
	if w.opts.CryptoPeriodCount > 0 {
		caps |= CapKeyRotation
	}
	return caps
}

// UUID implements KeySource.
func (w *Widevine) UUID() string { return "edef8ba9-79d6-4ace-a3c8-27dcd51d21ed" }

// SystemName implements KeySource.
func (w *Widevine) SystemName() string { return "Widevine" }

// Close stops the rotation producer and releases blocked consumers.
func (w *Widevine) Close() {
	w.mu.Lock()
	w.cancelled = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Fetch implements KeySource. With rotation enabled it records the request
// identity and starts the producer; otherwise it fetches one keyset now.
func (w *Widevine) Fetch(req FetchRequest) error {
	w.mu.Lock()
	w.fetchKind = req.Kind
	w.contentID = req.ContentID
	w.policy = req.Policy
	w.pssh = req.PSSH
	w.assetID = req.AssetID
	rotating := w.opts.CryptoPeriodCount > 0
	if rotating {
		if !w.started {
			w.started = true
			go w.produce()
		}
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	keys, err := w.fetchPeriods(nil)
	if err != nil {
		return err
	}
	w.mu.Lock()
	for _, byType := range keys {
		for t, k := range byType {
			w.keys[t] = k
		}
	}
	w.mu.Unlock()
	return nil
}

// Key implements KeySource.
func (w *Widevine) Key(sel Selector) (*EncryptionKey, error) {
	switch sel.Kind {
	case SelectByTrackType:
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.latched != nil {
			return nil, w.latched
		}
		if k, ok := w.keys[sel.TrackType]; ok {
			return k, nil
		}
		if k, ok := w.keys[TrackUnspecified]; ok {
			return k, nil
		}
		return nil, ErrKeyNotFound
	case SelectByKeyID:
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.latched != nil {
			return nil, w.latched
		}
		for _, k := range w.keys {
			if sel.KeyID == nil || bytes.Equal(k.KeyID, sel.KeyID) {
				return k, nil
			}
		}
		for _, byType := range w.periods {
			for _, k := range byType {
				if bytes.Equal(k.KeyID, sel.KeyID) {
					return k, nil
				}
			}
		}
		return nil, ErrKeyNotFound
	case SelectByCryptoPeriod:
		return w.cryptoPeriodKey(sel.CryptoPeriodIndex, sel.TrackType)
	}
	return nil, status.Newf(status.InvalidArgument, "bad key selector %d", sel.Kind)
}

// cryptoPeriodKey blocks until the producer has populated the period.
func (w *Widevine) cryptoPeriodKey(index uint32, trackType TrackType) (*EncryptionKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return nil, status.New(status.InvalidArgument, "key rotation not started; call Fetch first")
	}
	if index > w.maxAsked {
		w.maxAsked = index
		w.cond.Broadcast() // wake the producer
	}
	for {
		if w.latched != nil {
			return nil, w.latched
		}
		if w.cancelled {
			return nil, status.ErrCancelled
		}
		if byType, ok := w.periods[index]; ok {
			if k, ok := byType[trackType]; ok {
				return k, nil
			}
			if k, ok := byType[TrackUnspecified]; ok {
				return k, nil
			}
			return nil, ErrKeyNotFound
		}
		w.cond.Wait()
	}
}

// produce runs on its own goroutine, fetching crypto periods in batches and
// staying a bounded window ahead of the consumers.
func (w *Widevine) produce() {
	for {
		w.mu.Lock()
		for !w.cancelled && w.nextFetch > w.maxAsked+rotationQueueDepth {
			w.cond.Wait()
		}
		if w.cancelled {
			w.mu.Unlock()
			return
		}
		first := w.nextFetch
		count := w.opts.CryptoPeriodCount
		w.mu.Unlock()

		indices := make([]uint32, count)
		for i := range indices {
			indices[i] = first + uint32(i)
		}
		keys, err := w.fetchPeriods(indices)

		w.mu.Lock()
		if err != nil {
			w.latched = err
			w.cond.Broadcast()
			w.mu.Unlock()
			return
		}
		for idx, byType := range keys {
			w.periods[idx] = byType
		}
		w.nextFetch = first + count
		// Prune periods far behind the consumers.
		for idx := range w.periods {
			if idx+3*rotationQueueDepth < w.maxAsked {
				delete(w.periods, idx)
			}
		}
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

// --- wire protocol ---------------------------------------------------------

type requestTrack struct {
	Type string `json:"type"`
}

type keyRequest struct {
	ContentID              string         `json:"content_id,omitempty"`
	AssetID                uint32         `json:"asset_id,omitempty"`
	PsshData               string         `json:"pssh_data,omitempty"`
	Policy                 string         `json:"policy,omitempty"`
	Tracks                 []requestTrack `json:"tracks"`
	DRMTypes               []string       `json:"drm_types"`
	FirstCryptoPeriodIndex *uint32        `json:"first_crypto_period_index,omitempty"`
	CryptoPeriodCount      *uint32        `json:"crypto_period_count,omitempty"`
	RequestID              string         `json:"request_id"`
}

type signedRequest struct {
	Request   string `json:"request"`
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

type responsePssh struct {
	DRMType string `json:"drm_type"`
	Data    string `json:"data"`
}

type responseTrack struct {
	Type              string         `json:"type"`
	KeyID             string         `json:"key_id"`
	Key               string         `json:"key"`
	IV                string         `json:"iv,omitempty"`
	Pssh              []responsePssh `json:"pssh"`
	CryptoPeriodIndex *uint32        `json:"crypto_period_index,omitempty"`
}

type keyResponse struct {
	Status string          `json:"status"`
	Tracks []responseTrack `json:"tracks"`
}

type wrappedResponse struct {
	Response string `json:"response"`
}

var allTrackTypes = []TrackType{TrackSD, TrackHD, TrackUHD1, TrackUHD2, TrackAudio}

// fetchPeriods requests keys for the given crypto periods (nil for a single
// non-rotating keyset) with retries and exponential back-off.
func (w *Widevine) fetchPeriods(indices []uint32) (map[uint32]map[TrackType]*EncryptionKey, error) {
	body, err := w.buildRequest(indices)
	if err != nil {
		return nil, err
	}

	backoff := w.opts.InitialBackoff
	var lastErr error
	for attempt := 0; attempt < w.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		raw, code, err := w.opts.Poster.Post(w.opts.ServerURL, body, w.opts.RequestTimeout)
		switch {
		case err != nil:
			lastErr = err
			continue // timeouts and transport failures are transient
		case code >= 500:
			lastErr = status.Newf(status.ServerError, "key provider returned %d", code)
			continue
		case code >= 400:
			return nil, status.Newf(status.ClientError, "key provider rejected request with %d", code)
		}
		keys, err := w.parseResponse(raw, indices)
		if err != nil {
			return nil, err
		}
		return keys, nil
	}
	return nil, status.Wrap(status.HTTPFailure, lastErr,
		fmt.Sprintf("key provider unreachable after %d attempts", w.opts.MaxRetries))
}

func (w *Widevine) buildRequest(indices []uint32) ([]byte, error) {
	req := keyRequest{
		Policy:    w.policy,
		DRMTypes:  []string{"WIDEVINE"},
		RequestID: uuid.NewString(),
	}
	switch w.fetchKind {
	case FetchByContentID:
		req.ContentID = base64.StdEncoding.EncodeToString(w.contentID)
	case FetchByPSSH, FetchByKeyIDs:
		req.PsshData = base64.StdEncoding.EncodeToString(w.pssh)
	case FetchByAssetID:
		req.AssetID = w.assetID
	}
	for _, t := range allTrackTypes {
		req.Tracks = append(req.Tracks, requestTrack{Type: t.String()})
	}
	if len(indices) > 0 {
		first := indices[0]
		count := uint32(len(indices))
		req.FirstCryptoPeriodIndex = &first
		req.CryptoPeriodCount = &count
	}
	body, err := json.Marshal(&req)
	if err != nil {
		return nil, status.Wrap(status.Unknown, err, "marshal key request")
	}

	envelope := signedRequest{Request: base64.StdEncoding.EncodeToString(body)}
	if w.opts.Signer != nil {
		sig, err := w.opts.Signer.GenerateSignature(body)
		if err != nil {
			return nil, err
		}
		envelope.Signer = w.opts.Signer.Name()
		envelope.Signature = base64.StdEncoding.EncodeToString(sig)
	}
	out, err := json.Marshal(&envelope)
	if err != nil {
		return nil, status.Wrap(status.Unknown, err, "marshal signed request")
	}
	return out, nil
}

func trackTypeFromName(name string) TrackType {
	switch name {
	case "SD":
		return TrackSD
	case "HD":
		return TrackHD
	case "UHD1":
		return TrackUHD1
	case "UHD2":
		return TrackUHD2
	case "AUDIO":
		return TrackAudio
	}
	return TrackUnspecified
}

func (w *Widevine) parseResponse(raw []byte, indices []uint32) (map[uint32]map[TrackType]*EncryptionKey, error) {
	var wrapped wrappedResponse
	if err := json.Unmarshal(raw, &wrapped); err != nil || wrapped.Response == "" {
		return nil, status.New(status.ServerError, "malformed key provider response")
	}
	decoded, err := base64.StdEncoding.DecodeString(wrapped.Response)
	if err != nil {
		return nil, status.Wrap(status.ServerError, err, "decode key provider response")
	}
	var resp keyResponse
	if err := json.Unmarshal(decoded, &resp); err != nil {
		return nil, status.Wrap(status.ServerError, err, "parse key provider response")
	}
	if resp.Status != "OK" {
		return nil, status.Newf(status.ServerError, "key provider status %q", resp.Status)
	}

	defaultIndex := uint32(0)
	if len(indices) > 0 {
		defaultIndex = indices[0]
	}
	out := map[uint32]map[TrackType]*EncryptionKey{}
	for _, t := range resp.Tracks {
		keyID, err := base64.StdEncoding.DecodeString(t.KeyID)
		if err != nil {
			return nil, status.Wrap(status.ServerError, err, "decode key id")
		}
		key, err := base64.StdEncoding.DecodeString(t.Key)
		if err != nil {
			return nil, status.Wrap(status.ServerError, err, "decode key")
		}
		var iv []byte
		if t.IV != "" {
			if iv, err = base64.StdEncoding.DecodeString(t.IV); err != nil {
				return nil, status.Wrap(status.ServerError, err, "decode iv")
			}
		}
		ek := &EncryptionKey{KeyID: keyID, Key: key, IV: iv}
		for _, p := range t.Pssh {
			data, err := base64.StdEncoding.DecodeString(p.Data)
			if err != nil {
				return nil, status.Wrap(status.ServerError, err, "decode pssh")
			}
			ek.Systems = append(ek.Systems, media.ProtectionSystemInfo{
				SystemID: WidevineSystemID,
				PsshBox:  BuildPsshBox(WidevineSystemID, nil, data),
			})
		}
		index := defaultIndex
		if t.CryptoPeriodIndex != nil {
			index = *t.CryptoPeriodIndex
		}
		if out[index] == nil {
			out[index] = map[TrackType]*EncryptionKey{}
		}
		out[index][trackTypeFromName(t.Type)] = ek
	}
	if len(out) == 0 {
		return nil, status.New(status.ServerError, "key provider returned no tracks")
	}
	return out, nil
}
