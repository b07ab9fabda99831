package keysource

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3QSDN/shaka-packager/internal/media"
	"github.com/3QSDN/shaka-packager/internal/status"
)

func TestClassifyTrack(t *testing.T) {
	t.Parallel()

	mk := func(w, h uint32) *media.StreamInfo {
		return &media.StreamInfo{Kind: media.KindVideo, Video: &media.VideoInfo{Width: w, Height: h}}
	}
	assert.Equal(t, TrackSD, ClassifyTrack(mk(720, 576), 0, 0, 0))
	assert.Equal(t, TrackHD, ClassifyTrack(mk(1920, 1080), 0, 0, 0))
	assert.Equal(t, TrackUHD1, ClassifyTrack(mk(3840, 2160), 0, 0, 0))
	assert.Equal(t, TrackUHD2, ClassifyTrack(mk(7680, 4320), 0, 0, 0))
	assert.Equal(t, TrackAudio, ClassifyTrack(&media.StreamInfo{Kind: media.KindAudio}, 0, 0, 0))
}

func TestFixedKeySource(t *testing.T) {
	t.Parallel()

	src, err := NewFixed(FixedOptions{
		KeyIDHex:    "000102030405060708090a0b0c0d0e0f",
		KeyHex:      "101112131415161718191a1b1c1d1e1f",
		IVHex:       "0000000000000000",
		PsshDataHex: "aabbcc",
	})
	require.NoError(t, err)
	require.NoError(t, src.Fetch(FetchRequest{Kind: FetchByContentID}))

	key, err := src.Key(Selector{Kind: SelectByTrackType, TrackType: TrackHD})
	require.NoError(t, err)
	assert.Len(t, key.KeyID, 16)
	assert.Len(t, key.Key, 16)
	assert.Len(t, key.IV, 8)

	// Crypto-period selectors resolve to the same key for every period.
	rotated, err := src.Key(Selector{Kind: SelectByCryptoPeriod, CryptoPeriodIndex: 42})
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, rotated.KeyID)

	// The pssh box wraps the payload with the common system id.
	require.Len(t, key.Systems, 1)
	box := key.Systems[0].PsshBox
	require.Greater(t, len(box), 32)
	assert.Equal(t, "pssh", string(box[4:8]))
	assert.Equal(t, CommonSystemID, box[12:28])

	_, err = src.Key(Selector{Kind: SelectByKeyID, KeyID: make([]byte, 16)})
	assert.Equal(t, status.NotFound, status.CodeOf(err))
}

func TestFixedKeySourceRejectsBadHex(t *testing.T) {
	t.Parallel()

	_, err := NewFixed(FixedOptions{KeyIDHex: "xyz", KeyHex: "101112131415161718191a1b1c1d1e1f"})
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestRSASigner(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(rsaKey),
	})
	signer, err := NewRSASigner("widevine_test", pemKey)
	require.NoError(t, err)
	assert.Equal(t, "widevine_test", signer.Name())

	msg := []byte(`{"content_id":"dGVzdA=="}`)
	sig, err := signer.GenerateSignature(msg)
	require.NoError(t, err)
	digest := sha1.Sum(msg)
	assert.NoError(t, rsa.VerifyPKCS1v15(&rsaKey.PublicKey, crypto.SHA1, digest[:], sig))
}

// fakePoster answers key requests in the provider wire format.
type fakePoster struct {
	mu       sync.Mutex
	requests []keyRequest
	failures int // initial 5xx responses before succeeding
}

func (f *fakePoster) Post(_ string, body []byte, _ time.Duration) ([]byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, 503, nil
	}
	var envelope signedRequest
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, 400, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(envelope.Request)
	if err != nil {
		return nil, 400, nil
	}
	var req keyRequest
	if err := json.Unmarshal(decoded, &req); err != nil {
		return nil, 400, nil
	}
	f.requests = append(f.requests, req)

	resp := keyResponse{Status: "OK"}
	first := uint32(0)
	count := uint32(1)
	if req.FirstCryptoPeriodIndex != nil {
		first = *req.FirstCryptoPeriodIndex
		count = *req.CryptoPeriodCount
	}
	for p := first; p < first+count; p++ {
		for _, tr := range req.Tracks {
			keyID := make([]byte, 16)
			key := make([]byte, 16)
			keyID[0] = byte(p)
			keyID[1] = byte(len(tr.Type))
			key[0] = byte(p + 100)
			track := responseTrack{
				Type:  tr.Type,
				KeyID: base64.StdEncoding.EncodeToString(keyID),
				Key:   base64.StdEncoding.EncodeToString(key),
				Pssh:  []responsePssh{{DRMType: "WIDEVINE", Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})}},
			}
			if req.FirstCryptoPeriodIndex != nil {
				idx := p
				track.CryptoPeriodIndex = &idx
			}
			resp.Tracks = append(resp.Tracks, track)
		}
	}
	inner, _ := json.Marshal(&resp)
	outer, _ := json.Marshal(&wrappedResponse{Response: base64.StdEncoding.EncodeToString(inner)})
	return outer, 200, nil
}

func TestWidevineNonRotating(t *testing.T) {
	t.Parallel()

	poster := &fakePoster{}
	src := NewWidevine(WidevineOptions{
		ServerURL:      "https://keys.example.com/",
		Poster:         poster,
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, src.Fetch(FetchRequest{
		Kind:      FetchByContentID,
		ContentID: []byte("content"),
		Policy:    "default",
	}))

	key, err := src.Key(Selector{Kind: SelectByTrackType, TrackType: TrackHD})
	require.NoError(t, err)
	assert.Len(t, key.Key, 16)
	require.Len(t, key.Systems, 1)
	assert.Equal(t, WidevineSystemID, key.Systems[0].SystemID)

	// The request carried every track type, the policy and a request id.
	poster.mu.Lock()
	defer poster.mu.Unlock()
	require.Len(t, poster.requests, 1)
	req := poster.requests[0]
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("content")), req.ContentID)
	assert.Equal(t, "default", req.Policy)
	assert.Equal(t, []string{"WIDEVINE"}, req.DRMTypes)
	assert.Len(t, req.Tracks, 5)
	assert.NotEmpty(t, req.RequestID)
}

func TestWidevineRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	poster := &fakePoster{failures: 2}
	src := NewWidevine(WidevineOptions{
		ServerURL:      "https://keys.example.com/",
		Poster:         poster,
		MaxRetries:     5,
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, src.Fetch(FetchRequest{Kind: FetchByContentID, ContentID: []byte("c")}))
	_, err := src.Key(Selector{Kind: SelectByTrackType, TrackType: TrackSD})
	assert.NoError(t, err)
}

func TestWidevineRotation(t *testing.T) {
	t.Parallel()

	poster := &fakePoster{}
	src := NewWidevine(WidevineOptions{
		ServerURL:         "https://keys.example.com/",
		Poster:            poster,
		CryptoPeriodCount: 5,
		InitialBackoff:    time.Millisecond,
	})
	defer src.Close()
	require.NoError(t, src.Fetch(FetchRequest{Kind: FetchByContentID, ContentID: []byte("c")}))

	// Consumers may ask for periods out of order across track types; each
	// call blocks until the producer catches up.
	k2, err := src.Key(Selector{Kind: SelectByCryptoPeriod, CryptoPeriodIndex: 2, TrackType: TrackHD})
	require.NoError(t, err)
	assert.EqualValues(t, 2, k2.KeyID[0])

	k0, err := src.Key(Selector{Kind: SelectByCryptoPeriod, CryptoPeriodIndex: 0, TrackType: TrackAudio})
	require.NoError(t, err)
	assert.EqualValues(t, 0, k0.KeyID[0])

	k7, err := src.Key(Selector{Kind: SelectByCryptoPeriod, CryptoPeriodIndex: 7, TrackType: TrackHD})
	require.NoError(t, err)
	assert.EqualValues(t, 7, k7.KeyID[0])
	assert.NotEqual(t, k2.Key, k7.Key)
}

func TestWidevineClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	src := NewWidevine(WidevineOptions{
		ServerURL:      "https://keys.example.com/",
		Poster:         &always400{},
		InitialBackoff: time.Millisecond,
	})
	err := src.Fetch(FetchRequest{Kind: FetchByContentID, ContentID: []byte("c")})
	assert.Equal(t, status.ClientError, status.CodeOf(err))
}

type always400 struct{}

func (always400) Post(string, []byte, time.Duration) ([]byte, int, error) { return nil, 400, nil }
