package media

// ParserCallbacks receives parser output. OnStreams fires exactly once per
// source when every track is fully described; the sample callbacks then fire
// for each coded unit in decode order per track. A sample callback returning
// false cancels parsing.
type ParserCallbacks struct {
	OnStreams    func(streams []*StreamInfo)
	OnSample     func(trackID uint32, sample *MediaSample) bool
	OnTextSample func(trackID uint32, sample *TextSample) bool
}

// KeyFetcher is the subset of the key source the parsers need to obtain
// decryption keys for encrypted sources (WVM asset-id lookup, PSSH lookup).
// A nil KeyFetcher means the source is expected to be clear.
type KeyFetcher interface {
	// FetchByAssetID fetches keys for a legacy asset id.
	FetchByAssetID(assetID uint32) error
	// FetchByPSSH fetches keys for the given pssh box bytes.
	FetchByPSSH(pssh []byte) error
	// Key returns the key bytes for keyID.
	Key(keyID []byte) ([]byte, error)
}

// Parser turns container bytes into StreamInfo and sample records. Parse
// accepts arbitrarily chunked input and is resumable; after a structural
// error the parser is permanently failed. Flush emits held-back samples and
// is called once at end of input.
type Parser interface {
	Init(cb ParserCallbacks, keys KeyFetcher)
	Parse(data []byte) error
	Flush() error
}
