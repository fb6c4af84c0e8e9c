package httpmsg

import (
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"
)

// Content encodings the serializer can stream through.
const (
	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
)

// CompressorRegistry holds the content encodings enabled for responses.
// The zero value supports nothing; NewCompressorRegistry with no
// arguments enables gzip and deflate.
type CompressorRegistry struct {
	enabled map[string]bool
}

// NewCompressorRegistry enables the given encodings, defaulting to gzip
// and deflate. Unknown names are ignored.
func NewCompressorRegistry(encodings ...string) *CompressorRegistry {
	if len(encodings) == 0 {
		encodings = []string{EncodingGzip, EncodingDeflate}
	}
	reg := &CompressorRegistry{enabled: make(map[string]bool)}
	for _, enc := range encodings {
		switch strings.ToLower(strings.TrimSpace(enc)) {
		case EncodingGzip:
			reg.enabled[EncodingGzip] = true
		case EncodingDeflate:
			reg.enabled[EncodingDeflate] = true
		}
	}
	return reg
}

// Supported reports whether the encoding is enabled.
func (c *CompressorRegistry) Supported(encoding string) bool {
	if c == nil {
		return false
	}
	return c.enabled[strings.ToLower(strings.TrimSpace(encoding))]
}

// Negotiate scans the client's Accept-Encoding list in order and returns
// the first enabled encoding, or "" when none applies.
func (c *CompressorRegistry) Negotiate(acceptEncoding string) string {
	if c == nil || acceptEncoding == "" {
		return ""
	}
	for _, entry := range strings.Split(acceptEncoding, ",") {
		// Strip any quality parameter: "gzip;q=0.8".
		name := entry
		if i := strings.IndexByte(name, ';'); i >= 0 {
			name = name[:i]
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if c.enabled[name] {
			return name
		}
	}
	return ""
}

// NewWriter wraps w in a streaming compressor for the encoding.
// "deflate" is the zlib-framed format per RFC 7230.
func (c *CompressorRegistry) NewWriter(encoding string, w io.Writer) (io.WriteCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case EncodingGzip:
		return gzip.NewWriterLevel(w, flate.DefaultCompression)
	case EncodingDeflate:
		return zlib.NewWriter(w), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
}
