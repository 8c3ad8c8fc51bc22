package fetch

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

const (
	encodingGzip   = "gzip"
	encodingBrotli = "br"
)

// decodeBody wraps body according to Content-Encoding. Unknown encodings are
// rejected rather than passed through as garbage.
func decodeBody(body io.Reader, encoding string) (io.ReadCloser, error) {
	switch normalizeEncoding(encoding) {
	case "", "identity":
		return io.NopCloser(body), nil
	case encodingGzip:
		return gzip.NewReader(body)
	case encodingBrotli:
		return io.NopCloser(brotli.NewReader(body)), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
