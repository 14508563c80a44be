package wire

import (
	"bytes"
	"fmt"
	"io"
	"net/url"

	"github.com/klauspost/compress/zlib"
)

// Compression selects the transport compression requested from the gateway.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZlib Compression = "zlib"
)

// maxInflatedSize caps a single inflated frame.
const maxInflatedSize = 8 << 20

// Inflate decompresses one zlib-compressed binary frame.
func Inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", ErrMalformed, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", ErrMalformed, err)
	}
	if len(out) > maxInflatedSize {
		return nil, fmt.Errorf("%w: inflated frame exceeds %d bytes", ErrMalformed, maxInflatedSize)
	}
	return out, nil
}

// Deflate compresses data the way the gateway does for compression=zlib.
func Deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GatewayURL appends the encoding and compression query parameters to endpoint.
func GatewayURL(endpoint string, c Compression) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("parse endpoint: unsupported scheme %q", u.Scheme)
	}
	if c == "" {
		c = DefaultCompression
	}
	q := u.Query()
	q.Set("encoding", "json")
	q.Set("compression", string(c))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
