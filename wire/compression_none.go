//go:build !gateway_zlib

package wire

// DefaultCompression is requested when a caller leaves Compression empty.
// Build with -tags gateway_zlib to default to zlib.
const DefaultCompression = CompressionNone
