//go:build gateway_zlib

package wire

// DefaultCompression is requested when a caller leaves Compression empty.
const DefaultCompression = CompressionZlib
