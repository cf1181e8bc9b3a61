package rpc

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/encoding/gzip"
)

// Compression names accepted in TransportConfig.
const (
	CompressionNone    = "none"
	CompressionGzip    = gzip.Name
	CompressionDeflate = "deflate"
	CompressionZstd    = "zstd"
)

// ValidCompression reports whether name is a registered compressor or none.
func ValidCompression(name string) error {
	switch name {
	case "", CompressionNone, CompressionGzip, CompressionDeflate, CompressionZstd:
		return nil
	}
	return fmt.Errorf("unknown compression %q", name)
}

type deflateCompressor struct{}

func (deflateCompressor) Name() string { return CompressionDeflate }

func (deflateCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return flate.NewWriter(w, flate.BestSpeed)
}

func (deflateCompressor) Decompress(r io.Reader) (io.Reader, error) {
	return flate.NewReader(r), nil
}

type zstdCompressor struct{}

func (zstdCompressor) Name() string { return CompressionZstd }

func (zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
}

func (zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &zstdReader{dec: dec}, nil
}

// zstdReader releases the decoder once the message is drained.
type zstdReader struct {
	dec *zstd.Decoder
}

func (z *zstdReader) Read(p []byte) (int, error) {
	if z.dec == nil {
		return 0, io.EOF
	}
	n, err := z.dec.Read(p)
	if err != nil {
		z.dec.Close()
		z.dec = nil
	}
	return n, err
}

func init() {
	encoding.RegisterCompressor(deflateCompressor{})
	encoding.RegisterCompressor(zstdCompressor{})
}
