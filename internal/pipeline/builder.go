package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/withObsrvr/biostream/internal/media"
	"github.com/withObsrvr/biostream/internal/rpc"
)

// Opener opens the unit stream of one file.
type Opener interface {
	Open(ctx context.Context, path string) (media.Stream, error)
}

// BuilderConfig configures request construction.
type BuilderConfig struct {
	Operation   rpc.Operation
	Options     rpc.Options
	Encoding    string // rpc.EncodingRGBA or rpc.EncodingJPEG
	JPEGQuality int
	// Prefetch, when positive, decodes up to this many units ahead on a
	// background goroutine.
	Prefetch int
}

// Builder turns media units into requests, one per unit.
type Builder struct {
	src Opener
	cfg BuilderConfig
}

// NewBuilder returns a Builder reading units from src.
func NewBuilder(src Opener, cfg BuilderConfig) *Builder {
	if cfg.Encoding == "" {
		cfg.Encoding = rpc.EncodingRGBA
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 90
	}
	return &Builder{src: src, cfg: cfg}
}

// RequestIter yields the requests of one file in unit order.
type RequestIter struct {
	b         *Builder
	path      string
	stream    media.Stream
	fileStart time.Time
	sent      int
}

// Requests opens path and returns an iterator over its requests. The file
// interval of the first request starts here.
func (b *Builder) Requests(ctx context.Context, path string) (*RequestIter, error) {
	start := time.Now()
	s, err := b.src.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if b.cfg.Prefetch > 0 {
		s = media.Prefetch(ctx, s, b.cfg.Prefetch)
	}
	return &RequestIter{b: b, path: path, stream: s, fileStart: start}, nil
}

// Next returns the next request, or io.EOF after the last one.
func (it *RequestIter) Next(ctx context.Context) (*rpc.Request, error) {
	frameStart := time.Now()
	u, err := it.stream.Next(ctx)
	if err != nil {
		return nil, err
	}

	req := &rpc.Request{
		RequestID:  uuid.NewString(),
		SourcePath: u.SourcePath,
		FrameIndex: u.Index,
		FrameCount: u.Count,
		Last:       u.Last,
		Encoding:   it.b.cfg.Encoding,
		Options:    it.b.cfg.Options,
	}
	if u.Index == 0 {
		req.Durations.ClientFile.MarkStart(it.fileStart)
		req.Durations.ClientFile.MarkEnd(time.Now())
	}
	req.Durations.ClientFrame.MarkStart(frameStart)

	if u.Image != nil {
		b := u.Image.Bounds()
		req.Width, req.Height = b.Dx(), b.Dy()
		req.Payload, err = it.b.encode(u.Image)
		if err != nil {
			return nil, fmt.Errorf("encode %s unit %d: %w", it.path, u.Index, err)
		}
	}
	req.Durations.ClientFrame.MarkEnd(time.Now())

	it.sent++
	return req, nil
}

// Sent is the number of requests produced so far.
func (it *RequestIter) Sent() int { return it.sent }

// Close releases the underlying stream.
func (it *RequestIter) Close() error {
	return it.stream.Close()
}

func (b *Builder) encode(img *image.NRGBA) ([]byte, error) {
	switch b.cfg.Encoding {
	case rpc.EncodingJPEG:
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(b.cfg.JPEGQuality)); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case rpc.EncodingRGBA:
		return packedPixels(img), nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", b.cfg.Encoding)
	}
}

// packedPixels returns the pixel rows without stride padding.
func packedPixels(img *image.NRGBA) []byte {
	b := img.Bounds()
	row := b.Dx() * 4
	if img.Stride == row && b.Min == (image.Point{}) {
		return img.Pix[:row*b.Dy()]
	}
	out := make([]byte, 0, row*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		out = append(out, img.Pix[off:off+row]...)
	}
	return out
}
