// Package media turns image and video files into ordered sequences of
// decoded units, one per image or per video frame.
package media

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrUnsupported is returned for paths no decoder is registered for.
	ErrUnsupported = errors.New("unsupported media type")
	// ErrDecode wraps failures to read or decode media content.
	ErrDecode = errors.New("media decode failed")
)

// Unit is one decoded image or video frame.
type Unit struct {
	SourcePath string
	Index      int
	// Count is the best known number of units in the file. For video it
	// starts as an estimate and is exact once Last is set.
	Count int
	Last  bool
	Image *image.NRGBA
}

// Stream yields the units of one file in order. Next returns io.EOF after
// the last unit.
type Stream interface {
	Next(ctx context.Context) (Unit, error)
	Close() error
}

// FrameReader is what a Decoder produces: decoded frames in order, and
// io.EOF at the end.
type FrameReader interface {
	ReadFrame() (*image.NRGBA, error)
	// EstimatedFrames returns the expected frame count, or 0 if unknown.
	EstimatedFrames() int
	Close() error
}

// Decoder opens a media file for decoding.
type Decoder interface {
	Open(ctx context.Context, path string) (FrameReader, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(ctx context.Context, path string) (FrameReader, error)

// Open implements Decoder.
func (f DecoderFunc) Open(ctx context.Context, path string) (FrameReader, error) {
	return f(ctx, path)
}

// Kind classifies media by how many units it yields.
type Kind int

const (
	KindUnknown Kind = iota
	KindImage
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}
