package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/klauspost/compress/zstd"
)

// ImageDecoder decodes still images into a single frame. EXIF orientation
// is applied. Files ending in .zst are decompressed first.
type ImageDecoder struct{}

// Open implements Decoder.
func (ImageDecoder) Open(ctx context.Context, path string) (FrameReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	if _, compressed := splitExt(path); compressed {
		data, err = decompress(data)
		if err != nil {
			return nil, err
		}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return &singleFrame{img: toNRGBA(img)}, nil
}

// toNRGBA returns img as *image.NRGBA, copying only when needed.
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	return imaging.Clone(img)
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return raw, nil
}

// singleFrame yields exactly one frame.
type singleFrame struct {
	img  *image.NRGBA
	read bool
}

func (s *singleFrame) ReadFrame() (*image.NRGBA, error) {
	if s.read {
		return nil, io.EOF
	}
	s.read = true
	return s.img, nil
}

func (s *singleFrame) EstimatedFrames() int { return 1 }

func (s *singleFrame) Close() error { return nil }
