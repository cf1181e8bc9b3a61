package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
)

// fileStream reads one frame ahead so it can mark the final unit.
type fileStream struct {
	path     string
	r        FrameReader
	estimate int

	started bool
	done    bool
	index   int
	reads   int
	next    *image.NRGBA
	nextErr error
}

func newFileStream(path string, r FrameReader) *fileStream {
	return &fileStream{path: path, r: r, estimate: r.EstimatedFrames()}
}

func (s *fileStream) read() (*image.NRGBA, error) {
	frame := s.reads
	s.reads++
	img, err := s.r.ReadFrame()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s frame %d: %v", ErrDecode, s.path, frame, err)
	}
	return img, err
}

// Next implements Stream.
func (s *fileStream) Next(ctx context.Context) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return Unit{}, err
	}
	if s.done {
		return Unit{}, io.EOF
	}

	if !s.started {
		s.started = true
		s.next, s.nextErr = s.read()
		if errors.Is(s.nextErr, io.EOF) {
			s.done = true
			return Unit{}, fmt.Errorf("%w: %s contains no frames", ErrDecode, s.path)
		}
	}
	if s.nextErr != nil {
		s.done = true
		return Unit{}, s.nextErr
	}

	cur := s.next
	s.next, s.nextErr = s.read()
	last := errors.Is(s.nextErr, io.EOF)
	if last {
		s.done = true
	}

	count := s.estimate
	switch {
	case last:
		count = s.index + 1
	case count < s.index+2:
		count = s.index + 2
	}

	u := Unit{
		SourcePath: s.path,
		Index:      s.index,
		Count:      count,
		Last:       last,
		Image:      cur,
	}
	s.index++
	return u, nil
}

// Close implements Stream.
func (s *fileStream) Close() error {
	s.done = true
	return s.r.Close()
}
