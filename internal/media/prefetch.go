package media

import (
	"context"
	"io"
)

type prefetched struct {
	unit Unit
	err  error
}

// prefetchStream decodes ahead of the consumer on a background goroutine.
type prefetchStream struct {
	src    Stream
	ch     chan prefetched
	cancel context.CancelFunc
	done   chan struct{}
}

// Prefetch wraps s so that up to depth units are decoded ahead of the
// caller. Order is preserved and the first error ends the stream. Close
// stops the background goroutine before closing s.
func Prefetch(ctx context.Context, s Stream, depth int) Stream {
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &prefetchStream{
		src:    s,
		ch:     make(chan prefetched, depth),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		defer close(p.ch)
		for {
			u, err := s.Next(ctx)
			if err == io.EOF {
				return
			}
			select {
			case p.ch <- prefetched{unit: u, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

// Next implements Stream.
func (p *prefetchStream) Next(ctx context.Context) (Unit, error) {
	select {
	case r, ok := <-p.ch:
		if !ok {
			return Unit{}, io.EOF
		}
		return r.unit, r.err
	case <-ctx.Done():
		return Unit{}, ctx.Err()
	}
}

// Close implements Stream.
func (p *prefetchStream) Close() error {
	p.cancel()
	<-p.done
	return p.src.Close()
}
