package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/withObsrvr/biostream/internal/media"
	"github.com/withObsrvr/biostream/internal/rpc"
)

// clip describes a fake video: frames decoded before failAt succeed.
type clip struct {
	frames int
	failAt int // -1 never
}

type clipReader struct {
	c    clip
	next int
}

func (r *clipReader) ReadFrame() (*image.NRGBA, error) {
	if r.c.failAt >= 0 && r.next == r.c.failAt {
		return nil, errors.New("corrupt frame")
	}
	if r.next >= r.c.frames {
		return nil, io.EOF
	}
	img := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	img.Set(0, 0, color.NRGBA{R: uint8(r.next), A: 255})
	r.next++
	return img, nil
}

func (r *clipReader) EstimatedFrames() int { return r.c.frames }

func (r *clipReader) Close() error { return nil }

// clipDecoder opens the clips by path. Paths not in clips fail to open.
func clipDecoder(clips map[string]clip) media.Decoder {
	return media.DecoderFunc(func(ctx context.Context, path string) (media.FrameReader, error) {
		c, ok := clips[path]
		if !ok {
			return nil, fmt.Errorf("no such file")
		}
		return &clipReader{c: c}, nil
	})
}

// newClipSource registers ".vid" files from clips.
func newClipSource(clips map[string]clip) *media.Source {
	return media.New(media.WithoutBuiltins(), media.WithDecoder(".vid", media.KindVideo, clipDecoder(clips)))
}

// echoStream answers every request immediately, like a worker whose
// recognizer returns at once.
type echoStream struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*rpc.Reply
	closed   bool
	err      error
	sent     int
	consumed int
	maxOut   int

	failAt int // FrameIndex whose Send fails with Unavailable; -1 never
	mutate func(*rpc.Reply)
}

func newEchoStream(ctx context.Context, failAt int, mutate func(*rpc.Reply)) *echoStream {
	s := &echoStream{failAt: failAt, mutate: mutate}
	s.cond = sync.NewCond(&s.mu)
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if s.err == nil && !s.closed {
			s.err = status.FromContextError(ctx.Err()).Err()
		}
		s.cond.Broadcast()
		s.mu.Unlock()
	}()
	return s
}

func (s *echoStream) Send(req *rpc.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return io.EOF
	}
	if s.failAt >= 0 && req.FrameIndex == s.failAt {
		s.err = status.Error(codes.Unavailable, "target down")
		s.cond.Broadcast()
		return io.EOF
	}
	s.sent++
	if out := s.sent - s.consumed; out > s.maxOut {
		s.maxOut = out
	}

	rep := &rpc.Reply{
		RequestID:  req.RequestID,
		SourcePath: req.SourcePath,
		FrameIndex: req.FrameIndex,
		FrameCount: req.FrameCount,
		Last:       req.Last,
		Progress:   rpc.Progress{Current: req.FrameIndex + 1, Total: req.FrameCount},
		Result:     []byte(`{"ok":true}`),
		Durations:  req.Durations.Clone(),
	}
	now := time.Now()
	rep.Durations.Outbound.MarkEnd(now)
	rep.Durations.Remote.MarkStart(now)
	rep.Durations.Remote.MarkEnd(now)
	rep.Durations.Inbound.MarkStart(now)
	rep.Durations.SetSub("match", time.Microsecond)
	if s.mutate != nil {
		s.mutate(rep)
	}
	s.queue = append(s.queue, rep)
	s.cond.Broadcast()
	return nil
}

func (s *echoStream) Recv() (*rpc.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed && s.err == nil {
		s.cond.Wait()
	}
	if len(s.queue) > 0 {
		rep := s.queue[0]
		s.queue = s.queue[1:]
		s.consumed++
		return rep, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *echoStream) CloseSend() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// fakeCaller hands out echo streams. failures[path] is the number of
// opening attempts for path whose stream fails at unit failAt[path].
type fakeCaller struct {
	mu       sync.Mutex
	name     string
	failures map[string]int
	failAt   map[string]int
	mutate   func(*rpc.Reply)
	opened   int
	streams  []*echoStream
}

func (c *fakeCaller) Target() string { return c.name }

func (c *fakeCaller) OpenStream(ctx context.Context, op rpc.Operation) (rpc.ClientStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened++
	// Streams do not know their file until the first Send, so failures
	// are armed per stream via the wrapper below.
	s := newEchoStream(ctx, -1, c.mutate)
	c.streams = append(c.streams, s)
	return &armedStream{echoStream: s, c: c}, nil
}

// armedStream arms the failure for its file on the first Send.
type armedStream struct {
	*echoStream
	c     *fakeCaller
	armed bool
}

func (a *armedStream) Send(req *rpc.Request) error {
	if !a.armed {
		a.armed = true
		a.c.mu.Lock()
		if a.c.failures[req.SourcePath] > 0 {
			a.c.failures[req.SourcePath]--
			a.echoStream.mu.Lock()
			a.echoStream.failAt = a.c.failAt[req.SourcePath]
			a.echoStream.mu.Unlock()
		}
		a.c.mu.Unlock()
	}
	return a.echoStream.Send(req)
}

// closingCaller hands out echo streams that end cleanly after a fixed
// number of replies, whatever is still outstanding.
type closingCaller struct {
	after int
}

func (c *closingCaller) OpenStream(ctx context.Context, op rpc.Operation) (rpc.ClientStream, error) {
	return &closingStream{echoStream: newEchoStream(ctx, -1, nil), left: c.after}, nil
}

type closingStream struct {
	*echoStream
	left int
}

func (s *closingStream) Recv() (*rpc.Reply, error) {
	if s.left == 0 {
		return nil, io.EOF
	}
	s.left--
	return s.echoStream.Recv()
}

// sliceSource yields prepared requests.
type sliceSource struct {
	reqs []*rpc.Request
	err  error // returned after reqs are exhausted, instead of io.EOF
}

func (s *sliceSource) Next(ctx context.Context) (*rpc.Request, error) {
	if len(s.reqs) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	r := s.reqs[0]
	s.reqs = s.reqs[1:]
	return r, nil
}

func makeRequests(path string, n int) []*rpc.Request {
	out := make([]*rpc.Request, n)
	for i := range out {
		out[i] = &rpc.Request{
			RequestID:  fmt.Sprintf("r%d", i),
			SourcePath: path,
			FrameIndex: i,
			FrameCount: n,
			Last:       i == n-1,
		}
	}
	return out
}
