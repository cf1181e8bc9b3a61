package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/biostream/internal/rpc"
)

// Caller opens streaming calls; *rpc.Client implements it.
type Caller interface {
	OpenStream(ctx context.Context, op rpc.Operation) (rpc.ClientStream, error)
}

// RequestSource yields requests until io.EOF; *RequestIter implements it.
type RequestSource interface {
	Next(ctx context.Context) (*rpc.Request, error)
}

var _ RequestSource = (*RequestIter)(nil)

// StreamStats describes one completed call.
type StreamStats struct {
	Sent     int
	Received int
	// MaxOutstanding is the largest number of sent but unanswered
	// requests observed during the call.
	MaxOutstanding int
}

type tracker struct {
	mu    sync.Mutex
	stats StreamStats
}

func (t *tracker) sent() {
	t.mu.Lock()
	t.stats.Sent++
	if out := t.stats.Sent - t.stats.Received; out > t.stats.MaxOutstanding {
		t.stats.MaxOutstanding = out
	}
	t.mu.Unlock()
}

func (t *tracker) received() {
	t.mu.Lock()
	t.stats.Received++
	t.mu.Unlock()
}

func (t *tracker) snapshot() StreamStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// StreamFile runs one bidirectional call carrying every request of a file.
//
// With batchSize < 0 requests are sent as fast as they are built while a
// receiver drains replies concurrently. With batchSize K > 0 the client
// sends K requests, waits for their K replies, and repeats, so at most K
// are ever unacknowledged.
//
// Every reply gets its inbound end stamped and its Total finalized before
// onReply sees it. Request errors are wrapped with ErrDecode and call
// errors with ErrTransport. A clean close before every reply arrived is
// ErrAggregation. Errors from onReply are returned unchanged.
func StreamFile(ctx context.Context, c Caller, op rpc.Operation, reqs RequestSource, batchSize int, onReply func(*rpc.Reply) error) (StreamStats, error) {
	if batchSize == 0 {
		return StreamStats{}, fmt.Errorf("batch size must be non-zero")
	}
	var t tracker
	var err error
	if batchSize < 0 {
		err = streamAll(ctx, c, op, reqs, onReply, &t)
	} else {
		err = streamWindowed(ctx, c, op, reqs, batchSize, onReply, &t)
	}
	return t.snapshot(), err
}

func streamAll(ctx context.Context, c Caller, op rpc.Operation, reqs RequestSource, onReply func(*rpc.Reply) error, t *tracker) error {
	g, gctx := errgroup.WithContext(ctx)

	stream, err := c.OpenStream(gctx, op)
	if err != nil {
		return fmt.Errorf("%w: open stream: %w", ErrTransport, err)
	}

	g.Go(func() error {
		for {
			req, err := reqs.Next(gctx)
			if err == io.EOF {
				return closeSend(stream)
			}
			if err != nil {
				return requestErr(gctx, err)
			}
			req.Durations.Outbound.MarkStart(time.Now())
			if err := stream.Send(req); err != nil {
				if err == io.EOF {
					// The server ended the call; Recv reports why.
					return nil
				}
				return fmt.Errorf("%w: send unit %d: %w", ErrTransport, req.FrameIndex, err)
			}
			t.sent()
		}
	})

	g.Go(func() error {
		for {
			rep, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%w: %w", ErrTransport, err)
			}
			stampReply(rep)
			t.received()
			if err := onReply(rep); err != nil {
				return err
			}
		}
	})

	return g.Wait()
}

func streamWindowed(ctx context.Context, c Caller, op rpc.Operation, reqs RequestSource, k int, onReply func(*rpc.Reply) error, t *tracker) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.OpenStream(ctx, op)
	if err != nil {
		return fmt.Errorf("%w: open stream: %w", ErrTransport, err)
	}

	for done := false; !done; {
		n := 0
		for n < k {
			req, err := reqs.Next(ctx)
			if err == io.EOF {
				done = true
				break
			}
			if err != nil {
				return requestErr(ctx, err)
			}
			req.Durations.Outbound.MarkStart(time.Now())
			if err := stream.Send(req); err != nil {
				return sendErr(stream, req.FrameIndex, err)
			}
			t.sent()
			n++
		}

		for i := 0; i < n; i++ {
			rep, err := stream.Recv()
			if err == io.EOF {
				// A clean close with units unanswered is the same inconsistency
				// Aggregator.Finish reports when streaming everything.
				return fmt.Errorf("%w: stream ended with %d replies outstanding", ErrAggregation, n-i)
			}
			if err != nil {
				return fmt.Errorf("%w: %w", ErrTransport, err)
			}
			stampReply(rep)
			t.received()
			if err := onReply(rep); err != nil {
				return err
			}
		}
	}

	if err := closeSend(stream); err != nil {
		return err
	}
	// Anything the server still sends is surplus; let the caller judge it.
	for {
		rep, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
		stampReply(rep)
		t.received()
		if err := onReply(rep); err != nil {
			return err
		}
	}
}

func stampReply(rep *rpc.Reply) {
	rep.Durations.Inbound.MarkEnd(time.Now())
	rep.Durations.Finalize()
}

func closeSend(stream rpc.ClientStream) error {
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("%w: close send: %w", ErrTransport, err)
	}
	return nil
}

// sendErr resolves io.EOF from Send into the call's real status.
func sendErr(stream rpc.ClientStream, index int, err error) error {
	if err == io.EOF {
		for {
			_, rerr := stream.Recv()
			if rerr != nil {
				if rerr != io.EOF {
					err = rerr
				}
				break
			}
		}
	}
	return fmt.Errorf("%w: send unit %d: %w", ErrTransport, index, err)
}

// requestErr classifies a failure to produce the next request. Context
// cancellation caused by the other half of the call is not a decode error.
func requestErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDecode, err)
}
