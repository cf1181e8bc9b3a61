package rpc

import (
	"context"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// NewServer builds a gRPC server for svc. threads sizes the stream worker
// pool; limiter bounds concurrently admitted calls.
func NewServer(cfg TransportConfig, threads int, svc Service, limiter *Limiter, extra ...grpc.ServerOption) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(cfg.maxMessageBytes()),
		grpc.MaxSendMsgSize(cfg.maxMessageBytes()),
		grpc.NumStreamWorkers(uint32(threads)),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.keepaliveTime(),
			Timeout: 10 * time.Second,
		}),
	}
	if limiter != nil {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(limiter.UnaryInterceptor()),
			grpc.ChainStreamInterceptor(limiter.StreamInterceptor()),
		)
	}
	opts = append(opts, extra...)

	s := grpc.NewServer(opts...)
	s.RegisterService(&ServiceDesc, svc)
	return s
}

// Limiter admits at most Capacity concurrent calls. A call arriving when
// every slot is taken is rejected with RESOURCE_EXHAUSTED rather than
// queued. Status calls bypass the limiter.
type Limiter struct {
	slots    chan struct{}
	rejected atomic.Int64

	// Optional hooks, e.g. for metrics. Set before serving.
	OnAdmit   func()
	OnRelease func()
	OnReject  func()
}

// NewLimiter returns a limiter with the given capacity.
func NewLimiter(capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{slots: make(chan struct{}, capacity)}
}

// TryAcquire takes a slot without blocking.
func (l *Limiter) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		if l.OnAdmit != nil {
			l.OnAdmit()
		}
		return true
	default:
		l.rejected.Add(1)
		if l.OnReject != nil {
			l.OnReject()
		}
		return false
	}
}

// Release frees a slot taken by TryAcquire.
func (l *Limiter) Release() {
	<-l.slots
	if l.OnRelease != nil {
		l.OnRelease()
	}
}

// Capacity is the admission ceiling.
func (l *Limiter) Capacity() int { return cap(l.slots) }

// InFlight is the number of admitted calls still running.
func (l *Limiter) InFlight() int { return len(l.slots) }

// Rejected counts calls turned away since start.
func (l *Limiter) Rejected() int64 { return l.rejected.Load() }

func (l *Limiter) exhausted() error {
	return status.Errorf(codes.ResourceExhausted, "worker at capacity: %d concurrent calls", l.Capacity())
}

// UnaryInterceptor enforces the limit on unary calls.
func (l *Limiter) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod == FullMethod(statusMethod) {
			return handler(ctx, req)
		}
		if !l.TryAcquire() {
			return nil, l.exhausted()
		}
		defer l.Release()
		return handler(ctx, req)
	}
}

// StreamInterceptor enforces the limit on streaming calls. A slot is held
// for the lifetime of the stream.
func (l *Limiter) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !l.TryAcquire() {
			return l.exhausted()
		}
		defer l.Release()
		return handler(srv, ss)
	}
}
