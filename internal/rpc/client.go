package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// DefaultMaxMessageBytes bounds a single request or reply.
const DefaultMaxMessageBytes = 512 << 20

// TransportConfig holds settings shared by clients and servers.
type TransportConfig struct {
	MaxMessageBytes int           `yaml:"max_message_bytes"`
	Compression     string        `yaml:"compression"`
	KeepaliveTime   time.Duration `yaml:"keepalive_time"`
}

func (c TransportConfig) maxMessageBytes() int {
	if c.MaxMessageBytes <= 0 {
		return DefaultMaxMessageBytes
	}
	return c.MaxMessageBytes
}

func (c TransportConfig) keepaliveTime() time.Duration {
	if c.KeepaliveTime <= 0 {
		return 30 * time.Second
	}
	return c.KeepaliveTime
}

// Client is a connection to one worker endpoint.
type Client struct {
	conn   *grpc.ClientConn
	target string
}

// Dial creates a client for target. The connection is established lazily
// on the first call.
func Dial(target string, cfg TransportConfig, extra ...grpc.DialOption) (*Client, error) {
	if err := ValidCompression(cfg.Compression); err != nil {
		return nil, err
	}

	callOpts := []grpc.CallOption{
		grpc.MaxCallRecvMsgSize(cfg.maxMessageBytes()),
		grpc.MaxCallSendMsgSize(cfg.maxMessageBytes()),
		grpc.CallContentSubtype(CodecName),
	}
	if cfg.Compression != "" && cfg.Compression != CompressionNone {
		callOpts = append(callOpts, grpc.UseCompressor(cfg.Compression))
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(callOpts...),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.keepaliveTime(),
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn, target: target}, nil
}

// Target returns the dialed address.
func (c *Client) Target() string { return c.target }

// OpenStream starts a bidirectional call for op.
func (c *Client) OpenStream(ctx context.Context, op Operation) (ClientStream, error) {
	desc, ok := streamDescs[op]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	cs, err := c.conn.NewStream(ctx, desc, FullMethod(desc.StreamName))
	if err != nil {
		return nil, err
	}
	return &clientStream{cs}, nil
}

// Database performs a unary database call.
func (c *Client) Database(ctx context.Context, op DatabaseOp, req *DatabaseRequest) (*DatabaseReply, error) {
	out := new(DatabaseReply)
	if err := c.conn.Invoke(ctx, FullMethod(op.method()), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status asks the worker that serves this connection to describe itself.
func (c *Client) Status(ctx context.Context) (*StatusReply, error) {
	out := new(StatusReply)
	if err := c.conn.Invoke(ctx, FullMethod(statusMethod), &StatusRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
