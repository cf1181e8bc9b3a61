package rpc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type echoService struct {
	dbCalls []DatabaseOp
}

func (s *echoService) Process(op Operation, stream ServerStream) error {
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		reply := &Reply{
			RequestID:  req.RequestID,
			SourcePath: req.SourcePath,
			FrameIndex: req.FrameIndex,
			FrameCount: req.FrameCount,
			Last:       req.Last,
			Progress:   Progress{Current: req.FrameIndex + 1, Total: req.FrameCount},
			Result:     []byte(`{"op":"` + string(op) + `","bytes":` + strconv.Itoa(len(req.Payload)) + `}`),
			Durations:  req.Durations,
		}
		if err := stream.Send(reply); err != nil {
			return err
		}
	}
}

func (s *echoService) Database(_ context.Context, op DatabaseOp, req *DatabaseRequest) (*DatabaseReply, error) {
	s.dbCalls = append(s.dbCalls, op)
	if op == DBRetrieve {
		return nil, status.Error(codes.NotFound, "no such database")
	}
	return &DatabaseReply{Databases: []string{req.Database}}, nil
}

func (s *echoService) Status(context.Context, *StatusRequest) (*StatusReply, error) {
	return &StatusReply{Endpoint: "bufnet", Threads: 2, Capacity: 4}, nil
}

func startServer(t *testing.T, svc Service, limiter *Limiter, cfg TransportConfig) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := NewServer(cfg, 2, svc, limiter)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	c, err := Dial("passthrough:///bufnet", cfg, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation(" Detect ")
	require.NoError(t, err)
	assert.Equal(t, OpDetect, op)
	assert.Equal(t, "Detect", op.method())

	_, err = ParseOperation("classify")
	assert.Error(t, err)

	dop, err := ParseDatabaseOp("CHECKPOINT")
	require.NoError(t, err)
	assert.Equal(t, "CheckpointDatabase", dop.method())
}

func TestServiceDescCoversAllOperations(t *testing.T) {
	assert.Len(t, ServiceDesc.Streams, len(Operations))
	assert.Len(t, ServiceDesc.Methods, len(DatabaseOps)+1)
	for _, op := range Operations {
		require.Contains(t, streamDescs, op)
		assert.True(t, streamDescs[op].ClientStreams)
		assert.True(t, streamDescs[op].ServerStreams)
	}
}

func TestStreamingAcrossCompressors(t *testing.T) {
	payload := bytes.Repeat([]byte("rgba"), 4096)
	for _, comp := range []string{CompressionNone, CompressionGzip, CompressionDeflate, CompressionZstd} {
		t.Run(comp, func(t *testing.T) {
			c := startServer(t, &echoService{}, NewLimiter(4), TransportConfig{Compression: comp})

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stream, err := c.OpenStream(ctx, OpExtract)
			require.NoError(t, err)

			for i := 0; i < 3; i++ {
				require.NoError(t, stream.Send(&Request{
					SourcePath: "clip.mp4", FrameIndex: i, FrameCount: 3, Last: i == 2,
					Encoding: EncodingRGBA, Payload: payload,
				}))
			}
			require.NoError(t, stream.CloseSend())

			for i := 0; i < 3; i++ {
				reply, err := stream.Recv()
				require.NoError(t, err)
				assert.Equal(t, i, reply.FrameIndex)
				assert.Equal(t, Progress{Current: i + 1, Total: 3}, reply.Progress)
				assert.JSONEq(t, `{"op":"extract","bytes":16384}`, string(reply.Result))
			}
			_, err = stream.Recv()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestUnaryDatabaseAndStatus(t *testing.T) {
	svc := &echoService{}
	c := startServer(t, svc, NewLimiter(2), TransportConfig{})
	ctx := context.Background()

	reply, err := c.Database(ctx, DBCreate, &DatabaseRequest{Database: "gallery"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gallery"}, reply.Databases)

	_, err = c.Database(ctx, DBRetrieve, &DatabaseRequest{Database: "gallery"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Capacity)
	assert.Equal(t, []DatabaseOp{DBCreate, DBRetrieve}, svc.dbCalls)
}

func TestLimiter(t *testing.T) {
	var admitted, released, rejected int
	l := NewLimiter(2)
	l.OnAdmit = func() { admitted++ }
	l.OnRelease = func() { released++ }
	l.OnReject = func() { rejected++ }

	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	assert.Equal(t, 2, l.InFlight())
	assert.EqualValues(t, 1, l.Rejected())

	l.Release()
	assert.True(t, l.TryAcquire())
	assert.Equal(t, 2, l.Capacity())
	assert.Equal(t, 3, admitted)
	assert.Equal(t, 1, released)
	assert.Equal(t, 1, rejected)
}

func TestAdmissionRejectsExcessStreams(t *testing.T) {
	limiter := NewLimiter(2)
	c := startServer(t, &echoService{}, limiter, TransportConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	open := func() ClientStream {
		s, err := c.OpenStream(ctx, OpDetect)
		require.NoError(t, err)
		require.NoError(t, s.Send(&Request{FrameCount: 1}))
		_, err = s.Recv()
		require.NoError(t, err)
		return s
	}
	a := open()
	_ = open()

	third, err := c.OpenStream(ctx, OpDetect)
	require.NoError(t, err)
	_ = third.Send(&Request{FrameCount: 1})
	_, err = third.Recv()
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	// Status is never subject to admission.
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bufnet", st.Endpoint)

	require.NoError(t, a.CloseSend())
	_, err = a.Recv()
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return limiter.InFlight() == 1 }, 2*time.Second, 5*time.Millisecond)

	_ = open()
	assert.EqualValues(t, 1, limiter.Rejected())
}

func TestValidCompression(t *testing.T) {
	assert.NoError(t, ValidCompression(""))
	assert.NoError(t, ValidCompression("zstd"))
	assert.Error(t, ValidCompression("lz4"))
	_, err := Dial("passthrough:///x", TransportConfig{Compression: "brotli"})
	assert.Error(t, err)
}
