package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/withObsrvr/biostream/internal/rpc"
)

func collect(t *testing.T) (*[]*rpc.Reply, func(*rpc.Reply) error) {
	t.Helper()
	var got []*rpc.Reply
	return &got, func(r *rpc.Reply) error {
		got = append(got, r)
		return nil
	}
}

func TestStreamFileWindowBound(t *testing.T) {
	for _, k := range []int{1, 3, 4, 20} {
		c := &fakeCaller{}
		got, onReply := collect(t)

		stats, err := StreamFile(context.Background(), c, rpc.OpDetect,
			&sliceSource{reqs: makeRequests("a.vid", 10)}, k, onReply)
		require.NoError(t, err, "k=%d", k)

		assert.Equal(t, 10, stats.Sent)
		assert.Equal(t, 10, stats.Received)
		assert.Equal(t, min(k, 10), stats.MaxOutstanding, "k=%d", k)
		assert.LessOrEqual(t, c.streams[0].maxOut, k)

		require.Len(t, *got, 10)
		for i, r := range *got {
			assert.Equal(t, i, r.FrameIndex)
		}
	}
}

func TestStreamFileStreamAll(t *testing.T) {
	c := &fakeCaller{}
	got, onReply := collect(t)

	stats, err := StreamFile(context.Background(), c, rpc.OpExtract,
		&sliceSource{reqs: makeRequests("a.vid", 25)}, -1, onReply)
	require.NoError(t, err)
	assert.Equal(t, 25, stats.Sent)
	assert.Equal(t, 25, stats.Received)

	require.Len(t, *got, 25)
	for i, r := range *got {
		assert.Equal(t, i, r.FrameIndex)
		assert.True(t, r.Durations.Outbound.Complete(), "outbound stamped on both ends")
		assert.True(t, r.Durations.Inbound.Complete(), "inbound end stamped on receipt")
		assert.True(t, r.Durations.Total.Complete(), "total finalized")
		assert.GreaterOrEqual(t, r.Durations.Total.Duration(), r.Durations.Remote.Duration())
		assert.Equal(t, i+1, r.Progress.Current)
	}
}

func TestStreamFileZeroBatchRejected(t *testing.T) {
	_, err := StreamFile(context.Background(), &fakeCaller{}, rpc.OpDetect, &sliceSource{}, 0, nil)
	assert.Error(t, err)
}

func TestStreamFileRequestErrorIsDecode(t *testing.T) {
	for _, batch := range []int{-1, 2} {
		src := &sliceSource{reqs: makeRequests("a.vid", 3), err: errors.New("bad frame")}
		_, onReply := collect(t)
		_, err := StreamFile(context.Background(), &fakeCaller{}, rpc.OpDetect, src, batch, onReply)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDecode, "batch=%d", batch)
		assert.NotErrorIs(t, err, ErrTransport)
	}
}

func TestStreamFileTransportError(t *testing.T) {
	for _, batch := range []int{-1, 3} {
		c := &fakeCaller{
			failures: map[string]int{"a.vid": 1},
			failAt:   map[string]int{"a.vid": 4},
		}
		got, onReply := collect(t)
		_, err := StreamFile(context.Background(), c, rpc.OpDetect,
			&sliceSource{reqs: makeRequests("a.vid", 10)}, batch, onReply)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTransport, "batch=%d", batch)
		assert.Equal(t, codes.Unavailable, status.Code(err))
		assert.LessOrEqual(t, len(*got), 4)
	}
}

func TestStreamFileReplyErrorStopsCall(t *testing.T) {
	stop := errors.New("stop")
	for _, batch := range []int{-1, 2} {
		n := 0
		_, err := StreamFile(context.Background(), &fakeCaller{}, rpc.OpDetect,
			&sliceSource{reqs: makeRequests("a.vid", 10)}, batch, func(*rpc.Reply) error {
				n++
				if n == 2 {
					return stop
				}
				return nil
			})
		assert.ErrorIs(t, err, stop, "batch=%d", batch)
	}
}
