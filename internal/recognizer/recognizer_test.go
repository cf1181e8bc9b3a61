package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/biostream/internal/database"
	"github.com/withObsrvr/biostream/internal/rpc"
)

func grey(w, h int, v uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func TestEchoRGBA(t *testing.T) {
	img := grey(3, 2, 100)
	req := &rpc.Request{RequestID: "r1", FrameIndex: 4, FrameCount: 9, Width: 3, Height: 2, Encoding: rpc.EncodingRGBA, Payload: img.Pix}

	res, err := (&Echo{}).Process(context.Background(), rpc.OpDetect, req)
	require.NoError(t, err)

	var rep echoReport
	require.NoError(t, json.Unmarshal(res.Payload, &rep))
	assert.Equal(t, rpc.OpDetect, rep.Operation)
	assert.Equal(t, 4, rep.FrameIndex)
	assert.Equal(t, 24, rep.Bytes)
	assert.InDelta(t, 100, rep.MeanLuma, 0.01)
	assert.Contains(t, res.Sub, "analyze")
	assert.NotContains(t, res.Sub, "decode")
}

func TestEchoJPEGDecodeIsTimed(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, grey(8, 8, 200), imaging.JPEG))
	req := &rpc.Request{Width: 8, Height: 8, Encoding: rpc.EncodingJPEG, Payload: buf.Bytes()}

	res, err := (&Echo{}).Process(context.Background(), rpc.OpExtract, req)
	require.NoError(t, err)
	assert.Contains(t, res.Sub, "decode")

	req.Width = 9
	_, err = (&Echo{}).Process(context.Background(), rpc.OpExtract, req)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEchoRejectsBadPayload(t *testing.T) {
	e := &Echo{}
	_, err := e.Process(context.Background(), rpc.OpDetect, &rpc.Request{Width: 2, Height: 2, Encoding: rpc.EncodingRGBA, Payload: []byte{1, 2}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.Process(context.Background(), rpc.OpDetect, &rpc.Request{Encoding: "webp"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEchoEnroll(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore(nil, "")
	require.NoError(t, store.Create(ctx, "staff"))
	e := &Echo{Store: store}

	img := grey(2, 2, 10)
	req := &rpc.Request{
		FrameCount: 1,
		Width:      2,
		Height:     2,
		Encoding:   rpc.EncodingRGBA,
		Payload:    img.Pix,
		Options:    rpc.Options{Database: "staff", TemplateID: "alice"},
	}
	res, err := e.Process(ctx, rpc.OpEnroll, req)
	require.NoError(t, err)

	var rep echoReport
	require.NoError(t, json.Unmarshal(res.Payload, &rep))
	assert.Equal(t, "alice", rep.EnrolledID)
	assert.Contains(t, res.Sub, "insert")

	recs, err := store.Retrieve(ctx, "staff", nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	req.Options.Database = "missing"
	_, err = e.Process(ctx, rpc.OpEnroll, req)
	assert.ErrorIs(t, err, database.ErrNotFound)

	req.Options.Database = ""
	_, err = e.Process(ctx, rpc.OpEnroll, req)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
