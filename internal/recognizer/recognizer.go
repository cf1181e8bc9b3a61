// Package recognizer defines the algorithm boundary of a worker. The
// recognition algorithms themselves live outside this module; Echo stands
// in for them.
package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/disintegration/imaging"

	"github.com/withObsrvr/biostream/internal/database"
	"github.com/withObsrvr/biostream/internal/rpc"
)

// ErrInvalidInput marks requests the recognizer cannot interpret.
var ErrInvalidInput = errors.New("invalid input")

// Result is the opaque outcome of one unit plus the sub-durations the
// recognizer measured.
type Result struct {
	Payload json.RawMessage
	Sub     map[string]time.Duration
}

// Recognizer processes one unit of an operation.
type Recognizer interface {
	Process(ctx context.Context, op rpc.Operation, req *rpc.Request) (*Result, error)
}

// Echo reports what it received without recognizing anything. For enroll
// it stores the report as a record in the requested database.
type Echo struct {
	Store database.Store
}

type echoReport struct {
	Operation  rpc.Operation `json:"operation"`
	RequestID  string        `json:"request_id"`
	FrameIndex int           `json:"frame_index"`
	FrameCount int           `json:"frame_count"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Encoding   string        `json:"encoding"`
	Bytes      int           `json:"bytes"`
	MeanLuma   float64       `json:"mean_luma"`
	EnrolledID string        `json:"enrolled_id,omitempty"`
}

// Process implements Recognizer.
func (e *Echo) Process(ctx context.Context, op rpc.Operation, req *rpc.Request) (*Result, error) {
	res := &Result{Sub: make(map[string]time.Duration)}
	rep := echoReport{
		Operation:  op,
		RequestID:  req.RequestID,
		FrameIndex: req.FrameIndex,
		FrameCount: req.FrameCount,
		Width:      req.Width,
		Height:     req.Height,
		Encoding:   req.Encoding,
		Bytes:      len(req.Payload),
	}

	pix, err := e.pixels(req, res)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rep.MeanLuma = meanLuma(pix)
	res.Sub["analyze"] = time.Since(start)

	if op == rpc.OpEnroll {
		id, err := e.enroll(ctx, req, rep, res)
		if err != nil {
			return nil, err
		}
		rep.EnrolledID = id
	}

	res.Payload, err = json.Marshal(rep)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// pixels returns the RGBA bytes of the request, decoding JPEG payloads.
func (e *Echo) pixels(req *rpc.Request, res *Result) ([]byte, error) {
	switch req.Encoding {
	case rpc.EncodingJPEG:
		start := time.Now()
		img, err := imaging.Decode(bytes.NewReader(req.Payload))
		if err != nil {
			return nil, fmt.Errorf("%w: decode unit %d: %v", ErrInvalidInput, req.FrameIndex, err)
		}
		res.Sub["decode"] = time.Since(start)
		nrgba := imaging.Clone(img)
		b := nrgba.Bounds()
		if b.Dx() != req.Width || b.Dy() != req.Height {
			return nil, fmt.Errorf("%w: unit %d is %dx%d, request says %dx%d",
				ErrInvalidInput, req.FrameIndex, b.Dx(), b.Dy(), req.Width, req.Height)
		}
		return nrgba.Pix, nil
	case rpc.EncodingRGBA, "":
		if want := req.Width * req.Height * 4; len(req.Payload) != want {
			return nil, fmt.Errorf("%w: unit %d has %d bytes, %dx%d rgba needs %d",
				ErrInvalidInput, req.FrameIndex, len(req.Payload), req.Width, req.Height, want)
		}
		return req.Payload, nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrInvalidInput, req.Encoding)
	}
}

func (e *Echo) enroll(ctx context.Context, req *rpc.Request, rep echoReport, res *Result) (string, error) {
	if e.Store == nil {
		return "", fmt.Errorf("%w: enroll needs a database store", ErrInvalidInput)
	}
	if req.Options.Database == "" {
		return "", fmt.Errorf("%w: enroll needs options.database", ErrInvalidInput)
	}
	data, err := json.Marshal(rep)
	if err != nil {
		return "", err
	}
	id := req.Options.TemplateID
	if id != "" && req.FrameCount > 1 {
		id = fmt.Sprintf("%s#%d", id, req.FrameIndex)
	}

	start := time.Now()
	ids, err := e.Store.Insert(ctx, req.Options.Database, []database.Record{{ID: id, Data: data}})
	res.Sub["insert"] = time.Since(start)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// meanLuma is the average Rec. 601 luma of RGBA pixels.
func meanLuma(pix []byte) float64 {
	n := len(pix) / 4
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+3 < len(pix); i += 4 {
		sum += 0.299*float64(pix[i]) + 0.587*float64(pix[i+1]) + 0.114*float64(pix[i+2])
	}
	return sum / float64(n)
}
