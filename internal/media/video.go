package media

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// VideoDecoder decodes video files and live streams by piping raw RGBA
// frames out of ffmpeg. Dimensions and the frame count estimate come from
// ffprobe.
type VideoDecoder struct {
	FFmpeg  string // defaults to "ffmpeg" on PATH
	FFprobe string // defaults to "ffprobe" on PATH
}

// VideoInfo is what ffprobe reports about the first video stream.
type VideoInfo struct {
	Width  int
	Height int
	// Frames is the container's frame count, or an estimate from duration
	// and frame rate, or 0 when neither is known (live sources).
	Frames int
}

func (d *VideoDecoder) ffmpeg() string {
	if d.FFmpeg == "" {
		return "ffmpeg"
	}
	return d.FFmpeg
}

func (d *VideoDecoder) ffprobe() string {
	if d.FFprobe == "" {
		return "ffprobe"
	}
	return d.FFprobe
}

// Probe inspects path with ffprobe.
func (d *VideoDecoder) Probe(ctx context.Context, path string) (VideoInfo, error) {
	cmd := exec.CommandContext(ctx, d.ffprobe(),
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,nb_frames,r_frame_rate,duration",
		"-of", "json",
		path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(out)
}

type probeOutput struct {
	Streams []struct {
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		NbFrames   string `json:"nb_frames"`
		RFrameRate string `json:"r_frame_rate"`
		Duration   string `json:"duration"`
	} `json:"streams"`
}

func parseProbe(out []byte) (VideoInfo, error) {
	var p probeOutput
	if err := json.Unmarshal(out, &p); err != nil {
		return VideoInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(p.Streams) == 0 {
		return VideoInfo{}, errors.New("no video stream")
	}
	st := p.Streams[0]
	if st.Width <= 0 || st.Height <= 0 {
		return VideoInfo{}, fmt.Errorf("invalid video dimensions %dx%d", st.Width, st.Height)
	}

	info := VideoInfo{Width: st.Width, Height: st.Height}
	if n, err := strconv.Atoi(st.NbFrames); err == nil && n > 0 {
		info.Frames = n
		return info, nil
	}

	dur, derr := strconv.ParseFloat(st.Duration, 64)
	fps := parseRate(st.RFrameRate)
	if derr == nil && dur > 0 && fps > 0 {
		info.Frames = int(math.Round(dur * fps))
	}
	return info, nil
}

// parseRate parses ffprobe rates like "30000/1001".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	dd, err := strconv.ParseFloat(den, 64)
	if err != nil || dd == 0 {
		return 0
	}
	return n / dd
}

// Open implements Decoder.
func (d *VideoDecoder) Open(ctx context.Context, path string) (FrameReader, error) {
	info, err := d.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, d.ffmpeg(),
		"-v", "error",
		"-nostdin",
		"-noautorotate",
		"-i", path,
		"-map", "0:v:0",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	return &videoReader{
		cmd:    cmd,
		out:    bufio.NewReaderSize(stdout, 1<<20),
		stderr: stderr,
		info:   info,
	}, nil
}

type videoReader struct {
	cmd    *exec.Cmd
	out    *bufio.Reader
	stderr *tailBuffer
	info   VideoInfo
	waited bool
	err    error
}

func (v *videoReader) ReadFrame() (*image.NRGBA, error) {
	if v.waited {
		if v.err != nil {
			return nil, v.err
		}
		return nil, io.EOF
	}

	img := image.NewNRGBA(image.Rect(0, 0, v.info.Width, v.info.Height))
	_, err := io.ReadFull(v.out, img.Pix)
	switch {
	case err == nil:
		return img, nil
	case errors.Is(err, io.EOF):
		if werr := v.wait(); werr != nil {
			return nil, werr
		}
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		werr := v.wait()
		return nil, errors.Join(errors.New("truncated frame"), werr)
	default:
		return nil, err
	}
}

func (v *videoReader) wait() error {
	if v.waited {
		return v.err
	}
	v.waited = true
	if err := v.cmd.Wait(); err != nil {
		v.err = fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(v.stderr.String()))
	}
	return v.err
}

func (v *videoReader) EstimatedFrames() int { return v.info.Frames }

func (v *videoReader) Close() error {
	if v.waited {
		return nil
	}
	_ = v.cmd.Process.Kill()
	v.waited = true
	_ = v.cmd.Wait()
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
