package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/withObsrvr/biostream/internal/logging"
)

type entry struct {
	kind Kind
	dec  Decoder
}

// Source maps media paths to decoders and opens unit streams.
type Source struct {
	mu       sync.RWMutex
	decoders map[string]entry
	live     Decoder
	stat     func(string) (os.FileInfo, error)
	log      *slog.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithDecoder registers dec for a file extension such as ".png".
func WithDecoder(ext string, kind Kind, dec Decoder) Option {
	return func(s *Source) { s.Register(ext, kind, dec) }
}

// WithLiveSources lets stream URLs through to dec, typically a VideoDecoder.
func WithLiveSources(dec Decoder) Option {
	return func(s *Source) { s.live = dec }
}

// WithoutBuiltins drops the default image and video decoders.
func WithoutBuiltins() Option {
	return func(s *Source) { s.decoders = make(map[string]entry) }
}

// New returns a Source with the built-in image and video decoders
// registered, then applies opts.
func New(opts ...Option) *Source {
	s := &Source{
		decoders: make(map[string]entry),
		stat:     os.Stat,
		log:      logging.Component("media"),
	}
	img := ImageDecoder{}
	for _, ext := range ImageExtensions {
		s.Register(ext, KindImage, img)
	}
	vid := &VideoDecoder{}
	for _, ext := range VideoExtensions {
		s.Register(ext, KindVideo, vid)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register associates a decoder with an extension, replacing any previous
// registration.
func (s *Source) Register(ext string, kind Kind, dec Decoder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ext != "" && ext[0] != '.' {
		ext = "." + ext
	}
	s.decoders[ext] = entry{kind: kind, dec: dec}
}

// Kind classifies path, returning KindUnknown when no decoder applies.
func (s *Source) Kind(path string) Kind {
	e, ok := s.lookup(path)
	if !ok {
		return KindUnknown
	}
	return e.kind
}

func (s *Source) lookup(path string) (entry, bool) {
	if IsLiveURL(path) {
		if s.live == nil {
			return entry{}, false
		}
		return entry{kind: KindVideo, dec: s.live}, true
	}

	ext, compressed := splitExt(path)
	s.mu.RLock()
	e, ok := s.decoders[ext]
	s.mu.RUnlock()
	if !ok {
		return entry{}, false
	}
	if compressed && e.kind != KindImage {
		return entry{}, false
	}
	return e, true
}

// Open starts decoding path. Each call starts from the first unit, so a
// stream can be restarted by opening the path again.
func (s *Source) Open(ctx context.Context, path string) (Stream, error) {
	e, ok := s.lookup(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}

	r, err := e.dec.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDecode, path, err)
	}
	return newFileStream(path, r), nil
}
