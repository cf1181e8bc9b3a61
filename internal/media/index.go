package media

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// Extensions handled by the built-in decoders.
var (
	ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tif", ".tiff"}
	VideoExtensions = []string{".mp4", ".avi", ".mov", ".mkv", ".webm"}
)

// compressedSuffix marks zstd-compressed images, e.g. face.png.zst.
const compressedSuffix = ".zst"

// Skip records a path left out of a batch and why.
type Skip struct {
	Path   string
	Reason string
}

// splitExt returns the lower-cased media extension of path and whether the
// file carries a compression suffix.
func splitExt(path string) (ext string, compressed bool) {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, compressedSuffix) {
		compressed = true
		lower = strings.TrimSuffix(lower, compressedSuffix)
	}
	return filepath.Ext(lower), compressed
}

// IsLiveURL reports whether path names a network stream rather than a file.
func IsLiveURL(path string) bool {
	for _, scheme := range []string{"rtsp://", "rtsps://", "rtmp://", "http://", "https://", "udp://"} {
		if strings.HasPrefix(strings.ToLower(path), scheme) {
			return true
		}
	}
	return false
}

// Expand resolves a list of files, directories and stream URLs into the
// ordered list of media paths to process. Directories are walked in lexical
// order. Paths with no registered decoder are returned as skips.
func (s *Source) Expand(paths []string) ([]string, []Skip) {
	var (
		out   []string
		skips []Skip
	)

	add := func(path string) {
		if s.Kind(path) == KindUnknown {
			ext, _ := splitExt(path)
			reason := fmt.Sprintf("unsupported extension %q", ext)
			if IsLiveURL(path) {
				reason = "live sources disabled"
			}
			s.log.Warn("skipping file", "file", path, "reason", reason)
			skips = append(skips, Skip{Path: path, Reason: reason})
			return
		}
		out = append(out, path)
	}

	for _, p := range paths {
		if IsLiveURL(p) {
			add(p)
			continue
		}

		info, err := s.stat(p)
		if err != nil || !info.IsDir() {
			// Missing files are left in so the batch reports them as
			// failures rather than silently dropping them.
			add(p)
			continue
		}

		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			add(path)
			return nil
		})
		if err != nil {
			s.log.Warn("walk failed", "dir", p, "error", err)
			skips = append(skips, Skip{Path: p, Reason: err.Error()})
		}
	}
	return out, skips
}
