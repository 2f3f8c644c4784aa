// Package muxer implements the container writers used by the Writer
// Registry to produce segment files, per spec.md §6.2 ("Container: standard
// ISO BMFF with moov at the end" for .mp4, and .mkv for codecs that don't
// map cleanly onto ISO BMFF sample entries). It replaces the donor's
// placeholder MKVWriter (a hand-written EBML header with no real muxing)
// with a real EBML writer for .mkv via at-wat/ebml-go/webm, and a compact
// but genuine ISO-BMFF muxer for .mp4.
package muxer

import (
	"fmt"
	"strings"
	"time"
)

// Writer is the container-agnostic interface the Writer Registry drives.
// Implementations are not safe for concurrent use; the Writer Registry
// guarantees at most one writer per stream is ever live (spec.md §3
// "Writer handle").
type Writer interface {
	// WriteFrame appends one encoded access unit at presentation time pts,
	// returning the number of container bytes written (post box/element
	// overhead), for size accounting.
	WriteFrame(data []byte, pts time.Duration, keyframe bool) (int, error)
	// SawKeyframe reports whether at least one keyframe has been written,
	// mirroring the Writer handle's "keyframe seen" flag (spec.md §3).
	SawKeyframe() bool
	// Close finalizes the container (writes trailing index structures) and
	// closes the underlying file. Idempotent.
	Close() error
	// Size returns the number of frame payload bytes written so far;
	// container headers, per-frame framing and index structures are not
	// counted.
	Size() int64
}

// Params describes the track this writer encodes, decided once at segment
// open and immutable for the writer's lifetime.
type Params struct {
	Codec     string // e.g. "h264", "h265", "vp8", "vp9", "mjpeg"
	Width     int
	Height    int
	FrameRate float64
	Audio     bool
}

// NewWriter opens path (which must not yet exist — callers open segments
// under the ".part" suffix per spec.md §4.2) and returns a Writer whose
// concrete container format is chosen from the file extension, ignoring a
// trailing ".part": ".mkv" uses the EBML/Matroska writer, ".mp4" uses the
// ISO-BMFF writer, and any other extension is rejected with an error.
func NewWriter(path string, p Params) (Writer, error) {
	name := strings.TrimSuffix(path, ".part")
	switch {
	case strings.HasSuffix(name, ".mkv"):
		return newMKVWriter(path, p)
	case strings.HasSuffix(name, ".mp4"):
		return newMP4Writer(path, p)
	default:
		return nil, fmt.Errorf("muxer: unsupported container for %q", path)
	}
}

// ExtensionFor picks the container extension for a codec, per SPEC_FULL.md
// §3: H.264/H.265 map onto ISO BMFF; everything else falls back to
// Matroska, which at-wat/ebml-go can express without a fixed codec table.
func ExtensionFor(codec string) string {
	switch strings.ToLower(codec) {
	case "h264", "h265", "hevc", "avc":
		return ".mp4"
	default:
		return ".mkv"
	}
}
