// Package timeline builds the HLS-style playback manifest named by
// spec.md §6.3 ("timeline.build_manifest(stream, t0, t1) -> manifest_path
// ... concatenating segment descriptors").
//
// It is grounded on Emibrown-HLS-Playlist-Orchestrator's
// internal/orchestrator/playlist_utils.go (BuildLivePlaylist), generalized
// from a live, possibly-still-growing rendition to a bounded historical
// range: a manifest built here always covers a closed [t0, t1] window, so
// it is unconditionally terminated with #EXT-X-ENDLIST rather than
// optionally so.
package timeline

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/lightnvr/engine/internal/model"
)

// BuildPlaylist renders segs (already scoped to a stream and time range,
// ordered by start_time ascending) as an HLS VOD playlist.
func BuildPlaylist(segs []*model.Segment) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(segs) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		b.WriteString("#EXT-X-ENDLIST\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(segs)))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n\n", segs[0].ID))

	for _, seg := range segs {
		b.WriteString(fmt.Sprintf("#EXTINF:%.1f,\n", seg.Duration().Seconds()))
		b.WriteString(seg.FilePath)
		b.WriteString("\n")
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// targetDuration returns the HLS #EXT-X-TARGETDURATION value:
// the ceiling of the longest segment's duration in seconds.
func targetDuration(segs []*model.Segment) int {
	max := 0.0
	for _, seg := range segs {
		if d := seg.Duration().Seconds(); d > max {
			max = d
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}

// BuildManifest renders segs as a playlist and writes it to
// <manifestRoot>/<stream>/<t0>-<t1>.m3u8, returning the written path.
// Callers pass segs already filtered to [t0, t1] via
// catalog.Store.ListSegments.
func BuildManifest(manifestRoot, stream string, t0, t1 int64, segs []*model.Segment) (string, error) {
	dir := filepath.Join(manifestRoot, stream)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("timeline: create manifest dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%d-%d.m3u8", t0, t1))
	if err := os.WriteFile(path, []byte(BuildPlaylist(segs)), 0o644); err != nil {
		return "", fmt.Errorf("timeline: write manifest: %w", err)
	}
	return path, nil
}
