package muxer

import (
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/at-wat/ebml-go/webm"
)

// mkvWriter wraps at-wat/ebml-go/webm's SimpleBlockWriter, grounded on the
// donor's internal/video/recorder.go usage of the same package (there used
// directly against a WebRTC track; here driven by the Capture Worker's
// decoded-frame stream instead).
type mkvWriter struct {
	file    *os.File
	block   webm.BlockWriteCloser
	base    time.Time
	keyseen atomic.Bool
	size    atomic.Int64
}

func newMKVWriter(path string, p Params) (Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	tracks := []webm.TrackEntry{
		{
			Name:            "Video",
			TrackNumber:     1,
			TrackUID:        1,
			CodecID:         codecIDFor(p.Codec),
			TrackType:       1, // video
			DefaultDuration: frameDurationNanos(p.FrameRate),
			Video: &webm.Video{
				PixelWidth:  uint64(p.Width),
				PixelHeight: uint64(p.Height),
			},
		},
	}
	if p.Audio {
		tracks = append(tracks, webm.TrackEntry{
			Name:        "Audio",
			TrackNumber: 2,
			TrackUID:    2,
			CodecID:     "A_OPUS",
			TrackType:   2,
			Audio: &webm.Audio{
				SamplingFrequency: 48000,
				Channels:          1,
			},
		})
	}

	writers, err := webm.NewSimpleBlockWriter(file, tracks)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &mkvWriter{file: file, block: writers[0], base: time.Now()}, nil
}

func codecIDFor(codec string) string {
	switch codec {
	case "vp8":
		return "V_VP8"
	case "vp9":
		return "V_VP9"
	case "h264":
		return "V_MPEG4/ISO/AVC"
	case "h265", "hevc":
		return "V_MPEGH/ISO/HEVC"
	case "mjpeg":
		return "V_MJPEG"
	default:
		return "V_VP8"
	}
}

func frameDurationNanos(fps float64) uint64 {
	if fps <= 0 {
		return 0
	}
	return uint64(float64(time.Second) / fps)
}

func (w *mkvWriter) WriteFrame(data []byte, pts time.Duration, keyframe bool) (int, error) {
	bw, ok := w.block.(webm.BlockWriter)
	if !ok {
		return 0, os.ErrInvalid
	}
	n, err := bw.Write(keyframe, pts.Milliseconds(), data)
	if err != nil {
		return n, err
	}
	if keyframe {
		w.keyseen.Store(true)
	}
	w.size.Add(int64(n))
	return n, nil
}

func (w *mkvWriter) SawKeyframe() bool { return w.keyseen.Load() }

func (w *mkvWriter) Size() int64 { return w.size.Load() }

func (w *mkvWriter) Close() error {
	if w.block == nil {
		return nil
	}
	err := w.block.Close()
	w.block = nil
	// The webm block writer closes the file itself once every track writer
	// it returned is closed; only the video track's writer is kept here, so
	// the file is closed directly as well and an already-closed file is not
	// an error.
	if cerr := w.file.Close(); err == nil && cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		err = cerr
	}
	return err
}
