package muxer

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExtensionFor(t *testing.T) {
	cases := map[string]string{
		"h264": ".mp4",
		"H264": ".mp4",
		"h265": ".mp4",
		"hevc": ".mp4",
		"avc":  ".mp4",
		"vp8":  ".mkv",
		"vp9":  ".mkv",
		"mjpeg": ".mkv",
		"":      ".mkv",
	}
	for codec, want := range cases {
		if got := ExtensionFor(codec); got != want {
			t.Errorf("ExtensionFor(%q) = %q, want %q", codec, got, want)
		}
	}
}

func TestNewWriterRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.avi")
	if _, err := NewWriter(path, Params{}); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestMP4WriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.mp4")
	w, err := NewWriter(path, Params{Codec: "h264", Width: 640, Height: 480, FrameRate: 15})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if w.SawKeyframe() {
		t.Fatal("SawKeyframe should be false before any frame is written")
	}

	if _, err := w.WriteFrame([]byte{1, 2, 3}, 0, true); err != nil {
		t.Fatalf("WriteFrame keyframe: %v", err)
	}
	if _, err := w.WriteFrame([]byte{4, 5}, 33*time.Millisecond, false); err != nil {
		t.Fatalf("WriteFrame delta: %v", err)
	}
	if !w.SawKeyframe() {
		t.Fatal("SawKeyframe should be true after a keyframe is written")
	}
	if w.Size() <= 0 {
		t.Fatalf("Size() = %d, want > 0", w.Size())
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close must be idempotent.
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat output file: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("expected non-empty mp4 file on disk")
	}

	if _, err := w.WriteFrame([]byte{9}, 0, false); err == nil {
		t.Fatal("expected error writing to a closed writer")
	}
}

func TestMKVWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.mkv")
	w, err := NewWriter(path, Params{Codec: "vp8", Width: 640, Height: 480, FrameRate: 30})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if _, err := w.WriteFrame([]byte{1, 2, 3, 4}, 0, true); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if !w.SawKeyframe() {
		t.Fatal("expected SawKeyframe true")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat output file: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("expected non-empty mkv file on disk")
	}
}

func TestRepairMP4RecoversSamplesBeforeCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.mp4.part")
	params := Params{Codec: "h264", Width: 640, Height: 480, FrameRate: 15}

	w, err := newMP4Writer(path, params)
	if err != nil {
		t.Fatalf("newMP4Writer: %v", err)
	}
	if _, err := w.WriteFrame([]byte{1, 2, 3}, 0, true); err != nil {
		t.Fatalf("WriteFrame 1: %v", err)
	}
	if _, err := w.WriteFrame([]byte{4, 5}, 33*time.Millisecond, false); err != nil {
		t.Fatalf("WriteFrame 2: %v", err)
	}
	// Simulate a crash: the file is never Close()'d, so no moov is ever
	// written, matching what CrashFinalizeAll finds after a restart.
	mw := w.(*mp4Writer)
	if err := mw.file.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	n, err := RepairMP4(path, params)
	if err != nil {
		t.Fatalf("RepairMP4: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered %d samples, want 2", n)
	}
}

func TestRepairMP4NoKeyframeFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.mp4.part")
	params := Params{Codec: "h264", Width: 640, Height: 480, FrameRate: 15}

	w, err := newMP4Writer(path, params)
	if err != nil {
		t.Fatalf("newMP4Writer: %v", err)
	}
	if _, err := w.WriteFrame([]byte{1, 2, 3}, 0, false); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	mw := w.(*mp4Writer)
	if err := mw.file.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if _, err := RepairMP4(path, params); err == nil {
		t.Fatal("expected error recovering a file with no keyframe")
	}
}
