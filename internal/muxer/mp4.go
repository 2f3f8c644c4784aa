package muxer

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// mp4Writer produces a standard ISO BMFF file with a streamed mdat and the
// moov (sample tables) written last, per spec.md §6.2. Unlike the donor's
// MKVWriter (a fixed byte-literal EBML header with no real sample
// accounting), this writer keeps an in-memory sample table as frames
// arrive and synthesizes a real moov/trak/stbl from it on Close.
//
// Each sample is additionally framed inside mdat with a 5-byte
// microheader (4-byte big-endian length + 1 keyframe flag byte) ahead of
// its payload. This is not part of the ISO BMFF spec; it exists so
// crash-finalize (mp4_repair.go) can walk mdat's contents and rebuild the
// sample table without moov, since a crash always destroys the in-memory
// table before it reaches disk.
type mp4Writer struct {
	mu   sync.Mutex
	file *os.File
	p    Params

	mdatHeaderOffset int64
	mdatDataOffset   int64
	cursor           int64

	samples []mp4Sample
	keyseen atomic.Bool
	size    atomic.Int64
	closed  bool
}

type mp4Sample struct {
	offset   int64 // offset of payload (past the microheader) within the file
	size     int64
	keyframe bool
	ptsNanos int64
}

const mp4MicroHeaderSize = 5

func newMP4Writer(path string, p Params) (Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	if _, err := file.Write(buildFtyp()); err != nil {
		file.Close()
		return nil, err
	}

	mdatHeaderOffset, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		file.Close()
		return nil, err
	}
	// Placeholder mdat header (size patched on Close); box type + zero size.
	if _, err := file.Write(mdatPlaceholderHeader()); err != nil {
		file.Close()
		return nil, err
	}
	mdatDataOffset, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &mp4Writer{
		file:             file,
		p:                p,
		mdatHeaderOffset: mdatHeaderOffset,
		mdatDataOffset:   mdatDataOffset,
		cursor:           mdatDataOffset,
	}, nil
}

func (w *mp4Writer) WriteFrame(data []byte, pts time.Duration, keyframe bool) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}

	header := make([]byte, mp4MicroHeaderSize)
	binary.BigEndian.PutUint32(header[:4], uint32(len(data)))
	if keyframe {
		header[4] = 1
	}

	n, err := w.file.Write(header)
	if err != nil {
		return 0, err
	}
	payloadOffset := w.cursor + int64(n)

	m, err := w.file.Write(data)
	if err != nil {
		return n, err
	}
	w.cursor += int64(n + m)

	w.samples = append(w.samples, mp4Sample{
		offset:   payloadOffset,
		size:     int64(len(data)),
		keyframe: keyframe,
		ptsNanos: pts.Nanoseconds(),
	})
	if keyframe {
		w.keyseen.Store(true)
	}
	w.size.Add(int64(m))
	return n + m, nil
}

func (w *mp4Writer) SawKeyframe() bool { return w.keyseen.Load() }

func (w *mp4Writer) Size() int64 { return w.size.Load() }

func (w *mp4Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	mdatSize := w.cursor - w.mdatHeaderOffset
	if err := patchBoxSize(w.file, w.mdatHeaderOffset, mdatSize); err != nil {
		w.file.Close()
		return err
	}

	moov := buildMoov(w.p, w.samples)
	if _, err := w.file.Write(moov); err != nil {
		w.file.Close()
		return err
	}

	return w.file.Close()
}

// --- box building -----------------------------------------------------

func box(boxType string, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(8+len(payload)))
	copy(buf[4:8], boxType)
	copy(buf[8:], payload)
	return buf
}

func buildFtyp() []byte {
	var buf bytes.Buffer
	buf.WriteString("isom")
	binary.Write(&buf, binary.BigEndian, uint32(0x200))
	buf.WriteString("isom")
	buf.WriteString("iso2")
	buf.WriteString("mp41")
	return box("ftyp", buf.Bytes())
}

func mdatPlaceholderHeader() []byte {
	buf := make([]byte, 8)
	copy(buf[4:8], "mdat")
	return buf
}

func patchBoxSize(f *os.File, headerOffset, size int64) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(size))
	_, err := f.WriteAt(buf, headerOffset)
	return err
}

const mp4TimeScale = 90000

func buildMoov(p Params, samples []mp4Sample) []byte {
	var stts, stsz, stco bytes.Buffer
	var stss bytes.Buffer
	var syncCount uint32

	stts.Write(u32(0))                  // version/flags
	sttsEntries := buildSTTSEntries(p, samples)
	stts.Write(u32(uint32(len(sttsEntries))))
	for _, e := range sttsEntries {
		stts.Write(u32(e.count))
		stts.Write(u32(e.delta))
	}

	stsz.Write(u32(0))
	stsz.Write(u32(0)) // sample_size = 0 => variable sizes follow
	stsz.Write(u32(uint32(len(samples))))
	for _, s := range samples {
		stsz.Write(u32(uint32(s.size)))
	}

	stco.Write(u32(0))
	stco.Write(u32(uint32(len(samples))))
	for _, s := range samples {
		stco.Write(u32(uint32(s.offset)))
	}

	stss.Write(u32(0))
	syncOffsetsHeader := stss.Len()
	stss.Write(u32(0)) // patched below
	for i, s := range samples {
		if s.keyframe {
			stss.Write(u32(uint32(i + 1)))
			syncCount++
		}
	}
	stssBytes := stss.Bytes()
	binary.BigEndian.PutUint32(stssBytes[syncOffsetsHeader:syncOffsetsHeader+4], syncCount)

	stsd := buildSTSD(p)

	stbl := box("stbl", concat(stsd, box("stts", stts.Bytes()), box("stss", stssBytes), box("stsz", stsz.Bytes()), box("stco", stco.Bytes())))

	vmhd := box("vmhd", append(u32(1), 0, 0, 0, 0, 0, 0, 0, 0)[:12])
	dref := box("dref", concat(u32(0), u32(1), box("url ", u32(1))))
	dinf := box("dinf", dref)
	minf := box("minf", concat(vmhd, dinf, stbl))

	mdhd := buildMDHD(p)
	hdlr := buildHDLR()
	mdia := box("mdia", concat(mdhd, hdlr, minf))

	tkhd := buildTKHD(p)
	trak := box("trak", concat(tkhd, mdia))

	mvhd := buildMVHD(samples)

	return box("moov", concat(mvhd, trak))
}

type sttsEntry struct {
	count uint32
	delta uint32
}

func buildSTTSEntries(p Params, samples []mp4Sample) []sttsEntry {
	if len(samples) == 0 {
		return nil
	}
	delta := uint32(mp4TimeScale / maxFloat(p.FrameRate, 1))
	return []sttsEntry{{count: uint32(len(samples)), delta: delta}}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func buildSTSD(p Params) []byte {
	entry := concat(
		make([]byte, 6), // reserved
		u16(1),          // data_reference_index
		make([]byte, 16),
		u16(uint16(p.Width)),
		u16(uint16(p.Height)),
		u32(0x00480000), // horizresolution 72dpi
		u32(0x00480000), // vertresolution
		u32(0),          // reserved
		u16(1),          // frame_count
		make([]byte, 32),
		u16(0x18), // depth
		u16(0xFFFF),
	)
	sampleEntry := box(fourCCFor(p.Codec), entry)
	return box("stsd", concat(u32(0), u32(1), sampleEntry))
}

func fourCCFor(codec string) string {
	switch codec {
	case "h265", "hevc":
		return "hvc1"
	default:
		return "avc1"
	}
}

func buildMDHD(p Params) []byte {
	payload := concat(u32(0), u32(0), u32(0), u32(mp4TimeScale), u32(0), u16(0x55C4), u16(0))
	return box("mdhd", payload)
}

func buildHDLR() []byte {
	payload := concat(u32(0), u32(0), []byte("vide"), make([]byte, 12), []byte("VideoHandler\x00"))
	return box("hdlr", payload)
}

func buildTKHD(p Params) []byte {
	payload := concat(u32(0x00000007), u32(0), u32(0), u32(1), u32(0), u32(0), u32(0), u16(0), u16(0), u16(0), u16(0), identityMatrix(), u32(uint32(p.Width)<<16), u32(uint32(p.Height)<<16))
	return box("tkhd", payload)
}

func identityMatrix() []byte {
	m := []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}
	buf := make([]byte, 0, 36)
	for _, v := range m {
		buf = append(buf, u32(v)...)
	}
	return buf
}

func buildMVHD(samples []mp4Sample) []byte {
	var durationTicks uint32
	if len(samples) > 0 {
		durationTicks = uint32(samples[len(samples)-1].ptsNanos * mp4TimeScale / int64(time.Second))
	}
	payload := concat(u32(0), u32(0), u32(0), u32(mp4TimeScale), u32(durationTicks), u32(0x00010000), u16(0x0100), u16(0), make([]byte, 8), identityMatrix(), make([]byte, 24), u32(2))
	return box("mvhd", payload)
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func concat(parts ...[]byte) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(p)
	}
	return buf.Bytes()
}
