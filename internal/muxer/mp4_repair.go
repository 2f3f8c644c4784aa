package muxer

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// RepairMP4 implements the mp4 half of spec.md §4.2's crash-finalize: "read
// the container index, truncate to the last valid keyframe group, rename to
// the final name". Because a crash always happens before moov is written,
// there is no index to read from the box structure itself; instead this
// walks the 5-byte microheaders newMP4Writer embeds ahead of every sample
// inside mdat (see mp4.go) until it hits a truncated or malformed record,
// then synthesizes a moov from the samples it could recover and truncates
// the file at that point.
//
// It returns the number of recovered samples. A file with zero recoverable
// samples is the caller's cue to move it aside as ".corrupt" instead
// (spec.md §4.2).
func RepairMP4(path string, p Params) (int, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	ftypSize, err := readBoxSize(f, 0)
	if err != nil {
		return 0, err
	}
	mdatHeaderOffset := int64(ftypSize)
	mdatDataOffset := mdatHeaderOffset + 8

	if _, err := readBoxType(f, mdatHeaderOffset); err != nil {
		return 0, err
	}

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	fileSize := info.Size()

	var samples []mp4Sample
	cursor := mdatDataOffset
	var lastKeyframeCursor int64 = -1

	for cursor+mp4MicroHeaderSize <= fileSize {
		header := make([]byte, mp4MicroHeaderSize)
		if _, err := f.ReadAt(header, cursor); err != nil {
			break
		}
		length := int64(binary.BigEndian.Uint32(header[:4]))
		keyframe := header[4] == 1
		payloadOffset := cursor + mp4MicroHeaderSize

		if length < 0 || payloadOffset+length > fileSize {
			// Truncated mid-frame: stop, do not count this partial record.
			break
		}

		samples = append(samples, mp4Sample{
			offset:   payloadOffset,
			size:     length,
			keyframe: keyframe,
			ptsNanos: int64(len(samples)) * int64(1e9) / int64(maxFloat(p.FrameRate, 1)),
		})
		if keyframe {
			lastKeyframeCursor = cursor
		}
		cursor = payloadOffset + length
	}

	if len(samples) == 0 {
		return 0, fmt.Errorf("muxer: no recoverable samples in %s", path)
	}
	if lastKeyframeCursor < 0 {
		return 0, fmt.Errorf("muxer: no keyframe found in %s", path)
	}

	truncateAt := cursor
	mdatSize := truncateAt - mdatHeaderOffset

	if err := f.Truncate(truncateAt); err != nil {
		return 0, err
	}
	if err := patchBoxSize(f, mdatHeaderOffset, mdatSize); err != nil {
		return 0, err
	}

	moov := buildMoov(p, samples)
	if _, err := f.Seek(truncateAt, io.SeekStart); err != nil {
		return 0, err
	}
	if _, err := f.Write(moov); err != nil {
		return 0, err
	}

	return len(samples), nil
}

func readBoxSize(f *os.File, offset int64) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

func readBoxType(f *os.File, offset int64) (string, error) {
	buf := make([]byte, 4)
	if _, err := f.ReadAt(buf, offset+4); err != nil {
		return "", err
	}
	return string(buf), nil
}
