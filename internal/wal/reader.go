package wal

import (
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/titanlog/titan/internal/ierrors"
)

// Entry is one decoded (metadata, payload) pair returned by replay.
type Entry struct {
	Offset  uint64
	Meta    []byte
	Payload []byte
}

// Replay mmaps the segment at path (mmap-friendly random access per
// spec §3) and sequentially decodes blocks from offset 0 until it hits
// end-of-data, a short read, or a checksum mismatch. On corruption it
// returns the entries decoded so far plus the byte offset at which the
// segment should be truncated (end of the last good block) — spec §7,
// §8 scenario 5.
func Replay(path string) (entries []Entry, truncateAt uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, ierrors.Wrap(ierrors.KindIO, "wal.Replay", "open segment", err)
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, 0, ierrors.Wrap(ierrors.KindIO, "wal.Replay", "mmap segment", err)
	}
	defer m.Unmap()

	data := []byte(m)
	var offset uint64
	for {
		if offset+HeaderSize() > uint64(len(data)) {
			break // remaining space is pre-allocated padding, not a block.
		}
		// A pre-allocated but never-written region reads as all zero
		// bytes, which will never match the magic tag; treat that as
		// the clean end of the log rather than corruption.
		if isZero(data[offset : offset+8]) {
			break
		}
		meta, payload, h, derr := Decode(data, offset)
		if derr != nil {
			// Short read, bad magic, or checksum mismatch: block k is
			// corrupt. Truncate away it and everything after.
			return entries, offset, nil
		}
		entries = append(entries, Entry{Offset: offset, Meta: append([]byte(nil), meta...), Payload: append([]byte(nil), payload...)})
		offset += h.TotalBlockSize
	}
	return entries, offset, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Truncate shrinks the segment file at path to size bytes, used after
// Replay reports corruption so the segment becomes exactly as long as
// its last good block (spec §7's ChecksumMismatch recovery).
func Truncate(path string, size uint64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return ierrors.Wrap(ierrors.KindIO, "wal.Truncate", "open segment", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return ierrors.Wrap(ierrors.KindIO, "wal.Truncate", "truncate segment", err)
	}
	return nil
}
