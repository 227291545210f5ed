// Copyright 2017 The Prometheus Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"github.com/titanlog/titan/internal/ierrors"
)

// Magic is the 8-byte ASCII tag every block starts with.
const Magic = "WALBLOCK"

// headerSize is the on-disk size of Header, 64-byte aligned so blocks
// can be read back with mmap-friendly offsets.
const headerSize = 64

// Header is the fixed block header described in spec §3. Fields are
// little-endian on disk; this struct is never memcpy'd across the
// wire, only encoded/decoded field by field (index.go's own
// binary.Read/Write discipline, carried over here).
type Header struct {
	MetadataOffset  uint64
	MetadataLength  uint16
	ReservedFlags   uint16
	Checksum        uint32
	ReserveOffset   uint64
	ReserveLength   uint64
	DataOffset      uint64
	DataLength      uint64
	TotalBlockSize  uint64
}

// castagnoliTable matches the teacher's own choice of polynomial in
// wal.go: initialized once up front to sidestep sync.Once races with
// any other package-level use of hash/crc32.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(meta, payload []byte) uint32 {
	h := crc32.New(castagnoliTable)
	h.Write(meta)
	h.Write(payload)
	return h.Sum32()
}

// Encode frames meta and payload into a self-describing block whose
// absolute offsets are computed relative to blockStart (the block's
// offset within the segment file). The reserve region is left empty;
// callers that need it fill Header.ReserveOffset/ReserveLength
// themselves via EncodeWithReserve.
func Encode(blockStart uint64, meta, payload []byte) []byte {
	return EncodeWithReserve(blockStart, meta, payload, nil)
}

// EncodeWithReserve is Encode plus an optional reserve region appended
// after the payload.
func EncodeWithReserve(blockStart uint64, meta, payload, reserve []byte) []byte {
	metaOffset := blockStart + headerSize
	dataOffset := metaOffset + uint64(len(meta))
	reserveOffset := uint64(0)
	reserveLength := uint64(0)
	if len(reserve) > 0 {
		reserveOffset = dataOffset + uint64(len(payload))
		reserveLength = uint64(len(reserve))
	}
	total := headerSize + uint64(len(meta)) + uint64(len(payload)) + uint64(len(reserve))

	h := Header{
		MetadataOffset: metaOffset,
		MetadataLength: uint16(len(meta)),
		Checksum:       checksum(meta, payload),
		ReserveOffset:  reserveOffset,
		ReserveLength:  reserveLength,
		DataOffset:     dataOffset,
		DataLength:     uint64(len(payload)),
		TotalBlockSize: total,
	}

	buf := make([]byte, total)
	writeHeader(buf, h)
	copy(buf[headerSize:], meta)
	copy(buf[dataOffset-blockStart:], payload)
	if len(reserve) > 0 {
		copy(buf[reserveOffset-blockStart:], reserve)
	}
	return buf
}

func writeHeader(buf []byte, h Header) {
	copy(buf[0:8], Magic)
	binary.LittleEndian.PutUint64(buf[8:16], h.MetadataOffset)
	binary.LittleEndian.PutUint16(buf[16:18], h.MetadataLength)
	binary.LittleEndian.PutUint16(buf[18:20], h.ReservedFlags)
	binary.LittleEndian.PutUint32(buf[20:24], h.Checksum)
	binary.LittleEndian.PutUint64(buf[24:32], h.ReserveOffset)
	binary.LittleEndian.PutUint64(buf[32:40], h.ReserveLength)
	binary.LittleEndian.PutUint64(buf[40:48], h.DataOffset)
	binary.LittleEndian.PutUint64(buf[48:56], h.DataLength)
	binary.LittleEndian.PutUint64(buf[56:64], h.TotalBlockSize)
}

func readHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, errors.New("short read: buffer smaller than header")
	}
	if string(buf[0:8]) != Magic {
		return Header{}, ierrors.New(ierrors.KindChecksum, "wal.readHeader", errors.Errorf("bad magic %q", buf[0:8]))
	}
	var h Header
	h.MetadataOffset = binary.LittleEndian.Uint64(buf[8:16])
	h.MetadataLength = binary.LittleEndian.Uint16(buf[16:18])
	h.ReservedFlags = binary.LittleEndian.Uint16(buf[18:20])
	h.Checksum = binary.LittleEndian.Uint32(buf[20:24])
	h.ReserveOffset = binary.LittleEndian.Uint64(buf[24:32])
	h.ReserveLength = binary.LittleEndian.Uint64(buf[32:40])
	h.DataOffset = binary.LittleEndian.Uint64(buf[40:48])
	h.DataLength = binary.LittleEndian.Uint64(buf[48:56])
	h.TotalBlockSize = binary.LittleEndian.Uint64(buf[56:64])
	return h, nil
}

// Decode parses the block starting at blockStart within data (a
// segment-sized buffer or mmap slice) and returns borrowed metadata
// and payload slices. Corruption is reported as a *ierrors.Error with
// KindChecksum, matching spec §7's replay-only ChecksumMismatch.
func Decode(data []byte, blockStart uint64) (meta, payload []byte, h Header, err error) {
	if blockStart+headerSize > uint64(len(data)) {
		return nil, nil, Header{}, ierrors.New(ierrors.KindChecksum, "wal.Decode", errors.New("short read: header truncated"))
	}
	h, err = readHeader(data[blockStart : blockStart+headerSize])
	if err != nil {
		return nil, nil, Header{}, err
	}
	if h.DataOffset != h.MetadataOffset+uint64(h.MetadataLength) {
		return nil, nil, Header{}, ierrors.New(ierrors.KindChecksum, "wal.Decode", errors.New("data_offset does not follow metadata"))
	}
	if h.MetadataOffset != blockStart+headerSize {
		return nil, nil, Header{}, ierrors.New(ierrors.KindChecksum, "wal.Decode", errors.New("metadata_offset does not follow header"))
	}
	end := h.DataOffset + h.DataLength
	if end > uint64(len(data)) {
		return nil, nil, Header{}, ierrors.New(ierrors.KindChecksum, "wal.Decode", errors.New("short read: payload truncated"))
	}
	meta = data[h.MetadataOffset : h.MetadataOffset+uint64(h.MetadataLength)]
	payload = data[h.DataOffset:end]

	if got := checksum(meta, payload); got != h.Checksum {
		return nil, nil, Header{}, ierrors.New(ierrors.KindChecksum, "wal.Decode", errors.Errorf("checksum mismatch: want %#x got %#x", h.Checksum, got))
	}
	return meta, payload, h, nil
}

// HeaderSize exposes headerSize to callers outside the package (the
// writer needs it to size its claim).
func HeaderSize() uint64 { return headerSize }
