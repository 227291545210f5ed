package wal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/titanlog/titan/internal/ierrors"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	meta := []byte(`{"flight":"orders"}`)
	payload := []byte("arrow-ipc-stream-bytes-would-go-here")

	blockStart := uint64(0)
	block := Encode(blockStart, meta, payload)

	gotMeta, gotPayload, h, err := Decode(block, blockStart)
	require.NoError(t, err)
	require.Equal(t, meta, gotMeta)
	require.Equal(t, payload, gotPayload)
	require.EqualValues(t, headerSize, h.MetadataOffset)
	require.EqualValues(t, headerSize+len(meta), h.DataOffset)
	require.EqualValues(t, len(payload), h.DataLength)
	require.EqualValues(t, headerSize+len(meta)+len(payload), h.TotalBlockSize)
}

func TestEncodeDecodeAtNonZeroBlockStart(t *testing.T) {
	meta := []byte("m")
	payload := []byte("payload-bytes")
	blockStart := uint64(4096)

	// Simulate a segment buffer where the block lives at an offset.
	buf := make([]byte, blockStart)
	buf = append(buf, Encode(blockStart, meta, payload)...)

	gotMeta, gotPayload, _, err := Decode(buf, blockStart)
	require.NoError(t, err)
	require.Equal(t, meta, gotMeta)
	require.Equal(t, payload, gotPayload)
}

func TestDecodeDetectsCorruption(t *testing.T) {
	meta := []byte("metadata-envelope")
	payload := []byte("payload")
	block := Encode(0, meta, payload)

	// Flip a byte inside the metadata region.
	corrupt := append([]byte(nil), block...)
	corrupt[headerSize] ^= 0xFF

	_, _, _, err := Decode(corrupt, 0)
	require.Error(t, err)
	var ierr *ierrors.Error
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, ierrors.KindChecksum, ierr.Kind)
}

func TestDecodeDetectsBadMagic(t *testing.T) {
	block := Encode(0, []byte("m"), []byte("p"))
	block[0] = 'X'
	_, _, _, err := Decode(block, 0)
	require.Error(t, err)
}

func TestDecodeShortRead(t *testing.T) {
	_, _, _, err := Decode(make([]byte, 10), 0)
	require.Error(t, err)
}

func TestEncodeWithReserve(t *testing.T) {
	meta := []byte("m")
	payload := []byte("p")
	reserve := []byte("future-use")

	block := EncodeWithReserve(0, meta, payload, reserve)
	gotMeta, gotPayload, h, err := Decode(block, 0)
	require.NoError(t, err)
	require.Equal(t, meta, gotMeta)
	require.Equal(t, payload, gotPayload)
	require.EqualValues(t, len(reserve), h.ReserveLength)
	require.NotZero(t, h.ReserveOffset)
}

func TestEncodeEmptyBatchRoundTrips(t *testing.T) {
	meta := []byte("m")
	block := Encode(0, meta, nil)
	gotMeta, gotPayload, h, err := Decode(block, 0)
	require.NoError(t, err)
	require.Equal(t, meta, gotMeta)
	require.Empty(t, gotPayload)
	require.Zero(t, h.DataLength)
}
